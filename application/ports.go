// Package application declares the interfaces ("ports") that the
// infrastructure adapters implement and the presentation layer wires
// together. Mirrors the teacher's application package: pure interfaces,
// no implementation.
package application

import (
	"context"
	"io"
	"time"

	"github.com/emil45/phantom/domain/session"
	"github.com/emil45/phantom/domain/trust"
)

// Logger is the minimal structured-logging surface the domain packages
// depend on, so they never import zerolog directly.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, err error, kv ...any)
}

// TrustStore is the persistence port described in spec.md §4.2.
type TrustStore interface {
	IssueToken(ttl time.Duration) (trust.PairingToken, error)
	ConsumeToken(token string) error
	UpsertDevice(deviceID string, publicKey []byte, name string) error
	LookupDevice(deviceID string) (trust.Device, bool, error)
	TouchLastSeen(deviceID string) error
	RevokeDevice(deviceID string) error
	ListDevices() ([]trust.Device, error)
	ListPairingTokens() ([]trust.PairingToken, error)
}

// RateLimiter splits the two-level sliding-window policy into a read-only
// predicate and a mutator, per spec.md §4.3 and §9 ("Rate limiter split
// API"). Conflating the two causes spurious refusals.
type RateLimiter interface {
	// IsAllowed is checked on accept; it never mutates counters.
	IsAllowed(source string) bool
	// RecordFailure is called only when auth actually fails downstream; it
	// may cause IsAllowed to start refusing the source.
	RecordFailure(source string)
	// RecordConnection is called once per accepted connection.
	RecordConnection(source string)
}

// SessionHandle is returned by Attach: an output stream to forward to the
// bridge's egress loop and an input sink for the bridge's ingress loop.
type SessionHandle struct {
	SessionID string
	// Scrollback is the tail of prior output, to be sent as one or more
	// Scrollback frames before any value read off Output.
	Scrollback []byte
	Output     <-chan []byte
	Input      func([]byte) error
	Resize     func(cols, rows int) error
	Done       <-chan struct{}
}

// SessionManager is the port described in spec.md §4.5.
type SessionManager interface {
	Create(ctx context.Context, rows, cols int, shell string, createdBy string) (session.Info, error)
	Attach(sessionID, deviceID string) (SessionHandle, error)
	Detach(sessionID string)
	Destroy(sessionID string) error
	List() []session.Info
	Resize(sessionID string, cols, rows int) error
	Shutdown()
}

// PTY abstracts a spawned pseudo-terminal + child process, implemented over
// creack/pty in infrastructure/ptyproc.
type PTY interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
	Wait() error
}
