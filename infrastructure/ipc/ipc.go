// Package ipc implements the local-only tray-UI control surface described
// in spec.md §4.7: a Unix-domain-socket, JSON line-delimited
// request/response protocol, independent of the transport listener and
// its QUIC stream protocol. The shape — accept loop, one goroutine per
// connection, line-delimited JSON — mirrors the teacher's connection
// handling generalized from a network listener to a local socket.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/emil45/phantom/application"
	domaintrust "github.com/emil45/phantom/domain/trust"
)

// requestTimeout bounds how long a single request may take, per spec.md §5.
const requestTimeout = 5 * time.Second

// maxRequestsPerSecond is the per-connection sliding-window cap, per
// spec.md §4.7.
const maxRequestsPerSecond = 20

// Deps are the ports and static facts the IPC endpoint needs to answer
// tray-UI requests.
type Deps struct {
	Sessions application.SessionManager
	Trust    application.TrustStore
	Logger   application.Logger

	Host        string
	Port        uint16
	Fingerprint string // base64(sha256(cert.der)), per spec.md §6
	Version     string
	StartedAt   time.Time
}

type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Server listens on a Unix domain socket and answers one JSON
// line-delimited request/response protocol, per spec.md §4.7.
type Server struct {
	socketPath string
	deps       Deps

	ln net.Listener
	wg sync.WaitGroup
}

// Listen creates (replacing any stale file) a Unix domain socket at
// socketPath.
func Listen(socketPath string, deps Deps) (*Server, error) {
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		deps.Logger.Warn("ipc: failed to restrict socket permissions", "path", socketPath, "error", err)
	}

	return &Server{socketPath: socketPath, deps: deps, ln: ln}, nil
}

// Serve accepts connections until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.deps.Logger.Warn("ipc: accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}

	s.wg.Wait()
	return nil
}

// Shutdown closes the listener and removes the socket file.
func (s *Server) Shutdown() {
	_ = s.ln.Close()
	_ = os.Remove(s.socketPath)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	gate := newRequestGate(maxRequestsPerSecond, time.Second)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(response{Error: "invalid_request"})
			continue
		}

		if !gate.allow() {
			_ = enc.Encode(response{ID: req.ID, Error: "rate_limited"})
			continue
		}

		resp := s.dispatchWithTimeout(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// dispatchWithTimeout enforces requestTimeout on a single request, per
// spec.md §5's "per-request IPC calls time out after 5 s". The ports
// dispatch calls into (SessionManager, TrustStore) are synchronous and take
// no context, so the timeout can't be threaded into them directly; instead
// dispatch runs on its own goroutine and the caller stops waiting for it
// once reqCtx expires. The dispatch goroutine is local, in-memory work that
// always returns quickly in practice — this bounds the reply rather than
// guarding against a genuinely hung call.
func (s *Server) dispatchWithTimeout(ctx context.Context, req request) response {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := s.dispatch(reqCtx, req)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		resp := response{ID: req.ID}
		if o.err != nil {
			resp.Error = o.err.Error()
		} else {
			resp.Result = o.result
		}
		return resp
	case <-reqCtx.Done():
		return response{ID: req.ID, Error: "request_timeout"}
	}
}

func (s *Server) dispatch(ctx context.Context, req request) (any, error) {
	switch req.Method {
	case "ping":
		return struct{}{}, nil

	case "version":
		return map[string]string{"version": s.deps.Version}, nil

	case "status":
		return s.status()

	case "list_sessions":
		return map[string]any{"sessions": s.deps.Sessions.List()}, nil

	case "list_devices":
		devices, err := s.deps.Trust.ListDevices()
		if err != nil {
			return nil, fmt.Errorf("list_devices: %w", err)
		}
		return map[string]any{"devices": devices}, nil

	case "create_pairing":
		return s.createPairing(req.Params)

	case "revoke_device":
		var p struct {
			DeviceID string `json:"device_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.DeviceID == "" {
			return nil, errors.New("invalid_request")
		}
		if err := s.deps.Trust.RevokeDevice(p.DeviceID); err != nil {
			return nil, fmt.Errorf("revoke_device: %w", err)
		}
		return struct{}{}, nil

	case "destroy_session":
		var p struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.SessionID == "" {
			return nil, errors.New("invalid_request")
		}
		if err := s.deps.Sessions.Destroy(p.SessionID); err != nil {
			return nil, fmt.Errorf("destroy_session: %w", err)
		}
		return struct{}{}, nil

	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func (s *Server) status() (any, error) {
	devices, err := s.deps.Trust.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	tokens, err := s.deps.Trust.ListPairingTokens()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}

	return map[string]any{
		"sessions":        len(s.deps.Sessions.List()),
		"devices":         len(devices),
		"pairing_tokens":  len(tokens),
		"uptime_seconds":  int(time.Since(s.deps.StartedAt).Seconds()),
		"host":            s.deps.Host,
		"port":            s.deps.Port,
		"fingerprint":     s.deps.Fingerprint,
	}, nil
}

// pairingQR is the QR payload JSON shape, bit-exact per spec.md §6.
type pairingQR struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
	FP   string `json:"fp"`
	Tok  string `json:"tok"`
	Name string `json:"name"`
	V    int    `json:"v"`
}

func (s *Server) createPairing(rawParams json.RawMessage) (any, error) {
	var p struct {
		TTLSeconds int    `json:"ttl_seconds,omitempty"`
		Name       string `json:"name,omitempty"`
	}
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &p); err != nil {
			return nil, errors.New("invalid_request")
		}
	}

	ttl := domaintrust.DefaultTokenTTL
	if p.TTLSeconds > 0 {
		ttl = time.Duration(p.TTLSeconds) * time.Second
	}

	token, err := s.deps.Trust.IssueToken(ttl)
	if err != nil {
		return nil, fmt.Errorf("create_pairing: %w", err)
	}

	qr := pairingQR{
		Host: s.deps.Host,
		Port: s.deps.Port,
		FP:   s.deps.Fingerprint,
		Tok:  token.Token,
		Name: p.Name,
		V:    1,
	}
	qrJSON, err := json.Marshal(qr)
	if err != nil {
		return nil, fmt.Errorf("create_pairing: encode qr: %w", err)
	}

	return map[string]any{
		"token":       token.Token,
		"host":        s.deps.Host,
		"port":        s.deps.Port,
		"fingerprint": s.deps.Fingerprint,
		"qr":          string(qrJSON),
		"expires_at":  token.ExpiresAt().Format(time.RFC3339),
	}, nil
}

// requestGate is a per-connection sliding-window limiter, simpler than
// infrastructure/ratelimit.Limiter since it tracks a single connection
// rather than many sources.
type requestGate struct {
	mu     sync.Mutex
	events []time.Time
	max    int
	span   time.Duration
}

func newRequestGate(max int, span time.Duration) *requestGate {
	return &requestGate{max: max, span: span}
}

func (g *requestGate) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-g.span)
	kept := g.events[:0]
	for _, t := range g.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.events = kept

	if len(g.events) >= g.max {
		return false
	}
	g.events = append(g.events, now)
	return true
}
