// Package transport owns the listening endpoint described in spec.md §4.3:
// a QUIC-family, TLS-protected, reliable datagram transport with
// bidirectional streams, a self-signed identity, and a two-level sliding
// window rate limit applied at accept time.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/emil45/phantom/application"
)

// Config bounds the listener's behavior, per spec.md §6.
type Config struct {
	BindAddress       string
	IdleTimeout       time.Duration
	KeepaliveInterval time.Duration
	ALPN              string
}

// Handler processes one accepted connection's first bidirectional stream.
// It is expected to hand the stream first to auth and then, on success, to
// the bridge — see spec.md §9 on stream ownership transfer.
type Handler func(ctx context.Context, remoteAddr string, conn quic.Connection, stream quic.Stream)

// Listener owns the single listening socket.
type Listener struct {
	cfg     Config
	quicLn  *quic.Listener
	limiter application.RateLimiter
	logger  application.Logger
	handler Handler

	wg sync.WaitGroup
}

// Listen starts listening on cfg.BindAddress using identity's certificate.
func Listen(cfg Config, identity Identity, limiter application.RateLimiter, logger application.Logger, handler Handler) (*Listener, error) {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{identity.Certificate},
		NextProtos:   []string{cfg.ALPN},
	}

	quicConf := &quic.Config{
		MaxIdleTimeout:  cfg.IdleTimeout,
		KeepAlivePeriod: cfg.KeepaliveInterval,
	}

	quicLn, err := quic.ListenAddr(cfg.BindAddress, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", cfg.BindAddress, err)
	}

	return &Listener{
		cfg:     cfg,
		quicLn:  quicLn,
		limiter: limiter,
		logger:  logger,
		handler: handler,
	}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() string {
	return l.quicLn.Addr().String()
}

// Serve runs the accept loop until ctx is canceled. It never returns an
// error for a well-formed shutdown; callers close via ctx.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.quicLn.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.logger.Warn("transport: accept failed", "error", err)
			continue
		}

		source := conn.RemoteAddr().String()
		if !l.limiter.IsAllowed(source) {
			l.logger.Info("transport: rate limit refused connection", "source", source)
			_ = conn.CloseWithError(0, "rate_limited")
			continue
		}
		l.limiter.RecordConnection(source)

		l.wg.Add(1)
		go l.serveConn(ctx, conn, source)
	}

	return l.shutdown()
}

func (l *Listener) serveConn(ctx context.Context, conn quic.Connection, source string) {
	defer l.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("transport: connection handler panicked", fmt.Errorf("%v", r), "source", source)
		}
	}()
	defer func() { _ = conn.CloseWithError(0, "") }()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.logger.Warn("transport: failed to accept first stream", "source", source, "error", err)
		return
	}

	l.handler(ctx, source, conn, stream)
}

// Shutdown stops accepting and waits up to grace for in-flight connection
// handlers to finish before forcibly closing the endpoint.
func (l *Listener) Shutdown(grace time.Duration) {
	_ = l.quicLn.Close()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		l.logger.Warn("transport: grace period elapsed, forcing shutdown", "grace", grace)
	}
}

func (l *Listener) shutdown() error {
	return nil
}
