// Package daemon wires together every adapter behind application's ports
// and runs the host daemon described in spec.md §2's data-flow line:
// Listener → Auth → Bridge → Session manager ↔ PTY ↔ Frame codec ↔
// transport stream. This is the composition root; nothing downstream of
// it imports it.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/emil45/phantom/application"
	"github.com/emil45/phantom/infrastructure/auth"
	"github.com/emil45/phantom/infrastructure/bridge"
	"github.com/emil45/phantom/infrastructure/config"
	"github.com/emil45/phantom/infrastructure/ipc"
	"github.com/emil45/phantom/infrastructure/ratelimit"
	infrasession "github.com/emil45/phantom/infrastructure/session"
	"github.com/emil45/phantom/infrastructure/transport"
	infratrust "github.com/emil45/phantom/infrastructure/trust"
)

// shutdownGrace bounds how long in-flight connections get to wind down
// once shutdown begins.
const shutdownGrace = 5 * time.Second

// Run builds the full dependency graph from cfg and blocks until it is
// told to shut down (SIGINT/SIGTERM) or ctx is canceled.
func Run(ctx context.Context, cfg config.Config, logger application.Logger, version string) error {
	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return fmt.Errorf("daemon: create state dir: %w", err)
	}

	trustStore := infratrust.NewStore(cfg.StateDir)

	limiterCtx, stopLimiter := context.WithCancel(ctx)
	defer stopLimiter()
	limiter := ratelimit.New(limiterCtx, ratelimit.Config{
		ConnectionN:    cfg.ConnectionRateN,
		ConnectionT:    cfg.ConnectionRateT,
		FailureM:       cfg.AuthFailureRateM,
		FailureU:       cfg.AuthFailureRateU,
		MaxSources:     10000,
		IdleEvictAfter: 30 * time.Minute,
	})

	identity, err := transport.LoadOrCreateIdentity(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("daemon: load identity: %w", err)
	}

	sessions := infrasession.NewManager(cfg.ScrollbackBytes, cfg.ReaperInterval, logger)
	defer sessions.Shutdown()

	authEngine := auth.New(trustStore, limiter, logger)
	bridgeDeps := bridge.Deps{Sessions: sessions, Trust: trustStore, Logger: logger}

	handler := func(connCtx context.Context, remoteAddr string, _ quic.Connection, stream quic.Stream) {
		deviceID, err := authEngine.Authenticate(stream, remoteAddr)
		if err != nil {
			logger.Warn("daemon: authentication failed", "source", remoteAddr, "error", err)
			return
		}
		logger.Info("daemon: authenticated", "device_id", deviceID, "source", remoteAddr)

		if err := bridge.Run(connCtx, bridgeDeps, stream, deviceID, remoteAddr); err != nil {
			logger.Warn("daemon: connection ended", "device_id", deviceID, "error", err)
		}
	}

	listener, err := transport.Listen(transport.Config{
		BindAddress:       cfg.BindAddress,
		IdleTimeout:       cfg.IdleTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		ALPN:              cfg.ALPN,
	}, identity, limiter, logger, handler)
	if err != nil {
		return fmt.Errorf("daemon: start listener: %w", err)
	}

	host, port := splitHostPort(listener.Addr())

	ipcServer, err := ipc.Listen(cfg.IPCSocketPath, ipc.Deps{
		Sessions:    sessions,
		Trust:       trustStore,
		Logger:      logger,
		Host:        host,
		Port:        port,
		Fingerprint: identity.Fingerprint,
		Version:     version,
		StartedAt:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("daemon: start ipc endpoint: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errc := make(chan error, 2)
	go func() { errc <- listener.Serve(runCtx) }()
	go func() { errc <- ipcServer.Serve(runCtx) }()

	logger.Info("daemon: listening", "address", listener.Addr(), "fingerprint", identity.Fingerprint)

	select {
	case sig := <-sigCh:
		logger.Info("daemon: received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("daemon: context canceled, shutting down")
	case err := <-errc:
		if err != nil {
			logger.Error("daemon: a server loop exited unexpectedly", err)
		}
	}

	cancel()

	// Tear every surface down concurrently: PTY children are killed
	// immediately rather than waiting out the listener's and IPC
	// endpoint's grace periods first.
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); sessions.Shutdown() }()
	go func() { defer wg.Done(); listener.Shutdown(shutdownGrace) }()
	go func() { defer wg.Done(); ipcServer.Shutdown() }()
	wg.Wait()

	return nil
}

func splitHostPort(addr string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "127.0.0.1"
	}
	var port int
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	return host, uint16(port)
}
