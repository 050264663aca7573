// Package bridge implements the per-connection state machine described in
// spec.md §4.6: a Control mode that speaks the same length-prefixed JSON
// protocol as auth, and a Bridge mode that splices a session's PTY to the
// stream using the binary frame codec. The shape mirrors the teacher's
// per-connection handler: Control is a small request/reply loop, Bridge is
// two cooperating goroutines that tear each other down on exit.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/emil45/phantom/application"
	"github.com/emil45/phantom/frame"
	infrasession "github.com/emil45/phantom/infrastructure/session"
	"github.com/emil45/phantom/infrastructure/wire"
)

// heartbeatIdleInterval is the default egress idleness before a Heartbeat
// frame is emitted, per spec.md §4.6.
const heartbeatIdleInterval = 15 * time.Second

var errPeerClosed = errors.New("bridge: peer sent close")

// Deps are the ports a Connection needs; presentation/daemon constructs
// one set and shares it across every accepted connection.
type Deps struct {
	Sessions application.SessionManager
	Trust    application.TrustStore
	Logger   application.Logger
}

// Run drives deviceID's connection through Control mode and, on a
// create_session or attach_session acceptance, into Bridge mode. It
// returns when the connection should be closed — on peer close, a
// protocol error, or ctx cancellation. The stream is never closed here;
// the caller (the transport listener) owns that, per spec.md §9's
// ownership-not-borrowing rule.
func Run(ctx context.Context, deps Deps, stream io.ReadWriter, deviceID, source string) error {
	for {
		var req controlRequest
		if err := wire.ReadMessage(stream, &req); err != nil {
			return fmt.Errorf("bridge: read control request: %w", err)
		}

		switch req.Type {
		case "list_sessions":
			if err := handleListSessions(deps, stream, req); err != nil {
				return err
			}

		case "destroy_session":
			if err := handleDestroySession(deps, stream, req); err != nil {
				return err
			}

		case "remove_device":
			_ = deps.Trust.RevokeDevice(deviceID)
			deps.Logger.Info("bridge: device removed itself", "device_id", deviceID, "source", source)
			return nil

		case "heartbeat":
			if err := wire.WriteMessage(stream, controlResponse{Type: "heartbeat", RequestID: req.RequestID, Success: true}); err != nil {
				return fmt.Errorf("bridge: reply heartbeat: %w", err)
			}

		case "create_session":
			handle, err := handleCreateSession(ctx, deps, stream, req, deviceID)
			if err != nil {
				return err
			}
			return runBridgeMode(ctx, deps.Sessions, stream, handle)

		case "attach_session":
			handle, err := handleAttachSession(deps, stream, req, deviceID)
			if err != nil {
				return err
			}
			return runBridgeMode(ctx, deps.Sessions, stream, handle)

		default:
			_ = wire.WriteMessage(stream, controlResponse{Type: "error", RequestID: req.RequestID, Success: false, Error: ErrInvalidRequest})
			return fmt.Errorf("bridge: unrecognized control message type %q", req.Type)
		}
	}
}

func handleListSessions(deps Deps, stream io.ReadWriter, req controlRequest) error {
	sessions := deps.Sessions.List()
	return wire.WriteMessage(stream, controlResponse{
		Type:      "list_sessions_response",
		RequestID: req.RequestID,
		Success:   true,
		Sessions:  sessions,
	})
}

func handleDestroySession(deps Deps, stream io.ReadWriter, req controlRequest) error {
	err := deps.Sessions.Destroy(req.SessionID)
	if err != nil {
		return wire.WriteMessage(stream, controlResponse{
			Type:      "destroy_session_response",
			RequestID: req.RequestID,
			Success:   false,
			Error:     sessionErrorString(err),
		})
	}
	return wire.WriteMessage(stream, controlResponse{
		Type:      "destroy_session_response",
		RequestID: req.RequestID,
		Success:   true,
		SessionID: req.SessionID,
	})
}

func handleCreateSession(ctx context.Context, deps Deps, stream io.ReadWriter, req controlRequest, deviceID string) (application.SessionHandle, error) {
	info, err := deps.Sessions.Create(ctx, req.Rows, req.Cols, req.Shell, deviceID)
	if err != nil {
		_ = wire.WriteMessage(stream, controlResponse{Type: "create_session_response", RequestID: req.RequestID, Success: false, Error: ErrInvalidRequest})
		return application.SessionHandle{}, fmt.Errorf("bridge: create_session: %w", err)
	}

	handle, err := deps.Sessions.Attach(info.SessionID, deviceID)
	if err != nil {
		_ = wire.WriteMessage(stream, controlResponse{Type: "create_session_response", RequestID: req.RequestID, Success: false, Error: sessionErrorString(err)})
		return application.SessionHandle{}, fmt.Errorf("bridge: attach freshly created session: %w", err)
	}

	if err := wire.WriteMessage(stream, controlResponse{
		Type:      "create_session_response",
		RequestID: req.RequestID,
		Success:   true,
		SessionID: info.SessionID,
		Rows:      info.Rows,
		Cols:      info.Cols,
	}); err != nil {
		return application.SessionHandle{}, fmt.Errorf("bridge: reply create_session: %w", err)
	}

	return handle, nil
}

func handleAttachSession(deps Deps, stream io.ReadWriter, req controlRequest, deviceID string) (application.SessionHandle, error) {
	handle, err := deps.Sessions.Attach(req.SessionID, deviceID)
	if err != nil {
		_ = wire.WriteMessage(stream, controlResponse{Type: "session_attached", RequestID: req.RequestID, Success: false, Error: sessionErrorString(err)})
		return application.SessionHandle{}, fmt.Errorf("bridge: attach_session: %w", err)
	}

	if err := wire.WriteMessage(stream, controlResponse{
		Type:      "session_attached",
		RequestID: req.RequestID,
		Success:   true,
		SessionID: req.SessionID,
	}); err != nil {
		return application.SessionHandle{}, fmt.Errorf("bridge: reply session_attached: %w", err)
	}

	return handle, nil
}

func sessionErrorString(err error) string {
	switch {
	case errors.Is(err, infrasession.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, infrasession.ErrNotAlive):
		return ErrNotAlive
	case errors.Is(err, infrasession.ErrDamaged):
		return ErrDamaged
	case errors.Is(err, infrasession.ErrAlreadyAttached):
		return ErrAlreadyAttached
	default:
		return ErrInvalidRequest
	}
}

// runBridgeMode sends the scrollback snapshot as one or more Scrollback
// frames, then runs the egress and ingress pumps until either exits,
// which cancels the other, per spec.md §4.6's termination rule. On every
// exit path — clean close, peer disconnect, or error — it detaches from
// the session so a later attach_session for the same ID isn't permanently
// refused with ErrAlreadyAttached and so the reaper can reclaim the
// session once its child exits, per spec.md §4.5's implicit-detach rule.
func runBridgeMode(ctx context.Context, sessions application.SessionManager, stream io.ReadWriter, handle application.SessionHandle) error {
	defer sessions.Detach(handle.SessionID)

	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var egressSeq, ingressSeq uint64

	if len(handle.Scrollback) > 0 {
		if err := writeChunked(stream, frame.Scrollback, handle.Scrollback, &egressSeq); err != nil {
			return fmt.Errorf("bridge: send scrollback: %w", err)
		}
	}

	win := newWindow(DefaultWindow)

	errc := make(chan error, 2)
	go func() { errc <- runEgress(bridgeCtx, stream, handle, win, &egressSeq) }()
	go func() { errc <- runIngress(bridgeCtx, stream, handle, win, &ingressSeq) }()

	err := <-errc
	cancel()
	<-errc

	if errors.Is(err, errPeerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// writeChunked splits payload into MaxPayload-sized frames of typ.
func writeChunked(stream io.Writer, typ frame.Type, payload []byte, seq *uint64) error {
	for len(payload) > 0 {
		n := len(payload)
		if n > frame.MaxPayload {
			n = frame.MaxPayload
		}
		chunk := payload[:n]
		payload = payload[n:]

		wireBytes, err := frame.Encode(frame.Frame{Type: typ, Sequence: atomic.AddUint64(seq, 1), Payload: chunk}, true)
		if err != nil {
			return err
		}
		if _, err := stream.Write(wireBytes); err != nil {
			return err
		}
	}
	return nil
}

func runEgress(ctx context.Context, stream io.Writer, handle application.SessionHandle, win *window, seq *uint64) error {
	idle := time.NewTimer(heartbeatIdleInterval)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-handle.Done:
			wireBytes, err := frame.Encode(frame.Frame{Type: frame.Close, Sequence: atomic.AddUint64(seq, 1)}, false)
			if err == nil {
				_, _ = stream.Write(wireBytes)
			}
			return errPeerClosed

		case chunk, ok := <-handle.Output:
			if !ok {
				return nil
			}

			wireBytes, err := frame.Encode(frame.Frame{Type: frame.Data, Sequence: atomic.AddUint64(seq, 1), Payload: chunk}, true)
			if err != nil {
				return fmt.Errorf("bridge: encode data frame: %w", err)
			}

			if err := win.reserve(ctx, uint64(len(wireBytes))); err != nil {
				return err
			}
			if _, err := stream.Write(wireBytes); err != nil {
				return fmt.Errorf("bridge: write data frame: %w", err)
			}

			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(heartbeatIdleInterval)

		case <-idle.C:
			wireBytes, err := frame.Encode(frame.Frame{Type: frame.Heartbeat, Sequence: atomic.AddUint64(seq, 1)}, false)
			if err == nil {
				_, _ = stream.Write(wireBytes)
			}
			idle.Reset(heartbeatIdleInterval)
		}
	}
}

func runIngress(ctx context.Context, stream io.Reader, handle application.SessionHandle, win *window, seq *uint64) error {
	dec := frame.NewDecoder(frame.DefaultMaxBuffered)
	buf := make([]byte, 32*1024)

	readErrc := make(chan error, 1)
	chunkc := make(chan []byte, 1)
	go func() {
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunkc <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErrc <- err
				return
			}
		}
	}()

	for {
		f, err := dec.Next()
		if err != nil {
			return fmt.Errorf("bridge: decode frame: %w", err)
		}
		if f == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-readErrc:
				return fmt.Errorf("bridge: read stream: %w", err)
			case chunk := <-chunkc:
				dec.Feed(chunk)
			}
			continue
		}

		*seq = f.Sequence

		switch f.Type {
		case frame.Data:
			if err := handle.Input(f.Payload); err != nil {
				return fmt.Errorf("bridge: write to pty: %w", err)
			}

		case frame.Resize:
			cols, rows, err := frame.ParseResizePayload(f.Payload)
			if err != nil {
				return err
			}
			if err := handle.Resize(int(cols), int(rows)); err != nil {
				return fmt.Errorf("bridge: resize: %w", err)
			}

		case frame.WindowUpdate:
			credit, err := frame.ParseWindowUpdatePayload(f.Payload)
			if err != nil {
				return err
			}
			win.add(credit)

		case frame.Heartbeat:
			// ignored, per spec.md §4.6

		case frame.Close:
			return errPeerClosed

		default:
			return frame.ErrUnknownType
		}
	}
}
