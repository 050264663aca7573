// Package session implements the session manager from spec.md §4.5: PTY
// lifecycle, scrollback, attach discipline, and reaping. Mutations are
// serialized behind a single manager-wide lock, the same shape as the
// teacher's session_management.DefaultWorkerSessionManager, generalized
// from IP-keyed VPN sessions to id-keyed PTY sessions.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emil45/phantom/application"
	domainsession "github.com/emil45/phantom/domain/session"
	"github.com/emil45/phantom/infrastructure/ptyproc"
)

const outputBufferChunks = 64

type entry struct {
	mu sync.Mutex

	info domainsession.Info
	proc application.PTY

	scrollback *Scrollback

	attached   bool
	output     chan []byte
	done       chan struct{}
	childDied  chan struct{}
	childExited bool
}

// Manager implements application.SessionManager over real PTYs.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry

	scrollbackBytes int
	reaperInterval  time.Duration
	logger          application.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager constructs a Manager and starts its reaper goroutine.
func NewManager(scrollbackBytes int, reaperInterval time.Duration, logger application.Logger) *Manager {
	if reaperInterval <= 0 {
		reaperInterval = domainsession.DefaultReaperInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions:        make(map[string]*entry),
		scrollbackBytes: scrollbackBytes,
		reaperInterval:  reaperInterval,
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
	}
	go m.reapLoop()
	return m
}

// Create spawns a PTY-backed shell and registers a new session.
func (m *Manager) Create(ctx context.Context, rows, cols int, shell string, createdBy string) (domainsession.Info, error) {
	resolvedShell, err := ptyproc.ValidateShell(shell)
	if err != nil {
		return domainsession.Info{}, fmt.Errorf("session: %w", err)
	}

	rows = domainsession.Clamp(rows)
	cols = domainsession.Clamp(cols)

	proc, err := ptyproc.Spawn(resolvedShell, rows, cols)
	if err != nil {
		return domainsession.Info{}, fmt.Errorf("session: spawn pty: %w", err)
	}

	id := uuid.NewString()
	e := &entry{
		info: domainsession.Info{
			SessionID:       id,
			Alive:           true,
			CreatedAt:       time.Now(),
			CreatedByDevice: createdBy,
			Shell:           resolvedShell,
			Rows:            rows,
			Cols:            cols,
			LastActivityAt:  time.Now(),
		},
		proc:       proc,
		scrollback: NewScrollback(m.scrollbackBytes),
		done:       make(chan struct{}),
		childDied:  make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = e
	m.mu.Unlock()

	go m.readLoop(e)
	go m.waitLoop(e)

	return e.info, nil
}

func (m *Manager) readLoop(e *entry) {
	buf := make([]byte, 32*1024)
	for {
		n, err := e.proc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.scrollback.Write(chunk)

			e.mu.Lock()
			out := e.output
			attached := e.attached
			e.mu.Unlock()

			if attached && out != nil {
				select {
				case out <- chunk:
				default:
					// Consumer is behind; the scrollback ring already has
					// the bytes, so we drop the live delivery rather than
					// block the reader indefinitely.
				}
			}
		}
		if err != nil {
			break
		}
	}

	e.mu.Lock()
	e.info.Alive = false
	attached := e.attached
	doneCh := e.done
	e.mu.Unlock()

	if attached {
		close(doneCh)
	}
}

func (m *Manager) waitLoop(e *entry) {
	_ = e.proc.Wait()
	e.mu.Lock()
	e.childExited = true
	e.mu.Unlock()
	close(e.childDied)
}

// InjectReaderFailure marks a session damaged, simulating the reader-clone
// failure scenario from spec.md §8 scenario 5. It exists for tests and is
// the only code path that sets Damaged: when readLoop's PTY read fails it
// marks the session not alive, never damaged.
func (m *Manager) InjectReaderFailure(sessionID string) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.info.Damaged = true
	e.mu.Unlock()
}

// Attach binds a bridge to sessionID for deviceID.
func (m *Manager) Attach(sessionID, deviceID string) (application.SessionHandle, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return application.SessionHandle{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.info.Alive {
		return application.SessionHandle{}, ErrNotAlive
	}
	if e.info.Damaged {
		return application.SessionHandle{}, ErrDamaged
	}
	if e.attached {
		return application.SessionHandle{}, ErrAlreadyAttached
	}

	// Snapshot the scrollback before enabling live forwarding, so the
	// caller can emit Scrollback frames followed by live Data frames
	// without interleaving, per spec.md §5.
	snapshot := e.scrollback.Snapshot()

	out := make(chan []byte, outputBufferChunks)
	done := make(chan struct{})
	e.output = out
	e.done = done
	e.attached = true
	e.info.Attached = true
	e.info.LastAttachedAt = time.Now()
	e.info.LastAttachedBy = deviceID

	proc := e.proc
	return application.SessionHandle{
		SessionID:  sessionID,
		Scrollback: snapshot,
		Output:     out,
		Input: func(b []byte) error {
			_, err := proc.Write(b)
			e.mu.Lock()
			e.info.LastActivityAt = time.Now()
			e.mu.Unlock()
			return err
		},
		Resize: func(cols, rows int) error {
			return m.Resize(sessionID, cols, rows)
		},
		Done: done,
	}, nil
}

// Detach unbinds whatever bridge is attached to sessionID, if any. The PTY
// keeps running and its output keeps accumulating in the scrollback ring;
// a later Attach picks up from there. Unknown session IDs are a no-op,
// since a racing Destroy may have already removed the entry.
func (m *Manager) Detach(sessionID string) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.attached = false
	e.output = nil
	e.info.Attached = false
	e.mu.Unlock()
}

// Resize clamps cols/rows and forwards them to the PTY, per spec.md §4.5.
func (m *Manager) Resize(sessionID string, cols, rows int) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	rows = domainsession.Clamp(rows)
	cols = domainsession.Clamp(cols)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.info.Alive {
		return ErrNotAlive
	}
	if err := e.proc.Resize(cols, rows); err != nil {
		return fmt.Errorf("session: resize: %w", err)
	}
	e.info.Rows = rows
	e.info.Cols = cols
	e.info.LastActivityAt = time.Now()
	return nil
}

// Destroy kills the session's child process and removes it from the
// manager. It is idempotent after the first success: the entry is removed
// from the map before any teardown work runs, so a racing second call
// observes ErrNotFound rather than destroying twice, per spec.md §8.
func (m *Manager) Destroy(sessionID string) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	e.info.Alive = false
	attached := e.attached
	doneCh := e.done
	e.attached = false
	e.scrollback = NewScrollback(1)
	e.mu.Unlock()

	_ = e.proc.Close()

	if attached {
		// Signals the attached bridge's egress loop to emit a Close frame
		// and unwind; readLoop's own close is a no-op on an already-closed
		// channel guard below.
		select {
		case <-doneCh:
		default:
			close(doneCh)
		}
	}

	return nil
}

// List returns a point-in-time snapshot of every tracked session.
func (m *Manager) List() []domainsession.Info {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]domainsession.Info, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.info)
		e.mu.Unlock()
	}
	return out
}

// Shutdown destroys every tracked session and stops the reaper. It is safe
// to call more than once: the daemon calls it on its graceful-shutdown path
// and again via defer.
func (m *Manager) Shutdown() {
	m.cancel()

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Destroy(id)
	}
}

// reapLoop periodically sweeps for sessions that are damaged, or whose
// child has exited with nobody attached, and destroys them. Reaping never
// runs synchronously inside a request handler, per spec.md §9.
func (m *Manager) reapLoop() {
	ticker := time.NewTicker(m.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		id := e.info.SessionID
		reap := e.info.Damaged || (e.childExited && !e.attached)
		e.mu.Unlock()

		if reap {
			if err := m.Destroy(id); err != nil && m.logger != nil {
				m.logger.Debug("session: reap skipped, already gone", "session_id", id)
			}
		}
	}
}
