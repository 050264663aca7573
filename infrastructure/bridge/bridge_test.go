package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emil45/phantom/application"
	domainsession "github.com/emil45/phantom/domain/session"
	domaintrust "github.com/emil45/phantom/domain/trust"
	"github.com/emil45/phantom/frame"
	"github.com/emil45/phantom/infrastructure/wire"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)        {}
func (nopLogger) Info(string, ...any)         {}
func (nopLogger) Warn(string, ...any)         {}
func (nopLogger) Error(string, error, ...any) {}

type fakeSession struct {
	info       domainsession.Info
	output     chan []byte
	done       chan struct{}
	scrollback []byte

	mu       sync.Mutex
	attached bool
	inputs   [][]byte
	resizes  [][2]int
}

type fakeSessionManager struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	nextID   int
}

func newFakeSessionManager() *fakeSessionManager {
	return &fakeSessionManager{sessions: map[string]*fakeSession{}}
}

func (f *fakeSessionManager) Create(_ context.Context, rows, cols int, shell, createdBy string) (domainsession.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("s%d", f.nextID)
	info := domainsession.Info{SessionID: id, Alive: true, Rows: rows, Cols: cols, Shell: shell, CreatedByDevice: createdBy}
	f.sessions[id] = &fakeSession{info: info, output: make(chan []byte, 8), done: make(chan struct{})}
	return info, nil
}

func (f *fakeSessionManager) Attach(sessionID, deviceID string) (application.SessionHandle, error) {
	f.mu.Lock()
	s, ok := f.sessions[sessionID]
	f.mu.Unlock()
	if !ok {
		return application.SessionHandle{}, errNotFoundTest
	}

	s.mu.Lock()
	if s.attached {
		s.mu.Unlock()
		return application.SessionHandle{}, errAlreadyAttachedTest
	}
	s.attached = true
	s.mu.Unlock()

	return application.SessionHandle{
		SessionID:  sessionID,
		Scrollback: s.scrollback,
		Output:     s.output,
		Input: func(b []byte) error {
			s.mu.Lock()
			s.inputs = append(s.inputs, append([]byte(nil), b...))
			s.mu.Unlock()
			return nil
		},
		Resize: func(cols, rows int) error {
			s.mu.Lock()
			s.resizes = append(s.resizes, [2]int{cols, rows})
			s.mu.Unlock()
			return nil
		},
		Done: s.done,
	}, nil
}

func (f *fakeSessionManager) Detach(sessionID string) {
	f.mu.Lock()
	s, ok := f.sessions[sessionID]
	f.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.attached = false
	s.mu.Unlock()
}

func (f *fakeSessionManager) Destroy(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return errNotFoundTest
	}
	delete(f.sessions, sessionID)
	close(s.done)
	return nil
}

func (f *fakeSessionManager) List() []domainsession.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domainsession.Info, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s.info)
	}
	return out
}

func (f *fakeSessionManager) Resize(string, int, int) error { return nil }
func (f *fakeSessionManager) Shutdown()                     {}

type testErr string

func (e testErr) Error() string { return string(e) }

const errNotFoundTest = testErr("not found")
const errAlreadyAttachedTest = testErr("already attached")

type fakeTrustStore struct {
	revoked []string
}

func (f *fakeTrustStore) IssueToken(time.Duration) (domaintrust.PairingToken, error) {
	return domaintrust.PairingToken{}, nil
}
func (f *fakeTrustStore) ConsumeToken(string) error                 { return nil }
func (f *fakeTrustStore) UpsertDevice(string, []byte, string) error { return nil }
func (f *fakeTrustStore) LookupDevice(string) (domaintrust.Device, bool, error) {
	return domaintrust.Device{}, false, nil
}
func (f *fakeTrustStore) TouchLastSeen(string) error { return nil }
func (f *fakeTrustStore) RevokeDevice(deviceID string) error {
	f.revoked = append(f.revoked, deviceID)
	return nil
}
func (f *fakeTrustStore) ListDevices() ([]domaintrust.Device, error)             { return nil, nil }
func (f *fakeTrustStore) ListPairingTokens() ([]domaintrust.PairingToken, error) { return nil, nil }

func readResponse(t *testing.T, conn net.Conn) controlResponse {
	t.Helper()
	var resp controlResponse
	if err := wire.ReadMessage(conn, &resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

func TestListSessionsStaysInControlMode(t *testing.T) {
	sessions := newFakeSessionManager()
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Run(context.Background(), Deps{Sessions: sessions, Logger: nopLogger{}}, server, "dev-1", "1.2.3.4")
	}()

	if err := wire.WriteMessage(client, controlRequest{Type: "list_sessions", RequestID: "r1"}); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp := readResponse(t, client)
	if !resp.Success || resp.Type != "list_sessions_response" {
		t.Fatalf("resp = %+v", resp)
	}

	if err := wire.WriteMessage(client, controlRequest{Type: "heartbeat", RequestID: "r2"}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	resp = readResponse(t, client)
	if !resp.Success {
		t.Fatalf("heartbeat resp = %+v", resp)
	}

	client.Close()
	<-done
}

func TestCreateSessionTransitionsToBridgeAndSplicesData(t *testing.T) {
	sessions := newFakeSessionManager()
	server, client := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = Run(ctx, Deps{Sessions: sessions, Logger: nopLogger{}}, server, "dev-1", "1.2.3.4")
	}()

	if err := wire.WriteMessage(client, controlRequest{Type: "create_session", RequestID: "r1", Rows: 24, Cols: 80}); err != nil {
		t.Fatalf("write create_session: %v", err)
	}
	resp := readResponse(t, client)
	if !resp.Success || resp.Type != "create_session_response" {
		t.Fatalf("create_session resp = %+v", resp)
	}
	sessionID := resp.SessionID

	sessions.mu.Lock()
	s := sessions.sessions[sessionID]
	sessions.mu.Unlock()
	if s == nil {
		t.Fatalf("session %q not tracked", sessionID)
	}

	s.output <- []byte("hello\n")

	dec := frame.NewDecoder(0)
	buf := make([]byte, 4096)
	var got *frame.Frame
	for got == nil {
		n, err := client.Read(buf)
		if err != nil {
			t.Fatalf("read frame bytes: %v", err)
		}
		dec.Feed(buf[:n])
		got, err = dec.Next()
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
	}
	if got.Type != frame.Data || string(got.Payload) != "hello\n" {
		t.Fatalf("got frame = %+v, want Data \"hello\\n\"", got)
	}

	wireBytes, err := frame.Encode(frame.Frame{Type: frame.Data, Sequence: 1, Payload: []byte("echo hi\n")}, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := client.Write(wireBytes); err != nil {
		t.Fatalf("write data frame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.inputs)
		s.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("input never reached fake session")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.mu.Lock()
	got2 := s.inputs[0]
	s.mu.Unlock()
	if string(got2) != "echo hi\n" {
		t.Fatalf("session received %q, want %q", got2, "echo hi\n")
	}

	if err := sessions.Destroy(sessionID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	dec2 := frame.NewDecoder(0)
	var closeFrame *frame.Frame
	for closeFrame == nil {
		n, err := client.Read(buf)
		if err != nil {
			break
		}
		dec2.Feed(buf[:n])
		closeFrame, _ = dec2.Next()
	}
	if closeFrame == nil || closeFrame.Type != frame.Close {
		t.Fatalf("expected a Close frame after Destroy")
	}

	client.Close()
	<-runDone
}

// TestDisconnectDetachesAndAllowsReattach covers spec.md §4.5's "detach is
// implicit on disconnect, a session may be re-attached": when a client goes
// away mid-bridge, a later attach_session for the same session ID must
// succeed rather than permanently failing with already_attached.
func TestDisconnectDetachesAndAllowsReattach(t *testing.T) {
	sessions := newFakeSessionManager()

	server1, client1 := net.Pipe()
	run1Done := make(chan struct{})
	go func() {
		defer close(run1Done)
		_ = Run(context.Background(), Deps{Sessions: sessions, Logger: nopLogger{}}, server1, "dev-1", "1.2.3.4")
	}()

	if err := wire.WriteMessage(client1, controlRequest{Type: "create_session", RequestID: "r1", Rows: 24, Cols: 80}); err != nil {
		t.Fatalf("write create_session: %v", err)
	}
	resp := readResponse(t, client1)
	if !resp.Success {
		t.Fatalf("create_session resp = %+v", resp)
	}
	sessionID := resp.SessionID

	// Disconnecting should detach the session, not leave it permanently
	// attached.
	client1.Close()
	select {
	case <-run1Done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after client disconnect")
	}

	sessions.mu.Lock()
	s := sessions.sessions[sessionID]
	sessions.mu.Unlock()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		attached := s.attached
		s.mu.Unlock()
		if !attached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session still marked attached after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	server2, client2 := net.Pipe()
	defer client2.Close()
	run2Done := make(chan struct{})
	go func() {
		defer close(run2Done)
		_ = Run(context.Background(), Deps{Sessions: sessions, Logger: nopLogger{}}, server2, "dev-1", "1.2.3.4")
	}()

	if err := wire.WriteMessage(client2, controlRequest{Type: "attach_session", RequestID: "r2", SessionID: sessionID}); err != nil {
		t.Fatalf("write attach_session: %v", err)
	}
	resp2 := readResponse(t, client2)
	if !resp2.Success {
		t.Fatalf("re-attach failed: %+v", resp2)
	}

	client2.Close()
	<-run2Done
}

func TestRemoveDeviceClosesConnection(t *testing.T) {
	sessions := newFakeSessionManager()
	trust := &fakeTrustStore{}
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Run(context.Background(), Deps{Sessions: sessions, Trust: trust, Logger: nopLogger{}}, server, "dev-1", "1.2.3.4")
	}()

	if err := wire.WriteMessage(client, controlRequest{Type: "remove_device", RequestID: "r1"}); err != nil {
		t.Fatalf("write remove_device: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after remove_device")
	}

	if len(trust.revoked) != 1 || trust.revoked[0] != "dev-1" {
		t.Fatalf("revoked = %v, want [dev-1]", trust.revoked)
	}
}
