package auth

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"io"
	"testing"
	"time"

	domaintrust "github.com/emil45/phantom/domain/trust"
)

// pipe is a simple in-memory ReadWriter pairing a client and server side,
// each backed by its own buffer, avoiding the need for a real net.Conn.
type pipe struct {
	toServer *bytes.Buffer
	toClient *bytes.Buffer
}

type endpoint struct {
	read  io.Reader
	write io.Writer
}

func (e *endpoint) Read(p []byte) (int, error)  { return e.read.Read(p) }
func (e *endpoint) Write(p []byte) (int, error) { return e.write.Write(p) }

// newPipe connects server and client with two synchronous io.Pipes, so a
// read blocks until the other side writes instead of failing with EOF.
func newPipe() (server, client *endpoint) {
	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()
	return &endpoint{read: toServerR, write: toClientW}, &endpoint{read: toClientR, write: toServerW}
}

type fakeStore struct {
	devices map[string]domaintrust.Device
	tokens  map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: map[string]domaintrust.Device{}, tokens: map[string]time.Time{}}
}

func (f *fakeStore) IssueToken(ttl time.Duration) (domaintrust.PairingToken, error) {
	tok := domaintrust.PairingToken{Token: "tok-1", ExpiresAtUnixTS: time.Now().Add(ttl).Unix()}
	f.tokens[tok.Token] = time.Now().Add(ttl)
	return tok, nil
}

func (f *fakeStore) ConsumeToken(token string) error {
	exp, ok := f.tokens[token]
	if !ok {
		return domaintrust.ErrTokenNotFound
	}
	delete(f.tokens, token)
	if time.Now().After(exp) {
		return domaintrust.ErrTokenExpired
	}
	return nil
}

func (f *fakeStore) UpsertDevice(deviceID string, publicKey []byte, name string) error {
	if d, ok := f.devices[deviceID]; ok && !bytes.Equal(d.PublicKey, publicKey) {
		return domaintrust.ErrDeviceIDKeyConflict
	}
	f.devices[deviceID] = domaintrust.Device{DeviceID: deviceID, PublicKey: publicKey, DeviceName: name, PairedAt: time.Now()}
	return nil
}

func (f *fakeStore) LookupDevice(deviceID string) (domaintrust.Device, bool, error) {
	d, ok := f.devices[deviceID]
	return d, ok, nil
}

func (f *fakeStore) TouchLastSeen(deviceID string) error {
	d := f.devices[deviceID]
	d.LastSeen = time.Now()
	f.devices[deviceID] = d
	return nil
}

func (f *fakeStore) RevokeDevice(deviceID string) error {
	delete(f.devices, deviceID)
	return nil
}

func (f *fakeStore) ListDevices() ([]domaintrust.Device, error) {
	var out []domaintrust.Device
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeStore) ListPairingTokens() ([]domaintrust.PairingToken, error) { return nil, nil }

type fakeLimiter struct {
	failures []string
}

func (f *fakeLimiter) IsAllowed(string) bool          { return true }
func (f *fakeLimiter) RecordFailure(src string)       { f.failures = append(f.failures, src) }
func (f *fakeLimiter) RecordConnection(src string)    {}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)        {}
func (nopLogger) Info(string, ...any)         {}
func (nopLogger) Warn(string, ...any)         {}
func (nopLogger) Error(string, error, ...any) {}

func TestPairingBranchSuccess(t *testing.T) {
	store := newFakeStore()
	limiter := &fakeLimiter{}
	e := New(store, limiter, nopLogger{})

	tok, _ := store.IssueToken(time.Minute)
	server, client := newPipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := writeMessage(client, authRequest{
			Type:         "auth_request",
			RequestID:    "r1",
			DeviceID:     "dev-1",
			PublicKey:    []byte{1, 2, 3},
			DeviceName:   "iPhone",
			PairingToken: tok.Token,
		}); err != nil {
			t.Error(err)
			return
		}
		var resp authResponse
		if err := readMessage(client, &resp); err != nil {
			t.Error(err)
			return
		}
		if !resp.Success {
			t.Errorf("pairing response success = false, want true (error=%q)", resp.Error)
		}
	}()

	deviceID, err := e.Authenticate(server, "1.2.3.4")
	<-done
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if deviceID != "dev-1" {
		t.Fatalf("deviceID = %q, want dev-1", deviceID)
	}
	if len(limiter.failures) != 0 {
		t.Fatalf("recorded %d failures, want 0", len(limiter.failures))
	}
}

func TestPairingBranchBadToken(t *testing.T) {
	store := newFakeStore()
	limiter := &fakeLimiter{}
	e := New(store, limiter, nopLogger{})
	server, client := newPipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = writeMessage(client, authRequest{
			Type: "auth_request", RequestID: "r1", DeviceID: "dev-1",
			PublicKey: []byte{1}, DeviceName: "x", PairingToken: "does-not-exist",
		})
		var resp authResponse
		_ = readMessage(client, &resp)
		if resp.Success || resp.Error != ErrInvalidOrExpiredToken {
			t.Errorf("resp = %+v, want failure with %q", resp, ErrInvalidOrExpiredToken)
		}
	}()

	if _, err := e.Authenticate(server, "1.2.3.4"); err == nil {
		t.Fatalf("Authenticate with bad token: err = nil, want error")
	}
	<-done
	if len(limiter.failures) != 1 {
		t.Fatalf("recorded %d failures, want 1", len(limiter.failures))
	}
}

func TestPairingBranchKeyConflict(t *testing.T) {
	store := newFakeStore()
	if err := store.UpsertDevice("dev-1", []byte{1, 2, 3}, "iPhone"); err != nil {
		t.Fatalf("seed UpsertDevice: %v", err)
	}
	limiter := &fakeLimiter{}
	e := New(store, limiter, nopLogger{})
	tok, _ := store.IssueToken(time.Minute)
	server, client := newPipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = writeMessage(client, authRequest{
			Type: "auth_request", RequestID: "r1", DeviceID: "dev-1",
			PublicKey: []byte{9, 9, 9}, DeviceName: "x", PairingToken: tok.Token,
		})
		var resp authResponse
		_ = readMessage(client, &resp)
		if resp.Success || resp.Error != ErrDeviceIDKeyConflict {
			t.Errorf("resp = %+v, want failure with %q", resp, ErrDeviceIDKeyConflict)
		}
	}()

	if _, err := e.Authenticate(server, "1.2.3.4"); err == nil {
		t.Fatalf("Authenticate with conflicting key: err = nil, want error")
	}
	<-done
}

// storeIOErrStore simulates a store whose UpsertDevice fails for a reason
// other than a key conflict (e.g. a disk error), to verify such failures
// are reported to the client as an internal error rather than being
// misreported as device_id_key_conflict.
type storeIOErrStore struct {
	*fakeStore
}

func (s *storeIOErrStore) UpsertDevice(string, []byte, string) error {
	return errors.New("disk is full")
}

func TestPairingBranchStoreIOErrorIsNotReportedAsKeyConflict(t *testing.T) {
	store := &storeIOErrStore{fakeStore: newFakeStore()}
	limiter := &fakeLimiter{}
	e := New(store, limiter, nopLogger{})
	tok, _ := store.IssueToken(time.Minute)
	server, client := newPipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = writeMessage(client, authRequest{
			Type: "auth_request", RequestID: "r1", DeviceID: "dev-1",
			PublicKey: []byte{1}, DeviceName: "x", PairingToken: tok.Token,
		})
		var resp authResponse
		_ = readMessage(client, &resp)
		if resp.Success || resp.Error != ErrInternal {
			t.Errorf("resp = %+v, want failure with %q", resp, ErrInternal)
		}
	}()

	if _, err := e.Authenticate(server, "1.2.3.4"); err == nil {
		t.Fatalf("Authenticate with store IO error: err = nil, want error")
	}
	<-done
}

func TestChallengeBranchSuccess(t *testing.T) {
	store := newFakeStore()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pubBytes := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	if err := store.UpsertDevice("dev-1", pubBytes, "iPhone"); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	limiter := &fakeLimiter{}
	e := New(store, limiter, nopLogger{})
	server, client := newPipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := writeMessage(client, authRequest{Type: "auth_request", RequestID: "r1", DeviceID: "dev-1"}); err != nil {
			t.Error(err)
			return
		}
		var challenge authChallenge
		if err := readMessage(client, &challenge); err != nil {
			t.Error(err)
			return
		}
		sig, err := ecdsa.SignASN1(rand.Reader, priv, challenge.Challenge)
		if err != nil {
			t.Error(err)
			return
		}
		if err := writeMessage(client, authResponse{Type: "auth_response", RequestID: "r1", DeviceID: "dev-1", Signature: sig}); err != nil {
			t.Error(err)
			return
		}
		var resp authResponse
		if err := readMessage(client, &resp); err != nil {
			t.Error(err)
			return
		}
		if !resp.Success {
			t.Errorf("final response success = false, want true (error=%q)", resp.Error)
		}
	}()

	deviceID, err := e.Authenticate(server, "1.2.3.4")
	<-done
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if deviceID != "dev-1" {
		t.Fatalf("deviceID = %q, want dev-1", deviceID)
	}
}

func TestChallengeBranchUnknownDevice(t *testing.T) {
	store := newFakeStore()
	limiter := &fakeLimiter{}
	e := New(store, limiter, nopLogger{})
	server, client := newPipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = writeMessage(client, authRequest{Type: "auth_request", RequestID: "r1", DeviceID: "ghost"})
		var resp authResponse
		_ = readMessage(client, &resp)
		if resp.Success || resp.Error != ErrUnknownDevice {
			t.Errorf("resp = %+v, want failure with %q", resp, ErrUnknownDevice)
		}
	}()

	if _, err := e.Authenticate(server, "1.2.3.4"); err == nil {
		t.Fatalf("Authenticate for unknown device: err = nil, want error")
	}
	<-done
}
