// Package trust implements the persistent trust store described in
// spec.md §4.2: two JSON files under a per-user state directory, loaded on
// access, mutated in memory, and written back atomically. It tolerates a
// sibling CLI `pair` process racing the daemon on the token file by never
// caching token state across calls.
package trust

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	domaintrust "github.com/emil45/phantom/domain/trust"
)

const (
	devicesFile = "devices.json"
	tokensFile  = "pairing_tokens.json"

	// tokenBytes is 24 raw bytes == 192 bits before base64 encoding.
	tokenBytes = 24
)

// Store is a file-backed application.TrustStore.
type Store struct {
	mu          sync.Mutex
	devicesPath string
	tokensPath  string
}

// NewStore returns a Store rooted at stateDir.
func NewStore(stateDir string) *Store {
	return &Store{
		devicesPath: filepath.Join(stateDir, devicesFile),
		tokensPath:  filepath.Join(stateDir, tokensFile),
	}
}

func ioErr(op string, err error) error {
	return fmt.Errorf("trust store %s: %v: %w", op, err, domaintrust.ErrStoreIO)
}

func (s *Store) loadDevices() ([]domaintrust.Device, error) {
	var devices []domaintrust.Device
	if err := readJSON(s.devicesPath, &devices); err != nil {
		return nil, ioErr("read devices", err)
	}
	return devices, nil
}

func (s *Store) saveDevices(devices []domaintrust.Device) error {
	if err := writeJSONAtomic(s.devicesPath, devices); err != nil {
		return ioErr("write devices", err)
	}
	return nil
}

// loadTokensPruned loads the token file and returns only the still-valid
// tokens. If pruning removed anything it persists the pruned list so the
// file does not grow without bound.
func (s *Store) loadTokensPruned() ([]domaintrust.PairingToken, error) {
	var tokens []domaintrust.PairingToken
	if err := readJSON(s.tokensPath, &tokens); err != nil {
		return nil, ioErr("read tokens", err)
	}

	now := time.Now()
	pruned := tokens[:0]
	dropped := false
	for _, t := range tokens {
		if t.Expired(now) {
			dropped = true
			continue
		}
		pruned = append(pruned, t)
	}

	if dropped {
		if err := writeJSONAtomic(s.tokensPath, pruned); err != nil {
			return nil, ioErr("write tokens", err)
		}
	}

	return pruned, nil
}

// IssueToken appends a freshly generated single-use token with the given
// TTL (DefaultTokenTTL if ttl <= 0) and persists it.
func (s *Store) IssueToken(ttl time.Duration) (domaintrust.PairingToken, error) {
	if ttl <= 0 {
		ttl = domaintrust.DefaultTokenTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.loadTokensPruned()
	if err != nil {
		return domaintrust.PairingToken{}, err
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return domaintrust.PairingToken{}, ioErr("generate token", err)
	}

	tok := domaintrust.PairingToken{
		Token:           base64.RawURLEncoding.EncodeToString(raw),
		ExpiresAtUnixTS: time.Now().Add(ttl).Unix(),
	}

	tokens = append(tokens, tok)
	if err := writeJSONAtomic(s.tokensPath, tokens); err != nil {
		return domaintrust.PairingToken{}, ioErr("write tokens", err)
	}

	return tok, nil
}

// ConsumeToken atomically removes token if present and unexpired. It
// always re-reads the token file from disk first, since an auxiliary CLI
// process may have issued it after this process last looked.
func (s *Store) ConsumeToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tokens []domaintrust.PairingToken
	if err := readJSON(s.tokensPath, &tokens); err != nil {
		return ioErr("read tokens", err)
	}

	now := time.Now()
	var found, expired bool
	remaining := tokens[:0]
	for _, t := range tokens {
		switch {
		case t.Token != token:
			if !t.Expired(now) {
				remaining = append(remaining, t)
			}
		case t.Expired(now):
			expired = true
			// dropped, not kept in remaining
		default:
			found = true
			// consumed, not kept in remaining
		}
	}

	if err := writeJSONAtomic(s.tokensPath, remaining); err != nil {
		return ioErr("write tokens", err)
	}

	switch {
	case expired:
		return domaintrust.ErrTokenExpired
	case found:
		return nil
	default:
		return domaintrust.ErrTokenNotFound
	}
}

// ListPairingTokens returns the currently valid tokens, for IPC status
// introspection.
func (s *Store) ListPairingTokens() ([]domaintrust.PairingToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadTokensPruned()
}

// UpsertDevice replaces or creates the device record for deviceID. If a
// device already exists under this id with a different public key, the
// upsert is refused with ErrDeviceIDKeyConflict so a revoked device's id
// cannot silently take over a fresh keypair.
func (s *Store) UpsertDevice(deviceID string, publicKey []byte, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.loadDevices()
	if err != nil {
		return err
	}

	now := time.Now()
	for i, d := range devices {
		if d.DeviceID != deviceID {
			continue
		}
		if !bytesEqual(d.PublicKey, publicKey) {
			return domaintrust.ErrDeviceIDKeyConflict
		}
		devices[i].DeviceName = name
		return s.saveDevices(devices)
	}

	devices = append(devices, domaintrust.Device{
		DeviceID:   deviceID,
		PublicKey:  publicKey,
		DeviceName: name,
		PairedAt:   now,
	})
	return s.saveDevices(devices)
}

// LookupDevice returns the device record for deviceID, if paired.
func (s *Store) LookupDevice(deviceID string) (domaintrust.Device, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.loadDevices()
	if err != nil {
		return domaintrust.Device{}, false, err
	}

	for _, d := range devices {
		if d.DeviceID == deviceID {
			return d, true, nil
		}
	}
	return domaintrust.Device{}, false, nil
}

// TouchLastSeen updates a paired device's last_seen timestamp.
func (s *Store) TouchLastSeen(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.loadDevices()
	if err != nil {
		return err
	}

	for i, d := range devices {
		if d.DeviceID == deviceID {
			devices[i].LastSeen = time.Now()
			return s.saveDevices(devices)
		}
	}
	return domaintrust.ErrDeviceNotFound
}

// RevokeDevice removes a paired device. All future auth attempts from it
// fail at LookupDevice.
func (s *Store) RevokeDevice(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.loadDevices()
	if err != nil {
		return err
	}

	out := devices[:0]
	for _, d := range devices {
		if d.DeviceID != deviceID {
			out = append(out, d)
		}
	}
	return s.saveDevices(out)
}

// ListDevices returns every paired device.
func (s *Store) ListDevices() ([]domaintrust.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadDevices()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
