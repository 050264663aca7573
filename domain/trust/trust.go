// Package trust holds the data model for paired devices and pairing tokens.
// The types here are pure: no I/O, no locking, just the shapes the trust
// store persists and the auth engine consumes.
package trust

import "time"

// Device is a paired client, identified by an opaque id chosen by the
// client at pairing time.
type Device struct {
	DeviceID   string    `json:"device_id"`
	PublicKey  []byte    `json:"public_key"` // P-256 uncompressed SEC1 point
	DeviceName string    `json:"device_name"`
	PairedAt   time.Time `json:"paired_at"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
}

// PairingToken is a single-use credential issued by the trust store.
// ExpiresAt is persisted as Unix seconds per the wire/state-file format.
type PairingToken struct {
	Token           string `json:"token"`
	ExpiresAtUnixTS int64  `json:"expires_at_unix_seconds"`
}

// ExpiresAt returns the expiry as a time.Time.
func (p PairingToken) ExpiresAt() time.Time {
	return time.Unix(p.ExpiresAtUnixTS, 0)
}

// Expired reports whether the token is no longer usable at t.
func (p PairingToken) Expired(t time.Time) bool {
	return !t.Before(p.ExpiresAt())
}

// DefaultTokenTTL is the pairing token lifetime used when the caller does
// not specify one.
const DefaultTokenTTL = 300 * time.Second
