// Package auth drives the pairing and challenge/response handshakes
// described in spec.md §4.4 on the first stream of a connection. It
// returns the authenticated device identity and hands the stream back to
// the caller — auth never keeps ownership of it, so the bridge can reuse
// it as the control/bridge channel (spec.md §9).
package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/emil45/phantom/application"
	domaintrust "github.com/emil45/phantom/domain/trust"
)

// ChallengeSize is the length, in bytes, of the server's random challenge.
const ChallengeSize = 32

// Engine drives the auth handshakes against a trust store.
type Engine struct {
	store   application.TrustStore
	limiter application.RateLimiter
	logger  application.Logger
}

// New builds an Engine.
func New(store application.TrustStore, limiter application.RateLimiter, logger application.Logger) *Engine {
	return &Engine{store: store, limiter: limiter, logger: logger}
}

// Authenticate drives the first message on stream through Branch A or
// Branch B and returns the authenticated device id. On any failure it has
// already written the appropriate reply and recorded an auth failure
// against source; the caller is expected to close the connection.
func (e *Engine) Authenticate(stream io.ReadWriter, source string) (deviceID string, err error) {
	var req authRequest
	if err := readMessage(stream, &req); err != nil {
		e.limiter.RecordFailure(source)
		return "", fmt.Errorf("auth: read request: %w", err)
	}

	if req.PairingToken != "" {
		return e.pairingBranch(stream, req, source)
	}
	return e.challengeBranch(stream, req, source)
}

func (e *Engine) challengeBranch(stream io.ReadWriter, req authRequest, source string) (string, error) {
	device, found, err := e.store.LookupDevice(req.DeviceID)
	if err != nil {
		e.limiter.RecordFailure(source)
		e.reply(stream, req.RequestID, false, "", ErrUnknownDevice)
		return "", fmt.Errorf("auth: lookup device: %w", err)
	}
	if !found {
		e.limiter.RecordFailure(source)
		e.reply(stream, req.RequestID, false, "", ErrUnknownDevice)
		return "", errors.New("auth: unknown device")
	}

	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		e.limiter.RecordFailure(source)
		return "", fmt.Errorf("auth: generate challenge: %w", err)
	}

	if err := writeMessage(stream, authChallenge{Type: "auth_challenge", RequestID: req.RequestID, Challenge: challenge}); err != nil {
		e.limiter.RecordFailure(source)
		return "", fmt.Errorf("auth: send challenge: %w", err)
	}

	var resp authResponse
	if err := readMessage(stream, &resp); err != nil {
		e.limiter.RecordFailure(source)
		return "", fmt.Errorf("auth: read signature: %w", err)
	}

	pub, err := parsePublicKey(device.PublicKey)
	if err != nil {
		e.limiter.RecordFailure(source)
		e.reply(stream, req.RequestID, false, "", ErrInvalidSignature)
		return "", fmt.Errorf("auth: stored public key: %w", err)
	}

	if !ecdsa.VerifyASN1(pub, challenge, resp.Signature) {
		e.limiter.RecordFailure(source)
		e.reply(stream, req.RequestID, false, "", ErrInvalidSignature)
		return "", errors.New("auth: invalid signature")
	}

	if err := e.store.TouchLastSeen(device.DeviceID); err != nil {
		e.logger.Warn("auth: touch_last_seen failed", "device_id", device.DeviceID, "error", err)
	}

	e.reply(stream, req.RequestID, true, device.DeviceID, "")
	return device.DeviceID, nil
}

func (e *Engine) pairingBranch(stream io.ReadWriter, req authRequest, source string) (string, error) {
	err := e.store.ConsumeToken(req.PairingToken)
	if err != nil {
		e.limiter.RecordFailure(source)
		e.reply(stream, req.RequestID, false, "", ErrInvalidOrExpiredToken)
		return "", fmt.Errorf("auth: consume token: %w", err)
	}

	if err := e.store.UpsertDevice(req.DeviceID, req.PublicKey, req.DeviceName); err != nil {
		e.limiter.RecordFailure(source)
		if errors.Is(err, domaintrust.ErrDeviceIDKeyConflict) {
			e.reply(stream, req.RequestID, false, "", ErrDeviceIDKeyConflict)
		} else {
			e.reply(stream, req.RequestID, false, "", ErrInternal)
		}
		return "", fmt.Errorf("auth: upsert device: %w", err)
	}

	// Successful pairing is immediately considered authenticated, no extra
	// challenge round — per spec.md §4.4 Branch B.
	e.reply(stream, req.RequestID, true, req.DeviceID, "")
	return req.DeviceID, nil
}

func (e *Engine) reply(stream io.ReadWriter, requestID string, success bool, deviceID, errStr string) {
	if err := writeMessage(stream, authResponse{
		Type:      "auth_response",
		RequestID: requestID,
		DeviceID:  deviceID,
		Success:   success,
		Error:     errStr,
	}); err != nil {
		e.logger.Warn("auth: failed to write reply", "error", err)
	}
}

// parsePublicKey decodes a stored P-256 uncompressed SEC1 point.
func parsePublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, raw)
	if x == nil {
		return nil, errors.New("auth: invalid P-256 public key encoding")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}
