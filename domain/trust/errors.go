package trust

import "errors"

var (
	// ErrTokenNotFound means the token does not exist in the store.
	ErrTokenNotFound = errors.New("pairing token not found")
	// ErrTokenExpired means the token existed but its TTL has elapsed.
	ErrTokenExpired = errors.New("pairing token expired")
	// ErrDeviceNotFound means no device with the given id is paired.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceIDKeyConflict means a device with this id is already paired
	// under a different public key.
	ErrDeviceIDKeyConflict = errors.New("device id already paired with a different public key")
	// ErrStoreIO wraps any underlying I/O failure reading or writing the
	// trust store files. Callers must treat it as fail-closed.
	ErrStoreIO = errors.New("trust store io error")
)
