// Package wire implements the length-prefixed JSON framing shared by the
// auth handshake and the bridge's control mode: spec.md §6, "Wire —
// control (bit-exact)". Both layers read and write the exact same
// [4B big-endian length][UTF-8 JSON] envelope, so the codec lives here
// once rather than being duplicated per package.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageBytes bounds a single length-prefixed JSON message.
const MaxMessageBytes = 64 * 1024

// ReadMessage reads one [4B big-endian length][UTF-8 JSON] message off r
// and unmarshals it into v.
func ReadMessage(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("wire: read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxMessageBytes {
		return fmt.Errorf("wire: message of %d bytes exceeds %d byte limit", n, MaxMessageBytes)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("wire: read payload: %w", err)
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("wire: invalid json: %w", err)
	}
	return nil
}

// WriteMessage marshals v and writes it as [4B big-endian length][JSON].
func WriteMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal: %w", err)
	}
	if len(payload) > MaxMessageBytes {
		return fmt.Errorf("wire: outgoing message of %d bytes exceeds %d byte limit", len(payload), MaxMessageBytes)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}
