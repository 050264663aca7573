package auth

import (
	"io"

	"github.com/emil45/phantom/infrastructure/wire"
)

// MaxMessageBytes bounds a single length-prefixed JSON message, per
// spec.md §6 ("Maximum payload length 64 KiB").
const MaxMessageBytes = wire.MaxMessageBytes

func readMessage(r io.Reader, v any) error  { return wire.ReadMessage(r, v) }
func writeMessage(w io.Writer, v any) error { return wire.WriteMessage(w, v) }
