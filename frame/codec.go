package frame

import (
	"encoding/binary"

	"github.com/klauspost/compress/zstd"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	// SpeedDefault favors latency over ratio; the codec never blocks the
	// bridge's egress loop waiting on compression.
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
}

// Encode serializes f into its wire form. When compress is true and the
// payload is larger than CompressMinBytes, the encoder attempts zstd and
// adopts the compressed form only if it is strictly smaller than the raw
// payload; FlagCompressed is set accordingly. The caller-supplied f.Flags
// bits other than FlagCompressed are preserved.
func Encode(f Frame, compress bool) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}

	payload := f.Payload
	flags := f.Flags &^ FlagCompressed

	if compress && len(payload) > CompressMinBytes {
		compressed := zstdEncoder.EncodeAll(payload, nil)
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	out := make([]byte, HeaderSize+len(payload))
	out[0] = byte(f.Type)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	binary.BigEndian.PutUint64(out[5:13], f.Sequence)
	binary.BigEndian.PutUint16(out[13:15], flags)
	copy(out[HeaderSize:], payload)

	return out, nil
}

// Decode attempts to parse a single frame out of the head of buf. It
// returns the frame, the number of bytes consumed from buf, and an error.
// A nil frame with nil error means "not enough bytes yet" — callers drive
// it until it returns a frame or an error. This is the pure, buffer-free
// half of the contract; Decoder below adds the streaming discipline.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, nil
	}

	typ := Type(buf[0])
	if !validType(typ) {
		return nil, 0, ErrUnknownType
	}

	payloadLen := binary.BigEndian.Uint32(buf[1:5])
	if payloadLen > MaxPayload {
		return nil, 0, ErrPayloadTooLarge
	}

	total := HeaderSize + int(payloadLen)
	if len(buf) < total {
		return nil, 0, nil
	}

	sequence := binary.BigEndian.Uint64(buf[5:13])
	flags := binary.BigEndian.Uint16(buf[13:15])
	payload := make([]byte, payloadLen)
	copy(payload, buf[HeaderSize:total])

	if flags&FlagCompressed != 0 {
		decompressed, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, total, ErrDecompressionFailed
		}
		payload = decompressed
	}

	return &Frame{
		Type:     typ,
		Sequence: sequence,
		Flags:    flags,
		Payload:  payload,
	}, total, nil
}

func validType(t Type) bool {
	switch t {
	case Data, Resize, Heartbeat, Close, Scrollback, WindowUpdate:
		return true
	default:
		return false
	}
}
