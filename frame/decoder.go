package frame

const (
	// compactThreshold is the consumed-prefix size that triggers a buffer
	// compaction.
	compactThreshold = 32 * 1024

	// DefaultMaxBuffered caps the decoder's total buffered size. A hostile
	// peer streaming garbage without a valid frame header gets its oldest
	// bytes dropped rather than growing the buffer without bound.
	DefaultMaxBuffered = 1 << 20
)

// Decoder is a stateful, streaming wrapper around Decode. Callers Feed it
// arbitrary chunks of bytes (as they arrive off the wire) and call Next
// repeatedly until it reports no frame pending.
type Decoder struct {
	buf        []byte
	off        int
	maxBuffered int
}

// NewDecoder returns a Decoder with the given buffered-bytes cap. A zero or
// negative cap selects DefaultMaxBuffered.
func NewDecoder(maxBuffered int) *Decoder {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	return &Decoder{maxBuffered: maxBuffered}
}

// Feed appends b to the decoder's internal buffer, dropping the oldest
// buffered bytes if the cap would otherwise be exceeded (fail-soft against
// hostile peers per spec).
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)

	if unread := len(d.buf) - d.off; unread > d.maxBuffered {
		drop := unread - d.maxBuffered
		d.off += drop
	}

	d.compact()
}

// Next pulls the next complete frame out of the buffered bytes, if any. A
// nil frame with a nil error means more bytes are needed before a frame
// can be decoded. A non-nil error means the stream is unrecoverable and the
// connection should be closed.
func (d *Decoder) Next() (*Frame, error) {
	f, n, err := Decode(d.buf[d.off:])
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, nil
	}

	d.off += n
	d.compact()

	return f, nil
}

func (d *Decoder) compact() {
	if d.off < compactThreshold {
		return
	}

	remaining := copy(d.buf, d.buf[d.off:])
	d.buf = d.buf[:remaining]
	d.off = 0
}

// Buffered reports the number of unread bytes currently held.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}
