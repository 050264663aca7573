package bridge

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is the implicit initial credit both peers assume, per
// spec.md §4.6 ("both peers start with a default of 256 KiB").
const DefaultWindow = 256 * 1024

// egressFallbackWait bounds how long the egress loop blocks on a
// zero-credit window before re-checking, per spec.md §4.6.
const egressFallbackWait = 5 * time.Second

// window is the egress-side credit tracker. Only the session→stream
// direction is flow-controlled; ingress (keystrokes, resize, control
// frames) is assumed low-volume and uncontrolled, per spec.md §5.
type window struct {
	mu     sync.Mutex
	credit uint64
	notify chan struct{}
}

func newWindow(initial uint64) *window {
	return &window{credit: initial, notify: make(chan struct{}, 1)}
}

// add credits the window by n, waking a blocked waiter if any.
func (w *window) add(n uint64) {
	w.mu.Lock()
	w.credit += n
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// reserve blocks until at least n bytes of credit are available, then
// deducts them, or returns ctx.Err() if ctx is canceled first.
func (w *window) reserve(ctx context.Context, n uint64) error {
	for {
		w.mu.Lock()
		if w.credit >= n {
			w.credit -= n
			w.mu.Unlock()
			return nil
		}
		w.mu.Unlock()

		select {
		case <-w.notify:
		case <-time.After(egressFallbackWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
