// Package ratelimit implements the two-level per-source sliding-window
// limiter from spec.md §4.3 and §9: a read-only IsAllowed predicate checked
// on accept, and a RecordFailure mutator called only when auth actually
// fails. The teacher's TTLManager (session_management/ttl_manager.go)
// shows the same shape — a background sanitize loop sweeping a map under
// a mutex — adapted here to per-source sliding windows instead of
// per-session expiry.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// window is a per-source sliding window of event timestamps.
type window struct {
	events *list.List // of time.Time, oldest-first
}

func newWindow() *window {
	return &window{events: list.New()}
}

// prune drops events older than now-span and returns the number remaining.
func (w *window) prune(now time.Time, span time.Duration) int {
	cutoff := now.Add(-span)
	for e := w.events.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			w.events.Remove(e)
		}
		e = next
	}
	return w.events.Len()
}

// source holds both sliding windows for one source address.
type source struct {
	connections *window
	failures    *window
	lastTouch   time.Time
}

// Config bounds the two rate windows.
type Config struct {
	ConnectionN int
	ConnectionT time.Duration
	FailureM    int
	FailureU    time.Duration

	// MaxSources bounds the LRU of tracked sources; idle sources are
	// evicted to cap memory, per spec.md §5.
	MaxSources int
	// IdleEvictAfter is how long a source may sit unused before it is
	// eligible for LRU eviction.
	IdleEvictAfter time.Duration
}

// DefaultConfig matches spec.md §4.3's stated defaults.
func DefaultConfig() Config {
	return Config{
		ConnectionN:    10,
		ConnectionT:    60 * time.Second,
		FailureM:       5,
		FailureU:       300 * time.Second,
		MaxSources:     10000,
		IdleEvictAfter: 30 * time.Minute,
	}
}

// Limiter is a process-wide, per-source rate limiter. It is safe for
// concurrent use.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	sources map[string]*source
	lru     *list.List // of string, most-recently-used at back
	lruElem map[string]*list.Element
}

// New constructs a Limiter and starts a background eviction sweep tied to
// ctx's lifetime.
func New(ctx context.Context, cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		sources: make(map[string]*source),
		lru:     list.New(),
		lruElem: make(map[string]*list.Element),
	}
	go l.evictLoop(ctx)
	return l
}

func (l *Limiter) touch(key string) *source {
	s, ok := l.sources[key]
	if !ok {
		s = &source{connections: newWindow(), failures: newWindow()}
		l.sources[key] = s
		l.lruElem[key] = l.lru.PushBack(key)
	} else {
		l.lru.MoveToBack(l.lruElem[key])
	}
	s.lastTouch = time.Now()

	if l.cfg.MaxSources > 0 {
		for len(l.sources) > l.cfg.MaxSources {
			front := l.lru.Front()
			if front == nil {
				break
			}
			evictKey := front.Value.(string)
			if evictKey == key {
				break // never evict the source we're about to use
			}
			l.lru.Remove(front)
			delete(l.lruElem, evictKey)
			delete(l.sources, evictKey)
		}
	}

	return s
}

// IsAllowed is the pure predicate: it reports whether source may be
// accepted right now, without recording a new attempt. Used on accept.
func (l *Limiter) IsAllowed(src string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sources[src]
	if !ok {
		return true
	}

	now := time.Now()
	if n := s.connections.prune(now, l.cfg.ConnectionT); l.cfg.ConnectionN > 0 && n >= l.cfg.ConnectionN {
		return false
	}
	if n := s.failures.prune(now, l.cfg.FailureU); l.cfg.FailureM > 0 && n >= l.cfg.FailureM {
		return false
	}
	return true
}

// RecordConnection records one accepted connection from src.
func (l *Limiter) RecordConnection(src string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.touch(src)
	now := time.Now()
	s.connections.prune(now, l.cfg.ConnectionT)
	s.connections.events.PushBack(now)
}

// RecordFailure records one auth failure from src. Called only when auth
// actually fails downstream, never speculatively.
func (l *Limiter) RecordFailure(src string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.touch(src)
	now := time.Now()
	s.failures.prune(now, l.cfg.FailureU)
	s.failures.events.PushBack(now)
}

func (l *Limiter) evictLoop(ctx context.Context) {
	interval := l.cfg.IdleEvictAfter / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.cfg.IdleEvictAfter)
	for key, s := range l.sources {
		if s.lastTouch.Before(cutoff) {
			if elem, ok := l.lruElem[key]; ok {
				l.lru.Remove(elem)
			}
			delete(l.lruElem, key)
			delete(l.sources, key)
		}
	}
}
