package ringchan

import "sync"

// RingChannel is a bounded channel-like buffer with overwrite-oldest
// semantics. Producers never block: when the buffer is full the oldest
// element is discarded. It backs the OTA phase/progress observation channel,
// where a slow consumer must never stall a transfer and only recent updates
// matter.
type RingChannel[T any] struct {
	mu      sync.Mutex
	ch      chan T
	dropped uint64
	closed  bool
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range over
// it until Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest when full. After Close it is
// a no-op. Send and Close hold the same lock, so a producer racing Close can
// never hit a closed channel.
func (rc *RingChannel[T]) Send(v T) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	for {
		select {
		case rc.ch <- v:
			return
		default:
		}
		select {
		case <-rc.ch: // drop oldest
			rc.dropped++
		default:
		}
	}
}

// Dropped returns how many items were discarded to make room.
func (rc *RingChannel[T]) Dropped() uint64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.dropped
}

// Close stops accepting sends and closes the channel. Safe to call more
// than once.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}
