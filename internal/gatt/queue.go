package gatt

import (
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// OverflowPolicy is the rule applied when a per-address queue would exceed
// capacity. Only DropOldest is implemented; the type exists so the policy is
// named at the call sites that depend on it.
type OverflowPolicy int

const (
	// DropOldest evicts from the head (oldest first, never the in-flight
	// command) until the queue is within bound.
	DropOldest OverflowPolicy = iota
)

// QueueConfig bounds a per-address command queue.
type QueueConfig struct {
	// MinInterval is the minimum gap between consecutive dispatch starts.
	// Low-power peripherals drop or garble commands arriving faster.
	MinInterval time.Duration
	// MaxDepth caps pending (undispatched) commands per address.
	MaxDepth int
}

// Command is one unit of queued GATT work. Action initiates the transport
// call; the eventual transport callback must invoke SignalComplete exactly
// once, including when the call fails synchronously.
type Command struct {
	Label       string
	CoalesceKey string
	Action      func()
	// OnDiscard, when set, fires if the command is dropped without ever
	// dispatching: by Clear with ErrNotConnected, or by overflow eviction
	// with ErrEvicted. Coalesce replacement stays silent, the newest value
	// supersedes the dropped one. It keeps promised outcomes from vanishing
	// with the command.
	OnDiscard  func(err error)
	enqueuedAt time.Time
}

// CommandQueue serializes all GATT operations for one device. BLE stacks
// deliver completion through a single shared callback per connection and
// reject overlapping operations, so every transport call for an address is
// funneled through here: single in-flight, rate limited, bounded depth with
// oldest-first eviction, and key-based coalescing for high-frequency effect
// updates where only the latest value matters.
type CommandQueue struct {
	addr   DeviceAddress
	cfg    QueueConfig
	logger *logrus.Entry

	mu       sync.Mutex
	pending  *orderedmap.OrderedMap[string, *Command]
	inFlight bool
	lastDone time.Time
	timer    *time.Timer
	seq      uint64
}

// NewCommandQueue creates an empty queue for one address.
func NewCommandQueue(addr DeviceAddress, cfg QueueConfig, logger *logrus.Logger) *CommandQueue {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 1
	}
	return &CommandQueue{
		addr:    addr,
		cfg:     cfg,
		logger:  logger.WithField("address", string(addr)),
		pending: orderedmap.New[string, *Command](),
	}
}

// Enqueue appends cmd and dispatches it immediately when the queue is idle
// and the rate limit allows. It never blocks and never fails: under
// sustained overload the oldest pending command is evicted instead, its
// OnDiscard fired with ErrEvicted.
//
// When replaceIfSameKey is set and cmd carries a CoalesceKey, every pending
// (undispatched) command sharing that key is dropped first, leaving at most
// one pending entry per active key.
func (q *CommandQueue) Enqueue(cmd *Command, replaceIfSameKey bool) {
	q.mu.Lock()
	cmd.enqueuedAt = time.Now()

	if replaceIfSameKey && cmd.CoalesceKey != "" {
		var stale []string
		for pair := q.pending.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Value.CoalesceKey == cmd.CoalesceKey {
				stale = append(stale, pair.Key)
			}
		}
		for _, key := range stale {
			q.pending.Delete(key)
		}
		if len(stale) > 0 {
			q.logger.WithFields(logrus.Fields{
				"label":    cmd.Label,
				"key":      cmd.CoalesceKey,
				"replaced": len(stale),
			}).Debug("Coalesced pending commands")
		}
	}
	q.seq++
	q.pending.Set("#"+strconv.FormatUint(q.seq, 10), cmd)

	// The in-flight command already left the pending list, so eviction can
	// only ever touch undispatched work.
	var evicted []*Command
	for q.pending.Len() > q.cfg.MaxDepth {
		oldest := q.pending.Oldest()
		q.pending.Delete(oldest.Key)
		evicted = append(evicted, oldest.Value)
		q.logger.WithField("label", oldest.Value.Label).Debug("Evicted oldest pending command")
	}

	next := q.nextDispatchLocked()
	q.mu.Unlock()

	for _, old := range evicted {
		if old.OnDiscard != nil {
			old.OnDiscard(ErrEvicted)
		}
	}
	if next != nil {
		next.Action()
	}
}

// SignalComplete frees the in-flight slot and dispatches the next command,
// subject to the minimum interval. It must be called exactly once per
// dispatched action or the queue stalls permanently; spurious calls are
// ignored and logged.
func (q *CommandQueue) SignalComplete() {
	q.mu.Lock()
	if !q.inFlight {
		q.mu.Unlock()
		q.logger.Warn("SignalComplete with no command in flight")
		return
	}
	q.inFlight = false
	q.lastDone = time.Now()
	next := q.nextDispatchLocked()
	q.mu.Unlock()

	if next != nil {
		next.Action()
	}
}

// Clear drops every command, dispatched or not, and resets bookkeeping.
// Used on disconnect. The rate-limit clock is reset too, so a reconnect
// starts with an immediately dispatchable queue. The dropped pending
// commands are returned; the owner must fire each OnDiscard, outside any
// lock shared with the discard callbacks, so no promised outcome is lost.
func (q *CommandQueue) Clear() []*Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	var dropped []*Command
	for pair := q.pending.Oldest(); pair != nil; pair = pair.Next() {
		dropped = append(dropped, pair.Value)
	}
	if len(dropped) > 0 {
		q.logger.WithField("discarded", len(dropped)).Debug("Cleared command queue")
	}
	q.pending = orderedmap.New[string, *Command]()
	q.inFlight = false
	q.lastDone = time.Time{}
	return dropped
}

// Len returns the number of pending (undispatched) commands.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// InFlight reports whether a dispatched command awaits completion.
func (q *CommandQueue) InFlight() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// nextDispatchLocked pops the head command and marks it in flight when the
// queue is idle and the rate limit has elapsed. When the interval has not
// elapsed it arms a timer for the remainder instead. The caller must run the
// returned command's Action outside the lock: the transport call may fail
// synchronously and re-enter SignalComplete.
func (q *CommandQueue) nextDispatchLocked() *Command {
	if q.inFlight || q.pending.Len() == 0 {
		return nil
	}

	if !q.lastDone.IsZero() {
		wait := q.cfg.MinInterval - time.Since(q.lastDone)
		if wait > 0 {
			if q.timer == nil {
				q.timer = time.AfterFunc(wait, q.dispatchDue)
			}
			return nil
		}
	}

	head := q.pending.Oldest()
	q.pending.Delete(head.Key)
	q.inFlight = true
	return head.Value
}

// dispatchDue fires from the rate-limit timer.
func (q *CommandQueue) dispatchDue() {
	q.mu.Lock()
	q.timer = nil
	next := q.nextDispatchLocked()
	q.mu.Unlock()

	if next != nil {
		next.Action()
	}
}
