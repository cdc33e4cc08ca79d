package gatt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// OpKind names the awaitable operation kinds. At most one continuation per
// kind is outstanding per address; a second concurrent request of the same
// kind is rejected with ErrBusy, never silently overwritten.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
	OpDescriptor
	OpMTU
	opKinds
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpDescriptor:
		return "descriptor"
	case OpMTU:
		return "mtu"
	default:
		return "unknown"
	}
}

// opResult is the single-shot resolution of one awaited operation.
type opResult struct {
	value []byte
	mtu   int
	err   error
}

// pendingOp is an explicit single-resolution continuation for an in-flight
// request. The buffered channel guarantees resolving never blocks the
// transport callback.
type pendingOp struct {
	ch chan opResult
}

func newPendingOp() *pendingOp {
	return &pendingOp{ch: make(chan opResult, 1)}
}

func (p *pendingOp) resolve(r opResult) {
	select {
	case p.ch <- r:
	default:
		// Already resolved; exactly-one-resolution is enforced by the
		// session clearing the slot before resolving, so this is a bug trap.
	}
}

// SessionConfig carries the per-session tunables.
type SessionConfig struct {
	ConnectTimeout time.Duration
	Queue          QueueConfig
}

// NotifyHandler receives unsolicited characteristic notifications. The value
// slice is only valid for the duration of the call; handlers must copy it if
// they retain it.
type NotifyHandler func(value []byte)

// Session owns the one active transport connection for a single device
// address and drives Disconnected -> Connecting -> Connected ->
// Disconnecting. While connected it owns exactly one CommandQueue; every
// transport operation for the address flows through that queue so the
// single-in-flight invariant holds.
type Session struct {
	addr      DeviceAddress
	transport Transport
	cfg       SessionConfig
	logger    *logrus.Entry

	mu           sync.Mutex
	state        ConnectionState
	queue        *CommandQueue
	attempt      uint64 // guards stale events from earlier connection attempts
	connectDone  chan error
	connectTimer *time.Timer
	pending      [opKinds]*pendingOp
	notify       map[CharID][]*notifySub
	onDisconnect map[int]func(DisconnectReason)
	hookSeq      int
}

type notifySub struct {
	fn NotifyHandler
}

// NewSession creates a session in the Disconnected phase. Nothing touches
// the transport until Connect.
func NewSession(addr DeviceAddress, transport Transport, cfg SessionConfig, logger *logrus.Logger) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Session{
		addr:         addr,
		transport:    transport,
		cfg:          cfg,
		logger:       logger.WithField("address", string(addr)),
		state:        ConnectionState{Phase: Disconnected, Since: time.Now()},
		notify:       make(map[CharID][]*notifySub),
		onDisconnect: make(map[int]func(DisconnectReason)),
	}
}

// Address returns the device address this session owns.
func (s *Session) Address() DeviceAddress { return s.addr }

// State returns a snapshot of the connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the session is in the Connected phase.
func (s *Session) IsConnected() bool {
	return s.State().Phase == Connected
}

// MTU returns the negotiated MTU, or 0 before any exchange.
func (s *Session) MTU() int {
	return s.State().MTU
}

// Connect establishes the transport connection and discovers services.
// It is a no-op returning nil when already Connected and rejects a second
// concurrent attempt with ErrBusy. The attempt is guarded by the configured
// connect timeout: if neither a connected nor a disconnected callback
// arrives in time, the attempt is torn down and ErrTimeout returned
// exactly once, with no continuation leaked.
func (s *Session) Connect(ctx context.Context) error {
	if !s.addr.Valid() {
		return fmt.Errorf("%w: %q", ErrBadAddress, string(s.addr))
	}

	s.mu.Lock()
	switch s.state.Phase {
	case Connected:
		s.mu.Unlock()
		return nil
	case Connecting, Disconnecting:
		s.mu.Unlock()
		return fmt.Errorf("%w: connect already in progress", ErrBusy)
	}

	s.attempt++
	attempt := s.attempt
	s.state = ConnectionState{Phase: Connecting, Since: time.Now()}
	done := make(chan error, 1)
	s.connectDone = done
	s.connectTimer = time.AfterFunc(s.cfg.ConnectTimeout, func() {
		s.connectTimedOut(attempt)
	})
	s.mu.Unlock()

	s.logger.Info("Connecting to device...")
	if err := s.transport.Connect(s.addr, s.sinkFor(attempt)); err != nil {
		s.failConnect(attempt, fmt.Errorf("transport connect: %w", err))
	}

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		s.logger.Info("Device connected")
		return nil
	case <-ctx.Done():
		// Caller gave up; tear the attempt down so no continuation leaks.
		// The attempt may have resolved in the same instant: failConnect
		// no-ops once the phase left Connecting, and done then carries the
		// real outcome. Every path sends to done exactly once, so this
		// receive cannot hang, and a session that actually reached
		// Connected is never reported as failed.
		s.failConnect(attempt, ctx.Err())
		if err := <-done; err != nil {
			return err
		}
		s.logger.Info("Device connected")
		return nil
	}
}

// Disconnect releases the transport connection and clears all per-address
// state. It is idempotent and acts as the master cancellation signal: the
// command queue is cleared, every outstanding continuation fails with
// ErrNotConnected, and registered disconnect hooks fire.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state.Phase == Disconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = ConnectionState{Phase: Disconnecting, Since: time.Now()}
	s.attempt++ // invalidate in-flight callbacks from this connection
	hooks := s.cleanupLocked(ReasonUserRequested)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(ReasonUserRequested)
	}

	err := s.transport.Disconnect(s.addr)
	s.logger.Info("Device disconnected")
	return err
}

// Read reads a characteristic through the queue, suspending the caller until
// the transport completion arrives or ctx expires.
func (s *Session) Read(ctx context.Context, id CharID) ([]byte, error) {
	op, q, err := s.prepareOp(OpRead)
	if err != nil {
		return nil, err
	}

	q.Enqueue(&Command{
		Label:     "read " + id.String(),
		OnDiscard: s.discardOp(OpRead),
		Action: func() {
			if terr := s.transport.ReadCharacteristic(s.addr, id); terr != nil {
				s.resolveOp(OpRead, opResult{err: fmt.Errorf("%w: %v", ErrRejected, terr)})
				q.SignalComplete()
			}
		},
	}, false)

	return s.awaitOp(ctx, OpRead, op)
}

// WriteOutcome is invoked exactly once with the final result of an
// asynchronous write.
type WriteOutcome func(err error)

// Write enqueues a characteristic write. The returned error is the immediate
// accepted/rejected result: nil means the command entered the queue; non-nil
// means it never entered the system. An accepted write resolves its outcome
// exactly once: with the transport result, with ErrNotConnected when a
// disconnect discards it while still queued, or with ErrEvicted when
// overflow pushes it out. Writes replaced by a newer coalesceKey sibling are
// the one exception; their outcome never fires, as only the newest value
// matters. A non-empty coalesceKey replaces older pending writes sharing the
// key, so bursty effect updates collapse to the newest value.
func (s *Session) Write(id CharID, value []byte, withResponse bool, coalesceKey string, outcome WriteOutcome) error {
	s.mu.Lock()
	if s.state.Phase != Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	q := s.queue
	s.mu.Unlock()

	if outcome == nil {
		outcome = func(error) {}
	}
	data := make([]byte, len(value))
	copy(data, value)

	q.Enqueue(&Command{
		Label:       "write " + id.String(),
		CoalesceKey: coalesceKey,
		OnDiscard:   outcome,
		Action: func() {
			// The continuation is registered at dispatch time, not enqueue
			// time: the queue guarantees single in-flight, so the write slot
			// is necessarily free here.
			op := newPendingOpWith(outcome)
			if err := s.registerOp(OpWrite, op); err != nil {
				op.resolve(opResult{err: err})
				q.SignalComplete()
				return
			}
			if terr := s.transport.WriteCharacteristic(s.addr, id, data, withResponse); terr != nil {
				s.resolveOp(OpWrite, opResult{err: fmt.Errorf("%w: %v", ErrRejected, terr)})
				q.SignalComplete()
			}
		},
	}, coalesceKey != "")
	return nil
}

// WriteAwait is Write with the outcome delivered synchronously to the caller.
func (s *Session) WriteAwait(ctx context.Context, id CharID, value []byte, withResponse bool) error {
	errCh := make(chan error, 1)
	if err := s.Write(id, value, withResponse, "", func(err error) { errCh <- err }); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cccdUUID is the Client Characteristic Configuration Descriptor.
const cccdUUID = "2902"

// EnableNotifications writes the CCCD of id, turning unsolicited
// notifications on or off. Like every descriptor write it is serialized
// through the queue and awaited.
func (s *Session) EnableNotifications(ctx context.Context, id CharID, enable bool) error {
	op, q, err := s.prepareOp(OpDescriptor)
	if err != nil {
		return err
	}

	value := []byte{0x00, 0x00}
	if enable {
		value = []byte{0x01, 0x00}
	}
	q.Enqueue(&Command{
		Label:     "cccd " + id.String(),
		OnDiscard: s.discardOp(OpDescriptor),
		Action: func() {
			if terr := s.transport.WriteDescriptor(s.addr, id, cccdUUID, value); terr != nil {
				s.resolveOp(OpDescriptor, opResult{err: fmt.Errorf("%w: %v", ErrRejected, terr)})
				q.SignalComplete()
			}
		},
	}, false)

	_, err = s.awaitOp(ctx, OpDescriptor, op)
	return err
}

// RequestMTU negotiates the connection MTU. Exactly one transport request is
// issued per call; a concurrent second call is rejected with ErrBusy.
func (s *Session) RequestMTU(ctx context.Context, preferred int) (int, error) {
	op, q, err := s.prepareOp(OpMTU)
	if err != nil {
		return 0, err
	}

	q.Enqueue(&Command{
		Label:     "request mtu",
		OnDiscard: s.discardOp(OpMTU),
		Action: func() {
			if terr := s.transport.RequestMTU(s.addr, preferred); terr != nil {
				s.resolveOp(OpMTU, opResult{err: fmt.Errorf("%w: %v", ErrRejected, terr)})
				q.SignalComplete()
			}
		},
	}, false)

	res, err := s.awaitOpResult(ctx, OpMTU, op)
	if err != nil {
		return 0, err
	}
	return res.mtu, nil
}

// OnNotify registers a handler for unsolicited notifications on id and
// returns its removal func. Enabling the CCCD is a separate, explicit step.
func (s *Session) OnNotify(id CharID, fn NotifyHandler) (remove func()) {
	sub := &notifySub{fn: fn}
	s.mu.Lock()
	s.notify[id] = append(s.notify[id], sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.notify[id]
		for i, candidate := range subs {
			if candidate == sub {
				s.notify[id] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// OnDisconnect registers a hook invoked whenever the session reaches
// Disconnected, whatever the reason. Returns the removal func.
func (s *Session) OnDisconnect(fn func(DisconnectReason)) (remove func()) {
	s.mu.Lock()
	s.hookSeq++
	key := s.hookSeq
	s.onDisconnect[key] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.onDisconnect, key)
	}
}

// Queue exposes the live command queue, or nil when not connected. OTA uses
// it for inspection only; all traffic goes through the session operations.
func (s *Session) Queue() *CommandQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}

// ----------------------------
// Event routing
// ----------------------------

// sinkFor binds a sink to one connection attempt so a stale callback can
// never resolve a continuation belonging to a newer attempt for the same
// address.
func (s *Session) sinkFor(attempt uint64) EventSink {
	return func(ev Event) {
		s.mu.Lock()
		if s.attempt != attempt {
			s.mu.Unlock()
			s.logger.WithField("event", ev.Kind.String()).Debug("Dropping stale transport event")
			return
		}
		s.handleEventLocked(ev)
	}
}

// handleEventLocked routes one transport event. Called with s.mu held;
// releases it before invoking user callbacks.
func (s *Session) handleEventLocked(ev Event) {
	switch ev.Kind {
	case EventConnected:
		if s.state.Phase != Connecting {
			s.mu.Unlock()
			return
		}
		attempt := s.attempt
		s.mu.Unlock()
		s.logger.Debug("Link up, discovering services...")
		if err := s.transport.DiscoverServices(s.addr); err != nil {
			s.failConnect(attempt, fmt.Errorf("discover services: %w", err))
		}

	case EventServicesDiscovered:
		if s.state.Phase != Connecting {
			s.mu.Unlock()
			return
		}
		if ev.Status != StatusSuccess {
			attempt := s.attempt
			s.mu.Unlock()
			s.failConnect(attempt, &StatusError{Op: "service discovery", Status: ev.Status})
			_ = s.transport.Disconnect(s.addr)
			return
		}
		s.state = ConnectionState{Phase: Connected, Since: time.Now()}
		s.queue = NewCommandQueue(s.addr, s.cfg.Queue, s.logger.Logger)
		s.stopConnectTimerLocked()
		done := s.connectDone
		s.connectDone = nil
		s.mu.Unlock()
		if done != nil {
			done <- nil
		}

	case EventDisconnected:
		reason := ReasonFromStatus(ev.Status)
		s.logger.WithFields(logrus.Fields{
			"status": ev.Status,
			"reason": string(reason),
		}).Info("Transport reported disconnect")
		hooks := s.cleanupLocked(reason)
		s.mu.Unlock()
		for _, hook := range hooks {
			hook(reason)
		}

	case EventCharacteristicRead:
		q := s.queue
		s.mu.Unlock()
		s.resolveOp(OpRead, readResult(ev))
		if q != nil {
			q.SignalComplete()
		}

	case EventCharacteristicWritten:
		q := s.queue
		s.mu.Unlock()
		s.resolveOp(OpWrite, statusResult("write", ev.Status))
		if q != nil {
			q.SignalComplete()
		}

	case EventDescriptorWritten:
		q := s.queue
		s.mu.Unlock()
		s.resolveOp(OpDescriptor, statusResult("descriptor write", ev.Status))
		if q != nil {
			q.SignalComplete()
		}

	case EventMtuChanged:
		if ev.Status == StatusSuccess {
			s.state.MTU = ev.MTU
		}
		q := s.queue
		s.mu.Unlock()
		res := opResult{mtu: ev.MTU}
		if ev.Status != StatusSuccess {
			res = opResult{err: &StatusError{Op: "mtu exchange", Status: ev.Status}}
		}
		s.resolveOp(OpMTU, res)
		if q != nil {
			q.SignalComplete()
		}

	case EventCharacteristicChanged:
		subs := make([]*notifySub, len(s.notify[ev.Char]))
		copy(subs, s.notify[ev.Char])
		s.mu.Unlock()
		for _, sub := range subs {
			sub.fn(ev.Value)
		}

	default:
		s.mu.Unlock()
		s.logger.WithField("event", ev.Kind.String()).Warn("Unhandled transport event")
	}
}

func readResult(ev Event) opResult {
	if ev.Status != StatusSuccess {
		return opResult{err: &StatusError{Op: "read", Status: ev.Status}}
	}
	value := make([]byte, len(ev.Value))
	copy(value, ev.Value)
	return opResult{value: value}
}

func statusResult(op string, status int) opResult {
	if status != StatusSuccess {
		return opResult{err: &StatusError{Op: op, Status: status}}
	}
	return opResult{}
}

// ----------------------------
// Continuations
// ----------------------------

// prepareOp validates the Connected guard and claims the continuation slot
// for kind before any command is enqueued.
func (s *Session) prepareOp(kind OpKind) (*pendingOp, *CommandQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase != Connected {
		return nil, nil, ErrNotConnected
	}
	if s.pending[kind] != nil {
		return nil, nil, fmt.Errorf("%w: %s already outstanding", ErrBusy, kind)
	}
	op := newPendingOp()
	s.pending[kind] = op
	return op, s.queue, nil
}

// registerOp claims the slot for kind at dispatch time (queued writes). The
// returned error distinguishes a torn-down session from an occupied slot.
func (s *Session) registerOp(kind OpKind, op *pendingOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase != Connected {
		return ErrNotConnected
	}
	if s.pending[kind] != nil {
		return fmt.Errorf("%w: %s already outstanding", ErrBusy, kind)
	}
	s.pending[kind] = op
	return nil
}

// resolveOp clears the slot and resolves the continuation exactly once. An
// abandoned wait keeps its slot until this point, so a completion can only
// ever resolve the continuation of the command it belongs to. A completion
// with no registered continuation is legal only after cleanup swept the
// table.
func (s *Session) resolveOp(kind OpKind, res opResult) {
	s.mu.Lock()
	op := s.pending[kind]
	s.pending[kind] = nil
	s.mu.Unlock()
	if op != nil {
		op.resolve(res)
	}
}

// discardOp builds the OnDiscard of an awaited command: a drop before
// dispatch resolves the claimed continuation with the discard error, so
// neither the caller nor the kind slot is left waiting for a completion that
// will never come.
func (s *Session) discardOp(kind OpKind) func(error) {
	return func(err error) {
		s.resolveOp(kind, opResult{err: err})
	}
}

func (s *Session) awaitOp(ctx context.Context, kind OpKind, op *pendingOp) ([]byte, error) {
	res, err := s.awaitOpResult(ctx, kind, op)
	if err != nil {
		return nil, err
	}
	return res.value, nil
}

func (s *Session) awaitOpResult(ctx context.Context, kind OpKind, op *pendingOp) (opResult, error) {
	select {
	case res := <-op.ch:
		if res.err != nil {
			return opResult{}, res.err
		}
		return res, nil
	case <-ctx.Done():
		// Abandon the wait but leave the continuation registered: the
		// command's completion is still owed, and freeing the slot here
		// would let a later same-kind caller claim it and receive this
		// command's result. resolveOp frees the slot when the completion
		// lands; until then a concurrent same-kind request gets ErrBusy.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return opResult{}, fmt.Errorf("%s: %w", kind, ErrTimeout)
		}
		return opResult{}, ctx.Err()
	}
}

// newPendingOpWith wraps a WriteOutcome in a continuation that forwards the
// resolution to the callback.
func newPendingOpWith(outcome WriteOutcome) *pendingOp {
	op := newPendingOp()
	go func() {
		res := <-op.ch
		outcome(res.err)
	}()
	return op
}

// ----------------------------
// Teardown
// ----------------------------

func (s *Session) stopConnectTimerLocked() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

// cleanupLocked transitions to Disconnected, clears the queue, and fails
// every outstanding continuation so no caller hangs. Queued-but-undispatched
// commands fail through their OnDiscard with ErrNotConnected; their outcome
// was promised at enqueue time and must not vanish with the queue. No
// partial state survives. Returns the callbacks (discards, then disconnect
// hooks) for the caller to invoke outside the lock. When already
// Disconnected the earlier terminal reason wins.
func (s *Session) cleanupLocked(reason DisconnectReason) []func(DisconnectReason) {
	if s.state.Phase == Disconnected {
		return nil
	}
	s.stopConnectTimerLocked()

	var callbacks []func(DisconnectReason)
	if s.queue != nil {
		for _, cmd := range s.queue.Clear() {
			if cmd.OnDiscard == nil {
				continue
			}
			discard := cmd.OnDiscard
			callbacks = append(callbacks, func(DisconnectReason) { discard(ErrNotConnected) })
		}
		s.queue = nil
	}

	if done := s.connectDone; done != nil {
		s.connectDone = nil
		done <- fmt.Errorf("%w: %s", ErrConnectionLost, reason)
	}
	for kind := OpKind(0); kind < opKinds; kind++ {
		if op := s.pending[kind]; op != nil {
			s.pending[kind] = nil
			op.resolve(opResult{err: ErrNotConnected})
		}
	}

	s.state = ConnectionState{Phase: Disconnected, Since: time.Now(), Reason: reason}

	for _, hook := range s.onDisconnect {
		callbacks = append(callbacks, hook)
	}
	return callbacks
}

// connectTimedOut fires when neither a connected nor a disconnected callback
// arrived within the configured timeout. The attempt is force-disconnected
// and the caller resolved with ErrTimeout, exactly once.
func (s *Session) connectTimedOut(attempt uint64) {
	s.mu.Lock()
	if s.attempt != attempt || s.state.Phase != Connecting {
		s.mu.Unlock()
		return
	}
	s.logger.Warn("Connect attempt timed out")
	s.attempt++ // discard any late callbacks from this attempt
	done := s.connectDone
	s.connectDone = nil
	hooks := s.cleanupLocked(ReasonTimeout)
	s.mu.Unlock()

	if done != nil {
		done <- fmt.Errorf("connect: %w", ErrTimeout)
	}
	for _, hook := range hooks {
		hook(ReasonTimeout)
	}
	_ = s.transport.Disconnect(s.addr)
}

// failConnect tears down a connecting attempt and resolves the caller with
// err. Safe to call from transport callbacks and from Connect itself; only
// the first resolution wins.
func (s *Session) failConnect(attempt uint64, err error) {
	s.mu.Lock()
	if s.attempt != attempt || s.state.Phase != Connecting {
		s.mu.Unlock()
		return
	}
	s.attempt++
	done := s.connectDone
	s.connectDone = nil
	hooks := s.cleanupLocked(ReasonUnknown)
	s.mu.Unlock()

	if done != nil {
		done <- err
	}
	for _, hook := range hooks {
		hook(ReasonUnknown)
	}
}
