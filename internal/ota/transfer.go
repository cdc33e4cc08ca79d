package ota

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/glowlink/stick/internal/gatt"
	"github.com/glowlink/stick/internal/groutine"
)

// State is the OTA transfer lifecycle.
type State int32

const (
	Idle State = iota
	Preparing
	Transferring
	Verifying
	Complete
	Error
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Transferring:
		return "transferring"
	case Verifying:
		return "verifying"
	case Complete:
		return "complete"
	case Error:
		return "error"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the transfer cannot progress further.
func (s State) Terminal() bool {
	return s == Complete || s == Error || s == Aborted
}

// ErrAborted is the terminal error of a cooperatively cancelled transfer.
var ErrAborted = errors.New("ota aborted")

// TransferError carries the byte offset a failed transfer reached.
type TransferError struct {
	Offset int
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("ota failed at offset %d: %v", e.Offset, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Conn is the slice of the connection session the transfer drives. Every
// GATT operation below goes through the session's command queue, so the
// transfer inherits the single-in-flight and rate-limit guarantees and is
// automatically back-pressured by transport completion.
type Conn interface {
	Address() gatt.DeviceAddress
	IsConnected() bool
	MTU() int
	RequestMTU(ctx context.Context, preferred int) (int, error)
	EnableNotifications(ctx context.Context, id gatt.CharID, enable bool) error
	OnNotify(id gatt.CharID, fn gatt.NotifyHandler) (remove func())
	OnDisconnect(fn func(gatt.DisconnectReason)) (remove func())
	WriteAwait(ctx context.Context, id gatt.CharID, value []byte, withResponse bool) error
}

// Options configures one firmware transfer.
type Options struct {
	// DataChar is the OTA data characteristic: chunks are written to it and
	// the device reports its result opcode through its notifications.
	DataChar gatt.CharID
	// PreferredMTU to negotiate before transferring. 0 skips negotiation.
	PreferredMTU int
	// DefaultPayload is the chunk size used when MTU negotiation is skipped
	// or fails (the 23-byte minimum ATT MTU minus overhead).
	DefaultPayload int
	// MTUOverhead is subtracted from the negotiated MTU to get the payload
	// per write (3-byte ATT write header).
	MTUOverhead int
	// ChunkDelay is the pause between consecutive chunk writes.
	ChunkDelay time.Duration
	// StartOpcodes is an optional vendor start sequence written before the
	// chunk loop.
	StartOpcodes [][]byte
	// SendEndCommand appends the end marker after the last chunk:
	// EndOpcode ++ block count (uint16 LE) ++ image CRC-16 (uint16 LE).
	SendEndCommand bool
	// EndOpcode prefixes the end command. May be empty.
	EndOpcode []byte
	// AwaitResult keeps the transfer in Verifying until the device reports a
	// result opcode: byte 0 means success, anything else is an error.
	AwaitResult bool
	// ResultTimeout bounds the Verifying wait.
	ResultTimeout time.Duration
	// StepTimeout bounds each individual queued operation.
	StepTimeout time.Duration
	// StateHook observes every state or percent change. Installed before the
	// transfer goroutine launches, so even the initial Preparing transition
	// reaches the observer.
	StateHook func(state State, percent int)
}

func (o *Options) withDefaults() {
	if o.DefaultPayload <= 0 {
		o.DefaultPayload = 20
	}
	if o.MTUOverhead <= 0 {
		o.MTUOverhead = 3
	}
	if o.ResultTimeout <= 0 {
		o.ResultTimeout = 10 * time.Second
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 10 * time.Second
	}
}

// ProgressFunc receives whole-percent progress. It is called at most once
// per percentage point, monotonically non-decreasing, with exactly one final
// 100 on success.
type ProgressFunc func(percent int)

// ResultFunc receives the terminal outcome: nil on Complete, ErrAborted on
// Aborted, anything else on Error.
type ResultFunc func(err error)

// Transfer is a single firmware transfer for one device. At most one exists
// per address at a time; it is created by Start and never restarted.
type Transfer struct {
	conn   Conn
	fw     []byte
	opts   Options
	logger *logrus.Entry

	state       atomic.Int32
	offset      atomic.Int64
	payload     int
	abortFlag   atomic.Bool
	cancel      context.CancelFunc
	done        chan struct{}
	lastPercent int

	mu       sync.Mutex
	err      error
	progress ProgressFunc
	result   ResultFunc
	onState  func(State, int)
}

// Start validates preconditions and launches the transfer goroutine. The
// connection must be established first; a transfer never dials.
func Start(conn Conn, firmware []byte, opts Options, progress ProgressFunc, result ResultFunc, logger *logrus.Logger) (*Transfer, error) {
	if len(firmware) == 0 {
		return nil, errors.New("empty firmware image")
	}
	if !conn.IsConnected() {
		return nil, gatt.ErrNotConnected
	}
	opts.withDefaults()

	if progress == nil {
		progress = func(int) {}
	}
	if result == nil {
		result = func(error) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transfer{
		conn:        conn,
		fw:          firmware,
		opts:        opts,
		logger:      logger.WithField("address", string(conn.Address())),
		cancel:      cancel,
		done:        make(chan struct{}),
		lastPercent: -1,
		progress:    progress,
		result:      result,
		onState:     opts.StateHook,
	}
	t.state.Store(int32(Idle))

	// A dropped connection force-aborts the transfer; the inverse never
	// holds, an OTA failure leaves the connection up.
	removeHook := conn.OnDisconnect(func(reason gatt.DisconnectReason) {
		t.logger.WithField("reason", string(reason)).Warn("Connection lost mid-transfer, aborting OTA")
		t.Abort()
	})

	groutine.Go(ctx, "ota-"+string(conn.Address()), func(ctx context.Context) {
		defer removeHook()
		defer close(t.done)
		t.run(ctx)
	})
	return t, nil
}

// State returns the current transfer state.
func (t *Transfer) State() State { return State(t.state.Load()) }

// Offset returns the number of firmware bytes sent so far.
func (t *Transfer) Offset() int { return int(t.offset.Load()) }

// Err returns the terminal error, nil before a terminal state or on success.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the transfer reaches a terminal state.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Abort requests cooperative cancellation. The flag is checked before every
// chunk write and before each protocol step; the transfer unwinds to
// Aborted, not Error, even when a concurrently in-flight write also failed.
func (t *Transfer) Abort() {
	if t.abortFlag.CompareAndSwap(false, true) {
		t.cancel()
	}
}

func (t *Transfer) aborted() bool { return t.abortFlag.Load() }

// ----------------------------
// Transfer loop
// ----------------------------

func (t *Transfer) run(ctx context.Context) {
	t.setState(Preparing)

	if err := t.prepare(ctx); err != nil {
		t.finish(err)
		return
	}
	if t.aborted() {
		t.finish(ErrAborted)
		return
	}

	t.setState(Transferring)
	if err := t.transferChunks(ctx); err != nil {
		t.finish(err)
		return
	}

	if t.opts.SendEndCommand {
		if err := t.sendEndCommand(ctx); err != nil {
			t.finish(err)
			return
		}
	}

	if t.opts.AwaitResult {
		t.setState(Verifying)
		if err := t.awaitResult(ctx); err != nil {
			t.finish(err)
			return
		}
	}

	t.reportProgress(100)
	t.finish(nil)
}

// prepare negotiates the MTU (best effort), enables notifications on the
// data characteristic, and sends the vendor start sequence.
func (t *Transfer) prepare(ctx context.Context) error {
	t.payload = t.opts.DefaultPayload
	if t.opts.PreferredMTU > 0 {
		stepCtx, cancel := context.WithTimeout(ctx, t.opts.StepTimeout)
		mtu, err := t.conn.RequestMTU(stepCtx, t.opts.PreferredMTU)
		cancel()
		if err != nil {
			// MTU negotiation is best effort: fall back to the default
			// payload and keep going.
			t.logger.WithError(err).Warn("MTU negotiation failed, using default payload")
		} else if mtu-t.opts.MTUOverhead > t.payload {
			t.payload = mtu - t.opts.MTUOverhead
		}
	}
	t.logger.WithFields(logrus.Fields{
		"image_size": len(t.fw),
		"payload":    t.payload,
		"chunks":     t.chunkCount(),
	}).Info("Starting firmware transfer")

	if t.aborted() {
		return ErrAborted
	}

	stepCtx, cancel := context.WithTimeout(ctx, t.opts.StepTimeout)
	err := t.conn.EnableNotifications(stepCtx, t.opts.DataChar, true)
	cancel()
	if err != nil {
		return fmt.Errorf("enable notifications: %w", t.mapAbort(err))
	}

	for i, opcode := range t.opts.StartOpcodes {
		if t.aborted() {
			return ErrAborted
		}
		stepCtx, cancel := context.WithTimeout(ctx, t.opts.StepTimeout)
		err := t.conn.WriteAwait(stepCtx, t.opts.DataChar, opcode, true)
		cancel()
		if err != nil {
			return fmt.Errorf("start opcode %d: %w", i, t.mapAbort(err))
		}
	}
	return nil
}

// transferChunks writes the image as write-without-response chunks, awaiting
// each queued completion before issuing the next, so the loop can never
// outrun the link.
func (t *Transfer) transferChunks(ctx context.Context) error {
	total := len(t.fw)
	for sent := 0; sent < total; {
		if t.aborted() {
			return ErrAborted
		}

		n := t.payload
		if remaining := total - sent; remaining < n {
			n = remaining
		}
		chunk := t.fw[sent : sent+n]

		stepCtx, cancel := context.WithTimeout(ctx, t.opts.StepTimeout)
		err := t.conn.WriteAwait(stepCtx, t.opts.DataChar, chunk, false)
		cancel()
		if err != nil {
			if t.aborted() {
				return ErrAborted
			}
			return &TransferError{Offset: sent, Err: err}
		}

		sent += n
		t.offset.Store(int64(sent))
		t.reportProgress(percentOf(sent, total))

		if t.opts.ChunkDelay > 0 && sent < total {
			select {
			case <-time.After(t.opts.ChunkDelay):
			case <-ctx.Done():
				return ErrAborted
			}
		}
	}
	return nil
}

// sendEndCommand writes the end marker: opcode ++ block count ++ image CRC,
// both little-endian.
func (t *Transfer) sendEndCommand(ctx context.Context) error {
	if t.aborted() {
		return ErrAborted
	}

	cmd := make([]byte, 0, len(t.opts.EndOpcode)+4)
	cmd = append(cmd, t.opts.EndOpcode...)
	cmd = binary.LittleEndian.AppendUint16(cmd, uint16(t.chunkCount()))
	cmd = binary.LittleEndian.AppendUint16(cmd, Checksum(t.fw))

	stepCtx, cancel := context.WithTimeout(ctx, t.opts.StepTimeout)
	defer cancel()
	if err := t.conn.WriteAwait(stepCtx, t.opts.DataChar, cmd, true); err != nil {
		return fmt.Errorf("end command: %w", t.mapAbort(err))
	}
	return nil
}

// awaitResult waits for the device's asynchronous result opcode on the data
// characteristic: byte value 0 is success, anything else a device-reported
// protocol failure.
func (t *Transfer) awaitResult(ctx context.Context) error {
	resultCh := make(chan byte, 1)
	remove := t.conn.OnNotify(t.opts.DataChar, func(value []byte) {
		if len(value) == 0 {
			return
		}
		select {
		case resultCh <- value[len(value)-1]:
		default:
		}
	})
	defer remove()

	select {
	case code := <-resultCh:
		if code != 0 {
			return fmt.Errorf("device reported result 0x%02x", code)
		}
		return nil
	case <-time.After(t.opts.ResultTimeout):
		return fmt.Errorf("verify: %w", gatt.ErrTimeout)
	case <-ctx.Done():
		return ErrAborted
	}
}

// ----------------------------
// Bookkeeping
// ----------------------------

func (t *Transfer) chunkCount() int {
	return (len(t.fw) + t.payload - 1) / t.payload
}

func percentOf(sent, total int) int {
	return int(math.Round(float64(sent) / float64(total) * 100))
}

// reportProgress suppresses duplicate percentages and keeps the sequence
// monotone.
func (t *Transfer) reportProgress(percent int) {
	t.mu.Lock()
	if percent <= t.lastPercent {
		t.mu.Unlock()
		return
	}
	t.lastPercent = percent
	progress := t.progress
	onState := t.onState
	t.mu.Unlock()

	progress(percent)
	if onState != nil {
		onState(t.State(), percent)
	}
}

func (t *Transfer) setState(s State) {
	t.state.Store(int32(s))
	t.mu.Lock()
	onState := t.onState
	percent := t.lastPercent
	t.mu.Unlock()
	if percent < 0 {
		percent = 0
	}
	t.logger.WithField("state", s.String()).Debug("OTA state change")
	if onState != nil {
		onState(s, percent)
	}
}

// mapAbort folds a step failure that raced an abort into ErrAborted so the
// transfer never reports Error when the user cancelled.
func (t *Transfer) mapAbort(err error) error {
	if t.aborted() {
		return ErrAborted
	}
	return err
}

// finish records the terminal state exactly once and fires the result
// callback.
func (t *Transfer) finish(err error) {
	var terminal State
	switch {
	case err == nil:
		terminal = Complete
	case errors.Is(err, ErrAborted):
		terminal = Aborted
		t.logger.Info("Firmware transfer aborted")
	default:
		terminal = Error
		t.logger.WithError(err).Error("Firmware transfer failed")
	}

	t.mu.Lock()
	if errors.Is(err, ErrAborted) {
		t.err = ErrAborted
	} else {
		t.err = err
	}
	result := t.result
	t.mu.Unlock()

	t.setState(terminal)
	if terminal == Complete {
		t.logger.Info("Firmware transfer complete")
	}
	result(t.Err())
}
