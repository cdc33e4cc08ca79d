// Package lightstick is the facade collaborators consume: it maps device
// addresses to connection sessions, guards every operation behind the
// Connected state, and exposes firmware transfers with progress observation.
package lightstick

import (
	"context"
	"fmt"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/glowlink/stick/internal/gatt"
	"github.com/glowlink/stick/internal/ota"
	"github.com/glowlink/stick/internal/ringchan"
	"github.com/glowlink/stick/pkg/config"
)

// OTAEvent is one observation of a firmware transfer, keyed by address.
type OTAEvent struct {
	Address gatt.DeviceAddress
	State   ota.State
	Percent int
}

// Controller is the session directory. One Controller owns all per-device
// state; different addresses proceed fully independently.
type Controller struct {
	transport gatt.Transport
	cfg       *config.Config
	logger    *logrus.Logger

	sessions  *hashmap.Map[string, *gatt.Session]
	transfers *hashmap.Map[string, *ota.Transfer]
	events    *ringchan.RingChannel[OTAEvent]
}

// New creates a controller on top of a platform GATT transport.
func New(transport gatt.Transport, cfg *config.Config, logger *logrus.Logger) *Controller {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Controller{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		sessions:  hashmap.New[string, *gatt.Session](),
		transfers: hashmap.New[string, *ota.Transfer](),
		events:    ringchan.New[OTAEvent](128),
	}
}

// session returns the session for addr, creating it on first use. All
// per-address mutable state lives inside the session object.
func (c *Controller) session(addr gatt.DeviceAddress) *gatt.Session {
	if s, ok := c.sessions.Get(string(addr)); ok {
		return s
	}
	s := gatt.NewSession(addr, c.transport, gatt.SessionConfig{
		ConnectTimeout: c.cfg.ConnectTimeout(),
		Queue: gatt.QueueConfig{
			MinInterval: c.cfg.Queue.MinInterval(),
			MaxDepth:    c.cfg.Queue.MaxQueueSizePerAddress,
		},
	}, c.logger)
	if !c.sessions.Insert(string(addr), s) {
		// Lost the race; use the winner.
		s, _ = c.sessions.Get(string(addr))
	}
	return s
}

// Connect establishes a session to the device. Already-connected is a no-op.
func (c *Controller) Connect(ctx context.Context, address string) error {
	addr := gatt.NormalizeAddress(address)
	if !addr.Valid() {
		return fmt.Errorf("%w: %q", gatt.ErrBadAddress, address)
	}
	return c.session(addr).Connect(ctx)
}

// Disconnect tears the session down; idempotent.
func (c *Controller) Disconnect(address string) error {
	addr := gatt.NormalizeAddress(address)
	s, ok := c.sessions.Get(string(addr))
	if !ok {
		return nil
	}
	return s.Disconnect()
}

// IsConnected reports whether a live session exists for the address.
func (c *Controller) IsConnected(address string) bool {
	s, ok := c.sessions.Get(string(gatt.NormalizeAddress(address)))
	return ok && s.IsConnected()
}

// RequestMTU negotiates the connection MTU; valid only while connected.
func (c *Controller) RequestMTU(ctx context.Context, address string, preferred int) (int, error) {
	s, err := c.connected(address)
	if err != nil {
		return 0, err
	}
	return s.RequestMTU(ctx, preferred)
}

// Read reads a characteristic value, suspending until completion.
func (c *Controller) Read(ctx context.Context, address string, id gatt.CharID) ([]byte, error) {
	s, err := c.connected(address)
	if err != nil {
		return nil, err
	}
	return s.Read(ctx, id)
}

// Write enqueues a characteristic write. The returned error is the immediate
// accepted/rejected result; outcome fires exactly once with the async result.
func (c *Controller) Write(address string, id gatt.CharID, value []byte, withResponse bool, outcome gatt.WriteOutcome) error {
	s, err := c.connected(address)
	if err != nil {
		return err
	}
	return s.Write(id, value, withResponse, "", outcome)
}

// WriteEffect enqueues a coalesced LED-effect write: pending effect updates
// for the same characteristic collapse to the newest payload, so bursty
// timelines cannot grow the queue without bound.
func (c *Controller) WriteEffect(address string, id gatt.CharID, value []byte, outcome gatt.WriteOutcome) error {
	s, err := c.connected(address)
	if err != nil {
		return err
	}
	return s.Write(id, value, false, "effect:"+id.String(), outcome)
}

// EnableNotifications writes the characteristic's CCCD.
func (c *Controller) EnableNotifications(ctx context.Context, address string, id gatt.CharID, enable bool) error {
	s, err := c.connected(address)
	if err != nil {
		return err
	}
	return s.EnableNotifications(ctx, id, enable)
}

// OnNotify registers a notification handler; returns its removal func.
func (c *Controller) OnNotify(address string, id gatt.CharID, fn gatt.NotifyHandler) (func(), error) {
	s, err := c.connected(address)
	if err != nil {
		return nil, err
	}
	return s.OnNotify(id, fn), nil
}

// OTAOptions narrows ota.Options to the caller-supplied parts; queue and
// timing tunables come from the controller config.
type OTAOptions struct {
	DataChar       gatt.CharID
	PreferredMTU   int
	StartOpcodes   [][]byte
	SendEndCommand bool
	EndOpcode      []byte
	AwaitResult    bool
}

// StartOTA begins a firmware transfer for a connected device. At most one
// transfer per address: starting while another is live fails with ErrBusy.
// Progress and terminal state are also published on Events.
func (c *Controller) StartOTA(address string, firmware []byte, opts OTAOptions, progress ota.ProgressFunc, result ota.ResultFunc) (*ota.Transfer, error) {
	s, err := c.connected(address)
	if err != nil {
		return nil, err
	}
	addr := s.Address()

	if prev, ok := c.transfers.Get(string(addr)); ok && !prev.State().Terminal() {
		return nil, fmt.Errorf("%w: ota already running", gatt.ErrBusy)
	}

	preferredMTU := opts.PreferredMTU
	if preferredMTU == 0 {
		preferredMTU = c.cfg.OTA.PreferredMTU
	}
	transfer, err := ota.Start(s, firmware, ota.Options{
		DataChar:       opts.DataChar,
		PreferredMTU:   preferredMTU,
		DefaultPayload: c.cfg.OTA.DefaultPayload,
		ChunkDelay:     c.cfg.OTA.ChunkDelay(),
		StartOpcodes:   opts.StartOpcodes,
		SendEndCommand: opts.SendEndCommand,
		EndOpcode:      opts.EndOpcode,
		AwaitResult:    opts.AwaitResult,
		ResultTimeout:  c.cfg.OTA.ResultTimeout(),
		StepTimeout:    c.cfg.RequestTimeout(),
		StateHook: func(state ota.State, percent int) {
			c.events.Send(OTAEvent{Address: addr, State: state, Percent: percent})
		},
	}, progress, result, c.logger)
	if err != nil {
		return nil, err
	}

	c.transfers.Set(string(addr), transfer)
	return transfer, nil
}

// AbortOTA cooperatively cancels the address's running transfer, if any.
func (c *Controller) AbortOTA(address string) {
	addr := gatt.NormalizeAddress(address)
	if transfer, ok := c.transfers.Get(string(addr)); ok {
		transfer.Abort()
	}
}

// OTAState returns the current transfer state for the address, or Idle.
func (c *Controller) OTAState(address string) ota.State {
	addr := gatt.NormalizeAddress(address)
	if transfer, ok := c.transfers.Get(string(addr)); ok {
		return transfer.State()
	}
	return ota.Idle
}

// Events is the OTA phase/progress observation channel, keyed by address.
// It is bounded with overwrite-oldest semantics: a slow consumer never
// stalls a transfer.
func (c *Controller) Events() <-chan OTAEvent {
	return c.events.C()
}

// Close disconnects every session and closes the event channel.
func (c *Controller) Close() {
	c.transfers.Range(func(_ string, t *ota.Transfer) bool {
		t.Abort()
		return true
	})
	c.sessions.Range(func(_ string, s *gatt.Session) bool {
		if err := s.Disconnect(); err != nil {
			c.logger.WithError(err).Warn("Disconnect during close failed")
		}
		return true
	})
	// Wait out the transfer goroutines: a finishing transfer may still be
	// publishing state changes, and the event channel closes only after the
	// last one has terminated.
	c.transfers.Range(func(_ string, t *ota.Transfer) bool {
		<-t.Done()
		return true
	})
	c.events.Close()
}

func (c *Controller) connected(address string) (*gatt.Session, error) {
	addr := gatt.NormalizeAddress(address)
	s, ok := c.sessions.Get(string(addr))
	if !ok || !s.IsConnected() {
		return nil, gatt.ErrNotConnected
	}
	return s, nil
}
