// Package bleplat adapts the go-ble client to the asynchronous transport
// surface the session engine consumes. The go-ble API is synchronous; every
// operation here runs on its own goroutine and reports completion as an
// event, so callers above never block on the radio.
package bleplat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/glowlink/stick/internal/gatt"
	"github.com/glowlink/stick/internal/groutine"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

// Completion statuses reported upward. go-ble surfaces Go errors, not ATT
// status codes, so failures collapse onto the generic GATT error and remote
// link drops onto the remote-termination code.
const (
	statusGattError    = 133
	statusRemoteClosed = 19
)

// cccdUUID is the Client Characteristic Configuration Descriptor. Writes to
// it are translated to go-ble Subscribe/Unsubscribe calls, which is how
// CoreBluetooth exposes notification enablement.
const cccdUUID = "2902"

// Transport is the production gatt.Transport backed by go-ble. One Transport
// serves every address; per-connection state lives in conn entries.
type Transport struct {
	logger      *logrus.Logger
	dialTimeout time.Duration

	devOnce sync.Once
	dev     ble.Device
	devErr  error

	mu    sync.Mutex
	conns map[gatt.DeviceAddress]*conn
}

// conn is the live go-ble client plus the characteristic lookup table built
// during service discovery.
type conn struct {
	client ble.Client
	sink   gatt.EventSink
	cancel context.CancelFunc

	mu    sync.Mutex
	chars map[gatt.CharID]*ble.Characteristic
}

// New creates a transport. The BLE adapter is initialized lazily on the
// first Connect.
func New(dialTimeout time.Duration, logger *logrus.Logger) *Transport {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Transport{
		logger:      logger,
		dialTimeout: dialTimeout,
		conns:       make(map[gatt.DeviceAddress]*conn),
	}
}

var _ gatt.Transport = (*Transport)(nil)

func (t *Transport) device() (ble.Device, error) {
	t.devOnce.Do(func() {
		t.dev, t.devErr = DeviceFactory()
		if t.devErr == nil {
			ble.SetDefaultDevice(t.dev)
		}
	})
	return t.dev, t.devErr
}

// Connect dials the peripheral. The dial happens on its own goroutine; the
// outcome arrives as EventConnected or EventDisconnected on the sink.
func (t *Transport) Connect(addr gatt.DeviceAddress, sink gatt.EventSink) error {
	if _, err := t.device(); err != nil {
		return fmt.Errorf("ble adapter: %w", err)
	}

	t.mu.Lock()
	if _, exists := t.conns[addr]; exists {
		t.mu.Unlock()
		return fmt.Errorf("connection already open for %s", addr)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		sink:   sink,
		cancel: cancel,
		chars:  make(map[gatt.CharID]*ble.Characteristic),
	}
	t.conns[addr] = c
	t.mu.Unlock()

	groutine.Go(ctx, "ble-dial-"+string(addr), func(ctx context.Context) {
		dialCtx, dialCancel := context.WithTimeout(ctx, t.dialTimeout)
		defer dialCancel()

		t.logger.WithField("address", string(addr)).Debug("Dialing BLE device...")
		client, err := ble.Dial(dialCtx, ble.NewAddr(string(addr)))
		if err != nil {
			t.logger.WithFields(logrus.Fields{
				"address": string(addr),
				"error":   err,
			}).Error("Failed to dial BLE device")
			t.drop(addr)
			sink(gatt.Event{Kind: gatt.EventDisconnected, Status: statusGattError})
			return
		}

		c.client = client
		sink(gatt.Event{Kind: gatt.EventConnected, Status: gatt.StatusSuccess})

		// The client channel closes when the platform stack reports the link
		// gone, whoever initiated it.
		groutine.Go(ctx, "ble-monitor-"+string(addr), func(ctx context.Context) {
			select {
			case <-client.Disconnected():
				t.logger.WithField("address", string(addr)).Warn("Platform stack reported disconnection")
				t.drop(addr)
				sink(gatt.Event{Kind: gatt.EventDisconnected, Status: statusRemoteClosed})
			case <-ctx.Done():
			}
		})
	})
	return nil
}

// Disconnect cancels the connection. Local teardown is synchronous; the
// platform confirms through the monitor goroutine, which the session treats
// as stale by then.
func (t *Transport) Disconnect(addr gatt.DeviceAddress) error {
	c := t.drop(addr)
	if c == nil {
		return nil
	}
	if c.client != nil {
		return c.client.CancelConnection()
	}
	return nil
}

// DiscoverServices walks the full GATT profile and builds the characteristic
// lookup table used by every subsequent operation.
func (t *Transport) DiscoverServices(addr gatt.DeviceAddress) error {
	c, err := t.conn(addr)
	if err != nil {
		return err
	}

	groutine.Go(context.Background(), "ble-discover-"+string(addr), func(ctx context.Context) {
		profile, err := c.client.DiscoverProfile(true)
		if err != nil {
			t.logger.WithFields(logrus.Fields{
				"address": string(addr),
				"error":   err,
			}).Error("Failed to discover profile")
			c.sink(gatt.Event{Kind: gatt.EventServicesDiscovered, Status: statusGattError})
			return
		}

		c.mu.Lock()
		for _, svc := range profile.Services {
			for _, char := range svc.Characteristics {
				id := gatt.NewCharID(svc.UUID.String(), char.UUID.String())
				c.chars[id] = char
			}
		}
		total := len(c.chars)
		c.mu.Unlock()

		t.logger.WithFields(logrus.Fields{
			"address":         string(addr),
			"services":        len(profile.Services),
			"characteristics": total,
		}).Debug("Profile discovered")
		c.sink(gatt.Event{Kind: gatt.EventServicesDiscovered, Status: gatt.StatusSuccess})
	})
	return nil
}

func (t *Transport) ReadCharacteristic(addr gatt.DeviceAddress, id gatt.CharID) error {
	c, char, err := t.lookup(addr, id)
	if err != nil {
		return err
	}

	groutine.Go(context.Background(), "ble-read-"+string(addr), func(ctx context.Context) {
		value, err := c.client.ReadCharacteristic(char)
		c.sink(gatt.Event{
			Kind:   gatt.EventCharacteristicRead,
			Status: statusOf(err),
			Char:   id,
			Value:  value,
		})
	})
	return nil
}

func (t *Transport) WriteCharacteristic(addr gatt.DeviceAddress, id gatt.CharID, value []byte, withResponse bool) error {
	c, char, err := t.lookup(addr, id)
	if err != nil {
		return err
	}

	data := make([]byte, len(value))
	copy(data, value)

	groutine.Go(context.Background(), "ble-write-"+string(addr), func(ctx context.Context) {
		err := c.client.WriteCharacteristic(char, data, !withResponse)
		c.sink(gatt.Event{
			Kind:   gatt.EventCharacteristicWritten,
			Status: statusOf(err),
			Char:   id,
		})
	})
	return nil
}

// WriteDescriptor handles the CCCD specially: CoreBluetooth rejects direct
// CCCD writes, so enablement goes through Subscribe/Unsubscribe and arriving
// notifications are forwarded as EventCharacteristicChanged.
func (t *Transport) WriteDescriptor(addr gatt.DeviceAddress, id gatt.CharID, descriptor string, value []byte) error {
	c, char, err := t.lookup(addr, id)
	if err != nil {
		return err
	}

	if descriptor == cccdUUID {
		enable := len(value) > 0 && value[0]&0x01 != 0
		groutine.Go(context.Background(), "ble-cccd-"+string(addr), func(ctx context.Context) {
			var err error
			if enable {
				err = c.client.Subscribe(char, false, func(data []byte) {
					c.sink(gatt.Event{
						Kind:   gatt.EventCharacteristicChanged,
						Status: gatt.StatusSuccess,
						Char:   id,
						Value:  data,
					})
				})
			} else {
				err = c.client.Unsubscribe(char, false)
			}
			c.sink(gatt.Event{
				Kind:   gatt.EventDescriptorWritten,
				Status: statusOf(err),
				Char:   id,
			})
		})
		return nil
	}

	var desc *ble.Descriptor
	for _, d := range char.Descriptors {
		if gatt.NormalizeUUID(d.UUID.String()) == gatt.NormalizeUUID(descriptor) {
			desc = d
			break
		}
	}
	if desc == nil {
		return fmt.Errorf("descriptor %s not found on %s", descriptor, id)
	}

	data := make([]byte, len(value))
	copy(data, value)

	groutine.Go(context.Background(), "ble-desc-write-"+string(addr), func(ctx context.Context) {
		err := c.client.WriteDescriptor(desc, data)
		c.sink(gatt.Event{
			Kind:   gatt.EventDescriptorWritten,
			Status: statusOf(err),
			Char:   id,
		})
	})
	return nil
}

func (t *Transport) RequestMTU(addr gatt.DeviceAddress, preferred int) error {
	c, err := t.conn(addr)
	if err != nil {
		return err
	}

	groutine.Go(context.Background(), "ble-mtu-"+string(addr), func(ctx context.Context) {
		mtu, err := c.client.ExchangeMTU(preferred)
		c.sink(gatt.Event{
			Kind:   gatt.EventMtuChanged,
			Status: statusOf(err),
			MTU:    mtu,
		})
	})
	return nil
}

func (t *Transport) conn(addr gatt.DeviceAddress) (*conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[addr]
	if !ok || c.client == nil {
		return nil, fmt.Errorf("no open connection for %s", addr)
	}
	return c, nil
}

func (t *Transport) lookup(addr gatt.DeviceAddress, id gatt.CharID) (*conn, *ble.Characteristic, error) {
	c, err := t.conn(addr)
	if err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	char, ok := c.chars[id]
	c.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("characteristic %s not discovered on %s", id, addr)
	}
	return c, char, nil
}

// drop removes the connection entry and stops its goroutines. Returns the
// removed entry, or nil when none existed.
func (t *Transport) drop(addr gatt.DeviceAddress) *conn {
	t.mu.Lock()
	c, ok := t.conns[addr]
	if ok {
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	c.cancel()
	return c
}

func statusOf(err error) int {
	if err != nil {
		return statusGattError
	}
	return gatt.StatusSuccess
}
