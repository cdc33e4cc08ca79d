package testutils

import (
	"fmt"
	"sync"

	"github.com/glowlink/stick/internal/gatt"
)

// WriteRecord is one characteristic write observed by the fake transport.
type WriteRecord struct {
	Addr         gatt.DeviceAddress
	Char         gatt.CharID
	Value        []byte
	WithResponse bool
}

// FakeTransport is a scriptable in-process gatt.Transport. By default every
// operation completes successfully and synchronously: Connect immediately
// reports connected plus services discovered, writes complete as they are
// issued, reads return the stored characteristic value.
//
// Manual mode holds completions instead, so tests can observe queue state
// while an operation is in flight and release completions one at a time.
type FakeTransport struct {
	mu sync.Mutex

	// Manual suspends automatic completion delivery; tests call Complete.
	Manual bool
	// SilentConnect accepts the dial but never reports any event, which is
	// how a connect timeout is exercised.
	SilentConnect bool
	// FailDiscovery reports service discovery with this nonzero status.
	FailDiscovery int
	// MTUResponse overrides the granted MTU; 0 grants the preferred value.
	MTUResponse int

	sinks  map[gatt.DeviceAddress]gatt.EventSink
	values map[gatt.CharID][]byte
	writes []WriteRecord
	held   []gatt.Event

	disconnects []gatt.DeviceAddress
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		sinks:  make(map[gatt.DeviceAddress]gatt.EventSink),
		values: make(map[gatt.CharID][]byte),
	}
}

var _ gatt.Transport = (*FakeTransport)(nil)

// SetValue seeds the value returned by reads of id.
func (f *FakeTransport) SetValue(id gatt.CharID, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[id] = value
}

// Writes returns a snapshot of every recorded characteristic write.
func (f *FakeTransport) Writes() []WriteRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WriteRecord, len(f.writes))
	copy(out, f.writes)
	return out
}

// Disconnects returns the addresses Disconnect was called for.
func (f *FakeTransport) Disconnects() []gatt.DeviceAddress {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gatt.DeviceAddress, len(f.disconnects))
	copy(out, f.disconnects)
	return out
}

// Pending returns how many completions are held in manual mode.
func (f *FakeTransport) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.held)
}

// Complete releases the oldest held completion. Panics when nothing is held:
// a test releasing a completion that never happened is broken.
func (f *FakeTransport) Complete(addr gatt.DeviceAddress) {
	f.mu.Lock()
	if len(f.held) == 0 {
		f.mu.Unlock()
		panic("testutils: Complete called with no held completion")
	}
	ev := f.held[0]
	f.held = f.held[1:]
	sink := f.sinks[addr]
	f.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// Notify injects an unsolicited characteristic notification.
func (f *FakeTransport) Notify(addr gatt.DeviceAddress, id gatt.CharID, value []byte) {
	f.emit(addr, gatt.Event{
		Kind:   gatt.EventCharacteristicChanged,
		Status: gatt.StatusSuccess,
		Char:   id,
		Value:  value,
	})
}

// DropConnection simulates the platform reporting a lost link with status.
func (f *FakeTransport) DropConnection(addr gatt.DeviceAddress, status int) {
	f.emit(addr, gatt.Event{Kind: gatt.EventDisconnected, Status: status})
}

// ----------------------------
// gatt.Transport
// ----------------------------

func (f *FakeTransport) Connect(addr gatt.DeviceAddress, sink gatt.EventSink) error {
	f.mu.Lock()
	f.sinks[addr] = sink
	silent := f.SilentConnect
	f.mu.Unlock()

	if silent {
		return nil
	}
	sink(gatt.Event{Kind: gatt.EventConnected, Status: gatt.StatusSuccess})
	return nil
}

func (f *FakeTransport) Disconnect(addr gatt.DeviceAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, addr)
	return nil
}

func (f *FakeTransport) DiscoverServices(addr gatt.DeviceAddress) error {
	f.mu.Lock()
	status := f.FailDiscovery
	f.mu.Unlock()
	f.deliver(addr, gatt.Event{Kind: gatt.EventServicesDiscovered, Status: status})
	return nil
}

func (f *FakeTransport) ReadCharacteristic(addr gatt.DeviceAddress, id gatt.CharID) error {
	f.mu.Lock()
	value := f.values[id]
	f.mu.Unlock()
	f.deliver(addr, gatt.Event{
		Kind:   gatt.EventCharacteristicRead,
		Status: gatt.StatusSuccess,
		Char:   id,
		Value:  value,
	})
	return nil
}

func (f *FakeTransport) WriteCharacteristic(addr gatt.DeviceAddress, id gatt.CharID, value []byte, withResponse bool) error {
	data := make([]byte, len(value))
	copy(data, value)
	f.mu.Lock()
	f.writes = append(f.writes, WriteRecord{Addr: addr, Char: id, Value: data, WithResponse: withResponse})
	f.mu.Unlock()
	f.deliver(addr, gatt.Event{
		Kind:   gatt.EventCharacteristicWritten,
		Status: gatt.StatusSuccess,
		Char:   id,
	})
	return nil
}

func (f *FakeTransport) WriteDescriptor(addr gatt.DeviceAddress, id gatt.CharID, descriptor string, value []byte) error {
	f.deliver(addr, gatt.Event{
		Kind:   gatt.EventDescriptorWritten,
		Status: gatt.StatusSuccess,
		Char:   id,
	})
	return nil
}

func (f *FakeTransport) RequestMTU(addr gatt.DeviceAddress, preferred int) error {
	f.mu.Lock()
	mtu := f.MTUResponse
	f.mu.Unlock()
	if mtu == 0 {
		mtu = preferred
	}
	f.deliver(addr, gatt.Event{
		Kind:   gatt.EventMtuChanged,
		Status: gatt.StatusSuccess,
		MTU:    mtu,
	})
	return nil
}

// ----------------------------
// Delivery
// ----------------------------

// deliver sends a completion immediately, or holds it in manual mode.
func (f *FakeTransport) deliver(addr gatt.DeviceAddress, ev gatt.Event) {
	f.mu.Lock()
	if f.Manual {
		f.held = append(f.held, ev)
		f.mu.Unlock()
		return
	}
	sink := f.sinks[addr]
	f.mu.Unlock()
	if sink == nil {
		panic(fmt.Sprintf("testutils: no sink registered for %s", addr))
	}
	sink(ev)
}

// emit bypasses manual mode; injected notifications and drops always arrive.
func (f *FakeTransport) emit(addr gatt.DeviceAddress, ev gatt.Event) {
	f.mu.Lock()
	sink := f.sinks[addr]
	f.mu.Unlock()
	if sink == nil {
		panic(fmt.Sprintf("testutils: no sink registered for %s", addr))
	}
	sink(ev)
}
