package gatt

import "strings"

// DeviceAddress is the stable key for all per-device state. The format is
// platform specific (MAC on Linux, CoreBluetooth UUID on macOS); sessions
// treat it as opaque after normalization.
type DeviceAddress string

// NormalizeAddress lowercases an address so map lookups are format tolerant.
func NormalizeAddress(addr string) DeviceAddress {
	return DeviceAddress(strings.ToLower(strings.TrimSpace(addr)))
}

// Valid reports whether the address is plausible enough to hand to the
// transport. Malformed addresses fail locally without a radio round trip.
func (a DeviceAddress) Valid() bool {
	return len(a) > 0 && !strings.ContainsAny(string(a), " \t\n")
}

// CharID identifies a characteristic within a service. UUIDs are stored
// normalized (lowercase, no dashes), matching the underlying BLE library.
type CharID struct {
	Service        string
	Characteristic string
}

func NewCharID(service, characteristic string) CharID {
	return CharID{
		Service:        NormalizeUUID(service),
		Characteristic: NormalizeUUID(characteristic),
	}
}

func (id CharID) String() string {
	return id.Service + "/" + id.Characteristic
}

// NormalizeUUID converts a UUID string to the internal BLE library format
// (lowercase, no dashes).
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// EventKind enumerates every completion or unsolicited signal a transport
// can deliver. BLE stacks multiplex all of these through one shared callback
// object per connection; modeling them as a sum type lets the owning session
// route each to the correct pending continuation.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventServicesDiscovered
	EventCharacteristicRead
	EventCharacteristicWritten
	EventDescriptorWritten
	EventMtuChanged
	EventCharacteristicChanged
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventServicesDiscovered:
		return "services_discovered"
	case EventCharacteristicRead:
		return "characteristic_read"
	case EventCharacteristicWritten:
		return "characteristic_written"
	case EventDescriptorWritten:
		return "descriptor_written"
	case EventMtuChanged:
		return "mtu_changed"
	case EventCharacteristicChanged:
		return "characteristic_changed"
	default:
		return "unknown"
	}
}

// StatusSuccess is the zero transport status shared by every BLE stack.
const StatusSuccess = 0

// Event is a single transport callback. Which fields are meaningful depends
// on Kind: Status accompanies completions, Char/Value accompany
// characteristic traffic, MTU accompanies EventMtuChanged.
type Event struct {
	Kind   EventKind
	Status int
	Char   CharID
	Value  []byte
	MTU    int
}

// EventSink receives transport events for one connection attempt. The
// transport MUST NOT call the sink concurrently for the same address.
type EventSink func(Event)

// Transport is the platform GATT capability the session engine sits on.
// Every method initiates an asynchronous operation: a nil return means
// "accepted, completion will arrive on the sink", a non-nil return means the
// call never entered the platform stack. Unsolicited notifications are
// delivered as EventCharacteristicChanged on the same sink.
//
// The session layer guarantees at most one outstanding operation per address,
// so implementations never see overlapping GATT calls for one device.
type Transport interface {
	Connect(addr DeviceAddress, sink EventSink) error
	Disconnect(addr DeviceAddress) error
	DiscoverServices(addr DeviceAddress) error
	ReadCharacteristic(addr DeviceAddress, id CharID) error
	WriteCharacteristic(addr DeviceAddress, id CharID, value []byte, withResponse bool) error
	WriteDescriptor(addr DeviceAddress, id CharID, descriptor string, value []byte) error
	RequestMTU(addr DeviceAddress, mtu int) error
}
