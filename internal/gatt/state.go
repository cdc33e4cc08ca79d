package gatt

import "time"

// Phase is the connection lifecycle phase of a session.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Disconnecting
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// DisconnectReason explains why a session ended up Disconnected.
type DisconnectReason string

const (
	ReasonNone          DisconnectReason = ""
	ReasonUserRequested DisconnectReason = "user-requested"
	ReasonPoweredOff    DisconnectReason = "powered-off"
	ReasonTimeout       DisconnectReason = "timeout"
	ReasonOutOfRange    DisconnectReason = "out-of-range"
	ReasonGattError     DisconnectReason = "gatt-error"
	ReasonUnknown       DisconnectReason = "unknown"
)

// ReasonFromStatus maps the platform disconnect status code to a reason.
func ReasonFromStatus(status int) DisconnectReason {
	switch status {
	case 0:
		return ReasonUserRequested
	case 8, 19:
		return ReasonPoweredOff
	case 22:
		return ReasonTimeout
	case 62:
		return ReasonOutOfRange
	case 133:
		return ReasonGattError
	default:
		return ReasonUnknown
	}
}

// ConnectionState is a snapshot of one session's lifecycle. Reason is set
// only while Disconnected; MTU is nonzero only after a successful exchange
// while Connected.
type ConnectionState struct {
	Phase  Phase
	Since  time.Time
	Reason DisconnectReason
	MTU    int
}
