package main

import (
	"errors"

	"github.com/glowlink/stick/internal/gatt"
	"github.com/glowlink/stick/internal/ota"
)

// FormatUserError turns engine errors into actionable one-liners. Anything
// unrecognized passes through verbatim.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, gatt.ErrBadAddress):
		return "invalid device address: " + err.Error()
	case errors.Is(err, gatt.ErrNotConnected):
		return "device is not connected; run 'stickctl status <address>' to check the link"
	case errors.Is(err, gatt.ErrBusy):
		return "another operation is already in progress for this device: " + err.Error()
	case errors.Is(err, gatt.ErrTimeout):
		return "operation timed out; the device may be out of range or powered off"
	case errors.Is(err, gatt.ErrConnectionLost):
		return "connection lost: " + err.Error()
	case errors.Is(err, ota.ErrAborted):
		return "firmware transfer aborted"
	default:
		return err.Error()
	}
}
