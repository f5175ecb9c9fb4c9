package wire

import (
	"errors"
	"fmt"
)

// Error taxonomy for the connection/transport/firmware subsystems. These
// are carried as values on result channels, never thrown across an await
// boundary.
var (
	ErrInternal                  = errors.New("jacquard: internal state-machine inconsistency")
	ErrMalformedResponse         = errors.New("jacquard: malformed response payload")
	ErrPeerRemovedPairingInfo    = errors.New("jacquard: peer removed pairing info, permanent")
	ErrServiceDiscovery          = errors.New("jacquard: required service not discovered")
	ErrCharacteristicDiscovery   = errors.New("jacquard: required characteristic not discovered")
	ErrConnectionTimeout         = errors.New("jacquard: connection timed out before initialization")
	ErrCommandTimeout            = errors.New("jacquard: request timed out waiting for a response")
	ErrBluetoothPowerOff         = errors.New("jacquard: adapter powered off")
	ErrUnconnectableTag          = errors.New("jacquard: object lacks a peripheral handle")
	ErrDeviceNotFound            = errors.New("jacquard: identifier unknown to BLE stack")
	ErrDataUnavailable           = errors.New("jacquard: firmware metadata unavailable")
	ErrLowBattery                = errors.New("jacquard: battery too low for firmware transfer")
	ErrTagDisconnected           = errors.New("jacquard: tag not connected")
	ErrChecksumMismatch          = errors.New("jacquard: image-writer CRC mismatch after retry budget exhausted")
)

// BluetoothConnectionError wraps a platform-surface error encountered at
// connect/discover time.
type BluetoothConnectionError struct{ Cause error }

func (e *BluetoothConnectionError) Error() string {
	return fmt.Sprintf("jacquard: bluetooth connection error: %v", e.Cause)
}
func (e *BluetoothConnectionError) Unwrap() error { return e.Cause }

// NotificationUpdateError wraps a failure subscribing to a required
// notify characteristic.
type NotificationUpdateError struct{ Cause error }

func (e *NotificationUpdateError) Error() string {
	return fmt.Sprintf("jacquard: notification subscribe error: %v", e.Cause)
}
func (e *NotificationUpdateError) Unwrap() error { return e.Cause }

// CommandFailed is returned when a response status is not ok and the
// opcode did not opt out of status checking. Transport never retries it.
type CommandFailed struct{ Status Status }

func (e *CommandFailed) Error() string {
	return fmt.Sprintf("jacquard: command failed: %s", e.Status)
}

// TransferError wraps an image-writer failure surfaced by the
// firmware-update state machine.
type TransferError struct{ Cause error }

func (e *TransferError) Error() string { return fmt.Sprintf("jacquard: transfer error: %v", e.Cause) }
func (e *TransferError) Unwrap() error { return e.Cause }

// ExecutionError wraps a dfu_execute failure.
type ExecutionError struct{ Cause error }

func (e *ExecutionError) Error() string { return fmt.Sprintf("jacquard: execution error: %v", e.Cause) }
func (e *ExecutionError) Unwrap() error { return e.Cause }

// InvalidStateError reports a precondition violation (e.g. stop_updates
// called from a state that does not accept it).
type InvalidStateError struct{ Msg string }

func (e *InvalidStateError) Error() string { return fmt.Sprintf("jacquard: invalid state: %s", e.Msg) }
