//go:build linux

package ble

// NewDefaultStack constructs the platform default Stack: BlueZ over DBus.
func NewDefaultStack() (Stack, error) {
	return NewGoBluetoothStack()
}
