//go:build !linux

package ble

import "errors"

// NewDefaultStack has no backend outside Linux; jacquardctl is a BlueZ
// front end today. Inject a fake or a future backend's Stack directly in
// that case.
func NewDefaultStack() (Stack, error) {
	return nil, errors.New("ble: no default Stack backend on this platform")
}
