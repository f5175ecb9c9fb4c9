package ble

import "errors"

// ErrDeviceNotRegistered is returned by a Stack when asked to operate on a
// peripheral id it has no live connection for.
var ErrDeviceNotRegistered = errors.New("ble: device not registered with this stack")
