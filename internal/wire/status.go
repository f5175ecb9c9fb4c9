package wire

// Status is the over-the-wire response status code. Values
// are stable and must not be renumbered.
type Status uint8

const (
	StatusOK            Status = 0
	StatusUnsupported   Status = 1
	StatusBadParam      Status = 2
	StatusBattery       Status = 3
	StatusHardware      Status = 4
	StatusAuth          Status = 5
	StatusDeviceType    Status = 6
	StatusInvalidState  Status = 7
	StatusFlashAccess   Status = 8
	StatusChecksum      Status = 9
	StatusBusy          Status = 10
	StatusLowMemory     Status = 15
	StatusAppTimeout    Status = 253
	StatusAppUnknown    Status = 254
	StatusUnknown       Status = 255
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnsupported:
		return "unsupported"
	case StatusBadParam:
		return "bad_param"
	case StatusBattery:
		return "battery"
	case StatusHardware:
		return "hardware"
	case StatusAuth:
		return "auth"
	case StatusDeviceType:
		return "device_type"
	case StatusInvalidState:
		return "invalid_state"
	case StatusFlashAccess:
		return "flash_access"
	case StatusChecksum:
		return "checksum"
	case StatusBusy:
		return "busy"
	case StatusLowMemory:
		return "low_memory"
	case StatusAppTimeout:
		return "app_timeout"
	case StatusAppUnknown:
		return "app_unknown"
	default:
		return "unknown"
	}
}
