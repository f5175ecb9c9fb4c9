package wire

// Per-opcode typed extension payloads. These
// are the fields the opaque codec is expected to expose accessors for; the
// default JSON serializer in codec.go treats them as plain structs.

// HelloPayload is carried on the hello response.
type HelloPayload struct {
	ProtocolMin uint8
	ProtocolMax uint8
}

// BeginPayload is carried on the begin response. It has no fields beyond
// its presence; the machine only checks that this payload, rather than
// some other, arrived.
type BeginPayload struct{}

// DeviceInfoPayload is carried on the device-info response.
type DeviceInfoPayload struct {
	FirmwareMajor uint8
	FirmwareMinor uint8
	FirmwarePoint uint8
	VendorID      uint32
	ProductID     uint32
	TagUUID       string
}

// UJTConfigWritePayload sets the notification queue depth during the
// post-init configuration step.
type UJTConfigWritePayload struct {
	NotificationQueueDepth uint8
}

// DFUStatusRequest carries the component identity the status probe is
// asking about.
type DFUStatusRequest struct {
	VendorID  uint32
	ProductID uint32
}

// DFUStatusResponse reports resume state for an in-progress image transfer.
type DFUStatusResponse struct {
	FinalSize    uint32
	FinalCRC     uint16
	CurrentSize  uint32
	CurrentCRC   uint16
}

// DFUPrepareRequest announces an incoming image transfer.
type DFUPrepareRequest struct {
	ComponentID uint32
	VendorID    uint32
	ProductID   uint32
	ImageLen    uint32
	ImageCRC    uint16
}

// DFUWriteRequest carries one chunk of image data at a byte offset.
type DFUWriteRequest struct {
	Data   []byte
	Offset uint32
}

// DFUWriteResponse reports how much of the chunk the device accepted and
// the cumulative CRC it computed.
type DFUWriteResponse struct {
	OffsetAccepted uint32
	CRC            uint16
}

// DFUExecuteRequest triggers activation of a fully transferred image.
type DFUExecuteRequest struct {
	VendorID  uint32
	ProductID uint32
}

// DFUExecuteNotificationPayload confirms a component activated a new
// image. ComponentID identifies which component activated, used by the
// capability-based tag-vs-gear check.
type DFUExecuteNotificationPayload struct {
	ComponentID uint32
	VendorID    uint32
	ProductID   uint32
}

// ListModulesResponse enumerates currently loaded gear modules.
type ListModulesResponse struct {
	ModuleIDs []uint32
}

// UnloadModuleRequest requests a loaded module be unloaded prior to a
// firmware transfer that targets it.
type UnloadModuleRequest struct {
	ModuleID uint32
}

// BatteryStatusResponse reports the tag's current battery state.
type BatteryStatusResponse struct {
	LevelPercent uint8
	Charging     bool
}

// AttachNotificationPayload announces a gear component attached to the tag.
type AttachNotificationPayload struct {
	ComponentID  uint32
	VendorID     uint32
	ProductID    uint32
	ModuleID     *uint32
	Capabilities []string
	Major        uint8
	Minor        uint8
	Micro        uint8
	UUID         string
}

// DetachNotificationPayload announces a gear component detached.
type DetachNotificationPayload struct {
	ComponentID uint32
}
