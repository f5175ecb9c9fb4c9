// Package firmware implements the firmware-update subsystem: the
// image-writer transfer state machine, the update
// orchestrator that sequences one or more images, the injected cloud
// client, and the local cache.
package firmware

import "time"

// UpdateStatus classifies how strongly an update should be applied.
type UpdateStatus int

const (
	StatusNone UpdateStatus = iota
	StatusOptional
	StatusMandatory
)

func (s UpdateStatus) String() string {
	switch s {
	case StatusOptional:
		return "optional"
	case StatusMandatory:
		return "mandatory"
	default:
		return "none"
	}
}

// DFUUpdateInfo describes one available firmware image. Two
// records are equal iff (VendorID, ProductID, ModuleID, Version) match and
// Binary is present.
type DFUUpdateInfo struct {
	Date        time.Time
	Version     string // semver string, e.g. "1.96.0"
	Status      UpdateStatus
	VendorID    uint32
	ProductID   uint32
	ModuleID    *uint32
	DownloadURL string
	Binary      []byte // nil until downloaded
	CRC         uint16 // computed once Binary is populated
}

// Equal reports whether two update descriptors target the same
// vendor/product/version.
func (d DFUUpdateInfo) Equal(other DFUUpdateInfo) bool {
	if d.VendorID != other.VendorID || d.ProductID != other.ProductID || d.Version != other.Version {
		return false
	}
	if (d.ModuleID == nil) != (other.ModuleID == nil) {
		return false
	}
	if d.ModuleID != nil && *d.ModuleID != *other.ModuleID {
		return false
	}
	return len(d.Binary) > 0 && len(other.Binary) > 0
}

// IsTagTargeted reports whether this update targets the tag itself rather
// than an attached gear module.
func (d DFUUpdateInfo) IsTagTargeted() bool { return d.ModuleID == nil }
