// Package component implements the Component data model: the
// tag itself and any gear units attached to it.
package component

import (
	"github.com/blang/semver"

	"github.com/jacquard-go/jacquard/internal/idhex"
)

// Capability names a feature a component advertises.
type Capability string

const (
	CapabilityLED          Capability = "led"
	CapabilityGesture      Capability = "gesture"
	CapabilityTouchStream  Capability = "touch_stream"
	CapabilityHaptic       Capability = "haptic"
)

// Component is either the singleton tag or an attached gear unit. The tag's
// ComponentID is always 0 and it is immutable for the lifetime of a
// connection; a gear Component is created on attach-notification, destroyed
// on detach, and its ComponentID is not stable across re-attachment.
type Component struct {
	ComponentID  uint32
	IsTag        bool
	VendorID     uint32
	ProductID    uint32
	ModuleID     *uint32 // nil unless the attach notification carried one
	Capabilities map[Capability]bool
	Version      semver.Version
	UUID         string
}

// HasCapability reports whether c advertises cap.
func (c *Component) HasCapability(cap Capability) bool {
	return c.Capabilities[cap]
}

// VendorIDHex renders VendorID the way device logs and the CLI display it.
func (c *Component) VendorIDHex() string { return idhex.Encode(c.VendorID) }

// ProductIDHex renders ProductID the same way.
func (c *Component) ProductIDHex() string { return idhex.Encode(c.ProductID) }

// NewTag constructs the immutable singleton tag Component produced by the
// protocol-initialization state machine: capability set
// {led}, component id 0.
func NewTag(vendorID, productID uint32, version semver.Version, uuid string) *Component {
	return &Component{
		ComponentID: 0,
		IsTag:       true,
		VendorID:    vendorID,
		ProductID:   productID,
		Capabilities: map[Capability]bool{
			CapabilityLED: true,
		},
		Version: version,
		UUID:    uuid,
	}
}

// NewGear constructs a gear Component from an attach notification's fields.
func NewGear(componentID, vendorID, productID uint32, moduleID *uint32, caps []Capability, version semver.Version, uuid string) *Component {
	capSet := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		capSet[c] = true
	}
	return &Component{
		ComponentID:  componentID,
		IsTag:        false,
		VendorID:     vendorID,
		ProductID:    productID,
		ModuleID:     moduleID,
		Capabilities: capSet,
		Version:      version,
		UUID:         uuid,
	}
}
