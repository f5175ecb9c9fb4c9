package component

import (
	"sync"

	"github.com/blang/semver"
	"github.com/google/uuid"

	"github.com/jacquard-go/jacquard/internal/wire"
)

// AttachedSet tracks gear components currently attached to the tag, kept
// current from attach/detach notifications. The tag itself is never a
// member; it is owned directly by whoever finished protocol-init.
type AttachedSet struct {
	mu         sync.Mutex
	components map[uint32]*Component
}

// NewAttachedSet returns an empty set.
func NewAttachedSet() *AttachedSet {
	return &AttachedSet{components: make(map[uint32]*Component)}
}

// OnAttach builds a gear Component from an attach notification, registers
// it, and returns it. A notification with no UUID (seen on some firmware
// versions) gets a synthesized one so callers always have a stable key.
func (s *AttachedSet) OnAttach(p *wire.AttachNotificationPayload) *Component {
	caps := make([]Capability, len(p.Capabilities))
	for i, c := range p.Capabilities {
		caps[i] = Capability(c)
	}
	id := p.UUID
	if id == "" {
		id = uuid.NewString()
	}
	version := semver.Version{Major: uint64(p.Major), Minor: uint64(p.Minor), Patch: uint64(p.Micro)}
	c := NewGear(p.ComponentID, p.VendorID, p.ProductID, p.ModuleID, caps, version, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[p.ComponentID] = c
	return c
}

// OnDetach removes componentID from the set.
func (s *AttachedSet) OnDetach(componentID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.components, componentID)
}

// Get looks up a currently attached component by id.
func (s *AttachedSet) Get(componentID uint32) (*Component, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[componentID]
	return c, ok
}

// ComponentIDForModule resolves the live component id currently assigned
// to moduleID, or false if that module isn't attached right now. Gear
// component ids are unstable: the id is only valid for this attach
// session.
func (s *AttachedSet) ComponentIDForModule(moduleID uint32) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.components {
		if c.ModuleID != nil && *c.ModuleID == moduleID {
			return id, true
		}
	}
	return 0, false
}

// All returns a snapshot of every currently attached component.
func (s *AttachedSet) All() []*Component {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Component, 0, len(s.components))
	for _, c := range s.components {
		out = append(out, c)
	}
	return out
}
