package component

import (
	"testing"

	"github.com/jacquard-go/jacquard/internal/wire"
)

func TestAttachedSetTracksAttachAndDetach(t *testing.T) {
	s := NewAttachedSet()
	moduleID := uint32(7)
	s.OnAttach(&wire.AttachNotificationPayload{
		ComponentID:  3,
		VendorID:     0x11,
		ProductID:    0x22,
		ModuleID:     &moduleID,
		Capabilities: []string{"led"},
		Major:        1, Minor: 0, Micro: 0,
	})

	c, ok := s.Get(3)
	if !ok {
		t.Fatal("expected component 3 to be attached")
	}
	if c.VendorID != 0x11 || c.ProductID != 0x22 {
		t.Errorf("got vendor/product %x/%x, want 11/22", c.VendorID, c.ProductID)
	}
	if len(s.All()) != 1 {
		t.Errorf("All() = %d components, want 1", len(s.All()))
	}

	s.OnDetach(3)
	if _, ok := s.Get(3); ok {
		t.Error("expected component 3 to be gone after detach")
	}
	if len(s.All()) != 0 {
		t.Errorf("All() = %d components, want 0 after detach", len(s.All()))
	}
}

func TestAttachedSetSynthesizesUUIDWhenMissing(t *testing.T) {
	s := NewAttachedSet()
	c := s.OnAttach(&wire.AttachNotificationPayload{ComponentID: 1})
	if c.UUID == "" {
		t.Error("expected a synthesized UUID when the notification carried none")
	}
}

func TestAttachedSetPreservesNotificationUUID(t *testing.T) {
	s := NewAttachedSet()
	c := s.OnAttach(&wire.AttachNotificationPayload{ComponentID: 1, UUID: "fixed-id"})
	if c.UUID != "fixed-id" {
		t.Errorf("UUID = %q, want %q", c.UUID, "fixed-id")
	}
}

func TestComponentIDForModule(t *testing.T) {
	s := NewAttachedSet()
	moduleID := uint32(42)
	s.OnAttach(&wire.AttachNotificationPayload{ComponentID: 9, ModuleID: &moduleID})

	cid, ok := s.ComponentIDForModule(42)
	if !ok || cid != 9 {
		t.Errorf("ComponentIDForModule(42) = (%d, %v), want (9, true)", cid, ok)
	}

	if _, ok := s.ComponentIDForModule(99); ok {
		t.Error("ComponentIDForModule(99) should report not found")
	}
}
