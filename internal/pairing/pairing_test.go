package pairing

import (
	"context"
	"testing"

	"github.com/jacquard-go/jacquard/internal/ble"
	fakeble "github.com/jacquard-go/jacquard/internal/ble/fake"
	"github.com/jacquard-go/jacquard/internal/wire"
)

func allChars() map[string]ble.CharacteristicHandle {
	return map[string]ble.CharacteristicHandle{
		ble.CommandCharacteristic:  {UUID: ble.CommandCharacteristic, SupportsWrite: true},
		ble.ResponseCharacteristic: {UUID: ble.ResponseCharacteristic},
		ble.EventCharacteristic:    {UUID: ble.EventCharacteristic},
		ble.RawDataCharacteristic:  {UUID: ble.RawDataCharacteristic},
	}
}

// TestHappyPath drives the machine through every pairing transition and
// confirms it lands on tag_paired with all four characteristic handles
// populated.
func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	stack := fakeble.New()
	target := ble.PeripheralHandle{ID: "tag-1", Name: "Jacquard Tag"}
	m := New(stack, target)

	states, cancel := m.States()
	defer cancel()

	if s := <-states; s.Kind != Disconnected {
		t.Fatalf("initial state = %v, want disconnected", s.Kind)
	}

	m.Deliver(ctx, ble.ConnectEvent{Peripheral: target})
	if s := <-states; s.Kind != BluetoothConnected {
		t.Fatalf("state after connect = %v, want bluetooth_connected", s.Kind)
	}

	m.Deliver(ctx, ble.ServicesDiscoveredEvent{Peripheral: target, ServiceUUIDs: []string{ble.ServiceUUID}})
	if s := <-states; s.Kind != ServicesDiscovered {
		t.Fatalf("state after services discovered = %v, want services_discovered", s.Kind)
	}

	m.Deliver(ctx, ble.CharacteristicsDiscoveredEvent{
		Peripheral:      target,
		ServiceUUID:     ble.ServiceUUID,
		Characteristics: allChars(),
	})
	if s := <-states; s.Kind != AwaitingNotificationUpdates {
		t.Fatalf("state after char discovery = %v, want awaiting_notification_updates", s.Kind)
	}

	m.Deliver(ctx, ble.NotificationStateEvent{Peripheral: target, CharUUID: ble.ResponseCharacteristic})
	m.Deliver(ctx, ble.NotificationStateEvent{Peripheral: target, CharUUID: ble.EventCharacteristic})
	if s, ok := m.states.Latest(); ok && s.Kind == TagPaired {
		t.Fatal("should not be paired before the raw_data characteristic acks notify")
	}
	m.Deliver(ctx, ble.NotificationStateEvent{Peripheral: target, CharUUID: ble.RawDataCharacteristic})

	s := <-states
	if s.Kind != TagPaired {
		t.Fatalf("final state = %v, want tag_paired", s.Kind)
	}
	if s.Chars.Command.UUID != ble.CommandCharacteristic {
		t.Errorf("command char UUID = %q", s.Chars.Command.UUID)
	}
	if s.Chars.Response.UUID != ble.ResponseCharacteristic {
		t.Errorf("response char UUID = %q", s.Chars.Response.UUID)
	}
	if s.Chars.Event.UUID != ble.EventCharacteristic {
		t.Errorf("event char UUID = %q", s.Chars.Event.UUID)
	}
	if s.Chars.RawData.UUID != ble.RawDataCharacteristic {
		t.Errorf("raw data char UUID = %q", s.Chars.RawData.UUID)
	}
}

// TestPeerRemovedPairingInfoIsUnrecoverable confirms a platform "peer
// removed pairing info" failure surfaces as the dedicated sentinel, not a
// generic BluetoothConnectionError.
func TestPeerRemovedPairingInfoIsUnrecoverable(t *testing.T) {
	stack := fakeble.New()
	target := ble.PeripheralHandle{ID: "tag-1"}
	m := New(stack, target)

	states, cancel := m.States()
	defer cancel()
	<-states // disconnected

	m.Deliver(context.Background(), ble.ConnectFailedEvent{Peripheral: target, Err: peerRemovedErr{}})

	s := <-states
	if s.Kind != Error {
		t.Fatalf("state = %v, want error", s.Kind)
	}
	if s.Err != wire.ErrPeerRemovedPairingInfo {
		t.Fatalf("err = %v, want ErrPeerRemovedPairingInfo", s.Err)
	}
}

// TestMissingServiceIsAnError confirms discovery completing without the
// Jacquard service present is an error, not a silent retry.
func TestMissingServiceIsAnError(t *testing.T) {
	stack := fakeble.New()
	target := ble.PeripheralHandle{ID: "tag-1"}
	m := New(stack, target)

	states, cancel := m.States()
	defer cancel()
	<-states

	ctx := context.Background()
	m.Deliver(ctx, ble.ConnectEvent{Peripheral: target})
	<-states

	m.Deliver(ctx, ble.ServicesDiscoveredEvent{Peripheral: target, ServiceUUIDs: []string{"unrelated-uuid"}})
	s := <-states
	if s.Kind != Error || s.Err != wire.ErrServiceDiscovery {
		t.Fatalf("state = %+v, want error(ErrServiceDiscovery)", s)
	}
}

// TestUnexpectedEventYieldsNoTransitionError confirms an event that
// doesn't match the current state's expected next event logs
// "no transition" and moves to error(InternalError) rather than being
// silently dropped or panicking.
func TestUnexpectedEventYieldsNoTransitionError(t *testing.T) {
	stack := fakeble.New()
	target := ble.PeripheralHandle{ID: "tag-1"}
	m := New(stack, target)

	states, cancel := m.States()
	defer cancel()
	<-states // disconnected

	m.Deliver(context.Background(), ble.ServicesDiscoveredEvent{Peripheral: target, ServiceUUIDs: []string{ble.ServiceUUID}})

	s := <-states
	if s.Kind != Error || s.Err != wire.ErrInternal {
		t.Fatalf("state = %+v, want error(ErrInternal)", s)
	}
}

type peerRemovedErr struct{}

func (peerRemovedErr) Error() string              { return "peer removed pairing info" }
func (peerRemovedErr) PeerRemovedPairingInfo() bool { return true }
