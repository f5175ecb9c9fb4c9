package connection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jacquard-go/jacquard/internal/ble"
	fakeble "github.com/jacquard-go/jacquard/internal/ble/fake"
	"github.com/jacquard-go/jacquard/internal/fragment"
	"github.com/jacquard-go/jacquard/internal/wire"
)

func decodeRequestID(t *testing.T, raw []byte) uint32 {
	t.Helper()
	r := fragment.NewReassembler()
	packet := r.AddFragment(raw)
	if packet == nil {
		t.Fatal("expected single-fragment packet to reassemble immediately")
	}
	var env struct {
		ID uint32 `json:"id"`
	}
	if err := json.Unmarshal(packet, &env); err != nil {
		t.Fatalf("unmarshal request envelope: %v", err)
	}
	return env.ID
}

func respondOK(t *testing.T, stack *fakeble.Stack, p ble.PeripheralHandle, writeIndex int) {
	t.Helper()
	writes := stack.Writes()
	if len(writes) <= writeIndex {
		t.Fatalf("expected at least %d writes, have %d", writeIndex+1, len(writes))
	}
	id := decodeRequestID(t, writes[writeIndex].Data)
	payload, err := json.Marshal(struct {
		ID     uint32      `json:"id"`
		Status wire.Status `json:"status"`
	}{ID: id, Status: wire.StatusOK})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	stack.PushNotification(p, ble.ResponseCharacteristic, fragment.Encode(payload, 185)[0])
}

func waitForWrites(t *testing.T, stack *fakeble.Stack, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(stack.Writes()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d writes, have %d", n, len(stack.Writes()))
}

func waitForState(t *testing.T, states <-chan State, want Kind) State {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s.Kind == want {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func fullChars() map[string]ble.CharacteristicHandle {
	return map[string]ble.CharacteristicHandle{
		ble.CommandCharacteristic:  {UUID: ble.CommandCharacteristic, SupportsWrite: true},
		ble.ResponseCharacteristic: {UUID: ble.ResponseCharacteristic},
		ble.EventCharacteristic:    {UUID: ble.EventCharacteristic},
		ble.RawDataCharacteristic:  {UUID: ble.RawDataCharacteristic},
	}
}

// TestHappyPathReachesConnected exercises the full connection state
// machine: pairing, protocol-init, and the post-init configuration write
// should all complete and land on connected(tag).
func TestHappyPathReachesConnected(t *testing.T) {
	stack := fakeble.New()
	p := ble.PeripheralHandle{ID: "tag-1", Name: "Jacquard Tag"}

	registry := NewRegistry(stack)
	defer registry.Close()

	m := New(stack, p, wire.JSONSerializer{}, 2*time.Second)
	defer m.Close()
	registry.Register(p.ID, m)

	states, cancel := m.States()
	defer cancel()
	waitForState(t, states, PreparingToConnect)

	ctx := context.Background()
	m.Connect(ctx)

	stack.Emit(ble.ConnectEvent{Peripheral: p})
	stack.Emit(ble.ServicesDiscoveredEvent{Peripheral: p, ServiceUUIDs: []string{ble.ServiceUUID}})
	stack.Emit(ble.CharacteristicsDiscoveredEvent{Peripheral: p, ServiceUUID: ble.ServiceUUID, Characteristics: fullChars()})
	stack.Emit(ble.NotificationStateEvent{Peripheral: p, CharUUID: ble.ResponseCharacteristic})
	stack.Emit(ble.NotificationStateEvent{Peripheral: p, CharUUID: ble.EventCharacteristic})
	stack.Emit(ble.NotificationStateEvent{Peripheral: p, CharUUID: ble.RawDataCharacteristic})

	// hello
	waitForWrites(t, stack, 1)
	respondHello(t, stack, p, 0)
	// begin
	waitForWrites(t, stack, 2)
	respondBegin(t, stack, p, 1)
	// device_info
	waitForWrites(t, stack, 3)
	respondDeviceInfo(t, stack, p, 2)
	// ujt_config_write
	waitForWrites(t, stack, 4)
	respondOK(t, stack, p, 3)

	s := waitForState(t, states, Connected)
	if s.Tag == nil || !s.Tag.IsTag {
		t.Fatalf("connected state missing tag component: %+v", s)
	}
}

func respondHello(t *testing.T, stack *fakeble.Stack, p ble.PeripheralHandle, writeIndex int) {
	t.Helper()
	writes := stack.Writes()
	id := decodeRequestID(t, writes[writeIndex].Data)
	payload, err := json.Marshal(struct {
		ID      uint32 `json:"id"`
		Status  wire.Status `json:"status"`
		Domain  wire.Domain `json:"domain"`
		Opcode  wire.Opcode `json:"opcode"`
		Payload json.RawMessage `json:"payload"`
	}{
		ID: id, Status: wire.StatusOK, Domain: wire.DomainBase, Opcode: wire.OpcodeHello,
		Payload: mustJSON(t, wire.HelloPayload{ProtocolMin: 2, ProtocolMax: 2}),
	})
	if err != nil {
		t.Fatalf("marshal hello response: %v", err)
	}
	stack.PushNotification(p, ble.ResponseCharacteristic, fragment.Encode(payload, 185)[0])
}

func respondBegin(t *testing.T, stack *fakeble.Stack, p ble.PeripheralHandle, writeIndex int) {
	t.Helper()
	writes := stack.Writes()
	id := decodeRequestID(t, writes[writeIndex].Data)
	payload, err := json.Marshal(struct {
		ID      uint32          `json:"id"`
		Status  wire.Status     `json:"status"`
		Domain  wire.Domain     `json:"domain"`
		Opcode  wire.Opcode     `json:"opcode"`
		Payload json.RawMessage `json:"payload"`
	}{
		ID: id, Status: wire.StatusOK, Domain: wire.DomainBase, Opcode: wire.OpcodeBegin,
		Payload: mustJSON(t, wire.BeginPayload{}),
	})
	if err != nil {
		t.Fatalf("marshal begin response: %v", err)
	}
	stack.PushNotification(p, ble.ResponseCharacteristic, fragment.Encode(payload, 185)[0])
}

func respondDeviceInfo(t *testing.T, stack *fakeble.Stack, p ble.PeripheralHandle, writeIndex int) {
	t.Helper()
	writes := stack.Writes()
	id := decodeRequestID(t, writes[writeIndex].Data)
	payload, err := json.Marshal(struct {
		ID      uint32          `json:"id"`
		Status  wire.Status     `json:"status"`
		Domain  wire.Domain     `json:"domain"`
		Opcode  wire.Opcode     `json:"opcode"`
		Payload json.RawMessage `json:"payload"`
	}{
		ID: id, Status: wire.StatusOK, Domain: wire.DomainDeviceInfo, Opcode: wire.OpcodeDeviceInfo,
		Payload: mustJSON(t, wire.DeviceInfoPayload{
			FirmwareMajor: 1, FirmwareMinor: 96, FirmwarePoint: 0,
			VendorID: 0x11783008, ProductID: 0x283BE7A0, TagUUID: "tag-uuid",
		}),
	})
	if err != nil {
		t.Fatalf("marshal device_info response: %v", err)
	}
	stack.PushNotification(p, ble.ResponseCharacteristic, fragment.Encode(payload, 185)[0])
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
