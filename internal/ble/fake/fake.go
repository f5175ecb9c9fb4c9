// Package fake provides a scriptable ble.Stack used to drive the pairing,
// protocol-init, transport, and connection state machines in tests without
// real BLE hardware.
package fake

import (
	"context"
	"sync"

	"github.com/jacquard-go/jacquard/internal/ble"
)

// Stack is an in-memory ble.Stack double. Tests drive it by calling the
// exported Emit* helpers and by pre-programming Write/DiscoverServices/
// DiscoverCharacteristics behavior via the function fields.
type Stack struct {
	mu     sync.Mutex
	events chan any

	WriteFunc                   func(p ble.PeripheralHandle, charUUID string, data []byte, kind ble.WriteKind) error
	DiscoverServicesFunc        func(p ble.PeripheralHandle, serviceUUIDs []string) error
	DiscoverCharacteristicsFunc func(p ble.PeripheralHandle, svc string, charUUIDs []string) error
	SetNotifyFunc               func(p ble.PeripheralHandle, charUUID string, enabled bool) error
	ConnectFunc                 func(id string) error

	notifyChannels map[string]chan []byte
	writes         []RecordedWrite
}

// RecordedWrite captures one Write call for assertions.
type RecordedWrite struct {
	CharUUID string
	Data     []byte
	Kind     ble.WriteKind
}

// New creates an empty Stack with a buffered event channel.
func New() *Stack {
	return &Stack{
		events:         make(chan any, 256),
		notifyChannels: make(map[string]chan []byte),
	}
}

func (s *Stack) Events() <-chan any { return s.events }

// Emit publishes ev on the stack's event channel as if the BLE platform
// layer produced it.
func (s *Stack) Emit(ev any) { s.events <- ev }

func (s *Stack) Connect(ctx context.Context, id string) error {
	if s.ConnectFunc != nil {
		return s.ConnectFunc(id)
	}
	return nil
}

func (s *Stack) DiscoverServices(ctx context.Context, p ble.PeripheralHandle, serviceUUIDs []string) error {
	if s.DiscoverServicesFunc != nil {
		return s.DiscoverServicesFunc(p, serviceUUIDs)
	}
	return nil
}

func (s *Stack) DiscoverCharacteristics(ctx context.Context, p ble.PeripheralHandle, svc string, charUUIDs []string) error {
	if s.DiscoverCharacteristicsFunc != nil {
		return s.DiscoverCharacteristicsFunc(p, svc, charUUIDs)
	}
	return nil
}

func (s *Stack) SetNotify(ctx context.Context, p ble.PeripheralHandle, charUUID string, enabled bool) error {
	if s.SetNotifyFunc != nil {
		return s.SetNotifyFunc(p, charUUID, enabled)
	}
	return nil
}

func (s *Stack) Write(ctx context.Context, p ble.PeripheralHandle, charUUID string, data []byte, kind ble.WriteKind) error {
	s.mu.Lock()
	s.writes = append(s.writes, RecordedWrite{CharUUID: charUUID, Data: append([]byte{}, data...), Kind: kind})
	s.mu.Unlock()
	if s.WriteFunc != nil {
		return s.WriteFunc(p, charUUID, data, kind)
	}
	return nil
}

// Writes returns every recorded Write call so far.
func (s *Stack) Writes() []RecordedWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedWrite, len(s.writes))
	copy(out, s.writes)
	return out
}

// NotifyChannel returns (creating if necessary) the inbound channel for
// p/charUUID, used both by Notifications() and by tests pushing simulated
// wire bytes via PushNotification.
func (s *Stack) NotifyChannel(p ble.PeripheralHandle, charUUID string) chan []byte {
	key := p.ID + "/" + charUUID
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.notifyChannels[key]
	if !ok {
		ch = make(chan []byte, 32)
		s.notifyChannels[key] = ch
	}
	return ch
}

func (s *Stack) Notifications(p ble.PeripheralHandle, charUUID string) (<-chan []byte, error) {
	return s.NotifyChannel(p, charUUID), nil
}

// PushNotification delivers raw bytes as if received on charUUID.
func (s *Stack) PushNotification(p ble.PeripheralHandle, charUUID string, data []byte) {
	s.NotifyChannel(p, charUUID) <- data
}

func (s *Stack) Disconnect(ctx context.Context, p ble.PeripheralHandle, userInitiated bool) error {
	s.Emit(ble.DisconnectEvent{Peripheral: p, UserInitiated: userInitiated})
	return nil
}
