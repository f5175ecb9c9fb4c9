// Package pairing implements the state machine that drives GATT discovery
// and notification subscription on a freshly connected peripheral.
package pairing

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jacquard-go/jacquard/internal/ble"
	"github.com/jacquard-go/jacquard/internal/streams"
	"github.com/jacquard-go/jacquard/internal/wire"
)

// State is the tagged union of pairing progress.
type State struct {
	Kind  Kind
	Chars ble.RequiredCharacteristics // set only when Kind == TagPaired
	Err   error                       // set only when Kind == Error
}

type Kind int

const (
	Disconnected Kind = iota
	BluetoothConnected
	ServicesDiscovered
	AwaitingNotificationUpdates
	TagPaired
	Error
)

func (k Kind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case BluetoothConnected:
		return "bluetooth_connected"
	case ServicesDiscovered:
		return "services_discovered"
	case AwaitingNotificationUpdates:
		return "awaiting_notification_updates"
	case TagPaired:
		return "tag_paired"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

var requiredCharUUIDs = []string{
	ble.CommandCharacteristic,
	ble.ResponseCharacteristic,
	ble.EventCharacteristic,
	ble.RawDataCharacteristic,
}

var notifyingCharUUIDs = []string{
	ble.ResponseCharacteristic,
	ble.EventCharacteristic,
	ble.RawDataCharacteristic,
}

// Machine drives one peripheral from disconnected through tag_paired (or
// error). It runs on a single owning goroutine; events are trampolined in
// via Deliver.
type Machine struct {
	logger *logrus.Entry
	stack  ble.Stack
	target ble.PeripheralHandle

	state  State
	states *streams.Subject[State]

	discoveredChars map[string]ble.CharacteristicHandle
	notifiedChars   map[string]bool
}

// New creates a Machine targeting peripheral target. It has no goroutine
// of its own and reacts only to events handed to it through Deliver.
func New(stack ble.Stack, target ble.PeripheralHandle) *Machine {
	m := &Machine{
		logger:          logrus.WithField("component", "pairing").WithField("peripheral", target.ID),
		stack:           stack,
		target:          target,
		states:          streams.NewSubject[State](),
		discoveredChars: make(map[string]ble.CharacteristicHandle),
		notifiedChars:   make(map[string]bool),
	}
	m.transitionTo(State{Kind: Disconnected})
	return m
}

// States is the replay-latest state stream.
func (m *Machine) States() (<-chan State, func()) { return m.states.Subscribe() }

func (m *Machine) transitionTo(s State) {
	m.state = s
	m.logger.WithField("state", s.Kind.String()).Debug("pairing: transition")
	m.states.Publish(s)
}

// Deliver feeds one BLE-stack event into the machine. It must be called
// from the machine's single owning goroutine.
func (m *Machine) Deliver(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case ble.ConnectEvent:
		m.onDidConnect(ctx, e)
	case ble.ConnectFailedEvent:
		m.onFailedToConnect(e)
	case ble.ServicesDiscoveredEvent:
		m.onDidDiscoverServices(ctx, e)
	case ble.CharacteristicsDiscoveredEvent:
		m.onDidDiscoverCharacteristics(ctx, e)
	case ble.NotificationStateEvent:
		m.onDidUpdateNotificationState(e)
	default:
		// Not an event this machine cares about (e.g. a later disconnect);
		// ignored rather than treated as "no transition" since it is
		// outside the set this machine ever subscribes to.
	}
}

func (m *Machine) onDidConnect(ctx context.Context, e ble.ConnectEvent) {
	if m.state.Kind != Disconnected {
		m.noTransition("did_connect")
		return
	}
	if e.Peripheral.ID != m.target.ID {
		panic(fmt.Sprintf("pairing: did_connect for %s, machine owns %s", e.Peripheral.ID, m.target.ID))
	}
	if err := m.stack.DiscoverServices(ctx, m.target, []string{ble.ServiceUUID}); err != nil {
		m.transitionTo(State{Kind: Error, Err: &wire.BluetoothConnectionError{Cause: err}})
		return
	}
	m.transitionTo(State{Kind: BluetoothConnected})
}

func (m *Machine) onFailedToConnect(e ble.ConnectFailedEvent) {
	if m.state.Kind != Disconnected {
		m.noTransition("failed_to_connect")
		return
	}
	if ble.IsPeerRemovedPairingInfo(e.Err) {
		m.transitionTo(State{Kind: Error, Err: wire.ErrPeerRemovedPairingInfo})
		return
	}
	m.transitionTo(State{Kind: Error, Err: &wire.BluetoothConnectionError{Cause: e.Err}})
}

func (m *Machine) onDidDiscoverServices(ctx context.Context, e ble.ServicesDiscoveredEvent) {
	if m.state.Kind != BluetoothConnected {
		m.noTransition("did_discover_services")
		return
	}
	if !contains(e.ServiceUUIDs, ble.ServiceUUID) {
		m.transitionTo(State{Kind: Error, Err: wire.ErrServiceDiscovery})
		return
	}
	if err := m.stack.DiscoverCharacteristics(ctx, m.target, ble.ServiceUUID, requiredCharUUIDs); err != nil {
		m.transitionTo(State{Kind: Error, Err: &wire.BluetoothConnectionError{Cause: err}})
		return
	}
	m.transitionTo(State{Kind: ServicesDiscovered})
}

func (m *Machine) onDidDiscoverCharacteristics(ctx context.Context, e ble.CharacteristicsDiscoveredEvent) {
	if m.state.Kind != ServicesDiscovered {
		m.noTransition("did_discover_characteristics")
		return
	}
	for _, want := range requiredCharUUIDs {
		found, ok := e.Characteristics[want]
		if !ok {
			m.transitionTo(State{Kind: Error, Err: wire.ErrCharacteristicDiscovery})
			return
		}
		m.discoveredChars[want] = found
	}
	cmd := m.discoveredChars[ble.CommandCharacteristic]
	if !cmd.SupportsWrite && !cmd.SupportsWriteNoResp {
		m.transitionTo(State{Kind: Error, Err: wire.ErrCharacteristicDiscovery})
		return
	}

	for _, uuid := range notifyingCharUUIDs {
		if err := m.stack.SetNotify(ctx, m.target, uuid, true); err != nil {
			m.transitionTo(State{Kind: Error, Err: &wire.NotificationUpdateError{Cause: err}})
			return
		}
	}
	m.transitionTo(State{Kind: AwaitingNotificationUpdates})
}

func (m *Machine) onDidUpdateNotificationState(e ble.NotificationStateEvent) {
	if m.state.Kind != AwaitingNotificationUpdates {
		m.noTransition("did_update_notification_state")
		return
	}
	if e.Err != nil {
		m.transitionTo(State{Kind: Error, Err: &wire.NotificationUpdateError{Cause: e.Err}})
		return
	}
	m.notifiedChars[e.CharUUID] = true
	for _, want := range notifyingCharUUIDs {
		if !m.notifiedChars[want] {
			return // remain in awaiting_notification_updates
		}
	}
	m.transitionTo(State{
		Kind: TagPaired,
		Chars: ble.RequiredCharacteristics{
			Command:  m.discoveredChars[ble.CommandCharacteristic],
			Response: m.discoveredChars[ble.ResponseCharacteristic],
			Event:    m.discoveredChars[ble.EventCharacteristic],
			RawData:  m.discoveredChars[ble.RawDataCharacteristic],
		},
	})
}

// noTransition handles any event pair that doesn't match the current
// state's expected next event: logs "no transition" and moves to
// error(InternalError).
func (m *Machine) noTransition(event string) {
	m.logger.WithField("state", m.state.Kind.String()).WithField("event", event).Warn("pairing: no transition")
	m.transitionTo(State{Kind: Error, Err: wire.ErrInternal})
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
