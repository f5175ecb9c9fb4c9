package connection

import (
	"context"
	"sync"

	"github.com/jacquard-go/jacquard/internal/ble"
)

// Registry is the process-wide peripheral-id -> state-machine table
//: it owns the single goroutine draining the BLE stack's
// event stream and routes each event to the owning Machine by peripheral
// id. Its mutex is scoped to lookup/insert only, never held across a
// Machine call.
type Registry struct {
	mu       sync.Mutex
	machines map[string]*Machine

	cancel context.CancelFunc
}

// NewRegistry starts draining stack.Events() and returns the Registry.
// Call Close to stop.
func NewRegistry(stack ble.Stack) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{machines: make(map[string]*Machine), cancel: cancel}
	go r.run(ctx, stack)
	return r
}

func (r *Registry) run(ctx context.Context, stack ble.Stack) {
	events := stack.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			id, found := peripheralID(ev)
			if !found {
				continue
			}
			if m, ok := r.Lookup(id); ok {
				m.Deliver(ctx, ev)
			}
		}
	}
}

// Register associates id with m. A Machine should register itself (or be
// registered by its owner) before Connect is called so events arriving
// during the connect attempt are not dropped.
func (r *Registry) Register(id string, m *Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.machines[id] = m
}

// Unregister removes id, e.g. once its Machine reaches Disconnected
// terminally and will not reconnect.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.machines, id)
}

// Lookup returns the Machine registered for id, if any.
func (r *Registry) Lookup(id string) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[id]
	return m, ok
}

// Close stops the event-draining goroutine. Registered machines are not
// closed; callers own their lifecycle independently.
func (r *Registry) Close() { r.cancel() }

// peripheralID extracts the PeripheralHandle.ID carried by any ble event
// type, used to route events without a shared event interface.
func peripheralID(ev any) (string, bool) {
	switch e := ev.(type) {
	case ble.ConnectEvent:
		return e.Peripheral.ID, true
	case ble.ConnectFailedEvent:
		return e.Peripheral.ID, true
	case ble.DisconnectEvent:
		return e.Peripheral.ID, true
	case ble.RenameEvent:
		return e.Peripheral.ID, true
	case ble.ServicesDiscoveredEvent:
		return e.Peripheral.ID, true
	case ble.CharacteristicsDiscoveredEvent:
		return e.Peripheral.ID, true
	case ble.NotificationStateEvent:
		return e.Peripheral.ID, true
	default:
		return "", false
	}
}
