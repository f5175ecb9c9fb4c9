// Package connection implements the top-level per-tag connection state
// machine: it drives pairing, protocol-initialization, the
// post-init configuration write, and the firmware-recovery check, and owns
// the reconnect policy.
package connection

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacquard-go/jacquard/internal/ble"
	"github.com/jacquard-go/jacquard/internal/component"
	"github.com/jacquard-go/jacquard/internal/pairing"
	"github.com/jacquard-go/jacquard/internal/protocolinit"
	"github.com/jacquard-go/jacquard/internal/streams"
	"github.com/jacquard-go/jacquard/internal/transport"
	"github.com/jacquard-go/jacquard/internal/wire"
)

// totalSteps is the advisory progress denominator: "total is
// fixed at 14, step is monotonic across the run".
const totalSteps = 14

// notificationQueueDepth is the value sent in the post-init ujt_config_write.
const notificationQueueDepth = 14

// Kind enumerates the connection state machine's states.
type Kind int

const (
	PreparingToConnect Kind = iota
	Connecting
	Initializing
	Configuring
	FirmwareUpdateInitiated
	FirmwareTransferring
	FirmwareTransferCompleted
	FirmwareExecuting
	Connected
	Disconnected
)

func (k Kind) String() string {
	switch k {
	case PreparingToConnect:
		return "preparing_to_connect"
	case Connecting:
		return "connecting"
	case Initializing:
		return "initializing"
	case Configuring:
		return "configuring"
	case FirmwareUpdateInitiated:
		return "firmware_update_initiated"
	case FirmwareTransferring:
		return "firmware_transferring"
	case FirmwareTransferCompleted:
		return "firmware_transfer_completed"
	case FirmwareExecuting:
		return "firmware_executing"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// State is the tagged union published on the connection's state stream.
type State struct {
	Kind     Kind
	Step     int
	Total    int
	Progress float64
	Tag      *component.Component
	Err      error
}

// FirmwareStarter is the injected capability this machine uses to kick off
// a recovery firmware update. The
// firmware package implements it; connection never imports firmware to
// avoid a cycle back from firmware's reconnect expectations onto
// connection.
type FirmwareStarter interface {
	StartRecoveryUpdate(tag *component.Component, tr FirmwareTransport, done func(error))
}

// FirmwareTransport is the slice of Transport the firmware package needs to
// drive a recovery update, named here so firmware can implement
// FirmwareStarter without this package importing firmware back.
type FirmwareTransport interface {
	Enqueue(req *wire.RequestEnvelope, kind ble.WriteKind, retries int, timeout time.Duration, onResponse func(*wire.ResponseEnvelope, error))
	NotificationStream() (<-chan wire.Notification, func())
}

// Machine owns one physical tag's lifecycle from first connect attempt
// onward. All state transitions run on a single internal dispatch
// goroutine; external callers only ever call exported methods
// or feed BLE events via Deliver, both of which enqueue onto that
// goroutine rather than mutating state directly.
type Machine struct {
	logger *logrus.Entry

	stack          ble.Stack
	peripheral     ble.PeripheralHandle
	serializer     wire.Serializer
	connectTimeout time.Duration
	badFirmware    map[string]bool
	firmwareUpdater FirmwareStarter

	state  State
	states *streams.Subject[State]

	pairingM *pairing.Machine
	initM    *protocolinit.Machine
	tr       *transport.Transport
	attached *component.AttachedSet

	connectTimer *time.Timer

	ops  chan func(ctx context.Context)
	done chan struct{}
}

// Option configures optional behavior on New.
type Option func(*Machine)

// WithBadFirmwareVersions marks firmware version strings (semver.String())
// that trigger the firmware-recovery step instead of reaching connected.
func WithBadFirmwareVersions(versions ...string) Option {
	return func(m *Machine) {
		for _, v := range versions {
			m.badFirmware[v] = true
		}
	}
}

// WithFirmwareStarter injects the firmware-recovery capability.
func WithFirmwareStarter(fs FirmwareStarter) Option {
	return func(m *Machine) { m.firmwareUpdater = fs }
}

// New constructs a Machine for peripheral p. connectTimeout bounds the time
// allowed to reach the initializing phase.
func New(stack ble.Stack, p ble.PeripheralHandle, serializer wire.Serializer, connectTimeout time.Duration, opts ...Option) *Machine {
	m := &Machine{
		logger:         logrus.WithField("component", "connection").WithField("peripheral", p.ID),
		stack:          stack,
		peripheral:     p,
		serializer:     serializer,
		connectTimeout: connectTimeout,
		badFirmware:    make(map[string]bool),
		attached:       component.NewAttachedSet(),
		states:         streams.NewSubject[State](),
		ops:            make(chan func(ctx context.Context), 64),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.transitionTo(State{Kind: PreparingToConnect})
	go m.run()
	return m
}

// States is the replay-latest state stream.
func (m *Machine) States() (<-chan State, func()) { return m.states.Subscribe() }

// Connect begins the connect attempt. Enqueues onto the dispatch loop.
func (m *Machine) Connect(ctx context.Context) {
	m.enqueue(ctx, m.doConnect)
}

// Deliver feeds one BLE-stack event in, filtered to this machine's
// peripheral by the Registry before being handed here. It must only be
// called by the Registry.
func (m *Machine) Deliver(ctx context.Context, ev any) {
	m.enqueue(ctx, func(ctx context.Context) { m.handleEvent(ctx, ev) })
}

// FirmwareTransport exposes the live transport for an explicit,
// user-initiated firmware update (as opposed to the automatic recovery
// path driven internally through FirmwareStarter). Returns nil outside
// Connected.
func (m *Machine) FirmwareTransport() FirmwareTransport {
	if m.tr == nil || m.state.Kind != Connected {
		return nil
	}
	return m.tr
}

// Close stops the dispatch loop and releases the transport, if any.
func (m *Machine) Close() {
	close(m.done)
	if m.tr != nil {
		m.tr.Close()
	}
	if m.connectTimer != nil {
		m.connectTimer.Stop()
	}
}

func (m *Machine) enqueue(ctx context.Context, fn func(ctx context.Context)) {
	select {
	case m.ops <- func(context.Context) { fn(ctx) }:
	case <-m.done:
	}
}

func (m *Machine) run() {
	for {
		select {
		case fn := <-m.ops:
			fn(context.Background())
		case <-m.done:
			return
		}
	}
}

func (m *Machine) transitionTo(s State) {
	m.state = s
	m.logger.WithField("state", s.Kind.String()).Debug("connection: transition")
	m.states.Publish(s)
}

func (m *Machine) advance(kind Kind) {
	step := m.state.Step + 1
	m.transitionTo(State{Kind: kind, Step: step, Total: totalSteps})
}

func (m *Machine) doConnect(ctx context.Context) {
	m.transitionTo(State{Kind: PreparingToConnect})
	m.pairingM = pairing.New(m.stack, m.peripheral)
	m.watchPairing()

	m.armConnectTimeout()
	if err := m.stack.Connect(ctx, m.peripheral.ID); err != nil {
		m.onTerminalError(&wire.BluetoothConnectionError{Cause: err})
	}
}

func (m *Machine) armConnectTimeout() {
	if m.connectTimeout <= 0 {
		return
	}
	m.connectTimer = time.AfterFunc(m.connectTimeout, func() {
		m.enqueue(context.Background(), m.onConnectTimeout)
	})
}

func (m *Machine) disarmConnectTimeout() {
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
}

func (m *Machine) onConnectTimeout() {
	if m.state.Kind == Initializing || m.state.Kind == Connected || m.state.Kind == Disconnected {
		return // timer fired after the state it was guarding against already moved on
	}
	m.onTerminalError(wire.ErrConnectionTimeout)
}

// watchPairing subscribes to the pairing machine's state stream and
// trampolines every update back onto this machine's dispatch loop, so
// handling always runs on the owning goroutine.
func (m *Machine) watchPairing() {
	states, cancel := m.pairingM.States()
	go func() {
		for s := range states {
			s := s
			select {
			case <-m.done:
				cancel()
				return
			default:
			}
			m.enqueue(context.Background(), func(ctx context.Context) { m.onPairingState(ctx, s) })
		}
	}()
}

func (m *Machine) onPairingState(ctx context.Context, s pairing.State) {
	switch s.Kind {
	case pairing.Disconnected:
		return
	case pairing.Error:
		m.onTerminalError(s.Err)
	case pairing.TagPaired:
		m.disarmConnectTimeout() // the slower protocol phase is unbounded
		tr, err := transport.New(m.stack, m.peripheral, s.Chars, m.serializer)
		if err != nil {
			m.onTerminalError(&wire.BluetoothConnectionError{Cause: err})
			return
		}
		m.tr = tr
		m.initM = protocolinit.New(tr)
		m.watchInit()
		m.watchNotifications()
		m.initM.Start()
	default:
		m.advance(Connecting)
	}
}

func (m *Machine) watchInit() {
	states, cancel := m.initM.States()
	go func() {
		for s := range states {
			s := s
			select {
			case <-m.done:
				cancel()
				return
			default:
			}
			m.enqueue(context.Background(), func(ctx context.Context) { m.onInitState(ctx, s) })
		}
	}()
}

func (m *Machine) onInitState(ctx context.Context, s protocolinit.State) {
	switch s.Kind {
	case protocolinit.Paired:
		return
	case protocolinit.Error:
		m.onTerminalError(s.Err)
	case protocolinit.TagInitialized:
		m.startConfiguring(ctx, s.Tag)
	default:
		m.advance(Initializing)
	}
}

// watchNotifications keeps the attached-gear set current from
// announce_attach/announce_detach notifications for as long as the
// transport lives.
func (m *Machine) watchNotifications() {
	notifs, cancel := m.tr.NotificationStream()
	go func() {
		for n := range notifs {
			select {
			case <-m.done:
				cancel()
				return
			default:
			}
			switch n.Opcode {
			case wire.OpcodeAnnounceAttach:
				if p, ok := n.Payload.(*wire.AttachNotificationPayload); ok {
					m.attached.OnAttach(p)
				}
			case wire.OpcodeAnnounceDetach:
				if p, ok := n.Payload.(*wire.DetachNotificationPayload); ok {
					m.attached.OnDetach(p.ComponentID)
				}
			}
		}
	}()
}

// AttachedComponents exposes the live gear-attachment set for callers that
// need to target a firmware update at a specific module.
func (m *Machine) AttachedComponents() *component.AttachedSet {
	return m.attached
}

func (m *Machine) startConfiguring(ctx context.Context, tag *component.Component) {
	m.transitionTo(State{Kind: Configuring, Step: m.state.Step + 1, Total: totalSteps, Tag: tag})
	req := &wire.RequestEnvelope{
		Domain:  wire.DomainConfig,
		Opcode:  wire.OpcodeUJTConfigWrite,
		Payload: &wire.UJTConfigWritePayload{NotificationQueueDepth: notificationQueueDepth},
	}
	m.tr.Enqueue(req, ble.WriteWithResponse, 2, 2*time.Second, func(resp *wire.ResponseEnvelope, err error) {
		m.enqueue(ctx, func(ctx context.Context) { m.onConfigured(tag, err) })
	})
}

func (m *Machine) onConfigured(tag *component.Component, err error) {
	if err != nil {
		m.onTerminalError(err)
		return
	}
	if m.badFirmware[tag.Version.String()] {
		m.transitionTo(State{Kind: FirmwareUpdateInitiated, Tag: tag})
		if m.firmwareUpdater == nil {
			m.onTerminalError(wire.ErrDataUnavailable)
			return
		}
		m.firmwareUpdater.StartRecoveryUpdate(tag, m.tr, func(err error) {
			m.enqueue(context.Background(), func(ctx context.Context) { m.onFirmwareRecoveryDone(tag, err) })
		})
		return
	}
	m.transitionTo(State{Kind: Connected, Tag: tag})
}

func (m *Machine) onFirmwareRecoveryDone(tag *component.Component, err error) {
	if err != nil {
		m.onTerminalError(&wire.TransferError{Cause: err})
		return
	}
	m.transitionTo(State{Kind: Connected, Tag: tag})
}

// handleEvent routes a raw BLE event delivered via the Registry.
func (m *Machine) handleEvent(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case ble.DisconnectEvent:
		m.onDisconnect(ctx, e)
	case ble.RenameEvent:
		if m.tr != nil {
			m.tr.OnRename(e.NewName)
		}
	default:
		if m.pairingM != nil {
			m.pairingM.Deliver(ctx, ev)
		}
	}
}

func (m *Machine) onDisconnect(ctx context.Context, e ble.DisconnectEvent) {
	if m.tr != nil {
		m.tr.Close()
		m.tr = nil
	}
	m.attached = component.NewAttachedSet()
	if e.UserInitiated || e.AdapterPoweredOff {
		m.transitionTo(State{Kind: Disconnected, Err: e.Err})
		return
	}
	m.logger.Warn("connection: unexpected disconnect, reconnecting")
	m.doConnect(ctx)
}

// onTerminalError applies the reconnect-on-error policy.
func (m *Machine) onTerminalError(err error) {
	if m.tr != nil {
		m.tr.Close()
		m.tr = nil
	}
	m.attached = component.NewAttachedSet()
	if !m.shouldReconnect(err) {
		m.transitionTo(State{Kind: Disconnected, Err: err})
		return
	}
	m.logger.WithError(err).Warn("connection: recoverable error, reconnecting")
	m.doConnect(context.Background())
}

func (m *Machine) shouldReconnect(err error) bool {
	if err == wire.ErrPeerRemovedPairingInfo {
		return false
	}
	return true
}
