// Package protocolinit implements the protocol-initialization state machine
// that runs hello -> begin -> device_info over an already-paired Transport
// and produces the tag Component.
package protocolinit

import (
	"time"

	"github.com/blang/semver"
	"github.com/sirupsen/logrus"

	"github.com/jacquard-go/jacquard/internal/ble"
	"github.com/jacquard-go/jacquard/internal/component"
	"github.com/jacquard-go/jacquard/internal/streams"
	"github.com/jacquard-go/jacquard/internal/wire"
)

const (
	requestTimeout = 2 * time.Second
	requestRetries = 2

	protocolVersion = 2
)

// State is the tagged union of init progress.
type State struct {
	Kind Kind
	Tag  *component.Component // set only when Kind == TagInitialized
	Err  error                 // set only when Kind == Error
}

type Kind int

const (
	Paired Kind = iota
	HelloSent
	BeginSent
	ComponentInfoSent
	CreatingTagInstance
	TagInitialized
	Error
)

func (k Kind) String() string {
	switch k {
	case Paired:
		return "paired"
	case HelloSent:
		return "hello_sent"
	case BeginSent:
		return "begin_sent"
	case ComponentInfoSent:
		return "component_info_sent"
	case CreatingTagInstance:
		return "creating_tag_instance"
	case TagInitialized:
		return "tag_initialized"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// requester is the subset of *transport.Transport this machine needs,
// narrowed to keep this package free of an import cycle and easy to fake.
type requester interface {
	Enqueue(req *wire.RequestEnvelope, kind ble.WriteKind, retries int, timeout time.Duration, onResponse func(*wire.ResponseEnvelope, error))
}

// Machine drives one paired transport through tag_initialized or error. It
// has no goroutine of its own; Start is the only entry point and every
// subsequent step runs from the Transport's response callback, on
// whichever goroutine the Transport invokes it. Only one request is
// outstanding at a time, so the steps never overlap.
type Machine struct {
	logger *logrus.Entry
	tr     requester

	state  State
	states *streams.Subject[State]

	writeKind ble.WriteKind
	downgradeAttempted bool
}

// New creates a Machine bound to an already-paired transport.
func New(tr requester) *Machine {
	m := &Machine{
		logger:    logrus.WithField("component", "protocolinit"),
		tr:        tr,
		states:    streams.NewSubject[State](),
		writeKind: ble.WriteWithResponse,
	}
	m.transitionTo(State{Kind: Paired})
	return m
}

// States is the replay-latest state stream.
func (m *Machine) States() (<-chan State, func()) { return m.states.Subscribe() }

func (m *Machine) transitionTo(s State) {
	m.state = s
	m.logger.WithField("state", s.Kind.String()).Debug("protocolinit: transition")
	m.states.Publish(s)
}

// Start sends hello and begins the handshake. Must be called exactly once,
// from state Paired.
func (m *Machine) Start() {
	if m.state.Kind != Paired {
		m.fail(wire.ErrInternal)
		return
	}
	m.sendHello()
}

func (m *Machine) sendHello() {
	m.transitionTo(State{Kind: HelloSent})
	m.tr.Enqueue(&wire.RequestEnvelope{Domain: wire.DomainBase, Opcode: wire.OpcodeHello}, m.writeKind, requestRetries, requestTimeout, m.onHelloResponse)
}

func (m *Machine) onHelloResponse(resp *wire.ResponseEnvelope, err error) {
	if m.state.Kind != HelloSent {
		m.noTransition("hello_response")
		return
	}
	if err != nil {
		if ble.IsWriteNotPermitted(err) && !m.downgradeAttempted {
			m.downgradeAttempted = true
			m.writeKind = ble.WriteWithoutResponse
			m.logger.Warn("protocolinit: write not permitted, downgrading to write-without-response")
			m.sendHello()
			return
		}
		m.fail(err)
		return
	}
	hello, ok := resp.Payload.(*wire.HelloPayload)
	if !ok || hello == nil {
		m.fail(wire.ErrMalformedResponse)
		return
	}
	if hello.ProtocolMin > protocolVersion || hello.ProtocolMax < protocolVersion {
		m.fail(wire.ErrMalformedResponse)
		return
	}
	m.sendBegin()
}

func (m *Machine) sendBegin() {
	m.transitionTo(State{Kind: BeginSent})
	m.tr.Enqueue(&wire.RequestEnvelope{Domain: wire.DomainBase, Opcode: wire.OpcodeBegin}, m.writeKind, requestRetries, requestTimeout, m.onBeginResponse)
}

func (m *Machine) onBeginResponse(resp *wire.ResponseEnvelope, err error) {
	if m.state.Kind != BeginSent {
		m.noTransition("begin_response")
		return
	}
	if err != nil {
		m.fail(err)
		return
	}
	if _, ok := resp.Payload.(*wire.BeginPayload); !ok {
		m.fail(wire.ErrMalformedResponse)
		return
	}
	m.sendComponentInfo()
}

func (m *Machine) sendComponentInfo() {
	m.transitionTo(State{Kind: ComponentInfoSent})
	m.tr.Enqueue(&wire.RequestEnvelope{Domain: wire.DomainDeviceInfo, Opcode: wire.OpcodeDeviceInfo}, m.writeKind, requestRetries, requestTimeout, m.onDeviceInfoResponse)
}

func (m *Machine) onDeviceInfoResponse(resp *wire.ResponseEnvelope, err error) {
	if m.state.Kind != ComponentInfoSent {
		m.noTransition("device_info_response")
		return
	}
	if err != nil {
		m.fail(err)
		return
	}
	info, ok := resp.Payload.(*wire.DeviceInfoPayload)
	if !ok || info == nil {
		m.fail(wire.ErrMalformedResponse)
		return
	}
	m.transitionTo(State{Kind: CreatingTagInstance})

	tag := component.NewTag(
		info.VendorID,
		info.ProductID,
		semver.Version{Major: uint64(info.FirmwareMajor), Minor: uint64(info.FirmwareMinor), Patch: uint64(info.FirmwarePoint)},
		info.TagUUID,
	)
	m.transitionTo(State{Kind: TagInitialized, Tag: tag})
}

func (m *Machine) fail(err error) {
	m.transitionTo(State{Kind: Error, Err: err})
}

// noTransition is the precondition assertion at the top of the handler: a
// response arriving for a state it doesn't belong to indicates an internal
// inconsistency, logged and surfaced as an error
// rather than silently ignored.
func (m *Machine) noTransition(event string) {
	m.logger.WithField("state", m.state.Kind.String()).WithField("event", event).Warn("protocolinit: no transition")
	m.fail(wire.ErrInternal)
}
