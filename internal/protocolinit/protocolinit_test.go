package protocolinit

import (
	"testing"
	"time"

	"github.com/jacquard-go/jacquard/internal/ble"
	"github.com/jacquard-go/jacquard/internal/wire"
)

// fakeTransport records Enqueue calls and lets the test script responses
// synchronously, since protocolinit.Machine never assumes otherwise.
type fakeTransport struct {
	lastKind ble.WriteKind
	script   []func(*wire.RequestEnvelope) (*wire.ResponseEnvelope, error)
	calls    int
}

func (f *fakeTransport) Enqueue(req *wire.RequestEnvelope, kind ble.WriteKind, retries int, timeout time.Duration, onResponse func(*wire.ResponseEnvelope, error)) {
	f.lastKind = kind
	if f.calls >= len(f.script) {
		onResponse(nil, wire.ErrInternal)
		return
	}
	resp, err := f.script[f.calls](req)
	f.calls++
	onResponse(resp, err)
}

// TestHappyPath exercises the protocol-init happy path: a
// hello {min:2,max:2}, a begin ack, and a device-info response should
// yield tag_initialized with a Component{IsTag:true, capabilities:{led}}.
func TestHappyPath(t *testing.T) {
	ft := &fakeTransport{
		script: []func(*wire.RequestEnvelope) (*wire.ResponseEnvelope, error){
			func(req *wire.RequestEnvelope) (*wire.ResponseEnvelope, error) {
				return &wire.ResponseEnvelope{Status: wire.StatusOK, Payload: &wire.HelloPayload{ProtocolMin: 2, ProtocolMax: 2}}, nil
			},
			func(req *wire.RequestEnvelope) (*wire.ResponseEnvelope, error) {
				return &wire.ResponseEnvelope{Status: wire.StatusOK, Payload: &wire.BeginPayload{}}, nil
			},
			func(req *wire.RequestEnvelope) (*wire.ResponseEnvelope, error) {
				return &wire.ResponseEnvelope{Status: wire.StatusOK, Payload: &wire.DeviceInfoPayload{
					FirmwareMajor: 1, FirmwareMinor: 96, FirmwarePoint: 0,
					VendorID: 0x11783008, ProductID: 0x283BE7A0, TagUUID: "tag-uuid",
				}}, nil
			},
		},
	}
	m := New(ft)
	states, cancel := m.States()
	defer cancel()
	<-states // paired

	m.Start()
	if s := <-states; s.Kind != HelloSent {
		t.Fatalf("state = %v, want hello_sent", s.Kind)
	}
	if s := <-states; s.Kind != BeginSent {
		t.Fatalf("state = %v, want begin_sent", s.Kind)
	}
	if s := <-states; s.Kind != ComponentInfoSent {
		t.Fatalf("state = %v, want component_info_sent", s.Kind)
	}
	if s := <-states; s.Kind != CreatingTagInstance {
		t.Fatalf("state = %v, want creating_tag_instance", s.Kind)
	}
	s := <-states
	if s.Kind != TagInitialized {
		t.Fatalf("state = %v, want tag_initialized", s.Kind)
	}
	if !s.Tag.IsTag {
		t.Error("tag.IsTag = false, want true")
	}
	if !s.Tag.HasCapability("led") {
		t.Error("tag missing led capability")
	}
	if s.Tag.VendorID != 0x11783008 || s.Tag.ProductID != 0x283BE7A0 {
		t.Errorf("vendor/product = %x/%x", s.Tag.VendorID, s.Tag.ProductID)
	}
}

// TestWriteNotPermittedDowngradesOnce exercises the firmware
// <1.43.0 downgrade path: the first hello write fails with "write not
// permitted", the machine should retransmit hello without-response rather
// than failing outright.
func TestWriteNotPermittedDowngradesOnce(t *testing.T) {
	attempts := 0
	ft := &fakeTransport{
		script: []func(*wire.RequestEnvelope) (*wire.ResponseEnvelope, error){
			func(req *wire.RequestEnvelope) (*wire.ResponseEnvelope, error) {
				attempts++
				return nil, writeNotPermittedErr{}
			},
			func(req *wire.RequestEnvelope) (*wire.ResponseEnvelope, error) {
				attempts++
				return &wire.ResponseEnvelope{Status: wire.StatusOK, Payload: &wire.HelloPayload{ProtocolMin: 2, ProtocolMax: 2}}, nil
			},
		},
	}
	m := New(ft)
	states, cancel := m.States()
	defer cancel()
	<-states // paired

	m.Start()
	<-states // hello_sent (first attempt, with_response)
	<-states // hello_sent again (retry, without_response)

	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if ft.lastKind != ble.WriteWithoutResponse {
		t.Errorf("lastKind = %v, want WriteWithoutResponse", ft.lastKind)
	}
}

// TestBadHelloRangeIsMalformed exercises the hello response validation rule:
// protocol_min/max must straddle the machine's protocol version.
func TestBadHelloRangeIsMalformed(t *testing.T) {
	ft := &fakeTransport{
		script: []func(*wire.RequestEnvelope) (*wire.ResponseEnvelope, error){
			func(req *wire.RequestEnvelope) (*wire.ResponseEnvelope, error) {
				return &wire.ResponseEnvelope{Status: wire.StatusOK, Payload: &wire.HelloPayload{ProtocolMin: 3, ProtocolMax: 4}}, nil
			},
		},
	}
	m := New(ft)
	states, cancel := m.States()
	defer cancel()
	<-states
	m.Start()
	<-states // hello_sent
	s := <-states
	if s.Kind != Error || s.Err != wire.ErrMalformedResponse {
		t.Fatalf("state = %+v, want error(ErrMalformedResponse)", s)
	}
}

type writeNotPermittedErr struct{}

func (writeNotPermittedErr) Error() string          { return "write not permitted" }
func (writeNotPermittedErr) WriteNotPermitted() bool { return true }
