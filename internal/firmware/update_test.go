package firmware

import (
	"testing"
	"time"

	"github.com/jacquard-go/jacquard/internal/ble"
	"github.com/jacquard-go/jacquard/internal/wire"
)

type alwaysConnected struct{}

func (alwaysConnected) IsConnected() bool { return true }

// blockingTransport records every enqueued request but never resolves it,
// parking the caller in whatever state it transitioned to before the
// request was sent.
type blockingTransport struct {
	requests []*wire.RequestEnvelope
}

func (f *blockingTransport) Enqueue(req *wire.RequestEnvelope, kind ble.WriteKind, retries int, timeout time.Duration, onResponse func(*wire.ResponseEnvelope, error)) {
	f.requests = append(f.requests, req)
}

func batteryStatusScript(levelPercent uint8, charging bool) func(*wire.RequestEnvelope) (*wire.ResponseEnvelope, error) {
	return func(req *wire.RequestEnvelope) (*wire.ResponseEnvelope, error) {
		return &wire.ResponseEnvelope{Status: wire.StatusOK, Payload: &wire.BatteryStatusResponse{LevelPercent: levelPercent, Charging: charging}}, nil
	}
}

// TestApplyUpdatesLowBatteryFailsPreflight exercises the preflight rule:
// a battery_status query reporting a level below threshold and not
// charging is fatal before any transfer begins.
func TestApplyUpdatesLowBatteryFailsPreflight(t *testing.T) {
	ft := &scriptedTransport{
		script: []func(*wire.RequestEnvelope) (*wire.ResponseEnvelope, error){
			batteryStatusScript(5, false),
		},
	}
	u := NewUpdate(ft, alwaysConnected{}, []DFUUpdateInfo{{Binary: []byte("x")}}, false)
	states, cancel := u.States()
	defer cancel()
	<-states // idle

	if err := u.ApplyUpdates(); err != nil {
		t.Fatalf("ApplyUpdates returned error: %v", err)
	}
	<-states // preparing_for_transfer
	s := <-states
	if s.Kind != UpdateError || s.Err != wire.ErrLowBattery {
		t.Fatalf("state = %+v, want error(ErrLowBattery)", s)
	}
	if ft.kinds[0] != ble.WriteWithResponse || ft.calls != 1 {
		t.Fatalf("expected exactly one battery_status query, got %d calls", ft.calls)
	}
}

// TestApplyUpdatesTransfersThenCompletesOnAutoExecute exercises the full
// happy path for a single tag-targeted image with should_auto_execute set:
// one battery_status query, then (since the update targets no module) the
// image transfer proceeds directly with no list_modules/unload_module
// traffic.
func TestApplyUpdatesTransfersThenCompletesOnAutoExecute(t *testing.T) {
	image := []byte("firmware-bytes")
	ft := &scriptedTransport{
		script: []func(*wire.RequestEnvelope) (*wire.ResponseEnvelope, error){
			// battery_status
			batteryStatusScript(80, false),
			// dfu_status
			func(req *wire.RequestEnvelope) (*wire.ResponseEnvelope, error) {
				return &wire.ResponseEnvelope{Status: wire.StatusOK, Payload: &wire.DFUStatusResponse{CurrentSize: 0}}, nil
			},
			// dfu_prepare
			func(req *wire.RequestEnvelope) (*wire.ResponseEnvelope, error) {
				return &wire.ResponseEnvelope{Status: wire.StatusOK}, nil
			},
			// dfu_write
			func(req *wire.RequestEnvelope) (*wire.ResponseEnvelope, error) {
				wreq := req.Payload.(*wire.DFUWriteRequest)
				accepted := wreq.Offset + uint32(len(wreq.Data))
				return &wire.ResponseEnvelope{Status: wire.StatusOK, Payload: &wire.DFUWriteResponse{
					OffsetAccepted: accepted,
					CRC:            crc16CCITT(0, image[:accepted]),
				}}, nil
			},
			// dfu_execute
			func(req *wire.RequestEnvelope) (*wire.ResponseEnvelope, error) {
				return &wire.ResponseEnvelope{Status: wire.StatusOK}, nil
			},
		},
	}

	u := NewUpdate(ft, alwaysConnected{}, []DFUUpdateInfo{{VendorID: 1, ProductID: 2, Binary: image}}, true)
	states, cancel := u.States()
	defer cancel()
	<-states // idle

	if err := u.ApplyUpdates(); err != nil {
		t.Fatalf("ApplyUpdates: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s.Kind == UpdateExecuting {
				u.OnExecuteNotification(&wire.DFUExecuteNotificationPayload{})
			}
			if s.Kind == UpdateCompleted {
				if ft.calls != len(ft.script) {
					t.Fatalf("calls = %d, want %d (one battery query plus the transfer sequence)", ft.calls, len(ft.script))
				}
				return
			}
			if s.Kind == UpdateError {
				t.Fatalf("update failed: %v", s.Err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for completed")
		}
	}
}

// TestDuplicateApplyIsRejected exercises the duplicate-apply rule: a
// second ApplyUpdates call while a run is in progress must fail without
// disturbing the first.
func TestDuplicateApplyIsRejected(t *testing.T) {
	ft := &blockingTransport{} // battery_status request never resolves
	u := NewUpdate(ft, alwaysConnected{}, []DFUUpdateInfo{{Binary: []byte("x")}}, false)
	states, cancel := u.States()
	defer cancel()
	<-states // idle

	if err := u.ApplyUpdates(); err != nil {
		t.Fatalf("first ApplyUpdates: %v", err)
	}
	<-states // preparing_for_transfer, parked on the unanswered battery_status request

	err := u.ApplyUpdates()
	if _, ok := err.(*wire.InvalidStateError); !ok {
		t.Fatalf("second ApplyUpdates err = %v, want *InvalidStateError", err)
	}
	if len(ft.requests) != 1 {
		t.Fatalf("requests = %d, want exactly 1 (the rejected call must not send anything)", len(ft.requests))
	}
}
