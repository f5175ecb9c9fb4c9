package firmware

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacquard-go/jacquard/internal/ble"
	"github.com/jacquard-go/jacquard/internal/streams"
	"github.com/jacquard-go/jacquard/internal/wire"
)

// chunkSize is the image-writer's fixed transfer unit.
const chunkSize = 128

const (
	dfuRequestTimeout = 5 * time.Second
	dfuRequestRetries = 2

	maxChunkRetries = 3
)

// WriterKind enumerates the image-writer state machine's states.
type WriterKind int

const (
	WriterIdle WriterKind = iota
	WriterCheckingStatus
	WriterPreparingForWrite
	WriterWriting
	WriterComplete
	WriterError
)

func (k WriterKind) String() string {
	switch k {
	case WriterIdle:
		return "idle"
	case WriterCheckingStatus:
		return "checking_status"
	case WriterPreparingForWrite:
		return "preparing_for_write"
	case WriterWriting:
		return "writing"
	case WriterComplete:
		return "complete"
	case WriterError:
		return "error"
	default:
		return "unknown"
	}
}

// WriterState is the tagged union published by ImageWriter.
type WriterState struct {
	Kind     WriterKind
	Progress float64
	Err      error
}

// requester is the narrow slice of *transport.Transport the image writer
// needs (mirrors internal/protocolinit's seam).
type requester interface {
	Enqueue(req *wire.RequestEnvelope, kind ble.WriteKind, retries int, timeout time.Duration, onResponse func(*wire.ResponseEnvelope, error))
}

// ImageWriter transfers a single firmware image to one component. It
// must be driven from a single owning goroutine; every step suspends at
// the request boundary and resumes via Transport's response callback.
type ImageWriter struct {
	logger *logrus.Entry
	tr     requester

	componentID uint32
	vendorID    uint32
	productID   uint32
	image       []byte

	state  WriterState
	states *streams.Subject[WriterState]

	offset      uint32
	chunkRetries int
}

// NewImageWriter constructs a writer for one (vendorID, productID) target.
func NewImageWriter(tr requester, componentID, vendorID, productID uint32, image []byte) *ImageWriter {
	w := &ImageWriter{
		logger:      logrus.WithField("component", "imagewriter").WithField("vid", vendorID).WithField("pid", productID),
		tr:          tr,
		componentID: componentID,
		vendorID:    vendorID,
		productID:   productID,
		image:       image,
		states:      streams.NewSubject[WriterState](),
	}
	w.transitionTo(WriterState{Kind: WriterIdle})
	return w
}

// States is the replay-latest state stream.
func (w *ImageWriter) States() (<-chan WriterState, func()) { return w.states.Subscribe() }

func (w *ImageWriter) transitionTo(s WriterState) {
	w.state = s
	w.logger.WithField("state", s.Kind.String()).Debug("imagewriter: transition")
	w.states.Publish(s)
}

// Start probes device status and begins (or resumes) the transfer. Must be
// called exactly once, from state idle.
func (w *ImageWriter) Start() {
	if w.state.Kind != WriterIdle {
		w.fail(wire.ErrInternal)
		return
	}
	w.transitionTo(WriterState{Kind: WriterCheckingStatus})
	req := &wire.RequestEnvelope{
		Domain:  wire.DomainDFU,
		Opcode:  wire.OpcodeDFUStatus,
		Payload: &wire.DFUStatusRequest{VendorID: w.vendorID, ProductID: w.productID},
	}
	w.tr.Enqueue(req, ble.WriteWithResponse, dfuRequestRetries, dfuRequestTimeout, w.onStatusResponse)
}

func (w *ImageWriter) onStatusResponse(resp *wire.ResponseEnvelope, err error) {
	if w.state.Kind != WriterCheckingStatus {
		return
	}
	if err != nil {
		w.fail(err)
		return
	}
	status, ok := resp.Payload.(*wire.DFUStatusResponse)
	if !ok || status == nil {
		w.fail(wire.ErrMalformedResponse)
		return
	}
	if status.CurrentSize == 0 {
		w.offset = 0
	} else if int(status.CurrentSize) <= len(w.image) && status.CurrentCRC == crc16CCITT(0, w.image[:status.CurrentSize]) {
		w.offset = status.CurrentSize
	} else {
		w.offset = 0
	}
	w.sendPrepare()
}

func (w *ImageWriter) sendPrepare() {
	w.transitionTo(WriterState{Kind: WriterPreparingForWrite})
	req := &wire.RequestEnvelope{
		Domain: wire.DomainDFU,
		Opcode: wire.OpcodeDFUPrepare,
		Payload: &wire.DFUPrepareRequest{
			ComponentID: w.componentID,
			VendorID:    w.vendorID,
			ProductID:   w.productID,
			ImageLen:    uint32(len(w.image)),
			ImageCRC:    crc16CCITT(0, w.image),
		},
	}
	w.tr.Enqueue(req, ble.WriteWithResponse, dfuRequestRetries, dfuRequestTimeout, w.onPrepareResponse)
}

func (w *ImageWriter) onPrepareResponse(resp *wire.ResponseEnvelope, err error) {
	if w.state.Kind != WriterPreparingForWrite {
		return
	}
	if err != nil {
		w.fail(err)
		return
	}
	w.sendNextChunk()
}

func (w *ImageWriter) sendNextChunk() {
	if int(w.offset) >= len(w.image) {
		w.transitionTo(WriterState{Kind: WriterComplete, Progress: 1.0})
		return
	}
	end := int(w.offset) + chunkSize
	if end > len(w.image) {
		end = len(w.image)
	}
	chunk := w.image[w.offset:end]

	w.transitionTo(WriterState{Kind: WriterWriting, Progress: float64(w.offset) / float64(len(w.image))})
	req := &wire.RequestEnvelope{
		Domain:  wire.DomainDFU,
		Opcode:  wire.OpcodeDFUWrite,
		Payload: &wire.DFUWriteRequest{Data: append([]byte{}, chunk...), Offset: w.offset},
	}
	w.tr.Enqueue(req, ble.WriteWithResponse, dfuRequestRetries, dfuRequestTimeout, w.onWriteResponse)
}

func (w *ImageWriter) onWriteResponse(resp *wire.ResponseEnvelope, err error) {
	if w.state.Kind != WriterWriting {
		return
	}
	if err != nil {
		w.fail(err)
		return
	}
	wr, ok := resp.Payload.(*wire.DFUWriteResponse)
	if !ok || wr == nil {
		w.fail(wire.ErrMalformedResponse)
		return
	}
	wantCRC := crc16CCITT(0, w.image[:wr.OffsetAccepted])
	if int(wr.OffsetAccepted) > len(w.image) || wr.CRC != wantCRC {
		w.chunkRetries++
		if w.chunkRetries > maxChunkRetries {
			w.fail(wire.ErrChecksumMismatch)
			return
		}
		w.logger.Warn("imagewriter: chunk CRC mismatch, retrying from last known-good offset")
		w.sendNextChunk()
		return
	}
	w.chunkRetries = 0
	w.offset = wr.OffsetAccepted
	w.sendNextChunk()
}

func (w *ImageWriter) fail(err error) {
	w.transitionTo(WriterState{Kind: WriterError, Err: err})
}
