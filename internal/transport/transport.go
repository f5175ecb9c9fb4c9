// Package transport implements the single-peripheral request/response
// transport: fragmentation, a single-in-flight
// request queue with retry and timeout, response routing by id, and
// notification dispatch.
package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacquard-go/jacquard/internal/ble"
	"github.com/jacquard-go/jacquard/internal/fragment"
	"github.com/jacquard-go/jacquard/internal/streams"
	"github.com/jacquard-go/jacquard/internal/wire"
)

// DefaultMTU is used when the BLE stack does not report a negotiated MTU.
const DefaultMTU = 185

// pendingRequest is one queued-or-in-flight request.
type pendingRequest struct {
	req        *wire.RequestEnvelope
	kind       ble.WriteKind
	retries    int
	timeout    time.Duration
	onResponse func(*wire.ResponseEnvelope, error)
}

// Transport owns one BLE peripheral, its three protocol characteristics, a
// request queue, a Fragmenter instance (stateless, used via package
// functions), and a reassembly buffer per inbound characteristic. It is
// the only component that may publish to its notification/write-ack/name
// streams.
type Transport struct {
	logger     *logrus.Entry
	stack      ble.Stack
	peripheral ble.PeripheralHandle
	chars      ble.RequiredCharacteristics
	serializer wire.Serializer
	mtu        int

	nextID uint32 // assigned at send time, not enqueue time

	queueMu sync.Mutex
	queue   []*pendingRequest
	inFlight *pendingRequest
	timer    *time.Timer

	responseReassembler *fragment.Reassembler
	eventReassembler    *fragment.Reassembler

	notifications *streams.NotificationBus[wire.Notification]
	writeAcks     *streams.NotificationBus[error]
	names         *streams.Subject[string]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Transport bound to an already-paired peripheral. It
// starts the background read loops for the response and event
// characteristics; callers must call Close to release them.
func New(stack ble.Stack, p ble.PeripheralHandle, chars ble.RequiredCharacteristics, serializer wire.Serializer) (*Transport, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		logger:              logrus.WithField("component", "transport").WithField("peripheral", p.ID),
		stack:               stack,
		peripheral:          p,
		chars:               chars,
		serializer:          serializer,
		mtu:                 DefaultMTU,
		responseReassembler: fragment.NewReassembler(),
		eventReassembler:    fragment.NewReassembler(),
		notifications:       streams.NewNotificationBus[wire.Notification](),
		writeAcks:           streams.NewNotificationBus[error](),
		names:               streams.NewSubject[string](),
		ctx:                 ctx,
		cancel:              cancel,
	}
	t.names.Publish(p.Name)

	respCh, err := stack.Notifications(p, chars.Response.UUID)
	if err != nil {
		cancel()
		return nil, err
	}
	eventCh, err := stack.Notifications(p, chars.Event.UUID)
	if err != nil {
		cancel()
		return nil, err
	}

	t.wg.Add(2)
	go t.readResponses(respCh)
	go t.readEvents(eventCh)

	return t, nil
}

// SetMTU updates the negotiated MTU used to size outgoing fragments.
func (t *Transport) SetMTU(mtu int) { t.mtu = mtu }

// NotificationStream is the lazy multi-observer sequence of Notification
// values. The first subscriber disables cache-until-first-
// subscriber mode and drains whatever arrived before it attached.
func (t *Transport) NotificationStream() (<-chan wire.Notification, func()) {
	return t.notifications.Subscribe()
}

// WriteAckStream publishes one optional error per physical write attempt.
func (t *Transport) WriteAckStream() (<-chan error, func()) {
	return t.writeAcks.Subscribe()
}

// NameStream publishes the advertised name on connection and on rename.
func (t *Transport) NameStream() (<-chan string, func()) {
	return t.names.Subscribe()
}

// OnRename is called by the connection state machine when the BLE stack
// reports the peripheral's name changed.
func (t *Transport) OnRename(name string) { t.names.Publish(name) }

// Enqueue appends a request to the queue. onResponse is invoked exactly
// once unless the Transport is closed first (see Close), either with a
// decoded payload and nil error, or with a nil payload and a non-nil
// error. Nothing throws; all failures are values.
func (t *Transport) Enqueue(req *wire.RequestEnvelope, kind ble.WriteKind, retries int, timeout time.Duration, onResponse func(*wire.ResponseEnvelope, error)) {
	pr := &pendingRequest{req: req, kind: kind, retries: retries, timeout: timeout, onResponse: onResponse}
	t.queueMu.Lock()
	t.queue = append(t.queue, pr)
	startNow := t.inFlight == nil
	t.queueMu.Unlock()
	if startNow {
		t.dispatchNext()
	}
}

// dispatchNext sends the head-of-queue request if nothing is currently in
// flight.
func (t *Transport) dispatchNext() {
	t.queueMu.Lock()
	if t.inFlight != nil || len(t.queue) == 0 {
		t.queueMu.Unlock()
		return
	}
	pr := t.queue[0]
	t.queue = t.queue[1:]
	t.inFlight = pr
	t.queueMu.Unlock()

	t.send(pr)
}

// send assigns the id on first send, serializes, fragments, and writes
// the request, then arms the per-request timeout timer. A retried call
// (from handleSendFailure or handleTimeout) reuses the id assigned on
// the first attempt, so a late response to an earlier write still
// resolves the request by id in routeResponse.
func (t *Transport) send(pr *pendingRequest) {
	if pr.req.ID == 0 {
		pr.req.ID = atomic.AddUint32(&t.nextID, 1)
	}

	data, err := t.serializer.SerializeRequest(pr.req)
	if err != nil {
		t.resolve(pr, nil, err)
		return
	}

	fragments := fragment.Encode(data, t.mtu)
	if fragments == nil {
		t.resolve(pr, nil, wire.ErrMalformedResponse)
		return
	}

	var writeErr error
	for _, f := range fragments {
		writeErr = t.stack.Write(t.ctx, t.peripheral, t.chars.Command.UUID, f, pr.kind)
		t.writeAcks.Publish(writeErr)
		if writeErr != nil {
			break
		}
	}
	if writeErr != nil {
		t.handleSendFailure(pr, writeErr)
		return
	}

	t.queueMu.Lock()
	t.timer = time.AfterFunc(pr.timeout, func() { t.handleTimeout(pr) })
	t.queueMu.Unlock()
}

// handleSendFailure applies the retry policy to a transport-level write
// error: a decode/transport error that is not a protocol-level status
// code.
func (t *Transport) handleSendFailure(pr *pendingRequest, err error) {
	if pr.retries > 0 {
		pr.retries--
		t.logger.WithError(err).Warn("transport: write failed, retrying")
		t.send(pr)
		return
	}
	t.resolve(pr, nil, err)
}

func (t *Transport) handleTimeout(pr *pendingRequest) {
	t.queueMu.Lock()
	if t.inFlight != pr {
		t.queueMu.Unlock()
		return // already resolved by a response
	}
	t.queueMu.Unlock()

	if pr.retries > 0 {
		pr.retries--
		t.logger.Warn("transport: request timed out, retrying")
		t.send(pr)
		return
	}
	t.resolve(pr, nil, wire.ErrCommandTimeout)
}

// readResponses is the background loop draining the response
// characteristic's raw notification channel, reassembling fragments, and
// routing completed packets to the in-flight request.
func (t *Transport) readResponses(raw <-chan []byte) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case b, ok := <-raw:
			if !ok {
				return
			}
			packet := t.responseReassembler.AddFragment(b)
			if packet == nil {
				continue
			}
			env, err := t.serializer.DeserializeResponse(packet)
			if err != nil {
				t.logger.WithError(err).Warn("transport: failed to decode response envelope")
				continue
			}
			t.routeResponse(env)
		}
	}
}

func (t *Transport) routeResponse(env *wire.ResponseEnvelope) {
	t.queueMu.Lock()
	pr := t.inFlight
	if pr == nil || pr.req.ID != env.ID {
		t.queueMu.Unlock()
		t.logger.WithField("id", env.ID).Warn("transport: response id does not match in-flight request, dropped")
		return
	}
	t.inFlight = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.queueMu.Unlock()

	if env.Status != wire.StatusOK && !wire.OptsOutOfStatusCheck(pr.req.Opcode) {
		t.resolveDone(pr, nil, &wire.CommandFailed{Status: env.Status})
	} else {
		t.resolveDone(pr, env, nil)
	}
}

// resolve is used on the send path, where no in-flight slot has been
// claimed to hand back yet (write error, encode error).
func (t *Transport) resolve(pr *pendingRequest, env *wire.ResponseEnvelope, err error) {
	t.queueMu.Lock()
	if t.inFlight == pr {
		t.inFlight = nil
	}
	t.queueMu.Unlock()
	t.resolveDone(pr, env, err)
}

// resolveDone invokes the callback and advances the queue.
func (t *Transport) resolveDone(pr *pendingRequest, env *wire.ResponseEnvelope, err error) {
	if pr.onResponse != nil {
		pr.onResponse(env, err)
	}
	t.dispatchNext()
}

// readEvents is the background loop draining the event characteristic's
// raw notification channel, reassembling fragments, and publishing
// completed notifications.
func (t *Transport) readEvents(raw <-chan []byte) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case b, ok := <-raw:
			if !ok {
				return
			}
			packet := t.eventReassembler.AddFragment(b)
			if packet == nil {
				continue
			}
			if len(packet) == 0 {
				t.logger.Warn("transport: empty notification payload, dropped")
				continue
			}
			note, err := t.serializer.DeserializeNotification(packet)
			if err != nil {
				t.logger.WithError(err).Warn("transport: failed to decode notification")
				continue
			}
			t.notifications.Publish(*note)
		}
	}
}

// Close stops the background read loops and releases the notification
// subscriptions. In-flight and queued requests are abandoned without
// invoking their callbacks; callers that need cancellation results should
// drain the transport before calling Close.
func (t *Transport) Close() {
	t.cancel()
	t.wg.Wait()
	t.notifications.Close()
	t.writeAcks.Close()
	t.names.Close()
}
