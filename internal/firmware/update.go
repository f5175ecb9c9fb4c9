package firmware

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacquard-go/jacquard/internal/ble"
	"github.com/jacquard-go/jacquard/internal/component"
	"github.com/jacquard-go/jacquard/internal/streams"
	"github.com/jacquard-go/jacquard/internal/wire"
)

// lowBatteryThresholdPercent is the preflight policy threshold.
const lowBatteryThresholdPercent = 10

// postExecuteWatchdog bounds how long the update orchestrator waits for a
// post-execute activation confirmation before declaring completion anyway.
const postExecuteWatchdog = 60 * time.Second

// UpdateKind enumerates the firmware-update state machine's states.
type UpdateKind int

const (
	UpdateIdle UpdateKind = iota
	UpdatePreparingForTransfer
	UpdateTransferring
	UpdateTransferred
	UpdateExecuting
	UpdateCompleted
	UpdateError
	UpdateStopped
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateIdle:
		return "idle"
	case UpdatePreparingForTransfer:
		return "preparing_for_transfer"
	case UpdateTransferring:
		return "transferring"
	case UpdateTransferred:
		return "transferred"
	case UpdateExecuting:
		return "executing"
	case UpdateCompleted:
		return "completed"
	case UpdateError:
		return "error"
	case UpdateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// UpdateState is the tagged union published by Update.
type UpdateState struct {
	Kind     UpdateKind
	Progress float64
	Err      error
}

// connectionQuery is the narrow slice of connection state this machine
// needs at preflight time, kept as an interface so Update itself does not
// depend on internal/connection (only manager.go in this package imports
// it, for the connection.FirmwareStarter seam).
type connectionQuery interface {
	IsConnected() bool
}

// Update sequences one or more DFUUpdateInfo transfers against a single
// connected tag. It must be driven from a single owning
// goroutine.
type Update struct {
	logger *logrus.Entry
	tr     requester
	conn   connectionQuery

	updates         []DFUUpdateInfo
	shouldAutoExec  bool
	currentWriter   *ImageWriter
	attached        *component.AttachedSet

	state  UpdateState
	states *streams.Subject[UpdateState]

	watchdog *time.Timer
	stopCh   chan struct{}
	pending  map[uint32]bool
}

// SetAttachedComponents supplies the live gear-attachment set used to
// resolve a gear-targeted update's expected execute-notification component
// id. Optional; without it, gear updates match on the module id itself.
func (u *Update) SetAttachedComponents(a *component.AttachedSet) {
	u.attached = a
}

// NewUpdate constructs an orchestrator for updates, run against tr.
// shouldAutoExecute is the "should_auto_execute" knob: whether the
// orchestrator fires dfu_execute itself once transfer completes.
func NewUpdate(tr requester, conn connectionQuery, updates []DFUUpdateInfo, shouldAutoExecute bool) *Update {
	u := &Update{
		logger:         logrus.WithField("component", "firmware_update"),
		tr:             tr,
		conn:           conn,
		updates:        updates,
		shouldAutoExec: shouldAutoExecute,
		states:         streams.NewSubject[UpdateState](),
		stopCh:         make(chan struct{}),
	}
	u.transitionTo(UpdateState{Kind: UpdateIdle})
	return u
}

// States is the replay-latest state stream.
func (u *Update) States() (<-chan UpdateState, func()) { return u.states.Subscribe() }

func (u *Update) transitionTo(s UpdateState) {
	u.state = s
	u.logger.WithField("state", s.Kind.String()).Debug("firmware_update: transition")
	u.states.Publish(s)
}

// ApplyUpdates begins the preflight+transfer sequence: it queries
// battery_status itself, and for any gear-targeted update discovers the
// currently loaded modules via list_modules and unloads the ones that
// collide before the image writer runs. A second call while a run is
// already in progress fails fast with InvalidState and does not disturb
// the running transfer.
func (u *Update) ApplyUpdates() error {
	if u.state.Kind != UpdateIdle {
		return &wire.InvalidStateError{Msg: "apply_updates called while a run is already in progress"}
	}
	if u.conn != nil && !u.conn.IsConnected() {
		u.fail(wire.ErrTagDisconnected)
		return nil
	}

	u.transitionTo(UpdateState{Kind: UpdatePreparingForTransfer})
	u.queryBatteryStatus()
	return nil
}

// queryBatteryStatus sends the preflight battery_status request. A
// successful reply below the threshold and not charging is fatal; a
// failed request is treated the same as a low reading, since the
// orchestrator cannot safely proceed without knowing the tag's power
// state.
func (u *Update) queryBatteryStatus() {
	req := &wire.RequestEnvelope{Domain: wire.DomainPower, Opcode: wire.OpcodeBatteryStatus}
	u.tr.Enqueue(req, ble.WriteWithResponse, dfuRequestRetries, dfuRequestTimeout, func(resp *wire.ResponseEnvelope, err error) {
		if u.state.Kind != UpdatePreparingForTransfer {
			return
		}
		if err != nil {
			u.logger.WithError(err).Warn("firmware_update: battery_status query failed")
			u.fail(wire.ErrLowBattery)
			return
		}
		status, _ := resp.Payload.(*wire.BatteryStatusResponse)
		if status == nil {
			u.fail(wire.ErrLowBattery)
			return
		}
		if status.LevelPercent < lowBatteryThresholdPercent && !status.Charging {
			u.fail(wire.ErrLowBattery)
			return
		}
		u.runModuleUnloadStep()
	})
}

// runModuleUnloadStep discovers the currently loaded modules via
// list_modules and unloads the ones any pending update would overwrite,
// before handing off to the transfer loop. Skipped entirely when no
// update targets a gear module.
func (u *Update) runModuleUnloadStep() {
	var targeted []uint32
	for _, up := range u.updates {
		if up.ModuleID != nil {
			targeted = append(targeted, *up.ModuleID)
		}
	}
	if len(targeted) == 0 {
		u.runTransferLoop(0)
		return
	}

	req := &wire.RequestEnvelope{Domain: wire.DomainModule, Opcode: wire.OpcodeListModules}
	u.tr.Enqueue(req, ble.WriteWithResponse, dfuRequestRetries, dfuRequestTimeout, func(resp *wire.ResponseEnvelope, err error) {
		if u.state.Kind != UpdatePreparingForTransfer {
			return
		}
		if err != nil {
			u.logger.WithError(err).Warn("firmware_update: list_modules failed, skipping unload step")
			u.runTransferLoop(0)
			return
		}
		listed, _ := resp.Payload.(*wire.ListModulesResponse)
		var loaded map[uint32]bool
		if listed != nil {
			loaded = make(map[uint32]bool, len(listed.ModuleIDs))
			for _, m := range listed.ModuleIDs {
				loaded[m] = true
			}
		}
		var toUnload []uint32
		for _, mid := range targeted {
			if loaded[mid] {
				toUnload = append(toUnload, mid)
			}
		}
		u.unloadModules(toUnload, 0, func() {
			u.runTransferLoop(0)
		})
	})
}

func (u *Update) unloadModules(moduleIDs []uint32, i int, next func()) {
	if i >= len(moduleIDs) {
		next()
		return
	}
	if u.state.Kind != UpdatePreparingForTransfer {
		return
	}
	req := &wire.RequestEnvelope{
		Domain:  wire.DomainModule,
		Opcode:  wire.OpcodeUnloadModule,
		Payload: &wire.UnloadModuleRequest{ModuleID: moduleIDs[i]},
	}
	u.tr.Enqueue(req, ble.WriteWithResponse, dfuRequestRetries, dfuRequestTimeout, func(resp *wire.ResponseEnvelope, err error) {
		if err != nil {
			u.logger.WithError(err).Warn("firmware_update: module unload failed, continuing anyway")
		}
		u.unloadModules(moduleIDs, i+1, next)
	})
}

func (u *Update) runTransferLoop(i int) {
	select {
	case <-u.stopCh:
		u.transitionTo(UpdateState{Kind: UpdateStopped})
		return
	default:
	}
	if i >= len(u.updates) {
		u.transitionTo(UpdateState{Kind: UpdateTransferred})
		if u.shouldAutoExec {
			u.ExecuteUpdates()
		}
		return
	}
	up := u.updates[i]
	w := NewImageWriter(u.tr, u.expectedComponentID(up), up.VendorID, up.ProductID, up.Binary)
	u.currentWriter = w
	states, cancel := w.States()
	go func() {
		defer cancel()
		for s := range states {
			switch s.Kind {
			case WriterWriting:
				u.transitionTo(UpdateState{Kind: UpdateTransferring, Progress: (float64(i) + s.Progress) / float64(len(u.updates))})
			case WriterComplete:
				u.runTransferLoop(i + 1)
				return
			case WriterError:
				u.fail(&wire.TransferError{Cause: s.Err})
				return
			}
		}
	}()
	w.Start()
}

// expectedComponentID resolves the component id that should confirm
// activation of up: 0 for the tag itself, or the live attach id for a gear
// module if an AttachedSet was supplied: a capability/component-id match
// rather than a hard-coded vid/pid check. Falls back to the module id
// itself when no attached set is known.
func (u *Update) expectedComponentID(up DFUUpdateInfo) uint32 {
	if up.IsTagTargeted() {
		return 0
	}
	if u.attached != nil {
		if cid, ok := u.attached.ComponentIDForModule(*up.ModuleID); ok {
			return cid
		}
	}
	return *up.ModuleID
}

// ExecuteUpdates sends dfu_execute for every transferred image. Safe to
// call once transferred, either automatically (should_auto_execute) or
// explicitly.
func (u *Update) ExecuteUpdates() {
	if u.state.Kind != UpdateTransferred {
		u.fail(&wire.InvalidStateError{Msg: "execute_updates called outside transferred"})
		return
	}
	u.transitionTo(UpdateState{Kind: UpdateExecuting})
	u.pending = make(map[uint32]bool, len(u.updates))
	for _, up := range u.updates {
		u.pending[u.expectedComponentID(up)] = true
	}
	u.watchdog = time.AfterFunc(postExecuteWatchdog, func() {
		u.onExecuteSettled(nil)
	})
	remaining := len(u.updates)
	for _, up := range u.updates {
		req := &wire.RequestEnvelope{
			Domain:  wire.DomainDFU,
			Opcode:  wire.OpcodeDFUExecute,
			Payload: &wire.DFUExecuteRequest{VendorID: up.VendorID, ProductID: up.ProductID},
		}
		u.tr.Enqueue(req, ble.WriteWithResponse, 1, 5*time.Second, func(resp *wire.ResponseEnvelope, err error) {
			remaining--
			if err != nil {
				u.logger.WithError(err).Warn("firmware_update: dfu_execute write failed (tag may have already rebooted)")
			}
			if remaining == 0 {
				// Tag-targeted images reboot; completion is confirmed by the
				// reconnect + post-execute notification path, or the watchdog.
			}
		})
	}
}

// OnExecuteNotification feeds a dfu_execute_notification payload in,
// confirming activation for one component. Completion fires only once
// every targeted component (tag and/or gear) has confirmed.
func (u *Update) OnExecuteNotification(n *wire.DFUExecuteNotificationPayload) {
	if u.state.Kind != UpdateExecuting {
		return
	}
	if n != nil {
		delete(u.pending, n.ComponentID)
	}
	if len(u.pending) == 0 {
		u.onExecuteSettled(n)
	}
}

// OnReconnected is called by the connection state machine's owner once a
// reconnect succeeds after a tag-targeted execute, confirming activation
// for tag-targeted images even without an explicit notification.
func (u *Update) OnReconnected(tag *component.Component) {
	if u.state.Kind != UpdateExecuting {
		return
	}
	u.onExecuteSettled(nil)
}

func (u *Update) onExecuteSettled(n *wire.DFUExecuteNotificationPayload) {
	if u.state.Kind != UpdateExecuting {
		return
	}
	if u.watchdog != nil {
		u.watchdog.Stop()
		u.watchdog = nil
	}
	u.transitionTo(UpdateState{Kind: UpdateCompleted})
}

// StopUpdates cancels the in-progress transfer chain. Accepted only from
// preparing_for_transfer, transferring, or transferred; any other state
// is a precondition error.
func (u *Update) StopUpdates() error {
	switch u.state.Kind {
	case UpdatePreparingForTransfer, UpdateTransferring, UpdateTransferred:
		close(u.stopCh)
		return nil
	default:
		return &wire.InvalidStateError{Msg: "stop_updates called outside a stoppable state"}
	}
}

func (u *Update) fail(err error) {
	u.transitionTo(UpdateState{Kind: UpdateError, Err: err})
}
