// Package event implements the Event and EventPool primitives that the
// rest of the runtime synchronizes on. An Event tracks a native driver
// event handle through a small state machine and carries a list of
// deferred actions (host callbacks, resource releases) to run exactly once
// when the event reaches its terminal state.
//
// Event deliberately does not import the package that owns Context: it
// only needs a narrow capability, returning a borrowed command list when
// the event finishes, which is expressed here as the CmdListReturner
// interface. This keeps the dependency edge pointing one way (runtime ->
// event) instead of both ways.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/rterrors"
)

// Status is the lifecycle state of an Event, matching the native event's
// own signal/reset protocol.
type Status int32

const (
	StatusInit Status = iota
	StatusRecording
	StatusRecorded
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "Init"
	case StatusRecording:
		return "Recording"
	case StatusRecorded:
		return "Recorded"
	case StatusFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// CmdListReturner is the capability an Event needs from its owning
// context: give back a command list once this event's wait is satisfied.
// Implemented by the runtime package's Context; event never imports it.
type CmdListReturner interface {
	ReturnCmdList(driver.CmdListHandle)
}

// Action is a deferred callback run exactly once when an Event finishes.
// Used for host callbacks queued via AddAction and for releasing resources
// pinned by an in-flight operation (e.g. a DeviceVar's scratch buffer).
type Action func()

// Event wraps a native event handle with the host-side bookkeeping the
// runtime needs: refcounting so a shared event outlives every queue that
// references it, a deferred-action list, and cached timestamps.
type Event struct {
	mu sync.Mutex

	handle driver.EventHandle
	pool   *Pool
	slot   int

	status   Status
	refcount int32

	cmdList     driver.CmdListHandle
	hasCmdList  bool
	returner    CmdListReturner

	actions []Action

	deviceTicksEnd uint64
	hostNanos      int64
	frequencyHz    uint64
	validBits      uint32

	log *zap.Logger
}

func newEvent(pool *Pool, handle driver.EventHandle, slot int, log *zap.Logger) *Event {
	if log == nil {
		log = zap.NewNop()
	}
	return &Event{
		handle:   handle,
		pool:     pool,
		slot:     slot,
		status:   StatusInit,
		refcount: 1,
		log:      log.With(zap.Uint64("eventHandle", uint64(handle)), zap.Int("slot", slot)),
	}
}

// Handle returns the native handle backing this event.
func (e *Event) Handle() driver.EventHandle { return e.handle }

// Retain increments the refcount; paired with Release.
func (e *Event) Retain() { atomic.AddInt32(&e.refcount, 1) }

// Release decrements the refcount and, when it drops to zero, runs any
// deferred actions still pending and returns the event to its pool. Returns true if this call released the event.
func (e *Event) Release() bool {
	if atomic.AddInt32(&e.refcount, -1) > 0 {
		return false
	}
	e.mu.Lock()
	actions := e.actions
	e.actions = nil
	e.status = StatusInit
	e.hasCmdList = false
	e.mu.Unlock()

	for _, a := range actions {
		a()
	}
	if e.pool != nil {
		e.pool.recycle(e)
	}
	return true
}

// reviveForReuse resets the refcount a freshly-handed-out idle event starts
// at back to 1. Release drives it to 0 before recycle pushes it onto the
// idle list; without this, the next Get would hand out an event at
// refcount 0 and the first Retain/Release pair against it would recycle it
// while something else still held a reference.
func (e *Event) reviveForReuse() {
	atomic.StoreInt32(&e.refcount, 1)
}

// AssignCmdList records the command list this event's completion should
// return to the context, using the narrow CmdListReturner capability
// instead of a direct Context reference.
func (e *Event) AssignCmdList(cl driver.CmdListHandle, returner CmdListReturner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cmdList = cl
	e.hasCmdList = true
	e.returner = returner
	e.status = StatusRecording
}

// MarkRecorded transitions Init/Recording -> Recorded, once the native
// driver has accepted the signal into a submitted command list.
func (e *Event) MarkRecorded() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusInit {
		e.status = StatusRecording
	}
	e.status = StatusRecorded
}

// AddAction appends a deferred action to run once, when the event
// transitions to StatusFinished. If the event has already finished, the
// action runs immediately and synchronously.
func (e *Event) AddAction(a Action) {
	e.mu.Lock()
	if e.status == StatusFinished {
		e.mu.Unlock()
		a()
		return
	}
	e.actions = append(e.actions, a)
	e.mu.Unlock()
}

// UpdateFinishStatus polls the native driver for completion and, the first
// time it observes completion, runs every deferred action and returns the
// pinned command list to its context. It is idempotent: calling it after
// the event has already finished is a no-op cheaper than a driver round
// trip.
func (e *Event) UpdateFinishStatus(drv driver.Driver) (bool, error) {
	e.mu.Lock()
	if e.status == StatusFinished {
		e.mu.Unlock()
		return true, nil
	}
	e.mu.Unlock()

	finished, err := drv.QueryEventStatus(e.handle)
	if err != nil {
		return false, rterrors.Wrap(rterrors.InvalidHandle, "query event status", err)
	}
	if !finished {
		return false, nil
	}

	e.mu.Lock()
	if e.status == StatusFinished {
		e.mu.Unlock()
		return true, nil
	}
	e.status = StatusFinished
	ticks, hostNanos, tsErr := drv.EventTimestamps(e.handle)
	if tsErr == nil {
		e.deviceTicksEnd = ticks
		e.hostNanos = hostNanos
	}
	actions := e.actions
	e.actions = nil
	cl, hasCmdList, returner := e.cmdList, e.hasCmdList, e.returner
	e.hasCmdList = false
	e.mu.Unlock()

	for _, a := range actions {
		a()
	}
	if hasCmdList && returner != nil {
		returner.ReturnCmdList(cl)
	}
	e.log.Debug("event finished")
	return true, nil
}

// Wait blocks the calling goroutine, polling the native driver at a fixed
// interval, until the event finishes or the driver reports an error.
// Queue.Synchronize and the blocking Queue operations in the runtime
// package build on this.
func (e *Event) Wait(drv driver.Driver, poll time.Duration) error {
	for {
		finished, err := e.UpdateFinishStatus(drv)
		if err != nil {
			return err
		}
		if finished {
			return nil
		}
		time.Sleep(poll)
	}
}

// HostSignal signals the event directly from host code, used by the
// callback protocol's cpu_done step.
func (e *Event) HostSignal(drv driver.Driver) error {
	if err := drv.HostSignalEvent(e.handle); err != nil {
		return rterrors.Wrap(rterrors.InvalidHandle, "host signal event", err)
	}
	return nil
}

// ElapsedMillis computes the elapsed time between two recorded events,
// correcting for native timestamp counter wraparound using the device's
// valid bit width, mirroring the Level Zero backend's timestamp math. When
// the device reported no usable clock frequency, it falls back to the host
// timestamps captured when each event finished.
func ElapsedMillis(start, end *Event) (float64, error) {
	start.mu.Lock()
	startTicks, startHostNanos, freq, bits := start.deviceTicksEnd, start.hostNanos, start.frequencyHz, start.validBits
	start.mu.Unlock()

	end.mu.Lock()
	endTicks, endHostNanos := end.deviceTicksEnd, end.hostNanos
	end.mu.Unlock()

	if freq == 0 {
		if startHostNanos == 0 || endHostNanos == 0 {
			return 0, rterrors.New(rterrors.NotReady, "event has no timestamp frequency recorded")
		}
		return float64(endHostNanos-startHostNanos) / 1e6, nil
	}

	mask := uint64(1)<<uint64(bits) - 1
	delta := (endTicks - startTicks) & mask
	seconds := float64(delta) / float64(freq)
	return seconds * 1000.0, nil
}

// SetTimestampMeta records the device clock frequency and valid-bit width
// used for wraparound correction; the runtime calls this once per event
// right after creation, from the owning Device's cached properties.
func (e *Event) SetTimestampMeta(frequencyHz uint64, validBits uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frequencyHz = frequencyHz
	e.validBits = validBits
}

// CurrentStatus returns the event's current lifecycle state.
func (e *Event) CurrentStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}
