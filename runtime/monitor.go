package runtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/event"
)

// defaultPollInterval is how often Queue's blocking operations poll the
// native driver for completion through Event.Wait. The event monitor
// sweeps at Options.EventMonitorIntervalMillis instead.
const defaultPollInterval = 200 * time.Microsecond

// drainTimeout bounds how long eventMonitor.stop waits for the sweep
// goroutine to notice cancellation and exit.
const drainTimeout = 2 * time.Second

// eventMonitor is the per-context goroutine that polls every outstanding
// event for completion, the host-side counterpart of the native backend's
// CHIPEventMonitor thread. It runs each event's deferred actions close to
// when the device actually finishes, rather than only when some other
// goroutine happens to call Wait on it, and it drives every
// Queue.AddCallback handshake forward. Event.Wait works without it; host
// callbacks do not run without it.
//
// It is stopped by canceling a context.Context, matching the Open
// Question resolution to drop the native implementation's pthread_yield
// spin-wait teardown in favor of an idiomatic cancellation signal. On
// cancellation it makes one final sweep, so events that have already
// finished on the device get their actions run and their callback
// handshakes released; events still pending at that point are not waited
// for. stop waits at most drainTimeout for the goroutine to exit, so it
// cannot hang if the driver itself is stuck.
// callbackRecord tracks one Queue.AddCallback handshake through the two
// points the event monitor drives it past: running the host function and
// host-signaling cpu_done once gpu_ready finishes, then releasing cpu_done
// and the record's own gpu_ack reference once gpu_ack confirms the device
// has observed it.
type callbackRecord struct {
	ready *event.Event
	fn    func()
	done  *event.Event
	ack   *event.Event
}

type eventMonitor struct {
	mu      sync.Mutex
	watched []*event.Event

	awaitingReady []*callbackRecord
	awaitingAck   []*callbackRecord

	drv       driver.Driver
	callbacks *CallbackQueue
	log       *zap.Logger
	every     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newEventMonitor(c *Context, opts Options) *eventMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &eventMonitor{
		drv:       c.drv,
		callbacks: c.backend.Callbacks(),
		log:       opts.logger().Named("eventmonitor"),
		every:     time.Duration(opts.monitorInterval()) * time.Millisecond,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// watchCallback adds a host-callback handshake to the set the monitor
// drives forward. Called by Queue.AddCallback right after the ack barrier
// has been appended.
func (m *eventMonitor) watchCallback(rec *callbackRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awaitingReady = append(m.awaitingReady, rec)
}

// watch adds an event to the set the monitor sweeps. Finished events are
// dropped from the set on the next sweep, so callers may watch an event
// immediately after creating it without tracking its lifetime themselves.
func (m *eventMonitor) watch(e *event.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched = append(m.watched, e)
}

func (m *eventMonitor) start() {
	go m.run()
}

func (m *eventMonitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			m.sweep()
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *eventMonitor) sweep() {
	m.mu.Lock()
	watched := m.watched
	m.watched = nil
	m.mu.Unlock()

	still := make([]*event.Event, 0, len(watched))
	for _, e := range watched {
		finished, err := e.UpdateFinishStatus(m.drv)
		if err != nil {
			m.log.Warn("event status query failed", zap.Error(err))
			continue
		}
		if !finished {
			still = append(still, e)
		}
	}

	m.mu.Lock()
	m.watched = append(m.watched, still...)
	m.mu.Unlock()

	m.sweepCallbacks()
}

// sweepCallbacks advances every in-flight AddCallback handshake: once a
// record's gpu_ready has finished, its host function is handed to the
// shared callback queue (which will host-signal cpu_done once the
// function returns) and the record moves to waiting on gpu_ack; once
// gpu_ack has finished, the record's references on cpu_done and gpu_ack
// are released.
func (m *eventMonitor) sweepCallbacks() {
	m.mu.Lock()
	readyPending := m.awaitingReady
	m.awaitingReady = nil
	ackPending := m.awaitingAck
	m.awaitingAck = nil
	m.mu.Unlock()

	stillReady := make([]*callbackRecord, 0, len(readyPending))
	for _, rec := range readyPending {
		finished, err := rec.ready.UpdateFinishStatus(m.drv)
		if err != nil {
			m.log.Warn("callback ready event status query failed", zap.Error(err))
			stillReady = append(stillReady, rec)
			continue
		}
		if !finished {
			stillReady = append(stillReady, rec)
			continue
		}
		rec.ready.Release()
		m.callbacks.Enqueue(Callback{Fn: rec.fn, Done: rec.done})
		ackPending = append(ackPending, rec)
	}

	stillAck := make([]*callbackRecord, 0, len(ackPending))
	for _, rec := range ackPending {
		finished, err := rec.ack.UpdateFinishStatus(m.drv)
		if err != nil {
			m.log.Warn("callback ack event status query failed", zap.Error(err))
			stillAck = append(stillAck, rec)
			continue
		}
		if !finished {
			stillAck = append(stillAck, rec)
			continue
		}
		rec.done.Release()
		rec.ack.Release()
	}

	m.mu.Lock()
	m.awaitingReady = append(m.awaitingReady, stillReady...)
	m.awaitingAck = append(m.awaitingAck, stillAck...)
	m.mu.Unlock()
}

func (m *eventMonitor) stop() {
	m.cancel()
	select {
	case <-m.done:
	case <-time.After(drainTimeout):
		m.log.Warn("event monitor did not stop within drain timeout")
	}
}
