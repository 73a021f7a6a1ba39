package runtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/event"
)

// Callback is one host function queued to run after a device-side
// operation signals readiness, together with the three events the
// three-step handshake below needs.
type Callback struct {
	// Ready is signaled by the device once it has reached the point in
	// the stream where the callback should run.
	Ready *event.Event
	// Fn is the user's host function.
	Fn func()
	// Done is signaled by this queue once Fn has returned, so a device
	// waiting on it (to preserve stream order across the callback) can
	// proceed. Ack is the device-side barrier event that finishes once
	// the device has observed Done, completing the three-event
	// gpu_ready / cpu_done / gpu_ack handshake the native backend uses to
	// keep host callbacks from reordering relative to device work queued
	// after them.
	Done *event.Event
	Ack  *event.Event
}

// CallbackQueue dispatches host callbacks strictly in the order they were
// enqueued, on a single dedicated goroutine, so two callbacks from the
// same stream can never run concurrently or out of order relative to each
// other.
type CallbackQueue struct {
	mu      sync.Mutex
	pending []Callback
	cond    *sync.Cond
	stopped bool
	done    chan struct{}
	drv     driver.Driver
	log     *zap.Logger
}

func newCallbackQueue(drv driver.Driver, log *zap.Logger) *CallbackQueue {
	q := &CallbackQueue{done: make(chan struct{}), drv: drv, log: log.Named("callbackqueue")}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *CallbackQueue) start() {
	go q.run()
}

func (q *CallbackQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped && len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		cb := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.dispatch(cb)
	}
}

func (q *CallbackQueue) dispatch(cb Callback) {
	if cb.Fn != nil {
		q.runFn(cb.Fn)
	}
	if cb.Done != nil {
		cb.Done.Retain()
		if err := cb.Done.HostSignal(q.drv); err != nil {
			q.log.Warn("host signal of callback completion event failed", zap.Error(err))
		}
		cb.Done.Release()
	}
}

// runFn invokes a user callback with a recover guard: a panicking callback
// must not kill the dispatch goroutine, since every later callback on
// every queue shares it, and cpu_done must still be signaled afterward or
// the stream deadlocks behind the ack barrier regardless of what the
// callback body did.
func (q *CallbackQueue) runFn(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("host callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// Enqueue appends a callback to run once its Ready event (if any) has
// already been observed finished by the caller; CallbackQueue itself does
// not wait on Ready, since that waiting happens in the EventMonitor sweep
// that decided it was time to enqueue this callback.
func (q *CallbackQueue) Enqueue(cb Callback) {
	q.mu.Lock()
	q.pending = append(q.pending, cb)
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *CallbackQueue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}
