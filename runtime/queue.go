package runtime

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/event"
	"github.com/karlwessel/chipstar-core/execitem"
	"github.com/karlwessel/chipstar-core/rterrors"
)

// maxInFlightSubmissions bounds how many regular command lists a single
// Queue may have submitted to the native driver at once, so a burst of
// launches cannot spawn an unbounded number of goroutines.
const maxInFlightSubmissions = 16

// Queue is the submission engine for one native command queue. It
// maintains stream order by chaining each submission's wait list onto the
// previous submission's signal event, the same technique the native
// backend uses instead of a full barrier between every two operations.
type Queue struct {
	mu sync.Mutex

	ctx    *Context
	dev    *Device
	handle driver.CmdQueueHandle
	kind   driver.QueueGroupKind
	drv    driver.Driver
	log    *zap.Logger

	lastEvent *event.Event

	syncOnce sync.Once
	sem      *semaphore.Weighted
}

func newQueue(ctx *Context, dev *Device, handle driver.CmdQueueHandle, kind driver.QueueGroupKind) *Queue {
	return &Queue{
		ctx: ctx, dev: dev, handle: handle, kind: kind, drv: ctx.drv,
		log: ctx.log.Named("queue"),
		sem: semaphore.NewWeighted(maxInFlightSubmissions),
	}
}

// Handle returns the native command queue handle.
func (q *Queue) Handle() driver.CmdQueueHandle { return q.handle }

func (q *Queue) useImmediateCmdLists() bool {
	return q.ctx.opts.ImmediateCmdLists && q.dev.props.SupportsImmediateCmdLists
}

// ensureSynced implements Options.DefaultQueueSync: the first time this
// queue accepts a submission, it waits for every other queue on the
// device to drain first.
func (q *Queue) ensureSynced() error {
	if !q.ctx.opts.DefaultQueueSync {
		return nil
	}
	var err error
	q.syncOnce.Do(func() {
		err = q.ctx.SyncQueues(q.dev)
	})
	return err
}

// Submit appends a kernel launch to this queue, chaining it after the
// queue's previous submission and any extra events the caller wants
// waited on, and returns the Event that signals its completion.
func (q *Queue) Submit(item *execitem.ExecItem, extraWait []*event.Event) (*event.Event, error) {
	if err := q.ensureSynced(); err != nil {
		return nil, err
	}

	kind := driver.CmdListRegular
	if q.useImmediateCmdLists() {
		kind = driver.CmdListImmediate
	}

	cl, err := q.ctx.CmdList(q.dev, kind)
	if err != nil {
		return nil, err
	}
	e, err := q.ctx.NewEvent(q.dev)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	waitOn := make([]driver.EventHandle, 0, len(extraWait)+1)
	for _, w := range extraWait {
		waitOn = append(waitOn, w.Handle())
	}
	prevLast := q.lastEvent
	if prevLast != nil {
		waitOn = append(waitOn, prevLast.Handle())
	}
	e.Retain()
	q.lastEvent = e
	q.mu.Unlock()
	if prevLast != nil {
		// The new operation waits on prevLast's native handle, so the queue's
		// reference is dropped only once the new event has finished.
		e.AddAction(func() { prevLast.Release() })
	}

	args := item.LaunchArgs()
	if err := q.drv.AppendLaunch(cl, args, waitOn, e.Handle()); err != nil {
		return nil, rterrors.Wrap(rterrors.LaunchFailure, "append kernel launch", err)
	}

	if kind == driver.CmdListRegular {
		e.AssignCmdList(cl, q.ctx)
		if err := q.submitRegular(cl); err != nil {
			return nil, err
		}
	} else {
		e.MarkRecorded()
	}
	return e, nil
}

// submitRegular hands a built-up regular command list to the native
// driver on a bounded worker goroutine, so a burst of submissions never
// blocks the submitting goroutine on driver I/O.
func (q *Queue) submitRegular(cl driver.CmdListHandle) error {
	if err := q.sem.Acquire(context.Background(), 1); err != nil {
		return rterrors.Wrap(rterrors.ResourceBusy, "acquire submission slot", err)
	}
	fence, err := q.drv.CreateFence(q.handle)
	if err != nil {
		q.sem.Release(1)
		return rterrors.Wrap(rterrors.InitializationError, "create fence", err)
	}
	go func() {
		defer q.sem.Release(1)
		defer q.drv.DestroyFence(fence)
		if err := q.drv.SubmitCmdList(q.handle, cl, fence); err != nil {
			q.log.Warn("command list submission failed", zap.Error(err))
		}
	}()
	return nil
}

// RunBlocking implements module.Launcher: it submits a single-threadgroup
// launch with the given argument buffer and blocks until it finishes,
// for the shadow-kernel device-variable protocol, which must complete
// before any user-visible submission on this queue. Bytes the kernel
// writes into its argument buffer are copied back into args before it
// returns.
func (q *Queue) RunBlocking(kernel driver.KernelHandle, grid, block [3]uint32, args []byte, layout []driver.ArgSlot) error {
	item, err := execitem.New(kernel, grid, block)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		if len(layout) == 0 {
			if err := item.SetArg(0, 0, args); err != nil {
				return err
			}
		} else {
			for _, slot := range layout {
				if err := item.SetArg(slot.Index, slot.Offset, args[slot.Offset:slot.Offset+slot.Size]); err != nil {
					return err
				}
			}
		}
	}
	e, err := q.Submit(item, nil)
	if err != nil {
		return err
	}
	defer e.Release()
	if err := e.Wait(q.drv, defaultPollInterval); err != nil {
		return err
	}
	copy(args, item.LaunchArgs().ArgBuffer)
	return nil
}

// Barrier appends a barrier that waits on every given event (and this
// queue's own prior submission) before anything submitted after it can
// start, used to implement cross-stream synchronization.
func (q *Queue) Barrier(waitOn []*event.Event) (*event.Event, error) {
	kind := driver.CmdListRegular
	if q.useImmediateCmdLists() {
		kind = driver.CmdListImmediate
	}
	cl, err := q.ctx.CmdList(q.dev, kind)
	if err != nil {
		return nil, err
	}
	e, err := q.ctx.NewEvent(q.dev)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	handles := make([]driver.EventHandle, 0, len(waitOn)+1)
	for _, w := range waitOn {
		handles = append(handles, w.Handle())
	}
	prevLast := q.lastEvent
	if prevLast != nil {
		handles = append(handles, prevLast.Handle())
	}
	e.Retain()
	q.lastEvent = e
	q.mu.Unlock()
	if prevLast != nil {
		// The new operation waits on prevLast's native handle, so the queue's
		// reference is dropped only once the new event has finished.
		e.AddAction(func() { prevLast.Release() })
	}

	if err := q.drv.AppendBarrier(cl, handles, e.Handle()); err != nil {
		return nil, rterrors.Wrap(rterrors.LaunchFailure, "append barrier", err)
	}
	if kind == driver.CmdListRegular {
		e.AssignCmdList(cl, q.ctx)
		if err := q.submitRegular(cl); err != nil {
			return nil, err
		}
	} else {
		e.MarkRecorded()
	}
	return e, nil
}

// releaseLastEvent drops this queue's reference on its own most recent
// submission, if any, used when the owning context is closing so that
// event.Pool.Close does not see it as outstanding forever.
func (q *Queue) releaseLastEvent() {
	q.mu.Lock()
	last := q.lastEvent
	q.lastEvent = nil
	q.mu.Unlock()
	if last != nil {
		last.Release()
	}
}

// enqueueMemOp appends a memory operation to this queue following the same
// stream-order chaining Submit and Barrier use, returning the event that
// signals its completion. Every public MemCopy/MemFill/MemPrefetch/...
// variant is a thin wrapper around this.
func (q *Queue) enqueueMemOp(op driver.AppendOp, args driver.MemOpArgs, extraWait []*event.Event) (*event.Event, error) {
	if err := q.ensureSynced(); err != nil {
		return nil, err
	}

	kind := driver.CmdListRegular
	if q.useImmediateCmdLists() {
		kind = driver.CmdListImmediate
	}

	cl, err := q.ctx.CmdList(q.dev, kind)
	if err != nil {
		return nil, err
	}
	e, err := q.ctx.NewEvent(q.dev)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	waitOn := make([]driver.EventHandle, 0, len(extraWait)+1)
	for _, w := range extraWait {
		waitOn = append(waitOn, w.Handle())
	}
	prevLast := q.lastEvent
	if prevLast != nil {
		waitOn = append(waitOn, prevLast.Handle())
	}
	e.Retain()
	q.lastEvent = e
	q.mu.Unlock()
	if prevLast != nil {
		// The new operation waits on prevLast's native handle, so the queue's
		// reference is dropped only once the new event has finished.
		e.AddAction(func() { prevLast.Release() })
	}

	if err := q.drv.AppendMemOp(cl, op, args, waitOn, e.Handle()); err != nil {
		return nil, rterrors.Wrap(rterrors.LaunchFailure, "append memory operation", err)
	}

	if kind == driver.CmdListRegular {
		e.AssignCmdList(cl, q.ctx)
		if err := q.submitRegular(cl); err != nil {
			return nil, err
		}
	} else {
		e.MarkRecorded()
	}
	return e, nil
}

// blockingMemOp enqueues a memory operation and blocks the calling
// goroutine until it finishes, releasing the event afterward, for the
// synchronous Mem* variants.
func (q *Queue) blockingMemOp(op driver.AppendOp, args driver.MemOpArgs) error {
	e, err := q.enqueueMemOp(op, args, nil)
	if err != nil {
		return err
	}
	defer e.Release()
	return e.Wait(q.drv, defaultPollInterval)
}

// MemCopyAsync enqueues a linear device-memory copy and returns immediately
// with the event that signals its completion.
func (q *Queue) MemCopyAsync(dst, src uintptr, size int, extraWait []*event.Event) (*event.Event, error) {
	return q.enqueueMemOp(driver.OpMemCopy, driver.MemOpArgs{Dst: dst, Src: src, Size: size}, extraWait)
}

// MemCopy enqueues a linear device-memory copy and blocks until it
// finishes.
func (q *Queue) MemCopy(dst, src uintptr, size int) error {
	return q.blockingMemOp(driver.OpMemCopy, driver.MemOpArgs{Dst: dst, Src: src, Size: size})
}

// MemFillAsync enqueues a fill of size bytes at dst with the repeating
// pattern and returns immediately with the event that signals completion.
func (q *Queue) MemFillAsync(dst uintptr, pattern []byte, size int, extraWait []*event.Event) (*event.Event, error) {
	return q.enqueueMemOp(driver.OpMemFill, driver.MemOpArgs{Dst: dst, Pattern: pattern, Size: size}, extraWait)
}

// MemFill enqueues a fill and blocks until it finishes.
func (q *Queue) MemFill(dst uintptr, pattern []byte, size int) error {
	return q.blockingMemOp(driver.OpMemFill, driver.MemOpArgs{Dst: dst, Pattern: pattern, Size: size})
}

// MemCopy2DAsync enqueues a pitched 2D copy and returns immediately with
// the event that signals completion.
func (q *Queue) MemCopy2DAsync(dst uintptr, dstPitch int, src uintptr, srcPitch int, width, height int, extraWait []*event.Event) (*event.Event, error) {
	return q.enqueueMemOp(driver.OpMemCopy2D, driver.MemOpArgs{
		Dst: dst, Src: src, DstPitch: dstPitch, SrcPitch: srcPitch, Width: width, Height: height,
	}, extraWait)
}

// MemCopy2D enqueues a pitched 2D copy and blocks until it finishes.
func (q *Queue) MemCopy2D(dst uintptr, dstPitch int, src uintptr, srcPitch int, width, height int) error {
	return q.blockingMemOp(driver.OpMemCopy2D, driver.MemOpArgs{
		Dst: dst, Src: src, DstPitch: dstPitch, SrcPitch: srcPitch, Width: width, Height: height,
	})
}

// MemCopy3DAsync enqueues a pitched 3D copy and returns immediately with
// the event that signals completion.
func (q *Queue) MemCopy3DAsync(dst uintptr, dstPitch, dstSlicePitch int, src uintptr, srcPitch, srcSlicePitch int, width, height, depth int, extraWait []*event.Event) (*event.Event, error) {
	return q.enqueueMemOp(driver.OpMemCopy3D, driver.MemOpArgs{
		Dst: dst, Src: src,
		DstPitch: dstPitch, SrcPitch: srcPitch,
		DstSlicePitch: dstSlicePitch, SrcSlicePitch: srcSlicePitch,
		Width: width, Height: height, Depth: depth,
	}, extraWait)
}

// MemCopy3D enqueues a pitched 3D copy and blocks until it finishes.
func (q *Queue) MemCopy3D(dst uintptr, dstPitch, dstSlicePitch int, src uintptr, srcPitch, srcSlicePitch int, width, height, depth int) error {
	return q.blockingMemOp(driver.OpMemCopy3D, driver.MemOpArgs{
		Dst: dst, Src: src,
		DstPitch: dstPitch, SrcPitch: srcPitch,
		DstSlicePitch: dstSlicePitch, SrcSlicePitch: srcSlicePitch,
		Width: width, Height: height, Depth: depth,
	})
}

// MemCopyToTexture enqueues a copy from linear device memory into an image
// resource and blocks until it finishes. Unlike the other Mem* operations
// it has no Async variant: image copies always precede a kernel launch
// that samples the texture, so there is nothing useful to overlap them
// with on this queue.
func (q *Queue) MemCopyToTexture(dst driver.ImageHandle, src uintptr, size int) error {
	return q.blockingMemOp(driver.OpMemCopyToImage, driver.MemOpArgs{Dst: uintptr(dst), Src: src, Size: size})
}

// MemPrefetchAsync hints the native driver to migrate size bytes at ptr to
// this queue's device ahead of use, returning immediately with the event
// that signals completion.
func (q *Queue) MemPrefetchAsync(ptr uintptr, size int, extraWait []*event.Event) (*event.Event, error) {
	return q.enqueueMemOp(driver.OpMemPrefetch, driver.MemOpArgs{Dst: ptr, Size: size}, extraWait)
}

// MemPrefetch hints the native driver to migrate size bytes at ptr to this
// queue's device and blocks until the migration finishes.
func (q *Queue) MemPrefetch(ptr uintptr, size int) error {
	return q.blockingMemOp(driver.OpMemPrefetch, driver.MemOpArgs{Dst: ptr, Size: size})
}

// EnqueueMarker appends a point in the stream that becomes signaled once
// the device reaches it, without itself waiting on anything beyond the
// stream-order chain every operation already maintains. Used by
// AddCallback's gpu_ready half of the host-callback handshake, and
// available directly for callers that just want to know when the queue
// has drained up to this point.
func (q *Queue) EnqueueMarker() (*event.Event, error) {
	return q.Barrier(nil)
}

// AddCallback enqueues a host function to run once this queue's stream
// reaches the point where AddCallback was called, implementing the
// gpu_ready/cpu_done/gpu_ack host-callback protocol: a marker (ready) is
// appended to the stream; once the event monitor observes it finished, fn
// runs on the shared callback queue and a purely host-signaled event
// (done) is raised; a barrier waiting on done (ack) blocks any work
// submitted to this queue after AddCallback until fn has actually
// returned, so later device work cannot run ahead of a host callback that
// was supposed to precede it.
//
// The returned event signals gpu_ack and, like any other Queue operation's
// return value, must be released by the caller once no longer needed.
func (q *Queue) AddCallback(fn func()) (*event.Event, error) {
	ready, err := q.EnqueueMarker()
	if err != nil {
		return nil, err
	}
	done, err := q.ctx.NewEvent(q.dev)
	if err != nil {
		ready.Release()
		return nil, err
	}
	ack, err := q.Barrier([]*event.Event{done})
	if err != nil {
		ready.Release()
		done.Release()
		return nil, err
	}

	// The record holds its own reference on ack until the monitor has seen
	// it finish, independent of the caller's.
	ack.Retain()
	q.ctx.monitor.watchCallback(&callbackRecord{ready: ready, fn: fn, done: done, ack: ack})
	return ack, nil
}

// Synchronize blocks until every operation submitted to this queue so far
// has finished.
func (q *Queue) Synchronize() error {
	q.mu.Lock()
	last := q.lastEvent
	if last != nil {
		last.Retain()
	}
	q.mu.Unlock()
	if last == nil {
		return nil
	}
	defer last.Release()
	return last.Wait(q.drv, defaultPollInterval)
}
