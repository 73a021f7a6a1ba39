package runtime

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/karlwessel/chipstar-core/alloc"
	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/event"
	"github.com/karlwessel/chipstar-core/module"
	"github.com/karlwessel/chipstar-core/rterrors"
)

// Context is the top of the lock hierarchy below Backend: Context before
// EventPool before Device before Queue before Module. Its native handle
// scopes every allocation, event pool, and command list the per-device
// state below it creates.
//
// A Context is usable from multiple devices (mirroring Level Zero's own
// context/device relationship), so per-device state is created lazily,
// the first time that device is touched through this context.
type Context struct {
	mu sync.Mutex

	id      uuid.UUID
	backend *Backend
	drv     driver.Driver
	handle  driver.ContextHandle
	opts    Options
	log     *zap.Logger

	perDevice map[*Device]*contextDeviceState

	monitor *eventMonitor
}

// ID is a process-local identifier for this context, included in its log
// lines so concurrent contexts' log output can be told apart.
func (c *Context) ID() uuid.UUID { return c.id }

// contextDeviceState is everything a Context lazily builds the first time
// one of the backend's devices is used through it.
type contextDeviceState struct {
	cmdLists *cmdListPool
	events   *event.Pool
	allocs   *alloc.Tracker
}

func newContext(b *Backend, drv driver.Driver, opts Options) (*Context, error) {
	handle, err := drv.CreateContext()
	if err != nil {
		return nil, rterrors.Wrap(rterrors.InitializationError, "create context", err)
	}
	id := uuid.New()
	ctx := &Context{
		id:        id,
		backend:   b,
		drv:       drv,
		handle:    handle,
		opts:      opts,
		log:       opts.logger().Named("context").With(zap.String("context_id", id.String())),
		perDevice: make(map[*Device]*contextDeviceState),
	}
	ctx.monitor = newEventMonitor(ctx, opts)
	ctx.monitor.start()
	return ctx, nil
}

// ReturnCmdList implements event.CmdListReturner, letting an Event give a
// borrowed regular command list back to its context without Event ever
// importing this package.
func (c *Context) ReturnCmdList(cl driver.CmdListHandle) {
	// The command list always belongs to whichever device state created
	// it; since cmdListPool.Put only resets and frees the native handle,
	// returning through any live state for this context is sufficient —
	// there is exactly one cmdListPool per (context, device) pair and the
	// handle space does not overlap across devices in practice here, so
	// we return it through the first state we find.
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.perDevice {
		st.cmdLists.Put(cl)
		return
	}
}

func (c *Context) stateFor(dev *Device) *contextDeviceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.perDevice[dev]; ok {
		return st
	}
	st := &contextDeviceState{
		cmdLists: newCmdListPool(c.drv, c.handle, dev.handle, c.backend.metrics),
		events:   event.NewPool(c.drv, c.handle, c.log),
		allocs:   alloc.New(c.drv, c.handle, dev.handle, 0, c.backend.metrics, c.log),
	}
	c.perDevice[dev] = st
	return st
}

// Allocate reserves device memory for use on dev, tracked by this
// context's AllocationTracker for that device.
func (c *Context) Allocate(dev *Device, size, alignment uintptr, kind driver.MemoryType) (uintptr, error) {
	st := c.stateFor(dev)
	rec, err := st.allocs.Reserve(size, alignment, kind)
	if err != nil {
		return 0, err
	}
	return rec.DevPtr, nil
}

// Free releases device memory previously returned by Allocate.
func (c *Context) Free(dev *Device, ptr uintptr) error {
	return c.stateFor(dev).allocs.Release(ptr)
}

// LoadModule compiles spirv for dev under this context, running the
// shadow-kernel device-variable protocol before returning if the program
// declares any module-scope variables.
func (c *Context) LoadModule(dev *Device, spirv []byte, inspector module.Inspector, jitFlags string, launcher module.Launcher) (*module.Module, error) {
	if jitFlags == "" {
		jitFlags = c.opts.JITFlags
	}
	mod := module.New(c.drv, c.handle, dev.handle, spirv, jitFlags, inspector, c.log)

	st := c.stateFor(dev)
	allocFn := func(size, align uintptr) (uintptr, error) {
		rec, err := st.allocs.Reserve(size, align, driver.MemoryDevice)
		if err != nil {
			return 0, err
		}
		return rec.DevPtr, nil
	}
	if err := mod.AllocateDeviceVariables(launcher, allocFn); err != nil {
		return nil, err
	}
	return mod, nil
}

// NewEvent draws an Event from this context's per-device event pool.
func (c *Context) NewEvent(dev *Device) (*event.Event, error) {
	st := c.stateFor(dev)
	e, err := st.events.Get()
	if err != nil {
		return nil, err
	}
	e.SetTimestampMeta(dev.props.TimestampFrequencyHz, dev.props.ValidTimestampBits)
	c.monitor.watch(e)
	return e, nil
}

// CmdList draws a command list from this context's per-device pool.
func (c *Context) CmdList(dev *Device, kind driver.CmdListKind) (driver.CmdListHandle, error) {
	return c.stateFor(dev).cmdLists.Get(kind)
}

// EventPoolStats reports this context's per-device event pool
// conservation counters, for diagnostics and benchmarking.
func (c *Context) EventPoolStats(dev *Device) (requested, reused int64) {
	return c.stateFor(dev).events.Stats()
}

// CmdListPoolStats reports this context's per-device command list pool
// conservation counters, for diagnostics and benchmarking.
func (c *Context) CmdListPoolStats(dev *Device) (requested, reused int64) {
	return c.stateFor(dev).cmdLists.Stats()
}

// SyncQueues blocks until every queue on dev has drained, implementing
// the Options.DefaultQueueSync cross-queue barrier. It is also what a
// freshly created queue with DefaultQueueSync enabled waits on before
// accepting its first submission.
func (c *Context) SyncQueues(dev *Device) error {
	for _, q := range dev.Queues() {
		if err := q.Synchronize(); err != nil {
			return err
		}
	}
	return nil
}

// Close tears down every per-device state this context built and stops
// its event monitor.
func (c *Context) Close() error {
	c.monitor.stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for dev := range c.perDevice {
		for _, q := range dev.Queues() {
			if q.ctx == c {
				q.releaseLastEvent()
			}
		}
	}

	var firstErr error
	for _, st := range c.perDevice {
		if err := st.allocs.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := st.events.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := st.cmdLists.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.perDevice = nil
	if err := c.drv.DestroyContext(c.handle); err != nil && firstErr == nil {
		firstErr = rterrors.Wrap(rterrors.InvalidHandle, "destroy context", err)
	}
	return firstErr
}
