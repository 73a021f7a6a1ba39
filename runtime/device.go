package runtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/rterrors"
)

// Device is the host-side handle for one native device the backend
// enumerated. It owns the queues carved out of the device's native queue
// groups and round-robins copy operations across the copy-capable group,
// the way the native backend spreads memcopies across its copy engines
// instead of always using queue zero.
type Device struct {
	mu sync.Mutex

	backend *Backend
	handle  driver.DeviceHandle
	index   int
	props   driver.DeviceProperties
	log     *zap.Logger

	computeQueues []*Queue
	copyQueues    []*Queue
	nextCopyQueue int
}

func newDevice(b *Backend, handle driver.DeviceHandle, index int) (*Device, error) {
	props, err := b.drv.DeviceProperties(handle)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.InitializationError, "query device properties", err)
	}
	d := &Device{
		backend: b,
		handle:  handle,
		index:   index,
		props:   props,
		log:     b.opts.logger().Named("device").With(zap.Int("device", index)),
	}
	return d, nil
}

// Index is this device's position in Backend.Devices.
func (d *Device) Index() int { return d.index }

// Properties returns the cached native device properties.
func (d *Device) Properties() driver.DeviceProperties { return d.props }

// bindQueues creates the queues for one queue group kind against a
// context, lazily, the first time a caller asks for queues on this
// (device, context) pair. Queue ownership is per-context since the
// native queue handle is created against a (context, device) pair.
func (d *Device) bindQueues(ctx *Context, kind driver.QueueGroupKind, n int) ([]*Queue, error) {
	queues := make([]*Queue, 0, n)
	for i := 0; i < n; i++ {
		h, err := ctx.drv.CreateCmdQueue(ctx.handle, d.handle, kind, i, 0)
		if err != nil {
			return nil, rterrors.Wrap(rterrors.InitializationError, "create command queue", err)
		}
		q := newQueue(ctx, d, h, kind)
		queues = append(queues, q)
	}
	return queues, nil
}

// ComputeQueue returns (creating if necessary) the device's compute
// queues against ctx, and returns the first one. Most single-stream
// programs only ever need this one.
func (d *Device) ComputeQueue(ctx *Context) (*Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.computeQueues) == 0 {
		n := 1
		for _, g := range d.props.QueueGroups {
			if g.Kind == driver.QueueGroupCompute {
				n = g.NumQueues
			}
		}
		qs, err := d.bindQueues(ctx, driver.QueueGroupCompute, n)
		if err != nil {
			return nil, err
		}
		d.computeQueues = qs
	}
	return d.computeQueues[0], nil
}

// NewStream creates an additional, independent compute queue against ctx,
// the equivalent of hipStreamCreate: every stream after the default one
// is its own queue so operations on different streams can run
// concurrently.
func (d *Device) NewStream(ctx *Context) (*Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	qs, err := d.bindQueues(ctx, driver.QueueGroupCompute, 1)
	if err != nil {
		return nil, err
	}
	d.computeQueues = append(d.computeQueues, qs[0])
	return qs[0], nil
}

// NextCopyQueue round-robins across the device's copy-capable queue
// group, falling back to the compute queue group if the native device
// reports no dedicated copy engines.
func (d *Device) NextCopyQueue(ctx *Context) (*Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.copyQueues) == 0 {
		n := 0
		for _, g := range d.props.QueueGroups {
			if g.Kind == driver.QueueGroupCopy {
				n = g.NumQueues
			}
		}
		if n == 0 {
			d.mu.Unlock()
			q, err := d.ComputeQueue(ctx)
			d.mu.Lock()
			return q, err
		}
		qs, err := d.bindQueues(ctx, driver.QueueGroupCopy, n)
		if err != nil {
			return nil, err
		}
		d.copyQueues = qs
	}
	q := d.copyQueues[d.nextCopyQueue%len(d.copyQueues)]
	d.nextCopyQueue++
	return q, nil
}

// Queues returns every queue created against this device so far, compute
// and copy, for Context.SyncQueues to drain.
func (d *Device) Queues() []*Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	all := make([]*Queue, 0, len(d.computeQueues)+len(d.copyQueues))
	all = append(all, d.computeQueues...)
	all = append(all, d.copyQueues...)
	return all
}
