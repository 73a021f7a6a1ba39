package runtime

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/event"
	"github.com/karlwessel/chipstar-core/execitem"
	"github.com/karlwessel/chipstar-core/simdriver"
)

func newTestBackend(t *testing.T, opts Options) (*Backend, *simdriver.Driver) {
	drv := simdriver.New(simdriver.DefaultOptions())
	b, err := NewBackend(drv, opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	return b, drv
}

func float32Bytes(vs ...float32) []byte {
	buf := make([]byte, len(vs)*4)
	for i, v := range vs {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

func ptrArgs(ptrs ...uintptr) []byte {
	buf := make([]byte, len(ptrs)*8)
	for i, p := range ptrs {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(p))
	}
	return buf
}

// Scenario 1: single-stream vector add. Host-to-device and device-to-host
// transfers go through the queue's own MemCopy, not a direct driver poke,
// so the test exercises the same stream-order chaining a real transfer
// would be subject to.
func TestSingleStreamVectorAdd(t *testing.T) {
	b, drv := newTestBackend(t, Options{})
	dev := b.ActiveDevice()
	ctx, err := b.NewContext()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctx.Close()) })

	q, err := dev.ComputeQueue(ctx)
	require.NoError(t, err)

	hostA, err := ctx.Allocate(dev, 12, 8, driver.MemoryHost)
	require.NoError(t, err)
	hostB, err := ctx.Allocate(dev, 12, 8, driver.MemoryHost)
	require.NoError(t, err)
	hostOut, err := ctx.Allocate(dev, 12, 8, driver.MemoryHost)
	require.NoError(t, err)
	require.NoError(t, drv.WriteBytes(hostA, float32Bytes(1, 2, 3)))
	require.NoError(t, drv.WriteBytes(hostB, float32Bytes(10, 20, 30)))

	a, err := ctx.Allocate(dev, 12, 8, driver.MemoryDevice)
	require.NoError(t, err)
	bPtr, err := ctx.Allocate(dev, 12, 8, driver.MemoryDevice)
	require.NoError(t, err)
	out, err := ctx.Allocate(dev, 12, 8, driver.MemoryDevice)
	require.NoError(t, err)

	require.NoError(t, q.MemCopy(a, hostA, 12))
	require.NoError(t, q.MemCopy(bPtr, hostB, 12))

	prog := simdriver.Compile(simdriver.Program{Kernels: []string{"vector_add"}})
	mod, err := ctx.LoadModule(dev, prog, simdriver.Inspector, "", q)
	require.NoError(t, err)
	kernel, err := mod.Kernel("vector_add")
	require.NoError(t, err)

	item, err := execitem.New(kernel.Handle(), [3]uint32{1, 1, 1}, [3]uint32{1, 1, 1})
	require.NoError(t, err)
	args := append(ptrArgs(out, a, bPtr), 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(args[24:], 3)
	require.NoError(t, item.SetArg(0, 0, args))

	e, err := q.Submit(item, nil)
	require.NoError(t, err)
	require.NoError(t, e.Wait(drv, time.Millisecond))
	e.Release()

	require.NoError(t, q.MemCopy(hostOut, out, 12))

	result, err := drv.ReadBytes(hostOut, 12)
	require.NoError(t, err)
	require.Equal(t, []float32{11, 22, 33}, decodeFloats(result))
}

// Scenario 2: cross-stream barrier — a second stream's work must not
// start until a barrier on the first stream's completion event resolves.
func TestCrossStreamBarrier(t *testing.T) {
	b, drv := newTestBackend(t, Options{})
	dev := b.ActiveDevice()
	ctx, err := b.NewContext()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctx.Close()) })

	q1, err := dev.ComputeQueue(ctx)
	require.NoError(t, err)
	q2, err := dev.NewStream(ctx)
	require.NoError(t, err)

	dst, err := ctx.Allocate(dev, 4, 4, driver.MemoryDevice)
	require.NoError(t, err)
	require.NoError(t, drv.WriteBytes(dst, float32Bytes(0)))

	prog := simdriver.Compile(simdriver.Program{Kernels: []string{"vector_fill"}})
	mod, err := ctx.LoadModule(dev, prog, simdriver.Inspector, "", q1)
	require.NoError(t, err)
	kernel, err := mod.Kernel("vector_fill")
	require.NoError(t, err)

	item, err := execitem.New(kernel.Handle(), [3]uint32{1, 1, 1}, [3]uint32{1, 1, 1})
	require.NoError(t, err)
	args := append(ptrArgs(dst), 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(args[8:], 1)
	args = append(args, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(args[12:], math.Float32bits(9))
	require.NoError(t, item.SetArg(0, 0, args))

	fillEvent, err := q1.Submit(item, nil)
	require.NoError(t, err)

	barrierEvent, err := q2.Barrier([]*event.Event{fillEvent})
	require.NoError(t, err)
	require.NoError(t, barrierEvent.Wait(drv, time.Millisecond))
	fillEvent.Release()
	barrierEvent.Release()

	result, err := drv.ReadBytes(dst, 4)
	require.NoError(t, err)
	require.Equal(t, float32(9), decodeFloats(result)[0])
}

// Scenario 3: callback ordering — a host callback added via AddCallback
// must observe the device state as of the point it was added, and a
// device operation queued after the callback must not run until the
// callback has actually finished, even though it was submitted
// asynchronously. A value a device write sets to 2 must read as 1 inside
// the callback, but 2 once the queue has fully drained afterward.
func TestCallbackOrdering(t *testing.T) {
	b, drv := newTestBackend(t, Options{})
	dev := b.ActiveDevice()
	ctx, err := b.NewContext()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctx.Close()) })

	q, err := dev.ComputeQueue(ctx)
	require.NoError(t, err)

	hostOne, err := ctx.Allocate(dev, 4, 4, driver.MemoryHost)
	require.NoError(t, err)
	hostTwo, err := ctx.Allocate(dev, 4, 4, driver.MemoryHost)
	require.NoError(t, err)
	require.NoError(t, drv.WriteBytes(hostOne, float32Bytes(1)))
	require.NoError(t, drv.WriteBytes(hostTwo, float32Bytes(2)))

	y, err := ctx.Allocate(dev, 4, 4, driver.MemoryDevice)
	require.NoError(t, err)

	require.NoError(t, q.MemCopy(y, hostOne, 4))

	var seenInCallback float32
	callbackDone := make(chan struct{})
	ack, err := q.AddCallback(func() {
		result, err := drv.ReadBytes(y, 4)
		require.NoError(t, err)
		seenInCallback = decodeFloats(result)[0]
		close(callbackDone)
	})
	require.NoError(t, err)

	writeTwo, err := q.MemCopyAsync(y, hostTwo, 4, nil)
	require.NoError(t, err)

	<-callbackDone
	require.Equal(t, float32(1), seenInCallback)

	require.NoError(t, q.Synchronize())
	result, err := drv.ReadBytes(y, 4)
	require.NoError(t, err)
	require.Equal(t, float32(2), decodeFloats(result)[0])

	ack.Release()
	writeTwo.Release()
}

// Scenario 4: event reuse under many copies stays pool-conservative: the
// number of distinct native events created grows by doubling, not
// linearly with the number of submissions.
func TestEventReuseUnderLoad(t *testing.T) {
	b, drv := newTestBackend(t, Options{})
	dev := b.ActiveDevice()
	ctx, err := b.NewContext()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctx.Close()) })

	q, err := dev.ComputeQueue(ctx)
	require.NoError(t, err)

	prog := simdriver.Compile(simdriver.Program{Kernels: []string{"noop"}})
	mod, err := ctx.LoadModule(dev, prog, simdriver.Inspector, "", q)
	require.NoError(t, err)
	kernel, err := mod.Kernel("noop")
	require.NoError(t, err)

	const n = 10000
	for i := 0; i < n; i++ {
		item, err := execitem.New(kernel.Handle(), [3]uint32{1, 1, 1}, [3]uint32{1, 1, 1})
		require.NoError(t, err)
		e, err := q.Submit(item, nil)
		require.NoError(t, err)
		require.NoError(t, e.Wait(drv, time.Microsecond))
		e.Release()
	}
	require.NoError(t, q.Synchronize())

	requested, reused := ctx.EventPoolStats(dev)
	require.Equal(t, int64(n), requested)
	// Released events are reused, so every native event ever created fits
	// in the first native pool's 32 slots.
	require.True(t, requested-reused <= 32)
}

// Scenario 5: device-variable init without any user kernel launch.
func TestDeviceVariableInitWithoutUserKernel(t *testing.T) {
	b, drv := newTestBackend(t, Options{})
	dev := b.ActiveDevice()
	ctx, err := b.NewContext()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctx.Close()) })

	q, err := dev.ComputeQueue(ctx)
	require.NoError(t, err)

	prog := simdriver.Compile(simdriver.Program{Vars: []simdriver.VarDecl{{
		Name: "seed", Size: 4, Alignment: 4, HasInitializer: true,
		InitialValue: float32Bytes(3.5),
	}}})
	mod, err := ctx.LoadModule(dev, prog, simdriver.Inspector, "", q)
	require.NoError(t, err)

	v, err := mod.Var("seed")
	require.NoError(t, err)
	ptr, err := v.DevPtr()
	require.NoError(t, err)

	result, err := drv.ReadBytes(ptr, 4)
	require.NoError(t, err)
	require.Equal(t, float32(3.5), decodeFloats(result)[0])
}

// Scenario 6: a fatal launch must not deadlock the queue — a later,
// independent submission still completes.
func TestFatalLaunchDoesNotDeadlockQueue(t *testing.T) {
	b, drv := newTestBackend(t, Options{})
	dev := b.ActiveDevice()
	ctx, err := b.NewContext()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctx.Close()) })

	q, err := dev.ComputeQueue(ctx)
	require.NoError(t, err)

	prog := simdriver.Compile(simdriver.Program{Kernels: []string{"does_not_exist", "noop"}})
	mod, err := ctx.LoadModule(dev, prog, simdriver.Inspector, "", q)
	require.NoError(t, err)

	badKernel, err := mod.Kernel("does_not_exist")
	require.NoError(t, err)
	badItem, err := execitem.New(badKernel.Handle(), [3]uint32{1, 1, 1}, [3]uint32{1, 1, 1})
	require.NoError(t, err)

	badEvent, err := q.Submit(badItem, nil)
	require.NoError(t, err) // the launch is accepted; failure surfaces asynchronously
	defer badEvent.Release()

	goodKernel, err := mod.Kernel("noop")
	require.NoError(t, err)
	goodItem, err := execitem.New(goodKernel.Handle(), [3]uint32{1, 1, 1}, [3]uint32{1, 1, 1})
	require.NoError(t, err)

	e, err := q.Submit(goodItem, nil)
	require.NoError(t, err)
	require.NoError(t, e.Wait(drv, time.Millisecond))
	e.Release()
}
