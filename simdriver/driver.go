// Package simdriver is a reference implementation of driver.Driver backed
// entirely by host memory and the kernels package's CPU reference
// kernels. It stands in for the real Level Zero driver in tests and in
// any demo binary run on a host with no GPU, the same role the teacher's
// asm_fallback.go played relative to its optimized assembly path: same
// interface, portable implementation.
//
// simdriver serializes everything behind one mutex. It favors obviously
// correct behavior over throughput, since its only consumers are tests
// and demos exercising the runtime's own concurrency, not simdriver's.
package simdriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/kernels"
	"github.com/karlwessel/chipstar-core/module"
	"github.com/karlwessel/chipstar-core/rterrors"
)

// Options configures a Driver's simulated device properties.
type Options struct {
	TimestampFrequencyHz uint64
	ValidTimestampBits   uint32
	ComputeQueues        int
	CopyQueues           int
}

// DefaultOptions returns the configuration used when no Options are given:
// a single device with one compute and one copy queue group, a 1GHz
// simulated clock, and 56 valid timestamp bits (Level Zero's own default).
func DefaultOptions() Options {
	return Options{
		TimestampFrequencyHz: 1_000_000_000,
		ValidTimestampBits:   56,
		ComputeQueues:        2,
		CopyQueues:           1,
	}
}

type moduleState struct {
	prog    Program
	devPtrs map[string]uintptr
}

type eventState struct {
	finished  bool
	errored   bool
	deviceEnd uint64
	hostEnd   int64
}

type fenceState struct {
	signaled bool
}

type cmdListState struct {
	kind driver.CmdListKind
	ops  []pendingOp
}

type pendingOp struct {
	op      driver.AppendOp
	memArgs driver.MemOpArgs
	launch  driver.LaunchArgs
	waitOn  []driver.EventHandle
	signal  driver.EventHandle
}

// Driver is the simdriver.Driver implementation of driver.Driver.
type Driver struct {
	mu sync.Mutex

	opts Options

	nextHandle uintptr
	nextAddr   uintptr

	heap map[uintptr][]byte

	modules  map[driver.ModuleHandle]*moduleState
	kernels  map[driver.KernelHandle]kernelRef
	events   map[driver.EventHandle]*eventState
	fences   map[driver.FenceHandle]*fenceState
	cmdLists map[driver.CmdListHandle]*cmdListState
	// eventPools just needs to exist so DestroyEventPool has something to
	// remove; slot allocation lives entirely in the event package.
	eventPools map[driver.EventPoolHandle]int
}

// kernelRef identifies what a KernelHandle resolves to: either a named
// catalog kernel or a module-scope variable shadow kernel.
type kernelRef struct {
	modHandle driver.ModuleHandle
	name      string
}

// New creates a Driver with a single simulated device.
func New(opts Options) *Driver {
	return &Driver{
		opts:       opts,
		nextAddr:   0x1000,
		heap:       make(map[uintptr][]byte),
		modules:    make(map[driver.ModuleHandle]*moduleState),
		kernels:    make(map[driver.KernelHandle]kernelRef),
		events:     make(map[driver.EventHandle]*eventState),
		fences:     make(map[driver.FenceHandle]*fenceState),
		cmdLists:   make(map[driver.CmdListHandle]*cmdListState),
		eventPools: make(map[driver.EventPoolHandle]int),
	}
}

func (d *Driver) alloc() uintptr {
	d.nextHandle++
	return d.nextHandle
}

// --- context / device ---

func (d *Driver) CreateContext() (driver.ContextHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return driver.ContextHandle(d.alloc()), nil
}

func (d *Driver) DestroyContext(driver.ContextHandle) error { return nil }

func (d *Driver) EnumerateDevices() ([]driver.DeviceHandle, error) {
	return []driver.DeviceHandle{1}, nil
}

func (d *Driver) DeviceProperties(driver.DeviceHandle) (driver.DeviceProperties, error) {
	return driver.DeviceProperties{
		TimestampFrequencyHz:      d.opts.TimestampFrequencyHz,
		ValidTimestampBits:        d.opts.ValidTimestampBits,
		SupportsImmediateCmdLists: true,
		QueueGroups: []driver.QueueGroupProperties{
			{Kind: driver.QueueGroupCompute, NumQueues: d.opts.ComputeQueues},
			{Kind: driver.QueueGroupCopy, NumQueues: d.opts.CopyQueues},
		},
	}, nil
}

// --- queues / lists ---

func (d *Driver) CreateCmdQueue(driver.ContextHandle, driver.DeviceHandle, driver.QueueGroupKind, int, int) (driver.CmdQueueHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return driver.CmdQueueHandle(d.alloc()), nil
}

func (d *Driver) DestroyCmdQueue(driver.CmdQueueHandle) error { return nil }

func (d *Driver) CreateCmdList(_ driver.ContextHandle, _ driver.DeviceHandle, kind driver.CmdListKind) (driver.CmdListHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.CmdListHandle(d.alloc())
	d.cmdLists[h] = &cmdListState{kind: kind}
	return h, nil
}

func (d *Driver) ResetCmdList(h driver.CmdListHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cl, ok := d.cmdLists[h]
	if !ok {
		return rterrors.New(rterrors.InvalidHandle, "unknown command list")
	}
	cl.ops = nil
	return nil
}

func (d *Driver) DestroyCmdList(h driver.CmdListHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cmdLists, h)
	return nil
}

func (d *Driver) AppendBarrier(cl driver.CmdListHandle, waitOn []driver.EventHandle, signal driver.EventHandle) error {
	return d.appendOp(cl, pendingOp{op: driver.OpBarrier, waitOn: waitOn, signal: signal})
}

func (d *Driver) AppendMemOp(cl driver.CmdListHandle, op driver.AppendOp, args driver.MemOpArgs, waitOn []driver.EventHandle, signal driver.EventHandle) error {
	return d.appendOp(cl, pendingOp{op: op, memArgs: args, waitOn: waitOn, signal: signal})
}

func (d *Driver) AppendLaunch(cl driver.CmdListHandle, args driver.LaunchArgs, waitOn []driver.EventHandle, signal driver.EventHandle) error {
	return d.appendOp(cl, pendingOp{op: driver.OpKernelLaunch, launch: args, waitOn: waitOn, signal: signal})
}

func (d *Driver) appendOp(clh driver.CmdListHandle, op pendingOp) error {
	d.mu.Lock()
	cl, ok := d.cmdLists[clh]
	if !ok {
		d.mu.Unlock()
		return rterrors.New(rterrors.InvalidHandle, "unknown command list")
	}
	immediate := cl.kind == driver.CmdListImmediate
	d.mu.Unlock()

	if !immediate {
		d.mu.Lock()
		cl.ops = append(cl.ops, op)
		d.mu.Unlock()
		return nil
	}
	return d.executeOne(op)
}

func (d *Driver) SubmitCmdList(_ driver.CmdQueueHandle, clh driver.CmdListHandle, fence driver.FenceHandle) error {
	d.mu.Lock()
	cl, ok := d.cmdLists[clh]
	if !ok {
		d.mu.Unlock()
		return rterrors.New(rterrors.InvalidHandle, "unknown command list")
	}
	ops := cl.ops
	d.mu.Unlock()

	var execErr error
	for i, op := range ops {
		if err := d.executeOne(op); err != nil {
			execErr = err
			d.abortRemaining(ops[i+1:])
			break
		}
	}

	d.mu.Lock()
	if fence != 0 {
		if fs, ok := d.fences[fence]; ok {
			fs.signaled = true
		}
	}
	d.mu.Unlock()
	return execErr
}

// abortRemaining marks every not-yet-executed op's signal event finished
// (but without valid timestamps) so a queue waiting on it never blocks
// forever after an earlier op in the same list failed.
func (d *Driver) abortRemaining(ops []pendingOp) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range ops {
		if op.signal == 0 {
			continue
		}
		if es, ok := d.events[op.signal]; ok {
			es.finished = true
			es.errored = true
		}
	}
}

func (d *Driver) executeOne(op pendingOp) error {
	if err := d.waitAll(op.waitOn); err != nil {
		return err
	}

	var err error
	switch op.op {
	case driver.OpBarrier:
		// no-op beyond the wait above.
	case driver.OpMemCopy:
		err = d.memCopy(op.memArgs)
	case driver.OpMemFill:
		err = d.memFill(op.memArgs)
	case driver.OpMemCopy2D:
		err = d.memCopy2D(op.memArgs)
	case driver.OpMemCopy3D:
		err = d.memCopy3D(op.memArgs)
	case driver.OpMemCopyToImage:
		// No separate image storage model exists in this simulator (texture
		// descriptors are out of scope for the driver interface entirely),
		// so there is no prior Allocate call that sized a destination
		// buffer the way a linear MemCopy's destination always has one;
		// this degrades to a flat byte copy that fabricates the backing
		// buffer on first use, keyed by the image handle.
		err = d.memCopyToImage(op.memArgs)
	case driver.OpMemPrefetch:
		err = d.memPrefetch(op.memArgs)
	case driver.OpKernelLaunch:
		err = d.runKernel(op.launch)
	default:
		err = rterrors.New(rterrors.Unimplemented, fmt.Sprintf("unsupported op %d", op.op))
	}

	if op.signal != 0 {
		d.mu.Lock()
		if es, ok := d.events[op.signal]; ok {
			es.finished = true
			es.errored = err != nil
			es.deviceEnd = d.tick()
			es.hostEnd = time.Now().UnixNano()
		}
		d.mu.Unlock()
	}
	return err
}

// tick advances a monotonically increasing simulated device clock. Each
// call moves the clock forward so two events can never share a timestamp,
// which is what the monotonicity property checks.
func (d *Driver) tick() uint64 {
	d.nextHandle++
	return uint64(d.nextHandle) * 1000
}

func (d *Driver) waitAll(events []driver.EventHandle) error {
	for _, h := range events {
		for {
			d.mu.Lock()
			es, ok := d.events[h]
			done := !ok || es.finished
			d.mu.Unlock()
			if done {
				break
			}
			time.Sleep(time.Microsecond)
		}
	}
	return nil
}

func (d *Driver) memCopy(args driver.MemOpArgs) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.heap[args.Src]
	if !ok || len(src) < args.Size {
		return rterrors.New(rterrors.InvalidDevicePointer, "memcopy source out of range")
	}
	dst, ok := d.heap[args.Dst]
	if !ok || len(dst) < args.Size {
		return rterrors.New(rterrors.InvalidDevicePointer, "memcopy destination out of range")
	}
	copy(dst[:args.Size], src[:args.Size])
	return nil
}

// memCopyToImage is memCopy's counterpart for OpMemCopyToImage, the one
// Mem* destination that was never sized by a prior Allocate call.
func (d *Driver) memCopyToImage(args driver.MemOpArgs) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.heap[args.Src]
	if !ok || len(src) < args.Size {
		return rterrors.New(rterrors.InvalidDevicePointer, "memcopy source out of range")
	}
	buf := make([]byte, args.Size)
	copy(buf, src[:args.Size])
	d.heap[args.Dst] = buf
	return nil
}

func (d *Driver) memFill(args driver.MemOpArgs) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, args.Size)
	if len(args.Pattern) > 0 {
		for i := range buf {
			buf[i] = args.Pattern[i%len(args.Pattern)]
		}
	}
	d.heap[args.Dst] = buf
	return nil
}

// locate finds the allocation a pointer falls within and the byte offset
// into it, letting pitched copies address into the middle of a buffer
// rather than only at its base pointer.
func (d *Driver) locate(ptr uintptr) ([]byte, uintptr, error) {
	for base, buf := range d.heap {
		if ptr >= base && ptr < base+uintptr(len(buf)) {
			return buf, ptr - base, nil
		}
	}
	return nil, 0, rterrors.New(rterrors.InvalidDevicePointer, "pointer out of range")
}

func (d *Driver) memCopy2D(args driver.MemOpArgs) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dstBuf, dstOff, err := d.locate(args.Dst)
	if err != nil {
		return err
	}
	srcBuf, srcOff, err := d.locate(args.Src)
	if err != nil {
		return err
	}
	for row := 0; row < args.Height; row++ {
		ds := dstOff + uintptr(row*args.DstPitch)
		ss := srcOff + uintptr(row*args.SrcPitch)
		if int(ds)+args.Width > len(dstBuf) || int(ss)+args.Width > len(srcBuf) {
			return rterrors.New(rterrors.InvalidDevicePointer, "2D copy out of range")
		}
		copy(dstBuf[ds:int(ds)+args.Width], srcBuf[ss:int(ss)+args.Width])
	}
	return nil
}

func (d *Driver) memCopy3D(args driver.MemOpArgs) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dstBuf, dstOff, err := d.locate(args.Dst)
	if err != nil {
		return err
	}
	srcBuf, srcOff, err := d.locate(args.Src)
	if err != nil {
		return err
	}
	for z := 0; z < args.Depth; z++ {
		for row := 0; row < args.Height; row++ {
			ds := dstOff + uintptr(z*args.DstSlicePitch+row*args.DstPitch)
			ss := srcOff + uintptr(z*args.SrcSlicePitch+row*args.SrcPitch)
			if int(ds)+args.Width > len(dstBuf) || int(ss)+args.Width > len(srcBuf) {
				return rterrors.New(rterrors.InvalidDevicePointer, "3D copy out of range")
			}
			copy(dstBuf[ds:int(ds)+args.Width], srcBuf[ss:int(ss)+args.Width])
		}
	}
	return nil
}

// memPrefetch is a no-op in a simulator with a single flat host-backed
// memory space: there is no second memory pool to migrate into. It still
// validates the pointer range, the same contract a real driver's prefetch
// hint would fail against an invalid pointer.
func (d *Driver) memPrefetch(args driver.MemOpArgs) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, off, err := d.locate(args.Dst)
	if err != nil {
		return err
	}
	if int(off)+args.Size > len(buf) {
		return rterrors.New(rterrors.InvalidDevicePointer, "prefetch out of range")
	}
	return nil
}

// runKernel dispatches to either a module-scope variable shadow kernel or
// a named kernels.Catalog entry, depending on what kind of KernelHandle
// was launched.
func (d *Driver) runKernel(args driver.LaunchArgs) error {
	d.mu.Lock()
	ref, ok := d.kernels[args.Kernel]
	d.mu.Unlock()
	if !ok {
		return rterrors.New(rterrors.InvalidHandle, "unknown kernel handle")
	}

	if name, isInfo := stripPrefix(ref.name, module.InfoPrefix); isInfo {
		return d.runInfoShadow(ref.modHandle, name, args.ArgBuffer)
	}
	if name, isBind := stripPrefix(ref.name, module.BindPrefix); isBind {
		return d.runBindShadow(ref.modHandle, name, args.ArgBuffer)
	}
	if name, isInit := stripPrefix(ref.name, module.InitPrefix); isInit {
		return d.runInitShadow(ref.modHandle, name)
	}

	fn, ok := kernels.Catalog[ref.name]
	if !ok {
		return rterrors.New(rterrors.Unimplemented, "no reference implementation for kernel "+ref.name)
	}
	return fn(d, args.ArgBuffer)
}

func stripPrefix(name, prefix string) (string, bool) {
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return "", false
	}
	return name[len(prefix):], true
}

func (d *Driver) runInfoShadow(mh driver.ModuleHandle, varName string, scratch []byte) error {
	d.mu.Lock()
	ms, ok := d.modules[mh]
	d.mu.Unlock()
	if !ok {
		return rterrors.New(rterrors.InvalidHandle, "unknown module")
	}
	var decl VarDecl
	found := false
	for _, v := range ms.prog.Vars {
		if v.Name == varName {
			decl = v
			found = true
			break
		}
	}
	if !found {
		return rterrors.New(rterrors.InvalidSymbol, "unknown device variable "+varName)
	}
	if len(scratch) < 24 {
		return rterrors.New(rterrors.InvalidValue, "info scratch buffer too small")
	}
	putU64(scratch[0:8], decl.Size)
	putU64(scratch[8:16], decl.Alignment)
	has := uint64(0)
	if decl.HasInitializer {
		has = 1
	}
	putU64(scratch[16:24], has)
	return nil
}

func (d *Driver) runBindShadow(mh driver.ModuleHandle, varName string, args []byte) error {
	if len(args) < 8 {
		return rterrors.New(rterrors.InvalidValue, "bind argument too small")
	}
	ptr := uintptr(getU64(args[0:8]))
	d.mu.Lock()
	ms, ok := d.modules[mh]
	if ok {
		ms.devPtrs[varName] = ptr
	}
	d.mu.Unlock()
	if !ok {
		return rterrors.New(rterrors.InvalidHandle, "unknown module")
	}
	return nil
}

func (d *Driver) runInitShadow(mh driver.ModuleHandle, varName string) error {
	d.mu.Lock()
	ms, ok := d.modules[mh]
	if !ok {
		d.mu.Unlock()
		return rterrors.New(rterrors.InvalidHandle, "unknown module")
	}
	ptr, bound := ms.devPtrs[varName]
	var decl VarDecl
	for _, v := range ms.prog.Vars {
		if v.Name == varName {
			decl = v
			break
		}
	}
	d.mu.Unlock()
	if !bound {
		return rterrors.New(rterrors.InvalidValue, "device variable not bound before init: "+varName)
	}
	if len(decl.InitialValue) == 0 {
		return nil
	}
	return d.WriteBytes(ptr, decl.InitialValue)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// --- fences ---

func (d *Driver) CreateFence(driver.CmdQueueHandle) (driver.FenceHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.FenceHandle(d.alloc())
	d.fences[h] = &fenceState{}
	return h, nil
}

func (d *Driver) DestroyFence(h driver.FenceHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fences, h)
	return nil
}

func (d *Driver) WaitFence(ctx context.Context, f driver.FenceHandle) error {
	for {
		d.mu.Lock()
		fs, ok := d.fences[f]
		d.mu.Unlock()
		if !ok {
			return rterrors.New(rterrors.InvalidHandle, "unknown fence")
		}
		if fs.signaled {
			return nil
		}
		select {
		case <-ctx.Done():
			return rterrors.Wrap(rterrors.NotReady, "wait fence", ctx.Err())
		case <-time.After(time.Microsecond):
		}
	}
}

func (d *Driver) ResetFence(h driver.FenceHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	fs, ok := d.fences[h]
	if !ok {
		return rterrors.New(rterrors.InvalidHandle, "unknown fence")
	}
	fs.signaled = false
	return nil
}

// --- events ---

func (d *Driver) CreateEventPool(driver.ContextHandle, int) (driver.EventPoolHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.EventPoolHandle(d.alloc())
	d.eventPools[h] = 0
	return h, nil
}

func (d *Driver) DestroyEventPool(h driver.EventPoolHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.eventPools, h)
	return nil
}

func (d *Driver) CreateEvent(driver.EventPoolHandle, int) (driver.EventHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.EventHandle(d.alloc())
	d.events[h] = &eventState{}
	return h, nil
}

func (d *Driver) DestroyEvent(h driver.EventHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.events, h)
	return nil
}

func (d *Driver) ResetEvent(h driver.EventHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	es, ok := d.events[h]
	if !ok {
		return rterrors.New(rterrors.InvalidHandle, "unknown event")
	}
	*es = eventState{}
	return nil
}

func (d *Driver) QueryEventStatus(h driver.EventHandle) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	es, ok := d.events[h]
	if !ok {
		return false, rterrors.New(rterrors.InvalidHandle, "unknown event")
	}
	return es.finished, nil
}

func (d *Driver) HostSignalEvent(h driver.EventHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	es, ok := d.events[h]
	if !ok {
		return rterrors.New(rterrors.InvalidHandle, "unknown event")
	}
	es.finished = true
	es.deviceEnd = d.tick()
	es.hostEnd = time.Now().UnixNano()
	return nil
}

func (d *Driver) EventTimestamps(h driver.EventHandle) (uint64, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	es, ok := d.events[h]
	if !ok {
		return 0, 0, rterrors.New(rterrors.InvalidHandle, "unknown event")
	}
	return es.deviceEnd, es.hostEnd, nil
}

// --- modules / kernels ---

func (d *Driver) CreateModule(_ driver.ContextHandle, _ driver.DeviceHandle, spirv []byte, _ string) (driver.ModuleHandle, error) {
	prog, err := decodeProgram(spirv)
	if err != nil {
		return 0, rterrors.Wrap(rterrors.InitializationError, "decode simulated program", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := driver.ModuleHandle(d.alloc())
	d.modules[h] = &moduleState{prog: prog, devPtrs: make(map[string]uintptr)}
	return h, nil
}

func (d *Driver) DestroyModule(h driver.ModuleHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.modules, h)
	return nil
}

func (d *Driver) LookupKernel(mod driver.ModuleHandle, name string) (driver.KernelHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.modules[mod]; !ok {
		return 0, rterrors.New(rterrors.InvalidHandle, "unknown module")
	}
	h := driver.KernelHandle(d.alloc())
	d.kernels[h] = kernelRef{modHandle: mod, name: name}
	return h, nil
}

// --- memory ---

func (d *Driver) Allocate(_ driver.ContextHandle, _ driver.DeviceHandle, size, alignment uintptr, _ driver.MemoryType) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if alignment == 0 {
		alignment = 1
	}
	if rem := d.nextAddr % alignment; rem != 0 {
		d.nextAddr += alignment - rem
	}
	ptr := d.nextAddr
	d.nextAddr += size
	if size > 0 {
		d.nextAddr += 64 // guard gap between allocations
	}
	d.heap[ptr] = make([]byte, size)
	return ptr, nil
}

func (d *Driver) Free(_ driver.ContextHandle, ptr uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.heap[ptr]; !ok {
		return rterrors.New(rterrors.InvalidDevicePointer, "free of unknown pointer")
	}
	delete(d.heap, ptr)
	return nil
}

func (d *Driver) ReadBytes(ptr uintptr, size int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.heap[ptr]
	if !ok || len(buf) < size {
		return nil, rterrors.New(rterrors.InvalidDevicePointer, "read out of range")
	}
	out := make([]byte, size)
	copy(out, buf[:size])
	return out, nil
}

func (d *Driver) WriteBytes(ptr uintptr, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.heap[ptr]
	if !ok || len(buf) < len(data) {
		return rterrors.New(rterrors.InvalidDevicePointer, "write out of range")
	}
	copy(buf, data)
	return nil
}

// Read and Write satisfy kernels.Memory, letting Driver serve as the
// Memory capability the reference kernel catalog executes against
// directly, without an extra adapter type.
func (d *Driver) Read(ptr uintptr, size int) ([]byte, error)  { return d.ReadBytes(ptr, size) }
func (d *Driver) Write(ptr uintptr, data []byte) error        { return d.WriteBytes(ptr, data) }
