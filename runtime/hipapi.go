package runtime

import (
	"sync"

	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/event"
	"github.com/karlwessel/chipstar-core/execitem"
	"github.com/karlwessel/chipstar-core/module"
	"github.com/karlwessel/chipstar-core/rterrors"
)

// This file is the surface Backend exposes to a HIP translation layer
// sitting above this runtime: registering fat-binary modules and the host
// function pointers/variables a program's static initializers associate
// with them, the legacy configure-call/set-arg/launch push convention
// older generated code still uses instead of calling Launch directly, and
// the active-context/queue/device accessors that convention relies on.

// registeredKernel is one host function pointer's resolved kernel on one
// device, populated by RegisterFunctionAsKernel.
type registeredKernel struct {
	kernel *module.Kernel
	queue  *Queue
}

// pendingCall is one in-progress ConfigureCall/SetArg/Launch sequence.
// Backend keeps these on a stack so a callback invoked while one call is
// being configured (re-entrant kernel launch) does not corrupt it,
// mirroring the native backend's own exec-item stack.
type pendingCall struct {
	item  *execitem.ExecItem
	queue *Queue
	nargs int
}

type hipAPIState struct {
	mu sync.Mutex

	modulesStr [][]byte

	hostKernels map[uintptr]map[*Device]*registeredKernel
	hostVars    map[uintptr]map[*Device]*module.DeviceVar

	execStack []*pendingCall

	activeContext *Context
}

// RegisterModuleStr registers a fat-binary module blob for later use by
// RegisterFunctionAsKernel and RegisterDeviceVariable, returning an id that
// identifies it in subsequent calls. Mirrors the native backend's
// modules_str registry, populated once per translation unit at program
// load time.
func (b *Backend) RegisterModuleStr(data []byte) int {
	b.hip.mu.Lock()
	defer b.hip.mu.Unlock()
	b.hip.modulesStr = append(b.hip.modulesStr, data)
	return len(b.hip.modulesStr) - 1
}

// UnregisterModuleStr drops a previously registered module blob. Kernels
// and variables already resolved from it remain usable; only the id
// becomes invalid for future Register* calls.
func (b *Backend) UnregisterModuleStr(moduleID int) error {
	b.hip.mu.Lock()
	defer b.hip.mu.Unlock()
	if moduleID < 0 || moduleID >= len(b.hip.modulesStr) {
		return rterrors.New(rterrors.InvalidValue, "unknown module id")
	}
	b.hip.modulesStr[moduleID] = nil
	return nil
}

// moduleData looks up a registered module's blob, locked.
func (b *Backend) moduleData(moduleID int) ([]byte, error) {
	b.hip.mu.Lock()
	defer b.hip.mu.Unlock()
	if moduleID < 0 || moduleID >= len(b.hip.modulesStr) || b.hip.modulesStr[moduleID] == nil {
		return nil, rterrors.New(rterrors.InvalidValue, "unknown module id")
	}
	return b.hip.modulesStr[moduleID], nil
}

// RegisterFunctionAsKernel loads and compiles the registered module on
// every device through Context.LoadModule, a fresh Module on every call
// (nothing is cached between calls), and associates hostFnPtr with
// the kernel named hostFnName, so a later Launch(hostFnPtr) can find it.
// hostFnPtr stands in for the host-side function pointer a compiler-
// generated __hipRegisterFunction call would pass.
func (b *Backend) RegisterFunctionAsKernel(moduleID int, hostFnPtr uintptr, hostFnName string) error {
	data, err := b.moduleData(moduleID)
	if err != nil {
		return err
	}
	ctx, err := b.GetActiveContext()
	if err != nil {
		return err
	}
	inspector := b.opts.Inspector
	if inspector == nil {
		return rterrors.New(rterrors.InitializationError, "no module inspector configured")
	}

	perDevice := make(map[*Device]*registeredKernel, len(b.devices))
	for _, dev := range b.Devices() {
		q, err := dev.ComputeQueue(ctx)
		if err != nil {
			return err
		}
		mod, err := ctx.LoadModule(dev, data, inspector, "", q)
		if err != nil {
			return err
		}
		kernel, err := mod.Kernel(hostFnName)
		if err != nil {
			return rterrors.Wrap(rterrors.InvalidSymbol, "register function as kernel: "+hostFnName, err)
		}
		perDevice[dev] = &registeredKernel{kernel: kernel, queue: q}
	}

	b.hip.mu.Lock()
	if b.hip.hostKernels == nil {
		b.hip.hostKernels = make(map[uintptr]map[*Device]*registeredKernel)
	}
	b.hip.hostKernels[hostFnPtr] = perDevice
	b.hip.mu.Unlock()
	return nil
}

// RegisterDeviceVariable associates hostVarPtr with the module-scope
// variable named name, once AllocateDeviceVariables has run for every
// device's copy of the registered module.
func (b *Backend) RegisterDeviceVariable(moduleID int, hostVarPtr uintptr, name string) error {
	data, err := b.moduleData(moduleID)
	if err != nil {
		return err
	}
	ctx, err := b.GetActiveContext()
	if err != nil {
		return err
	}
	inspector := b.opts.Inspector
	if inspector == nil {
		return rterrors.New(rterrors.InitializationError, "no module inspector configured")
	}

	perDevice := make(map[*Device]*module.DeviceVar, len(b.devices))
	for _, dev := range b.Devices() {
		q, err := dev.ComputeQueue(ctx)
		if err != nil {
			return err
		}
		mod, err := ctx.LoadModule(dev, data, inspector, "", q)
		if err != nil {
			return err
		}
		v, err := mod.Var(name)
		if err != nil {
			return rterrors.Wrap(rterrors.InvalidSymbol, "register device variable: "+name, err)
		}
		perDevice[dev] = v
	}

	b.hip.mu.Lock()
	if b.hip.hostVars == nil {
		b.hip.hostVars = make(map[uintptr]map[*Device]*module.DeviceVar)
	}
	b.hip.hostVars[hostVarPtr] = perDevice
	b.hip.mu.Unlock()
	return nil
}

// DeviceVariable resolves a previously registered device variable on the
// active device.
func (b *Backend) DeviceVariable(hostVarPtr uintptr) (*module.DeviceVar, error) {
	dev := b.ActiveDevice()
	b.hip.mu.Lock()
	defer b.hip.mu.Unlock()
	perDevice, ok := b.hip.hostVars[hostVarPtr]
	if !ok {
		return nil, rterrors.New(rterrors.InvalidSymbol, "unregistered device variable")
	}
	v, ok := perDevice[dev]
	if !ok {
		return nil, rterrors.New(rterrors.InvalidSymbol, "device variable not registered for active device")
	}
	return v, nil
}

// ConfigureCall pushes a new in-construction ExecItem, the first step of
// the configure-call/set-arg/launch convention. A nil queue defaults to
// the active queue.
func (b *Backend) ConfigureCall(grid, block [3]uint32, sharedMemBytes uint32, q *Queue) error {
	if q == nil {
		var err error
		q, err = b.GetActiveQueue()
		if err != nil {
			return err
		}
	}
	item, err := execitem.NewPending(grid, block)
	if err != nil {
		return err
	}
	item.SharedMemBytes = sharedMemBytes

	b.hip.mu.Lock()
	defer b.hip.mu.Unlock()
	b.hip.execStack = append(b.hip.execStack, &pendingCall{item: item, queue: q})
	return nil
}

// SetArg writes one argument into the ExecItem on top of the configure-call
// stack.
func (b *Backend) SetArg(arg []byte, offset int) error {
	b.hip.mu.Lock()
	defer b.hip.mu.Unlock()
	if len(b.hip.execStack) == 0 {
		return rterrors.New(rterrors.InvalidValue, "SetArg called with no ConfigureCall in progress")
	}
	top := b.hip.execStack[len(b.hip.execStack)-1]
	err := top.item.SetArg(top.nargs, offset, arg)
	top.nargs++
	return err
}

// Launch pops the configure-call stack and submits the completed ExecItem
// against the kernel registered under hostFnPtr on the active device.
func (b *Backend) Launch(hostFnPtr uintptr) (*event.Event, error) {
	b.hip.mu.Lock()
	if len(b.hip.execStack) == 0 {
		b.hip.mu.Unlock()
		return nil, rterrors.New(rterrors.InvalidValue, "Launch called with no ConfigureCall in progress")
	}
	n := len(b.hip.execStack)
	call := b.hip.execStack[n-1]
	b.hip.execStack = b.hip.execStack[:n-1]
	perDevice := b.hip.hostKernels[hostFnPtr]
	b.hip.mu.Unlock()

	dev := b.ActiveDevice()
	rk, ok := perDevice[dev]
	if !ok {
		return nil, rterrors.New(rterrors.LaunchFailure, "host function not registered as a kernel on active device")
	}
	call.item.BindKernel(rk.kernel.Handle())
	return call.queue.Submit(call.item, nil)
}

// GetActiveContext returns the context NewContext most recently activated.
func (b *Backend) GetActiveContext() (*Context, error) {
	b.hip.mu.Lock()
	defer b.hip.mu.Unlock()
	if b.hip.activeContext == nil {
		return nil, rterrors.New(rterrors.InitializationError, "no active context")
	}
	return b.hip.activeContext, nil
}

// GetActiveQueue returns the active context's compute queue on the active
// device, the queue ConfigureCall and Launch default to.
func (b *Backend) GetActiveQueue() (*Queue, error) {
	ctx, err := b.GetActiveContext()
	if err != nil {
		return nil, err
	}
	return b.ActiveDevice().ComputeQueue(ctx)
}

// Allocate reserves device memory on the active device under the active
// context, the backend-level convenience hipMalloc resolves to before a
// context/device pair is threaded explicitly.
func (b *Backend) Allocate(size, alignment uintptr, kind driver.MemoryType) (uintptr, error) {
	ctx, err := b.GetActiveContext()
	if err != nil {
		return 0, err
	}
	return ctx.Allocate(b.ActiveDevice(), size, alignment, kind)
}

// Free releases memory previously returned by Allocate.
func (b *Backend) Free(ptr uintptr) error {
	ctx, err := b.GetActiveContext()
	if err != nil {
		return err
	}
	return ctx.Free(b.ActiveDevice(), ptr)
}
