// Package module implements Module, Kernel, and DeviceVar: the host-side
// view of a compiled device program. A Module owns the compiled binary's
// lifetime on one device and lazily discovers, allocates, binds, and
// initializes the module-scope global variables it declares, using the
// shadow-kernel protocol the device-side compiler emits for exactly this
// purpose (info/bind/init kernels, one triple per variable).
package module

import (
	"sync"

	"go.uber.org/zap"

	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/memalign"
	"github.com/karlwessel/chipstar-core/rterrors"
)

// Shadow-kernel name prefixes the device-side compiler emits for every
// module-scope variable it declares, one triple per variable name.
const (
	InfoPrefix = "__chipstar_info_"
	BindPrefix = "__chipstar_bind_"
	InitPrefix = "__chipstar_init_"
)

// VarInfo is the fixed three-word record an info shadow kernel writes into
// the shared scratch buffer: the variable's size, its required alignment,
// and whether it has a device-side initializer to run.
type VarInfo struct {
	Size           uint64
	Alignment      uint64
	HasInitializer uint64
}

const varInfoWords = 3
const varInfoBytes = varInfoWords * 8

// Inspector stands in for the SPIR-V toolchain step that, given a compiled
// binary, enumerates the kernels and module-scope variable names it
// declares. The real implementation lives outside this repository (owned
// by the compiler front end); tests and simdriver use a literal Inspector.
type Inspector interface {
	KernelNames(spirv []byte) ([]string, error)
	VarNames(spirv []byte) ([]string, error)
}

// Launcher is the narrow capability Module needs to run the shadow kernels
// that discover and initialize device variables: append a launch to a
// scratch command list on some device queue and wait for it to finish.
// Whatever the kernel writes into its argument buffer is copied back into
// args before RunBlocking returns; an info shadow kernel reports its
// VarInfo triple this way. Implemented by the runtime package's Queue; module never imports it.
type Launcher interface {
	RunBlocking(kernel driver.KernelHandle, grid, block [3]uint32, args []byte, argLayout []driver.ArgSlot) error
}

// DeviceVar is one module-scope global variable discovered via the info
// shadow kernel and, once allocated, bound to a device pointer via the
// bind shadow kernel.
type DeviceVar struct {
	Name           string
	Size           uintptr
	Alignment      uintptr
	HasInitializer bool

	devPtr    uintptr
	allocated bool
}

// DevPtr returns the device pointer backing this variable. Valid only
// after the module has run AllocateDeviceVariables.
func (v *DeviceVar) DevPtr() (uintptr, error) {
	if !v.allocated {
		return 0, rterrors.New(rterrors.InvalidValue, "device variable not yet allocated: "+v.Name)
	}
	return v.devPtr, nil
}

// Close releases the device variable's invariant: it must not be read
// again after the owning module deallocates it. Unlike the original C++
// implementation's assert, this records the state so DevPtr fails loudly
// instead of returning a dangling pointer.
func (v *DeviceVar) Close() {
	v.allocated = false
	v.devPtr = 0
}

// Module is the host-side handle for one compiled binary loaded onto one
// device. It is created once per (context, device, binary) and compiled
// lazily, exactly once, the first time a kernel lookup or variable
// allocation needs it.
type Module struct {
	mu sync.Mutex

	drv       driver.Driver
	ctxHandle driver.ContextHandle
	devHandle driver.DeviceHandle
	spirv     []byte
	jitFlags  string
	inspector Inspector
	log       *zap.Logger

	compileOnce sync.Once
	compileErr  error
	handle      driver.ModuleHandle

	kernels map[string]*Kernel
	vars    map[string]*DeviceVar

	// varInfoBuf is the single scratch buffer shared by every variable's
	// info shadow kernel: AllocateDeviceVariables sizes it for all of the
	// module's variables, one VarInfo slot each, rather than allocating a
	// buffer per variable.
	varInfoBuf []byte
}

// Kernel is the host-side handle for one entry point within a Module.
type Kernel struct {
	Name   string
	handle driver.KernelHandle
	module *Module
}

// Handle returns the native kernel handle, valid once the module has
// compiled.
func (k *Kernel) Handle() driver.KernelHandle { return k.handle }

// New creates a Module bound to a device but does not compile it yet.
func New(drv driver.Driver, ctxHandle driver.ContextHandle, devHandle driver.DeviceHandle, spirv []byte, jitFlags string, inspector Inspector, log *zap.Logger) *Module {
	if log == nil {
		log = zap.NewNop()
	}
	return &Module{
		drv:       drv,
		ctxHandle: ctxHandle,
		devHandle: devHandle,
		spirv:     spirv,
		jitFlags:  jitFlags,
		inspector: inspector,
		log:       log.Named("module"),
		kernels:   make(map[string]*Kernel),
		vars:      make(map[string]*DeviceVar),
	}
}

// compile JIT-compiles the module's binary exactly once, memoizing both
// the result and any error so repeated lookups don't repeat the work.
func (m *Module) compile() error {
	m.compileOnce.Do(func() {
		handle, err := m.drv.CreateModule(m.ctxHandle, m.devHandle, m.spirv, m.jitFlags)
		if err != nil {
			m.compileErr = rterrors.Wrap(rterrors.InitializationError, "compile module", err)
			return
		}
		m.handle = handle
		m.log.Debug("module compiled", zap.Int("bytes", len(m.spirv)))
	})
	return m.compileErr
}

// Kernel looks up a kernel by name, compiling the module first if needed.
func (m *Module) Kernel(name string) (*Kernel, error) {
	if err := m.compile(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.kernels[name]; ok {
		return k, nil
	}
	h, err := m.drv.LookupKernel(m.handle, name)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.InvalidSymbol, "lookup kernel: "+name, err)
	}
	k := &Kernel{Name: name, handle: h, module: m}
	m.kernels[name] = k
	return k, nil
}

// Var looks up a previously allocated device variable by name.
func (m *Module) Var(name string) (*DeviceVar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vars[name]
	if !ok {
		return nil, rterrors.New(rterrors.InvalidSymbol, "unknown device variable: "+name)
	}
	return v, nil
}

// AllocateDeviceVariables runs the full discover/allocate/bind/initialize
// protocol for every module-scope variable the compiled binary declares.
// It must run before any user kernel in this module launches, since a
// kernel may read an uninitialized global otherwise; it does not itself
// require any user kernel to have been launched.
//
// Steps, matching the shadow-kernel protocol:
//  1. compile the module (idempotent).
//  2. enumerate variable names via the Inspector.
//  3. for each name, run its info shadow kernel, writing a VarInfo triple
//     into the shared scratch buffer.
//  4. read back the triples, then for each name allocate one device
//     buffer, record it on the DeviceVar so DevPtr resolves, and run its
//     bind shadow kernel, handing the device pointer to the compiled
//     binary's global.
//  5. once every variable is bound, run the init shadow kernel of each
//     variable with HasInitializer set.
func (m *Module) AllocateDeviceVariables(launcher Launcher, alloc func(size, align uintptr) (uintptr, error)) error {
	if err := m.compile(); err != nil {
		return err
	}

	names, err := m.inspector.VarNames(m.spirv)
	if err != nil {
		return rterrors.Wrap(rterrors.InitializationError, "enumerate device variables", err)
	}
	if len(names) == 0 {
		return nil
	}

	// One scratch buffer shared by every variable's info shadow kernel,
	// sized for all of them up front: each kernel writes its own VarInfo
	// triple into its own slot, and the triples are decoded in one pass
	// afterward, rather than reusing a single-slot buffer across a
	// write/readback per variable.
	needed := varInfoBytes * len(names)
	m.mu.Lock()
	if len(m.varInfoBuf) < needed {
		m.varInfoBuf = memalign.AlignedBytes(needed)
	}
	scratch := m.varInfoBuf
	m.mu.Unlock()

	for i, name := range names {
		k, err := m.Kernel(InfoPrefix + name)
		if err != nil {
			return rterrors.Wrap(rterrors.InitializationError, "missing info shadow kernel for "+name, err)
		}
		slot := scratch[i*varInfoBytes : (i+1)*varInfoBytes]
		if err := launcher.RunBlocking(k.handle, [3]uint32{1, 1, 1}, [3]uint32{1, 1, 1}, slot, nil); err != nil {
			return rterrors.Wrap(rterrors.InitializationError, "run info shadow kernel for "+name, err)
		}
	}

	infos := make(map[string]VarInfo, len(names))
	for i, name := range names {
		infos[name] = decodeVarInfo(scratch[i*varInfoBytes : (i+1)*varInfoBytes])
	}

	m.mu.Lock()
	for _, name := range names {
		info := infos[name]
		v := &DeviceVar{
			Name:           name,
			Size:           uintptr(info.Size),
			Alignment:      uintptr(info.Alignment),
			HasInitializer: info.HasInitializer != 0,
		}
		m.vars[name] = v
	}
	m.mu.Unlock()

	for _, name := range names {
		v, _ := m.Var(name)
		ptr, err := alloc(v.Size, v.Alignment)
		if err != nil {
			return rterrors.Wrap(rterrors.OutOfMemory, "allocate device variable "+name, err)
		}
		v.devPtr = ptr
		v.allocated = true

		k, err := m.Kernel(BindPrefix + name)
		if err != nil {
			return rterrors.Wrap(rterrors.InitializationError, "missing bind shadow kernel for "+name, err)
		}
		bindArgs := encodePointer(ptr)
		layout := []driver.ArgSlot{{Index: 0, Offset: 0, Size: len(bindArgs)}}
		if err := launcher.RunBlocking(k.handle, [3]uint32{1, 1, 1}, [3]uint32{1, 1, 1}, bindArgs, layout); err != nil {
			return rterrors.Wrap(rterrors.InitializationError, "run bind shadow kernel for "+name, err)
		}
	}

	for _, name := range names {
		v, _ := m.Var(name)
		if !v.HasInitializer {
			continue
		}
		k, err := m.Kernel(InitPrefix + name)
		if err != nil {
			return rterrors.Wrap(rterrors.InitializationError, "missing init shadow kernel for "+name, err)
		}
		if err := launcher.RunBlocking(k.handle, [3]uint32{1, 1, 1}, [3]uint32{1, 1, 1}, nil, nil); err != nil {
			return rterrors.Wrap(rterrors.InitializationError, "run init shadow kernel for "+name, err)
		}
	}

	m.log.Debug("device variables initialized", zap.Int("count", len(names)))
	return nil
}

// DeallocateDeviceVariables frees every allocated device variable's backing
// memory and invalidates the DeviceVar handles, called when the module is
// unloaded or the module's device context is torn down.
func (m *Module) DeallocateDeviceVariables(free func(ptr uintptr) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, v := range m.vars {
		if !v.allocated {
			continue
		}
		if err := free(v.devPtr); err != nil && firstErr == nil {
			firstErr = rterrors.Wrap(rterrors.InvalidDevicePointer, "free device variable "+v.Name, err)
		}
		v.Close()
	}
	return firstErr
}

func decodeVarInfo(buf []byte) VarInfo {
	var words [varInfoWords]uint64
	for i := 0; i < varInfoWords; i++ {
		off := i * 8
		if off+8 > len(buf) {
			break
		}
		for b := 0; b < 8; b++ {
			words[i] |= uint64(buf[off+b]) << (8 * b)
		}
	}
	return VarInfo{Size: words[0], Alignment: words[1], HasInitializer: words[2]}
}

func encodePointer(ptr uintptr) []byte {
	buf := make([]byte, 8)
	v := uint64(ptr)
	for b := 0; b < 8; b++ {
		buf[b] = byte(v >> (8 * b))
	}
	return buf
}
