package module

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/karlwessel/chipstar-core/driver"
)

type fakeDriver struct {
	driver.Driver
	modules    map[driver.ModuleHandle]bool
	kernels    map[string]driver.KernelHandle
	nextModule driver.ModuleHandle
	nextKernel driver.KernelHandle
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		modules: make(map[driver.ModuleHandle]bool),
		kernels: make(map[string]driver.KernelHandle),
	}
}

func (f *fakeDriver) CreateModule(driver.ContextHandle, driver.DeviceHandle, []byte, string) (driver.ModuleHandle, error) {
	f.nextModule++
	f.modules[f.nextModule] = true
	return f.nextModule, nil
}

func (f *fakeDriver) LookupKernel(mod driver.ModuleHandle, name string) (driver.KernelHandle, error) {
	if h, ok := f.kernels[name]; ok {
		return h, nil
	}
	f.nextKernel++
	f.kernels[name] = f.nextKernel
	return f.nextKernel, nil
}

type fakeInspector struct {
	kernelNames []string
	varNames    []string
}

func (f fakeInspector) KernelNames([]byte) ([]string, error) { return f.kernelNames, nil }
func (f fakeInspector) VarNames([]byte) ([]string, error)    { return f.varNames, nil }

// fakeLauncher records every shadow-kernel run and, for info kernels,
// writes a fixed VarInfo triple into the scratch buffer it's handed.
type fakeLauncher struct {
	runs []driver.KernelHandle
	info VarInfo
}

func (f *fakeLauncher) RunBlocking(k driver.KernelHandle, grid, block [3]uint32, args []byte, layout []driver.ArgSlot) error {
	f.runs = append(f.runs, k)
	if len(args) >= varInfoBytes {
		encode := func(buf []byte, v uint64) {
			for b := 0; b < 8; b++ {
				buf[b] = byte(v >> (8 * b))
			}
		}
		encode(args[0:8], f.info.Size)
		encode(args[8:16], f.info.Alignment)
		encode(args[16:24], f.info.HasInitializer)
	}
	return nil
}

func TestAllocateDeviceVariablesRunsFullProtocol(t *testing.T) {
	drv := newFakeDriver()
	insp := fakeInspector{varNames: []string{"counter"}}
	m := New(drv, 1, 1, []byte{0xDE, 0xAD}, "", insp, nil)

	launcher := &fakeLauncher{info: VarInfo{Size: 8, Alignment: 8, HasInitializer: 1}}

	var allocated uintptr
	allocFn := func(size, align uintptr) (uintptr, error) {
		allocated = 0x1000
		require.Equal(t, uintptr(8), size)
		require.Equal(t, uintptr(8), align)
		return allocated, nil
	}

	err := m.AllocateDeviceVariables(launcher, allocFn)
	require.NoError(t, err)
	require.Len(t, launcher.runs, 3) // info, bind, init

	v, err := m.Var("counter")
	require.NoError(t, err)
	ptr, err := v.DevPtr()
	require.NoError(t, err)
	require.Equal(t, allocated, ptr)
}

func TestAllocateDeviceVariablesSkipsInitWhenAbsent(t *testing.T) {
	drv := newFakeDriver()
	insp := fakeInspector{varNames: []string{"flag"}}
	m := New(drv, 1, 1, []byte{0x01}, "", insp, nil)

	launcher := &fakeLauncher{info: VarInfo{Size: 4, Alignment: 4, HasInitializer: 0}}
	_, allocErr := 0, error(nil)
	_ = allocErr

	err := m.AllocateDeviceVariables(launcher, func(size, align uintptr) (uintptr, error) {
		return 0x2000, nil
	})
	require.NoError(t, err)
	require.Len(t, launcher.runs, 2) // info, bind only
}

func TestDeviceVarDevPtrBeforeAllocation(t *testing.T) {
	v := &DeviceVar{Name: "x"}
	_, err := v.DevPtr()
	require.Error(t, err)
}

func TestKernelLookupCompilesOnce(t *testing.T) {
	drv := newFakeDriver()
	m := New(drv, 1, 1, []byte{0x00}, "", fakeInspector{}, nil)

	k1, err := m.Kernel("vec_add")
	require.NoError(t, err)
	k2, err := m.Kernel("vec_add")
	require.NoError(t, err)
	require.Same(t, k1, k2)
	require.Len(t, drv.modules, 1)
}
