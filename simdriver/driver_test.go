package simdriver

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/karlwessel/chipstar-core/driver"
)

func float32Bytes(vs ...float32) []byte {
	buf := make([]byte, len(vs)*4)
	for i, v := range vs {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func ptrArgBytes(ptrs ...uintptr) []byte {
	buf := make([]byte, len(ptrs)*8)
	for i, p := range ptrs {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(p))
	}
	return buf
}

func TestImmediateCmdListExecutesVectorAdd(t *testing.T) {
	d := New(DefaultOptions())
	ctx, err := d.CreateContext()
	require.NoError(t, err)
	devs, err := d.EnumerateDevices()
	require.NoError(t, err)
	dev := devs[0]

	a, err := d.Allocate(ctx, dev, 12, 8, driver.MemoryDevice)
	require.NoError(t, err)
	b, err := d.Allocate(ctx, dev, 12, 8, driver.MemoryDevice)
	require.NoError(t, err)
	out, err := d.Allocate(ctx, dev, 12, 8, driver.MemoryDevice)
	require.NoError(t, err)

	require.NoError(t, d.WriteBytes(a, float32Bytes(1, 2, 3)))
	require.NoError(t, d.WriteBytes(b, float32Bytes(10, 20, 30)))

	prog := Compile(Program{Kernels: []string{"vector_add"}})
	mod, err := d.CreateModule(ctx, dev, prog, "")
	require.NoError(t, err)
	kernel, err := d.LookupKernel(mod, "vector_add")
	require.NoError(t, err)

	cl, err := d.CreateCmdList(ctx, dev, driver.CmdListImmediate)
	require.NoError(t, err)

	args := append(ptrArgBytes(out, a, b), 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(args[24:], 3)

	require.NoError(t, d.AppendLaunch(cl, driver.LaunchArgs{Kernel: kernel, ArgBuffer: args}, nil, 0))

	result, err := d.ReadBytes(out, 12)
	require.NoError(t, err)
	require.Equal(t, float32Bytes(11, 22, 33), result)
}

func TestDeviceVariableShadowProtocol(t *testing.T) {
	d := New(DefaultOptions())
	ctx, err := d.CreateContext()
	require.NoError(t, err)
	devs, _ := d.EnumerateDevices()
	dev := devs[0]

	prog := Compile(Program{Vars: []VarDecl{{
		Name: "counter", Size: 4, Alignment: 4, HasInitializer: true,
		InitialValue: float32Bytes(42),
	}}})
	mod, err := d.CreateModule(ctx, dev, prog, "")
	require.NoError(t, err)

	infoKernel, err := d.LookupKernel(mod, "__chipstar_info_counter")
	require.NoError(t, err)
	bindKernel, err := d.LookupKernel(mod, "__chipstar_bind_counter")
	require.NoError(t, err)
	initKernel, err := d.LookupKernel(mod, "__chipstar_init_counter")
	require.NoError(t, err)

	cl, err := d.CreateCmdList(ctx, dev, driver.CmdListImmediate)
	require.NoError(t, err)

	scratch := make([]byte, 24)
	require.NoError(t, d.AppendLaunch(cl, driver.LaunchArgs{Kernel: infoKernel, ArgBuffer: scratch}, nil, 0))
	require.Equal(t, uint64(4), getU64(scratch[0:8]))
	require.Equal(t, uint64(1), getU64(scratch[16:24]))

	devPtr, err := d.Allocate(ctx, dev, 4, 4, driver.MemoryDevice)
	require.NoError(t, err)

	bindArgs := make([]byte, 8)
	binary.LittleEndian.PutUint64(bindArgs, uint64(devPtr))
	require.NoError(t, d.AppendLaunch(cl, driver.LaunchArgs{Kernel: bindKernel, ArgBuffer: bindArgs}, nil, 0))

	require.NoError(t, d.AppendLaunch(cl, driver.LaunchArgs{Kernel: initKernel}, nil, 0))

	out, err := d.ReadBytes(devPtr, 4)
	require.NoError(t, err)
	require.Equal(t, float32Bytes(42), out)
}

func TestSubmitCmdListAbortsOnKernelFailure(t *testing.T) {
	d := New(DefaultOptions())
	ctx, err := d.CreateContext()
	require.NoError(t, err)
	devs, _ := d.EnumerateDevices()
	dev := devs[0]

	prog := Compile(Program{Kernels: []string{"does_not_exist"}})
	mod, err := d.CreateModule(ctx, dev, prog, "")
	require.NoError(t, err)
	kernel, err := d.LookupKernel(mod, "does_not_exist")
	require.NoError(t, err)

	q, err := d.CreateCmdQueue(ctx, dev, driver.QueueGroupCompute, 0, 0)
	require.NoError(t, err)
	cl, err := d.CreateCmdList(ctx, dev, driver.CmdListRegular)
	require.NoError(t, err)

	failSignal, err := d.CreateEvent(0, 0)
	require.NoError(t, err)
	downstreamSignal, err := d.CreateEvent(0, 0)
	require.NoError(t, err)

	require.NoError(t, d.AppendLaunch(cl, driver.LaunchArgs{Kernel: kernel}, nil, failSignal))
	require.NoError(t, d.AppendBarrier(cl, nil, downstreamSignal))

	fence, err := d.CreateFence(q)
	require.NoError(t, err)

	err = d.SubmitCmdList(q, cl, fence)
	require.Error(t, err)

	require.NoError(t, d.WaitFence(context.Background(), fence))

	finished, err := d.QueryEventStatus(downstreamSignal)
	require.NoError(t, err)
	require.True(t, finished, "downstream event must not hang after an earlier op fails")
}
