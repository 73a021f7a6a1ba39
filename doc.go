// Package chipstarcore implements the host-side core of a CUDA/HIP-style
// GPU compute runtime: contexts, devices, command queues, events, modules,
// and device-resident allocations, built against an abstract native driver
// boundary modeled on Level Zero's command-list submission API.
//
// # Architecture Overview
//
// The runtime consists of several key components:
//
//   - driver: the native driver capability this repository consumes but
//     does not implement; simdriver backs it for testing.
//   - event, module, execitem, alloc: leaf packages holding the host-side
//     state for events, compiled programs, pending launches, and device
//     allocations.
//   - runtime: Context, Device, Queue, Backend, and the event monitor
//     and callback queue that tie the leaf packages together.
//
// # Basic Usage
//
//	drv := simdriver.New(simdriver.DefaultOptions())
//	backend, err := runtime.NewBackend(drv, runtime.Options{}, nil)
//	ctx, err := backend.NewContext()
//	dev := backend.ActiveDevice()
//	q, err := dev.ComputeQueue(ctx)
//
// # Package Structure
//
//   - driver: native driver interface and handle types
//   - simdriver: reference Driver implementation over host memory
//   - kernels: reference compute kernels simdriver executes
//   - event: Event and EventPool
//   - module: Module, Kernel, DeviceVar, and the device-variable protocol
//   - execitem: pending kernel launch description
//   - alloc: device allocation tracking
//   - rterrors: the runtime's closed error taxonomy
//   - memalign: cache-line alignment helpers
//   - runtime: Context, Device, Queue, Backend
//   - cmd: command-line tools (chipc, chipdemo, chipbench)
package chipstarcore
