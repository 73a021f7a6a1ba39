// Package execitem implements ExecItem, the host-side description of one
// pending kernel launch: grid and block dimensions, shared memory size,
// the target kernel, and a packed argument buffer built up one SetArg
// call at a time before the launch is appended to a command list.
package execitem

import (
	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/rterrors"
)

// ExecItem collects a kernel launch's configuration before it is appended
// to a queue's command list. The argument buffer is sized exactly to the
// highest offset+size any SetArg call observed; there is no slack
// capacity reserved up front.
type ExecItem struct {
	Kernel driver.KernelHandle

	GridDimX, GridDimY, GridDimZ     uint32
	BlockDimX, BlockDimY, BlockDimZ   uint32
	SharedMemBytes                    uint32

	argBuf    []byte
	argLayout []driver.ArgSlot
}

// New creates an ExecItem targeting the given kernel with the given grid
// and block dimensions. Block dimensions of zero are invalid; callers
// should default them before calling New.
func New(kernel driver.KernelHandle, grid, block [3]uint32) (*ExecItem, error) {
	if block[0] == 0 || block[1] == 0 || block[2] == 0 {
		return nil, rterrors.New(rterrors.InvalidValue, "block dimension must be non-zero")
	}
	return &ExecItem{
		Kernel:      kernel,
		GridDimX:    grid[0], GridDimY: grid[1], GridDimZ: grid[2],
		BlockDimX:   block[0], BlockDimY: block[1], BlockDimZ: block[2],
	}, nil
}

// NewPending creates an ExecItem whose kernel is not yet known, for the
// configure-call/set-arg/launch calling convention where arguments are
// pushed before the host function pointer identifying the kernel is
// resolved. BindKernel must be called before LaunchArgs.
func NewPending(grid, block [3]uint32) (*ExecItem, error) {
	return New(0, grid, block)
}

// BindKernel sets the kernel an ExecItem created with NewPending targets.
func (e *ExecItem) BindKernel(kernel driver.KernelHandle) {
	e.Kernel = kernel
}

// SetArg writes one kernel argument's bytes at the given index, growing
// the backing buffer to exactly offset+len(data) if needed. Offsets are
// caller-supplied (mirroring the ABI the compiler lays out for kernel
// parameters) rather than computed from prior SetArg calls, so arguments
// may be set in any order.
func (e *ExecItem) SetArg(index, offset int, data []byte) error {
	if offset < 0 || index < 0 {
		return rterrors.New(rterrors.InvalidValue, "negative index or offset")
	}
	needed := offset + len(data)
	if needed > len(e.argBuf) {
		grown := make([]byte, needed)
		copy(grown, e.argBuf)
		e.argBuf = grown
	}
	copy(e.argBuf[offset:needed], data)

	for i, slot := range e.argLayout {
		if slot.Index == index {
			e.argLayout[i] = driver.ArgSlot{Index: index, Offset: offset, Size: len(data)}
			return nil
		}
	}
	e.argLayout = append(e.argLayout, driver.ArgSlot{Index: index, Offset: offset, Size: len(data)})
	return nil
}

// LaunchArgs builds the driver.LaunchArgs this item describes, ready to be
// appended to a command list by a Queue.
func (e *ExecItem) LaunchArgs() driver.LaunchArgs {
	return driver.LaunchArgs{
		Kernel:         e.Kernel,
		GridDimX:       e.GridDimX,
		GridDimY:       e.GridDimY,
		GridDimZ:       e.GridDimZ,
		BlockDimX:      e.BlockDimX,
		BlockDimY:      e.BlockDimY,
		BlockDimZ:      e.BlockDimZ,
		SharedMemBytes: e.SharedMemBytes,
		ArgBuffer:      e.argBuf,
		ArgLayout:      e.argLayout,
	}
}
