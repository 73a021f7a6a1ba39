// Package driver defines the abstract capability set the runtime consumes
// from the native GPU driver (modeled on Level Zero's command-submission
// API). The real driver is out of scope for this repository: everything
// here is an interface plus the opaque handle types the core packages pass
// around. A concrete implementation (e.g. simdriver) backs it for testing
// and for any host that has no real device.
//
// The core packages (event, module, execitem, alloc, runtime) depend only on
// this interface, never on a concrete backend, per the "polymorphism of
// backends" design note: backend identity is invisible to the core.
package driver

import "context"

// Handle types are opaque identifiers minted by a Driver implementation.
// The core treats them as comparable tokens; only the Driver that minted
// a handle knows how to act on it.
type (
	ContextHandle    uintptr
	DeviceHandle     uintptr
	CmdQueueHandle   uintptr
	CmdListHandle    uintptr
	EventPoolHandle  uintptr
	EventHandle      uintptr
	FenceHandle      uintptr
	ModuleHandle     uintptr
	KernelHandle     uintptr
	ImageHandle      uintptr
	SamplerHandle    uintptr
)

// MemoryType selects the allocation kind for Driver.Allocate, mirroring
// Level Zero's device/host/shared memory classes.
type MemoryType int

const (
	MemoryDevice MemoryType = iota
	MemoryHost
	MemoryShared
)

// QueueGroupKind distinguishes compute-capable queue groups from
// copy-only ones, used for the copy-queue round-robin selection in §4.4.
type QueueGroupKind int

const (
	QueueGroupCompute QueueGroupKind = iota
	QueueGroupCopy
)

// QueueGroupProperties describes one physical queue group a device exposes.
type QueueGroupProperties struct {
	Kind      QueueGroupKind
	NumQueues int
}

// DeviceProperties carries the subset of native device properties the
// runtime needs to drive scheduling and timestamp math. Attribute queries,
// texture descriptors, and the rest of the property surface are explicitly
// out of scope (owned by the HIP translation layer).
type DeviceProperties struct {
	TimestampFrequencyHz uint64
	ValidTimestampBits   uint32
	SupportsImmediateCmdLists bool
	OnDemandPaging            bool
	FloatAtomics              bool
	ExperimentalModuleProgram bool
	QueueGroups               []QueueGroupProperties
}

// CmdListKind distinguishes a regular (batched + submitted) command list
// from an immediate one (operations execute as appended).
type CmdListKind int

const (
	CmdListRegular CmdListKind = iota
	CmdListImmediate
)

// AppendOp is one operation appended to a command list by the Queue
// submission engine: a barrier, a memory operation, or a kernel dispatch.
type AppendOp int

const (
	OpBarrier AppendOp = iota
	OpMemCopy
	OpMemFill
	OpMemCopy2D
	OpMemCopy3D
	OpMemCopyToImage
	OpMemPrefetch
	OpKernelLaunch
	OpSignal
)

// LaunchArgs describes a kernel dispatch appended to a command list.
type LaunchArgs struct {
	Kernel      KernelHandle
	GridDimX, GridDimY, GridDimZ   uint32
	BlockDimX, BlockDimY, BlockDimZ uint32
	SharedMemBytes uint32
	// ArgBuffer is the packed argument payload; ArgLayout describes how to
	// slice it, matching ExecItem's (offset, size) tuples.
	ArgBuffer []byte
	ArgLayout []ArgSlot
}

// ArgSlot records where one kernel argument lives within an ArgBuffer.
type ArgSlot struct {
	Index  int
	Offset int
	Size   int
}

// MemOpArgs describes a copy/fill appended to a command list.
type MemOpArgs struct {
	Dst, Src   uintptr
	Pattern    []byte // non-nil for fills
	Size       int
	DstPitch, SrcPitch             int
	DstSlicePitch, SrcSlicePitch   int
	Width, Height, Depth           int
}

// Driver is the capability set a native GPU driver exposes to the core.
// All methods are safe for concurrent use by multiple goroutines unless
// documented otherwise; the core still serializes access per its own lock
// hierarchy, but a Driver must not assume it is only ever called from one
// goroutine at a time.
type Driver interface {
	// Context / device lifecycle.
	CreateContext() (ContextHandle, error)
	DestroyContext(ContextHandle) error
	EnumerateDevices() ([]DeviceHandle, error)
	DeviceProperties(DeviceHandle) (DeviceProperties, error)

	// Command queues and lists.
	CreateCmdQueue(ctx ContextHandle, dev DeviceHandle, group QueueGroupKind, groupIndex int, priority int) (CmdQueueHandle, error)
	DestroyCmdQueue(CmdQueueHandle) error
	CreateCmdList(ctx ContextHandle, dev DeviceHandle, kind CmdListKind) (CmdListHandle, error)
	ResetCmdList(CmdListHandle) error
	DestroyCmdList(CmdListHandle) error
	AppendBarrier(cl CmdListHandle, waitOn []EventHandle, signal EventHandle) error
	AppendMemOp(cl CmdListHandle, op AppendOp, args MemOpArgs, waitOn []EventHandle, signal EventHandle) error
	AppendLaunch(cl CmdListHandle, args LaunchArgs, waitOn []EventHandle, signal EventHandle) error
	SubmitCmdList(q CmdQueueHandle, cl CmdListHandle, fence FenceHandle) error

	// Fences (used by regular, non-immediate queues).
	CreateFence(q CmdQueueHandle) (FenceHandle, error)
	DestroyFence(FenceHandle) error
	WaitFence(ctx context.Context, f FenceHandle) error
	ResetFence(FenceHandle) error

	// Events and event pools.
	CreateEventPool(ctx ContextHandle, capacity int) (EventPoolHandle, error)
	DestroyEventPool(EventPoolHandle) error
	CreateEvent(pool EventPoolHandle, slot int) (EventHandle, error)
	DestroyEvent(EventHandle) error
	ResetEvent(EventHandle) error
	QueryEventStatus(EventHandle) (finished bool, err error)
	HostSignalEvent(EventHandle) error
	EventTimestamps(EventHandle) (deviceTicks uint64, hostNanos int64, err error)

	// Modules and kernels.
	CreateModule(ctx ContextHandle, dev DeviceHandle, spirv []byte, jitFlags string) (ModuleHandle, error)
	DestroyModule(ModuleHandle) error
	LookupKernel(mod ModuleHandle, name string) (KernelHandle, error)

	// Memory.
	Allocate(ctx ContextHandle, dev DeviceHandle, size, alignment uintptr, kind MemoryType) (uintptr, error)
	Free(ctx ContextHandle, ptr uintptr) error
	// ReadBytes/WriteBytes give host code a way to inspect/seed device-
	// resident memory in tests without a real PCIe bus in the loop.
	ReadBytes(ptr uintptr, size int) ([]byte, error)
	WriteBytes(ptr uintptr, data []byte) error
}
