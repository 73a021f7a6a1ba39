package runtime

import (
	"go.uber.org/zap"

	"github.com/karlwessel/chipstar-core/module"
)

// Options configures a Backend. Fields mirror environment-tunable knobs
// the native Level Zero backend exposes, with the same names so the two
// stay easy to cross-reference.
type Options struct {
	// DefaultQueueSync, when true, makes each Queue, the first time it
	// accepts a kernel launch or memory operation, wait until every queue
	// on the device has drained. It does this once per queue; later
	// submissions are ordered only after the queue's own prior
	// operations. This resolves what the native backend gates behind a
	// dead-coded syncQueues path: here it is a real, documented choice
	// instead of a permanently-false flag.
	DefaultQueueSync bool

	// ImmediateCmdLists selects immediate command lists (append executes
	// directly) over regular ones (batched, then submitted with a fence).
	// CHIPSTAR_IMMEDIATE_CMDLISTS overrides this when set.
	ImmediateCmdLists bool

	// JITFlags are passed through to Driver.CreateModule unmodified.
	// CHIPSTAR_JIT_FLAGS overrides this when set.
	JITFlags string

	// EventMonitorIntervalMillis is the polling interval the per-context
	// event monitor goroutine sleeps between sweeps. Zero selects a
	// default.
	EventMonitorIntervalMillis int

	// Inspector resolves kernel and variable names out of a registered
	// module's raw binary, used by Backend.RegisterFunctionAsKernel and
	// Backend.RegisterDeviceVariable to compile and bind host-registered
	// names against a real module on each device.
	Inspector module.Inspector

	Logger *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

func (o Options) monitorInterval() int {
	if o.EventMonitorIntervalMillis > 0 {
		return o.EventMonitorIntervalMillis
	}
	return 1
}
