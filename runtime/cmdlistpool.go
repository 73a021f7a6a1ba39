package runtime

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/rterrors"
)

// cmdListPool hands out regular command lists, reusing a reset list
// before asking the native driver for a new one. This is the Context
// counterpart of event.Pool, grounded on the same CmdListsRequested_ /
// CmdListsReused_ counters the native backend tracks per context.
type cmdListPool struct {
	mu sync.Mutex

	drv       driver.Driver
	ctxHandle driver.ContextHandle
	devHandle driver.DeviceHandle

	free []driver.CmdListHandle

	requested int64
	reused    int64

	requestedCounter prometheus.Counter
	reusedCounter    prometheus.Counter
}

func newCmdListPool(drv driver.Driver, ctxHandle driver.ContextHandle, devHandle driver.DeviceHandle, reg prometheus.Registerer) *cmdListPool {
	// ConstLabels distinguish this pool's counters from every other
	// (context, device) pair's, since a Backend registers all of them into
	// the same registry.
	labels := prometheus.Labels{
		"context": fmt.Sprintf("%d", ctxHandle),
		"device":  fmt.Sprintf("%d", devHandle),
	}
	p := &cmdListPool{
		drv: drv, ctxHandle: ctxHandle, devHandle: devHandle,
		requestedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "chipstar_cmdlists_requested_total",
			Help:        "Total command lists requested from a Context's cmdListPool.",
			ConstLabels: labels,
		}),
		reusedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "chipstar_cmdlists_reused_total",
			Help:        "Total command lists satisfied from the free list rather than the native driver.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(p.requestedCounter, p.reusedCounter)
	}
	return p
}

func (p *cmdListPool) Get(kind driver.CmdListKind) (driver.CmdListHandle, error) {
	p.mu.Lock()
	p.requested++
	p.requestedCounter.Inc()
	if n := len(p.free); n > 0 && kind == driver.CmdListRegular {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		p.reused++
		p.reusedCounter.Inc()
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	h, err := p.drv.CreateCmdList(p.ctxHandle, p.devHandle, kind)
	if err != nil {
		return 0, rterrors.Wrap(rterrors.InitializationError, "create command list", err)
	}
	return h, nil
}

// Put resets and returns a regular command list to the free list.
// Immediate command lists are never pooled: the caller destroys them.
func (p *cmdListPool) Put(h driver.CmdListHandle) {
	if err := p.drv.ResetCmdList(h); err != nil {
		_ = p.drv.DestroyCmdList(h)
		return
	}
	p.mu.Lock()
	p.free = append(p.free, h)
	p.mu.Unlock()
}

func (p *cmdListPool) Stats() (requested, reused int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requested, p.reused
}

func (p *cmdListPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, h := range p.free {
		if err := p.drv.DestroyCmdList(h); err != nil && firstErr == nil {
			firstErr = rterrors.Wrap(rterrors.InvalidHandle, "destroy command list", err)
		}
	}
	p.free = nil
	return firstErr
}
