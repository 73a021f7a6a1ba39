package event

import (
	"sync"

	"go.uber.org/zap"

	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/rterrors"
)

// defaultPoolCapacity is the slot count of the first native event pool a
// Pool allocates, matching the Level Zero backend's starting pool size.
const defaultPoolCapacity = 32

// nativePool is one native driver event pool plus the free-slot bookkeeping
// needed to hand out Events against it.
type nativePool struct {
	handle   driver.EventPoolHandle
	capacity int
	free     []int // free slot indices, used as a stack
}

// Pool hands out Events backed by a growing set of native event pools. It
// never shrinks: once a native pool is created it lives until the Pool is
// closed, mirroring the Level Zero backend's EventPools_ vector and its
// EventsRequested_/EventsReused_ counters.
type Pool struct {
	mu sync.Mutex

	ctxHandle driver.ContextHandle
	drv       driver.Driver
	log       *zap.Logger

	pools []*nativePool
	idle  []*Event // recycled Events ready for reuse, LIFO

	requested   int64
	reused      int64
	outstanding int64
}

// NewPool creates an EventPool bound to a native context. It does not
// eagerly allocate a native pool; the first Get call does.
func NewPool(drv driver.Driver, ctxHandle driver.ContextHandle, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{ctxHandle: ctxHandle, drv: drv, log: log.Named("eventpool")}
}

// Get returns an Event ready for use, reusing an idle one when available
// and otherwise minting a new one in the first native pool with a free
// slot, creating a new native pool of double the previous capacity when
// none has one.
func (p *Pool) Get() (*Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requested++

	if n := len(p.idle); n > 0 {
		e := p.idle[n-1]
		p.idle = p.idle[:n-1]
		e.reviveForReuse()
		p.reused++
		p.outstanding++
		return e, nil
	}

	np, slot, err := p.reserveSlot()
	if err != nil {
		return nil, err
	}
	handle, err := p.drv.CreateEvent(np.handle, slot)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.InitializationError, "create event", err)
	}
	p.outstanding++
	return newEvent(p, handle, slot, p.log), nil
}

// reserveSlot finds a free slot in an existing native pool or creates a
// new native pool sized double the previous one, matching the Level Zero
// backend's capacity-doubling growth policy.
func (p *Pool) reserveSlot() (*nativePool, int, error) {
	for _, np := range p.pools {
		if n := len(np.free); n > 0 {
			slot := np.free[n-1]
			np.free = np.free[:n-1]
			return np, slot, nil
		}
	}

	capacity := defaultPoolCapacity
	if n := len(p.pools); n > 0 {
		capacity = p.pools[n-1].capacity * 2
	}

	handle, err := p.drv.CreateEventPool(p.ctxHandle, capacity)
	if err != nil {
		return nil, 0, rterrors.Wrap(rterrors.InitializationError, "create event pool", err)
	}
	np := &nativePool{handle: handle, capacity: capacity}
	for i := 1; i < capacity; i++ {
		np.free = append(np.free, i)
	}
	p.pools = append(p.pools, np)
	p.log.Debug("grew event pool", zap.Int("capacity", capacity), zap.Int("generation", len(p.pools)))
	return np, 0, nil
}

// recycle resets the native event handle and returns a released Event to
// the idle list for reuse. Called by Event.Release once the refcount
// reaches zero. Resetting before reuse matters on the regular-command-list
// path: without it, a reused event's native status could still read
// finished from its prior life before the command list that is supposed to
// signal it has even been submitted.
func (p *Pool) recycle(e *Event) {
	if err := p.drv.ResetEvent(e.Handle()); err != nil {
		p.log.Warn("reset event before recycle failed", zap.Error(err))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding--
	p.idle = append(p.idle, e)
}

// Stats reports the pool-conservation counters: how many Events were
// requested versus how many were satisfied from the idle list rather than
// a freshly minted native event.
func (p *Pool) Stats() (requested, reused int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requested, p.reused
}

// Close tears down every native event pool this Pool created. It refuses
// to run while any Event handed out by Get has not yet been released back
// to the idle list, since destroying the native pool out from under a
// still-outstanding event would leave that event's handle dangling.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outstanding > 0 {
		return rterrors.New(rterrors.ResourceBusy, "event pool has outstanding events")
	}
	var firstErr error
	for _, np := range p.pools {
		if err := p.drv.DestroyEventPool(np.handle); err != nil && firstErr == nil {
			firstErr = rterrors.Wrap(rterrors.InvalidHandle, "destroy event pool", err)
		}
	}
	p.pools = nil
	p.idle = nil
	return firstErr
}
