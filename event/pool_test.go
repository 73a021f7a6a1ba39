package event

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/rterrors"
)

// fakeDriver is the minimal driver.Driver stub needed to exercise Pool in
// isolation, without pulling in the simdriver package.
type fakeDriver struct {
	driver.Driver
	nextPool  driver.EventPoolHandle
	nextEvent driver.EventHandle
	finished  map[driver.EventHandle]bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{finished: make(map[driver.EventHandle]bool)}
}

func (f *fakeDriver) CreateEventPool(driver.ContextHandle, int) (driver.EventPoolHandle, error) {
	f.nextPool++
	return f.nextPool, nil
}

func (f *fakeDriver) DestroyEventPool(driver.EventPoolHandle) error { return nil }

func (f *fakeDriver) CreateEvent(driver.EventPoolHandle, int) (driver.EventHandle, error) {
	f.nextEvent++
	return f.nextEvent, nil
}

func (f *fakeDriver) QueryEventStatus(h driver.EventHandle) (bool, error) {
	return f.finished[h], nil
}

func (f *fakeDriver) ResetEvent(h driver.EventHandle) error {
	delete(f.finished, h)
	return nil
}

func (f *fakeDriver) EventTimestamps(driver.EventHandle) (uint64, int64, error) {
	return 0, 0, nil
}

func TestPoolGrowsOnDemand(t *testing.T) {
	drv := newFakeDriver()
	p := NewPool(drv, 1, nil)

	events := make([]*Event, defaultPoolCapacity+5)
	for i := range events {
		e, err := p.Get()
		require.NoError(t, err)
		events[i] = e
	}

	require.Len(t, p.pools, 2)
	require.Equal(t, defaultPoolCapacity*2, p.pools[1].capacity)

	requested, reused := p.Stats()
	require.Equal(t, int64(len(events)), requested)
	require.Equal(t, int64(0), reused)
}

func TestPoolReusesReleasedEvents(t *testing.T) {
	drv := newFakeDriver()
	p := NewPool(drv, 1, nil)

	e, err := p.Get()
	require.NoError(t, err)
	require.True(t, e.Release())

	e2, err := p.Get()
	require.NoError(t, err)
	require.Same(t, e, e2)

	_, reused := p.Stats()
	require.Equal(t, int64(1), reused)
}

func TestUpdateFinishStatusRunsActionsOnce(t *testing.T) {
	drv := newFakeDriver()
	p := NewPool(drv, 1, nil)

	e, err := p.Get()
	require.NoError(t, err)

	runs := 0
	e.AddAction(func() { runs++ })

	finished, err := e.UpdateFinishStatus(drv)
	require.NoError(t, err)
	require.False(t, finished)
	require.Equal(t, 0, runs)

	drv.finished[e.Handle()] = true

	finished, err = e.UpdateFinishStatus(drv)
	require.NoError(t, err)
	require.True(t, finished)
	require.Equal(t, 1, runs)

	finished, err = e.UpdateFinishStatus(drv)
	require.NoError(t, err)
	require.True(t, finished)
	require.Equal(t, 1, runs)
}

func TestAssignCmdListReturnedOnFinish(t *testing.T) {
	drv := newFakeDriver()
	p := NewPool(drv, 1, nil)

	e, err := p.Get()
	require.NoError(t, err)

	var returned driver.CmdListHandle
	ret := returnerFunc(func(cl driver.CmdListHandle) { returned = cl })
	e.AssignCmdList(driver.CmdListHandle(42), ret)

	drv.finished[e.Handle()] = true
	_, err = e.UpdateFinishStatus(drv)
	require.NoError(t, err)
	require.Equal(t, driver.CmdListHandle(42), returned)
}

func TestReleaseResetsEventForReuse(t *testing.T) {
	drv := newFakeDriver()
	p := NewPool(drv, 1, nil)

	e, err := p.Get()
	require.NoError(t, err)
	drv.finished[e.Handle()] = true
	require.True(t, e.Release())

	require.False(t, drv.finished[e.Handle()])
}

func TestCloseFailsWithOutstandingEvents(t *testing.T) {
	drv := newFakeDriver()
	p := NewPool(drv, 1, nil)

	e, err := p.Get()
	require.NoError(t, err)

	err = p.Close()
	require.ErrorIs(t, err, rterrors.ErrResourceBusy)

	require.True(t, e.Release())
	require.NoError(t, p.Close())
}

// TestReusedEventStartsAtRefcountOne guards against recycling a reused
// event out from under a second live reference: Get must hand back an
// idle event at refcount 1, not 0, the same as a freshly minted one.
func TestReusedEventStartsAtRefcountOne(t *testing.T) {
	drv := newFakeDriver()
	p := NewPool(drv, 1, nil)

	e, err := p.Get()
	require.NoError(t, err)
	require.True(t, e.Release())

	e2, err := p.Get()
	require.NoError(t, err)
	require.Same(t, e, e2)

	e2.Retain()
	require.False(t, e2.Release())
	require.True(t, e2.Release())
}

type returnerFunc func(driver.CmdListHandle)

func (f returnerFunc) ReturnCmdList(cl driver.CmdListHandle) { f(cl) }
