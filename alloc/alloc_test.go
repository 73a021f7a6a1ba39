package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/karlwessel/chipstar-core/driver"
)

type fakeDriver struct {
	driver.Driver
	next  uintptr
	freed []uintptr
}

func (f *fakeDriver) Allocate(driver.ContextHandle, driver.DeviceHandle, uintptr, uintptr, driver.MemoryType) (uintptr, error) {
	f.next += 0x1000
	return f.next, nil
}

func (f *fakeDriver) Free(_ driver.ContextHandle, ptr uintptr) error {
	f.freed = append(f.freed, ptr)
	return nil
}

func TestReserveEnforcesCapacity(t *testing.T) {
	drv := &fakeDriver{}
	tr := New(drv, 1, 1, 100, nil, nil)

	_, err := tr.Reserve(50, 8, driver.MemoryDevice)
	require.NoError(t, err)

	_, err = tr.Reserve(60, 8, driver.MemoryDevice)
	require.Error(t, err)

	total, peak := tr.Stats()
	require.Equal(t, uintptr(50), total)
	require.Equal(t, uintptr(50), peak)
}

func TestReleaseUpdatesAccounting(t *testing.T) {
	drv := &fakeDriver{}
	tr := New(drv, 1, 1, 0, nil, nil)

	rec, err := tr.Reserve(100, 8, driver.MemoryDevice)
	require.NoError(t, err)

	total, peak := tr.Stats()
	require.Equal(t, uintptr(100), total)
	require.Equal(t, uintptr(100), peak)

	require.NoError(t, tr.Release(rec.DevPtr))
	total, peak = tr.Stats()
	require.Equal(t, uintptr(0), total)
	require.Equal(t, uintptr(100), peak) // peak never decreases

	_, ok := tr.GetByDev(rec.DevPtr)
	require.False(t, ok)
}

func TestReleaseUnknownPointer(t *testing.T) {
	tr := New(&fakeDriver{}, 1, 1, 0, nil, nil)
	err := tr.Release(0xDEAD)
	require.Error(t, err)
}

func TestGetByDevResolvesInteriorPointer(t *testing.T) {
	drv := &fakeDriver{}
	tr := New(drv, 1, 1, 0, nil, nil)

	rec, err := tr.Reserve(100, 8, driver.MemoryDevice)
	require.NoError(t, err)

	got, ok := tr.GetByDev(rec.DevPtr + 40)
	require.True(t, ok)
	require.Equal(t, rec, got)

	_, ok = tr.GetByDev(rec.DevPtr + 100)
	require.False(t, ok)
	_, ok = tr.GetByDev(rec.DevPtr - 1)
	require.False(t, ok)
}

func TestCloseFreesEverything(t *testing.T) {
	drv := &fakeDriver{}
	tr := New(drv, 1, 1, 0, nil, nil)

	_, err := tr.Reserve(10, 8, driver.MemoryDevice)
	require.NoError(t, err)
	_, err = tr.Reserve(20, 8, driver.MemoryDevice)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.Len(t, drv.freed, 2)

	total, _ := tr.Stats()
	require.Equal(t, uintptr(0), total)
}
