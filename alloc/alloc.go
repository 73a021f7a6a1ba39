// Package alloc implements AllocationTracker, the bookkeeping layer that
// sits between the runtime's public allocation calls and the native
// driver: it records every live allocation's device pointer, host
// mirror (if any), and size, and enforces the context's global capacity.
package alloc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/rterrors"
)

// Record describes one live allocation.
type Record struct {
	DevPtr   uintptr
	HostPtr  uintptr
	Size     uintptr
	Kind     driver.MemoryType
}

// Tracker enforces a per-context memory budget and lets callers resolve
// an allocation by either its device or host pointer, matching the
// native driver's usual requirement that frees be looked up by pointer
// alone.
type Tracker struct {
	mu sync.Mutex

	drv       driver.Driver
	ctxHandle driver.ContextHandle
	devHandle driver.DeviceHandle
	capacity  uintptr
	log       *zap.Logger

	byDev  map[uintptr]*Record
	byHost map[uintptr]*Record

	// byDevSorted holds the same Records as byDev, ordered by DevPtr, so
	// GetByDev can binary-search for the allocation containing an interior
	// pointer instead of only matching a base pointer exactly.
	byDevSorted []*Record

	totalUsed uintptr
	peakUsed  uintptr

	usedGauge   prometheus.Gauge
	peakGauge   prometheus.Gauge
	allocations prometheus.Counter
}

// New creates a Tracker bounded by capacity bytes (0 means unbounded,
// matching a device with no reported memory limit).
func New(drv driver.Driver, ctxHandle driver.ContextHandle, devHandle driver.DeviceHandle, capacity uintptr, reg prometheus.Registerer, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	// ConstLabels identify which (context, device) pair this Tracker's
	// metrics belong to, since a Backend may lazily build one Tracker per
	// device it touches and all of them register into the same registry.
	labels := prometheus.Labels{
		"context": fmt.Sprintf("%d", ctxHandle),
		"device":  fmt.Sprintf("%d", devHandle),
	}
	t := &Tracker{
		drv: drv, ctxHandle: ctxHandle, devHandle: devHandle, capacity: capacity,
		log:    log.Named("alloc"),
		byDev:  make(map[uintptr]*Record),
		byHost: make(map[uintptr]*Record),
		usedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "chipstar_device_bytes_used",
			Help:        "Current bytes allocated on the device via AllocationTracker.",
			ConstLabels: labels,
		}),
		peakGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "chipstar_device_bytes_peak",
			Help:        "Peak bytes ever allocated on the device via AllocationTracker.",
			ConstLabels: labels,
		}),
		allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "chipstar_device_allocations_total",
			Help:        "Total allocations made through AllocationTracker.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(t.usedGauge, t.peakGauge, t.allocations)
	}
	return t
}

// Reserve asks the native driver for size bytes of the given memory type,
// aligned as requested, and records the resulting allocation. Fails with
// OutOfMemory if granting it would exceed the tracker's capacity.
func (t *Tracker) Reserve(size, alignment uintptr, kind driver.MemoryType) (*Record, error) {
	t.mu.Lock()
	if t.capacity != 0 && t.totalUsed+size > t.capacity {
		t.mu.Unlock()
		return nil, rterrors.New(rterrors.OutOfMemory, "allocation would exceed device capacity")
	}
	t.mu.Unlock()

	ptr, err := t.drv.Allocate(t.ctxHandle, t.devHandle, size, alignment, kind)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.OutOfMemory, "native allocate failed", err)
	}

	rec := &Record{DevPtr: ptr, Size: size, Kind: kind}
	t.record(rec)
	return rec, nil
}

// record adds a Record for memory the caller obtained some other way
// (e.g. a module-scope device variable bound outside the normal
// allocation path) so the tracker's accounting stays consistent.
func (t *Tracker) record(rec *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byDev[rec.DevPtr] = rec
	if rec.HostPtr != 0 {
		t.byHost[rec.HostPtr] = rec
	}
	t.insertSorted(rec)
	t.totalUsed += rec.Size
	if t.totalUsed > t.peakUsed {
		t.peakUsed = t.totalUsed
	}
	t.usedGauge.Set(float64(t.totalUsed))
	t.peakGauge.Set(float64(t.peakUsed))
	t.allocations.Inc()
}

// RecordExternal is the exported form of record, for allocations made outside
// Reserve (e.g. device-variable binds that already have a native pointer).
func (t *Tracker) RecordExternal(rec *Record) {
	t.record(rec)
}

// insertSorted keeps byDevSorted ordered by DevPtr as allocations are added.
func (t *Tracker) insertSorted(rec *Record) {
	i := sort.Search(len(t.byDevSorted), func(i int) bool {
		return t.byDevSorted[i].DevPtr >= rec.DevPtr
	})
	t.byDevSorted = append(t.byDevSorted, nil)
	copy(t.byDevSorted[i+1:], t.byDevSorted[i:])
	t.byDevSorted[i] = rec
}

// removeSorted drops rec from byDevSorted, the counterpart to insertSorted.
func (t *Tracker) removeSorted(rec *Record) {
	i := sort.Search(len(t.byDevSorted), func(i int) bool {
		return t.byDevSorted[i].DevPtr >= rec.DevPtr
	})
	if i < len(t.byDevSorted) && t.byDevSorted[i] == rec {
		t.byDevSorted = append(t.byDevSorted[:i], t.byDevSorted[i+1:]...)
	}
}

// GetByDev resolves the allocation containing the device pointer ptr, not
// only one whose base pointer matches exactly, mirroring the native
// allocation tracker's requirement to resolve a pointer anywhere inside a
// live allocation (e.g. &buf[i] for i > 0).
func (t *Tracker) GetByDev(ptr uintptr) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.byDevSorted), func(i int) bool {
		return t.byDevSorted[i].DevPtr > ptr
	})
	if i == 0 {
		return nil, false
	}
	rec := t.byDevSorted[i-1]
	if ptr >= rec.DevPtr && ptr < rec.DevPtr+rec.Size {
		return rec, true
	}
	return nil, false
}

// GetByHost resolves an allocation by its host mirror pointer.
func (t *Tracker) GetByHost(ptr uintptr) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byHost[ptr]
	return rec, ok
}

// Release frees a previously reserved allocation, looked up by its device
// pointer, and removes it from the tracker's bookkeeping.
func (t *Tracker) Release(ptr uintptr) error {
	t.mu.Lock()
	rec, ok := t.byDev[ptr]
	if !ok {
		t.mu.Unlock()
		return rterrors.New(rterrors.InvalidDevicePointer, "release of unknown device pointer")
	}
	delete(t.byDev, ptr)
	if rec.HostPtr != 0 {
		delete(t.byHost, rec.HostPtr)
	}
	t.removeSorted(rec)
	t.totalUsed -= rec.Size
	t.usedGauge.Set(float64(t.totalUsed))
	t.mu.Unlock()

	if err := t.drv.Free(t.ctxHandle, ptr); err != nil {
		return rterrors.Wrap(rterrors.InvalidDevicePointer, "native free failed", err)
	}
	return nil
}

// Stats reports the total/peak accounting invariant the tests check.
func (t *Tracker) Stats() (totalUsed, peakUsed uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalUsed, t.peakUsed
}

// Close frees every allocation still tracked, via the native driver, and
// clears the tracker's bookkeeping. This resolves the destructor behavior
// left open by the native driver's own lifetime rules: the context owns
// every allocation made against it and must not leak them when it closes.
func (t *Tracker) Close() error {
	t.mu.Lock()
	ptrs := make([]uintptr, 0, len(t.byDev))
	for ptr := range t.byDev {
		ptrs = append(ptrs, ptr)
	}
	t.mu.Unlock()

	var firstErr error
	for _, ptr := range ptrs {
		if err := t.Release(ptr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
