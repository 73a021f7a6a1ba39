package runtime

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/rterrors"
)

// Backend is the process-wide entry point: it owns the native driver
// connection, enumerates devices once, and tracks which device is
// "active" for calls that omit one explicitly (the HIP notion of a
// per-thread current device, simplified to process-wide here since
// per-thread device selection belongs to the HIP translation layer, not
// this runtime).
type Backend struct {
	mu sync.Mutex

	drv     driver.Driver
	opts    Options
	log     *zap.Logger
	metrics prometheus.Registerer

	devices []*Device
	active  int

	callbacks *CallbackQueue

	hip hipAPIState
}

// NewBackend initializes a Backend against the given native driver,
// enumerating its devices and starting the shared host-callback queue.
// CHIPSTAR_JIT_FLAGS and CHIPSTAR_IMMEDIATE_CMDLISTS, when set in the
// environment, override the corresponding Options fields.
func NewBackend(drv driver.Driver, opts Options, metrics prometheus.Registerer) (*Backend, error) {
	if v, ok := os.LookupEnv("CHIPSTAR_JIT_FLAGS"); ok {
		opts.JITFlags = v
	}
	if v, ok := os.LookupEnv("CHIPSTAR_IMMEDIATE_CMDLISTS"); ok {
		opts.ImmediateCmdLists = v != "0" && v != ""
	}

	b := &Backend{
		drv:       drv,
		opts:      opts,
		log:       opts.logger().Named("backend"),
		metrics:   metrics,
		callbacks: newCallbackQueue(drv, opts.logger()),
	}

	handles, err := drv.EnumerateDevices()
	if err != nil {
		return nil, rterrors.Wrap(rterrors.InitializationError, "enumerate devices", err)
	}
	if len(handles) == 0 {
		return nil, rterrors.New(rterrors.InitializationError, "native driver reported no devices")
	}
	for i, h := range handles {
		dev, err := newDevice(b, h, i)
		if err != nil {
			return nil, err
		}
		b.devices = append(b.devices, dev)
	}

	b.callbacks.start()
	b.log.Info("backend initialized", zap.Int("devices", len(b.devices)))
	return b, nil
}

// Devices returns every device the backend enumerated.
func (b *Backend) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Device(nil), b.devices...)
}

// ActiveDevice returns the device new contexts default to.
func (b *Backend) ActiveDevice() *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[b.active]
}

// SetActiveDevice changes which device ActiveDevice returns.
func (b *Backend) SetActiveDevice(index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.devices) {
		return rterrors.New(rterrors.InvalidValue, "device index out of range")
	}
	b.active = index
	return nil
}

// NewContext creates a Context against the active device's native driver
// connection. The first context created becomes the active context
// GetActiveContext returns; later ones don't displace it automatically,
// mirroring the native backend's single implicit primary context.
func (b *Backend) NewContext() (*Context, error) {
	ctx, err := newContext(b, b.drv, b.opts)
	if err != nil {
		return nil, err
	}
	b.hip.mu.Lock()
	if b.hip.activeContext == nil {
		b.hip.activeContext = ctx
	}
	b.hip.mu.Unlock()
	return ctx, nil
}

// Callbacks returns the shared host-callback dispatch queue.
func (b *Backend) Callbacks() *CallbackQueue { return b.callbacks }

// Close stops the callback queue. Contexts are expected to already have
// been closed by the caller; Backend.Close only tears down process-wide
// state.
func (b *Backend) Close() error {
	b.callbacks.stop()
	return nil
}
