package occa

import (
	"fmt"
	"sync"

	"github.com/EMinsight/occa/cache"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// Device is the handle callers hold to use one backend: it owns the backend instance, its streams and the
// bookkeeping of memory allocations, and it is the entry point to build kernels.
//
// A Device is created with NewDevice (or Setup on a zero value) and released with Free. Any other operation on a
// Device that is not set up, or was freed, fails with ErrInvalidState.
//
// A Device is not safe for concurrent use: stream and memory management must be done by one goroutine at a time.
// Kernel builds are the exception: they may run concurrently on the same Device, and builds of the same sources are
// arbitrated by the build cache.
type Device struct {
	backend Backend

	// muBuild protects the state created on demand by kernel builds: reference and cache.
	muBuild sync.Mutex

	// reference backend for structural pre-passes of translated kernels, created on demand.
	reference Backend

	mode       string
	props      Properties
	uvaEnabled bool

	// uvaMap maps the base of the host shadow of managed memory to the Memory.
	uvaMap map[*byte]*Memory

	// uvaDirty are managed memories written on the host and not yet copied to the device, in the order they
	// were marked.
	uvaDirty []*Memory

	currentStream StreamHandle
	streams       []StreamHandle

	// bytesAllocated only grows: it is a high-water allocation metric, not the live usage.
	bytesAllocated int64

	translator Translator
	cache      *cache.Cache
}

// NewDevice creates a Device set up with the given properties, see Device.Setup.
func NewDevice(props Properties) (*Device, error) {
	d := &Device{}
	if err := d.Setup(props); err != nil {
		return nil, err
	}
	return d, nil
}

// Setup creates the backend for the mode named by the "mode" property, applies the "uva" property and creates the
// default stream, which becomes the current one.
//
// Setup must not be called on a Device already set up, unless it was freed first.
func (d *Device) Setup(props Properties) error {
	if d.backend != nil {
		return invalidStatef("device already set up in mode %q, Free it before calling Setup again", d.mode)
	}
	if props == nil {
		props = Properties{}
	}
	backend, err := newBackend(props)
	if err != nil {
		return err
	}
	d.backend = backend
	d.mode = backend.Mode()
	d.props = props.Clone()
	d.uvaEnabled = props.GetBool(PropUVA, false)
	d.uvaMap = make(map[*byte]*Memory)
	d.uvaDirty = nil
	d.streams = nil
	d.currentStream = nil
	d.bytesAllocated = 0

	stream, err := d.CreateStream()
	if err != nil {
		err = errors.WithMessagef(err, "failed to create default stream for mode %q", d.mode)
		if freeErr := backend.Free(); freeErr != nil {
			klog.Errorf("failed to free backend %q after a failed setup: %v", d.mode, freeErr)
		}
		d.backend = nil
		return err
	}
	d.currentStream = stream.handle
	return nil
}

// checkInitialized returns an ErrInvalidState error if the device is not set up.
func (d *Device) checkInitialized() error {
	if d == nil || d.backend == nil {
		return invalidStatef("device is not initialized")
	}
	return nil
}

// IsValid returns whether the device is set up and not freed.
func (d *Device) IsValid() bool {
	return d != nil && d.backend != nil
}

// Free releases every stream owned by the device and then the backend. Afterwards the device is invalid, until
// Setup is called again.
//
// Memory and kernels created by the device must be freed before.
func (d *Device) Free() error {
	if err := d.checkInitialized(); err != nil {
		return err
	}
	var err error
	for _, stream := range d.streams {
		err = multierr.Append(err, d.backend.FreeStream(stream))
	}
	d.muBuild.Lock()
	if d.reference != nil {
		err = multierr.Append(err, d.reference.Free())
		d.reference = nil
	}
	d.muBuild.Unlock()
	err = multierr.Append(err, d.backend.Free())
	d.backend = nil
	d.streams = nil
	d.currentStream = nil
	d.uvaMap = nil
	d.uvaDirty = nil
	return err
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	if !d.IsValid() {
		return "Invalid device"
	}
	uva := "disabled"
	if d.uvaEnabled {
		uva = "enabled"
	}
	return fmt.Sprintf("Device[mode=%q, uva=%s, streams=%d, allocated=%d bytes]", d.mode, uva, len(d.streams), d.bytesAllocated)
}

// Mode returns the name of the backend variant of the device.
func (d *Device) Mode() (string, error) {
	if err := d.checkInitialized(); err != nil {
		return "", err
	}
	return d.mode, nil
}

// Properties returns a copy of the properties the device was set up with.
func (d *Device) Properties() (Properties, error) {
	if err := d.checkInitialized(); err != nil {
		return nil, err
	}
	return d.props.Clone(), nil
}

// MergeProperties adds props to the device properties, overriding existing keys. The merged properties apply to
// the following builds. The mode of the device can't be changed.
func (d *Device) MergeProperties(props Properties) error {
	if err := d.checkInitialized(); err != nil {
		return err
	}
	if mode, found := props[PropMode]; found && fmt.Sprint(mode) != d.props.GetString(PropMode, d.mode) {
		return invalidArgumentf("can't change the mode of a device (from %q to %v)", d.mode, mode)
	}
	d.props = d.props.Merge(props)
	return nil
}

// HasUVAEnabled returns whether unified virtual addressing emulation was enabled at setup.
func (d *Device) HasUVAEnabled() (bool, error) {
	if err := d.checkInitialized(); err != nil {
		return false, err
	}
	return d.uvaEnabled, nil
}

// MemorySize returns the total memory capacity of the device, in bytes.
func (d *Device) MemorySize() (uint64, error) {
	if err := d.checkInitialized(); err != nil {
		return 0, err
	}
	return d.backend.MemorySize(), nil
}

// MemoryAllocated returns the total number of bytes ever allocated (or wrapped) by the device. Freeing memory
// doesn't decrease it.
func (d *Device) MemoryAllocated() (int64, error) {
	if err := d.checkInitialized(); err != nil {
		return 0, err
	}
	return d.bytesAllocated, nil
}

// Backend returns the backend owned by the device, for extensions that need direct access.
func (d *Device) Backend() (Backend, error) {
	if err := d.checkInitialized(); err != nil {
		return nil, err
	}
	return d.backend, nil
}

// Flush submits buffered work to the device, without blocking.
func (d *Device) Flush() error {
	if err := d.checkInitialized(); err != nil {
		return err
	}
	return d.backend.Flush()
}

// Finish blocks until all the work submitted to the device completes.
//
// If the backend fakes unified addressing, managed memory written on the host (see Memory.MarkDirty) is first
// copied to the device, so the copies are complete when Finish returns.
func (d *Device) Finish() error {
	if err := d.checkInitialized(); err != nil {
		return err
	}
	if d.backend.FakesUVA() {
		if err := d.flushDirtyMemory(); err != nil {
			return err
		}
	}
	return d.backend.Finish()
}

// WithTranslator sets the translator used to build kernels written in the portable kernel languages.
// It returns the device itself, to allow cascading calls.
func (d *Device) WithTranslator(translator Translator) *Device {
	d.translator = translator
	return d
}

// WithCache sets the build cache used by the device, instead of cache.Default().
// It returns the device itself, to allow cascading calls.
func (d *Device) WithCache(c *cache.Cache) *Device {
	d.muBuild.Lock()
	defer d.muBuild.Unlock()
	d.cache = c
	return d
}

// buildCache returns the cache configured with WithCache, or the default one.
func (d *Device) buildCache() (*cache.Cache, error) {
	d.muBuild.Lock()
	defer d.muBuild.Unlock()
	if d.cache != nil {
		return d.cache, nil
	}
	c, err := cache.Default()
	if err != nil {
		return nil, err
	}
	d.cache = c
	return c, nil
}

// referenceBackend returns the backend used for structural pre-passes, creating it on first use.
func (d *Device) referenceBackend() (Backend, error) {
	d.muBuild.Lock()
	defer d.muBuild.Unlock()
	if d.reference != nil {
		return d.reference, nil
	}
	reference, err := newBackend(Properties{PropMode: ReferenceMode})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create reference backend %q", ReferenceMode)
	}
	d.reference = reference
	return reference, nil
}
