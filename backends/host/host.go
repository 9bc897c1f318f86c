// Package host implements the backends that run kernels on the host CPU:
//
//   - "Serial" runs each kernel in a single goroutine. It is the reference backend of the occa package, used for
//     the structural pre-pass of translated kernels.
//   - "OpenMP" splits the outer loop of kernels (see Context.ParallelFor) across goroutines.
//
// Kernels are Go functions registered with RegisterKernel. "Compiling" a source validates that it declares the
// requested function, and writes an artifact that BuildKernelFromBinary loads without looking at the source again.
//
// Import it for its side effect of registering the modes:
//
//	import _ "github.com/EMinsight/occa/backends/host"
package host

import (
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/EMinsight/occa"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

const (
	// SerialMode is the name of the single goroutine host backend.
	SerialMode = "Serial"

	// OpenMPMode is the name of the multi goroutine host backend.
	OpenMPMode = "OpenMP"

	// PropMemorySize is the property with the memory capacity reported by the backend, in bytes.
	// Allocations beyond it fail.
	PropMemorySize = "memory_size"

	// PropThreads is the property with the number of goroutines used by OpenMP kernels.
	// It defaults to runtime.GOMAXPROCS.
	PropThreads = "threads"

	// DefaultMemorySize is the default of PropMemorySize: 8GiB.
	DefaultMemorySize = 8 << 30
)

func init() {
	occa.RegisterMode(SerialMode, func(props occa.Properties) (occa.Backend, error) {
		return New(SerialMode, props)
	})
	occa.RegisterMode(OpenMPMode, func(props occa.Properties) (occa.Backend, error) {
		return New(OpenMPMode, props)
	})
}

// Backend is a host backend, it implements occa.Backend.
type Backend struct {
	mode       string
	workers    int
	memorySize uint64

	// allocated is the number of bytes currently allocated.
	allocated atomic.Int64

	mu      sync.Mutex
	streams []*Stream
	freed   bool
}

var _ occa.Backend = (*Backend)(nil)

// New creates a host backend for the given mode, SerialMode or OpenMPMode.
func New(mode string, props occa.Properties) (*Backend, error) {
	b := &Backend{mode: mode}
	switch mode {
	case SerialMode:
		b.workers = 1
	case OpenMPMode:
		b.workers = int(props.GetInt(PropThreads, int64(runtime.GOMAXPROCS(0))))
		if b.workers < 1 {
			return nil, errors.Errorf("invalid number of threads %d for mode %q", b.workers, mode)
		}
	default:
		return nil, errors.Errorf("host backend doesn't support mode %q", mode)
	}
	memorySize := props.GetInt(PropMemorySize, DefaultMemorySize)
	if memorySize <= 0 {
		return nil, errors.Errorf("invalid %s=%d", PropMemorySize, memorySize)
	}
	b.memorySize = uint64(memorySize)
	klog.V(1).Infof("host backend %q: %d worker(s), %d bytes of memory", mode, b.workers, b.memorySize)
	return b, nil
}

// Mode implements occa.Backend.
func (b *Backend) Mode() string {
	return b.mode
}

// Workers returns the number of goroutines kernels of the backend use.
func (b *Backend) Workers() int {
	return b.workers
}

func (b *Backend) checkValid() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return errors.Errorf("host backend %q was freed", b.mode)
	}
	return nil
}

// Flush implements occa.Backend. Work is submitted to the streams as it is issued, so there is nothing to flush.
func (b *Backend) Flush() error {
	return b.checkValid()
}

// Finish implements occa.Backend: it waits for the work of every stream, and returns their errors.
func (b *Backend) Finish() error {
	if err := b.checkValid(); err != nil {
		return err
	}
	b.mu.Lock()
	streams := slices.Clone(b.streams)
	b.mu.Unlock()
	var err error
	for _, s := range streams {
		err = multierr.Append(err, s.finish())
	}
	return err
}

// MemorySize implements occa.Backend.
func (b *Backend) MemorySize() uint64 {
	return b.memorySize
}

// MemoryInUse returns the number of bytes currently allocated by the backend.
func (b *Backend) MemoryInUse() int64 {
	return b.allocated.Load()
}

// FakesUVA implements occa.Backend: the host has no unified addressing with itself, the device keeps managed
// memory coherent.
func (b *Backend) FakesUVA() bool {
	return true
}

// Free implements occa.Backend: it stops all streams, after they complete their pending work.
func (b *Backend) Free() error {
	b.mu.Lock()
	if b.freed {
		b.mu.Unlock()
		return nil
	}
	b.freed = true
	streams := b.streams
	b.streams = nil
	b.mu.Unlock()
	var err error
	for _, s := range streams {
		err = multierr.Append(err, s.close())
	}
	return err
}
