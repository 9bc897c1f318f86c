package host

import (
	"sync"
	"unsafe"

	"github.com/EMinsight/occa"
	"github.com/pkg/errors"
)

// BufferAlignment of host allocations, so kernels can view them as slices of any numeric type.
const BufferAlignment = 64

// alignedBytes returns a zeroed slice of size bytes whose first element is aligned to alignment.
func alignedBytes(size, alignment int) []byte {
	if size == 0 {
		return []byte{}
	}
	buf := make([]byte, size+alignment)
	offset := 0
	if rem := int(uintptr(unsafe.Pointer(unsafe.SliceData(buf))) % uintptr(alignment)); rem != 0 {
		offset = alignment - rem
	}
	return buf[offset : offset+size : offset+size]
}

// Memory is a host allocation, it implements occa.MemoryHandle.
//
// Operations queued on a stream may execute after the memory is freed: they then fail with an error reported by
// the stream, instead of touching released memory.
type Memory struct {
	backend *Backend
	wrapped bool

	// mu protects data, which is nil once freed.
	mu   sync.RWMutex
	data []byte
}

var _ occa.MemoryHandle = (*Memory)(nil)

// Malloc implements occa.Backend.
func (b *Backend) Malloc(bytes int64, src []byte, _ occa.Properties) (occa.MemoryHandle, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	if bytes < 0 {
		return nil, errors.Errorf("invalid allocation of %d bytes", bytes)
	}
	if inUse := b.allocated.Add(bytes); uint64(inUse) > b.memorySize {
		b.allocated.Add(-bytes)
		return nil, errors.Errorf("out of memory: allocating %d bytes with %d bytes in use, of %d bytes available",
			bytes, inUse-bytes, b.memorySize)
	}
	m := &Memory{backend: b, data: alignedBytes(int(bytes), BufferAlignment)}
	if src != nil {
		copy(m.data, src[:bytes])
	}
	return m, nil
}

// WrapMemory implements occa.Backend. The native memory must be a []byte with at least bytes bytes: it is used
// in place, not copied.
func (b *Backend) WrapMemory(native any, bytes int64, _ occa.Properties) (occa.MemoryHandle, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	data, ok := native.([]byte)
	if !ok {
		return nil, errors.Errorf("host backend can only wrap []byte memory, got %T", native)
	}
	if int64(len(data)) < bytes {
		return nil, errors.Errorf("can't wrap %d bytes of a []byte of length %d", bytes, len(data))
	}
	return &Memory{backend: b, data: data[:bytes:bytes], wrapped: true}, nil
}

// Size implements occa.MemoryHandle.
func (m *Memory) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

// Native implements occa.MemoryHandle: it returns the []byte with the contents of the memory.
func (m *Memory) Native() any {
	return m.Bytes()
}

// Bytes returns the contents of the memory, or nil if it was freed. Kernels use it to access their memory
// arguments.
func (m *Memory) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

// checkRange must be called with mu held.
func (m *Memory) checkRange(offset int64, n int) error {
	if m.data == nil && n > 0 {
		return errors.New("host memory was freed")
	}
	if offset < 0 || offset+int64(n) > int64(len(m.data)) {
		return errors.Errorf("range [%d, %d) out of host memory bounds (%d bytes)", offset, offset+int64(n), len(m.data))
	}
	return nil
}

// withRange runs fn on the contents of the memory if [offset, offset+n) is valid.
func (m *Memory) withRange(offset int64, n int, fn func(data []byte)) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkRange(offset, n); err != nil {
		return err
	}
	fn(m.data)
	return nil
}

func (m *Memory) submit(stream occa.StreamHandle, async bool, op func() error) error {
	s, err := m.backend.asStream(stream)
	if err != nil {
		return err
	}
	if async {
		return s.submit(op)
	}
	return s.run(op)
}

// CopyFrom implements occa.MemoryHandle. Asynchronous copies read src when they execute, so it must not be
// changed before the stream reaches them.
func (m *Memory) CopyFrom(stream occa.StreamHandle, src []byte, offset int64, async bool) error {
	if err := m.withRange(offset, len(src), func([]byte) {}); err != nil {
		return err
	}
	return m.submit(stream, async, func() error {
		return m.withRange(offset, len(src), func(data []byte) { copy(data[offset:], src) })
	})
}

// CopyTo implements occa.MemoryHandle.
func (m *Memory) CopyTo(stream occa.StreamHandle, dst []byte, offset int64, async bool) error {
	if err := m.withRange(offset, len(dst), func([]byte) {}); err != nil {
		return err
	}
	return m.submit(stream, async, func() error {
		return m.withRange(offset, len(dst), func(data []byte) { copy(dst, data[offset:]) })
	})
}

// Free implements occa.MemoryHandle. Freeing twice is a no-op.
func (m *Memory) Free() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	if !m.wrapped {
		m.backend.allocated.Add(-int64(len(m.data)))
	}
	m.data = nil
	return nil
}
