package occa

import (
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// UVAFlags describe the residency of managed memory.
type UVAFlags uint8

const (
	// InDevice is set while the device holds data newer than the host shadow.
	InDevice UVAFlags = 1 << iota

	// IsDirty is set when the host shadow was written and must be copied to the device.
	IsDirty
)

// Memory is an allocation on a Device. It owns its backend allocation: release it with Free.
type Memory struct {
	device *Device
	handle MemoryHandle
	size   int64

	// uvaPtr is the host shadow of managed memory.
	uvaPtr  []byte
	flags   UVAFlags
	managed bool
}

// Malloc allocates bytes of memory on the device, initialized with src if given (it must have at least bytes
// bytes).
//
// The allocated bytes are added to MemoryAllocated.
func (d *Device) Malloc(bytes int64, src []byte, props Properties) (*Memory, error) {
	if err := d.checkInitialized(); err != nil {
		return nil, err
	}
	if bytes < 0 {
		return nil, invalidArgumentf("trying to allocate negative bytes (%d)", bytes)
	}
	if src != nil && int64(len(src)) < bytes {
		return nil, invalidArgumentf("source has %d bytes, fewer than the %d bytes allocated", len(src), bytes)
	}
	handle, err := d.backend.Malloc(bytes, src, props)
	if err != nil {
		return nil, err
	}
	d.bytesAllocated += bytes
	return &Memory{device: d, handle: handle, size: bytes}, nil
}

// WrapMemory adopts a backend-native allocation of the given size.
//
// The wrapped bytes are added to MemoryAllocated.
func (d *Device) WrapMemory(native any, bytes int64, props Properties) (*Memory, error) {
	if err := d.checkInitialized(); err != nil {
		return nil, err
	}
	if bytes < 0 {
		return nil, invalidArgumentf("trying to wrap memory with negative bytes (%d)", bytes)
	}
	handle, err := d.backend.WrapMemory(native, bytes, props)
	if err != nil {
		return nil, err
	}
	d.bytesAllocated += bytes
	return &Memory{device: d, handle: handle, size: bytes}, nil
}

// ManagedAlloc allocates managed memory and returns its host shadow, to be used like regular Go memory. After
// writing to it, call Device.MarkDirty so the next Device.Finish copies it to the device.
//
// Use Device.FindMemory to get the Memory of the returned slice.
func (d *Device) ManagedAlloc(bytes int64, src []byte, props Properties) ([]byte, error) {
	if err := d.checkInitialized(); err != nil {
		return nil, err
	}
	if bytes < 0 {
		return nil, invalidArgumentf("trying to allocate negative bytes (%d)", bytes)
	}
	mem, err := d.Malloc(bytes, src, props)
	if err != nil {
		return nil, err
	}
	if err = mem.Manage(); err != nil {
		if freeErr := mem.Free(); freeErr != nil {
			klog.Errorf("failed to free memory after failing to manage it: %v", freeErr)
		}
		return nil, err
	}
	return mem.uvaPtr, nil
}

// Device that allocated the memory.
func (m *Memory) Device() *Device {
	return m.device
}

// Size in bytes.
func (m *Memory) Size() int64 {
	return m.size
}

// Handle returns the backend allocation, or nil if the memory was freed.
func (m *Memory) Handle() MemoryHandle {
	return m.handle
}

// IsManaged returns whether the memory has a host shadow kept coherent by the device.
func (m *Memory) IsManaged() bool {
	return m.managed
}

// Flags returns the UVA residency flags.
func (m *Memory) Flags() UVAFlags {
	return m.flags
}

// HostPtr returns the host shadow of managed memory, or nil.
func (m *Memory) HostPtr() []byte {
	return m.uvaPtr
}

func (m *Memory) checkValid() error {
	if m == nil || m.handle == nil {
		return invalidStatef("memory was freed")
	}
	return m.device.checkInitialized()
}

func (m *Memory) checkRange(offset int64, n int) error {
	if offset < 0 || offset+int64(n) > m.size {
		return invalidArgumentf("range [%d, %d) out of memory bounds (%d bytes)", offset, offset+int64(n), m.size)
	}
	return nil
}

// CopyFrom copies src from the host to the memory, starting at offset, in the current stream of the device.
// If async is false it waits for the copy to complete.
func (m *Memory) CopyFrom(src []byte, offset int64, async bool) error {
	if err := m.checkValid(); err != nil {
		return err
	}
	if err := m.checkRange(offset, len(src)); err != nil {
		return err
	}
	stream, err := m.device.currentStreamOrError()
	if err != nil {
		return err
	}
	return m.handle.CopyFrom(stream, src, offset, async)
}

// CopyTo copies the memory, starting at offset, to dst on the host, in the current stream of the device.
// If async is false it waits for the copy to complete.
func (m *Memory) CopyTo(dst []byte, offset int64, async bool) error {
	if err := m.checkValid(); err != nil {
		return err
	}
	if err := m.checkRange(offset, len(dst)); err != nil {
		return err
	}
	stream, err := m.device.currentStreamOrError()
	if err != nil {
		return err
	}
	return m.handle.CopyTo(stream, dst, offset, async)
}

// Manage creates the host shadow of the memory, with the current device contents, and registers it in the UVA
// map of the device. It is a no-op if the memory is already managed.
func (m *Memory) Manage() error {
	if err := m.checkValid(); err != nil {
		return err
	}
	if m.managed {
		return nil
	}
	shadow := make([]byte, m.size)
	if m.size > 0 {
		if err := m.CopyTo(shadow, 0, false); err != nil {
			return errors.WithMessagef(err, "failed to initialize host shadow of managed memory")
		}
		m.device.uvaMap[unsafe.SliceData(shadow)] = m
	}
	m.uvaPtr = shadow
	m.managed = true
	m.flags = 0
	return nil
}

// MarkDirty records that the host shadow of the managed memory was written, so the next Device.Finish copies it
// to the device. Marking memory already dirty is a no-op.
func (m *Memory) MarkDirty() error {
	if err := m.checkValid(); err != nil {
		return err
	}
	if !m.managed {
		return invalidArgumentf("only managed memory can be marked dirty")
	}
	if m.flags&IsDirty != 0 {
		return nil
	}
	m.flags |= IsDirty
	m.device.uvaDirty = append(m.device.uvaDirty, m)
	return nil
}

// Free releases the memory. It is unregistered from the UVA bookkeeping of the device, but the device
// MemoryAllocated counter is not decreased. Freeing memory twice is a no-op.
func (m *Memory) Free() error {
	if m == nil || m.handle == nil {
		return nil
	}
	if m.managed && m.device.IsValid() {
		m.device.forgetManaged(m)
	}
	err := m.handle.Free()
	m.handle = nil
	m.uvaPtr = nil
	m.managed = false
	m.flags = 0
	return err
}
