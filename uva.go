package occa

import (
	"slices"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FindMemory returns the managed Memory whose host shadow contains ptr (which may point into the middle of it).
func (d *Device) FindMemory(ptr []byte) (*Memory, bool) {
	if !d.IsValid() || len(ptr) == 0 {
		return nil, false
	}
	base := unsafe.SliceData(ptr)
	if mem, found := d.uvaMap[base]; found {
		return mem, true
	}
	addr := uintptr(unsafe.Pointer(base))
	for start, mem := range d.uvaMap {
		startAddr := uintptr(unsafe.Pointer(start))
		if addr >= startAddr && addr < startAddr+uintptr(mem.size) {
			return mem, true
		}
	}
	return nil, false
}

// MarkDirty records that the host memory in ptr, returned by ManagedAlloc, was written.
// The next Finish copies the whole managed memory to the device.
func (d *Device) MarkDirty(ptr []byte) error {
	if err := d.checkInitialized(); err != nil {
		return err
	}
	mem, found := d.FindMemory(ptr)
	if !found {
		return invalidArgumentf("pointer is not managed memory of this device")
	}
	return mem.MarkDirty()
}

// DirtyMemory returns the managed memory pending a copy to the device, in the order it was marked.
func (d *Device) DirtyMemory() []*Memory {
	if !d.IsValid() {
		return nil
	}
	return slices.Clone(d.uvaDirty)
}

// flushDirtyMemory copies every dirty managed memory to the device, in the order they were marked dirty.
//
// Copies are asynchronous, in the current stream: the blocking finish that follows waits for them. If the current
// stream is none, the first stream owned by the device is used, and if it owns none, a temporary stream that is
// waited for and freed before returning.
func (d *Device) flushDirtyMemory() error {
	if len(d.uvaDirty) == 0 {
		return nil
	}
	stream, async := d.currentStream, true
	if stream == nil && len(d.streams) > 0 {
		stream = d.streams[0]
	}
	if stream == nil {
		var err error
		stream, err = d.backend.CreateStream()
		if err != nil {
			return errors.WithMessagef(err, "can't copy %d dirty managed memories to the device", len(d.uvaDirty))
		}
		async = false
		defer func() {
			if err := d.backend.FreeStream(stream); err != nil {
				klog.Errorf("failed to free temporary stream of device %q: %v", d.mode, err)
			}
		}()
	}
	for ii, mem := range d.uvaDirty {
		if err := mem.handle.CopyFrom(stream, mem.uvaPtr, 0, async); err != nil {
			// Keep the memories not yet copied, so a later Finish can retry.
			d.uvaDirty = d.uvaDirty[ii:]
			return errors.WithMessagef(err, "failed to copy dirty managed memory (%d bytes) to the device", mem.size)
		}
		mem.flags &^= InDevice | IsDirty
	}
	klog.V(2).Infof("copied %d dirty managed memories to device %q", len(d.uvaDirty), d.mode)
	d.uvaDirty = d.uvaDirty[:0]
	return nil
}

// forgetManaged removes mem from the UVA map and the dirty set.
func (d *Device) forgetManaged(mem *Memory) {
	if len(mem.uvaPtr) > 0 {
		delete(d.uvaMap, unsafe.SliceData(mem.uvaPtr))
	}
	d.uvaDirty = slices.DeleteFunc(d.uvaDirty, func(m *Memory) bool { return m == mem })
}
