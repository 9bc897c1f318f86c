package occa

import (
	"slices"
	"time"
)

// Stream is a lightweight reference to an ordered command queue of a Device. It doesn't own the queue: the
// Device does, and a Stream is usable until it is freed with Device.FreeStream (or Stream.Free).
//
// The zero value is the "none" stream.
type Stream struct {
	device *Device
	handle StreamHandle
}

// IsNone returns whether s refers to no stream.
func (s Stream) IsNone() bool {
	return s.handle == nil
}

// Device returns the device of the stream, or nil for the none stream.
func (s Stream) Device() *Device {
	return s.device
}

// Handle returns the backend stream.
func (s Stream) Handle() StreamHandle {
	return s.handle
}

// Native returns the backend-native stream, or nil for the none stream.
func (s Stream) Native() any {
	if s.handle == nil {
		return nil
	}
	return s.handle.Native()
}

// Free releases the stream through its device. It is a no-op for the none stream.
func (s Stream) Free() error {
	if s.device == nil || s.handle == nil {
		return nil
	}
	return s.device.FreeStream(s)
}

// StreamTag marks a point in a stream, see Device.TagStream. It is only meaningful for the device that created it.
type StreamTag struct {
	device *Device
	handle TagHandle
}

// Handle returns the backend tag.
func (t StreamTag) Handle() TagHandle {
	return t.handle
}

// CreateStream creates a new stream owned by the device. It doesn't change the current stream.
func (d *Device) CreateStream() (Stream, error) {
	if err := d.checkInitialized(); err != nil {
		return Stream{}, err
	}
	handle, err := d.backend.CreateStream()
	if err != nil {
		return Stream{}, err
	}
	d.streams = append(d.streams, handle)
	return Stream{device: d, handle: handle}, nil
}

// FreeStream releases a stream owned by the device. If it is the current stream, the current stream becomes none:
// no other stream is promoted. Streams not owned by the device (e.g. wrapped ones) are ignored.
func (d *Device) FreeStream(s Stream) error {
	if err := d.checkInitialized(); err != nil {
		return err
	}
	if s.handle == nil {
		return nil
	}
	idx := slices.Index(d.streams, s.handle)
	if idx < 0 {
		return nil
	}
	if d.currentStream == s.handle {
		d.currentStream = nil
	}
	d.streams = slices.Delete(d.streams, idx, idx+1)
	return d.backend.FreeStream(s.handle)
}

// GetStream returns the current stream, which can be none (see Stream.IsNone).
func (d *Device) GetStream() (Stream, error) {
	if err := d.checkInitialized(); err != nil {
		return Stream{}, err
	}
	return Stream{device: d, handle: d.currentStream}, nil
}

// SetStream makes s the current stream: following operations are submitted to it.
func (d *Device) SetStream(s Stream) error {
	if err := d.checkInitialized(); err != nil {
		return err
	}
	if s.device != nil && s.device != d {
		return invalidArgumentf("stream belongs to another device")
	}
	d.currentStream = s.handle
	return nil
}

// WrapStream adopts a backend-native stream created elsewhere. The device doesn't own it: FreeStream ignores it.
func (d *Device) WrapStream(native any) (Stream, error) {
	if err := d.checkInitialized(); err != nil {
		return Stream{}, err
	}
	if native == nil {
		return Stream{}, invalidArgumentf("can't wrap a nil native stream")
	}
	handle, err := d.backend.WrapStream(native)
	if err != nil {
		return Stream{}, err
	}
	return Stream{device: d, handle: handle}, nil
}

// currentStreamOrError returns the current stream, or an ErrInvalidState error if it is none.
func (d *Device) currentStreamOrError() (StreamHandle, error) {
	if d.currentStream == nil {
		return nil, invalidStatef("device has no current stream, use SetStream")
	}
	return d.currentStream, nil
}

// TagStream marks the current point of the current stream.
func (d *Device) TagStream() (StreamTag, error) {
	if err := d.checkInitialized(); err != nil {
		return StreamTag{}, err
	}
	stream, err := d.currentStreamOrError()
	if err != nil {
		return StreamTag{}, err
	}
	handle, err := d.backend.TagStream(stream)
	if err != nil {
		return StreamTag{}, err
	}
	return StreamTag{device: d, handle: handle}, nil
}

// WaitFor blocks until all the work submitted before tag completes.
func (d *Device) WaitFor(tag StreamTag) error {
	if err := d.checkInitialized(); err != nil {
		return err
	}
	if err := d.checkTag(tag); err != nil {
		return err
	}
	return d.backend.WaitFor(tag.handle)
}

// TimeBetween returns the time elapsed between two tags of the same stream, start being created before end.
// It waits for end if needed.
func (d *Device) TimeBetween(start, end StreamTag) (time.Duration, error) {
	if err := d.checkInitialized(); err != nil {
		return 0, err
	}
	if err := d.checkTag(start); err != nil {
		return 0, err
	}
	if err := d.checkTag(end); err != nil {
		return 0, err
	}
	return d.backend.TimeBetween(start.handle, end.handle)
}

func (d *Device) checkTag(tag StreamTag) error {
	if tag.device != d || tag.handle == nil {
		return invalidArgumentf("stream tag was not created by this device")
	}
	return nil
}
