package occa

import "time"

// Backend is the capability set every backend variant (Serial, OpenMP, CUDA, ...) implements.
//
// A Backend is owned by exactly one Device, which serializes the calls that mutate its streams. Handles returned by
// a Backend are only valid with that same Backend.
type Backend interface {
	// Mode returns the name of the backend variant, as registered with RegisterMode.
	Mode() string

	// Malloc allocates bytes of device memory, initialized with src if it is not nil (len(src) >= bytes).
	Malloc(bytes int64, src []byte, props Properties) (MemoryHandle, error)

	// WrapMemory adopts externally allocated native memory of the given size.
	WrapMemory(native any, bytes int64, props Properties) (MemoryHandle, error)

	// CreateStream creates a new ordered command queue.
	CreateStream() (StreamHandle, error)

	// WrapStream adopts an externally created native stream.
	WrapStream(native any) (StreamHandle, error)

	// FreeStream releases a stream created by CreateStream.
	FreeStream(stream StreamHandle) error

	// TagStream records a point in the stream: the tag is reached once all work submitted before it completes.
	TagStream(stream StreamHandle) (TagHandle, error)

	// WaitFor blocks until the point recorded by tag is reached.
	WaitFor(tag TagHandle) error

	// TimeBetween returns the time elapsed between two tags of the same stream, start being submitted first.
	TimeBetween(start, end TagHandle) (time.Duration, error)

	// BuildKernel compiles the backend-native source file and returns the kernel functionName.
	// If opts.BinaryFile is set, the compiled artifact is saved there, to be loaded by BuildKernelFromBinary.
	BuildKernel(sourceFile, functionName string, opts BuildOptions) (KernelHandle, error)

	// BuildKernelFromBinary loads the kernel functionName from a previously compiled artifact, with no compilation.
	BuildKernelFromBinary(binaryFile, functionName string) (KernelHandle, error)

	// Flush submits any buffered work, it doesn't block.
	Flush() error

	// Finish blocks until all the work submitted to the device completes.
	Finish() error

	// MemorySize returns the total memory capacity of the device, in bytes.
	MemorySize() uint64

	// FakesUVA returns whether the backend lacks native unified addressing, in which case the Device keeps host
	// copies of managed memory coherent itself.
	FakesUVA() bool

	// Free releases the backend. No handle created by it can be used afterwards.
	Free() error
}

// BuildOptions configure one call to Backend.BuildKernel.
type BuildOptions struct {
	// Properties of the build, including the device properties.
	Properties Properties

	// BinaryFile where to store the compiled artifact, if not empty.
	//
	// The nested kernels of a translated kernel are all built from the same translated source into the same
	// BinaryFile, each build overwriting the previous one. So the artifact must hold the whole translated source:
	// BuildKernelFromBinary loads every nested kernel by name from it.
	BinaryFile string

	// Verbose asks the backend to narrate the compilation (e.g. log the compiler command line).
	Verbose bool
}

// MemoryHandle is a backend allocation.
type MemoryHandle interface {
	// Size in bytes.
	Size() int64

	// CopyFrom copies src (host) to the memory starting at offset, ordered in the given stream.
	// If async is false it blocks until the copy completes.
	CopyFrom(stream StreamHandle, src []byte, offset int64, async bool) error

	// CopyTo copies the memory starting at offset to dst (host), ordered in the given stream.
	// If async is false it blocks until the copy completes.
	CopyTo(stream StreamHandle, dst []byte, offset int64, async bool) error

	// Native returns the backend-native allocation.
	Native() any

	// Free releases the allocation.
	Free() error
}

// StreamHandle is a backend command queue.
type StreamHandle interface {
	// Native returns the backend-native stream.
	Native() any
}

// TagHandle is a backend point-in-stream marker (an event).
type TagHandle any

// KernelHandle is a compiled backend kernel.
type KernelHandle interface {
	// Name of the kernel function.
	Name() string

	// Launch submits the kernel to the stream. Memory arguments are given as MemoryHandle.
	Launch(stream StreamHandle, args []any) error

	// Free releases the kernel.
	Free() error
}
