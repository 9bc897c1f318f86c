package occa

import (
	"fmt"
	"slices"

	"github.com/EMinsight/occa/dtypes"
	"go.uber.org/multierr"
)

// ArgInfo describes one argument of a kernel.
type ArgInfo struct {
	Name string

	// DType of the argument, or of the elements it points to.
	DType dtypes.DType

	IsPointer, IsConst bool
}

// Metadata describes a built kernel. For translated kernels it is produced by the Translator.
type Metadata struct {
	// Name of the kernel function.
	Name string

	// BaseName of the nested kernels: nested kernel i is named BaseName followed by i.
	BaseName string

	// NestedKernels is the number of nested kernels launched by the kernel.
	NestedKernels int

	// Args of the kernel. Kernels with nested kernels take the number of nested kernels as a synthetic first
	// argument, which their nested kernels don't have.
	Args []ArgInfo
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	m.Args = slices.Clone(m.Args)
	return m
}

// RemoveArg removes the argument at position idx, if there is one.
func (m *Metadata) RemoveArg(idx int) {
	if idx < 0 || idx >= len(m.Args) {
		return
	}
	m.Args = slices.Delete(m.Args, idx, idx+1)
}

// toFields converts the metadata to the fields stored in the cache metadata file.
func (m Metadata) toFields() map[string]any {
	args := make([]any, 0, len(m.Args))
	for _, arg := range m.Args {
		args = append(args, map[string]any{
			"name":    arg.Name,
			"dtype":   arg.DType.String(),
			"pointer": arg.IsPointer,
			"const":   arg.IsConst,
		})
	}
	return map[string]any{
		"name":          m.Name,
		"baseName":      m.BaseName,
		"nestedKernels": m.NestedKernels,
		"args":          args,
	}
}

// metadataFromFields is the inverse of Metadata.toFields.
func metadataFromFields(fields map[string]any) Metadata {
	var m Metadata
	m.Name, _ = fields["name"].(string)
	m.BaseName, _ = fields["baseName"].(string)
	if n, ok := fields["nestedKernels"].(float64); ok {
		m.NestedKernels = int(n)
	}
	args, _ := fields["args"].([]any)
	for _, anyArg := range args {
		argFields, ok := anyArg.(map[string]any)
		if !ok {
			continue
		}
		var arg ArgInfo
		arg.Name, _ = argFields["name"].(string)
		if name, ok := argFields["dtype"].(string); ok {
			arg.DType = dtypes.FromName(name)
		}
		arg.IsPointer, _ = argFields["pointer"].(bool)
		arg.IsConst, _ = argFields["const"].(bool)
		m.Args = append(m.Args, arg)
	}
	return m
}

// Kernel is a compiled kernel of a Device. It owns its backend kernel, release it with Free.
//
// Kernels translated from the portable kernel languages may be made of nested kernels, compiled from the same
// translated source: running the kernel runs each of them in order.
type Kernel struct {
	device   *Device
	handle   KernelHandle
	metadata Metadata
	nested   []*Kernel
}

func newKernel(device *Device, handle KernelHandle, metadata Metadata) *Kernel {
	return &Kernel{device: device, handle: handle, metadata: metadata}
}

// Device that built the kernel.
func (k *Kernel) Device() *Device {
	return k.device
}

// Name of the kernel function.
func (k *Kernel) Name() string {
	return k.metadata.Name
}

// Metadata returns a copy of the kernel metadata.
func (k *Kernel) Metadata() Metadata {
	return k.metadata.Clone()
}

// Nested returns the nested kernels, in launch order.
func (k *Kernel) Nested() []*Kernel {
	return k.nested
}

// Handle returns the backend kernel, or nil if the kernel was freed.
func (k *Kernel) Handle() KernelHandle {
	return k.handle
}

// String implements fmt.Stringer.
func (k *Kernel) String() string {
	if k.handle == nil {
		return fmt.Sprintf("Kernel[%q, freed]", k.metadata.Name)
	}
	return fmt.Sprintf("Kernel[%q, nested=%d]", k.metadata.Name, len(k.nested))
}

// Run launches the kernel in the current stream of the device. It is asynchronous: use Device.Finish or
// Device.WaitFor to wait for its completion.
//
// Arguments of type *Memory are passed to the backend as their MemoryHandle.
func (k *Kernel) Run(args ...any) error {
	if k.handle == nil {
		return invalidStatef("kernel %q was freed", k.metadata.Name)
	}
	if err := k.device.checkInitialized(); err != nil {
		return err
	}
	stream, err := k.device.currentStreamOrError()
	if err != nil {
		return err
	}
	backendArgs := make([]any, len(args))
	for ii, arg := range args {
		if mem, ok := arg.(*Memory); ok {
			if mem == nil || mem.handle == nil {
				return invalidArgumentf("argument #%d of kernel %q is freed memory", ii, k.metadata.Name)
			}
			backendArgs[ii] = mem.handle
			continue
		}
		backendArgs[ii] = arg
	}
	if len(k.nested) == 0 {
		return k.handle.Launch(stream, backendArgs)
	}
	for _, nested := range k.nested {
		if err := nested.handle.Launch(stream, backendArgs); err != nil {
			return err
		}
	}
	return nil
}

// Free releases the kernel and its nested kernels. Freeing a kernel twice is a no-op.
func (k *Kernel) Free() error {
	if k == nil || k.handle == nil {
		return nil
	}
	var err error
	for _, nested := range k.nested {
		err = multierr.Append(err, nested.Free())
	}
	err = multierr.Append(err, k.handle.Free())
	k.handle = nil
	k.nested = nil
	return err
}
