package host

import (
	"unsafe"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// BuiltinSource declares the builtin host kernels. Build it with the "language" property set to "Native":
//
//	kernel, err := device.BuildKernelFromString(host.BuiltinSource, "addVectors", occa.Properties{"language": "Native"})
const BuiltinSource = `// Builtin host kernels.
void addVectors(const int entries, const float *a, const float *b, float *ab);
void scaleVector(const int entries, const float alpha, float *x);
void norm2(const int entries, const float *x, float *result);
`

func init() {
	RegisterKernel("addVectors", addVectors)
	RegisterKernel("scaleVector", scaleVector)
	RegisterKernel("norm2", norm2)
}

// IntArg converts a kernel argument to int.
func IntArg(args []any, idx int) (int, error) {
	if idx >= len(args) {
		return 0, errors.Errorf("missing argument #%d", idx)
	}
	switch v := args[idx].(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint32:
		return int(v), nil
	}
	return 0, errors.Errorf("argument #%d must be an integer, got %T", idx, args[idx])
}

// Float32Arg converts a kernel argument to float32.
func Float32Arg(args []any, idx int) (float32, error) {
	if idx >= len(args) {
		return 0, errors.Errorf("missing argument #%d", idx)
	}
	switch v := args[idx].(type) {
	case float32:
		return v, nil
	case float64:
		return float32(v), nil
	}
	return 0, errors.Errorf("argument #%d must be a float, got %T", idx, args[idx])
}

// Float32sArg returns a memory argument viewed as a []float32 with at least n elements.
func Float32sArg(args []any, idx, n int) ([]float32, error) {
	if idx >= len(args) {
		return nil, errors.Errorf("missing argument #%d", idx)
	}
	mem, ok := args[idx].(*Memory)
	if !ok {
		return nil, errors.Errorf("argument #%d must be memory, got %T", idx, args[idx])
	}
	data := mem.Bytes()
	if len(data) < n*4 {
		return nil, errors.Errorf("argument #%d has %d bytes, needs %d float32 values", idx, len(data), n)
	}
	if n == 0 {
		return nil, nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(data))), n), nil
}

// addVectors: ab[i] = a[i] + b[i].
func addVectors(ctx *Context, args []any) error {
	n, err := IntArg(args, 0)
	if err != nil {
		return err
	}
	var vectors [3][]float32
	for ii := range vectors {
		if vectors[ii], err = Float32sArg(args, ii+1, n); err != nil {
			return err
		}
	}
	a, b, ab := vectors[0], vectors[1], vectors[2]
	return ctx.ParallelFor(n, func(start, end int) error {
		for i := start; i < end; i++ {
			ab[i] = a[i] + b[i]
		}
		return nil
	})
}

// scaleVector: x[i] *= alpha.
func scaleVector(ctx *Context, args []any) error {
	n, err := IntArg(args, 0)
	if err != nil {
		return err
	}
	alpha, err := Float32Arg(args, 1)
	if err != nil {
		return err
	}
	x, err := Float32sArg(args, 2, n)
	if err != nil {
		return err
	}
	return ctx.ParallelFor(n, func(start, end int) error {
		for i := start; i < end; i++ {
			x[i] *= alpha
		}
		return nil
	})
}

// norm2: result[0] = sqrt(sum(x[i]^2)). The partial sums of each worker are reduced serially.
func norm2(ctx *Context, args []any) error {
	n, err := IntArg(args, 0)
	if err != nil {
		return err
	}
	x, err := Float32sArg(args, 1, n)
	if err != nil {
		return err
	}
	result, err := Float32sArg(args, 2, 1)
	if err != nil {
		return err
	}
	partials := make([]float32, max(ctx.Workers(), 1))
	chunk := (n + len(partials) - 1) / max(len(partials), 1)
	err = ctx.ParallelFor(n, func(start, end int) error {
		var sum float32
		for i := start; i < end; i++ {
			sum += x[i] * x[i]
		}
		partials[start/max(chunk, 1)] = sum
		return nil
	})
	if err != nil {
		return err
	}
	var total float32
	for _, partial := range partials {
		total += partial
	}
	result[0] = math32.Sqrt(total)
	return nil
}
