package host

import (
	"os"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/EMinsight/occa"
	"github.com/EMinsight/occa/cache"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Func is the Go implementation of a host kernel. Memory arguments are given as *Memory.
type Func func(ctx *Context, args []any) error

var (
	// registeredKernels maps kernel function names to their implementation. Protected by muKernels.
	registeredKernels = make(map[string]Func)
	muKernels         sync.Mutex

	compilations atomic.Int64
)

// RegisterKernel registers the implementation of the kernel function name. Sources built by the host backends
// can only use registered kernels.
func RegisterKernel(name string, fn Func) {
	muKernels.Lock()
	defer muKernels.Unlock()
	if _, found := registeredKernels[name]; found {
		klog.Warningf("host kernel %q registered more than once, using the last one", name)
	}
	registeredKernels[name] = fn
}

func lookupKernel(name string) (Func, bool) {
	muKernels.Lock()
	defer muKernels.Unlock()
	fn, found := registeredKernels[name]
	return fn, found
}

// Compilations returns the number of kernels compiled from source by host backends in this process.
// Loading kernels with BuildKernelFromBinary doesn't count.
func Compilations() int64 {
	return compilations.Load()
}

// Context is given to the execution of a kernel.
type Context struct {
	workers int
}

// Workers is the number of goroutines available to the kernel.
func (c *Context) Workers() int {
	return c.workers
}

// ParallelFor runs body over [0, n), split in up to Workers() contiguous ranges run concurrently.
// It returns the first error returned by body.
func (c *Context) ParallelFor(n int, body func(start, end int) error) error {
	if n <= 0 {
		return nil
	}
	workers := min(c.workers, n)
	if workers <= 1 {
		return body(0, n)
	}
	chunk := (n + workers - 1) / workers
	var g errgroup.Group
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error { return body(start, end) })
	}
	return g.Wait()
}

// Kernel is a host kernel, it implements occa.KernelHandle.
type Kernel struct {
	backend *Backend
	name    string
	fn      Func

	// launcher kernels were built for the structural pre-pass only, and have no implementation.
	launcher bool
}

var _ occa.KernelHandle = (*Kernel)(nil)

// Name implements occa.KernelHandle.
func (k *Kernel) Name() string {
	return k.name
}

// Launch implements occa.KernelHandle: the kernel is queued in the stream.
func (k *Kernel) Launch(stream occa.StreamHandle, args []any) error {
	if k.backend == nil {
		return errors.Errorf("host kernel %q was freed", k.name)
	}
	if k.fn == nil {
		return errors.Errorf("kernel %q was built as a launcher and can't run by itself", k.name)
	}
	s, err := k.backend.asStream(stream)
	if err != nil {
		return err
	}
	for ii, arg := range args {
		if mem, ok := arg.(*Memory); ok && mem.backend != k.backend {
			return errors.Errorf("argument #%d of kernel %q is memory of another backend", ii, k.name)
		}
	}
	ctx := &Context{workers: k.backend.workers}
	return s.submit(func() error {
		return errors.WithMessagef(k.fn(ctx, args), "kernel %q", k.name)
	})
}

// Free implements occa.KernelHandle.
func (k *Kernel) Free() error {
	k.backend = nil
	k.fn = nil
	return nil
}

// Keys of the artifact files written by BuildKernel.
const (
	artifactMode     = "mode"
	artifactSource   = "source"
	artifactContent  = "content"
	artifactDefines  = "defines"
	artifactLauncher = "launcher"
)

var functionNameRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// declares returns whether content declares the function name, as a whole identifier.
func declares(content, name string) bool {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`).MatchString(content)
}

// newKernel validates that content declares functionName and that it has an implementation, unless it is a
// launcher.
func (b *Backend) newKernel(content, functionName string, launcher bool) (*Kernel, error) {
	if !functionNameRegexp.MatchString(functionName) {
		return nil, errors.Errorf("invalid kernel function name %q", functionName)
	}
	if !declares(content, functionName) {
		return nil, errors.Errorf("kernel function %q not found in source", functionName)
	}
	fn, found := lookupKernel(functionName)
	if !found && !launcher {
		return nil, errors.Errorf("no host implementation registered for kernel %q, see host.RegisterKernel", functionName)
	}
	return &Kernel{backend: b, name: functionName, fn: fn, launcher: launcher}, nil
}

// BuildKernel implements occa.Backend.
//
// Sources built with the occa.LaunchDefine define are launchers: they don't need an implementation of the kernel,
// since only their nested kernels run.
func (b *Backend) BuildKernel(sourceFile, functionName string, opts occa.BuildOptions) (occa.KernelHandle, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(sourceFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read kernel source")
	}
	defines := opts.Properties.Defines()
	launcher := defines.Has(occa.LaunchDefine)
	if opts.Verbose {
		klog.Infof("host %s: compiling %q from %s, defines %s", b.mode, functionName, sourceFile, defines)
	}
	kernel, err := b.newKernel(string(content), functionName, launcher)
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling %s", sourceFile)
	}
	compilations.Add(1)
	if opts.BinaryFile != "" {
		err = cache.WriteFields(opts.BinaryFile, map[string]any{
			artifactMode:     b.mode,
			artifactSource:   sourceFile,
			artifactContent:  string(content),
			artifactDefines:  defines.String(),
			artifactLauncher: launcher,
		})
		if err != nil {
			return nil, err
		}
	}
	return kernel, nil
}

// BuildKernelFromBinary implements occa.Backend. The artifact may have been built by any of the host modes.
func (b *Backend) BuildKernelFromBinary(binaryFile, functionName string) (occa.KernelHandle, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	fields, err := cache.ReadFields(binaryFile)
	if err != nil {
		return nil, err
	}
	content, ok := fields[artifactContent].(string)
	if !ok {
		return nil, errors.Errorf("%s is not a host kernel artifact", binaryFile)
	}
	launcher, _ := fields[artifactLauncher].(bool)
	kernel, err := b.newKernel(content, functionName, launcher)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %s", binaryFile)
	}
	klog.V(2).Infof("host %s: loaded %q from %s", b.mode, functionName, binaryFile)
	return kernel, nil
}
