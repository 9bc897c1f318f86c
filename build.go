package occa

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/EMinsight/occa/cache"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// LaunchDefine is defined (to 1) in the structural pre-pass of translated kernels, built by the reference
	// backend.
	LaunchDefine = "OCCA_LAUNCH_KERNEL"

	// VerboseEnv is the environment variable with the default of the "verbose" property.
	VerboseEnv = "OCCA_VERBOSE"

	// Usage tags of the build cache.
	buildHashTag  = "build"
	stringHashTag = "device"
)

// Translator translates kernels written in the portable kernel languages (see NeedsTranslation) to the native
// language of the backends.
type Translator interface {
	// Translate writes to outFile the translation of the kernel functionName of sourceFile for the given mode,
	// and returns its metadata: arguments, number of nested kernels and their base name.
	Translate(mode, sourceFile, outFile, functionName string, props Properties) (*Metadata, error)
}

func verboseDefault() bool {
	return Properties{PropVerbose: os.Getenv(VerboseEnv)}.GetBool(PropVerbose, false)
}

// buildHash is the cache key of a build: the source content, the function name and the build properties, combined
// in this order.
func buildHash(content cache.Hash, functionName string, props Properties) cache.Hash {
	return content.Combine(cache.HashString(functionName)).Combine(props.Hash())
}

// BuildKernel builds the kernel functionName from the source file, with the device properties merged with props.
//
// Sources in a portable kernel language (see NeedsTranslation) are translated first, using the Translator set with
// WithTranslator, and may result in a kernel with nested kernels. Other sources are compiled directly by the
// backend.
//
// Builds are cached: a kernel is compiled only once for the same source content, function name and properties, even
// across processes sharing the cache directory. Concurrent builds of the same kernel wait for the first one.
func (d *Device) BuildKernel(filename, functionName string, props Properties) (*Kernel, error) {
	if err := d.checkInitialized(); err != nil {
		return nil, err
	}
	if filename == "" || functionName == "" {
		return nil, invalidArgumentf("kernel file name (%q) and function name (%q) must be given", filename, functionName)
	}
	allProps := d.props.Merge(props)
	realFilename, err := filepath.Abs(filename)
	if err != nil {
		return nil, invalidArgumentf("invalid kernel file name %q: %v", filename, err)
	}
	contentHash, err := cache.HashFile(realFilename)
	if err != nil {
		return nil, buildFailuref(err, "can't read source of kernel %q", functionName)
	}
	c, err := d.buildCache()
	if err != nil {
		return nil, err
	}
	hash := buildHash(contentHash, functionName, allProps)
	dir := c.HashDir(realFilename, hash)
	return d.buildOnce(c, hash, buildHashTag, dir, functionName, func() (*Kernel, error) {
		return d.buildFromSource(realFilename, dir, functionName, allProps)
	})
}

// BuildKernelFromString builds the kernel functionName from source content. The language of the content is given
// by the "language" property: "OKL" (default), "OFL" or "Native".
//
// If the cache already holds the build of the same content, function name and properties, the compiled artifact is
// loaded with no compilation.
func (d *Device) BuildKernelFromString(content, functionName string, props Properties) (*Kernel, error) {
	if err := d.checkInitialized(); err != nil {
		return nil, err
	}
	if functionName == "" {
		return nil, invalidArgumentf("kernel function name must be given")
	}
	allProps := d.props.Merge(props)
	c, err := d.buildCache()
	if err != nil {
		return nil, err
	}
	hash := buildHash(cache.HashString(content), functionName, allProps)
	dir := c.HashDir("", hash)
	language := ParseLanguage(allProps.GetString(PropLanguage, string(OKL)))
	sourceFile := filepath.Join(dir, language.SourceFile())
	return d.buildOnce(c, hash, stringHashTag, dir, functionName, func() (*Kernel, error) {
		if err := cache.WriteFileAtomic(sourceFile, []byte(content), 0644); err != nil {
			return nil, err
		}
		return d.BuildKernel(sourceFile, functionName, props)
	})
}

// BuildKernelFromBinary loads the kernel functionName from an artifact compiled previously, with no compilation.
//
// If the artifact is in a cache entry whose metadata describes nested kernels, they are loaded as well.
func (d *Device) BuildKernelFromBinary(filename, functionName string) (*Kernel, error) {
	if err := d.checkInitialized(); err != nil {
		return nil, err
	}
	if filename == "" || functionName == "" {
		return nil, invalidArgumentf("binary file name (%q) and function name (%q) must be given", filename, functionName)
	}
	dir := filepath.Dir(filename)
	metadata := Metadata{Name: functionName}
	if fields, err := cache.ReadFields(filepath.Join(dir, cache.MetadataFile)); err == nil {
		if stored := metadataFromFields(fields); stored.Name == functionName {
			metadata = stored
		}
	}

	if metadata.NestedKernels == 0 {
		handle, err := d.backend.BuildKernelFromBinary(filename, functionName)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load kernel %q from %s", functionName, filename)
		}
		return newKernel(d, handle, metadata), nil
	}

	reference, err := d.referenceBackend()
	if err != nil {
		return nil, err
	}
	launcherFile := filepath.Join(dir, cache.LauncherBinaryFile)
	handle, err := reference.BuildKernelFromBinary(launcherFile, functionName)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load kernel %q from %s", functionName, launcherFile)
	}
	launcher := newKernel(d, handle, metadata)
	for ii := range metadata.NestedKernels {
		nestedName := fmt.Sprintf("%s%d", metadata.BaseName, ii)
		handle, err := d.backend.BuildKernelFromBinary(filename, nestedName)
		if err != nil {
			freeKernel(launcher)
			return nil, errors.WithMessagef(err, "failed to load nested kernel %q from %s", nestedName, filename)
		}
		launcher.nested = append(launcher.nested, newKernel(d, handle, nestedMetadata(metadata, nestedName)))
	}
	return launcher, nil
}

// buildOnce runs build only if the caller is the first to claim hash for tag. Otherwise it waits for the owner of
// the hash to finish and loads the artifact it left in dir.
//
// The owner always releases the hash, also if the build fails: waiters then fail with ErrBuildFailure.
func (d *Device) buildOnce(c *cache.Cache, hash cache.Hash, tag, dir, functionName string,
	build func() (*Kernel, error)) (*Kernel, error) {
	leader, err := c.HaveHash(hash, tag)
	if err != nil {
		return nil, err
	}
	if !leader {
		if err = c.WaitForHash(hash, tag); err != nil {
			if errors.Is(err, cache.ErrBuildFailed) {
				return nil, buildFailuref(err, "build of kernel %q failed in another builder", functionName)
			}
			return nil, err
		}
		klog.V(1).Infof("kernel %q: loading cached build from %s", functionName, dir)
		return d.BuildKernelFromBinary(filepath.Join(dir, cache.BinaryFile), functionName)
	}

	kernel, err := build()
	if releaseErr := c.ReleaseHash(hash, tag, err); releaseErr != nil {
		if err != nil {
			klog.Errorf("failed to release hash %s (%s) after a failed build: %v", hash, tag, releaseErr)
		} else {
			freeKernel(kernel)
			kernel, err = nil, releaseErr
		}
	}
	if err != nil {
		return nil, err
	}
	return kernel, nil
}

// buildFromSource builds the kernel and saves its metadata in the cache entry dir.
func (d *Device) buildFromSource(filename, dir, functionName string, allProps Properties) (*Kernel, error) {
	opts := BuildOptions{
		Properties: allProps,
		BinaryFile: filepath.Join(dir, cache.BinaryFile),
		Verbose:    allProps.GetBool(PropVerbose, verboseDefault()),
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create cache entry %q", dir)
	}
	var kernel *Kernel
	var err error
	if NeedsTranslation(filename) {
		kernel, err = d.buildTranslated(filename, dir, functionName, opts)
	} else {
		kernel, err = d.buildNative(filename, functionName, opts)
	}
	if err != nil {
		return nil, err
	}
	if err = cache.WriteFields(filepath.Join(dir, cache.MetadataFile), kernel.metadata.toFields()); err != nil {
		freeKernel(kernel)
		return nil, errors.WithMessagef(err, "failed to save metadata of kernel %q", functionName)
	}
	return kernel, nil
}

// buildNative compiles a backend-native source directly.
func (d *Device) buildNative(filename, functionName string, opts BuildOptions) (*Kernel, error) {
	handle, err := d.backend.BuildKernel(filename, functionName, opts)
	if err != nil {
		return nil, buildFailuref(err, "failed to build kernel %q from %s", functionName, filename)
	}
	return newKernel(d, handle, Metadata{Name: functionName}), nil
}

// buildTranslated translates the source, validates it with a pre-pass in the reference backend and compiles it
// for the device backend: either each of its nested kernels, or the kernel itself if it has none.
func (d *Device) buildTranslated(filename, dir, functionName string, opts BuildOptions) (*Kernel, error) {
	if d.translator == nil {
		return nil, buildFailuref(nil, "%s needs translation, but no Translator was configured, see Device.WithTranslator", filename)
	}
	translatedFile := filepath.Join(dir, cache.TranslatedFile)
	translated, err := d.translator.Translate(d.mode, filename, translatedFile, functionName, opts.Properties)
	if err != nil {
		return nil, buildFailuref(err, "failed to translate kernel %q from %s", functionName, filename)
	}
	if translated == nil {
		return nil, buildFailuref(nil, "translation of kernel %q returned no metadata", functionName)
	}
	metadata := translated.Clone()
	if metadata.Name == "" {
		metadata.Name = functionName
	}

	reference, err := d.referenceBackend()
	if err != nil {
		return nil, buildFailuref(err, "can't validate kernel %q", functionName)
	}
	launcherOpts := BuildOptions{
		Properties: opts.Properties.WithDefine(LaunchDefine, 1),
		BinaryFile: filepath.Join(dir, cache.LauncherBinaryFile),
		Verbose:    opts.Verbose,
	}
	handle, err := reference.BuildKernel(translatedFile, functionName, launcherOpts)
	if err != nil {
		return nil, buildFailuref(err, "failed to build launcher of kernel %q", functionName)
	}
	launcher := newKernel(d, handle, metadata)

	if metadata.NestedKernels == 0 {
		freeKernel(launcher)
		handle, err = d.backend.BuildKernel(translatedFile, functionName, opts)
		if err != nil {
			return nil, buildFailuref(err, "failed to build kernel %q", functionName)
		}
		return newKernel(d, handle, metadata), nil
	}

	for ii := range metadata.NestedKernels {
		nestedName := fmt.Sprintf("%s%d", metadata.BaseName, ii)
		nestedOpts := opts
		// Only the first compilation is narrated.
		nestedOpts.Verbose = opts.Verbose && ii == 0
		handle, err = d.backend.BuildKernel(translatedFile, nestedName, nestedOpts)
		if err != nil {
			freeKernel(launcher)
			return nil, buildFailuref(err, "failed to build nested kernel %q of %q", nestedName, functionName)
		}
		launcher.nested = append(launcher.nested, newKernel(d, handle, nestedMetadata(metadata, nestedName)))
	}
	return launcher, nil
}

// nestedMetadata derives the metadata of a nested kernel: it has no nested kernels of its own, and no synthetic
// first argument with their count.
func nestedMetadata(parent Metadata, name string) Metadata {
	m := parent.Clone()
	m.Name = name
	m.NestedKernels = 0
	m.RemoveArg(0)
	return m
}

func freeKernel(k *Kernel) {
	if err := k.Free(); err != nil {
		klog.Errorf("failed to free kernel %q: %v", k.Name(), err)
	}
}
