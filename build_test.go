package occa

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/EMinsight/occa/cache"
	"github.com/EMinsight/occa/dtypes"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const nativeSource = "void addVectors(int n, const float *a, const float *b, float *ab) {}\n"

func TestBuildKernelNative(t *testing.T) {
	device, rec := testDevice(t)
	source := writeSource(t, "add.native", nativeSource)

	kernel, err := device.BuildKernel(source, "addVectors", nil)
	require.NoError(t, err)
	fmt.Printf("Built %s\n", kernel)
	require.Equal(t, "addVectors", kernel.Name())
	require.Same(t, device, kernel.Device())
	require.Empty(t, kernel.Nested())
	require.Equal(t, []fakeCompile{{Mode: fakeMode, Name: "addVectors"}}, rec.snapshotCompiles())

	require.NoError(t, kernel.Run(3, nil))
	require.Equal(t, []string{"addVectors"}, rec.launches)

	// Same source, function and properties: loaded from the cache.
	again, err := device.BuildKernel(source, "addVectors", nil)
	require.NoError(t, err)
	require.Len(t, rec.snapshotCompiles(), 1)
	require.Equal(t, []string{"addVectors"}, rec.loads)

	// Different properties: built again.
	_, err = device.BuildKernel(source, "addVectors", Properties{PropDefines: Properties{"N": 3}})
	require.NoError(t, err)
	require.Len(t, rec.snapshotCompiles(), 2)

	require.NoError(t, kernel.Free())
	require.NoError(t, kernel.Free())
	require.ErrorIs(t, kernel.Run(), ErrInvalidState)
	require.NoError(t, again.Free())
}

func TestBuildKernelInvalidArguments(t *testing.T) {
	device, _ := testDevice(t)
	_, err := device.BuildKernel("", "f", nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = device.BuildKernel("f.native", "", nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = device.BuildKernelFromString("void f();", "", nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = device.BuildKernelFromBinary("", "f")
	require.ErrorIs(t, err, ErrInvalidArgument)

	// Missing source file.
	_, err = device.BuildKernel(filepath.Join(t.TempDir(), "missing.native"), "f", nil)
	require.ErrorIs(t, err, ErrBuildFailure)
}

func TestBuildKernelFromStringCacheHit(t *testing.T) {
	device, rec := testDevice(t)
	props := Properties{PropLanguage: "Native"}
	k1, err := device.BuildKernelFromString(nativeSource, "addVectors", props)
	require.NoError(t, err)
	k2, err := device.BuildKernelFromString(nativeSource, "addVectors", props)
	require.NoError(t, err)
	require.Len(t, rec.snapshotCompiles(), 1, "second build must be a cache hit")
	require.Equal(t, k1.Name(), k2.Name())

	c := must.M1(device.buildCache())
	entries, err := c.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	fmt.Printf("Cache entry %s: %q\n", entries[0].Name, entries[0].Files)
	require.True(t, entries[0].Complete)
	require.ElementsMatch(t, []string{"source.native", cache.BinaryFile, cache.MetadataFile}, entries[0].Files)

	// Another function of the same source gets its own entry.
	_, err = device.BuildKernelFromString(nativeSource, "otherFunction", props)
	require.NoError(t, err)
	require.Len(t, rec.snapshotCompiles(), 2)

	// Building another function from the source stored in the first entry uses the entry of its own hash, and
	// leaves the first entry untouched.
	_, err = device.BuildKernel(filepath.Join(entries[0].Dir, "source.native"), "otherFunction", props)
	require.NoError(t, err)
	require.Len(t, rec.snapshotCompiles(), 2)
	fields := must.M1(cache.ReadFields(filepath.Join(entries[0].Dir, cache.MetadataFile)))
	require.Equal(t, "addVectors", fields["name"])
	require.Len(t, must.M1(c.Entries()), 2)
}

func testConcurrentBuilds(t *testing.T, coordinator cache.Coordinator) {
	c := must.M1(cache.New(t.TempDir(), coordinator))
	rec := &fakeRecorder{buildDelay: 50 * time.Millisecond}
	source := writeSource(t, "add.native", nativeSource)

	const numBuilders = 8
	kernels := make([]*Kernel, numBuilders)
	var g errgroup.Group
	for ii := range numBuilders {
		// Devices are not safe for concurrent use, so each builder has its own.
		device := must.M1(NewDevice(Properties{PropMode: fakeMode, propRecorder: rec})).WithCache(c)
		t.Cleanup(func() { require.NoError(t, device.Free()) })
		g.Go(func() error {
			var err error
			kernels[ii], err = device.BuildKernel(source, "addVectors", nil)
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, rec.snapshotCompiles(), 1, "exactly one builder must compile")
	for _, kernel := range kernels {
		require.NotNil(t, kernel)
		require.Equal(t, "addVectors", kernel.Name())
	}
	require.Len(t, rec.loads, numBuilders-1)
}

func TestConcurrentBuilds(t *testing.T) {
	t.Run("FileCoordinator", func(t *testing.T) { testConcurrentBuilds(t, nil) })
	t.Run("MemoryCoordinator", func(t *testing.T) { testConcurrentBuilds(t, cache.NewMemoryCoordinator()) })
}

// testConcurrentTranslatedBuilds builds the same translated kernel from numBuilders goroutines, with the devices
// returned by deviceFor.
func testConcurrentTranslatedBuilds(t *testing.T, deviceFor func(ii int) *Device, rec *fakeRecorder,
	translator *fakeTranslator) {
	referenceRecorder.reset()
	source := writeSource(t, "scale.okl", "@kernel void scale(const int n, float *x) {}\n")

	const numBuilders = 4
	kernels := make([]*Kernel, numBuilders)
	var g errgroup.Group
	for ii := range numBuilders {
		device := deviceFor(ii)
		g.Go(func() error {
			var err error
			kernels[ii], err = device.BuildKernel(source, "scale", nil)
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, kernel := range kernels {
		require.Len(t, kernel.Nested(), 2)
		require.Equal(t, "_occa_scale_1", kernel.Nested()[1].Name())
	}

	// One translation, one pre-pass and one compilation per nested kernel.
	require.Equal(t, 1, translator.calls)
	require.Equal(t, []fakeCompile{{Mode: ReferenceMode, Name: "scale", Launcher: true}},
		referenceRecorder.snapshotCompiles())
	require.Equal(t, []fakeCompile{
		{Mode: fakeMode, Name: "_occa_scale_0"},
		{Mode: fakeMode, Name: "_occa_scale_1"},
	}, rec.snapshotCompiles())
	require.Len(t, referenceRecorder.loads, numBuilders-1)
	require.Len(t, rec.loads, 2*(numBuilders-1))
}

func TestConcurrentTranslatedBuilds(t *testing.T) {
	t.Run("SameDevice", func(t *testing.T) {
		device, rec := testDevice(t)
		rec.buildDelay = 20 * time.Millisecond
		translator := &fakeTranslator{nested: 2}
		device.WithTranslator(translator)
		testConcurrentTranslatedBuilds(t, func(int) *Device { return device }, rec, translator)
	})
	t.Run("Devices", func(t *testing.T) {
		c := must.M1(cache.New(t.TempDir(), nil))
		rec := &fakeRecorder{buildDelay: 20 * time.Millisecond}
		translator := &fakeTranslator{nested: 2}
		testConcurrentTranslatedBuilds(t, func(int) *Device {
			device := must.M1(NewDevice(Properties{PropMode: fakeMode, propRecorder: rec})).
				WithCache(c).WithTranslator(translator)
			t.Cleanup(func() { require.NoError(t, device.Free()) })
			return device
		}, rec, translator)
	})
}

func TestBuildFailure(t *testing.T) {
	c := must.M1(cache.New(t.TempDir(), nil))
	rec := &fakeRecorder{buildDelay: 20 * time.Millisecond, failBuild: true}
	source := writeSource(t, "add.native", nativeSource)

	// Every concurrent builder fails: waiters are released by the failed owner.
	const numBuilders = 4
	errs := make([]error, numBuilders)
	var g errgroup.Group
	for ii := range numBuilders {
		device := must.M1(NewDevice(Properties{PropMode: fakeMode, propRecorder: rec})).WithCache(c)
		t.Cleanup(func() { require.NoError(t, device.Free()) })
		g.Go(func() error {
			_, errs[ii] = device.BuildKernel(source, "addVectors", nil)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for _, err := range errs {
		require.ErrorIs(t, err, ErrBuildFailure)
	}
	fmt.Printf("Expected error: %v\n", errs[0])

	// A later build can retry.
	rec.mu.Lock()
	rec.failBuild = false
	rec.mu.Unlock()
	device := must.M1(NewDevice(Properties{PropMode: fakeMode, propRecorder: rec})).WithCache(c)
	defer func() { require.NoError(t, device.Free()) }()
	kernel, err := device.BuildKernel(source, "addVectors", nil)
	require.NoError(t, err)
	require.NotNil(t, kernel)
	require.Len(t, rec.snapshotCompiles(), 1)
}

func TestTranslatedKernel(t *testing.T) {
	device, rec := testDevice(t)
	referenceRecorder.reset()
	translator := &fakeTranslator{}
	source := writeSource(t, "scale.okl", "@kernel void scale(const int n, float *x) {}\n")

	// No translator configured.
	_, err := device.BuildKernel(source, "scale", nil)
	require.ErrorIs(t, err, ErrBuildFailure)

	device.WithTranslator(translator)
	kernel, err := device.BuildKernel(source, "scale", nil)
	require.NoError(t, err)
	require.Empty(t, kernel.Nested())
	require.Len(t, kernel.Metadata().Args, 2)
	require.Equal(t, []fakeCompile{{Mode: fakeMode, Name: "scale"}}, rec.snapshotCompiles())

	// The structural pre-pass ran in the reference backend, and its kernel was released.
	require.Equal(t, []fakeCompile{{Mode: ReferenceMode, Name: "scale", Launcher: true}}, referenceRecorder.snapshotCompiles())
	require.Equal(t, []string{"scale"}, referenceRecorder.freed)

	// Translation failures are build failures.
	translator.fail = true
	_, err = device.BuildKernel(source, "scale", Properties{"other": true})
	require.ErrorIs(t, err, ErrBuildFailure)
}

func TestNestedKernels(t *testing.T) {
	device, rec := testDevice(t)
	referenceRecorder.reset()
	translator := &fakeTranslator{nested: 3}
	device.WithTranslator(translator)
	source := writeSource(t, "scale.okl", "@kernel void scale(const int n, float *x) {}\n")

	kernel, err := device.BuildKernel(source, "scale", Properties{PropVerbose: true})
	require.NoError(t, err)
	fmt.Printf("Built %s\n", kernel)
	require.Len(t, kernel.Nested(), 3)
	for ii, nested := range kernel.Nested() {
		require.Equal(t, fmt.Sprintf("_occa_scale_%d", ii), nested.Name())
		m := nested.Metadata()
		require.Zero(t, m.NestedKernels)
		require.Len(t, m.Args, 2, "nested kernels don't take the nested kernels count")
		require.Equal(t, "n", m.Args[0].Name)
	}
	require.Equal(t, 3, kernel.Metadata().NestedKernels)
	require.Len(t, kernel.Metadata().Args, 3)

	// Only the first nested compilation is verbose.
	require.Equal(t, []fakeCompile{
		{Mode: fakeMode, Name: "_occa_scale_0", Verbose: true},
		{Mode: fakeMode, Name: "_occa_scale_1"},
		{Mode: fakeMode, Name: "_occa_scale_2"},
	}, rec.snapshotCompiles())
	require.Equal(t, []fakeCompile{{Mode: ReferenceMode, Name: "scale", Verbose: true, Launcher: true}},
		referenceRecorder.snapshotCompiles())

	// Running the kernel runs its nested kernels, in order.
	require.NoError(t, kernel.Run(int32(4), nil))
	require.Equal(t, []string{"_occa_scale_0", "_occa_scale_1", "_occa_scale_2"}, rec.launches)

	// A second device loads everything from the cache.
	other := must.M1(NewDevice(Properties{PropMode: fakeMode, propRecorder: rec})).WithCache(must.M1(device.buildCache()))
	defer func() { require.NoError(t, other.Free()) }()
	other.WithTranslator(translator)
	loaded, err := other.BuildKernel(source, "scale", Properties{PropVerbose: true})
	require.NoError(t, err)
	require.Len(t, loaded.Nested(), 3)
	require.Equal(t, kernel.Metadata(), loaded.Metadata())
	require.Equal(t, kernel.Nested()[2].Metadata(), loaded.Nested()[2].Metadata())
	require.Len(t, rec.snapshotCompiles(), 3)
	require.Equal(t, 1, translator.calls)
	require.Equal(t, []string{"_occa_scale_0", "_occa_scale_1", "_occa_scale_2"}, rec.loads)

	require.NoError(t, kernel.Free())
	require.ElementsMatch(t, []string{"_occa_scale_0", "_occa_scale_1", "_occa_scale_2"}, rec.freed)
}

func TestVerboseFromEnvironment(t *testing.T) {
	t.Setenv(VerboseEnv, "1")
	device, rec := testDevice(t)
	source := writeSource(t, "add.native", nativeSource)
	_, err := device.BuildKernel(source, "addVectors", nil)
	require.NoError(t, err)
	require.True(t, rec.snapshotCompiles()[0].Verbose)

	// The property overrides the environment.
	_, err = device.BuildKernel(source, "addVectors", Properties{PropVerbose: false})
	require.NoError(t, err)
	require.False(t, rec.snapshotCompiles()[1].Verbose)
}

func TestMetadataFields(t *testing.T) {
	m := Metadata{
		Name:          "scale",
		BaseName:      "_occa_scale_",
		NestedKernels: 2,
		Args: []ArgInfo{
			{Name: "nestedKernels", DType: dtypes.Int32},
			{Name: "alpha", DType: dtypes.Float64, IsConst: true},
			{Name: "x", DType: dtypes.Float32, IsPointer: true},
		},
	}
	path := filepath.Join(t.TempDir(), cache.MetadataFile)
	require.NoError(t, cache.WriteFields(path, m.toFields()))
	got := metadataFromFields(must.M1(cache.ReadFields(path)))
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("metadata changed when saved (-want +got):\n%s", diff)
	}

	nested := nestedMetadata(m, "_occa_scale_1")
	require.Equal(t, "_occa_scale_1", nested.Name)
	require.Zero(t, nested.NestedKernels)
	require.Equal(t, m.Args[1:], nested.Args)
	require.Len(t, m.Args, 3, "deriving nested metadata must not change the parent")
}

func TestLanguages(t *testing.T) {
	require.True(t, NeedsTranslation("a/b/kernel.okl"))
	require.True(t, NeedsTranslation("kernel.OFL"))
	require.False(t, NeedsTranslation("kernel.native"))
	require.False(t, NeedsTranslation("kernel.cu"))
	require.Equal(t, "source.ofl", ParseLanguage("ofl").SourceFile())
	require.Equal(t, "source.okl", ParseLanguage("unknown").SourceFile())
	require.Equal(t, Native, ParseLanguage("NATIVE"))
}
