package occa

import (
	"fmt"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/EMinsight/occa/cache"
	"github.com/EMinsight/occa/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
	RegisterMode(fakeMode, newFakeBackend)
	RegisterMode(ReferenceMode, newFakeBackend)
}

const (
	fakeMode = "Fake"

	// propRecorder holds the *fakeRecorder of the fake backends of a test.
	propRecorder = "recorder"
)

// fakeCompile records one BuildKernel call.
type fakeCompile struct {
	Mode, Name string
	Verbose    bool
	Launcher   bool
}

// fakeRecorder records what the fake backends sharing it do, and configures their behavior.
type fakeRecorder struct {
	mu sync.Mutex

	// Behavior.
	buildDelay time.Duration
	failBuild  bool
	noFakeUVA  bool
	failStream bool

	compiles []fakeCompile
	loads    []string
	launches []string
	copies   []*fakeMemory // CopyFrom calls, in order.
	copiesOn []*fakeStream // Streams of the CopyFrom calls.
	mallocs  int
	freed    []string // Kernels freed.
}

// String implements fmt.Stringer, so the recorder doesn't change the hash of the properties holding it.
func (r *fakeRecorder) String() string {
	return "fakeRecorder"
}

func (r *fakeRecorder) snapshotCompiles() []fakeCompile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.compiles)
}

func (r *fakeRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compiles, r.loads, r.launches, r.copies, r.copiesOn, r.freed = nil, nil, nil, nil, nil, nil
	r.mallocs = 0
}

// referenceRecorder is used by fake backends created with no recorder: the reference backends.
var referenceRecorder = &fakeRecorder{}

type fakeBackend struct {
	mode  string
	rec   *fakeRecorder
	freed bool
}

func newFakeBackend(props Properties) (Backend, error) {
	rec, ok := props[propRecorder].(*fakeRecorder)
	if !ok {
		rec = referenceRecorder
	}
	return &fakeBackend{mode: props.GetString(PropMode, fakeMode), rec: rec}, nil
}

type fakeStream struct {
	id    int
	freed bool
}

func (s *fakeStream) Native() any { return s.id }

type fakeTag struct {
	stream *fakeStream
	at     time.Time
}

type fakeMemory struct {
	rec  *fakeRecorder
	data []byte
}

func (m *fakeMemory) Size() int64 { return int64(len(m.data)) }

func (m *fakeMemory) CopyFrom(stream StreamHandle, src []byte, offset int64, _ bool) error {
	m.rec.mu.Lock()
	m.rec.copies = append(m.rec.copies, m)
	m.rec.copiesOn = append(m.rec.copiesOn, stream.(*fakeStream))
	m.rec.mu.Unlock()
	copy(m.data[offset:], src)
	return nil
}

func (m *fakeMemory) CopyTo(_ StreamHandle, dst []byte, offset int64, _ bool) error {
	copy(dst, m.data[offset:])
	return nil
}

func (m *fakeMemory) Native() any { return m.data }
func (m *fakeMemory) Free() error  { return nil }

type fakeKernel struct {
	rec  *fakeRecorder
	name string
}

func (k *fakeKernel) Name() string { return k.name }

func (k *fakeKernel) Launch(_ StreamHandle, _ []any) error {
	k.rec.mu.Lock()
	defer k.rec.mu.Unlock()
	k.rec.launches = append(k.rec.launches, k.name)
	return nil
}

func (k *fakeKernel) Free() error {
	k.rec.mu.Lock()
	defer k.rec.mu.Unlock()
	k.rec.freed = append(k.rec.freed, k.name)
	return nil
}

var streamIDs struct {
	sync.Mutex
	next int
}

func (b *fakeBackend) Mode() string { return b.mode }

func (b *fakeBackend) Malloc(bytes int64, src []byte, _ Properties) (MemoryHandle, error) {
	b.rec.mu.Lock()
	b.rec.mallocs++
	b.rec.mu.Unlock()
	m := &fakeMemory{rec: b.rec, data: make([]byte, bytes)}
	if src != nil {
		copy(m.data, src)
	}
	return m, nil
}

func (b *fakeBackend) WrapMemory(native any, bytes int64, _ Properties) (MemoryHandle, error) {
	data, ok := native.([]byte)
	if !ok || int64(len(data)) < bytes {
		return nil, errors.Errorf("can't wrap %T", native)
	}
	return &fakeMemory{rec: b.rec, data: data[:bytes]}, nil
}

func (b *fakeBackend) CreateStream() (StreamHandle, error) {
	if b.rec.failStream {
		return nil, errors.New("no streams today")
	}
	streamIDs.Lock()
	defer streamIDs.Unlock()
	streamIDs.next++
	return &fakeStream{id: streamIDs.next}, nil
}

func (b *fakeBackend) WrapStream(native any) (StreamHandle, error) {
	id, ok := native.(int)
	if !ok {
		return nil, errors.Errorf("can't wrap %T", native)
	}
	return &fakeStream{id: id}, nil
}

func (b *fakeBackend) FreeStream(stream StreamHandle) error {
	stream.(*fakeStream).freed = true
	return nil
}

func (b *fakeBackend) TagStream(stream StreamHandle) (TagHandle, error) {
	return &fakeTag{stream: stream.(*fakeStream), at: time.Now()}, nil
}

func (b *fakeBackend) WaitFor(TagHandle) error { return nil }

func (b *fakeBackend) TimeBetween(start, end TagHandle) (time.Duration, error) {
	return end.(*fakeTag).at.Sub(start.(*fakeTag).at), nil
}

func (b *fakeBackend) BuildKernel(sourceFile, functionName string, opts BuildOptions) (KernelHandle, error) {
	if _, err := os.Stat(sourceFile); err != nil {
		return nil, err
	}
	time.Sleep(b.rec.buildDelay)
	b.rec.mu.Lock()
	defer b.rec.mu.Unlock()
	if b.rec.failBuild {
		return nil, errors.Errorf("fake compiler failed on %q", functionName)
	}
	b.rec.compiles = append(b.rec.compiles, fakeCompile{
		Mode:     b.mode,
		Name:     functionName,
		Verbose:  opts.Verbose,
		Launcher: opts.Properties.Defines().Has(LaunchDefine),
	})
	if opts.BinaryFile != "" {
		if err := cache.WriteFileAtomic(opts.BinaryFile, []byte("fake binary"), 0644); err != nil {
			return nil, err
		}
	}
	return &fakeKernel{rec: b.rec, name: functionName}, nil
}

func (b *fakeBackend) BuildKernelFromBinary(binaryFile, functionName string) (KernelHandle, error) {
	if _, err := os.Stat(binaryFile); err != nil {
		return nil, err
	}
	b.rec.mu.Lock()
	defer b.rec.mu.Unlock()
	b.rec.loads = append(b.rec.loads, functionName)
	return &fakeKernel{rec: b.rec, name: functionName}, nil
}

func (b *fakeBackend) Flush() error       { return nil }
func (b *fakeBackend) Finish() error      { return nil }
func (b *fakeBackend) MemorySize() uint64 { return 1 << 30 }
func (b *fakeBackend) FakesUVA() bool     { return !b.rec.noFakeUVA }

func (b *fakeBackend) Free() error {
	if b.freed {
		return errors.New("fake backend freed twice")
	}
	b.freed = true
	return nil
}

// fakeTranslator "translates" by copying the source, and reports the configured number of nested kernels.
type fakeTranslator struct {
	mu     sync.Mutex
	nested int
	fail   bool
	calls  int
}

func (tr *fakeTranslator) Translate(mode, sourceFile, outFile, functionName string, _ Properties) (*Metadata, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.calls++
	if tr.fail {
		return nil, errors.New("fake translation failed")
	}
	content, err := os.ReadFile(sourceFile)
	if err != nil {
		return nil, err
	}
	if err = os.WriteFile(outFile, append([]byte("// "+mode+"\n"), content...), 0644); err != nil {
		return nil, err
	}
	m := &Metadata{
		Name: functionName,
		Args: []ArgInfo{
			{Name: "n", DType: dtypes.Int32, IsConst: true},
			{Name: "x", DType: dtypes.Float32, IsPointer: true},
		},
	}
	if tr.nested > 0 {
		m.BaseName = "_occa_" + functionName + "_"
		m.NestedKernels = tr.nested
		m.Args = append([]ArgInfo{{Name: "nestedKernels", DType: dtypes.Int32}}, m.Args...)
	}
	return m, nil
}

// testDevice creates a device of the fake mode with its own recorder and an empty cache.
func testDevice(t *testing.T) (*Device, *fakeRecorder) {
	rec := &fakeRecorder{}
	device := must.M1(NewDevice(Properties{PropMode: fakeMode, propRecorder: rec}))
	device.WithCache(must.M1(cache.New(t.TempDir(), nil)))
	t.Cleanup(func() {
		if device.IsValid() {
			require.NoError(t, device.Free())
		}
	})
	return device, rec
}

func writeSource(t *testing.T, name, content string) string {
	path := t.TempDir() + "/" + name
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestModes(t *testing.T) {
	modes := Modes()
	fmt.Printf("Registered modes: %q\n", modes)
	require.True(t, slices.IsSorted(modes))
	require.Contains(t, modes, fakeMode)

	_, found := lookupMode("fAKE")
	require.True(t, found)
	_, found = lookupMode("CUDA")
	require.False(t, found)

	_, err := NewDevice(Properties{PropMode: "CUDA"})
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewDevice(nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}
