package host

import (
	"slices"
	"sync"
	"time"

	"github.com/EMinsight/occa"
	"github.com/pkg/errors"
)

// streamQueueSize is the number of operations that can be queued in a stream before submission blocks.
const streamQueueSize = 64

// Stream is an ordered queue of operations executed by its own goroutine.
//
// The first error of an operation is kept and returned by the next synchronization (Finish or WaitFor), as
// asynchronous operations have no other way to report it.
type Stream struct {
	backend *Backend
	ops     chan func() error

	// mu protects closed and the sends to ops.
	mu     sync.Mutex
	closed bool

	muErr sync.Mutex
	err   error
}

var _ occa.StreamHandle = (*Stream)(nil)

func newStream(b *Backend) *Stream {
	s := &Stream{backend: b, ops: make(chan func() error, streamQueueSize)}
	go s.loop()
	return s
}

func (s *Stream) loop() {
	for op := range s.ops {
		if err := op(); err != nil {
			s.muErr.Lock()
			if s.err == nil {
				s.err = err
			}
			s.muErr.Unlock()
		}
	}
}

// Native implements occa.StreamHandle: the native stream of a host backend is the *Stream itself.
func (s *Stream) Native() any {
	return s
}

// submit queues op to be executed after all previously submitted operations.
func (s *Stream) submit(op func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("host stream was freed")
	}
	s.ops <- op
	return nil
}

// run submits op and waits for it to execute, returning its error.
func (s *Stream) run(op func() error) error {
	done := make(chan error, 1)
	if err := s.submit(func() error {
		err := op()
		done <- err
		return nil
	}); err != nil {
		return err
	}
	return <-done
}

// takeError returns and clears the first error of the asynchronous operations.
func (s *Stream) takeError() error {
	s.muErr.Lock()
	defer s.muErr.Unlock()
	err := s.err
	s.err = nil
	return err
}

// finish waits for all submitted operations, and returns the first error among them.
func (s *Stream) finish() error {
	if err := s.run(func() error { return nil }); err != nil {
		return err
	}
	return s.takeError()
}

// close stops the stream after its pending operations execute.
func (s *Stream) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()
	return nil
}

// Tag is a point in a Stream: it is reached when all the operations submitted before it were executed.
type Tag struct {
	stream *Stream
	done   chan struct{}
	at     time.Time
}

// wait blocks until the tag is reached.
func (t *Tag) wait() {
	<-t.done
}

// CreateStream implements occa.Backend.
func (b *Backend) CreateStream() (occa.StreamHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil, errors.Errorf("host backend %q was freed", b.mode)
	}
	s := newStream(b)
	b.streams = append(b.streams, s)
	return s, nil
}

// WrapStream implements occa.Backend. Only streams of the same backend can be wrapped.
func (b *Backend) WrapStream(native any) (occa.StreamHandle, error) {
	s, ok := native.(*Stream)
	if !ok {
		return nil, errors.Errorf("host backend can only wrap *host.Stream, got %T", native)
	}
	if s.backend != b {
		return nil, errors.New("can't wrap a stream of another host backend")
	}
	return s, nil
}

// FreeStream implements occa.Backend. Pending operations of the stream are still executed.
func (b *Backend) FreeStream(stream occa.StreamHandle) error {
	s, err := b.asStream(stream)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.streams = slices.DeleteFunc(b.streams, func(other *Stream) bool { return other == s })
	b.mu.Unlock()
	return s.close()
}

// TagStream implements occa.Backend.
func (b *Backend) TagStream(stream occa.StreamHandle) (occa.TagHandle, error) {
	s, err := b.asStream(stream)
	if err != nil {
		return nil, err
	}
	tag := &Tag{stream: s, done: make(chan struct{})}
	if err = s.submit(func() error {
		tag.at = time.Now()
		close(tag.done)
		return nil
	}); err != nil {
		return nil, err
	}
	return tag, nil
}

// WaitFor implements occa.Backend. It returns the first error of the operations of the stream of the tag, if any
// happened so far.
func (b *Backend) WaitFor(tagHandle occa.TagHandle) error {
	tag, err := b.asTag(tagHandle)
	if err != nil {
		return err
	}
	tag.wait()
	return tag.stream.takeError()
}

// TimeBetween implements occa.Backend.
func (b *Backend) TimeBetween(startHandle, endHandle occa.TagHandle) (time.Duration, error) {
	start, err := b.asTag(startHandle)
	if err != nil {
		return 0, err
	}
	end, err := b.asTag(endHandle)
	if err != nil {
		return 0, err
	}
	if start.stream != end.stream {
		return 0, errors.New("TimeBetween requires tags of the same stream")
	}
	start.wait()
	end.wait()
	elapsed := end.at.Sub(start.at)
	if elapsed < 0 {
		return 0, errors.New("TimeBetween: end tag was created before start tag")
	}
	return elapsed, nil
}

func (b *Backend) asStream(stream occa.StreamHandle) (*Stream, error) {
	s, ok := stream.(*Stream)
	if !ok || s == nil {
		return nil, errors.Errorf("invalid stream %T for host backend", stream)
	}
	if s.backend != b {
		return nil, errors.New("stream belongs to another host backend")
	}
	return s, nil
}

func (b *Backend) asTag(handle occa.TagHandle) (*Tag, error) {
	tag, ok := handle.(*Tag)
	if !ok || tag == nil {
		return nil, errors.Errorf("invalid tag %T for host backend", handle)
	}
	if tag.stream.backend != b {
		return nil, errors.New("tag belongs to another host backend")
	}
	return tag, nil
}
