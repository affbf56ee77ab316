package couchsys

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Stream is an asynchronous sequence of items. A producer fills it with Publish and terminates it with End or
// Fail. A consumer drains it with Next or Each, or hands it to another stream with Pipe or Filter, which take
// ownership of it. A stream may be returned to a consumer before its producer has published anything: items
// are queued until they are consumed, so a consumer that attaches late receives every item not yet consumed.
//
// A stream from NewStream is unbounded: a producer that outpaces its consumer grows the queue without limit.
// A stream from NewBoundedStream holds at most limit items, and Publish blocks until the consumer makes room
// or closes the stream.
//
// A Stream supports one producer and one consumer running in different goroutines.
type Stream[T any] struct {
	mu     sync.Mutex
	limit  int
	queue  []T
	wake   chan struct{}
	done   bool
	err    error
	closed chan struct{}
	once   sync.Once
}

// NewStream returns an empty, open stream
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{
		wake:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// NewBoundedStream returns an empty, open stream that queues at most limit items. A limit below 1 is unbounded.
func NewBoundedStream[T any](limit int) *Stream[T] {
	s := NewStream[T]()
	s.limit = limit
	return s
}

// signal wakes a waiting consumer, or a producer waiting for room. It must be called with the lock held.
func (s *Stream[T]) signal() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Publish adds an item to the stream, blocking while a bounded stream is full. It returns false if the stream
// was terminated or closed, in which case the producer should stop.
func (s *Stream[T]) Publish(item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.done || s.isClosed() {
			return false
		}
		if s.limit < 1 || len(s.queue) < s.limit {
			break
		}
		wake := s.wake
		s.mu.Unlock()
		select {
		case <-wake:
		case <-s.closed:
		}
		s.mu.Lock()
	}
	s.queue = append(s.queue, item)
	s.signal()
	return true
}

// End terminates the stream normally. Queued items are still delivered before Next returns io.EOF.
func (s *Stream[T]) End() {
	s.terminate(nil)
}

// Fail terminates the stream with an error. Queued items are still delivered before Next returns err.
func (s *Stream[T]) Fail(err error) {
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	s.terminate(err)
}

func (s *Stream[T]) terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	s.signal()
}

// Next blocks until an item is available and returns it. It returns io.EOF once the stream has ended, the
// failure error if the stream failed, or the context error if ctx is done first.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if s.isClosed() {
			s.mu.Unlock()
			return zero, io.EOF
		}
		if len(s.queue) > 0 {
			item := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			if s.limit > 0 {
				s.signal()
			}
			s.mu.Unlock()
			return item, nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				return zero, io.EOF
			}
			return zero, err
		}
		wake := s.wake
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.closed:
		case <-wake:
		}
	}
}

// Each calls fn for every item until the stream ends (nil is returned), fails, or fn returns an error.
func (s *Stream[T]) Each(ctx context.Context, fn func(item T) error) error {
	for {
		item, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(item); err != nil {
			return err
		}
	}
}

// Close releases the stream from the consumer side. Queued items are dropped, Publish returns false, and
// Closed is signaled so producers can stop reading from their source.
func (s *Stream[T]) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		close(s.closed)
		s.queue = nil
	})
}

// Closed is closed when the consumer calls Close
func (s *Stream[T]) Closed() <-chan struct{} {
	return s.closed
}

func (s *Stream[T]) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Pipe forwards every item of s into dst in the background, then terminates dst the same way s terminates.
// Closing dst closes s.
func (s *Stream[T]) Pipe(dst *Stream[T]) {
	go forward(s, dst, func(item T) (T, bool) {
		return item, true
	})
}

// Filter returns a stream that owns src and carries fn(item) for every item of src that fn accepts.
// The returned stream ends or fails when src does, and closing it closes src.
func Filter[T any, U any](src *Stream[T], fn func(item T) (U, bool)) *Stream[U] {
	dst := NewStream[U]()
	go forward(src, dst, fn)
	return dst
}

func forward[T any, U any](src *Stream[T], dst *Stream[U], fn func(item T) (U, bool)) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-dst.Closed():
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		item, err := src.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				src.Close()
			case errors.Is(err, io.EOF):
				dst.End()
			default:
				dst.Fail(err)
			}
			return
		}
		out, ok := fn(item)
		if !ok {
			continue
		}
		if !dst.Publish(out) {
			src.Close()
			return
		}
	}
}
