package castkit

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// SinkMetrics counts what a sink has written since it was opened.
type SinkMetrics struct {
	BytesWritten uint64
	Writes       uint64
}

// Sink is the final byte destination of a muxed stream.
type Sink interface {
	// Open connects the sink to the destination address. Fails if the
	// sink is already open.
	Open(ctx context.Context, dest Destination) error

	// Write delivers one container packet (TS packets, an FLV tag, an
	// MP4 fragment, ...). Fails if the sink is not open.
	Write(p []byte) (int, error)

	// Close disconnects the sink. Idempotent.
	Close() error

	// Metrics returns counters for the current session.
	Metrics() SinkMetrics
}

// sinkMetrics is the shared counter implementation embedded by sinks.
type sinkMetrics struct {
	mu      sync.Mutex
	metrics SinkMetrics
}

func (m *sinkMetrics) count(n int) {
	m.mu.Lock()
	m.metrics.BytesWritten += uint64(n)
	m.metrics.Writes++
	m.mu.Unlock()
}

func (m *sinkMetrics) reset() {
	m.mu.Lock()
	m.metrics = SinkMetrics{}
	m.mu.Unlock()
}

// Metrics returns counters for the current session.
func (m *sinkMetrics) Metrics() SinkMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// FileSink writes container bytes to a local file.
type FileSink struct {
	sinkMetrics
	mu   sync.Mutex
	file *os.File
}

// NewFileSink creates an unopened file sink.
func NewFileSink() *FileSink { return &FileSink{} }

func (s *FileSink) Open(ctx context.Context, dest Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return ErrAlreadyOpen
	}
	if dest.Address == "" {
		return fmt.Errorf("%w: file destination needs a path", ErrInvalidArgument)
	}
	f, err := os.Create(dest.Address)
	if err != nil {
		return fmt.Errorf("open file sink: %w", err)
	}
	s.file = f
	s.reset()
	return nil
}

func (s *FileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	f := s.file
	s.mu.Unlock()
	if f == nil {
		return 0, ErrNotOpen
	}
	n, err := f.Write(p)
	s.count(n)
	return n, err
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// WriterSink adapts a caller-provided io.WriteCloser (a content stream, a
// pipe, a test buffer) to the Sink contract. The writer is taken from the
// Destination at Open time.
type WriterSink struct {
	sinkMetrics
	mu sync.Mutex
	w  io.WriteCloser
}

// NewWriterSink creates an unopened writer sink.
func NewWriterSink() *WriterSink { return &WriterSink{} }

func (s *WriterSink) Open(ctx context.Context, dest Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w != nil {
		return ErrAlreadyOpen
	}
	if dest.Writer == nil {
		return fmt.Errorf("%w: writer destination needs a Writer", ErrInvalidArgument)
	}
	s.w = dest.Writer
	s.reset()
	return nil
}

func (s *WriterSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	w := s.w
	s.mu.Unlock()
	if w == nil {
		return 0, ErrNotOpen
	}
	n, err := w.Write(p)
	s.count(n)
	return n, err
}

func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	err := s.w.Close()
	s.w = nil
	return err
}
