package castkit

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// StreamID identifies one registered media stream within an open endpoint
// session. Valid only between a successful AddStream and the next Close.
type StreamID int

// Muxer interleaves registered media streams into one container format and
// hands the resulting bytes to a Sink.
type Muxer interface {
	// Container returns the container format this muxer produces.
	Container() ContainerType

	// SetOutput binds the sink that receives container output. Must be
	// called before Start.
	SetOutput(sink Sink)

	// AddStream registers a stream and returns its handle. Fails once
	// the muxer has started.
	AddStream(config StreamConfig) (StreamID, error)

	// RemoveStream unregisters a stream added before Start. Callers use
	// it to roll back a partially applied batch registration.
	RemoveStream(id StreamID) error

	// WriteFrame consumes one encoded frame for the given stream. The
	// muxer owns the frame afterwards and releases it once written.
	WriteFrame(frame *EncodedFrame, id StreamID) error

	// Start writes container headers and begins accepting frames.
	Start() error

	// Stop discards frames still held for ordering, finalizes the
	// container and clears registered streams. Streams registered on a
	// muxer that never started are cleared too, so a failed session can
	// always be retried from scratch. Idempotent.
	Stop() error
}

// ServiceMuxer is implemented by muxers that carry service metadata (TS).
// ResetServices must be called before applying a new destination's service
// so stale definitions never leak across sessions reusing a cached muxer.
type ServiceMuxer interface {
	SetServiceInfo(info TSServiceInfo)
	ResetServices()
}

// MuxerOptions tune the frame ordering behavior shared by all muxers.
type MuxerOptions struct {
	FlushDelay time.Duration // Ordering queue flush delay, DefaultFlushDelay when zero
	Clock      clock.Clock   // Nil means the wall clock
}

// baseMuxer carries the stream table, lifecycle state and the frame
// ordering queue shared by every container implementation. Concrete muxers
// embed it and install their hooks.
type baseMuxer struct {
	container ContainerType
	opts      MuxerOptions

	mu       sync.Mutex
	sink     Sink
	streams  map[StreamID]StreamConfig
	kindToID map[MediaKind]StreamID
	nextID   StreamID
	started  bool
	queue    *FrameOrderingQueue

	// Hooks installed by the concrete muxer.
	onStart      func() error                         // Container headers
	onStop       func() error                         // Finalize/flush
	writeOrdered func(*EncodedFrame, StreamID) error  // One frame, in PTS order
	checkStream  func(StreamConfig) error             // Codec support
}

func newBaseMuxer(container ContainerType, opts MuxerOptions) baseMuxer {
	return baseMuxer{
		container: container,
		opts:      opts,
		streams:   make(map[StreamID]StreamConfig),
		kindToID:  make(map[MediaKind]StreamID),
	}
}

func (m *baseMuxer) Container() ContainerType { return m.container }

func (m *baseMuxer) SetOutput(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

func (m *baseMuxer) output() Sink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink
}

func (m *baseMuxer) AddStream(config StreamConfig) (StreamID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return 0, fmt.Errorf("%w: cannot add streams while started", ErrInvalidState)
	}
	if _, ok := m.kindToID[config.Kind()]; ok {
		return 0, fmt.Errorf("%w: %s stream already registered", ErrInvalidArgument, config.Kind())
	}
	if m.checkStream != nil {
		if err := m.checkStream(config); err != nil {
			return 0, err
		}
	}

	id := m.nextID
	m.nextID++
	m.streams[id] = config
	m.kindToID[config.Kind()] = id
	return id, nil
}

func (m *baseMuxer) RemoveStream(id StreamID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("%w: cannot remove streams while started", ErrInvalidState)
	}
	config, ok := m.streams[id]
	if !ok {
		return ErrUnknownStream
	}
	delete(m.streams, id)
	delete(m.kindToID, config.Kind())
	return nil
}

// snapshotStreams copies the registered stream table.
func (m *baseMuxer) snapshotStreams() map[StreamID]StreamConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[StreamID]StreamConfig, len(m.streams))
	for id, c := range m.streams {
		out[id] = c
	}
	return out
}

func (m *baseMuxer) streamConfig(id StreamID) (StreamConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	config, ok := m.streams[id]
	return config, ok
}

// kinds returns the registered stream kinds.
func (m *baseMuxer) kinds() []MediaKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]MediaKind, 0, len(m.kindToID))
	for k := range m.kindToID {
		kinds = append(kinds, k)
	}
	return kinds
}

func (m *baseMuxer) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("%w: muxer already started", ErrInvalidState)
	}
	if m.sink == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: muxer has no output sink", ErrInvalidState)
	}
	if len(m.streams) == 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: no streams registered", ErrInvalidState)
	}

	kinds := make([]MediaKind, 0, len(m.kindToID))
	for k := range m.kindToID {
		kinds = append(kinds, k)
	}
	kindToID := make(map[MediaKind]StreamID, len(m.kindToID))
	for k, id := range m.kindToID {
		kindToID[k] = id
	}
	m.queue = NewFrameOrderingQueue(FrameOrderingQueueConfig{
		Emit: func(f *EncodedFrame) error {
			defer f.Release()
			return m.writeOrdered(f, kindToID[f.Kind])
		},
		Kinds:      kinds,
		FlushDelay: m.opts.FlushDelay,
		Clock:      m.opts.Clock,
	})
	m.started = true
	m.mu.Unlock()

	if m.onStart != nil {
		if err := m.onStart(); err != nil {
			m.mu.Lock()
			m.started = false
			m.queue = nil
			m.mu.Unlock()
			return err
		}
	}
	return nil
}

func (m *baseMuxer) Stop() error {
	m.mu.Lock()
	wasStarted := m.started
	queue := m.queue
	m.started = false
	m.queue = nil
	m.streams = make(map[StreamID]StreamConfig)
	m.kindToID = make(map[MediaKind]StreamID)
	m.nextID = 0
	m.mu.Unlock()

	// Registrations are cleared either way so a session that failed
	// between AddStream and Start leaves nothing behind.
	if !wasStarted {
		return nil
	}

	var err error
	if queue != nil {
		err = queue.Clear()
	}
	if m.onStop != nil {
		if serr := m.onStop(); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

func (m *baseMuxer) WriteFrame(frame *EncodedFrame, id StreamID) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return fmt.Errorf("%w: muxer not started", ErrInvalidState)
	}
	config, ok := m.streams[id]
	queue := m.queue
	m.mu.Unlock()

	if !ok {
		return ErrUnknownStream
	}
	if config.Kind() != frame.Kind {
		return fmt.Errorf("%w: %s frame written to %s stream", ErrInvalidArgument, frame.Kind, config.Kind())
	}
	return queue.Enqueue(frame)
}
