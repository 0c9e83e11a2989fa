package castkit

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Endpoint is a muxer+sink pair exposed as one open/write/close unit.
type Endpoint interface {
	// Open connects the endpoint to the destination. Fails if already
	// open.
	Open(ctx context.Context, dest Destination) error

	// Close disconnects the endpoint, stopping the stream first if
	// needed. Idempotent.
	Close() error

	// AddStream registers one codec config and returns its handle.
	// Fails if the endpoint is not open.
	AddStream(config StreamConfig) (StreamID, error)

	// AddStreams registers several configs at once. Atomic: on failure
	// no stream from the batch stays registered.
	AddStreams(configs ...StreamConfig) (map[StreamConfig]StreamID, error)

	// Write consumes one encoded frame for the given stream.
	Write(frame *EncodedFrame, id StreamID) error

	// StartStream begins the muxing session.
	StartStream() error

	// StopStream ends the muxing session and clears stream
	// registrations, even when the session never started. Idempotent.
	StopStream() error

	// IsOpen exposes the open state as a value plus transitions.
	IsOpen() *StateFlow[bool]

	// Metrics returns sink counters for the current session.
	Metrics() SinkMetrics

	// Release frees all resources. The endpoint is unusable afterwards.
	Release() error
}

// CompositeEndpoint binds one muxer to one sink.
type CompositeEndpoint struct {
	muxer Muxer
	sink  Sink

	mu        sync.Mutex
	open      *StateFlow[bool]
	streaming bool
}

// NewCompositeEndpoint creates an endpoint from a muxer and a sink.
func NewCompositeEndpoint(muxer Muxer, sink Sink) *CompositeEndpoint {
	muxer.SetOutput(sink)
	return &CompositeEndpoint{
		muxer: muxer,
		sink:  sink,
		open:  NewStateFlow(false),
	}
}

// Muxer returns the endpoint's muxer. The destination resolver uses it to
// apply container-specific metadata.
func (e *CompositeEndpoint) Muxer() Muxer { return e.muxer }

func (e *CompositeEndpoint) Open(ctx context.Context, dest Destination) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open.Value() {
		return ErrAlreadyOpen
	}
	if err := e.sink.Open(ctx, dest); err != nil {
		return err
	}
	e.open.set(true)
	return nil
}

func (e *CompositeEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open.Value() {
		return nil
	}
	err := e.muxer.Stop()
	e.streaming = false
	err = multierr.Append(err, e.sink.Close())
	e.open.set(false)
	return err
}

func (e *CompositeEndpoint) AddStream(config StreamConfig) (StreamID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open.Value() {
		return 0, ErrNotOpen
	}
	return e.muxer.AddStream(config)
}

func (e *CompositeEndpoint) AddStreams(configs ...StreamConfig) (map[StreamConfig]StreamID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open.Value() {
		return nil, ErrNotOpen
	}
	ids := make(map[StreamConfig]StreamID, len(configs))
	for _, config := range configs {
		id, err := e.muxer.AddStream(config)
		if err != nil {
			// The batch is atomic: unregister what already went in.
			for _, added := range ids {
				_ = e.muxer.RemoveStream(added)
			}
			return nil, fmt.Errorf("add %s stream: %w", config.Kind(), err)
		}
		ids[config] = id
	}
	return ids, nil
}

func (e *CompositeEndpoint) Write(frame *EncodedFrame, id StreamID) error {
	if !e.open.Value() {
		return ErrNotOpen
	}
	return e.muxer.WriteFrame(frame, id)
}

func (e *CompositeEndpoint) StartStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open.Value() {
		return ErrNotOpen
	}
	if e.streaming {
		return fmt.Errorf("%w: already streaming", ErrInvalidState)
	}
	if err := e.muxer.Start(); err != nil {
		return err
	}
	e.streaming = true
	return nil
}

func (e *CompositeEndpoint) StopStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Stop runs even when the session never started: a start that failed
	// after AddStreams must not leave streams registered, or every retry
	// would see them as duplicates.
	e.streaming = false
	return e.muxer.Stop()
}

func (e *CompositeEndpoint) IsOpen() *StateFlow[bool] { return e.open }

func (e *CompositeEndpoint) Metrics() SinkMetrics { return e.sink.Metrics() }

func (e *CompositeEndpoint) Release() error {
	return e.Close()
}
