package castkit

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// EndpointFactory builds the concrete endpoint for one destination type.
type EndpointFactory func(opts MuxerOptions) (Endpoint, error)

type endpointRegistry struct {
	mu        sync.RWMutex
	factories map[DestinationKey]EndpointFactory
}

var globalEndpointRegistry = &endpointRegistry{
	factories: make(map[DestinationKey]EndpointFactory),
}

// RegisterEndpointFactory installs a factory for a (container, sink) pair.
// Built-in combinations register themselves at init; optional modules can
// add more. A missing registration makes Open fail with
// ErrUnsupportedDestination.
func RegisterEndpointFactory(key DestinationKey, factory EndpointFactory) {
	globalEndpointRegistry.mu.Lock()
	defer globalEndpointRegistry.mu.Unlock()
	globalEndpointRegistry.factories[key] = factory
}

func lookupEndpointFactory(key DestinationKey) (EndpointFactory, bool) {
	globalEndpointRegistry.mu.RLock()
	defer globalEndpointRegistry.mu.RUnlock()
	f, ok := globalEndpointRegistry.factories[key]
	return f, ok
}

func init() {
	muxers := map[ContainerType]func(MuxerOptions) Muxer{
		ContainerTS:   func(o MuxerOptions) Muxer { return NewTSMuxer(o) },
		ContainerFLV:  func(o MuxerOptions) Muxer { return NewFLVMuxer(o) },
		ContainerMP4:  func(o MuxerOptions) Muxer { return NewMP4Muxer(o) },
		ContainerWebM: func(o MuxerOptions) Muxer { return NewWebMMuxer(o) },
	}
	sinks := map[SinkType]func() Sink{
		SinkFile:   func() Sink { return NewFileSink() },
		SinkWriter: func() Sink { return NewWriterSink() },
		SinkSRT:    func() Sink { return NewSRTSink() },
		SinkRTMP:   func() Sink { return NewRTMPSink() },
	}
	// Not every pairing makes sense: RTMP carries FLV only, SRT carries TS.
	pairs := []DestinationKey{
		{ContainerTS, SinkFile}, {ContainerTS, SinkWriter}, {ContainerTS, SinkSRT},
		{ContainerFLV, SinkFile}, {ContainerFLV, SinkWriter}, {ContainerFLV, SinkRTMP},
		{ContainerMP4, SinkFile}, {ContainerMP4, SinkWriter},
		{ContainerWebM, SinkFile}, {ContainerWebM, SinkWriter},
	}
	for _, key := range pairs {
		newMuxer := muxers[key.Container]
		newSink := sinks[key.Sink]
		RegisterEndpointFactory(key, func(opts MuxerOptions) (Endpoint, error) {
			return NewCompositeEndpoint(newMuxer(opts), newSink()), nil
		})
	}
}

// DynamicEndpoint resolves the concrete muxer+sink endpoint lazily from the
// Destination passed to Open, memoizing one instance per (container, sink)
// type for its lifetime. The owning pipeline serializes Open/Close calls, so
// the cache needs no lock of its own beyond defensive consistency.
type DynamicEndpoint struct {
	opts MuxerOptions

	mu          sync.Mutex
	cache       map[DestinationKey]Endpoint
	active      Endpoint
	open        *StateFlow[bool]
	unsubscribe func()
	localOnly   bool
}

// NewDynamicEndpoint creates a dynamic endpoint allowing any registered
// destination type.
func NewDynamicEndpoint(opts MuxerOptions) *DynamicEndpoint {
	return &DynamicEndpoint{
		opts:  opts,
		cache: make(map[DestinationKey]Endpoint),
		open:  NewStateFlow(false),
	}
}

// NewLocalEndpoint creates a dynamic endpoint that rejects network sinks.
func NewLocalEndpoint(opts MuxerOptions) *DynamicEndpoint {
	e := NewDynamicEndpoint(opts)
	e.localOnly = true
	return e
}

func (e *DynamicEndpoint) Open(ctx context.Context, dest Destination) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		return ErrAlreadyOpen
	}
	if e.localOnly && !dest.Sink.Local() {
		return fmt.Errorf("%w: %s sink on a local-only endpoint", ErrInvalidArgument, dest.Sink)
	}

	endpoint, err := e.resolveLocked(dest.Key())
	if err != nil {
		return err
	}

	// Stale service definitions must never survive a cached muxer reuse.
	if sm := serviceMuxer(endpoint); sm != nil {
		sm.ResetServices()
		if dest.Service != nil {
			sm.SetServiceInfo(*dest.Service)
		}
	}

	if err := endpoint.Open(ctx, dest); err != nil {
		return err
	}
	e.activateLocked(endpoint)
	return nil
}

// resolveLocked returns the cached endpoint for key, building it on first
// use.
func (e *DynamicEndpoint) resolveLocked(key DestinationKey) (Endpoint, error) {
	if endpoint, ok := e.cache[key]; ok {
		return endpoint, nil
	}
	factory, ok := lookupEndpointFactory(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s over %s", ErrUnsupportedDestination, key.Container, key.Sink)
	}
	endpoint, err := factory(e.opts)
	if err != nil {
		return nil, err
	}
	e.cache[key] = endpoint
	return endpoint, nil
}

// activateLocked swaps the active endpoint and mirrors its open state into
// this endpoint's flow.
func (e *DynamicEndpoint) activateLocked(endpoint Endpoint) {
	e.active = endpoint
	ch, cancel := endpoint.IsOpen().Subscribe()
	e.unsubscribe = cancel
	// Seed synchronously so a caller starting right after Open never
	// observes a stale closed state; the subscription then tracks
	// transitions.
	e.open.set(endpoint.IsOpen().Value())
	go func() {
		for v := range ch {
			e.open.set(v)
		}
	}()
}

func (e *DynamicEndpoint) Close() error {
	e.mu.Lock()
	active := e.active
	unsubscribe := e.unsubscribe
	e.mu.Unlock()

	if active == nil {
		return nil
	}

	// The active reference is cleared whether or not the underlying close
	// succeeds: close must never get stuck on a broken endpoint.
	defer func() {
		e.mu.Lock()
		e.active = nil
		e.unsubscribe = nil
		e.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		e.open.set(false)
	}()
	return active.Close()
}

func (e *DynamicEndpoint) AddStream(config StreamConfig) (StreamID, error) {
	active := e.activeEndpoint()
	if active == nil {
		return 0, ErrNotOpen
	}
	return active.AddStream(config)
}

func (e *DynamicEndpoint) AddStreams(configs ...StreamConfig) (map[StreamConfig]StreamID, error) {
	active := e.activeEndpoint()
	if active == nil {
		return nil, ErrNotOpen
	}
	return active.AddStreams(configs...)
}

func (e *DynamicEndpoint) Write(frame *EncodedFrame, id StreamID) error {
	active := e.activeEndpoint()
	if active == nil {
		return ErrNotOpen
	}
	return active.Write(frame, id)
}

func (e *DynamicEndpoint) StartStream() error {
	active := e.activeEndpoint()
	if active == nil {
		return ErrNotOpen
	}
	return active.StartStream()
}

func (e *DynamicEndpoint) StopStream() error {
	active := e.activeEndpoint()
	if active == nil {
		return nil
	}
	return active.StopStream()
}

func (e *DynamicEndpoint) IsOpen() *StateFlow[bool] { return e.open }

func (e *DynamicEndpoint) Metrics() SinkMetrics {
	active := e.activeEndpoint()
	if active == nil {
		return SinkMetrics{}
	}
	return active.Metrics()
}

// Release releases every endpoint resolved so far, not just the active one.
// One instance failing does not prevent releasing the rest.
func (e *DynamicEndpoint) Release() error {
	err := e.Close()

	e.mu.Lock()
	cache := e.cache
	e.cache = make(map[DestinationKey]Endpoint)
	e.mu.Unlock()

	for _, endpoint := range cache {
		err = multierr.Append(err, endpoint.Release())
	}
	return err
}

func (e *DynamicEndpoint) activeEndpoint() Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// serviceMuxer digs the ServiceMuxer out of an endpoint, when it has one.
func serviceMuxer(endpoint Endpoint) ServiceMuxer {
	type muxerHolder interface{ Muxer() Muxer }
	h, ok := endpoint.(muxerHolder)
	if !ok {
		return nil
	}
	sm, ok := h.Muxer().(ServiceMuxer)
	if !ok {
		return nil
	}
	return sm
}
