package castkit

import (
	"fmt"
	"sync"
)

// EncoderListener receives a running encoder's output. OnFrame hands over
// frame ownership; OnError reports fatal asynchronous encoder failures.
// Either callback may be nil.
type EncoderListener struct {
	OnFrame func(*EncodedFrame)
	OnError func(error)
}

// Encoder produces timestamped encoded frames from raw input. Concrete
// implementations (hardware codecs, software codecs, test signals) are
// external collaborators created through registered factories; the pipeline
// owns their lifecycle.
type Encoder interface {
	// Kind returns the media kind this encoder produces.
	Kind() MediaKind

	// StartStream begins producing frames to the listener.
	StartStream() error

	// StopStream halts production. No-op if not producing.
	StopStream() error

	// Reset returns the encoder to its configured, pre-start state so a
	// future StartStream needs no reconfiguration.
	Reset() error

	// Bitrate returns the current target bitrate.
	Bitrate() int

	// SetBitrate adjusts the target bitrate while running.
	SetBitrate(bps int) error

	// Release frees all encoder resources. Terminal.
	Release() error
}

// Surface describes where a surface-driven video source must render:
// an opaque handle plus the geometry the encoder expects.
type Surface struct {
	Handle   uintptr
	Width    int
	Height   int
	Rotation Rotation
	Mirrored bool
}

// VideoEncoder is an Encoder whose input arrives through a render surface.
type VideoEncoder interface {
	Encoder

	// Surface returns the current input surface, or nil for push-mode
	// encoders.
	Surface() *Surface
}

// AudioEncoderFactory builds an audio encoder for a config. The returned
// encoder is configured but not started.
type AudioEncoderFactory func(config AudioCodecConfig, listener EncoderListener) (Encoder, error)

// VideoEncoderFactory builds a video encoder for a config and target
// rotation.
type VideoEncoderFactory func(config VideoCodecConfig, rotation Rotation, listener EncoderListener) (VideoEncoder, error)

// --- Registry ---

type pipelineEncoderRegistry struct {
	mu    sync.RWMutex
	audio map[AudioCodec]AudioEncoderFactory
	video map[VideoCodec]VideoEncoderFactory
}

var globalPipelineEncoderRegistry = &pipelineEncoderRegistry{
	audio: make(map[AudioCodec]AudioEncoderFactory),
	video: make(map[VideoCodec]VideoEncoderFactory),
}

// RegisterAudioEncoder registers a factory for an audio codec.
func RegisterAudioEncoder(codec AudioCodec, factory AudioEncoderFactory) {
	globalPipelineEncoderRegistry.mu.Lock()
	defer globalPipelineEncoderRegistry.mu.Unlock()
	globalPipelineEncoderRegistry.audio[codec] = factory
}

// RegisterVideoEncoder registers a factory for a video codec.
func RegisterVideoEncoder(codec VideoCodec, factory VideoEncoderFactory) {
	globalPipelineEncoderRegistry.mu.Lock()
	defer globalPipelineEncoderRegistry.mu.Unlock()
	globalPipelineEncoderRegistry.video[codec] = factory
}

// NewAudioEncoderFor builds an audio encoder via the registry.
func NewAudioEncoderFor(config AudioCodecConfig, listener EncoderListener) (Encoder, error) {
	globalPipelineEncoderRegistry.mu.RLock()
	factory, ok := globalPipelineEncoderRegistry.audio[config.Codec]
	globalPipelineEncoderRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no audio encoder for %s", ErrCodecNotSupported, config.Codec)
	}
	return factory(config, listener)
}

// NewVideoEncoderFor builds a video encoder via the registry.
func NewVideoEncoderFor(config VideoCodecConfig, rotation Rotation, listener EncoderListener) (VideoEncoder, error) {
	globalPipelineEncoderRegistry.mu.RLock()
	factory, ok := globalPipelineEncoderRegistry.video[config.Codec]
	globalPipelineEncoderRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no video encoder for %s", ErrCodecNotSupported, config.Codec)
	}
	return factory(config, rotation, listener)
}
