package castkit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"go.uber.org/multierr"
)

// PipelineConfig configures a PipelineOutput. Zero values enable both media
// kinds with registry-backed encoder factories and a DynamicEndpoint.
type PipelineConfig struct {
	// AudioDisabled/VideoDisabled turn a media kind off entirely;
	// configuring a disabled kind is a state error.
	AudioDisabled bool
	VideoDisabled bool

	// Endpoint overrides the default DynamicEndpoint.
	Endpoint Endpoint

	// AudioEncoderFactory/VideoEncoderFactory override the registry
	// lookup used to build encoders.
	AudioEncoderFactory AudioEncoderFactory
	VideoEncoderFactory VideoEncoderFactory

	// OnAudioConfig/OnVideoConfig are notified before a codec config is
	// applied; returning an error vetoes the change atomically. Source
	// collaborators use this to reject configurations they cannot
	// capture.
	OnAudioConfig func(AudioCodecConfig) error
	OnVideoConfig func(VideoCodecConfig) error

	// OnStart is notified during StartStream, after streams are
	// registered and before encoders start; collaborators start their
	// upstream data flow here. Returning an error aborts the start.
	OnStart func() error

	// Muxer carries ordering options down to resolved endpoints.
	Muxer MuxerOptions

	// LoggerFactory provides the pipeline logger; nil means pion's
	// default factory.
	LoggerFactory logging.LoggerFactory
}

// PipelineOutput owns at most one audio encoder, one video encoder and one
// endpoint, and coordinates configuration, streaming and release across
// them.
//
// Lock discipline: three mutexes, one each for audio config, video config
// and start/stop.
// Start and stop transitions take the config locks first, always audio then
// video, then the start/stop lock. Set*CodecConfig takes only its own
// kind's lock, so the two kinds reconfigure independently but never race a
// transition. The released flag is checked outside any lock so calls fail
// fast even under contention.
type PipelineOutput struct {
	audioMu sync.Mutex
	videoMu sync.Mutex
	startMu sync.Mutex

	released atomic.Bool

	audioDisabled bool
	videoDisabled bool

	audioFactory  AudioEncoderFactory
	videoFactory  VideoEncoderFactory
	onAudioConfig func(AudioCodecConfig) error
	onVideoConfig func(VideoCodecConfig) error
	onStart       func() error

	endpoint Endpoint
	log      logging.LeveledLogger

	// Guarded by the corresponding config mutex.
	audioConfig *AudioCodecConfig
	videoConfig *VideoCodecConfig
	audioEnc    Encoder
	videoEnc    VideoEncoder

	// Guarded by startMu.
	regulatorFactory BitrateRegulatorControllerFactory
	regulator        BitrateRegulatorController
	targetRotation   Rotation
	pendingRotation  *Rotation

	streamMu  sync.Mutex
	streamIDs map[MediaKind]StreamID

	streaming *StateFlow[bool]
	errs      *StateFlow[error]
	surface   *StateFlow[*Surface]
}

// NewPipelineOutput creates a pipeline output.
func NewPipelineOutput(config PipelineConfig) *PipelineOutput {
	if config.Endpoint == nil {
		config.Endpoint = NewDynamicEndpoint(config.Muxer)
	}
	if config.AudioEncoderFactory == nil {
		config.AudioEncoderFactory = NewAudioEncoderFor
	}
	if config.VideoEncoderFactory == nil {
		config.VideoEncoderFactory = NewVideoEncoderFor
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &PipelineOutput{
		audioDisabled: config.AudioDisabled,
		videoDisabled: config.VideoDisabled,
		audioFactory:  config.AudioEncoderFactory,
		videoFactory:  config.VideoEncoderFactory,
		onAudioConfig: config.OnAudioConfig,
		onVideoConfig: config.OnVideoConfig,
		onStart:       config.OnStart,
		endpoint:      config.Endpoint,
		log:           config.LoggerFactory.NewLogger("pipeline"),
		streamIDs:     make(map[MediaKind]StreamID),
		streaming:     NewStateFlow(false),
		errs:          NewStateFlow[error](nil),
		surface:       NewStateFlow[*Surface](nil),
	}
}

// IsStreaming exposes the streaming state as a value plus transitions.
func (p *PipelineOutput) IsStreaming() *StateFlow[bool] { return p.streaming }

// IsOpen exposes the endpoint's open state.
func (p *PipelineOutput) IsOpen() *StateFlow[bool] { return p.endpoint.IsOpen() }

// Errors exposes asynchronous streaming errors. The pipeline stops the
// stream itself before a value appears here.
func (p *PipelineOutput) Errors() *StateFlow[error] { return p.errs }

// SurfaceEvents exposes the video encoder's current input surface; video
// source collaborators render into whatever value is current.
func (p *PipelineOutput) SurfaceEvents() *StateFlow[*Surface] { return p.surface }

// Metrics returns the endpoint's sink counters.
func (p *PipelineOutput) Metrics() SinkMetrics { return p.endpoint.Metrics() }

// AudioCodecConfig returns the current audio config, if set.
func (p *PipelineOutput) AudioCodecConfig() (AudioCodecConfig, bool) {
	p.audioMu.Lock()
	defer p.audioMu.Unlock()
	if p.audioConfig == nil {
		return AudioCodecConfig{}, false
	}
	return *p.audioConfig, true
}

// VideoCodecConfig returns the current video config, if set.
func (p *PipelineOutput) VideoCodecConfig() (VideoCodecConfig, bool) {
	p.videoMu.Lock()
	defer p.videoMu.Unlock()
	if p.videoConfig == nil {
		return VideoCodecConfig{}, false
	}
	return *p.videoConfig, true
}

// SetAudioCodecConfig applies an audio codec config, rebuilding the audio
// encoder. Setting a config structurally equal to the current one is a
// no-op. Fails while streaming, when audio is disabled, or after release.
func (p *PipelineOutput) SetAudioCodecConfig(config AudioCodecConfig) error {
	if p.released.Load() {
		return ErrReleased
	}
	if p.audioDisabled {
		return fmt.Errorf("%w: audio is disabled on this pipeline", ErrInvalidState)
	}

	p.audioMu.Lock()
	defer p.audioMu.Unlock()

	if p.streaming.Value() {
		return fmt.Errorf("%w: cannot change audio codec config", ErrStreaming)
	}
	if p.audioConfig != nil && *p.audioConfig == config {
		return nil
	}
	if p.onAudioConfig != nil {
		if err := p.onAudioConfig(config); err != nil {
			return fmt.Errorf("audio config rejected: %w", err)
		}
	}

	enc, err := p.audioFactory(config, EncoderListener{
		OnFrame: p.onFrame,
		OnError: p.onStreamError,
	})
	if err != nil {
		// The previous encoder stays authoritative.
		return fmt.Errorf("build audio encoder: %w", err)
	}
	if p.audioEnc != nil {
		if rerr := p.audioEnc.Release(); rerr != nil {
			p.log.Warnf("release previous audio encoder: %v", rerr)
		}
	}
	p.audioEnc = enc
	p.audioConfig = &config
	return nil
}

// SetVideoCodecConfig applies a video codec config, rebuilding the video
// encoder with the current target rotation. Same contract as
// SetAudioCodecConfig.
func (p *PipelineOutput) SetVideoCodecConfig(config VideoCodecConfig) error {
	if p.released.Load() {
		return ErrReleased
	}
	if p.videoDisabled {
		return fmt.Errorf("%w: video is disabled on this pipeline", ErrInvalidState)
	}

	p.videoMu.Lock()
	defer p.videoMu.Unlock()

	if p.streaming.Value() {
		return fmt.Errorf("%w: cannot change video codec config", ErrStreaming)
	}
	if p.videoConfig != nil && *p.videoConfig == config {
		return nil
	}
	if p.onVideoConfig != nil {
		if err := p.onVideoConfig(config); err != nil {
			return fmt.Errorf("video config rejected: %w", err)
		}
	}
	return p.rebuildVideoEncoderLocked(config, p.rotationForBuild())
}

// rebuildVideoEncoderLocked swaps in a freshly built video encoder. Caller
// holds videoMu. On build failure the previous encoder stays authoritative.
func (p *PipelineOutput) rebuildVideoEncoderLocked(config VideoCodecConfig, rotation Rotation) error {
	enc, err := p.videoFactory(config, rotation, EncoderListener{
		OnFrame: p.onFrame,
		OnError: p.onStreamError,
	})
	if err != nil {
		return fmt.Errorf("build video encoder: %w", err)
	}
	if p.videoEnc != nil {
		if rerr := p.videoEnc.Release(); rerr != nil {
			p.log.Warnf("release previous video encoder: %v", rerr)
		}
	}
	p.videoEnc = enc
	p.videoConfig = &config
	p.surface.set(enc.Surface())
	return nil
}

func (p *PipelineOutput) rotationForBuild() Rotation {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	return p.targetRotation
}

// SetTargetRotation sets the orientation applied to encoded video. While
// streaming the change is deferred and applied during the next stop;
// otherwise the video encoder is rebuilt immediately.
func (p *PipelineOutput) SetTargetRotation(rotation Rotation) error {
	if p.released.Load() {
		return ErrReleased
	}
	if p.videoDisabled {
		return nil
	}

	p.videoMu.Lock()
	defer p.videoMu.Unlock()

	if p.streaming.Value() {
		p.startMu.Lock()
		r := rotation
		p.pendingRotation = &r
		p.startMu.Unlock()
		p.log.Debugf("rotation %s deferred until stop", rotation)
		return nil
	}

	p.startMu.Lock()
	p.targetRotation = rotation
	p.startMu.Unlock()

	if p.videoConfig == nil {
		return nil
	}
	return p.rebuildVideoEncoderLocked(*p.videoConfig, rotation)
}

// Open connects the endpoint to a destination.
func (p *PipelineOutput) Open(ctx context.Context, dest Destination) error {
	if p.released.Load() {
		return ErrReleased
	}
	return p.endpoint.Open(ctx, dest)
}

// Close disconnects the endpoint, stopping the stream first if needed.
func (p *PipelineOutput) Close() error {
	if p.released.Load() {
		return ErrReleased
	}
	if err := p.StopStream(); err != nil {
		return err
	}
	return p.endpoint.Close()
}

// StartStream registers the configured streams with the endpoint and starts
// encoders, endpoint and regulator. Requires the endpoint open and a codec
// config for every enabled kind. On any failure the whole start is rolled
// back through the stop path and the error is returned.
func (p *PipelineOutput) StartStream() error {
	if p.released.Load() {
		return ErrReleased
	}

	// Config locks first, audio then video, then the transition lock.
	p.audioMu.Lock()
	defer p.audioMu.Unlock()
	p.videoMu.Lock()
	defer p.videoMu.Unlock()
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.streaming.Value() {
		return nil
	}
	if !p.endpoint.IsOpen().Value() {
		return fmt.Errorf("%w: open the endpoint before starting", ErrInvalidState)
	}
	if !p.audioDisabled && p.audioConfig == nil {
		return fmt.Errorf("%w: audio", ErrNotConfigured)
	}
	if !p.videoDisabled && p.videoConfig == nil {
		return fmt.Errorf("%w: video", ErrNotConfigured)
	}

	if err := p.startLocked(); err != nil {
		p.stopLocked()
		return err
	}
	p.streaming.set(true)
	return nil
}

func (p *PipelineOutput) startLocked() error {
	var configs []StreamConfig
	if p.videoConfig != nil {
		// The muxer needs the final oriented dimensions.
		configs = append(configs, p.videoConfig.Rotate(p.targetRotation))
	}
	if p.audioConfig != nil {
		configs = append(configs, *p.audioConfig)
	}

	ids, err := p.endpoint.AddStreams(configs...)
	if err != nil {
		return fmt.Errorf("register streams: %w", err)
	}
	p.streamMu.Lock()
	p.streamIDs = make(map[MediaKind]StreamID, len(ids))
	for config, id := range ids {
		p.streamIDs[config.Kind()] = id
	}
	p.streamMu.Unlock()

	if p.onStart != nil {
		if err := p.onStart(); err != nil {
			return fmt.Errorf("start listener: %w", err)
		}
	}

	if p.audioEnc != nil {
		if err := p.audioEnc.StartStream(); err != nil {
			return fmt.Errorf("start audio encoder: %w", err)
		}
	}
	if p.videoEnc != nil {
		if err := p.videoEnc.StartStream(); err != nil {
			return fmt.Errorf("start video encoder: %w", err)
		}
	}

	if err := p.endpoint.StartStream(); err != nil {
		return fmt.Errorf("start endpoint: %w", err)
	}

	if p.regulatorFactory != nil {
		p.regulator = p.regulatorFactory(p)
		if err := p.regulator.Start(); err != nil {
			return fmt.Errorf("start bitrate regulator: %w", err)
		}
	}
	return nil
}

// StopStream stops streaming. Teardown is best-effort: a failing step is
// logged and the remaining steps still run. No-op if not streaming.
func (p *PipelineOutput) StopStream() error {
	if p.released.Load() {
		return ErrReleased
	}

	p.audioMu.Lock()
	defer p.audioMu.Unlock()
	p.videoMu.Lock()
	defer p.videoMu.Unlock()
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if !p.streaming.Value() {
		return nil
	}
	p.streaming.set(false)
	p.stopLocked()
	return nil
}

// stopLocked tears down the streaming session. Caller holds all three
// locks. Every step runs regardless of earlier failures.
func (p *PipelineOutput) stopLocked() {
	var err error

	if p.regulator != nil {
		err = multierr.Append(err, p.regulator.Stop())
		p.regulator = nil
	}
	if p.audioEnc != nil {
		err = multierr.Append(err, p.audioEnc.StopStream())
	}
	if p.videoEnc != nil {
		err = multierr.Append(err, p.videoEnc.StopStream())
	}
	err = multierr.Append(err, p.endpoint.StopStream())

	p.streamMu.Lock()
	p.streamIDs = make(map[MediaKind]StreamID)
	p.streamMu.Unlock()

	// Encoders are reset, not released, so a future start needs no
	// reconfiguration.
	if p.audioEnc != nil {
		err = multierr.Append(err, p.audioEnc.Reset())
	}
	if p.videoEnc != nil {
		err = multierr.Append(err, p.videoEnc.Reset())
	}

	// A rotation requested mid-stream applies now.
	if p.pendingRotation != nil {
		rotation := *p.pendingRotation
		p.pendingRotation = nil
		p.targetRotation = rotation
		if p.videoConfig != nil {
			err = multierr.Append(err, p.rebuildVideoEncoderLocked(*p.videoConfig, rotation))
		}
	}

	if err != nil {
		p.log.Errorf("stop stream: %v", err)
	}
}

// SetBitrateRegulatorController attaches a regulator controller factory,
// replacing (and stopping) any previous controller. If the pipeline is
// streaming the new controller starts immediately.
func (p *PipelineOutput) SetBitrateRegulatorController(factory BitrateRegulatorControllerFactory) error {
	if p.released.Load() {
		return ErrReleased
	}

	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.regulator != nil {
		if err := p.regulator.Stop(); err != nil {
			p.log.Warnf("stop previous bitrate regulator: %v", err)
		}
		p.regulator = nil
	}
	p.regulatorFactory = factory
	if factory != nil && p.streaming.Value() {
		p.regulator = factory(p)
		return p.regulator.Start()
	}
	return nil
}

// RemoveBitrateRegulatorController detaches and stops the current
// controller.
func (p *PipelineOutput) RemoveBitrateRegulatorController() error {
	return p.SetBitrateRegulatorController(nil)
}

// Bitrates returns the current video and audio encoder bitrates.
func (p *PipelineOutput) Bitrates() (videoBps, audioBps int) {
	if enc := p.currentVideoEnc(); enc != nil {
		videoBps = enc.Bitrate()
	}
	if enc := p.currentAudioEnc(); enc != nil {
		audioBps = enc.Bitrate()
	}
	return videoBps, audioBps
}

func (p *PipelineOutput) setVideoBitrate(bps int) {
	if enc := p.currentVideoEnc(); enc != nil {
		if err := enc.SetBitrate(bps); err != nil {
			p.log.Warnf("set video bitrate %d: %v", bps, err)
		}
	}
}

func (p *PipelineOutput) setAudioBitrate(bps int) {
	if enc := p.currentAudioEnc(); enc != nil {
		if err := enc.SetBitrate(bps); err != nil {
			p.log.Warnf("set audio bitrate %d: %v", bps, err)
		}
	}
}

func (p *PipelineOutput) currentAudioEnc() Encoder {
	p.audioMu.Lock()
	defer p.audioMu.Unlock()
	return p.audioEnc
}

func (p *PipelineOutput) currentVideoEnc() VideoEncoder {
	p.videoMu.Lock()
	defer p.videoMu.Unlock()
	return p.videoEnc
}

// Release frees encoders and endpoint. Terminal and idempotent: a second
// call logs a warning and does nothing.
func (p *PipelineOutput) Release() error {
	if p.released.Swap(true) {
		p.log.Warnf("pipeline already released")
		return nil
	}

	// No caller may observe a released pipeline as streaming.
	p.streaming.set(false)

	var err error

	// The regulator ticker must stop before the encoders it drives go
	// away.
	p.startMu.Lock()
	if p.regulator != nil {
		err = multierr.Append(err, p.regulator.Stop())
		p.regulator = nil
	}
	p.regulatorFactory = nil
	p.startMu.Unlock()

	p.audioMu.Lock()
	if p.audioEnc != nil {
		err = multierr.Append(err, p.audioEnc.Release())
		p.audioEnc = nil
	}
	p.audioMu.Unlock()

	p.videoMu.Lock()
	if p.videoEnc != nil {
		err = multierr.Append(err, p.videoEnc.Release())
		p.videoEnc = nil
	}
	p.surface.set(nil)
	p.videoMu.Unlock()

	err = multierr.Append(err, p.endpoint.Release())

	if err != nil {
		p.log.Errorf("release: %v", err)
	}
	return err
}

// onFrame bridges encoder output to the endpoint. Called synchronously from
// encoder callbacks so sink backpressure reaches the producer.
func (p *PipelineOutput) onFrame(frame *EncodedFrame) {
	p.streamMu.Lock()
	id, ok := p.streamIDs[frame.Kind]
	p.streamMu.Unlock()
	if !ok {
		frame.Release()
		return
	}
	if err := p.endpoint.Write(frame, id); err != nil {
		p.onStreamError(fmt.Errorf("write %s frame: %w", frame.Kind, err))
	}
}

// onStreamError handles asynchronous encoder or endpoint failures: the
// pipeline stops itself, then surfaces the error.
func (p *PipelineOutput) onStreamError(err error) {
	go func() {
		if serr := p.StopStream(); serr != nil && serr != ErrReleased {
			p.log.Warnf("stop after stream error: %v", serr)
		}
		p.errs.set(err)
	}()
}
