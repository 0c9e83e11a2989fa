package castkit

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// SignalEncoderConfig configures a SignalEncoder.
type SignalEncoderConfig struct {
	Kind     MediaKind
	Interval time.Duration // Frame interval; derived from FPS/frame size when zero
	GOP      int           // Frames per keyframe group (video), default 30
	Clock    clock.Clock   // Nil means the wall clock
}

// SignalEncoder is a deterministic Encoder used by tests and examples: it
// emits synthetic timestamped frames on a fixed interval, a keyframe at each
// GOP boundary, and an initial codec-config frame. No raw capture input is
// involved.
type SignalEncoder struct {
	kind     MediaKind
	interval time.Duration
	gop      int
	clk      clock.Clock
	listener EncoderListener
	bitrate  int
	surface  *Surface

	mu      sync.Mutex
	ticker  *clock.Ticker
	done    chan struct{}
	counter uint64
	pts     int64
}

// NewSignalAudioEncoder builds a SignalEncoder from an audio config.
func NewSignalAudioEncoder(config AudioCodecConfig, listener EncoderListener) (Encoder, error) {
	return newSignalEncoder(SignalEncoderConfig{Kind: KindAudio, Interval: 20 * time.Millisecond},
		config.BitrateBps, nil, listener), nil
}

// NewSignalVideoEncoder builds a SignalEncoder from a video config. The
// reported surface carries the oriented encoder geometry.
func NewSignalVideoEncoder(config VideoCodecConfig, rotation Rotation, listener EncoderListener) (VideoEncoder, error) {
	oriented := config.Rotate(rotation)
	interval := time.Second / 30
	if config.FPS > 0 {
		interval = time.Second / time.Duration(config.FPS)
	}
	surface := &Surface{
		Handle:   uintptr(1),
		Width:    oriented.Width,
		Height:   oriented.Height,
		Rotation: rotation,
	}
	return newSignalEncoder(SignalEncoderConfig{Kind: KindVideo, Interval: interval},
		config.BitrateBps, surface, listener), nil
}

func newSignalEncoder(cfg SignalEncoderConfig, bitrate int, surface *Surface, listener EncoderListener) *SignalEncoder {
	if cfg.GOP <= 0 {
		cfg.GOP = 30
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &SignalEncoder{
		kind:     cfg.Kind,
		interval: cfg.Interval,
		gop:      cfg.GOP,
		clk:      cfg.Clock,
		listener: listener,
		bitrate:  bitrate,
		surface:  surface,
	}
}

func (e *SignalEncoder) Kind() MediaKind { return e.kind }

// Surface implements VideoEncoder.
func (e *SignalEncoder) Surface() *Surface { return e.surface }

func (e *SignalEncoder) StartStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ticker != nil {
		return ErrStreaming
	}

	if e.counter == 0 {
		e.emit(true, true) // Codec config first
	}

	e.ticker = e.clk.Ticker(e.interval)
	e.done = make(chan struct{})
	go e.run(e.ticker, e.done)
	return nil
}

func (e *SignalEncoder) run(ticker *clock.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			e.mu.Lock()
			key := e.kind == KindAudio || e.counter%uint64(e.gop) == 0
			e.emit(key, false)
			e.mu.Unlock()
		}
	}
}

// emit builds and delivers one frame. Caller holds e.mu.
func (e *SignalEncoder) emit(key, init bool) {
	f := NewEncodedFrame(16)
	binary.BigEndian.PutUint64(f.Data[:8], e.counter)
	binary.BigEndian.PutUint64(f.Data[8:], uint64(e.pts))
	f.Kind = e.kind
	f.PTS = e.pts
	f.Key = key
	f.Init = init
	e.counter++
	if !init {
		e.pts += int64(e.interval)
	}
	if e.listener.OnFrame != nil {
		e.listener.OnFrame(f)
	}
}

func (e *SignalEncoder) StopStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ticker == nil {
		return nil
	}
	e.ticker.Stop()
	close(e.done)
	e.ticker = nil
	e.done = nil
	return nil
}

func (e *SignalEncoder) Reset() error {
	if err := e.StopStream(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counter = 0
	e.pts = 0
	return nil
}

func (e *SignalEncoder) Bitrate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bitrate
}

func (e *SignalEncoder) SetBitrate(bps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bitrate = bps
	return nil
}

func (e *SignalEncoder) Release() error {
	return e.StopStream()
}

func init() {
	// Default factories so examples and tests work out of the box;
	// production codec modules override these for their codecs.
	for _, c := range []AudioCodec{AudioCodecAAC, AudioCodecOpus} {
		RegisterAudioEncoder(c, NewSignalAudioEncoder)
	}
	for _, c := range []VideoCodec{VideoCodecH264, VideoCodecVP8, VideoCodecVP9} {
		RegisterVideoEncoder(c, NewSignalVideoEncoder)
	}
}
