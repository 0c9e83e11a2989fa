package castkit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// BitrateRegulator inspects current delivery conditions and decides new
// encoder bitrates. Zero return values leave a bitrate unchanged.
type BitrateRegulator interface {
	Regulate(metrics SinkMetrics, videoBitrateBps, audioBitrateBps int) (newVideoBps, newAudioBps int)
}

// BitrateRegulatorController starts and stops bitrate regulation alongside
// the streaming session. The pipeline serializes Start/Stop with its own
// transitions and never starts a controller twice.
type BitrateRegulatorController interface {
	Start() error
	Stop() error
}

// BitrateRegulatorControllerFactory builds a controller bound to its
// pipeline so it can query metrics and adjust encoder bitrates.
type BitrateRegulatorControllerFactory func(pipeline *PipelineOutput) BitrateRegulatorController

// DefaultRegulateInterval is how often the ticker controller regulates.
const DefaultRegulateInterval = 500 * time.Millisecond

// TickerRegulatorController polls endpoint metrics on a fixed interval and
// applies the regulator's decisions to the pipeline's encoders.
type TickerRegulatorController struct {
	pipeline  *PipelineOutput
	regulator BitrateRegulator
	interval  time.Duration
	clk       clock.Clock

	mu     sync.Mutex
	ticker *clock.Ticker
	done   chan struct{}
}

// NewTickerRegulatorControllerFactory returns a factory for ticker-driven
// regulation. A nil clk means the wall clock; interval <= 0 means
// DefaultRegulateInterval.
func NewTickerRegulatorControllerFactory(regulator BitrateRegulator, interval time.Duration, clk clock.Clock) BitrateRegulatorControllerFactory {
	if interval <= 0 {
		interval = DefaultRegulateInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return func(pipeline *PipelineOutput) BitrateRegulatorController {
		return &TickerRegulatorController{
			pipeline:  pipeline,
			regulator: regulator,
			interval:  interval,
			clk:       clk,
		}
	}
}

func (c *TickerRegulatorController) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticker != nil {
		return ErrStreaming
	}
	c.ticker = c.clk.Ticker(c.interval)
	c.done = make(chan struct{})
	go c.run(c.ticker, c.done)
	return nil
}

func (c *TickerRegulatorController) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticker == nil {
		return nil
	}
	c.ticker.Stop()
	close(c.done)
	c.ticker = nil
	c.done = nil
	return nil
}

func (c *TickerRegulatorController) run(ticker *clock.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.regulate()
		}
	}
}

func (c *TickerRegulatorController) regulate() {
	p := c.pipeline
	video, audio := p.Bitrates()
	newVideo, newAudio := c.regulator.Regulate(p.Metrics(), video, audio)
	if newVideo > 0 && newVideo != video {
		p.setVideoBitrate(newVideo)
	}
	if newAudio > 0 && newAudio != audio {
		p.setAudioBitrate(newAudio)
	}
}
