package castkit

import (
	"context"
	"fmt"
	"sync"

	"github.com/asticode/go-astits"
)

const (
	tsVideoPID = 256
	tsAudioPID = 257

	pesStreamIDVideo = 0xE0
	pesStreamIDAudio = 0xC0
)

// TSMuxer interleaves audio and video into an MPEG transport stream using
// go-astits for packetization (PAT/PMT and PES layering).
type TSMuxer struct {
	baseMuxer

	mu       sync.Mutex
	mux      *astits.Muxer
	services []TSServiceInfo
}

// NewTSMuxer creates an MPEG-TS muxer.
func NewTSMuxer(opts MuxerOptions) *TSMuxer {
	m := &TSMuxer{baseMuxer: newBaseMuxer(ContainerTS, opts)}
	m.onStart = m.start
	m.onStop = m.stop
	m.writeOrdered = m.writePES
	m.checkStream = m.check
	return m
}

// SetServiceInfo registers the service carried by the next session.
func (m *TSMuxer) SetServiceInfo(info TSServiceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, info)
}

// ResetServices drops all registered services. Called by the endpoint
// resolver before applying a new destination so no stale service definition
// survives a muxer reuse.
func (m *TSMuxer) ResetServices() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = nil
}

// Services returns the currently registered services.
func (m *TSMuxer) Services() []TSServiceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TSServiceInfo, len(m.services))
	copy(out, m.services)
	return out
}

func (m *TSMuxer) check(config StreamConfig) error {
	switch c := config.(type) {
	case VideoCodecConfig:
		switch c.Codec {
		case VideoCodecH264, VideoCodecH265:
		default:
			return fmt.Errorf("%w: %s in MPEG-TS", ErrCodecNotSupported, c.Codec)
		}
	case AudioCodecConfig:
		if c.Codec != AudioCodecAAC {
			return fmt.Errorf("%w: %s in MPEG-TS", ErrCodecNotSupported, c.Codec)
		}
	}
	return nil
}

func (m *TSMuxer) start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mux := astits.NewMuxer(context.Background(), m.output())
	pcrSet := false
	for _, config := range m.streamConfigs() {
		var es astits.PMTElementaryStream
		switch c := config.(type) {
		case VideoCodecConfig:
			es = astits.PMTElementaryStream{
				ElementaryPID: tsVideoPID,
				StreamType:    astits.StreamTypeH264Video,
			}
			if c.Codec == VideoCodecH265 {
				es.StreamType = astits.StreamTypeH265Video
			}
		case AudioCodecConfig:
			es = astits.PMTElementaryStream{
				ElementaryPID: tsAudioPID,
				StreamType:    astits.StreamTypeAACAudio,
			}
		default:
			continue
		}
		if err := mux.AddElementaryStream(es); err != nil {
			return fmt.Errorf("ts add stream: %w", err)
		}
		// streamConfigs orders video first, so PCR rides the video
		// PID when present.
		if !pcrSet {
			mux.SetPCRPID(es.ElementaryPID)
			pcrSet = true
		}
	}
	m.mux = mux
	return nil
}

func (m *TSMuxer) stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mux = nil
	return nil
}

func (m *TSMuxer) writePES(frame *EncodedFrame, id StreamID) error {
	config, ok := m.streamConfig(id)
	if !ok {
		return ErrUnknownStream
	}

	m.mu.Lock()
	mux := m.mux
	m.mu.Unlock()
	if mux == nil {
		return fmt.Errorf("%w: muxer not started", ErrInvalidState)
	}

	pid := uint16(tsAudioPID)
	streamID := uint8(pesStreamIDAudio)
	if config.Kind() == KindVideo {
		pid = tsVideoPID
		streamID = pesStreamIDVideo
	}

	data := &astits.MuxerData{
		PID: pid,
		AdaptationField: &astits.PacketAdaptationField{
			RandomAccessIndicator: frame.Key || config.Kind() == KindAudio,
		},
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
					PTS:             &astits.ClockReference{Base: pts90kHz(frame.PTS)},
				},
				StreamID: streamID,
			},
			Data: frame.Data,
		},
	}
	if _, err := mux.WriteData(data); err != nil {
		return fmt.Errorf("ts write: %w", err)
	}
	return nil
}

// streamConfigs snapshots registered configs, video first so the PCR PID
// lands on video when both kinds are present.
func (m *TSMuxer) streamConfigs() []StreamConfig {
	m.baseMuxer.mu.Lock()
	defer m.baseMuxer.mu.Unlock()
	var video, audio []StreamConfig
	for _, c := range m.streams {
		if c.Kind() == KindVideo {
			video = append(video, c)
		} else {
			audio = append(audio, c)
		}
	}
	return append(video, audio...)
}

// pts90kHz converts nanoseconds to the 90kHz MPEG clock.
func pts90kHz(ns int64) int64 {
	return ns * 9 / 100000
}
