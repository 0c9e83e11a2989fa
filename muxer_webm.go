package castkit

import (
	"fmt"
	"sync"

	"github.com/at-wat/ebml-go/webm"
)

// WebMMuxer writes VP8/VP9/AV1 video and Opus audio into a WebM segment
// using ebml-go's block writers.
type WebMMuxer struct {
	baseMuxer

	mu      sync.Mutex
	writers map[StreamID]webm.BlockWriteCloser
}

// NewWebMMuxer creates a WebM muxer.
func NewWebMMuxer(opts MuxerOptions) *WebMMuxer {
	m := &WebMMuxer{baseMuxer: newBaseMuxer(ContainerWebM, opts)}
	m.onStart = m.start
	m.onStop = m.stop
	m.writeOrdered = m.writeBlock
	m.checkStream = m.check
	return m
}

func (m *WebMMuxer) check(config StreamConfig) error {
	switch c := config.(type) {
	case VideoCodecConfig:
		if webmVideoCodecID(c.Codec) == "" {
			return fmt.Errorf("%w: %s in WebM", ErrCodecNotSupported, c.Codec)
		}
	case AudioCodecConfig:
		if c.Codec != AudioCodecOpus {
			return fmt.Errorf("%w: %s in WebM", ErrCodecNotSupported, c.Codec)
		}
	}
	return nil
}

func (m *WebMMuxer) start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []webm.TrackEntry
	var ids []StreamID
	trackNr := uint64(1)
	for id, config := range m.snapshotStreams() {
		switch c := config.(type) {
		case VideoCodecConfig:
			entries = append(entries, webm.TrackEntry{
				Name:        "Video",
				TrackNumber: trackNr,
				TrackUID:    trackNr,
				TrackType:   1,
				CodecID:     webmVideoCodecID(c.Codec),
				Video: &webm.Video{
					PixelWidth:  uint64(c.Width),
					PixelHeight: uint64(c.Height),
				},
			})
		case AudioCodecConfig:
			entries = append(entries, webm.TrackEntry{
				Name:        "Audio",
				TrackNumber: trackNr,
				TrackUID:    trackNr,
				TrackType:   2,
				CodecID:     "A_OPUS",
				Audio: &webm.Audio{
					SamplingFrequency: float64(c.SampleRate),
					Channels:          uint64(c.Channels),
				},
			})
		default:
			continue
		}
		ids = append(ids, id)
		trackNr++
	}

	writers, err := webm.NewSimpleBlockWriter(nopWriteCloser{m.output()}, entries)
	if err != nil {
		return fmt.Errorf("webm writer: %w", err)
	}
	m.writers = make(map[StreamID]webm.BlockWriteCloser, len(writers))
	for i, id := range ids {
		m.writers[id] = writers[i]
	}
	return nil
}

func (m *WebMMuxer) stop() error {
	m.mu.Lock()
	writers := m.writers
	m.writers = nil
	m.mu.Unlock()

	var err error
	for _, w := range writers {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (m *WebMMuxer) writeBlock(frame *EncodedFrame, id StreamID) error {
	m.mu.Lock()
	w := m.writers[id]
	m.mu.Unlock()
	if w == nil {
		return fmt.Errorf("%w: muxer not started", ErrInvalidState)
	}
	if frame.Init {
		// WebM carries codec config in track headers, not blocks.
		return nil
	}
	_, err := w.Write(frame.Key || frame.Kind == KindAudio, frame.PTS/1e6, frame.Data)
	return err
}

func webmVideoCodecID(c VideoCodec) string {
	switch c {
	case VideoCodecVP8:
		return "V_VP8"
	case VideoCodecVP9:
		return "V_VP9"
	case VideoCodecAV1:
		return "V_AV1"
	default:
		return ""
	}
}

// nopWriteCloser hands a sink to writers that insist on owning Close; the
// endpoint closes the sink itself.
type nopWriteCloser struct{ Sink }

func (nopWriteCloser) Close() error { return nil }
