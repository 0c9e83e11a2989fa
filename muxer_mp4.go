package castkit

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/Eyevinn/mp4ff/mp4"
)

const mp4VideoTimescale = 90000

// mp4FragmentSamples caps how many samples accumulate before a fragment is
// flushed when no video keyframe forces one earlier.
const mp4FragmentSamples = 64

// MP4Muxer writes fragmented MP4: an init segment built from the registered
// stream configs (and codec config frames, when they arrive first), then one
// moof/mdat pair per flush. Fragments are cut on video keyframes.
type MP4Muxer struct {
	baseMuxer

	mu       sync.Mutex
	tracks   map[StreamID]*mp4Track
	seqNr    uint32
	initDone bool
	pending  int
}

type mp4Track struct {
	id        uint32
	config    StreamConfig
	timescale uint32
	initData  []byte // Annex-B SPS/PPS (video) or AudioSpecificConfig
	samples   []mp4.FullSample
}

// NewMP4Muxer creates a fragmented MP4 muxer.
func NewMP4Muxer(opts MuxerOptions) *MP4Muxer {
	m := &MP4Muxer{baseMuxer: newBaseMuxer(ContainerMP4, opts)}
	m.onStart = m.start
	m.onStop = m.stop
	m.writeOrdered = m.writeSample
	m.checkStream = m.check
	return m
}

func (m *MP4Muxer) check(config StreamConfig) error {
	switch c := config.(type) {
	case VideoCodecConfig:
		if c.Codec != VideoCodecH264 {
			return fmt.Errorf("%w: %s in MP4", ErrCodecNotSupported, c.Codec)
		}
	case AudioCodecConfig:
		if c.Codec != AudioCodecAAC {
			return fmt.Errorf("%w: %s in MP4", ErrCodecNotSupported, c.Codec)
		}
	}
	return nil
}

func (m *MP4Muxer) start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tracks = make(map[StreamID]*mp4Track)
	m.seqNr = 0
	m.initDone = false
	m.pending = 0

	nextTrackID := uint32(1)
	for id, config := range m.snapshotStreams() {
		timescale := uint32(mp4VideoTimescale)
		if a, ok := config.(AudioCodecConfig); ok {
			timescale = uint32(a.SampleRate)
		}
		m.tracks[id] = &mp4Track{
			id:        nextTrackID,
			config:    config,
			timescale: timescale,
		}
		nextTrackID++
	}
	return nil
}

func (m *MP4Muxer) stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.flushLocked()
	m.tracks = nil
	return err
}

func (m *MP4Muxer) writeSample(frame *EncodedFrame, id StreamID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	track, ok := m.tracks[id]
	if !ok {
		return ErrUnknownStream
	}

	if frame.Init {
		// Codec config payloads feed the init segment, not the mdat.
		track.initData = append([]byte(nil), frame.Data...)
		return nil
	}

	if frame.Kind == KindVideo && frame.Key && m.pending > 0 {
		if err := m.flushLocked(); err != nil {
			return err
		}
	}

	flags := mp4.NonSyncSampleFlags
	if frame.Key || frame.Kind == KindAudio {
		flags = mp4.SyncSampleFlags
	}
	t := scaleTime(frame.PTS, track.timescale)
	track.samples = append(track.samples, mp4.FullSample{
		Sample: mp4.Sample{
			Flags: flags,
			Dur:   defaultSampleDur(track),
			Size:  uint32(len(frame.Data)),
		},
		DecodeTime: t,
		Data:       append([]byte(nil), frame.Data...),
	})
	m.pending++

	if m.pending >= mp4FragmentSamples {
		return m.flushLocked()
	}
	return nil
}

// flushLocked writes the init segment once, then one fragment per track
// holding its pending samples.
func (m *MP4Muxer) flushLocked() error {
	if m.pending == 0 {
		return nil
	}
	sink := m.output()

	if !m.initDone {
		if err := m.writeInit(sink); err != nil {
			return err
		}
		m.initDone = true
	}

	for _, track := range m.sortedTracks() {
		if len(track.samples) == 0 {
			continue
		}
		m.seqNr++
		frag, err := mp4.CreateFragment(m.seqNr, track.id)
		if err != nil {
			return fmt.Errorf("mp4 fragment: %w", err)
		}
		for _, s := range track.samples {
			frag.AddFullSample(s)
		}
		buf := new(bytes.Buffer)
		if err := frag.Encode(buf); err != nil {
			return fmt.Errorf("mp4 fragment encode: %w", err)
		}
		if _, err := sink.Write(buf.Bytes()); err != nil {
			return err
		}
		track.samples = track.samples[:0]
	}
	m.pending = 0
	return nil
}

func (m *MP4Muxer) writeInit(sink Sink) error {
	init := mp4.CreateEmptyInit()
	for _, track := range m.sortedTracks() {
		switch c := track.config.(type) {
		case VideoCodecConfig:
			init.AddEmptyTrack(track.timescale, "video", "und")
			trak := init.Moov.Traks[len(init.Moov.Traks)-1]
			sps, pps := splitParameterSets(track.initData)
			if err := trak.SetAVCDescriptor("avc1", sps, pps, true); err != nil {
				return fmt.Errorf("mp4 avc descriptor: %w", err)
			}
		case AudioCodecConfig:
			init.AddEmptyTrack(track.timescale, "audio", "und")
			trak := init.Moov.Traks[len(init.Moov.Traks)-1]
			if err := trak.SetAACDescriptor(2, c.SampleRate); err != nil {
				return fmt.Errorf("mp4 aac descriptor: %w", err)
			}
		}
	}
	buf := new(bytes.Buffer)
	if err := init.Encode(buf); err != nil {
		return fmt.Errorf("mp4 init encode: %w", err)
	}
	_, err := sink.Write(buf.Bytes())
	return err
}

// sortedTracks returns tracks ordered by their MP4 track id so fragment
// output order is deterministic.
func (m *MP4Muxer) sortedTracks() []*mp4Track {
	out := make([]*mp4Track, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].id > out[j].id; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func defaultSampleDur(t *mp4Track) uint32 {
	switch c := t.config.(type) {
	case VideoCodecConfig:
		if c.FPS > 0 {
			return uint32(mp4VideoTimescale / c.FPS)
		}
	case AudioCodecConfig:
		// One AAC frame is 1024 samples.
		return 1024
	}
	return 0
}

func scaleTime(ns int64, timescale uint32) uint64 {
	return uint64(ns) * uint64(timescale) / 1e9
}

// splitParameterSets splits an Annex-B parameter set payload (SPS and PPS
// NALUs separated by start codes) as produced by H.264 encoders' config
// frames.
func splitParameterSets(b []byte) (sps, pps [][]byte) {
	for _, nalu := range splitAnnexB(b) {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1F {
		case 7:
			sps = append(sps, nalu)
		case 8:
			pps = append(pps, nalu)
		}
	}
	return sps, pps
}

func splitAnnexB(b []byte) [][]byte {
	var nalus [][]byte
	start := -1
	i := 0
	for i+2 < len(b) {
		if b[i] == 0 && b[i+1] == 0 && (b[i+2] == 1 || (i+3 < len(b) && b[i+2] == 0 && b[i+3] == 1)) {
			next := i + 3
			if b[i+2] == 0 {
				next = i + 4
			}
			if start >= 0 {
				nalus = append(nalus, b[start:i])
			}
			start = next
			i = next
			continue
		}
		i++
	}
	if start >= 0 && start < len(b) {
		nalus = append(nalus, b[start:])
	} else if start == -1 && len(b) > 0 {
		// No start codes: treat the whole payload as one NALU.
		nalus = append(nalus, b)
	}
	return nalus
}
