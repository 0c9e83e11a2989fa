package castkit

import (
	"bytes"
	"fmt"
	"sync"

	amf0 "github.com/yutopp/go-amf0"
	"github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"
)

// FLVMuxer interleaves AAC audio and H.264 video into FLV. When the sink
// implements TagSink (RTMP), structured tags are handed over directly;
// otherwise tags are serialized to the sink with a file header.
type FLVMuxer struct {
	baseMuxer

	mu      sync.Mutex
	enc     *flv.Encoder
	tagSink TagSink
}

// NewFLVMuxer creates an FLV muxer.
func NewFLVMuxer(opts MuxerOptions) *FLVMuxer {
	m := &FLVMuxer{baseMuxer: newBaseMuxer(ContainerFLV, opts)}
	m.onStart = m.start
	m.onStop = m.stop
	m.writeOrdered = m.writeTag
	m.checkStream = m.check
	return m
}

func (m *FLVMuxer) check(config StreamConfig) error {
	switch c := config.(type) {
	case VideoCodecConfig:
		if c.Codec != VideoCodecH264 {
			return fmt.Errorf("%w: %s in FLV", ErrCodecNotSupported, c.Codec)
		}
	case AudioCodecConfig:
		switch c.Codec {
		case AudioCodecAAC, AudioCodecG711A, AudioCodecG711U:
		default:
			return fmt.Errorf("%w: %s in FLV", ErrCodecNotSupported, c.Codec)
		}
	}
	return nil
}

func (m *FLVMuxer) start() error {
	m.mu.Lock()
	sink := m.output()
	if ts, ok := sink.(TagSink); ok {
		m.tagSink = ts
	} else {
		var flags flv.Flags
		for _, k := range m.kinds() {
			switch k {
			case KindAudio:
				flags |= flv.FlagsAudio
			case KindVideo:
				flags |= flv.FlagsVideo
			}
		}
		enc, err := flv.NewEncoder(sink, flags)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("flv header: %w", err)
		}
		m.enc = enc
	}
	m.mu.Unlock()
	return m.writeMetadata()
}

func (m *FLVMuxer) stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enc = nil
	m.tagSink = nil
	return nil
}

// writeMetadata emits the onMetaData script tag players expect up front.
func (m *FLVMuxer) writeMetadata() error {
	meta := make(amf0.ECMAArray)
	for _, config := range m.snapshotStreams() {
		switch c := config.(type) {
		case VideoCodecConfig:
			meta["width"] = float64(c.Width)
			meta["height"] = float64(c.Height)
			meta["framerate"] = float64(c.FPS)
			meta["videodatarate"] = float64(c.BitrateBps) / 1000
			meta["videocodecid"] = float64(flvtag.CodecIDAVC)
		case AudioCodecConfig:
			meta["audiosamplerate"] = float64(c.SampleRate)
			meta["audiodatarate"] = float64(c.BitrateBps) / 1000
			meta["stereo"] = c.Channels == 2
		}
	}
	return m.encodeTag(&flvtag.FlvTag{
		TagType:   flvtag.TagTypeScriptData,
		Timestamp: 0,
		Data: &flvtag.ScriptData{
			Objects: map[string]amf0.ECMAArray{"onMetaData": meta},
		},
	})
}

func (m *FLVMuxer) writeTag(frame *EncodedFrame, id StreamID) error {
	config, ok := m.streamConfig(id)
	if !ok {
		return ErrUnknownStream
	}

	t := &flvtag.FlvTag{Timestamp: uint32(frame.PTS / 1e6)}
	switch c := config.(type) {
	case VideoCodecConfig:
		frameType := flvtag.FrameTypeInterFrame
		if frame.Key || frame.Init {
			frameType = flvtag.FrameTypeKeyFrame
		}
		packetType := flvtag.AVCPacketTypeNALU
		if frame.Init {
			packetType = flvtag.AVCPacketTypeSequenceHeader
		}
		t.TagType = flvtag.TagTypeVideo
		t.Data = &flvtag.VideoData{
			FrameType:       frameType,
			CodecID:         flvtag.CodecIDAVC,
			AVCPacketType:   packetType,
			CompositionTime: 0,
			Data:            bytes.NewReader(frame.Data),
		}
	case AudioCodecConfig:
		data := &flvtag.AudioData{
			SoundFormat: soundFormat(c.Codec),
			SoundRate:   flvtag.SoundRate44kHz,
			SoundSize:   flvtag.SoundSize16Bit,
			SoundType:   flvtag.SoundTypeStereo,
			Data:        bytes.NewReader(frame.Data),
		}
		if c.Channels == 1 {
			data.SoundType = flvtag.SoundTypeMono
		}
		if c.Codec == AudioCodecAAC {
			data.AACPacketType = flvtag.AACPacketTypeRaw
			if frame.Init {
				data.AACPacketType = flvtag.AACPacketTypeSequenceHeader
			}
		}
		t.TagType = flvtag.TagTypeAudio
		t.Data = data
	default:
		return fmt.Errorf("%w: stream %d", ErrUnknownStream, id)
	}
	return m.encodeTag(t)
}

func (m *FLVMuxer) encodeTag(t *flvtag.FlvTag) error {
	m.mu.Lock()
	enc, tagSink := m.enc, m.tagSink
	m.mu.Unlock()

	if tagSink != nil {
		return tagSink.WriteTag(t)
	}
	if enc == nil {
		return fmt.Errorf("%w: muxer not started", ErrInvalidState)
	}
	return enc.Encode(t)
}

func soundFormat(c AudioCodec) flvtag.SoundFormat {
	switch c {
	case AudioCodecAAC:
		return flvtag.SoundFormatAAC
	case AudioCodecG711A:
		return flvtag.SoundFormatG711ALawLogarithmicPCM
	case AudioCodecG711U:
		return flvtag.SoundFormatG711muLawLogarithmicPCM
	default:
		return flvtag.SoundFormatAAC
	}
}
