package castkit

// AudioCodecConfig describes how the audio stream should be encoded.
// It is an immutable value type: the pipeline replaces its current config
// wholesale and compares configs with == to skip no-op reconfigurations.
type AudioCodecConfig struct {
	Codec      AudioCodec
	BitrateBps int
	SampleRate int
	Channels   int
	Format     AudioFormat
}

// DefaultAudioCodecConfig returns sensible defaults for audio encoding.
func DefaultAudioCodecConfig() AudioCodecConfig {
	return AudioCodecConfig{
		Codec:      AudioCodecAAC,
		BitrateBps: 128000,
		SampleRate: 44100,
		Channels:   2,
		Format:     AudioFormatS16,
	}
}

// Kind implements StreamConfig.
func (AudioCodecConfig) Kind() MediaKind { return KindAudio }

// Bitrate implements StreamConfig.
func (c AudioCodecConfig) Bitrate() int { return c.BitrateBps }

// VideoCodecConfig describes how the video stream should be encoded.
// Immutable value type, compared with == like AudioCodecConfig.
type VideoCodecConfig struct {
	Codec      VideoCodec
	BitrateBps int
	Width      int
	Height     int
	FPS        int
	Profile    H264Profile // Meaningful for H.264 only
}

// DefaultVideoCodecConfig returns sensible defaults for video encoding.
func DefaultVideoCodecConfig() VideoCodecConfig {
	return VideoCodecConfig{
		Codec:      VideoCodecH264,
		BitrateBps: 2000000,
		Width:      1280,
		Height:     720,
		FPS:        30,
		Profile:    H264ProfileBaseline,
	}
}

// Kind implements StreamConfig.
func (VideoCodecConfig) Kind() MediaKind { return KindVideo }

// Bitrate implements StreamConfig.
func (c VideoCodecConfig) Bitrate() int { return c.BitrateBps }

// Rotate returns a copy of the config with dimensions oriented for the
// given target rotation. The muxer registers the final oriented dimensions,
// so this is applied before stream registration.
func (c VideoCodecConfig) Rotate(r Rotation) VideoCodecConfig {
	if r.Transposed() {
		c.Width, c.Height = c.Height, c.Width
	}
	return c
}

// StreamConfig is the muxer-facing view of a codec config. Both
// AudioCodecConfig and VideoCodecConfig implement it as value types, so a
// StreamConfig is comparable and usable as a map key.
type StreamConfig interface {
	Kind() MediaKind
	Bitrate() int
}
