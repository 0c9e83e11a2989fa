package castkit

import (
	"errors"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
)

// recordingMuxer captures ordered frame writes.
type recordingMuxer struct {
	baseMuxer
	mu     sync.Mutex
	writes []*EncodedFrame
}

func newRecordingMuxer(opts MuxerOptions) *recordingMuxer {
	m := &recordingMuxer{baseMuxer: newBaseMuxer(ContainerUnknown, opts)}
	m.writeOrdered = func(f *EncodedFrame, id StreamID) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.writes = append(m.writes, f.Clone())
		return nil
	}
	return m
}

func (m *recordingMuxer) written() []*EncodedFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*EncodedFrame(nil), m.writes...)
}

func TestMuxer_AddStreamRules(t *testing.T) {
	m := newRecordingMuxer(MuxerOptions{Clock: clock.NewMock()})
	m.SetOutput(&memorySink{})

	if _, err := m.AddStream(DefaultAudioCodecConfig()); err != nil {
		t.Fatalf("AddStream(audio) error = %v", err)
	}
	if _, err := m.AddStream(DefaultAudioCodecConfig()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("second audio AddStream error = %v, want ErrInvalidArgument", err)
	}
	if _, err := m.AddStream(DefaultVideoCodecConfig()); err != nil {
		t.Fatalf("AddStream(video) error = %v", err)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	if _, err := m.AddStream(DefaultAudioCodecConfig()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("AddStream after Start error = %v, want ErrInvalidState", err)
	}
}

func TestMuxer_StartRequiresSinkAndStreams(t *testing.T) {
	m := newRecordingMuxer(MuxerOptions{Clock: clock.NewMock()})
	if err := m.Start(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Start without sink error = %v, want ErrInvalidState", err)
	}

	m.SetOutput(&memorySink{})
	if err := m.Start(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Start without streams error = %v, want ErrInvalidState", err)
	}
}

func TestMuxer_StopIdempotentAndClearsStreams(t *testing.T) {
	m := newRecordingMuxer(MuxerOptions{Clock: clock.NewMock()})
	m.SetOutput(&memorySink{})
	if _, err := m.AddStream(DefaultVideoCodecConfig()); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop error = %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("second Stop error = %v", err)
	}

	// The stream table is per session; the same kind registers again.
	if _, err := m.AddStream(DefaultVideoCodecConfig()); err != nil {
		t.Fatalf("AddStream after Stop error = %v", err)
	}
}

func TestMuxer_StopBeforeStartClearsStreams(t *testing.T) {
	m := newRecordingMuxer(MuxerOptions{Clock: clock.NewMock()})
	m.SetOutput(&memorySink{})

	if _, err := m.AddStream(DefaultVideoCodecConfig()); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop before Start error = %v", err)
	}

	// A session abandoned before Start must leave no registrations
	// behind.
	if _, err := m.AddStream(DefaultVideoCodecConfig()); err != nil {
		t.Fatalf("AddStream after pre-start Stop error = %v", err)
	}
}

func TestMuxer_RemoveStream(t *testing.T) {
	m := newRecordingMuxer(MuxerOptions{Clock: clock.NewMock()})
	m.SetOutput(&memorySink{})

	id, err := m.AddStream(DefaultVideoCodecConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveStream(id); err != nil {
		t.Fatalf("RemoveStream error = %v", err)
	}
	if err := m.RemoveStream(id); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("second RemoveStream error = %v, want ErrUnknownStream", err)
	}

	// The kind is free again after removal.
	id, err = m.AddStream(DefaultVideoCodecConfig())
	if err != nil {
		t.Fatalf("AddStream after remove error = %v", err)
	}

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()
	if err := m.RemoveStream(id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("RemoveStream while started error = %v, want ErrInvalidState", err)
	}
}

func TestMuxer_WriteFrameValidation(t *testing.T) {
	m := newRecordingMuxer(MuxerOptions{Clock: clock.NewMock()})
	m.SetOutput(&memorySink{})

	if err := m.WriteFrame(videoFrame(0), 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("WriteFrame before Start error = %v, want ErrInvalidState", err)
	}

	vid, err := m.AddStream(DefaultVideoCodecConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	if err := m.WriteFrame(videoFrame(0), vid+99); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("WriteFrame(unknown id) error = %v, want ErrUnknownStream", err)
	}
	if err := m.WriteFrame(audioFrame(0), vid); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("audio frame on video stream error = %v, want ErrInvalidArgument", err)
	}
}

func TestMuxer_WritesInterleavedInOrder(t *testing.T) {
	m := newRecordingMuxer(MuxerOptions{Clock: clock.NewMock()})
	m.SetOutput(&memorySink{})

	vid, err := m.AddStream(DefaultVideoCodecConfig())
	if err != nil {
		t.Fatal(err)
	}
	aid, err := m.AddStream(DefaultAudioCodecConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	// Video ahead of audio: held until audio catches up, then the audio
	// frame itself waits for video to pass it.
	if err := m.WriteFrame(videoFrame(0), vid); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteFrame(videoFrame(33), vid); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteFrame(audioFrame(40), aid); err != nil {
		t.Fatal(err)
	}
	if got := m.written(); len(got) != 2 {
		t.Fatalf("wrote %d frames, want 2", len(got))
	}
	if err := m.WriteFrame(videoFrame(66), vid); err != nil {
		t.Fatal(err)
	}

	got := m.written()
	if len(got) != 3 {
		t.Fatalf("wrote %d frames, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].PTS < got[i-1].PTS {
			t.Fatalf("write order not monotonic: %d before %d", got[i-1].PTS, got[i].PTS)
		}
	}
}

func TestTSMuxer_ServiceInfoReset(t *testing.T) {
	m := NewTSMuxer(MuxerOptions{Clock: clock.NewMock()})

	m.SetServiceInfo(TSServiceInfo{ID: 1, Name: "cam", Provider: "castkit"})
	if got := len(m.Services()); got != 1 {
		t.Fatalf("Services() len = %d, want 1", got)
	}

	m.ResetServices()
	if got := len(m.Services()); got != 0 {
		t.Fatalf("Services() len after reset = %d, want 0", got)
	}
}

func TestTSMuxer_CodecSupport(t *testing.T) {
	m := NewTSMuxer(MuxerOptions{Clock: clock.NewMock()})

	opus := DefaultAudioCodecConfig()
	opus.Codec = AudioCodecOpus
	if _, err := m.AddStream(opus); !errors.Is(err, ErrCodecNotSupported) {
		t.Errorf("AddStream(Opus) error = %v, want ErrCodecNotSupported", err)
	}
	vp8 := DefaultVideoCodecConfig()
	vp8.Codec = VideoCodecVP8
	if _, err := m.AddStream(vp8); !errors.Is(err, ErrCodecNotSupported) {
		t.Errorf("AddStream(VP8) error = %v, want ErrCodecNotSupported", err)
	}

	if _, err := m.AddStream(DefaultAudioCodecConfig()); err != nil {
		t.Errorf("AddStream(AAC) error = %v", err)
	}
	if _, err := m.AddStream(DefaultVideoCodecConfig()); err != nil {
		t.Errorf("AddStream(H264) error = %v", err)
	}
}

func TestFLVMuxer_WritesHeaderOnStart(t *testing.T) {
	sink := &memorySink{}
	sink.opened = true
	m := NewFLVMuxer(MuxerOptions{Clock: clock.NewMock()})
	m.SetOutput(sink)

	if _, err := m.AddStream(DefaultVideoCodecConfig()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddStream(DefaultAudioCodecConfig()); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	defer m.Stop()

	// FLV signature, version, flags and the first previous-tag-size.
	if sink.buf.Len() < 13 {
		t.Fatalf("sink holds %d bytes after Start, want the FLV header", sink.buf.Len())
	}
	if got := string(sink.buf.Bytes()[:3]); got != "FLV" {
		t.Errorf("header signature = %q, want FLV", got)
	}
}
