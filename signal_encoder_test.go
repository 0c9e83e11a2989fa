package castkit

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type frameCollector struct {
	mu     sync.Mutex
	frames []*EncodedFrame
}

func (c *frameCollector) listener() EncoderListener {
	return EncoderListener{OnFrame: func(f *EncodedFrame) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.frames = append(c.frames, f.Clone())
		f.Release()
	}}
}

func (c *frameCollector) collected() []*EncodedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*EncodedFrame(nil), c.frames...)
}

func (c *frameCollector) waitFor(t *testing.T, n int) []*EncodedFrame {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		got := c.collected()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("collected %d frames, want %d", len(got), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSignalEncoder_EmitsInitFrameFirst(t *testing.T) {
	mock := clock.NewMock()
	col := &frameCollector{}
	e := newSignalEncoder(SignalEncoderConfig{
		Kind:     KindVideo,
		Interval: 33 * time.Millisecond,
		GOP:      3,
		Clock:    mock,
	}, 2_000_000, nil, col.listener())

	if err := e.StartStream(); err != nil {
		t.Fatal(err)
	}
	defer e.Release()

	got := col.collected()
	if len(got) != 1 {
		t.Fatalf("frames after StartStream = %d, want the init frame", len(got))
	}
	if !got[0].Init || !got[0].Key || got[0].PTS != 0 {
		t.Errorf("first frame = %+v, want keyed init frame at PTS 0", got[0])
	}
}

func TestSignalEncoder_TimestampsAdvanceByInterval(t *testing.T) {
	mock := clock.NewMock()
	interval := 20 * time.Millisecond
	col := &frameCollector{}
	e := newSignalEncoder(SignalEncoderConfig{
		Kind:     KindAudio,
		Interval: interval,
		Clock:    mock,
	}, 128_000, nil, col.listener())

	if err := e.StartStream(); err != nil {
		t.Fatal(err)
	}
	defer e.Release()

	// Advance tick by tick so no tick is conflated away.
	for i := 0; i < 3; i++ {
		mock.Add(interval)
		col.waitFor(t, i+2)
	}
	got := col.waitFor(t, 4) // Init frame plus three ticks.

	for i := 1; i < 4; i++ {
		want := int64(i-1) * int64(interval)
		if got[i].PTS != want {
			t.Errorf("frame %d PTS = %d, want %d", i, got[i].PTS, want)
		}
		// Every audio frame is independently decodable.
		if !got[i].Key {
			t.Errorf("audio frame %d not marked key", i)
		}
	}
}

func TestSignalEncoder_ResetRestoresInitialState(t *testing.T) {
	mock := clock.NewMock()
	interval := 33 * time.Millisecond
	col := &frameCollector{}
	e := newSignalEncoder(SignalEncoderConfig{
		Kind:     KindVideo,
		Interval: interval,
		Clock:    mock,
	}, 2_000_000, nil, col.listener())

	if err := e.StartStream(); err != nil {
		t.Fatal(err)
	}
	mock.Add(interval)
	col.waitFor(t, 2)
	mock.Add(interval)
	col.waitFor(t, 3)

	if err := e.Reset(); err != nil {
		t.Fatalf("Reset error = %v", err)
	}

	// A fresh start replays the init frame at PTS 0.
	if err := e.StartStream(); err != nil {
		t.Fatalf("StartStream after Reset error = %v", err)
	}
	defer e.Release()

	got := col.collected()
	last := got[len(got)-1]
	if !last.Init || last.PTS != 0 {
		t.Errorf("post-reset first frame = %+v, want init frame at PTS 0", last)
	}
}

func TestSignalEncoder_DoubleStartFails(t *testing.T) {
	e := newSignalEncoder(SignalEncoderConfig{
		Kind:     KindAudio,
		Interval: time.Millisecond,
		Clock:    clock.NewMock(),
	}, 0, nil, EncoderListener{})

	if err := e.StartStream(); err != nil {
		t.Fatal(err)
	}
	defer e.Release()
	if err := e.StartStream(); err != ErrStreaming {
		t.Fatalf("second StartStream error = %v, want ErrStreaming", err)
	}
	if err := e.StopStream(); err != nil {
		t.Fatal(err)
	}
	if err := e.StopStream(); err != nil {
		t.Fatalf("second StopStream error = %v", err)
	}
}

func TestEncoderRegistry_BuildsSignalEncoders(t *testing.T) {
	audio, err := NewAudioEncoderFor(DefaultAudioCodecConfig(), EncoderListener{})
	if err != nil {
		t.Fatalf("NewAudioEncoderFor(AAC) error = %v", err)
	}
	if audio.Kind() != KindAudio {
		t.Errorf("audio encoder Kind() = %v", audio.Kind())
	}

	video, err := NewVideoEncoderFor(DefaultVideoCodecConfig(), Rotation90, EncoderListener{})
	if err != nil {
		t.Fatalf("NewVideoEncoderFor(H264) error = %v", err)
	}
	if s := video.Surface(); s == nil || !s.Rotation.Transposed() {
		t.Errorf("video encoder surface = %+v, want transposed rotation", s)
	}

	unknown := DefaultVideoCodecConfig()
	unknown.Codec = VideoCodecH265
	if _, err := NewVideoEncoderFor(unknown, Rotation0, EncoderListener{}); err == nil {
		t.Error("NewVideoEncoderFor(H265) succeeded with no registered factory")
	}
}
