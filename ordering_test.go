package castkit

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func audioFrame(pts int64) *EncodedFrame {
	return &EncodedFrame{Kind: KindAudio, PTS: pts, Data: []byte{0x01}}
}

func videoFrame(pts int64) *EncodedFrame {
	return &EncodedFrame{Kind: KindVideo, PTS: pts, Data: []byte{0x02}}
}

type emitRecorder struct {
	frames []*EncodedFrame
	err    error
}

func (r *emitRecorder) emit(f *EncodedFrame) error {
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *emitRecorder) ptsOrder() []int64 {
	out := make([]int64, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.PTS
	}
	return out
}

func TestFrameOrderingQueue_Monotonic(t *testing.T) {
	rec := &emitRecorder{}
	q := NewFrameOrderingQueue(FrameOrderingQueueConfig{
		Emit:  rec.emit,
		Kinds: []MediaKind{KindAudio, KindVideo},
		Clock: clock.NewMock(),
	})

	// Audio every 20ms, video every 33ms, arriving interleaved but with
	// the video side lagging.
	inputs := []*EncodedFrame{
		audioFrame(0),
		audioFrame(20),
		audioFrame(40),
		videoFrame(0),
		videoFrame(33),
		audioFrame(60),
		videoFrame(66),
		audioFrame(80),
	}
	for _, f := range inputs {
		if err := q.Enqueue(f); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", f.PTS, err)
		}
	}

	got := rec.ptsOrder()
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("emitted PTS order %v not monotonic at index %d", got, i)
		}
	}
	// Frames up to min(lastSeen) = min(80, 66) = 66 must be out by now.
	want := []int64{0, 0, 20, 33, 40, 60, 66}
	if len(got) != len(want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("emitted %v, want %v", got, want)
		}
	}
}

func TestFrameOrderingQueue_SingleKindBypass(t *testing.T) {
	rec := &emitRecorder{}
	q := NewFrameOrderingQueue(FrameOrderingQueueConfig{
		Emit:  rec.emit,
		Kinds: []MediaKind{KindVideo},
		Clock: clock.NewMock(),
	})

	for _, pts := range []int64{0, 33, 66} {
		if err := q.Enqueue(videoFrame(pts)); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", pts, err)
		}
		// Single-kind streams must see zero added latency.
		if got := len(rec.frames); got == 0 || rec.frames[got-1].PTS != pts {
			t.Fatalf("frame %d not emitted immediately, emitted = %v", pts, rec.ptsOrder())
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestFrameOrderingQueue_HoldsUntilCounterpart(t *testing.T) {
	rec := &emitRecorder{}
	q := NewFrameOrderingQueue(FrameOrderingQueueConfig{
		Emit:  rec.emit,
		Kinds: []MediaKind{KindAudio, KindVideo},
		Clock: clock.NewMock(),
	})

	if err := q.Enqueue(videoFrame(0)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(videoFrame(33)); err != nil {
		t.Fatal(err)
	}
	if len(rec.frames) != 0 {
		t.Fatalf("video emitted before any audio arrived: %v", rec.ptsOrder())
	}

	if err := q.Enqueue(audioFrame(40)); err != nil {
		t.Fatal(err)
	}
	// The sync point is min(lastSeen) = min(40, 33) = 33: both video
	// frames are safe, the audio frame at 40 stays held until video
	// reaches it.
	want := []int64{0, 33}
	got := rec.ptsOrder()
	if len(got) != len(want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 held audio frame", q.Len())
	}

	if err := q.Enqueue(videoFrame(66)); err != nil {
		t.Fatal(err)
	}
	// Video at 66 moves the sync point to 40 and releases the audio.
	want = []int64{0, 33, 40}
	got = rec.ptsOrder()
	if len(got) != len(want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	for i, pts := range want {
		if got[i] != pts {
			t.Fatalf("emitted %v, want %v", got, want)
		}
	}
}

func TestFrameOrderingQueue_ScheduledFlush(t *testing.T) {
	mock := clock.NewMock()
	rec := &emitRecorder{}
	q := NewFrameOrderingQueue(FrameOrderingQueueConfig{
		Emit:  rec.emit,
		Kinds: []MediaKind{KindAudio, KindVideo},
		Clock: mock,
	})

	// Video stalls: only audio arrives.
	if err := q.Enqueue(audioFrame(0)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(audioFrame(20)); err != nil {
		t.Fatal(err)
	}
	if len(rec.frames) != 0 {
		t.Fatalf("frames emitted without counterpart: %v", rec.ptsOrder())
	}

	mock.Add(DefaultFlushDelay)

	if got := len(rec.frames); got != 2 {
		t.Fatalf("flush emitted %d frames, want 2", got)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after flush, want 0", q.Len())
	}
}

func TestFrameOrderingQueue_FlushRearmsOnEnqueue(t *testing.T) {
	mock := clock.NewMock()
	rec := &emitRecorder{}
	q := NewFrameOrderingQueue(FrameOrderingQueueConfig{
		Emit:       rec.emit,
		Kinds:      []MediaKind{KindAudio, KindVideo},
		FlushDelay: 100 * time.Millisecond,
		Clock:      mock,
	})

	if err := q.Enqueue(audioFrame(0)); err != nil {
		t.Fatal(err)
	}
	mock.Add(60 * time.Millisecond)
	if err := q.Enqueue(audioFrame(20)); err != nil {
		t.Fatal(err)
	}
	// The first deadline passes but the timer was rearmed.
	mock.Add(60 * time.Millisecond)
	if len(rec.frames) != 0 {
		t.Fatalf("flush fired before the rearmed deadline: %v", rec.ptsOrder())
	}
	mock.Add(40 * time.Millisecond)
	if got := len(rec.frames); got != 2 {
		t.Fatalf("flush emitted %d frames, want 2", got)
	}
}

func TestFrameOrderingQueue_Clear(t *testing.T) {
	mock := clock.NewMock()
	rec := &emitRecorder{}
	q := NewFrameOrderingQueue(FrameOrderingQueueConfig{
		Emit:  rec.emit,
		Kinds: []MediaKind{KindAudio, KindVideo},
		Clock: mock,
	})

	if err := q.Enqueue(audioFrame(100)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(audioFrame(120)); err != nil {
		t.Fatal(err)
	}
	if err := q.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after Clear, want 0", q.Len())
	}

	// Pending flush must be cancelled.
	mock.Add(DefaultFlushDelay * 2)
	if len(rec.frames) != 0 {
		t.Fatalf("cancelled flush still emitted: %v", rec.ptsOrder())
	}

	// Stale sync points must not leak into the next session.
	if err := q.Enqueue(videoFrame(0)); err != nil {
		t.Fatal(err)
	}
	if len(rec.frames) != 0 {
		t.Fatalf("frame emitted against stale sync point: %v", rec.ptsOrder())
	}
}

func TestFrameOrderingQueue_FlushErrorSurfacesOnEnqueue(t *testing.T) {
	mock := clock.NewMock()
	sinkErr := errors.New("sink gone")
	rec := &emitRecorder{err: sinkErr}
	q := NewFrameOrderingQueue(FrameOrderingQueueConfig{
		Emit:  rec.emit,
		Kinds: []MediaKind{KindAudio, KindVideo},
		Clock: mock,
	})

	if err := q.Enqueue(audioFrame(0)); err != nil {
		t.Fatal(err)
	}
	mock.Add(DefaultFlushDelay)

	if err := q.Enqueue(audioFrame(20)); !errors.Is(err, sinkErr) {
		t.Fatalf("Enqueue after failed flush error = %v, want %v", err, sinkErr)
	}
}
