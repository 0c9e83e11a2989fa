package castkit

import (
	"container/heap"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultFlushDelay bounds how long the ordering queue waits for the
// counterpart stream before force-flushing what it holds. It assumes video
// encode latency exceeds audio encode latency by less than this window; the
// value is a tunable heuristic, not a verified invariant.
const DefaultFlushDelay = 100 * time.Millisecond

// FrameOrderingQueueConfig configures a FrameOrderingQueue.
type FrameOrderingQueueConfig struct {
	// Emit receives frames in non-decreasing PTS order.
	Emit func(*EncodedFrame) error

	// Kinds lists the stream kinds that will be enqueued. With a single
	// kind the queue bypasses ordering and emits immediately.
	Kinds []MediaKind

	// FlushDelay overrides DefaultFlushDelay when > 0.
	FlushDelay time.Duration

	// Clock drives the scheduled flush; tests inject a mock. Nil means
	// the wall clock.
	Clock clock.Clock
}

// FrameOrderingQueue interleaves two monotonic streams of encoded frames
// into one non-decreasing PTS order. A frame of one kind is released once
// the other kind has produced a frame with an equal or later timestamp; a
// scheduled flush bounds the added latency when the counterpart stream
// stalls.
type FrameOrderingQueue struct {
	emit       func(*EncodedFrame) error
	flushDelay time.Duration
	clk        clock.Clock
	singleKind bool

	mu       sync.Mutex // Serializes enqueue, scheduled flush and clear
	queue    frameHeap
	seq      uint64
	lastSeen map[MediaKind]int64
	timer    *clock.Timer
	err      error
}

// NewFrameOrderingQueue creates an ordering queue. Config.Emit is required.
func NewFrameOrderingQueue(cfg FrameOrderingQueueConfig) *FrameOrderingQueue {
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = DefaultFlushDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	q := &FrameOrderingQueue{
		emit:       cfg.Emit,
		flushDelay: cfg.FlushDelay,
		clk:        cfg.Clock,
		singleKind: len(cfg.Kinds) < 2,
		lastSeen:   make(map[MediaKind]int64),
	}
	return q
}

// Enqueue inserts a frame. Safe for concurrent use by the audio and video
// producer callbacks. Returns any error stored by a previous scheduled
// flush before accepting new frames.
func (q *FrameOrderingQueue) Enqueue(f *EncodedFrame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.takeErr(); err != nil {
		return err
	}

	if q.singleKind {
		return q.emit(f)
	}

	heap.Push(&q.queue, orderedFrame{frame: f, seq: q.seq})
	q.seq++
	if last, ok := q.lastSeen[f.Kind]; !ok || f.PTS > last {
		q.lastSeen[f.Kind] = f.PTS
	}

	if err := q.emitSafe(); err != nil {
		return err
	}
	q.armFlush()
	return nil
}

// Clear drops all buffered frames and cancels any pending scheduled flush.
// Call when a stream stops so stale frames never leak into a restart.
// Returns any error stored by a previous scheduled flush.
func (q *FrameOrderingQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	for q.queue.Len() > 0 {
		of := heap.Pop(&q.queue).(orderedFrame)
		of.frame.Release()
	}
	q.seq = 0
	q.lastSeen = make(map[MediaKind]int64)
	return q.takeErr()
}

// Len returns the number of buffered frames.
func (q *FrameOrderingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}

func (q *FrameOrderingQueue) takeErr() error {
	err := q.err
	q.err = nil
	return err
}

// emitSafe releases every frame no later than the counterpart sync point.
// Only valid once both kinds have been seen; per-kind arrival order is
// monotonic, so nothing earlier can still arrive.
func (q *FrameOrderingQueue) emitSafe() error {
	if len(q.lastSeen) < 2 {
		return nil
	}
	syncPoint := q.lastSeen[KindAudio]
	if v := q.lastSeen[KindVideo]; v < syncPoint {
		syncPoint = v
	}
	return q.emitThrough(syncPoint)
}

func (q *FrameOrderingQueue) emitThrough(pts int64) error {
	for q.queue.Len() > 0 && q.queue[0].frame.PTS <= pts {
		of := heap.Pop(&q.queue).(orderedFrame)
		if err := q.emit(of.frame); err != nil {
			return err
		}
	}
	return nil
}

// armFlush (re)schedules the starvation fallback: if no new frame arrives
// within the flush delay, everything queued is synced to the latest known
// timestamp and emitted.
func (q *FrameOrderingQueue) armFlush() {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = q.clk.AfterFunc(q.flushDelay, q.scheduledFlush)
}

func (q *FrameOrderingQueue) scheduledFlush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queue.Len() == 0 {
		return
	}
	// lastSeen tracks the max PTS per kind, so its max bounds every
	// queued frame.
	var latest int64
	for _, ts := range q.lastSeen {
		if ts > latest {
			latest = ts
		}
	}
	if err := q.emitThrough(latest); err != nil {
		// Surface to the next Enqueue or Clear caller.
		q.err = err
	}
}

// orderedFrame ties a frame to its arrival sequence so equal timestamps
// emit in arrival order.
type orderedFrame struct {
	frame *EncodedFrame
	seq   uint64
}

type frameHeap []orderedFrame

func (h frameHeap) Len() int { return len(h) }
func (h frameHeap) Less(i, j int) bool {
	if h[i].frame.PTS != h[j].frame.PTS {
		return h[i].frame.PTS < h[j].frame.PTS
	}
	return h[i].seq < h[j].seq
}
func (h frameHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *frameHeap) Push(x interface{}) { *h = append(*h, x.(orderedFrame)) }
func (h *frameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
