// Core encoded frame types used across the castkit package.
package castkit

import "sync"

// EncodedFrame holds one encoded access unit handed from an Encoder to an
// Endpoint. Frames are single-owner: once passed to Endpoint.Write the
// producer must not touch them again, and the consumer calls Release once
// the payload has been consumed.
type EncodedFrame struct {
	Data []byte    // Encoded bitstream data
	PTS  int64     // Presentation timestamp in nanoseconds
	Kind MediaKind // Audio or video
	Key  bool      // Keyframe (video) / independently decodable
	Init bool      // Codec configuration payload (SPS/PPS, AudioSpecificConfig, ...)

	pooled bool
}

var framePool = sync.Pool{
	New: func() interface{} { return &EncodedFrame{pooled: true} },
}

// NewEncodedFrame returns a pooled frame with a payload buffer of at least
// size bytes. Callers fill Data and hand the frame downstream; the consumer
// returns it to the pool via Release.
func NewEncodedFrame(size int) *EncodedFrame {
	f := framePool.Get().(*EncodedFrame)
	if cap(f.Data) < size {
		f.Data = make([]byte, size)
	}
	f.Data = f.Data[:size]
	return f
}

// Release returns a pooled frame's buffer for reuse. It is a no-op for
// frames constructed directly.
func (f *EncodedFrame) Release() {
	if !f.pooled {
		return
	}
	f.PTS = 0
	f.Kind = 0
	f.Key = false
	f.Init = false
	framePool.Put(f)
}

// Clone creates a deep copy of the frame. Use this when frame data must
// outlive the single-owner handoff.
func (f *EncodedFrame) Clone() *EncodedFrame {
	clone := &EncodedFrame{
		PTS:  f.PTS,
		Kind: f.Kind,
		Key:  f.Key,
		Init: f.Init,
	}
	if f.Data != nil {
		clone.Data = make([]byte, len(f.Data))
		copy(clone.Data, f.Data)
	}
	return clone
}
