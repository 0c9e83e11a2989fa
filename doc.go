// Package castkit provides the output side of a capture-and-streaming
// pipeline: encoder lifecycle, audio/video frame ordering, container muxing,
// and delivery to local or network sinks.
//
// Key pieces include:
//   - PipelineOutput: orchestrates one audio and one video encoder plus an
//     Endpoint, with safe concurrent configure/start/stop/release
//   - Endpoint/DynamicEndpoint: muxer+sink pairs resolved lazily from a
//     Destination descriptor
//   - FrameOrderingQueue: time-based interleaving of two encoded streams
//   - Muxers for MPEG-TS, FLV, fragmented MP4 and WebM
//   - Sinks for files, caller-provided writers, SRT and RTMP
//
// # Architecture
//
//	Encoder (audio) ─┐
//	                 ├─> PipelineOutput ─> Endpoint ─> Muxer ─> Sink
//	Encoder (video) ─┘                                  │
//	                                           FrameOrderingQueue
//
// Concrete capture devices and codec bitstream encoders are external
// collaborators; encoders are created through registered factories, and the
// package ships a deterministic SignalEncoder for tests and examples.
// Endpoint implementations register themselves with the destination
// registry, so an unsupported container/sink combination fails at Open time
// with ErrUnsupportedDestination rather than deep inside the pipeline.
package castkit
