package castkit

import "io"

// ContainerType identifies the container format of a destination.
type ContainerType int

const (
	ContainerUnknown ContainerType = iota
	ContainerTS                    // MPEG transport stream
	ContainerFLV
	ContainerMP4 // Fragmented MP4
	ContainerWebM
)

func (c ContainerType) String() string {
	switch c {
	case ContainerTS:
		return "MPEG-TS"
	case ContainerFLV:
		return "FLV"
	case ContainerMP4:
		return "MP4"
	case ContainerWebM:
		return "WebM"
	default:
		return "Unknown"
	}
}

// SinkType identifies where container bytes are delivered.
type SinkType int

const (
	SinkUnknown SinkType = iota
	SinkFile             // Local file path
	SinkWriter           // Caller-provided io.WriteCloser (content stream)
	SinkSRT              // SRT network endpoint
	SinkRTMP             // RTMP network endpoint
)

func (s SinkType) String() string {
	switch s {
	case SinkFile:
		return "File"
	case SinkWriter:
		return "Writer"
	case SinkSRT:
		return "SRT"
	case SinkRTMP:
		return "RTMP"
	default:
		return "Unknown"
	}
}

// Local reports whether the sink writes to this device rather than a
// network peer.
func (s SinkType) Local() bool {
	return s == SinkFile || s == SinkWriter
}

// TSServiceInfo describes the transport stream service carried in a TS
// destination (PAT/PMT/SDT metadata).
type TSServiceInfo struct {
	ID       uint16
	Name     string
	Provider string
}

// Destination describes where a streaming session should go. It is consumed
// once at Endpoint.Open time; only the (Container, Sink) pair identifies the
// resolved endpoint for caching.
type Destination struct {
	Container ContainerType
	Sink      SinkType
	Address   string         // Path (file), URI or host:port (network)
	Writer    io.WriteCloser // Output for SinkWriter destinations
	Service   *TSServiceInfo // Optional, TS only
}

// Key returns the cache identity of the destination.
func (d Destination) Key() DestinationKey {
	return DestinationKey{Container: d.Container, Sink: d.Sink}
}

// DestinationKey is the (container, sink) pair used to memoize resolved
// endpoints. Addresses differ per Open call; the underlying muxer and sink
// types are reused once built.
type DestinationKey struct {
	Container ContainerType
	Sink      SinkType
}
