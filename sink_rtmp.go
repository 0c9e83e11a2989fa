package castkit

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	flvtag "github.com/yutopp/go-flv/tag"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// TagSink is implemented by sinks that consume structured FLV tags instead
// of serialized container bytes. The FLV muxer prefers this path when the
// active sink supports it.
type TagSink interface {
	WriteTag(t *flvtag.FlvTag) error
}

// RTMPSink publishes FLV-tagged audio/video to an RTMP server. Addresses
// look like "rtmp://host:port/app/streamKey".
type RTMPSink struct {
	sinkMetrics
	mu     sync.Mutex
	conn   *rtmp.ClientConn
	stream *rtmp.Stream
}

// NewRTMPSink creates an unopened RTMP sink.
func NewRTMPSink() *RTMPSink { return &RTMPSink{} }

func (s *RTMPSink) Open(ctx context.Context, dest Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return ErrAlreadyOpen
	}

	host, app, streamKey, err := parseRTMPAddress(dest.Address)
	if err != nil {
		return err
	}

	conn, err := rtmp.Dial("rtmp", host, &rtmp.ConnConfig{})
	if err != nil {
		return fmt.Errorf("rtmp dial %s: %w", host, err)
	}

	if err := conn.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      app,
			Type:     "nonprivate",
			FlashVer: "FMLE/3.0",
			TCURL:    fmt.Sprintf("rtmp://%s/%s", host, app),
		},
	}); err != nil {
		conn.Close()
		return fmt.Errorf("rtmp connect: %w", err)
	}

	stream, err := conn.CreateStream(&rtmpmsg.NetConnectionCreateStream{}, 128)
	if err != nil {
		conn.Close()
		return fmt.Errorf("rtmp create stream: %w", err)
	}

	if err := stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: streamKey,
		PublishingType: "live",
	}); err != nil {
		conn.Close()
		return fmt.Errorf("rtmp publish %s: %w", streamKey, err)
	}

	s.conn = conn
	s.stream = stream
	s.reset()
	return nil
}

// Write is not supported: RTMP carries messages, not a raw byte stream.
// Use the FLV container, which feeds WriteTag.
func (s *RTMPSink) Write(p []byte) (int, error) {
	return 0, fmt.Errorf("%w: rtmp sink requires FLV tags", ErrNotSupported)
}

// WriteTag sends one FLV tag as the corresponding RTMP message.
func (s *RTMPSink) WriteTag(t *flvtag.FlvTag) error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return ErrNotOpen
	}

	buf := new(bytes.Buffer)
	var msg rtmpmsg.Message
	var chunkStreamID int

	switch data := t.Data.(type) {
	case *flvtag.AudioData:
		if err := flvtag.EncodeAudioData(buf, data); err != nil {
			return fmt.Errorf("encode audio tag: %w", err)
		}
		msg = &rtmpmsg.AudioMessage{Payload: buf}
		chunkStreamID = 5
	case *flvtag.VideoData:
		if err := flvtag.EncodeVideoData(buf, data); err != nil {
			return fmt.Errorf("encode video tag: %w", err)
		}
		msg = &rtmpmsg.VideoMessage{Payload: buf}
		chunkStreamID = 6
	case *flvtag.ScriptData:
		if err := flvtag.EncodeScriptData(buf, data); err != nil {
			return fmt.Errorf("encode script tag: %w", err)
		}
		msg = &rtmpmsg.DataMessage{Name: "@setDataFrame", Body: buf}
		chunkStreamID = 4
	default:
		return fmt.Errorf("%w: flv tag type %T", ErrInvalidArgument, t.Data)
	}

	size := buf.Len()
	if err := stream.Write(chunkStreamID, t.Timestamp, msg); err != nil {
		return fmt.Errorf("rtmp write: %w", err)
	}
	s.count(size)
	return nil
}

func (s *RTMPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.stream = nil
	return err
}

func parseRTMPAddress(address string) (host, app, streamKey string, err error) {
	u, perr := url.Parse(address)
	if perr != nil || u.Scheme != "rtmp" || u.Host == "" {
		return "", "", "", fmt.Errorf("%w: rtmp destination needs rtmp://host[:port]/app/streamKey", ErrInvalidArgument)
	}
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("%w: rtmp destination needs both app and stream key", ErrInvalidArgument)
	}
	host = u.Host
	if !strings.Contains(host, ":") {
		host += ":1935"
	}
	return host, parts[0], parts[1], nil
}
