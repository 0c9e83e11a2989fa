package castkit

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	srt "github.com/datarhei/gosrt"
)

// SRTSink delivers container bytes (typically MPEG-TS) to an SRT peer in
// caller mode. Addresses look like "srt://host:port?streamid=abc" or a bare
// "host:port".
type SRTSink struct {
	sinkMetrics
	mu   sync.Mutex
	conn srt.Conn
}

// NewSRTSink creates an unopened SRT sink.
func NewSRTSink() *SRTSink { return &SRTSink{} }

func (s *SRTSink) Open(ctx context.Context, dest Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return ErrAlreadyOpen
	}

	host, streamID, err := parseSRTAddress(dest.Address)
	if err != nil {
		return err
	}

	config := srt.DefaultConfig()
	config.StreamId = streamID

	conn, err := srt.Dial("srt", host, config)
	if err != nil {
		return fmt.Errorf("srt dial %s: %w", host, err)
	}
	s.conn = conn
	s.reset()
	return nil
}

func (s *SRTSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, ErrNotOpen
	}
	n, err := conn.Write(p)
	s.count(n)
	return n, err
}

func (s *SRTSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func parseSRTAddress(address string) (host, streamID string, err error) {
	if address == "" {
		return "", "", fmt.Errorf("%w: srt destination needs an address", ErrInvalidArgument)
	}
	u, perr := url.Parse(address)
	if perr != nil || u.Host == "" {
		// Bare host:port form.
		return address, "", nil
	}
	if u.Scheme != "" && u.Scheme != "srt" {
		return "", "", fmt.Errorf("%w: unexpected scheme %q for srt sink", ErrInvalidArgument, u.Scheme)
	}
	return u.Host, u.Query().Get("streamid"), nil
}
