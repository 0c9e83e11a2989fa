package castkit

import (
	"bytes"
	"testing"
)

func TestNewEncodedFrame_Pooled(t *testing.T) {
	f := NewEncodedFrame(16)
	if len(f.Data) != 16 {
		t.Fatalf("len(Data) = %d, want 16", len(f.Data))
	}
	f.PTS = 100
	f.Kind = KindVideo
	f.Key = true
	f.Release()

	// A reused frame must come back clean.
	g := NewEncodedFrame(8)
	if g.PTS != 0 || g.Key || g.Init {
		t.Errorf("reused frame not reset: %+v", g)
	}
	if len(g.Data) != 8 {
		t.Errorf("len(Data) = %d, want 8", len(g.Data))
	}
	g.Release()
}

func TestEncodedFrame_ReleaseUnpooled(t *testing.T) {
	f := &EncodedFrame{Data: []byte{1, 2, 3}, PTS: 42}
	f.Release()
	// Directly constructed frames are untouched by Release.
	if f.PTS != 42 || len(f.Data) != 3 {
		t.Errorf("Release mutated an unpooled frame: %+v", f)
	}
}

func TestEncodedFrame_Clone(t *testing.T) {
	f := &EncodedFrame{
		Data: []byte{0xde, 0xad},
		PTS:  7,
		Kind: KindAudio,
		Key:  true,
		Init: true,
	}
	c := f.Clone()

	if c.PTS != f.PTS || c.Kind != f.Kind || c.Key != f.Key || c.Init != f.Init {
		t.Errorf("Clone() = %+v, want fields of %+v", c, f)
	}
	if !bytes.Equal(c.Data, f.Data) {
		t.Errorf("Clone data = %v, want %v", c.Data, f.Data)
	}

	// Deep copy: mutating the clone leaves the original alone.
	c.Data[0] = 0x00
	if f.Data[0] != 0xde {
		t.Error("Clone shares the payload buffer")
	}
}
