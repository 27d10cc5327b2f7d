package flv

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestHeaderFlags(t *testing.T) {
	cases := []struct {
		audio, video bool
		wantFlags    byte
	}{
		{true, true, 0x05},
		{true, false, 0x04},
		{false, true, 0x01},
	}
	for _, c := range cases {
		var buf bytes.Buffer
		w := NewWriter(&buf, c.audio, c.video)
		if err := w.WriteHeader(); err != nil {
			t.Fatal(err)
		}
		out := buf.Bytes()
		if string(out[:3]) != "FLV" || out[3] != 0x01 {
			t.Fatalf("bad signature: % x", out[:4])
		}
		if out[4] != c.wantFlags {
			t.Fatalf("flags = %#x, want %#x", out[4], c.wantFlags)
		}
		if binary.BigEndian.Uint32(out[5:9]) != 9 {
			t.Fatalf("data offset = %d", binary.BigEndian.Uint32(out[5:9]))
		}
		if binary.BigEndian.Uint32(out[9:13]) != 0 {
			t.Fatal("PreviousTagSize0 not zero")
		}
	}
}

func TestWriteTagLayout(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, true, true)
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	const ts = uint32(0x01020304)
	if err := w.WriteTag(TagVideo, ts, payload); err != nil {
		t.Fatal(err)
	}

	out := buf.Bytes()[13:] // skip header + prev0
	if out[0] != TagVideo {
		t.Fatalf("tag type = %d", out[0])
	}
	size := uint32(out[1])<<16 | uint32(out[2])<<8 | uint32(out[3])
	if size != uint32(len(payload)) {
		t.Fatalf("data size = %d", size)
	}
	gotTS := uint32(out[4])<<16 | uint32(out[5])<<8 | uint32(out[6]) | uint32(out[7])<<24
	if gotTS != ts {
		t.Fatalf("timestamp = %#x, want %#x", gotTS, ts)
	}
	if out[8] != 0 || out[9] != 0 || out[10] != 0 {
		t.Fatal("stream id not zero")
	}
	if !bytes.Equal(out[11:11+len(payload)], payload) {
		t.Fatal("payload mismatch")
	}
	prev := binary.BigEndian.Uint32(out[11+len(payload):])
	if prev != uint32(11+len(payload)) {
		t.Fatalf("previous tag size = %d", prev)
	}
}

func TestHeaderWrittenOnce(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, true, true)
	_ = w.WriteTag(TagAudio, 0, []byte{1})
	lenAfterFirst := buf.Len()
	_ = w.WriteTag(TagAudio, 10, []byte{2})
	// Second tag adds exactly one tag record, no second header.
	if buf.Len() != lenAfterFirst+11+1+4 {
		t.Fatalf("unexpected growth: %d -> %d", lenAfterFirst, buf.Len())
	}
}
