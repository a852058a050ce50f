package wsproto

import (
	"testing"

	"github.com/relaykit/relay/internal/bufpool"
)

// maskedClientFrame builds a masked client→server frame the way a real
// browser would send it, for decode round-trip tests.
func maskedClientFrame(opcode Opcode, payload []byte, key [4]byte) []byte {
	masked := make([]byte, len(payload))
	copy(masked, payload)
	for i := range masked {
		masked[i] ^= key[i%4]
	}
	var hdr []byte
	n := len(payload)
	switch {
	case n <= 125:
		hdr = []byte{0x80 | byte(opcode), 0x80 | byte(n)}
	default:
		t := []byte{0x80 | byte(opcode), 0x80 | 126, byte(n >> 8), byte(n)}
		hdr = t
	}
	out := append(hdr, key[:]...)
	return append(out, masked...)
}

func TestDecodeMaskedClientFrame(t *testing.T) {
	key := [4]byte{0x12, 0x34, 0x56, 0x78}
	wire := maskedClientFrame(OpText, []byte("ping"), key)

	buf := bufpool.NewBuffer(64, nil)
	buf.Append(wire)

	var got Frame
	p := NewParser()
	p.OnFrame = func(f Frame) error { got = f; return nil }
	if err := p.Feed(buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Opcode != OpText || string(got.Payload) != "ping" || !got.Fin {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	wire := Encode(OpBinary, payload)

	buf := bufpool.NewBuffer(64, nil)
	buf.Append(wire)

	var got Frame
	p := NewParser()
	p.OnFrame = func(f Frame) error { got = f; return nil }
	if err := p.Feed(buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Opcode != OpBinary || string(got.Payload) != string(payload) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestParserResumesAcrossFragmentedFeed(t *testing.T) {
	key := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
	wire := maskedClientFrame(OpText, []byte("fragmented payload test"), key)

	buf := bufpool.NewBuffer(64, nil)
	var frames []Frame
	p := NewParser()
	p.OnFrame = func(f Frame) error { frames = append(frames, f); return nil }

	for i := 0; i < len(wire); i++ {
		buf.Append(wire[i : i+1])
		if err := p.Feed(buf); err != nil {
			t.Fatalf("byte %d: unexpected error: %v", i, err)
		}
	}

	if len(frames) != 1 || string(frames[0].Payload) != "fragmented payload test" {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestAcceptMatchesRFCExample(t *testing.T) {
	got := Accept("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
