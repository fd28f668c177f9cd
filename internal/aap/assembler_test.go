package aap

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kstaniek/aa-headunit/internal/metrics"
)

func sameMessages(t *testing.T, got, want []Message) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.Channel != w.Channel || g.ID != w.ID || g.Encrypted != w.Encrypted || !bytes.Equal(g.Payload, w.Payload) {
			t.Fatalf("message %d mismatch\n got=%v\nwant=%v", i, g, w)
		}
	}
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func TestAssembler_RoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 100, 4096, DefaultMaxFrameSize - 2} {
		m := Message{Channel: ChannelMediaAudio, ID: 0x0001, Payload: pattern(n, 3)}
		a := NewAssembler()
		sameMessages(t, a.Feed(EncodeMessage(m, 0)), []Message{m})
		if a.Buffered() != 0 {
			t.Fatalf("n=%d: %d bytes left over", n, a.Buffered())
		}
	}
}

func testStream() ([]byte, []Message) { return testStreamMax(8) }

func testStreamMax(max int) ([]byte, []Message) {
	msgs := []Message{
		{Channel: ChannelControl, ID: MsgVersionResponse, Payload: []byte{0, 1, 0, 1, 0, 0}},
		{Channel: ChannelVideo, ID: 0x0000, Payload: pattern(40, 1)},
		{Channel: ChannelControl, ID: MsgPingRequest, Payload: []byte{9, 9}},
		{Channel: ChannelMediaAudio, ID: 0x0000, Payload: pattern(19, 5)},
	}
	var wire []byte
	for _, m := range msgs {
		wire = append(wire, EncodeMessage(m, max)...)
	}
	return wire, msgs
}

func TestAssembler_PartialDeliveryEveryBoundary(t *testing.T) {
	// tiny frames put a complete short-looking FIRST frame inside the
	// extended header
	for _, max := range []int{1, 2, 3, 8, 0} {
		wire, want := testStreamMax(max)
		for i := 0; i <= len(wire); i++ {
			a := NewAssembler()
			got := a.Feed(wire[:i])
			got = append(got, a.Feed(wire[i:])...)
			if len(got) != len(want) {
				t.Fatalf("max=%d split=%d: got %d messages, want %d", max, i, len(got), len(want))
			}
			sameMessages(t, got, want)
		}
	}
}

func TestAssembler_ByteAtATime(t *testing.T) {
	wire, want := testStream()
	a := NewAssembler()
	var got []Message
	for i := range wire {
		got = append(got, a.Feed(wire[i:i+1])...)
	}
	sameMessages(t, got, want)
}

func TestAssembler_ResyncLeadingGarbage(t *testing.T) {
	m := Message{Channel: ChannelControl, ID: MsgPingRequest, Payload: []byte("ping")}
	before := metrics.Snap().Malformed
	a := NewAssembler()
	got := a.Feed(append([]byte{0xff}, EncodeMessage(m, 0)...))
	sameMessages(t, got, []Message{m})
	if metrics.Snap().Malformed <= before {
		t.Fatalf("expected malformed counter increment")
	}
}

func TestAssembler_ShortFormFirstFrame(t *testing.T) {
	// FIRST with frame_size=100 whose first payload bytes look like total=50.
	first := []byte{1, byte(FrameFirst), 0, 100}
	body := append([]byte{0, 0, 0, 50}, pattern(96, 2)...)
	last := []byte{1, byte(FrameLast), 0, 2, 0xAA, 0xBB}
	wire := append(append(first, body...), last...)
	out := NewAssembler().Feed(wire)
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	full := append(bytes.Clone(body), 0xAA, 0xBB)
	if out[0].ID != 0 || !bytes.Equal(out[0].Payload, full[2:]) {
		t.Fatalf("payload mismatch: id=%d len=%d", out[0].ID, len(out[0].Payload))
	}
}

func TestAssembler_InterleavedChannels(t *testing.T) {
	va := Message{Channel: ChannelVideo, ID: 1, Payload: pattern(30, 1)}
	au := Message{Channel: ChannelMediaAudio, ID: 2, Payload: pattern(30, 9)}
	fv := framesOf(EncodeMessage(va, 8))
	fa := framesOf(EncodeMessage(au, 8))
	var wire []byte
	for i := 0; i < len(fv) || i < len(fa); i++ {
		if i < len(fv) {
			wire = append(wire, fv[i]...)
		}
		if i < len(fa) {
			wire = append(wire, fa[i]...)
		}
	}
	got := NewAssembler().Feed(wire)
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	for _, m := range got {
		want := va
		if m.Channel == ChannelMediaAudio {
			want = au
		}
		if m.ID != want.ID || !bytes.Equal(m.Payload, want.Payload) {
			t.Fatalf("mismatch on %s", m.Channel)
		}
	}
}

func TestAssembler_OrphanFramesDropped(t *testing.T) {
	middle := []byte{3, byte(FrameMiddle), 0, 2, 1, 2}
	last := []byte{3, byte(FrameLast), 0, 2, 3, 4}
	a := NewAssembler()
	if got := a.Feed(append(middle, last...)); len(got) != 0 {
		t.Fatalf("orphan frames produced %d messages", len(got))
	}
	if a.Buffered() != 0 {
		t.Fatalf("orphans left %d bytes buffered", a.Buffered())
	}
}

func TestAssembler_FirstReplacesPending(t *testing.T) {
	// zero payload keeps the peeked total below frame_size, so short form
	stale := append([]byte{3, byte(FrameFirst), 1, 0}, make([]byte, 256)...)
	m := Message{Channel: ChannelVideo, ID: 7, Payload: pattern(20, 4)}
	got := NewAssembler().Feed(append(stale, EncodeMessage(m, 8)...))
	sameMessages(t, got, []Message{m})
}

func TestAssembler_ShortBodyDropped(t *testing.T) {
	before := metrics.Snap().Malformed
	got := NewAssembler().Feed([]byte{0, byte(FrameBulk), 0, 1, 0x42})
	if len(got) != 0 {
		t.Fatalf("1-byte body produced a message")
	}
	if metrics.Snap().Malformed <= before {
		t.Fatalf("expected malformed counter increment")
	}
}

func TestAssembler_Reset(t *testing.T) {
	m := Message{Channel: ChannelVideo, ID: 1, Payload: pattern(30, 1)}
	wire := EncodeMessage(m, 8)
	a := NewAssembler()
	_ = a.Feed(wire[:len(wire)-3])
	a.Reset()
	if a.Buffered() != 0 {
		t.Fatalf("buffer not cleared")
	}
	if got := a.Feed(wire[len(wire)-3:]); len(got) != 0 {
		t.Fatalf("tail after reset produced %d messages", len(got))
	}
}

type xorCipher struct {
	key  byte
	fail bool
}

func (x xorCipher) Encrypt(b []byte) ([]byte, error) { return x.apply(b) }
func (x xorCipher) Decrypt(b []byte) ([]byte, error) { return x.apply(b) }

func (x xorCipher) apply(b []byte) ([]byte, error) {
	if x.fail {
		return nil, errors.New("bad record mac")
	}
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ x.key
	}
	return out, nil
}

func TestAssembler_SealedRoundTrip(t *testing.T) {
	c := xorCipher{key: 0x5A}
	m := Message{Channel: ChannelControl, ID: MsgServiceDiscoveryResponse, Payload: pattern(50, 8), Encrypted: true}
	wire, err := EncodeSealed(m, c, 16)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	h, _, _ := ParseHeader(wire)
	if !h.Encrypted {
		t.Fatalf("sealed frame missing encryption flag")
	}
	a := NewAssembler()
	a.SetOpener(c)
	sameMessages(t, a.Feed(wire), []Message{m})
}

func TestAssembler_DecryptFailureDropsMessage(t *testing.T) {
	m := Message{Channel: ChannelControl, ID: MsgPingRequest, Payload: []byte{1}, Encrypted: true}
	wire, _ := EncodeSealed(m, xorCipher{key: 1}, 0)
	a := NewAssembler()
	a.SetOpener(xorCipher{fail: true})
	if got := a.Feed(wire); len(got) != 0 {
		t.Fatalf("undecryptable frame produced a message")
	}
}

func TestEncodeSealed_PropagatesError(t *testing.T) {
	m := Message{Channel: ChannelControl, ID: MsgPingRequest}
	if _, err := EncodeSealed(m, xorCipher{fail: true}, 0); err == nil {
		t.Fatalf("expected seal error")
	}
}

// framesOf splits well-formed wire bytes into per-frame slices.
func framesOf(wire []byte) [][]byte {
	var out [][]byte
	for off := 0; off < len(wire); {
		h, n, err := ParseHeader(wire[off:])
		if err != nil {
			return out
		}
		end := off + n + int(h.FrameSize)
		out = append(out, wire[off:end])
		off = end
	}
	return out
}
