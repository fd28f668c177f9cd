package aap

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseHeader_Truncated(t *testing.T) {
	for _, in := range [][]byte{nil, {0}, {0, 3, 0}} {
		if _, _, err := ParseHeader(in); !errors.Is(err, ErrTruncatedHeader) {
			t.Fatalf("ParseHeader(% X) err=%v, want ErrTruncatedHeader", in, err)
		}
	}
}

func TestParseHeader_Invalid(t *testing.T) {
	cases := map[string][]byte{
		"reserved flag bit": {0, 0x13, 0, 1},
		"channel too high":  {0xff, 0x03, 0, 1},
	}
	for name, in := range cases {
		if _, _, err := ParseHeader(in); !errors.Is(err, ErrInvalidHeader) {
			t.Fatalf("%s: err=%v, want ErrInvalidHeader", name, err)
		}
	}
}

func TestParseHeader_Flags(t *testing.T) {
	h, n, err := ParseHeader([]byte{3, 0x0B, 0x01, 0x02})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n != ShortHeaderLen {
		t.Fatalf("consumed %d, want 4", n)
	}
	if h.Channel != ChannelVideo || h.Type != FrameBulk || h.MsgType != MessageSpecific || !h.Encrypted || h.FrameSize != 0x0102 {
		t.Fatalf("unexpected header %+v", h)
	}
	h, _, _ = ParseHeader([]byte{0, 0x07, 0, 4})
	if h.MsgType != MessageControl || h.Encrypted || h.Type != FrameBulk {
		t.Fatalf("unexpected header %+v", h)
	}
}

func TestHeader_SerializeInverse(t *testing.T) {
	cases := []FrameHeader{
		{Channel: ChannelControl, Type: FrameBulk, FrameSize: 6},
		{Channel: ChannelVideo, Type: FrameMiddle, Encrypted: true, FrameSize: 16384},
		{Channel: ChannelMediaAudio, Type: FrameLast, MsgType: MessageControl, FrameSize: 1},
		{Channel: ChannelSensor, Type: FrameFirst, FrameSize: 16384, TotalSize: 40000, Extended: true},
		{Channel: ChannelInput, Type: FrameFirst, FrameSize: 10, TotalSize: 10, Extended: true},
	}
	for _, want := range cases {
		wire := want.Bytes()
		if len(wire) != want.Len() {
			t.Fatalf("%+v: encoded %d bytes, want %d", want, len(wire), want.Len())
		}
		got, n, err := ParseHeader(wire)
		if err != nil {
			t.Fatalf("%+v: parse: %v", want, err)
		}
		if n != len(wire) || got != want {
			t.Fatalf("round trip mismatch\n got=%+v n=%d\nwant=%+v", got, n, want)
		}
	}
}

func TestParseHeader_ShortFormWhenTotalBelowFrameSize(t *testing.T) {
	// FIRST, frame_size=100, following u32 = 50
	wire := []byte{1, byte(FrameFirst), 0, 100, 0, 0, 0, 50}
	h, n, err := ParseHeader(wire)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n != ShortHeaderLen || h.Extended || h.TotalSize != 0 {
		t.Fatalf("expected short form, got n=%d %+v", n, h)
	}
}

func TestParseHeader_FirstNeedsEightBytesForExtended(t *testing.T) {
	wire := []byte{1, byte(FrameFirst), 0, 4, 0, 0, 0}
	h, n, err := ParseHeader(wire)
	if err != nil || n != ShortHeaderLen || h.Extended {
		t.Fatalf("got n=%d ext=%v err=%v", n, h.Extended, err)
	}
}

func TestSplitMessage_Single(t *testing.T) {
	m := Message{Channel: ChannelControl, ID: MsgPingRequest, Payload: []byte{1, 2, 3}}
	chunks := SplitMessage(m, 0)
	if len(chunks) != 1 {
		t.Fatalf("chunks=%d, want 1", len(chunks))
	}
	if !bytes.Equal(chunks[0], []byte{0, 10, 1, 2, 3}) {
		t.Fatalf("chunk=% X", chunks[0])
	}
	wire := EncodeMessage(m, 0)
	h, n, _ := ParseHeader(wire)
	if h.Type != FrameBulk || n != ShortHeaderLen || int(h.FrameSize) != 5 {
		t.Fatalf("unexpected header %+v n=%d", h, n)
	}
}

func TestSplitMessage_EmptyPayload(t *testing.T) {
	m := Message{Channel: ChannelControl, ID: MsgAuthComplete}
	chunks := SplitMessage(m, 0)
	if len(chunks) != 1 || len(chunks[0]) != 2 {
		t.Fatalf("unexpected chunks %v", chunks)
	}
}

func TestSplitMessage_ThreeFrames(t *testing.T) {
	for _, max := range []int{16, DefaultMaxFrameSize} {
		m := Message{Channel: ChannelVideo, ID: 0x8001, Payload: bytes.Repeat([]byte{0xAB}, 3*max-2)}
		chunks := SplitMessage(m, max)
		if len(chunks) != 3 {
			t.Fatalf("max=%d chunks=%d, want 3", max, len(chunks))
		}
		sum := 0
		for _, c := range chunks {
			sum += len(c)
		}
		if sum != len(m.Payload)+2 {
			t.Fatalf("max=%d sum=%d, want %d", max, sum, len(m.Payload)+2)
		}

		wire := EncodeMessage(m, max)
		var types []FrameType
		for off := 0; off < len(wire); {
			h, n, err := ParseHeader(wire[off:])
			if err != nil {
				t.Fatalf("parse at %d: %v", off, err)
			}
			if h.Type == FrameFirst {
				if !h.Extended || int(h.TotalSize) != sum {
					t.Fatalf("FIRST header %+v, want extended total=%d", h, sum)
				}
			} else if h.Extended {
				t.Fatalf("%s header must not be extended", h.Type)
			}
			types = append(types, h.Type)
			off += n + int(h.FrameSize)
		}
		want := []FrameType{FrameFirst, FrameMiddle, FrameLast}
		if len(types) != len(want) {
			t.Fatalf("types=%v", types)
		}
		for i := range want {
			if types[i] != want[i] {
				t.Fatalf("types=%v, want %v", types, want)
			}
		}

		a := NewAssembler()
		out := a.Feed(wire)
		if len(out) != 1 || out[0].ID != m.ID || !bytes.Equal(out[0].Payload, m.Payload) {
			t.Fatalf("max=%d reassembly got %d messages", max, len(out))
		}
	}
}

func TestSplitMessage_ClampsOversizedMax(t *testing.T) {
	m := Message{Channel: ChannelVideo, Payload: make([]byte, 70000)}
	for _, c := range SplitMessage(m, 1<<20) {
		if len(c) > 0xFFFF {
			t.Fatalf("chunk of %d bytes does not fit a u16 frame size", len(c))
		}
	}
}

func TestParseBody_Short(t *testing.T) {
	if _, err := ParseBody(ChannelVideo, []byte{1}, false, false); !errors.Is(err, ErrShortMessage) {
		t.Fatalf("err=%v, want ErrShortMessage", err)
	}
}

func TestControlName(t *testing.T) {
	if got := ControlName(MsgServiceDiscoveryResponse); got != "SERVICE_DISCOVERY_RESPONSE" {
		t.Fatalf("got %q", got)
	}
	if got := ControlName(999); got != "CONTROL_999" {
		t.Fatalf("got %q", got)
	}
	if ChannelVideo.String() != "video" || Channel(40).String() != "other" {
		t.Fatalf("channel names")
	}
}
