package aap

import (
	"bytes"
	"errors"
	"log/slog"

	"github.com/kstaniek/aa-headunit/internal/logging"
	"github.com/kstaniek/aa-headunit/internal/metrics"
)

type pending struct {
	body      []byte
	encrypted bool
	control   bool
}

// Assembler turns an inbound byte stream into complete messages. Frames may
// arrive split across any number of Feed calls; each channel holds at most one
// in-flight multi-frame message. Not safe for concurrent use.
type Assembler struct {
	buf     bytes.Buffer
	pending map[Channel]*pending
	opener  Opener
	log     *slog.Logger
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		pending: make(map[Channel]*pending),
		log:     logging.Component("assembler"),
	}
}

// SetOpener installs (or clears with nil) the decrypter applied to encrypted
// frame payloads before reassembly.
func (a *Assembler) SetOpener(o Opener) { a.opener = o }

// Buffered reports the number of bytes retained for the next Feed.
func (a *Assembler) Buffered() int { return a.buf.Len() }

// Reset drops buffered bytes and all in-flight messages.
func (a *Assembler) Reset() {
	a.buf.Reset()
	clear(a.pending)
}

// Feed appends b to the stream and returns every message it completes.
func (a *Assembler) Feed(b []byte) []Message {
	_, _ = a.buf.Write(b)
	var out []Message
	for {
		_ = compactBuffer(&a.buf)
		data := a.buf.Bytes()
		if len(data) < ShortHeaderLen {
			return out
		}
		h, n, err := ParseHeader(data)
		if err != nil {
			// resync: skip one byte and retry
			metrics.IncMalformed()
			a.log.Debug("frame_resync", "error", err, "buffered", len(data))
			a.buf.Next(1)
			continue
		}
		if h.Type == FrameFirst && !h.Extended && len(data) < ExtendedHeaderLen {
			// the total size may still be on its way
			return out
		}
		end := n + int(h.FrameSize)
		if len(data) < end {
			return out
		}
		payload := bytes.Clone(data[n:end])
		a.buf.Next(end)
		metrics.IncRxFrame()
		if m, ok := a.frame(h, payload); ok {
			out = append(out, m)
		}
	}
}

func (a *Assembler) frame(h FrameHeader, payload []byte) (Message, bool) {
	if h.Encrypted && a.opener != nil {
		plain, err := a.opener.Decrypt(payload)
		if err != nil {
			metrics.IncMalformed()
			metrics.IncError(metrics.ErrTLS)
			a.log.Warn("frame_decrypt_failed", "channel", h.Channel.String(), "error", err)
			delete(a.pending, h.Channel)
			return Message{}, false
		}
		payload = plain
	}
	control := h.MsgType == MessageControl
	switch h.Type {
	case FrameBulk:
		return a.complete(h.Channel, payload, h.Encrypted, control)
	case FrameFirst:
		a.pending[h.Channel] = &pending{body: payload, encrypted: h.Encrypted, control: control}
	case FrameMiddle:
		if p, ok := a.pending[h.Channel]; ok {
			p.body = append(p.body, payload...)
		}
	case FrameLast:
		p, ok := a.pending[h.Channel]
		if !ok {
			return Message{}, false
		}
		delete(a.pending, h.Channel)
		return a.complete(h.Channel, append(p.body, payload...), p.encrypted, p.control)
	}
	return Message{}, false
}

func (a *Assembler) complete(ch Channel, body []byte, encrypted, control bool) (Message, bool) {
	m, err := ParseBody(ch, body, encrypted, control)
	if err != nil {
		if errors.Is(err, ErrShortMessage) {
			metrics.IncMalformed()
		}
		a.log.Debug("message_dropped", "error", err)
		return Message{}, false
	}
	metrics.IncRxMessage(ch.String())
	return m, true
}

// compactBuffer reclaims consumed prefix capacity once unread bytes fall
// below a quarter of the backing array.
func compactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}
