package aap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameType occupies bits 0-1 of the flags byte.
type FrameType uint8

const (
	FrameMiddle FrameType = 0
	FrameFirst  FrameType = 1
	FrameLast   FrameType = 2
	FrameBulk   FrameType = 3 // first and last
)

func (t FrameType) String() string {
	switch t {
	case FrameMiddle:
		return "MIDDLE"
	case FrameFirst:
		return "FIRST"
	case FrameLast:
		return "LAST"
	default:
		return "BULK"
	}
}

// MessageType is bit 2 of the flags byte.
type MessageType uint8

const (
	MessageSpecific MessageType = 0
	MessageControl  MessageType = 4
)

const (
	flagTypeMask  = 0x03
	flagControl   = 0x04
	flagEncrypted = 0x08

	// ShortHeaderLen is the size of a header without a total size field.
	ShortHeaderLen = 4
	// ExtendedHeaderLen is the size of a FIRST header carrying the total size.
	ExtendedHeaderLen = 8

	// DefaultMaxFrameSize is the largest payload carried by one outbound frame.
	DefaultMaxFrameSize = 16384
)

// MaxChannel is the highest channel id accepted by ParseHeader.
const MaxChannel Channel = 31

var (
	// ErrTruncatedHeader is returned when fewer than 4 bytes are available.
	ErrTruncatedHeader = errors.New("aap: truncated frame header")
	// ErrInvalidHeader is returned for reserved flag bits or an out of range channel.
	ErrInvalidHeader = errors.New("aap: invalid frame header")
)

// FrameHeader is the fixed wire header preceding every frame payload.
// TotalSize is meaningful only when Extended is set.
type FrameHeader struct {
	Channel   Channel
	Type      FrameType
	MsgType   MessageType
	Encrypted bool
	FrameSize uint16
	TotalSize uint32
	Extended  bool
}

// Len returns the encoded header length.
func (h FrameHeader) Len() int {
	if h.Extended {
		return ExtendedHeaderLen
	}
	return ShortHeaderLen
}

func (h FrameHeader) flags() byte {
	f := byte(h.Type) & flagTypeMask
	if h.MsgType == MessageControl {
		f |= flagControl
	}
	if h.Encrypted {
		f |= flagEncrypted
	}
	return f
}

// ParseHeader decodes one header from the front of b and returns the number
// of header bytes consumed.
//
// A FIRST frame is treated as extended when at least 8 bytes are available
// and the big-endian u32 at offset 4 is >= the frame size. Otherwise those
// bytes belong to the payload.
func ParseHeader(b []byte) (FrameHeader, int, error) {
	var h FrameHeader
	if len(b) < ShortHeaderLen {
		return h, 0, fmt.Errorf("%w: have %d bytes", ErrTruncatedHeader, len(b))
	}
	h.Channel = Channel(b[0])
	flags := b[1]
	if h.Channel > MaxChannel || flags&^(flagTypeMask|flagControl|flagEncrypted) != 0 {
		return h, 0, fmt.Errorf("%w: channel=%d flags=%#02x", ErrInvalidHeader, b[0], flags)
	}
	h.Type = FrameType(flags & flagTypeMask)
	if flags&flagControl != 0 {
		h.MsgType = MessageControl
	}
	h.Encrypted = flags&flagEncrypted != 0
	h.FrameSize = binary.BigEndian.Uint16(b[2:4])
	if h.Type == FrameFirst && len(b) >= ExtendedHeaderLen {
		total := binary.BigEndian.Uint32(b[4:8])
		if total >= uint32(h.FrameSize) {
			h.TotalSize = total
			h.Extended = true
			return h, ExtendedHeaderLen, nil
		}
	}
	return h, ShortHeaderLen, nil
}

// AppendTo appends the wire form of h to dst.
func (h FrameHeader) AppendTo(dst []byte) []byte {
	dst = append(dst, byte(h.Channel), h.flags())
	dst = binary.BigEndian.AppendUint16(dst, h.FrameSize)
	if h.Extended {
		dst = binary.BigEndian.AppendUint32(dst, h.TotalSize)
	}
	return dst
}

// Bytes returns the wire form of h.
func (h FrameHeader) Bytes() []byte { return h.AppendTo(make([]byte, 0, ExtendedHeaderLen)) }

// splitBody chunks body at max bytes; an empty body yields one empty chunk.
func splitBody(body []byte, max int) [][]byte {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	if max > 0xFFFF {
		max = 0xFFFF
	}
	if len(body) <= max {
		return [][]byte{body}
	}
	chunks := make([][]byte, 0, (len(body)+max-1)/max)
	for off := 0; off < len(body); off += max {
		end := off + max
		if end > len(body) {
			end = len(body)
		}
		chunks = append(chunks, body[off:end])
	}
	return chunks
}

// EncodeFrames appends the framed form of body (already containing the
// message id) to dst.
func EncodeFrames(dst []byte, ch Channel, mt MessageType, encrypted bool, body []byte, max int) []byte {
	return appendChunks(dst, ch, mt, encrypted, splitBody(body, max))
}

// appendChunks writes one frame per chunk: BULK for a single chunk, otherwise
// FIRST (extended, carrying the sum of chunk lengths), MIDDLE..., LAST.
func appendChunks(dst []byte, ch Channel, mt MessageType, encrypted bool, chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	for i, c := range chunks {
		h := FrameHeader{Channel: ch, MsgType: mt, Encrypted: encrypted, FrameSize: uint16(len(c))}
		switch {
		case len(chunks) == 1:
			h.Type = FrameBulk
		case i == 0:
			h.Type = FrameFirst
			h.Extended = true
			h.TotalSize = uint32(total)
		case i == len(chunks)-1:
			h.Type = FrameLast
		default:
			h.Type = FrameMiddle
		}
		dst = h.AppendTo(dst)
		dst = append(dst, c...)
	}
	return dst
}
