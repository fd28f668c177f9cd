package aap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortMessage is returned when a reassembled body cannot hold a message id.
var ErrShortMessage = errors.New("aap: message shorter than id")

// Message is one complete application message on a channel.
type Message struct {
	Channel   Channel
	ID        uint16
	Payload   []byte
	Encrypted bool
	// Control marks the message-type bit; channel-level control messages set it.
	Control bool
}

// Body returns the 2-byte big-endian id followed by the payload.
func (m Message) Body() []byte {
	b := make([]byte, 2, 2+len(m.Payload))
	binary.BigEndian.PutUint16(b, m.ID)
	return append(b, m.Payload...)
}

func (m Message) msgType() MessageType {
	if m.Control {
		return MessageControl
	}
	return MessageSpecific
}

// ParseBody splits a reassembled frame body into id and payload.
func ParseBody(ch Channel, body []byte, encrypted, control bool) (Message, error) {
	if len(body) < 2 {
		return Message{}, fmt.Errorf("%w: %d bytes on channel %s", ErrShortMessage, len(body), ch)
	}
	return Message{
		Channel:   ch,
		ID:        binary.BigEndian.Uint16(body[:2]),
		Payload:   body[2:],
		Encrypted: encrypted,
		Control:   control,
	}, nil
}

// SplitMessage returns the frame payloads (without headers) for m.
func SplitMessage(m Message, max int) [][]byte {
	return splitBody(m.Body(), max)
}

// EncodeMessage returns the complete wire bytes (headers + payloads) for m.
func EncodeMessage(m Message, max int) []byte {
	body := m.Body()
	return EncodeFrames(make([]byte, 0, len(body)+ExtendedHeaderLen), m.Channel, m.msgType(), m.Encrypted, body, max)
}

// Sealer encrypts one outbound frame payload.
type Sealer interface {
	Encrypt(plain []byte) ([]byte, error)
}

// Opener decrypts one inbound frame payload.
type Opener interface {
	Decrypt(cipher []byte) ([]byte, error)
}

// EncodeSealed splits m's body at max, seals every chunk separately and
// returns the framed ciphertext with the encryption flag set.
func EncodeSealed(m Message, s Sealer, max int) ([]byte, error) {
	chunks := splitBody(m.Body(), max)
	sealed := make([][]byte, 0, len(chunks))
	size := 0
	for _, c := range chunks {
		ct, err := s.Encrypt(c)
		if err != nil {
			return nil, fmt.Errorf("seal %s: %w", m.Channel, err)
		}
		if len(ct) > 0xFFFF {
			return nil, fmt.Errorf("seal %s: record of %d bytes exceeds frame size", m.Channel, len(ct))
		}
		sealed = append(sealed, ct)
		size += len(ct) + ExtendedHeaderLen
	}
	return appendChunks(make([]byte, 0, size), m.Channel, m.msgType(), true, sealed), nil
}

func (m Message) String() string {
	name := fmt.Sprintf("%d", m.ID)
	if m.Channel == ChannelControl {
		name = ControlName(m.ID)
	}
	return fmt.Sprintf("%s/%s len=%d enc=%t", m.Channel, name, len(m.Payload), m.Encrypted)
}
