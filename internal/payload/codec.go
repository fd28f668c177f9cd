// Package payload encodes and decodes the few control message bodies the
// head unit has to understand. Everything else travels as opaque bytes.
package payload

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/aa-headunit/internal/aap"
)

var (
	ErrTruncated = errors.New("payload truncated")
	ErrMalformed = errors.New("payload malformed")
)

// Protocol version spoken by the head unit.
const (
	VersionMajor uint16 = 1
	VersionMinor uint16 = 1

	versionStatusMismatch uint16 = 0xFFFF
)

// Status is the result code carried by response messages; 0 is success.
type Status int32

const StatusOK Status = 0

// HeadUnitInfo describes this head unit in service discovery.
type HeadUnitInfo struct {
	Name            string
	Make            string
	Model           string
	Year            string
	SoftwareVersion string
}

// Service is one channel advertised in a service discovery response.
type Service struct {
	ID   int32
	Kind string
}

// Services is a decoded service discovery response.
type Services struct {
	Channels []Service
}

// Has reports whether a service with id ch was advertised.
func (s Services) Has(ch aap.Channel) bool {
	for _, c := range s.Channels {
		if c.ID == int32(ch) {
			return true
		}
	}
	return false
}

// Codec converts control bodies. Implementations must not retain the
// slices they are given.
type Codec interface {
	Name() string
	ServiceDiscoveryRequest(info HeadUnitInfo) []byte
	ServiceDiscoveryResponse(b []byte) (Services, error)
	ChannelOpenRequest(ch aap.Channel, priority int32) []byte
	ChannelOpenResponse(b []byte) (Status, error)
	// AudioFocusNotification answers an AUDIO_FOCUS_REQUEST body.
	AudioFocusNotification(req []byte) ([]byte, error)
	// NavFocusNotification answers a NAV_FOCUS_REQUEST body.
	NavFocusNotification(req []byte) ([]byte, error)
	ByeByeRequest(b []byte) (reason int32, err error)
	ByeByeResponse() []byte
}

// Version is the body of VERSION_RESPONSE: major and minor, optionally
// followed by a status word.
type Version struct {
	Major, Minor uint16
	Status       uint16
	HasStatus    bool
}

// Mismatch reports whether the phone rejected our version.
func (v Version) Mismatch() bool { return v.HasStatus && v.Status == versionStatusMismatch }

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// EncodeVersion builds a VERSION_REQUEST body. Version bodies are raw
// big-endian words, not protobuf, whatever codec is in use.
func EncodeVersion(major, minor uint16) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b, major)
	binary.BigEndian.PutUint16(b[2:], minor)
	return b
}

func ParseVersion(b []byte) (Version, error) {
	if len(b) < 4 {
		return Version{}, fmt.Errorf("%w: version body %d bytes", ErrTruncated, len(b))
	}
	v := Version{Major: binary.BigEndian.Uint16(b), Minor: binary.BigEndian.Uint16(b[2:])}
	if len(b) >= 6 {
		v.Status = binary.BigEndian.Uint16(b[4:])
		v.HasStatus = true
	}
	return v, nil
}

// Noop sends empty bodies and decodes nothing. It keeps the session moving
// when no structured codec is wanted.
type Noop struct{}

func (Noop) Name() string                                      { return "noop" }
func (Noop) ServiceDiscoveryRequest(HeadUnitInfo) []byte       { return nil }
func (Noop) ServiceDiscoveryResponse([]byte) (Services, error) { return Services{}, nil }
func (Noop) ChannelOpenRequest(aap.Channel, int32) []byte      { return nil }
func (Noop) ChannelOpenResponse([]byte) (Status, error)        { return StatusOK, nil }
func (Noop) AudioFocusNotification([]byte) ([]byte, error)     { return nil, nil }
func (Noop) NavFocusNotification([]byte) ([]byte, error)       { return nil, nil }
func (Noop) ByeByeRequest([]byte) (int32, error)               { return 0, nil }
func (Noop) ByeByeResponse() []byte                            { return nil }

// ByName returns the codec registered under name ("proto" or "noop").
func ByName(name string) (Codec, error) {
	switch name {
	case "", "proto":
		return Proto{}, nil
	case "noop":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown payload codec %q (use proto|noop)", name)
	}
}
