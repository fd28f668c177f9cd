package payload

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kstaniek/aa-headunit/internal/aap"
)

// Field numbers of the control messages this codec understands.
const (
	// ServiceDiscoveryRequest
	sdReqDeviceName protowire.Number = 4
	sdReqLabel      protowire.Number = 5
	sdReqHeadUnit   protowire.Number = 7
	// HeadUnitInfo
	huMake     protowire.Number = 1
	huModel    protowire.Number = 2
	huYear     protowire.Number = 3
	huSwVer    protowire.Number = 4
	huUnitName protowire.Number = 5
	// ServiceDiscoveryResponse / Service
	sdRespService protowire.Number = 1
	serviceID     protowire.Number = 1
	// ChannelOpenRequest / ChannelOpenResponse
	openPriority protowire.Number = 1
	openService  protowire.Number = 2
	openStatus   protowire.Number = 1
	// focus and byebye messages carry a single enum in field 1
	enumField        protowire.Number = 1
	focusUnsolicited protowire.Number = 2
)

// Audio focus request types and notification states.
const (
	AudioFocusGain            = 1
	AudioFocusGainTransient   = 2
	AudioFocusGainMayDuck     = 3
	AudioFocusRelease         = 4
	AudioFocusStateGain       = 1
	AudioFocusStateGainTrans  = 2
	AudioFocusStateLoss       = 3
	NavFocusNative            = 1
	NavFocusProjected         = 2
	ByeByeReasonUserSelection = 1
)

// serviceKinds names the service field present in a Service entry.
var serviceKinds = map[protowire.Number]string{
	2:  "sensor",
	3:  "media_sink",
	4:  "input",
	5:  "media_source",
	6:  "bluetooth",
	7:  "radio",
	8:  "navigation_status",
	9:  "media_playback_status",
	10: "phone_status",
	11: "media_browser",
	12: "vendor_extension",
	13: "notification",
	14: "wifi_projection",
}

// Proto encodes control bodies in protobuf wire format with protowire, so
// no generated message types are needed.
type Proto struct{}

func (Proto) Name() string { return "proto" }

func (Proto) ServiceDiscoveryRequest(info HeadUnitInfo) []byte {
	var b []byte
	b = appendString(b, sdReqDeviceName, info.Name)
	label := info.Make
	if info.Model != "" {
		if label != "" {
			label += " "
		}
		label += info.Model
	}
	b = appendString(b, sdReqLabel, label)
	var hu []byte
	hu = appendString(hu, huMake, info.Make)
	hu = appendString(hu, huModel, info.Model)
	hu = appendString(hu, huYear, info.Year)
	hu = appendString(hu, huSwVer, info.SoftwareVersion)
	hu = appendString(hu, huUnitName, info.Name)
	if len(hu) > 0 {
		b = protowire.AppendTag(b, sdReqHeadUnit, protowire.BytesType)
		b = protowire.AppendBytes(b, hu)
	}
	return b
}

func (Proto) ServiceDiscoveryResponse(b []byte) (Services, error) {
	var out Services
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		if num != sdRespService || typ != protowire.BytesType {
			return nil
		}
		svc, err := parseService(raw)
		if err != nil {
			return err
		}
		out.Channels = append(out.Channels, svc)
		return nil
	})
	return out, err
}

func parseService(b []byte) (Service, error) {
	svc := Service{ID: -1, Kind: "unknown"}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case num == serviceID && typ == protowire.VarintType:
			svc.ID = int32(v)
		case typ == protowire.BytesType:
			if k, ok := serviceKinds[num]; ok {
				svc.Kind = k
			}
		}
		return nil
	})
	if err == nil && svc.ID < 0 {
		err = fmt.Errorf("%w: service without id", ErrMalformed)
	}
	return svc, err
}

func (Proto) ChannelOpenRequest(ch aap.Channel, priority int32) []byte {
	var b []byte
	b = protowire.AppendTag(b, openPriority, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(priority)))
	b = protowire.AppendTag(b, openService, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ch))
	return b
}

func (Proto) ChannelOpenResponse(b []byte) (Status, error) {
	v, _, err := enumValue(b, openStatus)
	return Status(v), err
}

// AudioFocusNotification grants what was asked for; a release is answered
// with a loss.
func (Proto) AudioFocusNotification(req []byte) ([]byte, error) {
	typ, _, err := enumValue(req, enumField)
	if err != nil {
		return nil, err
	}
	state := int32(AudioFocusStateGain)
	switch typ {
	case AudioFocusGainTransient, AudioFocusGainMayDuck:
		state = AudioFocusStateGainTrans
	case AudioFocusRelease:
		state = AudioFocusStateLoss
	}
	b := appendEnum(nil, enumField, state)
	b = protowire.AppendTag(b, focusUnsolicited, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(false))
	return b, nil
}

// NavFocusNotification always hands navigation focus to the phone.
func (Proto) NavFocusNotification(req []byte) ([]byte, error) {
	if _, _, err := enumValue(req, enumField); err != nil {
		return nil, err
	}
	return appendEnum(nil, enumField, NavFocusProjected), nil
}

func (Proto) ByeByeRequest(b []byte) (int32, error) {
	v, _, err := enumValue(b, enumField)
	return v, err
}

func (Proto) ByeByeResponse() []byte { return nil }

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendEnum(b []byte, num protowire.Number, v int32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

// enumValue returns the last varint in field num; ok is false when absent.
func enumValue(b []byte, num protowire.Number) (v int32, ok bool, err error) {
	err = walk(b, func(n protowire.Number, typ protowire.Type, x uint64, _ []byte) error {
		if n == num && typ == protowire.VarintType {
			v, ok = int32(x), true
		}
		return nil
	})
	return v, ok, err
}

// walk visits every top-level field of b. raw is set for length-delimited
// fields, v for varints.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}
