package aap

import "strconv"

// Channel identifies a logical service multiplexed over one transport.
// Channel numbers are fixed by protocol convention.
type Channel uint8

const (
	ChannelControl         Channel = 0
	ChannelInput           Channel = 1
	ChannelSensor          Channel = 2
	ChannelVideo           Channel = 3
	ChannelMediaAudio      Channel = 4
	ChannelSpeechAudio     Channel = 5
	ChannelSystemAudio     Channel = 6
	ChannelAVInput         Channel = 7
	ChannelBluetooth       Channel = 8
	ChannelNavigation      Channel = 9
	ChannelPhoneStatus     Channel = 10
	ChannelMediaStatus     Channel = 11
	ChannelNotification    Channel = 12
	ChannelWifiProjection  Channel = 13
	ChannelVendorExtension Channel = 14
)

var channelNames = [...]string{
	"control", "input", "sensor", "video", "media_audio", "speech_audio", "system_audio",
	"av_input", "bluetooth", "navigation", "phone_status", "media_status", "notification",
	"wifi_projection", "vendor_extension",
}

// String returns a stable lower-case name, suitable as a metrics label.
func (c Channel) String() string {
	if int(c) < len(channelNames) {
		return channelNames[c]
	}
	return "other"
}

// IsAudio reports whether c carries an audio stream.
func (c Channel) IsAudio() bool {
	return c == ChannelMediaAudio || c == ChannelSpeechAudio || c == ChannelSystemAudio
}

// Control channel message ids.
const (
	MsgVersionRequest           uint16 = 1
	MsgVersionResponse          uint16 = 2
	MsgSSLHandshake             uint16 = 3
	MsgAuthComplete             uint16 = 4
	MsgServiceDiscoveryRequest  uint16 = 5
	MsgServiceDiscoveryResponse uint16 = 6
	MsgChannelOpenRequest       uint16 = 7
	MsgChannelOpenResponse      uint16 = 8
	MsgChannelClose             uint16 = 9
	MsgPingRequest              uint16 = 10
	MsgPingResponse             uint16 = 11
	MsgNavFocusRequest          uint16 = 12
	MsgNavFocusNotification     uint16 = 13
	MsgByeByeRequest            uint16 = 14
	MsgByeByeResponse           uint16 = 15
	MsgVoiceSessionNotification uint16 = 16
	MsgAudioFocusRequest        uint16 = 17
	MsgAudioFocusNotification   uint16 = 18
)

var controlNames = map[uint16]string{
	MsgVersionRequest:           "VERSION_REQUEST",
	MsgVersionResponse:          "VERSION_RESPONSE",
	MsgSSLHandshake:             "SSL_HANDSHAKE",
	MsgAuthComplete:             "AUTH_COMPLETE",
	MsgServiceDiscoveryRequest:  "SERVICE_DISCOVERY_REQUEST",
	MsgServiceDiscoveryResponse: "SERVICE_DISCOVERY_RESPONSE",
	MsgChannelOpenRequest:       "CHANNEL_OPEN_REQUEST",
	MsgChannelOpenResponse:      "CHANNEL_OPEN_RESPONSE",
	MsgChannelClose:             "CHANNEL_CLOSE",
	MsgPingRequest:              "PING_REQUEST",
	MsgPingResponse:             "PING_RESPONSE",
	MsgNavFocusRequest:          "NAV_FOCUS_REQUEST",
	MsgNavFocusNotification:     "NAV_FOCUS_NOTIFICATION",
	MsgByeByeRequest:            "BYEBYE_REQUEST",
	MsgByeByeResponse:           "BYEBYE_RESPONSE",
	MsgVoiceSessionNotification: "VOICE_SESSION_NOTIFICATION",
	MsgAudioFocusRequest:        "AUDIO_FOCUS_REQUEST",
	MsgAudioFocusNotification:   "AUDIO_FOCUS_NOTIFICATION",
}

// ControlName returns the symbolic name of a control message id.
func ControlName(id uint16) string {
	if n, ok := controlNames[id]; ok {
		return n
	}
	return "CONTROL_" + strconv.Itoa(int(id))
}
