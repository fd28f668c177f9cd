package session

import (
	"slices"
	"time"

	"github.com/kstaniek/aa-headunit/internal/aap"
)

// State is the orchestration state of one phone connection. States only move
// forward on success; Error is reachable from any state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSSLHandshake
	StateServiceDiscovery
	StateConnected
	StateStreaming
	StateError
)

var stateNames = [...]string{
	"disconnected", "connecting", "ssl_handshake", "service_discovery", "connected", "streaming", "error",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Up reports whether the phone has finished service discovery.
func (s State) Up() bool { return s == StateConnected || s == StateStreaming }

// Status is a point-in-time view of the session, safe to read from any
// goroutine.
type Status struct {
	State     State         `json:"-"`
	StateName string        `json:"state"`
	Transport string        `json:"transport"`
	Session   string        `json:"session,omitempty"`
	Opened    []aap.Channel `json:"-"`
	Channels  []string      `json:"opened_channels,omitempty"`
	Services  int           `json:"services"`
	Since     time.Time     `json:"since"`
}

// IsOpen reports whether ch was confirmed open by the phone.
func (s Status) IsOpen(ch aap.Channel) bool { return slices.Contains(s.Opened, ch) }
