package main

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestApplyTOML_Overlay(t *testing.T) {
	c := validConfig()
	in := `
transport = "tcp"
tcp_addr = "192.168.1.20:5277"
version_timeout = "2s"
hub_policy = "kick"
video_dump = "/tmp/video.h264"
video_raw = false

[head_unit]
name = "Dash"
model = "HU-1"
`
	if err := applyTOML(c, strings.NewReader(in), map[string]struct{}{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if c.transport != "tcp" || c.tcpAddr != "192.168.1.20:5277" {
		t.Fatalf("transport=%s addr=%s", c.transport, c.tcpAddr)
	}
	if c.versionTO != 2*time.Second {
		t.Fatalf("versionTO=%v", c.versionTO)
	}
	if c.hubPolicy != "kick" || c.videoDump != "/tmp/video.h264" || c.videoRaw {
		t.Fatalf("cfg=%+v", c)
	}
	if c.huName != "Dash" || c.huModel != "HU-1" {
		t.Fatalf("head unit=%s/%s", c.huName, c.huModel)
	}
	// absent keys keep their values
	if c.codec != "proto" || c.hubBuffer != 8 {
		t.Fatalf("untouched fields changed: %+v", c)
	}
}

func TestApplyTOML_FlagWins(t *testing.T) {
	c := validConfig()
	if err := applyTOML(c, strings.NewReader(`codec = "noop"`), map[string]struct{}{"codec": {}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if c.codec != "proto" {
		t.Fatalf("codec=%s", c.codec)
	}
}

func TestApplyTOML_Errors(t *testing.T) {
	tests := []struct{ name, in string }{
		{"unknownKey", `baud = 115200`},
		{"badDuration", `version_timeout = "later"`},
		{"badSyntax", `transport = `},
		{"wrongType", `hub_buffer = "big"`},
	}
	for _, tc := range tests {
		if err := applyTOML(validConfig(), strings.NewReader(tc.in), map[string]struct{}{}); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestApplyFileConfig_Missing(t *testing.T) {
	err := applyFileConfig(validConfig(), filepath.Join(t.TempDir(), "none.toml"), nil)
	if err == nil {
		t.Fatal("expected error")
	}
}
