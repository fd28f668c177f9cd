package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *appConfig {
	return &appConfig{
		transport:       "usb",
		tcpAddr:         "127.0.0.1:5277",
		tcpConnectTO:    time.Second,
		tcpMaxAttempts:  3,
		usbScanInterval: time.Second,
		codec:           "proto",
		versionTO:       5 * time.Second,
		logFormat:       "text",
		logLevel:        "info",
		hubBuffer:       8,
		hubPolicy:       "drop",
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badTransport", func(c *appConfig) { c.transport = "bt" }},
		{"badCodec", func(c *appConfig) { c.codec = "json" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"emptyTCPAddr", func(c *appConfig) { c.tcpAddr = "" }},
		{"badConnectTO", func(c *appConfig) { c.tcpConnectTO = 0 }},
		{"badAttempts", func(c *appConfig) { c.tcpMaxAttempts = 0 }},
		{"badScan", func(c *appConfig) { c.usbScanInterval = 0 }},
		{"badVersionTO", func(c *appConfig) { c.versionTO = 0 }},
		{"certWithoutKey", func(c *appConfig) { c.certFile = "hu.pem" }},
		{"badMaxSubscribers", func(c *appConfig) { c.maxSubscribers = -1 }},
		{"badMetricsInterval", func(c *appConfig) { c.logMetricsEvery = -time.Second }},
		{"mdnsWithoutHTTP", func(c *appConfig) { c.mdnsEnable = true }},
	}
	for _, tc := range tests {
		c := validConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("aa-headunit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseFlags_Defaults(t *testing.T) {
	cfg, showVersion, err := parseFlags(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if showVersion {
		t.Fatal("version requested")
	}
	if cfg.transport != "usb" || cfg.codec != "proto" || cfg.versionTO != 5*time.Second || !cfg.videoRaw {
		t.Fatalf("defaults=%+v", cfg)
	}
}

func TestParseFlags_Version(t *testing.T) {
	_, showVersion, err := parseFlags(newFlagSet(), []string{"-version"})
	if err != nil || !showVersion {
		t.Fatalf("showVersion=%v err=%v", showVersion, err)
	}
}

func TestParseFlags_InvalidValue(t *testing.T) {
	_, _, err := parseFlags(newFlagSet(), []string{"-transport", "serial"})
	if err == nil || !strings.Contains(err.Error(), "configuration error") {
		t.Fatalf("err=%v", err)
	}
}

func TestParseFlags_LayeredSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hu.toml")
	body := "transport = \"tcp\"\ntcp_addr = \"10.0.0.2:5277\"\nhub_buffer = 16\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AAHU_HUB_BUFFER", "32")
	cfg, _, err := parseFlags(newFlagSet(), []string{"-config", path, "-tcp-addr", "127.0.0.1:9999"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.transport != "tcp" {
		t.Fatalf("file transport not applied: %s", cfg.transport)
	}
	if cfg.tcpAddr != "127.0.0.1:9999" {
		t.Fatalf("flag must win over file: %s", cfg.tcpAddr)
	}
	if cfg.hubBuffer != 32 {
		t.Fatalf("env must win over file: %d", cfg.hubBuffer)
	}
}
