package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type appConfig struct {
	configFile      string
	transport       string
	tcpAddr         string
	tcpConnectTO    time.Duration
	tcpMaxAttempts  int
	usbScanInterval time.Duration
	usbSerial       string
	certFile        string
	keyFile         string
	codec           string
	huName          string
	huMake          string
	huModel         string
	versionTO       time.Duration
	httpAddr        string
	logFormat       string
	logLevel        string
	hubBuffer       int
	hubPolicy       string
	maxSubscribers  int
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
	videoDump       string
	videoRaw        bool
	audioDump       string
}

func parseFlags(fs *flag.FlagSet, args []string) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs.StringVar(&cfg.configFile, "config", "", "Optional TOML config file (flags and env override it)")
	fs.StringVar(&cfg.transport, "transport", "usb", "Phone transport: usb|tcp")
	fs.StringVar(&cfg.tcpAddr, "tcp-addr", "127.0.0.1:5277", "Head unit server address (adb forward tcp:5277 tcp:5277)")
	fs.DurationVar(&cfg.tcpConnectTO, "tcp-connect-timeout", 5*time.Second, "TCP connect timeout")
	fs.IntVar(&cfg.tcpMaxAttempts, "tcp-max-attempts", 10, "TCP connect attempts before giving up")
	fs.DurationVar(&cfg.usbScanInterval, "usb-scan-interval", time.Second, "USB scan interval")
	fs.StringVar(&cfg.usbSerial, "usb-serial", "HU-AAAAAA001", "Accessory serial sent during the AOAP handshake")
	fs.StringVar(&cfg.certFile, "cert", "", "Client certificate PEM (empty = generated self-signed)")
	fs.StringVar(&cfg.keyFile, "key", "", "Client private key PEM")
	fs.StringVar(&cfg.codec, "codec", "proto", "Control payload codec: proto|noop")
	fs.StringVar(&cfg.huName, "hu-name", "Go Head Unit", "Head unit name reported in service discovery")
	fs.StringVar(&cfg.huMake, "hu-make", "kstaniek", "Head unit make")
	fs.StringVar(&cfg.huModel, "hu-model", "aa-headunit", "Head unit model")
	fs.DurationVar(&cfg.versionTO, "version-timeout", 5*time.Second, "Wait for the phone's version response")
	fs.StringVar(&cfg.httpAddr, "http-addr", "", "HTTP address for /metrics, /ready, /status and /events (e.g. :9100); empty disables")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 64, "Per-subscriber event buffer")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.IntVar(&cfg.maxSubscribers, "max-subscribers", 0, "Maximum simultaneous event subscribers (0 = unlimited)")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the HTTP endpoint over mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default aa-headunit-<hostname>)")
	fs.StringVar(&cfg.videoDump, "video-dump", "", "Write video channel payloads to this file")
	fs.BoolVar(&cfg.videoRaw, "video-raw", true, "Write bare video payloads (an H.264 stream) instead of framed records")
	fs.StringVar(&cfg.audioDump, "audio-dump", "", "Write framed audio channel payloads to this file")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	// Track which flags were explicitly set to give them precedence over env and file.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if cfg.configFile != "" {
		if err := applyFileConfig(cfg, cfg.configFile, setFlags); err != nil {
			return nil, *showVersion, err
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersion, fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, *showVersion, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.transport {
	case "usb", "tcp":
	default:
		return fmt.Errorf("invalid transport: %s", c.transport)
	}
	switch c.codec {
	case "proto", "noop":
	default:
		return fmt.Errorf("invalid codec: %s", c.codec)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.tcpAddr == "" {
		return errors.New("tcp-addr must not be empty")
	}
	if c.tcpConnectTO <= 0 {
		return errors.New("tcp-connect-timeout must be > 0")
	}
	if c.tcpMaxAttempts <= 0 {
		return fmt.Errorf("tcp-max-attempts must be > 0 (got %d)", c.tcpMaxAttempts)
	}
	if c.usbScanInterval <= 0 {
		return errors.New("usb-scan-interval must be > 0")
	}
	if c.versionTO <= 0 {
		return errors.New("version-timeout must be > 0")
	}
	if (c.certFile == "") != (c.keyFile == "") {
		return errors.New("cert and key must be set together")
	}
	if c.maxSubscribers < 0 {
		return errors.New("max-subscribers must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	if c.mdnsEnable && c.httpAddr == "" {
		return errors.New("mdns-enable needs http-addr")
	}
	return nil
}

// fileConfig mirrors the flags; keys use snake_case.
type fileConfig struct {
	Transport       string `toml:"transport"`
	TCPAddr         string `toml:"tcp_addr"`
	TCPConnectTO    string `toml:"tcp_connect_timeout"`
	TCPMaxAttempts  int    `toml:"tcp_max_attempts"`
	USBScanInterval string `toml:"usb_scan_interval"`
	USBSerial       string `toml:"usb_serial"`
	Cert            string `toml:"cert"`
	Key             string `toml:"key"`
	Codec           string `toml:"codec"`
	VersionTimeout  string `toml:"version_timeout"`
	HTTPAddr        string `toml:"http_addr"`
	LogFormat       string `toml:"log_format"`
	LogLevel        string `toml:"log_level"`
	HubBuffer       int    `toml:"hub_buffer"`
	HubPolicy       string `toml:"hub_policy"`
	MaxSubscribers  int    `toml:"max_subscribers"`
	LogMetrics      string `toml:"log_metrics_interval"`
	MDNSEnable      bool   `toml:"mdns_enable"`
	MDNSName        string `toml:"mdns_name"`
	VideoDump       string `toml:"video_dump"`
	VideoRaw        bool   `toml:"video_raw"`
	AudioDump       string `toml:"audio_dump"`
	HeadUnit        struct {
		Name  string `toml:"name"`
		Make  string `toml:"make"`
		Model string `toml:"model"`
	} `toml:"head_unit"`
}

func applyFileConfig(c *appConfig, path string, set map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer f.Close()
	return applyTOML(c, f, set)
}

// applyTOML overlays keys present in r onto c, skipping flags set on the
// command line. Keys absent from the file leave c untouched.
func applyTOML(c *appConfig, r io.Reader, set map[string]struct{}) error {
	var raw fileConfig
	meta, err := toml.NewDecoder(r).Decode(&raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return fmt.Errorf("load config: unknown key %q", undec[0].String())
	}
	use := func(flagName string, key ...string) bool {
		if _, ok := set[flagName]; ok {
			return false
		}
		return meta.IsDefined(key...)
	}
	dur := func(dst *time.Duration, key, v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = d
		return nil
	}
	if use("transport", "transport") {
		c.transport = strings.TrimSpace(raw.Transport)
	}
	if use("tcp-addr", "tcp_addr") {
		c.tcpAddr = strings.TrimSpace(raw.TCPAddr)
	}
	if use("tcp-connect-timeout", "tcp_connect_timeout") {
		if err := dur(&c.tcpConnectTO, "tcp_connect_timeout", raw.TCPConnectTO); err != nil {
			return err
		}
	}
	if use("tcp-max-attempts", "tcp_max_attempts") {
		c.tcpMaxAttempts = raw.TCPMaxAttempts
	}
	if use("usb-scan-interval", "usb_scan_interval") {
		if err := dur(&c.usbScanInterval, "usb_scan_interval", raw.USBScanInterval); err != nil {
			return err
		}
	}
	if use("usb-serial", "usb_serial") {
		c.usbSerial = raw.USBSerial
	}
	if use("cert", "cert") {
		c.certFile = raw.Cert
	}
	if use("key", "key") {
		c.keyFile = raw.Key
	}
	if use("codec", "codec") {
		c.codec = strings.TrimSpace(raw.Codec)
	}
	if use("version-timeout", "version_timeout") {
		if err := dur(&c.versionTO, "version_timeout", raw.VersionTimeout); err != nil {
			return err
		}
	}
	if use("http-addr", "http_addr") {
		c.httpAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if use("log-format", "log_format") {
		c.logFormat = raw.LogFormat
	}
	if use("log-level", "log_level") {
		c.logLevel = raw.LogLevel
	}
	if use("hub-buffer", "hub_buffer") {
		c.hubBuffer = raw.HubBuffer
	}
	if use("hub-policy", "hub_policy") {
		c.hubPolicy = raw.HubPolicy
	}
	if use("max-subscribers", "max_subscribers") {
		c.maxSubscribers = raw.MaxSubscribers
	}
	if use("log-metrics-interval", "log_metrics_interval") {
		if err := dur(&c.logMetricsEvery, "log_metrics_interval", raw.LogMetrics); err != nil {
			return err
		}
	}
	if use("mdns-enable", "mdns_enable") {
		c.mdnsEnable = raw.MDNSEnable
	}
	if use("mdns-name", "mdns_name") {
		c.mdnsName = raw.MDNSName
	}
	if use("video-dump", "video_dump") {
		c.videoDump = raw.VideoDump
	}
	if use("video-raw", "video_raw") {
		c.videoRaw = raw.VideoRaw
	}
	if use("audio-dump", "audio_dump") {
		c.audioDump = raw.AudioDump
	}
	if use("hu-name", "head_unit", "name") {
		c.huName = raw.HeadUnit.Name
	}
	if use("hu-make", "head_unit", "make") {
		c.huMake = raw.HeadUnit.Make
	}
	if use("hu-model", "head_unit", "model") {
		c.huModel = raw.HeadUnit.Model
	}
	return nil
}

// applyEnvOverrides maps AAHU_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(flagName, env string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(env)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(dst *string, flagName, env string) {
		if v, ok := get(flagName, env); ok {
			*dst = v
		}
	}
	num := func(dst *int, flagName, env string, floor int) {
		if v, ok := get(flagName, env); ok {
			if n, err := strconv.Atoi(v); err == nil && n >= floor {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %q", env, v)
			}
		}
	}
	dur := func(dst *time.Duration, flagName, env string) {
		if v, ok := get(flagName, env); ok {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				*dst = d
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %q", env, v)
			}
		}
	}
	boolean := func(dst *bool, flagName, env string) {
		if v, ok := get(flagName, env); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				if firstErr == nil {
					firstErr = fmt.Errorf("invalid %s: %q", env, v)
				}
			}
		}
	}
	str(&c.transport, "transport", "AAHU_TRANSPORT")
	str(&c.tcpAddr, "tcp-addr", "AAHU_TCP_ADDR")
	dur(&c.tcpConnectTO, "tcp-connect-timeout", "AAHU_TCP_CONNECT_TIMEOUT")
	num(&c.tcpMaxAttempts, "tcp-max-attempts", "AAHU_TCP_MAX_ATTEMPTS", 1)
	dur(&c.usbScanInterval, "usb-scan-interval", "AAHU_USB_SCAN_INTERVAL")
	str(&c.usbSerial, "usb-serial", "AAHU_USB_SERIAL")
	str(&c.certFile, "cert", "AAHU_CERT")
	str(&c.keyFile, "key", "AAHU_KEY")
	str(&c.codec, "codec", "AAHU_CODEC")
	str(&c.huName, "hu-name", "AAHU_HU_NAME")
	dur(&c.versionTO, "version-timeout", "AAHU_VERSION_TIMEOUT")
	str(&c.httpAddr, "http-addr", "AAHU_HTTP_ADDR")
	str(&c.logFormat, "log-format", "AAHU_LOG_FORMAT")
	str(&c.logLevel, "log-level", "AAHU_LOG_LEVEL")
	num(&c.hubBuffer, "hub-buffer", "AAHU_HUB_BUFFER", 1)
	str(&c.hubPolicy, "hub-policy", "AAHU_HUB_POLICY")
	num(&c.maxSubscribers, "max-subscribers", "AAHU_MAX_SUBSCRIBERS", 0)
	dur(&c.logMetricsEvery, "log-metrics-interval", "AAHU_LOG_METRICS_INTERVAL")
	boolean(&c.mdnsEnable, "mdns-enable", "AAHU_MDNS_ENABLE")
	str(&c.mdnsName, "mdns-name", "AAHU_MDNS_NAME")
	str(&c.videoDump, "video-dump", "AAHU_VIDEO_DUMP")
	str(&c.audioDump, "audio-dump", "AAHU_AUDIO_DUMP")
	return firstErr
}
