package usb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/aa-headunit/internal/logging"
	"github.com/kstaniek/aa-headunit/internal/metrics"
	"github.com/kstaniek/aa-headunit/internal/transport"
)

const (
	// HintReplug is surfaced once a device stays stale past the threshold.
	HintReplug = "phone not responding: unplug USB, open Android Auto on the phone, then plug back in"

	readErrorPause = 100 * time.Millisecond
	haltPause      = 100 * time.Millisecond
	probeSize      = 64
)

// sleepFn allows tests to intercept backoff sleeps. It returns early when ctx
// is done.
var sleepFn = func(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// openBus is a hook for tests.
var openBus = OpenBus

// Config tunes the scan loop and transfer policy. Zero fields take defaults.
type Config struct {
	Accessory      Accessory
	Vendors        []uint16
	ScanInterval   time.Duration
	ControlTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ProbeTimeout   time.Duration
	ReadBufSize    int
	MaxReadErrors  int
	WriteRetries   int
	StaleThreshold int
	StaleBackoff   time.Duration
	ResetSettle    time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		Accessory:      DefaultAccessory,
		Vendors:        KnownVendors,
		ScanInterval:   time.Second,
		ControlTimeout: 5 * time.Second,
		ReadTimeout:    time.Second,
		WriteTimeout:   5 * time.Second,
		ProbeTimeout:   500 * time.Millisecond,
		ReadBufSize:    16 * 1024,
		MaxReadErrors:  5,
		WriteRetries:   3,
		StaleThreshold: 3,
		StaleBackoff:   10 * time.Second,
		ResetSettle:    2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Accessory == (Accessory{}) {
		c.Accessory = d.Accessory
	}
	if len(c.Vendors) == 0 {
		c.Vendors = d.Vendors
	}
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setDur(&c.ScanInterval, d.ScanInterval)
	setDur(&c.ControlTimeout, d.ControlTimeout)
	setDur(&c.ReadTimeout, d.ReadTimeout)
	setDur(&c.WriteTimeout, d.WriteTimeout)
	setDur(&c.ProbeTimeout, d.ProbeTimeout)
	setDur(&c.StaleBackoff, d.StaleBackoff)
	setDur(&c.ResetSettle, d.ResetSettle)
	setInt(&c.ReadBufSize, d.ReadBufSize)
	setInt(&c.MaxReadErrors, d.MaxReadErrors)
	setInt(&c.WriteRetries, d.WriteRetries)
	setInt(&c.StaleThreshold, d.StaleThreshold)
	return c
}

// Transport speaks AOAP to one phone at a time. The device handle lives in a
// single slot that is cleared before the handle is reset or closed.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	state        DeviceState
	info         DeviceInfo
	failCount    int
	backoffUntil time.Time
	cancelConn   context.CancelFunc
	recoverCause error

	devMu sync.RWMutex // guards dev; writers hold RLock for the transfer
	dev   Device
}

// New returns an idle transport; call Run to start scanning.
func New(cfg Config, l *slog.Logger) *Transport {
	if l == nil {
		l = logging.Component("usb")
	}
	return &Transport{cfg: cfg.withDefaults(), logger: l}
}

func (t *Transport) Name() string { return "usb" }

// RecoveryHint is shown when the phone stops answering on a live device.
func (t *Transport) RecoveryHint() string { return HintReplug }

// State returns the lifecycle state of the device slot.
func (t *Transport) State() DeviceState { t.mu.Lock(); defer t.mu.Unlock(); return t.state }

// FailCount returns the consecutive stale-device count.
func (t *Transport) FailCount() int { t.mu.Lock(); defer t.mu.Unlock(); return t.failCount }

func (t *Transport) setState(s DeviceState) {
	t.mu.Lock()
	prev := t.state
	t.state = s
	t.mu.Unlock()
	if prev != s {
		t.logger.Debug("usb_state", "from", prev.String(), "to", s.String())
	}
}

// Run scans for phones until ctx is cancelled. It returns after the read
// loop has exited and the device handle is closed.
func (t *Transport) Run(ctx context.Context, events chan<- transport.Event) error {
	bus, err := openBus(t.cfg.ControlTimeout)
	if err != nil {
		metrics.IncError(metrics.ErrUSBControl)
		return fmt.Errorf("open usb bus: %w", err)
	}
	defer func() { _ = bus.Close() }()
	t.logger.Info("usb_scan_start", "interval", t.cfg.ScanInterval)
	for ctx.Err() == nil {
		if wait := t.backoffLeft(); wait > 0 {
			sleepFn(ctx, wait)
			continue
		}
		if dev := t.scan(ctx, bus, events); dev != nil {
			t.serve(ctx, dev, events)
			continue
		}
		sleepFn(ctx, t.cfg.ScanInterval)
	}
	t.logger.Info("usb_scan_end")
	return nil
}

func (t *Transport) backoffLeft() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.backoffUntil.IsZero() {
		return 0
	}
	left := time.Until(t.backoffUntil)
	if left <= 0 {
		t.backoffUntil = time.Time{}
		return 0
	}
	return left
}

func (t *Transport) candidate(info DeviceInfo) bool {
	return info.Accessory() || knownVendor(t.cfg.Vendors, info.Vendor)
}

// scan opens matching devices and either switches a fresh phone into
// accessory mode (returning nil; it re-enumerates) or returns a connected
// accessory-mode device. Fresh phones win: an accessory-mode device may be a
// leftover of a previous session.
func (t *Transport) scan(ctx context.Context, bus Bus, events chan<- transport.Event) Device {
	devs, err := bus.OpenDevices(t.candidate)
	if err != nil {
		t.logger.Debug("usb_enumerate_error", "error", err)
		return nil
	}
	var fresh, accessory Device
	for _, d := range devs {
		info := d.Info()
		switch {
		case info.Accessory() && accessory == nil:
			accessory = d
			continue
		case !info.Accessory() && fresh == nil && t.supportsAOAP(d):
			fresh = d
			continue
		}
		_ = d.Close()
	}
	if fresh != nil {
		if accessory != nil {
			_ = accessory.Close()
		}
		t.handshake(ctx, fresh, events)
		return nil
	}
	if accessory != nil {
		return t.connect(ctx, accessory, events)
	}
	return nil
}

func (t *Transport) supportsAOAP(d Device) bool {
	v, err := protocolVersion(d)
	if err != nil {
		t.logger.Debug("usb_aoap_unsupported", "device", d.Info().String(), "error", err)
		return false
	}
	t.logger.Debug("usb_aoap_protocol", "device", d.Info().String(), "version", v)
	return v >= 1
}

func (t *Transport) handshake(ctx context.Context, d Device, events chan<- transport.Event) {
	info := d.Info()
	t.mu.Lock()
	t.info = info
	t.failCount = 0
	t.mu.Unlock()
	t.setState(StateDetected)
	t.logger.Info("usb_device_found", "device", info.String(), "mode", "fresh")
	t.setState(StateAOAPHandshake)
	err := switchToAccessory(d, t.cfg.Accessory)
	_ = d.Close()
	if err != nil {
		metrics.IncError(metrics.ErrUSBControl)
		t.setState(StateError)
		t.logger.Error("usb_aoap_handshake_failed", "device", info.String(), "error", err)
		transport.Emit(ctx, events, transport.Event{Kind: transport.Failed, Transport: t.Name(), Err: fmt.Errorf("aoap handshake: %w", err)})
		return
	}
	t.logger.Info("usb_aoap_start_sent", "device", info.String())
	t.setState(StateDisconnected)
}

// connect opens the bulk endpoints of an accessory-mode device and probes it.
// A probe timeout means the device is alive with nothing pending.
func (t *Transport) connect(ctx context.Context, d Device, events chan<- transport.Event) Device {
	info := d.Info()
	t.mu.Lock()
	t.info = info
	stale := t.failCount > 0
	t.mu.Unlock()
	t.logger.Info("usb_device_found", "device", info.String(), "mode", "accessory", "previous_failures", stale)
	t.setState(StateAOAPMode)
	if err := d.OpenBulk(); err != nil {
		t.logger.Warn("usb_open_failed", "device", info.String(), "error", err)
		t.recoverStale(ctx, d, events, err)
		return nil
	}
	probe := make([]byte, probeSize)
	pctx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	n, err := d.Read(pctx, probe)
	cancel()
	if err != nil && !errors.Is(err, ErrTimeout) {
		t.logger.Warn("usb_probe_failed", "device", info.String(), "error", err)
		t.recoverStale(ctx, d, events, err)
		return nil
	}
	if n > 0 {
		return &primed{Device: d, pending: bytes.Clone(probe[:n])}
	}
	return d
}

// primed replays bytes consumed by the liveness probe on the first Read.
type primed struct {
	Device
	pending []byte
}

func (p *primed) Read(ctx context.Context, b []byte) (int, error) {
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}
	return p.Device.Read(ctx, b)
}

func (t *Transport) serve(ctx context.Context, d Device, events chan<- transport.Event) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.devMu.Lock()
	t.dev = d
	t.devMu.Unlock()
	t.mu.Lock()
	t.cancelConn = cancel
	t.recoverCause = nil
	info := t.info
	t.mu.Unlock()
	t.setState(StateConnected)
	t.logger.Info("usb_connected", "device", info.String())
	transport.Emit(ctx, events, transport.Event{Kind: transport.Connected, Transport: t.Name()})

	t.readLoop(connCtx, d, events)

	t.devMu.Lock()
	t.dev = nil
	t.devMu.Unlock()
	t.mu.Lock()
	t.cancelConn = nil
	cause := t.recoverCause
	t.recoverCause = nil
	t.mu.Unlock()

	if cause != nil && ctx.Err() == nil {
		t.recoverStale(ctx, d, events, cause)
	} else {
		_ = d.Close()
		t.setState(StateDisconnected)
	}
	t.logger.Info("usb_disconnected", "device", info.String())
	transport.Emit(ctx, events, transport.Event{Kind: transport.Disconnected, Transport: t.Name()})
}

func (t *Transport) readLoop(ctx context.Context, d Device, events chan<- transport.Event) {
	buf := make([]byte, t.cfg.ReadBufSize)
	errCount := 0
	for ctx.Err() == nil {
		rctx, cancel := context.WithTimeout(ctx, t.cfg.ReadTimeout)
		n, err := d.Read(rctx, buf)
		cancel()
		if n > 0 {
			errCount = 0
			metrics.AddRxBytes(t.Name(), n)
			if !transport.Emit(ctx, events, transport.Event{Kind: transport.Data, Transport: t.Name(), Data: bytes.Clone(buf[:n])}) {
				return
			}
		}
		if err == nil || errors.Is(err, ErrTimeout) {
			continue
		}
		metrics.IncError(metrics.ErrUSBRead)
		if errors.Is(err, ErrDeviceGone) {
			t.logger.Info("usb_device_gone", "error", err)
			return
		}
		errCount++
		t.logger.Warn("usb_read_error", "error", err, "count", errCount, "max", t.cfg.MaxReadErrors)
		if errCount >= t.cfg.MaxReadErrors {
			return
		}
		sleepFn(ctx, readErrorPause)
	}
}

// Write sends b on the bulk OUT endpoint. A timeout clears the halt condition
// and retries; exhausting the retries starts stale-device recovery.
func (t *Transport) Write(ctx context.Context, b []byte) error {
	t.devMu.RLock()
	d := t.dev
	if d == nil {
		t.devMu.RUnlock()
		return transport.ErrNotConnected
	}
	total := len(b)
	var lastErr error
	for attempt := 1; attempt <= t.cfg.WriteRetries; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
		n, err := d.Write(wctx, b)
		cancel()
		if err == nil && n == 0 {
			err = io.ErrShortWrite
		}
		b = b[n:]
		if err == nil && len(b) == 0 {
			t.devMu.RUnlock()
			metrics.AddTxBytes(t.Name(), total)
			return nil
		}
		if err == nil { // partial write, keep going without spending a retry
			attempt--
			continue
		}
		lastErr = err
		if ctx.Err() != nil {
			t.devMu.RUnlock()
			return ctx.Err()
		}
		if !errors.Is(err, ErrTimeout) {
			t.devMu.RUnlock()
			metrics.IncError(metrics.ErrUSBWrite)
			return fmt.Errorf("usb write: %w", err)
		}
		t.logger.Warn("usb_write_timeout", "attempt", attempt, "retries", t.cfg.WriteRetries)
		if attempt < t.cfg.WriteRetries {
			if err := d.ClearHalt(true); err != nil {
				t.logger.Debug("usb_clear_halt_failed", "error", err)
			}
			sleepFn(ctx, haltPause)
		}
	}
	t.devMu.RUnlock()
	metrics.IncError(metrics.ErrUSBWrite)
	err := fmt.Errorf("%w: %w after %d attempts: %v", ErrStaleDevice, transport.ErrWriteTimeout, t.cfg.WriteRetries, lastErr)
	t.Recover(err)
	return err
}

// Recover drops the current device and runs stale-device handling on it. It
// is a no-op while no device is connected.
func (t *Transport) Recover(cause error) {
	t.mu.Lock()
	cancel := t.cancelConn
	if cancel != nil && t.recoverCause == nil {
		if cause == nil {
			cause = ErrStaleDevice
		}
		t.recoverCause = cause
	}
	t.mu.Unlock()
	if cancel == nil {
		t.logger.Debug("usb_recover_ignored", "reason", "not connected")
		return
	}
	t.logger.Warn("usb_recover", "cause", cause)
	cancel()
}

// recoverStale counts a stale device. Below the threshold it resets the bus
// port so the phone drops out of accessory mode; at the threshold it surfaces
// an actionable error and backs off scanning. The handle is always closed.
func (t *Transport) recoverStale(ctx context.Context, d Device, events chan<- transport.Event, cause error) {
	metrics.IncStaleRecovery()
	metrics.IncError(metrics.ErrUSBStale)
	t.mu.Lock()
	t.failCount++
	count := t.failCount
	if count >= t.cfg.StaleThreshold {
		t.backoffUntil = time.Now().Add(t.cfg.StaleBackoff)
	}
	t.mu.Unlock()
	t.logger.Warn("usb_stale_device", "fail_count", count, "threshold", t.cfg.StaleThreshold, "cause", cause)

	if count >= t.cfg.StaleThreshold {
		_ = d.Close()
		t.setState(StateError)
		err := transport.Actionable(fmt.Errorf("%w: %w", ErrStaleDevice, cause), HintReplug)
		t.logger.Error("usb_phone_not_responding", "fail_count", count, "backoff", t.cfg.StaleBackoff)
		transport.Emit(ctx, events, transport.Event{Kind: transport.Failed, Transport: t.Name(), Err: err})
		return
	}
	if err := d.Reset(); err != nil {
		t.logger.Warn("usb_reset_failed", "error", err)
	} else {
		t.logger.Info("usb_reset_done", "settle", t.cfg.ResetSettle)
		sleepFn(ctx, t.cfg.ResetSettle)
	}
	_ = d.Close()
	t.setState(StateDisconnected)
}
