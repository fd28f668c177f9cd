package tcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/kstaniek/aa-headunit/internal/logging"
	"github.com/kstaniek/aa-headunit/internal/metrics"
	"github.com/kstaniek/aa-headunit/internal/transport"
)

var (
	ErrConnectRefused    = errors.New("tcp connection refused")
	ErrConnectTimeout    = errors.New("tcp connect timeout")
	ErrBrokenConn        = errors.New("tcp connection broken")
	ErrAttemptsExhausted = errors.New("tcp connect attempts exhausted")
)

const (
	// HintStartServer is attached to refused connects and protocol stalls.
	HintStartServer = "start head unit server on phone"
	// HintForward is attached to connect timeouts.
	HintForward = "is adb forward tcp:5277 tcp:5277 active?"

	DefaultAddr    = "127.0.0.1:5277"
	readErrorPause = 100 * time.Millisecond
)

// sleepFn allows tests to skip reconnect delays.
var sleepFn = func(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// State of the connection slot.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "error"
	}
}

// Config for the head unit server connection. Zero fields take defaults.
type Config struct {
	Addr           string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// UserTimeout bounds unacknowledged sends (TCP_USER_TIMEOUT, linux only)
	// so a dead port-forward is noticed without waiting for keepalives.
	UserTimeout   time.Duration
	MaxAttempts   int
	RetryMin      time.Duration
	RetryMax      time.Duration
	ReadBufSize   int
	MaxReadErrors int
}

func DefaultConfig() Config {
	return Config{
		Addr:           DefaultAddr,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    time.Second,
		WriteTimeout:   5 * time.Second,
		UserTimeout:    10 * time.Second,
		MaxAttempts:    10,
		RetryMin:       2 * time.Second,
		RetryMax:       10 * time.Second,
		ReadBufSize:    16 * 1024,
		MaxReadErrors:  5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	for _, f := range []struct{ v, def *time.Duration }{
		{&c.ConnectTimeout, &d.ConnectTimeout},
		{&c.ReadTimeout, &d.ReadTimeout},
		{&c.WriteTimeout, &d.WriteTimeout},
		{&c.UserTimeout, &d.UserTimeout},
		{&c.RetryMin, &d.RetryMin},
		{&c.RetryMax, &d.RetryMax},
	} {
		if *f.v <= 0 {
			*f.v = *f.def
		}
	}
	if c.RetryMax < c.RetryMin {
		c.RetryMax = c.RetryMin
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ReadBufSize <= 0 {
		c.ReadBufSize = d.ReadBufSize
	}
	if c.MaxReadErrors <= 0 {
		c.MaxReadErrors = d.MaxReadErrors
	}
	return c
}

// Transport connects to the phone's developer head unit server, usually
// through an adb port-forward.
type Transport struct {
	cfg    Config
	logger *slog.Logger
	dialer net.Dialer

	mu    sync.Mutex
	state State

	connMu  sync.RWMutex
	conn    net.Conn
	writeMu sync.Mutex
}

func New(cfg Config, l *slog.Logger) *Transport {
	if l == nil {
		l = logging.Component("tcp")
	}
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:    cfg,
		logger: l,
		dialer: net.Dialer{Timeout: cfg.ConnectTimeout, Control: dialControl(cfg.UserTimeout)},
	}
}

func (t *Transport) Name() string { return "tcp" }

func (t *Transport) RecoveryHint() string { return HintStartServer }

func (t *Transport) State() State { t.mu.Lock(); defer t.mu.Unlock(); return t.state }

func (t *Transport) setState(s State) {
	t.mu.Lock()
	prev := t.state
	t.state = s
	t.mu.Unlock()
	if prev != s {
		t.logger.Debug("tcp_state", "from", prev.String(), "to", s.String())
	}
}

func (t *Transport) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.RetryMin
	b.MaxInterval = t.cfg.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run connects, serves the connection until it drops, and reconnects. After
// MaxAttempts consecutive failed connects it emits a Failed event and
// returns the final error.
func (t *Transport) Run(ctx context.Context, events chan<- transport.Event) error {
	b := t.newBackOff()
	attempts := 0
	for ctx.Err() == nil {
		attempts++
		metrics.IncReconnect()
		t.setState(StateConnecting)
		t.logger.Info("tcp_connect", "addr", t.cfg.Addr, "attempt", attempts, "max", t.cfg.MaxAttempts)
		conn, err := t.dialer.DialContext(ctx, "tcp", t.cfg.Addr)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			err = classifyDialErr(err)
			metrics.IncError(metrics.ErrTCPConnect)
			t.logger.Warn("tcp_connect_failed", "addr", t.cfg.Addr, "attempt", attempts, "error", err, "hint", transport.HintOf(err))
			if attempts >= t.cfg.MaxAttempts {
				t.setState(StateError)
				final := fmt.Errorf("%w (%d): %w", ErrAttemptsExhausted, attempts, err)
				t.logger.Error("tcp_giving_up", "addr", t.cfg.Addr, "attempts", attempts)
				transport.Emit(ctx, events, transport.Event{Kind: transport.Failed, Transport: t.Name(), Err: final})
				return final
			}
			t.setState(StateDisconnected)
			sleepFn(ctx, b.NextBackOff())
			continue
		}
		attempts = 0
		b.Reset()
		t.serve(ctx, conn, events)
	}
	t.setState(StateDisconnected)
	return nil
}

func classifyDialErr(err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return transport.Actionable(fmt.Errorf("%w: %v", ErrConnectRefused, err), HintStartServer)
	case errors.As(err, &ne) && ne.Timeout():
		return transport.Actionable(fmt.Errorf("%w: %v", ErrConnectTimeout, err), HintForward)
	default:
		return err
	}
}

func (t *Transport) serve(ctx context.Context, conn net.Conn, events chan<- transport.Event) {
	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	t.setState(StateConnected)
	t.logger.Info("tcp_connected", "addr", conn.RemoteAddr().String())
	transport.Emit(ctx, events, transport.Event{Kind: transport.Connected, Transport: t.Name()})

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	t.readLoop(ctx, conn, events)
	stop()

	t.connMu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.connMu.Unlock()
	_ = conn.Close()
	t.setState(StateDisconnected)
	t.logger.Info("tcp_disconnected", "addr", t.cfg.Addr)
	transport.Emit(ctx, events, transport.Event{Kind: transport.Disconnected, Transport: t.Name()})
}

func (t *Transport) readLoop(ctx context.Context, conn net.Conn, events chan<- transport.Event) {
	buf := make([]byte, t.cfg.ReadBufSize)
	errCount := 0
	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			errCount = 0
			metrics.AddRxBytes(t.Name(), n)
			if !transport.Emit(ctx, events, transport.Event{Kind: transport.Data, Transport: t.Name(), Data: bytes.Clone(buf[:n])}) {
				return
			}
		}
		if err == nil {
			continue
		}
		var ne net.Error
		switch {
		case errors.As(err, &ne) && ne.Timeout():
			continue
		case errors.Is(err, io.EOF):
			t.logger.Info("tcp_closed_by_peer")
			return
		case errors.Is(err, net.ErrClosed):
			return
		case errors.Is(err, syscall.ECONNRESET):
			t.logger.Info("tcp_reset_by_peer")
			return
		}
		metrics.IncError(metrics.ErrTCPRead)
		errCount++
		t.logger.Warn("tcp_read_error", "error", err, "count", errCount, "max", t.cfg.MaxReadErrors)
		if errCount >= t.cfg.MaxReadErrors {
			return
		}
		sleepFn(ctx, readErrorPause)
	}
}

// Write sends b in full. A zero-byte send means the socket is broken.
func (t *Transport) Write(ctx context.Context, b []byte) error {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	conn := t.conn
	if conn == nil {
		return transport.ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	sent := 0
	for sent < len(b) {
		n, err := conn.Write(b[sent:])
		sent += n
		if err != nil {
			metrics.IncError(metrics.ErrTCPWrite)
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%w: %d/%d bytes: %v", transport.ErrWriteTimeout, sent, len(b), err)
			}
			return fmt.Errorf("tcp write: %w", err)
		}
		if n == 0 {
			metrics.IncError(metrics.ErrTCPWrite)
			return ErrBrokenConn
		}
	}
	metrics.AddTxBytes(t.Name(), sent)
	return nil
}

// Recover drops the current connection; Run reconnects. The phone's server
// may need a manual restart, which the caller surfaces with RecoveryHint.
func (t *Transport) Recover(cause error) {
	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		t.logger.Debug("tcp_recover_ignored", "reason", "not connected")
		return
	}
	t.logger.Warn("tcp_recover", "cause", cause, "hint", HintStartServer)
	_ = conn.Close()
}
