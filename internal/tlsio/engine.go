package tlsio

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/aa-headunit/internal/logging"
)

var (
	// ErrStalled means the TLS stack neither asked for input nor finished
	// within the step timeout.
	ErrStalled     = errors.New("tls handshake stalled")
	ErrNotComplete = errors.New("tls handshake not complete")
	ErrClosed      = errors.New("tls engine closed")
)

const (
	DefaultServerName  = "android.auto"
	DefaultStepTimeout = 5 * time.Second
	recordChunk        = 16 * 1024
)

// HandshakeEngine drives a TLS client whose records travel inside
// SSL_HANDSHAKE control messages instead of a socket.
type HandshakeEngine interface {
	// Process feeds phone bytes (empty to start) and returns the bytes to
	// send back. complete turns true once the handshake has finished.
	Process(in []byte) (out []byte, complete bool, err error)
	Complete() bool
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(cipher []byte) ([]byte, error)
	Close() error
}

// Config for a client Engine.
type Config struct {
	Identity    tls.Certificate
	ServerName  string
	StepTimeout time.Duration
	Logger      *slog.Logger
}

// Engine is the crypto/tls backed HandshakeEngine. Process, Encrypt and
// Decrypt must not be called concurrently.
type Engine struct {
	conn    *memConn
	tc      *tls.Conn
	step    time.Duration
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	start   sync.Once
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
	ready   bool
}

// clientConfig pins TLS 1.2. The phone presents a certificate from its own
// automotive CA, so there is no PKI or hostname check.
func clientConfig(cfg Config) *tls.Config {
	id := cfg.Identity
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: true, //nolint:gosec // phone certs chain to a private CA
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_RSA_WITH_AES_128_CBC_SHA,
			tls.TLS_RSA_WITH_AES_256_CBC_SHA,
		},
		// Always present the identity; the phone's CA list never names it.
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return &id, nil
		},
	}
}

// NewEngine returns a client engine. The handshake starts on the first
// Process call.
func NewEngine(cfg Config) *Engine {
	if cfg.ServerName == "" {
		cfg.ServerName = DefaultServerName
	}
	conn := newMemConn()
	return newEngine(conn, tls.Client(conn, clientConfig(cfg)), cfg.StepTimeout, cfg.Logger)
}

func newEngine(conn *memConn, tc *tls.Conn, step time.Duration, l *slog.Logger) *Engine {
	if step <= 0 {
		step = DefaultStepTimeout
	}
	if l == nil {
		l = logging.Component("tls")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{conn: conn, tc: tc, step: step, logger: l, ctx: ctx, cancel: cancel}
}

func (e *Engine) run() {
	defer e.wg.Done()
	err := e.tc.HandshakeContext(e.ctx)
	if err == nil {
		st := e.tc.ConnectionState()
		e.logger.Info("tls_handshake_done", "version", tls.VersionName(st.Version), "cipher", tls.CipherSuiteName(st.CipherSuite))
	}
	e.conn.finish(err)
}

func (e *Engine) Process(in []byte) ([]byte, bool, error) {
	if e.isClosed() {
		return nil, false, ErrClosed
	}
	if done, err := e.conn.result(); done {
		if err != nil {
			return nil, false, fmt.Errorf("tls handshake: %w", err)
		}
		e.markReady()
		return e.conn.drain(), true, nil
	}
	e.start.Do(func() {
		e.wg.Add(1)
		go e.run()
	})
	if len(in) > 0 {
		e.conn.feed(in)
	}
	if !e.conn.waitIdle(e.step) {
		return e.conn.drain(), false, fmt.Errorf("%w after %s", ErrStalled, e.step)
	}
	out := e.conn.drain()
	done, err := e.conn.result()
	if err != nil {
		return out, false, fmt.Errorf("tls handshake: %w", err)
	}
	if done {
		e.markReady()
	}
	return out, done, nil
}

// markReady switches the conn to non-blocking reads for record decryption.
func (e *Engine) markReady() {
	if !e.ready {
		e.conn.setBlocking(false)
		e.ready = true
	}
}

func (e *Engine) Complete() bool {
	done, err := e.conn.result()
	return done && err == nil
}

// Encrypt seals plain into one or more TLS records.
func (e *Engine) Encrypt(plain []byte) ([]byte, error) {
	if !e.Complete() || !e.ready {
		return nil, ErrNotComplete
	}
	if _, err := e.tc.Write(plain); err != nil {
		return nil, fmt.Errorf("tls encrypt: %w", err)
	}
	return e.conn.drain(), nil
}

// Decrypt opens every complete record in cipher. Bytes of a trailing
// partial record stay buffered for the next call.
func (e *Engine) Decrypt(cipher []byte) ([]byte, error) {
	if !e.Complete() || !e.ready {
		return nil, ErrNotComplete
	}
	e.conn.feed(cipher)
	var plain []byte
	buf := make([]byte, recordChunk)
	for {
		n, err := e.tc.Read(buf)
		plain = append(plain, buf[:n]...)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return plain, nil
			}
			return plain, fmt.Errorf("tls decrypt: %w", err)
		}
		if n == 0 {
			return plain, nil
		}
	}
}

func (e *Engine) isClosed() bool {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	return e.closed
}

// Close unblocks and joins the handshake goroutine. It is idempotent.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()
	e.cancel()
	_ = e.conn.Close()
	e.wg.Wait()
	return nil
}

// ConnectionState exposes the negotiated parameters once complete.
func (e *Engine) ConnectionState() tls.ConnectionState { return e.tc.ConnectionState() }
