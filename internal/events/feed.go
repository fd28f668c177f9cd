// Package events serves session notifications to UI collaborators as JSON
// over a websocket. Each subscriber is a hub client; a slow subscriber loses
// events (or is kicked) without ever stalling the session.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kstaniek/aa-headunit/internal/hub"
	"github.com/kstaniek/aa-headunit/internal/logging"
	"github.com/kstaniek/aa-headunit/internal/metrics"
)

var ErrWrite = errors.New("events_write")

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	maxInboundMessage   = 512
)

// Feed is an http.Handler upgrading requests to event subscriptions.
type Feed struct {
	hub          *hub.Hub
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration
	maxClients   int
	snapshot     func() hub.Event
	logger       *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type Option func(*Feed)

// WithSnapshot sends fn's event to every subscriber before any broadcast, so
// a new UI starts from the current session state.
func WithSnapshot(fn func() hub.Event) Option { return func(f *Feed) { f.snapshot = fn } }

func WithWriteTimeout(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.writeTimeout = d
		}
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.pingInterval = d
		}
	}
}

func WithMaxClients(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

func NewFeed(h *hub.Hub, opts ...Option) *Feed {
	f := &Feed{
		hub:          h,
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		logger:       logging.Component("events"),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.maxClients > 0 && f.hub.Count() >= f.maxClients {
		f.logger.Warn("events_client_rejected", "remote", r.RemoteAddr, "reason", "max_clients", "max", f.maxClients)
		http.Error(w, "too many subscribers", http.StatusServiceUnavailable)
		return
	}
	select {
	case <-f.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		f.logger.Debug("events_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	cl := hub.NewClient(f.hub.OutBufSize)
	if f.snapshot != nil {
		cl.Out <- f.snapshot()
	}
	f.hub.Add(cl)
	l := f.logger.With("remote", r.RemoteAddr)
	l.Info("events_client_connected", "clients", f.hub.Count())

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.readLoop(conn, cl)
	}()
	f.wg.Add(1)
	defer f.wg.Done()
	f.writeLoop(conn, cl, l)
}

// readLoop discards inbound messages and keeps the read deadline alive on
// pongs. It closes cl once the peer goes away.
func (f *Feed) readLoop(conn *websocket.Conn, cl *hub.Client) {
	defer cl.Close()
	wait := 2 * f.pingInterval
	conn.SetReadLimit(maxInboundMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wait)) })
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writeLoop(conn *websocket.Conn, cl *hub.Client, l *slog.Logger) {
	defer func() {
		f.hub.Remove(cl)
		_ = conn.Close()
		l.Info("events_client_disconnected", "clients", f.hub.Count())
	}()
	ping := time.NewTicker(f.pingInterval)
	defer ping.Stop()
	goodbye := func(reason string) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(f.writeTimeout))
	}
	for {
		select {
		case ev := <-cl.Out:
			_ = conn.SetWriteDeadline(time.Now().Add(f.writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				wrap := fmt.Errorf("%w: %v", ErrWrite, err)
				metrics.IncError(metrics.ErrEventsWrite)
				l.Warn("events_write_failed", "error", wrap)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.writeTimeout)); err != nil {
				return
			}
		case <-cl.Closed:
			goodbye("closed")
			return
		case <-f.done:
			goodbye("shutdown")
			return
		}
	}
}

// Close disconnects every subscriber and waits for their loops.
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
	f.wg.Wait()
}

// StatusHandler serves fn's result as JSON.
func StatusHandler(fn func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(fn()); err != nil {
			logging.Component("events").Warn("status_encode_failed", "error", err)
		}
	})
}
