package aap

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/aa-headunit/internal/logging"
	"github.com/kstaniek/aa-headunit/internal/metrics"
)

// Handler consumes messages for one channel.
type Handler interface {
	Handle(Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Message) error

func (f HandlerFunc) Handle(m Message) error { return f(m) }

// Router dispatches messages to per-channel handlers. A failing or panicking
// handler is logged and counted; Route never returns its error.
type Router struct {
	mu       sync.RWMutex
	handlers map[Channel]Handler
	logger   *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger overrides the default component logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRouter(opts ...RouterOption) *Router {
	r := &Router{handlers: make(map[Channel]Handler), logger: logging.Component("router")}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register installs h for ch, replacing any previous handler.
func (r *Router) Register(ch Channel, h Handler) {
	r.mu.Lock()
	r.handlers[ch] = h
	r.mu.Unlock()
}

// Unregister removes the handler for ch, if any.
func (r *Router) Unregister(ch Channel) {
	r.mu.Lock()
	delete(r.handlers, ch)
	r.mu.Unlock()
}

// Route invokes the handler registered for m.Channel. It reports whether a
// handler was found.
func (r *Router) Route(m Message) bool {
	r.mu.RLock()
	h, ok := r.handlers[m.Channel]
	r.mu.RUnlock()
	if !ok {
		metrics.IncUnrouted()
		r.logger.Debug("route_unhandled", "channel", m.Channel.String(), "msg_id", m.ID, "len", len(m.Payload))
		return false
	}
	if err := r.invoke(h, m); err != nil {
		metrics.IncError(metrics.ErrHandler)
		r.logger.Error("handler_error", "channel", m.Channel.String(), "msg_id", m.ID, "error", err)
	}
	return true
}

func (r *Router) invoke(h Handler, m Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Handle(m)
}
