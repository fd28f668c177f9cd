// Package sink holds the collaborator ports that receive channel payloads:
// the video decoder, audio output and UI status consumers.
package sink

import (
	"bytes"
	"context"
	"errors"

	"github.com/kstaniek/aa-headunit/internal/aap"
	"github.com/kstaniek/aa-headunit/internal/hub"
	"github.com/kstaniek/aa-headunit/internal/logging"
	"github.com/kstaniek/aa-headunit/internal/metrics"
	"github.com/kstaniek/aa-headunit/internal/transport"
)

var ErrOverflow = errors.New("sink queue overflow")

// Payload is one inbound service message. Data is owned by the receiver.
type Payload struct {
	Channel aap.Channel
	ID      uint16
	Data    []byte
}

// Sink consumes payloads of one or more channels.
type Sink interface {
	Deliver(Payload) error
}

// Func adapts a function to Sink.
type Func func(Payload) error

func (f Func) Deliver(p Payload) error { return f(p) }

// Discard drops everything.
var Discard Sink = Func(func(Payload) error { return nil })

// Handler adapts s to the channel router.
func Handler(s Sink) aap.Handler {
	return aap.HandlerFunc(func(m aap.Message) error {
		return s.Deliver(Payload{Channel: m.Channel, ID: m.ID, Data: m.Payload})
	})
}

// Multi delivers to every sink and returns the first error.
func Multi(sinks ...Sink) Sink {
	return Func(func(p Payload) error {
		var first error
		for _, s := range sinks {
			if err := s.Deliver(p); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// Async runs a slow sink on its own goroutine. A full queue drops the
// payload rather than stalling the session.
type Async struct {
	name string
	base *transport.AsyncTx[Payload]
}

// NewAsync wraps next with a queue of buf payloads. name labels metrics.
func NewAsync(parent context.Context, name string, buf int, next Sink) *Async {
	l := logging.Component("sink").With("sink", name)
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrHandler)
			l.Warn("sink_deliver_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncSinkDrop(name)
			metrics.IncError(metrics.ErrSinkOverflow)
			return ErrOverflow
		},
	}
	return &Async{name: name, base: transport.NewAsyncTx(parent, buf, next.Deliver, hooks)}
}

// Deliver queues p (dropping with ErrOverflow if the queue is full).
func (a *Async) Deliver(p Payload) error { return a.base.Send(p) }

// Len returns the queued payload count.
func (a *Async) Len() int { return a.base.Len() }

// Close stops the worker; queued payloads are discarded.
func (a *Async) Close() { a.base.Close() }

// Broadcaster is the part of the hub a Notify sink needs.
type Broadcaster interface {
	Broadcast(hub.Event)
}

// Notify forwards status payloads (navigation, phone and media status) to
// UI subscribers as raw bytes.
func Notify(b Broadcaster) Sink {
	return Func(func(p Payload) error {
		b.Broadcast(hub.Event{
			Kind:      hub.KindPayload,
			Channel:   p.Channel.String(),
			MessageID: p.ID,
			Data:      bytes.Clone(p.Data),
		})
		return nil
	})
}
