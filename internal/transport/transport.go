package transport

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared by all transports.
var (
	ErrNotConnected = errors.New("transport not connected")
	ErrWriteTimeout = errors.New("transport write timeout")
)

// Kind enumerates transport lifecycle events.
type Kind int

const (
	Connected Kind = iota
	Data
	Disconnected
	Failed
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Data:
		return "data"
	case Disconnected:
		return "disconnected"
	default:
		return "error"
	}
}

// Event is pushed by a transport's loops to its owner. Data carries one read
// chunk, owned by the receiver.
type Event struct {
	Kind      Kind
	Transport string
	Data      []byte
	Err       error
}

// Transport is a byte pipe to the phone. Run owns the scan/connect and read
// loops and returns once ctx is cancelled and every loop has exited.
type Transport interface {
	Name() string
	Run(ctx context.Context, events chan<- Event) error
	// Write sends b in full or returns an error; it never blocks past its
	// configured timeout.
	Write(ctx context.Context, b []byte) error
	// Recover forces transport-level recovery after a protocol stall.
	Recover(cause error)
}

// Hinter is implemented by transports that can tell the user what to do when
// the phone stops answering.
type Hinter interface {
	RecoveryHint() string
}

// ActionableError carries a hint the user can act on ("unplug and replug").
type ActionableError struct {
	Err  error
	Hint string
}

func (e *ActionableError) Error() string {
	if e.Err == nil {
		return e.Hint
	}
	return fmt.Sprintf("%v (%s)", e.Err, e.Hint)
}

func (e *ActionableError) Unwrap() error { return e.Err }

// Actionable wraps err with a user-facing hint.
func Actionable(err error, hint string) error { return &ActionableError{Err: err, Hint: hint} }

// HintOf returns the hint of the first ActionableError in err's chain.
func HintOf(err error) string {
	var ae *ActionableError
	if errors.As(err, &ae) {
		return ae.Hint
	}
	return ""
}

// Emit delivers ev unless ctx is done first. Events are never dropped while
// the owner is alive.
func Emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
