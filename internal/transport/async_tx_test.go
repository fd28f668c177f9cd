package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestAsyncTx_DeliversInOrder(t *testing.T) {
	got := make(chan int, 8)
	var after atomic.Int64
	ax := NewAsyncTx(context.Background(), 4, func(v int) error { got <- v; return nil },
		Hooks{OnAfter: func() { after.Add(1) }})
	defer ax.Close()
	for i := range 3 {
		if err := ax.Send(i); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for want := range 3 {
		select {
		case v := <-got:
			if v != want {
				t.Fatalf("got %d want %d", v, want)
			}
		case <-time.After(time.Second):
			t.Fatal("item not delivered")
		}
	}
	waitFor(t, func() bool { return after.Load() == 3 })
}

// A gated worker holds at most one item, so with buf=1 the third send
// always overflows.
func TestAsyncTx_Overflow(t *testing.T) {
	gate := make(chan struct{})
	var drops atomic.Int64
	ax := NewAsyncTx(context.Background(), 1, func([]byte) error { <-gate; return nil },
		Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	defer close(gate)
	var overflowed bool
	for range 3 {
		if err := ax.Send(nil); errors.Is(err, errOverflow) {
			overflowed = true
		} else if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if !overflowed || drops.Load() == 0 {
		t.Fatalf("expected overflow, drops=%d", drops.Load())
	}
}

func TestAsyncTx_SilentDropWithoutHook(t *testing.T) {
	gate := make(chan struct{})
	ax := NewAsyncTx(context.Background(), 1, func([]byte) error { <-gate; return nil }, Hooks{})
	defer ax.Close()
	defer close(gate)
	for range 3 {
		if err := ax.Send(nil); err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ax.Len() > 1 {
		t.Fatalf("queue len %d exceeds buffer", ax.Len())
	}
}

func TestAsyncTx_SendError(t *testing.T) {
	var errs atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func([]byte) error { return errSendFail },
		Hooks{OnError: func(err error) {
			if errors.Is(err, errSendFail) {
				errs.Add(1)
			}
		}})
	defer ax.Close()
	_ = ax.Send(nil)
	waitFor(t, func() bool { return errs.Load() == 1 })
}

func TestAsyncTx_NothingAfterClose(t *testing.T) {
	var sent atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func([]byte) error { sent.Add(1); return nil }, Hooks{})
	_ = ax.Send(nil)
	ax.Close()
	before := sent.Load()
	if err := ax.Send([]byte{1}); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
	ax.Close()
	time.Sleep(20 * time.Millisecond)
	if sent.Load() != before {
		t.Fatalf("item processed after close: before=%d after=%d", before, sent.Load())
	}
}

func TestAsyncTx_ParentCancelStopsWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var sent atomic.Int64
	ax := NewAsyncTx(ctx, 4, func([]byte) error { sent.Add(1); return nil }, Hooks{})
	defer ax.Close()
	cancel()
	time.Sleep(10 * time.Millisecond)
	_ = ax.Send(nil)
	time.Sleep(20 * time.Millisecond)
	if sent.Load() != 0 {
		t.Fatalf("worker ran after cancel: sent=%d", sent.Load())
	}
}

func TestAsyncTx_CloseConcurrentSend(t *testing.T) {
	for i := range 100 {
		ax := NewAsyncTx(context.Background(), 1, func([]byte) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() { done <- ax.Send(nil) }()
		time.Sleep(time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}
