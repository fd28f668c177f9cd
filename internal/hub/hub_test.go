package hub

import (
	"testing"
	"time"
)

func TestHub_Broadcast_DropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)

	// Don't read from cl.Out to simulate slow client
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(Event{Kind: KindPayload, Channel: "video", Count: i})
	}
	elapsed := time.Since(start)
	if elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected client buffer to be full, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
	if ev := <-cl.Out; ev.Time.IsZero() || ev.Count != 0 {
		t.Fatalf("first queued event=%+v", ev)
	}
}

func TestHub_Broadcast_DropKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := NewClient(1)
	fast := NewClient(16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	h.Broadcast(Event{Kind: KindState, State: "connecting"})
	for i := 0; i < 10; i++ {
		h.Broadcast(Event{Kind: KindState, State: "connected"})
	}

	got := 0
	timeout := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case <-fast.Out:
			got++
			if got >= 5 {
				break loop
			}
		case <-timeout:
			break loop
		}
	}
	if got == 0 {
		t.Fatalf("fast client did not receive any events while slow was backpressured")
	}
}

func TestHub_KickPolicyClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	cl := NewClient(1)
	h.Add(cl)
	defer h.Remove(cl)

	h.Broadcast(Event{Kind: KindState})
	h.Broadcast(Event{Kind: KindState})
	select {
	case <-cl.Closed:
	default:
		t.Fatalf("slow client not kicked")
	}
	// kicked clients are skipped until removed
	h.Broadcast(Event{Kind: KindState})
}

func TestHub_AddRemoveCount(t *testing.T) {
	h := New()
	a, b := NewClient(1), NewClient(1)
	h.Add(a)
	h.Add(b)
	if h.Count() != 2 {
		t.Fatalf("count=%d", h.Count())
	}
	h.Remove(a)
	h.Remove(a)
	if h.Count() != 1 {
		t.Fatalf("count=%d after double remove", h.Count())
	}
	select {
	case <-a.Closed:
	default:
		t.Fatalf("removed client not closed")
	}
}
