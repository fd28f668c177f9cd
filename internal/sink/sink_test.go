package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/aa-headunit/internal/aap"
	"github.com/kstaniek/aa-headunit/internal/hub"
	"github.com/kstaniek/aa-headunit/internal/metrics"
)

type recorder struct {
	mu  sync.Mutex
	got []Payload
}

func (r *recorder) Deliver(p Payload) error {
	r.mu.Lock()
	r.got = append(r.got, p)
	r.mu.Unlock()
	return nil
}

func (r *recorder) len() int { r.mu.Lock(); defer r.mu.Unlock(); return len(r.got) }

func TestHandler_AdaptsMessage(t *testing.T) {
	var r recorder
	h := Handler(&r)
	if err := h.Handle(aap.Message{Channel: aap.ChannelMediaAudio, ID: 0, Payload: []byte{1, 2}}); err != nil {
		t.Fatal(err)
	}
	if len(r.got) != 1 || r.got[0].Channel != aap.ChannelMediaAudio || !bytes.Equal(r.got[0].Data, []byte{1, 2}) {
		t.Fatalf("got %+v", r.got)
	}
}

func TestMulti_DeliversToAll(t *testing.T) {
	var a, b recorder
	boom := errors.New("boom")
	m := Multi(&a, Func(func(Payload) error { return boom }), &b)
	if err := m.Deliver(Payload{ID: 1}); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if a.len() != 1 || b.len() != 1 {
		t.Fatalf("a=%d b=%d", a.len(), b.len())
	}
}

func TestAsync_DeliversInOrder(t *testing.T) {
	var r recorder
	a := NewAsync(context.Background(), "test", 16, &r)
	defer a.Close()
	for i := 0; i < 10; i++ {
		if err := a.Deliver(Payload{ID: uint16(i)}); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	deadline := time.Now().Add(time.Second)
	for r.len() < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.got {
		if p.ID != uint16(i) {
			t.Fatalf("payload %d has id %d", i, p.ID)
		}
	}
	if len(r.got) != 10 {
		t.Fatalf("delivered %d", len(r.got))
	}
}

func TestAsync_OverflowDropsAndCounts(t *testing.T) {
	block := make(chan struct{})
	slow := Func(func(Payload) error { <-block; return nil })
	a := NewAsync(context.Background(), "slow", 1, slow)
	defer func() { close(block); a.Close() }()

	before := metrics.Snap().SinkDrops
	var overflow int
	for i := 0; i < 20; i++ {
		if err := a.Deliver(Payload{ID: uint16(i)}); errors.Is(err, ErrOverflow) {
			overflow++
		}
	}
	if overflow == 0 {
		t.Fatalf("no overflow with a blocked consumer")
	}
	if got := metrics.Snap().SinkDrops - before; got != uint64(overflow) {
		t.Fatalf("drop metric=%d overflow=%d", got, overflow)
	}
}

func TestDump_FramedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aap.dump")
	d, err := NewDump(path, false)
	if err != nil {
		t.Fatal(err)
	}
	in := []Payload{
		{Channel: aap.ChannelVideo, ID: 0, Data: []byte{0, 0, 0, 1, 0x67}},
		{Channel: aap.ChannelNavigation, ID: 0x8004, Data: nil},
	}
	for _, p := range in {
		if err := d.Deliver(p); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := d.Deliver(in[0]); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("deliver after close err=%v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for i, want := range in {
		got, err := ReadDump(f)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if got.Channel != want.Channel || got.ID != want.ID || !bytes.Equal(got.Data, want.Data) {
			t.Fatalf("record %d = %+v want %+v", i, got, want)
		}
	}
	if _, err := ReadDump(f); !errors.Is(err, io.EOF) {
		t.Fatalf("trailing read err=%v", err)
	}
}

func TestDump_Raw(t *testing.T) {
	var buf bytes.Buffer
	d := newDump(&buf, nil, true)
	_ = d.Deliver(Payload{Channel: aap.ChannelVideo, Data: []byte{1, 2}})
	_ = d.Deliver(Payload{Channel: aap.ChannelVideo, Data: []byte{3}})
	_ = d.Close()
	if !bytes.Equal(buf.Bytes(), []byte{1, 2, 3}) {
		t.Fatalf("raw dump=%x", buf.Bytes())
	}
}

func TestNotify_Broadcasts(t *testing.T) {
	h := hub.New()
	cl := hub.NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)
	data := []byte{9}
	if err := Notify(h).Deliver(Payload{Channel: aap.ChannelPhoneStatus, ID: 3, Data: data}); err != nil {
		t.Fatal(err)
	}
	data[0] = 0
	ev := <-cl.Out
	if ev.Kind != hub.KindPayload || ev.Channel != "phone_status" || ev.MessageID != 3 || !bytes.Equal(ev.Data, []byte{9}) {
		t.Fatalf("event=%+v", ev)
	}
}
