package tlsio

import (
	"net"
	"os"
	"sync"
	"time"
)

// memConn is a net.Conn backed by two byte queues. The TLS stack reads
// phone bytes from in and writes records to out. While blocking is set a
// Read with nothing queued parks until input arrives; otherwise it fails
// with a temporary timeout so crypto/tls keeps the partial record and the
// connection stays usable.
type memConn struct {
	mu       sync.Mutex
	cond     *sync.Cond
	in       []byte
	out      []byte
	parked   bool
	blocking bool
	closed   bool

	// handshake result, set once by the handshake goroutine
	done  bool
	hsErr error
}

func newMemConn() *memConn {
	c := &memConn{blocking: true}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *memConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.in) == 0 && !c.closed && c.blocking {
		c.parked = true
		c.cond.Broadcast()
		c.cond.Wait()
	}
	c.parked = false
	if c.closed {
		return 0, net.ErrClosed
	}
	if len(c.in) == 0 {
		return 0, os.ErrDeadlineExceeded
	}
	n := copy(p, c.in)
	c.in = c.in[n:]
	if len(c.in) == 0 {
		c.in = nil
	}
	return n, nil
}

func (c *memConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	c.out = append(c.out, p...)
	return len(p), nil
}

// feed queues inbound bytes and wakes a parked reader.
func (c *memConn) feed(b []byte) {
	c.mu.Lock()
	c.in = append(c.in, b...)
	c.cond.Broadcast()
	c.mu.Unlock()
}

// drain takes everything written so far.
func (c *memConn) drain() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.out
	c.out = nil
	return out
}

// finish records the handshake outcome and wakes waiters.
func (c *memConn) finish(err error) {
	c.mu.Lock()
	c.done, c.hsErr = true, err
	c.cond.Broadcast()
	c.mu.Unlock()
}

// waitIdle blocks until the handshake goroutine has consumed all input and
// parked, or has finished. It reports false if neither happened within d.
func (c *memConn) waitIdle(d time.Duration) bool {
	expired := false
	t := time.AfterFunc(d, func() {
		c.mu.Lock()
		expired = true
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer t.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.done && !c.closed && !(c.parked && len(c.in) == 0) {
		if expired {
			return false
		}
		c.cond.Wait()
	}
	return true
}

// result returns the handshake outcome.
func (c *memConn) result() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done, c.hsErr
}

// setBlocking switches Read between parking and failing fast.
func (c *memConn) setBlocking(b bool) {
	c.mu.Lock()
	c.blocking = b
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *memConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

type memAddr struct{}

func (memAddr) Network() string { return "aap" }
func (memAddr) String() string  { return "control-channel" }

func (c *memConn) LocalAddr() net.Addr                { return memAddr{} }
func (c *memConn) RemoteAddr() net.Addr               { return memAddr{} }
func (c *memConn) SetDeadline(t time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(t time.Time) error { return nil }
