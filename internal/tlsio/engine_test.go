package tlsio

import (
	"bytes"
	"crypto/tls"
	"errors"
	"sync"
	"testing"
	"time"
)

var (
	idOnce   sync.Once
	idClient tls.Certificate
	idServer tls.Certificate
	idErr    error
)

func identities(t *testing.T) (tls.Certificate, tls.Certificate) {
	t.Helper()
	idOnce.Do(func() {
		if idClient, idErr = SelfSigned("test head unit"); idErr != nil {
			return
		}
		idServer, idErr = SelfSigned("test phone")
	})
	if idErr != nil {
		t.Fatalf("identity: %v", idErr)
	}
	return idClient, idServer
}

// phoneEngine plays the phone side: a TLS 1.2 server that requires a client
// certificate, driven over the same in-memory conn.
func phoneEngine(t *testing.T, id tls.Certificate) *Engine {
	t.Helper()
	conn := newMemConn()
	tc := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{id},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
		ClientAuth:   tls.RequireAnyClientCert,
	})
	e := newEngine(conn, tc, 2*time.Second, nil)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func headUnitEngine(t *testing.T, id tls.Certificate) *Engine {
	t.Helper()
	e := NewEngine(Config{Identity: id, StepTimeout: 2 * time.Second})
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// pingPong relays handshake output between the two engines until both finish.
func pingPong(t *testing.T, hu, phone *Engine) {
	t.Helper()
	toPhone, huDone, err := hu.Process(nil)
	if err != nil {
		t.Fatalf("client hello: %v", err)
	}
	if len(toPhone) == 0 {
		t.Fatalf("empty input must produce a ClientHello")
	}
	phoneDone := false
	for i := 0; i < 8 && !(huDone && phoneDone); i++ {
		var toHU []byte
		toHU, phoneDone, err = phone.Process(toPhone)
		if err != nil {
			t.Fatalf("phone step %d: %v", i, err)
		}
		toPhone, huDone, err = hu.Process(toHU)
		if err != nil {
			t.Fatalf("head unit step %d: %v", i, err)
		}
	}
	if !huDone || !phoneDone {
		t.Fatalf("handshake did not finish: hu=%v phone=%v", huDone, phoneDone)
	}
}

func TestEngine_HandshakeAndRecords(t *testing.T) {
	cid, sid := identities(t)
	hu, phone := headUnitEngine(t, cid), phoneEngine(t, sid)
	pingPong(t, hu, phone)

	if !hu.Complete() || !phone.Complete() {
		t.Fatalf("Complete() false after handshake")
	}
	st := phone.ConnectionState()
	if st.Version != tls.VersionTLS12 {
		t.Fatalf("version=%x", st.Version)
	}
	if len(st.PeerCertificates) != 1 || !bytes.Equal(st.PeerCertificates[0].Raw, cid.Certificate[0]) {
		t.Fatalf("phone did not receive the head unit certificate")
	}

	// head unit -> phone
	plain := []byte{0x00, 0x05, 'h', 'e', 'l', 'l', 'o'}
	rec, err := hu.Encrypt(plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(rec, []byte("hello")) {
		t.Fatalf("record carries plaintext")
	}
	got, err := phone.Decrypt(rec)
	if err != nil || !bytes.Equal(got, plain) {
		t.Fatalf("decrypt got %x err=%v", got, err)
	}

	// phone -> head unit, two records delivered in one call
	r1, _ := phone.Encrypt([]byte("one"))
	r2, _ := phone.Encrypt([]byte("two"))
	got, err = hu.Decrypt(append(r1, r2...))
	if err != nil || string(got) != "onetwo" {
		t.Fatalf("got %q err=%v", got, err)
	}

	// a record split across calls is held until complete
	r3, _ := phone.Encrypt([]byte("split"))
	got, err = hu.Decrypt(r3[:7])
	if err != nil || len(got) != 0 {
		t.Fatalf("partial record got %q err=%v", got, err)
	}
	got, err = hu.Decrypt(r3[7:])
	if err != nil || string(got) != "split" {
		t.Fatalf("rest of record got %q err=%v", got, err)
	}
}

func TestEngine_NotCompleteBeforeHandshake(t *testing.T) {
	cid, _ := identities(t)
	hu := headUnitEngine(t, cid)
	if hu.Complete() {
		t.Fatalf("fresh engine reports complete")
	}
	if _, err := hu.Encrypt([]byte{1}); !errors.Is(err, ErrNotComplete) {
		t.Fatalf("encrypt err=%v", err)
	}
	if _, err := hu.Decrypt([]byte{1}); !errors.Is(err, ErrNotComplete) {
		t.Fatalf("decrypt err=%v", err)
	}
}

func TestEngine_GarbageFailsHandshake(t *testing.T) {
	cid, _ := identities(t)
	hu := headUnitEngine(t, cid)
	if _, _, err := hu.Process(nil); err != nil {
		t.Fatal(err)
	}
	_, done, err := hu.Process([]byte("this is not a tls record at all"))
	if err == nil || done {
		t.Fatalf("garbage accepted: done=%v err=%v", done, err)
	}
	if hu.Complete() {
		t.Fatalf("failed engine reports complete")
	}
	// the failure is sticky
	if _, _, err := hu.Process(nil); err == nil {
		t.Fatalf("second Process after failure succeeded")
	}
}

func TestEngine_CloseIdempotent(t *testing.T) {
	cid, _ := identities(t)
	hu := NewEngine(Config{Identity: cid})
	if _, _, err := hu.Process(nil); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		_ = hu.Close()
		_ = hu.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not join the parked handshake")
	}
	if _, _, err := hu.Process(nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Process after Close err=%v", err)
	}
}

func TestEngine_NeverStartedClose(t *testing.T) {
	if err := NewEngine(Config{}).Close(); err != nil {
		t.Fatal(err)
	}
}
