package sink

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/kstaniek/aa-headunit/internal/aap"
)

const (
	// dumpHeaderLen is channel(1) + message id(2) + length(4).
	dumpHeaderLen = 7
	maxDumpRecord = 16 << 20
)

// Dump writes payloads to a file. In raw mode only the payload bytes are
// written (a video channel dump is then a playable H.264 elementary
// stream); otherwise each record is prefixed with channel, id and length.
type Dump struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	raw    bool
	hdr    [dumpHeaderLen]byte
}

// NewDump creates (truncating) path.
func NewDump(path string, raw bool) (*Dump, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("dump sink: %w", err)
	}
	return newDump(f, f, raw), nil
}

func newDump(w io.Writer, c io.Closer, raw bool) *Dump {
	return &Dump{w: bufio.NewWriterSize(w, 64*1024), closer: c, raw: raw}
}

func (d *Dump) Deliver(p Payload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.w == nil {
		return os.ErrClosed
	}
	if !d.raw {
		d.hdr[0] = byte(p.Channel)
		binary.BigEndian.PutUint16(d.hdr[1:], p.ID)
		binary.BigEndian.PutUint32(d.hdr[3:], uint32(len(p.Data)))
		if _, err := d.w.Write(d.hdr[:]); err != nil {
			return err
		}
	}
	_, err := d.w.Write(p.Data)
	return err
}

// Close flushes and closes the file. It is idempotent.
func (d *Dump) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.w == nil {
		return nil
	}
	err := d.w.Flush()
	d.w = nil
	if d.closer != nil {
		if cerr := d.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ReadDump decodes one framed record written by a non-raw Dump.
func ReadDump(r io.Reader) (Payload, error) {
	var hdr [dumpHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Payload{}, err
	}
	p := Payload{Channel: aap.Channel(hdr[0]), ID: binary.BigEndian.Uint16(hdr[1:])}
	n := binary.BigEndian.Uint32(hdr[3:])
	if n > maxDumpRecord {
		return Payload{}, fmt.Errorf("dump record: length %d too large", n)
	}
	p.Data = make([]byte, n)
	if _, err := io.ReadFull(r, p.Data); err != nil {
		return Payload{}, fmt.Errorf("dump record: %w", err)
	}
	return p, nil
}
