package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// maxFrameSize guards against absurd length prefixes.
const maxFrameSize = 1 << 24

// deadlineConn is the subset of net.Conn the framer needs. Both net.Conn
// and quic-go streams satisfy it.
type deadlineConn interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
}

// FrameConn reads and writes u32-LE length-prefixed frames over a byte
// stream. Receives are resumable: when a deadline fires mid-frame the
// partially read header/body is retained and the next receive continues
// where the previous one stopped, so a timeout never desynchronizes the
// stream.
type FrameConn struct {
	wmu sync.Mutex
	bw  *bufio.Writer

	c  deadlineConn
	br *bufio.Reader

	// in-progress receive state
	head    [4]byte
	headGot int
	body    []byte
	bodyGot int
}

// NewFrameConn wraps c with buffered frame IO.
func NewFrameConn(c deadlineConn) *FrameConn {
	return &FrameConn{c: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c)}
}

// Send writes one frame.
func (f *FrameConn) Send(b []byte) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := f.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := f.bw.Write(b); err != nil {
		return err
	}
	return f.bw.Flush()
}

// Recv blocks until a whole frame is available.
func (f *FrameConn) Recv() ([]byte, error) {
	_ = f.c.SetReadDeadline(time.Time{})
	return f.recv()
}

// RecvTimeout waits up to d for a whole frame. On expiry it returns
// ErrTimeout and keeps any partial frame state for the next call.
func (f *FrameConn) RecvTimeout(d time.Duration) ([]byte, error) {
	if err := f.c.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	b, err := f.recv()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return b, nil
}

func (f *FrameConn) recv() ([]byte, error) {
	for f.headGot < 4 {
		n, err := f.br.Read(f.head[f.headGot:])
		f.headGot += n
		if err != nil {
			return nil, err
		}
	}
	if f.body == nil {
		size := int(binary.LittleEndian.Uint32(f.head[:]))
		if size > maxFrameSize {
			return nil, errors.New("transport: invalid frame size")
		}
		f.body = make([]byte, size)
		f.bodyGot = 0
	}
	for f.bodyGot < len(f.body) {
		n, err := f.br.Read(f.body[f.bodyGot:])
		f.bodyGot += n
		if err != nil {
			return nil, err
		}
	}
	out := f.body
	f.headGot, f.body, f.bodyGot = 0, nil, 0
	return out, nil
}
