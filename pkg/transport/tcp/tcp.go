// Package tcp implements a stream-based TCP transport with length-prefixed
// frames (u32 LE).
package tcp

import (
	"context"
	"errors"
	"net"
	"time"

	"vdispatch/pkg/transport"
)

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	tl := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	go tl.acceptLoop()
	go func() { <-ctx.Done(); _ = tl.Close() }()
	return tl, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	d := &net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return newSession(c, peer), nil
}

type listener struct {
	l       net.Listener
	newCh   chan *session
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, transport.ErrClosed
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *listener) Close() error {
	select {
	case <-l.closeCh:
	default:
		close(l.closeCh)
	}
	return l.l.Close()
}

func (l *listener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		if err != nil {
			return
		}
		peer := transport.PeerInfo{
			ID:   transport.TempPeerID(transport.KindTCP, c.RemoteAddr()),
			Addr: c.RemoteAddr().String(),
		}
		s := newSession(c, peer)
		select {
		case l.newCh <- s:
		case <-l.closeCh:
			_ = s.Close()
			return
		}
	}
}

type session struct {
	peer transport.PeerInfo
	c    net.Conn
	fc   *transport.FrameConn
}

func newSession(c net.Conn, peer transport.PeerInfo) *session {
	return &session{peer: peer, c: c, fc: transport.NewFrameConn(c)}
}

func (s *session) Peer() transport.PeerInfo      { return s.peer }
func (s *session) TransportKind() transport.Kind { return transport.KindTCP }
func (s *session) LocalAddr() net.Addr           { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.c.RemoteAddr() }

func (s *session) Send(b []byte) error { return s.fc.Send(b) }
func (s *session) Recv() ([]byte, error) {
	b, err := s.fc.Recv()
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil, transport.ErrClosed
	}
	return b, err
}
func (s *session) RecvTimeout(d time.Duration) ([]byte, error) { return s.fc.RecvTimeout(d) }
func (s *session) Close() error                                { return s.c.Close() }
