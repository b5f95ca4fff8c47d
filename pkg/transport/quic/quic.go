// Package quic implements a QUIC-based transport with length-prefixed
// frames over a single bidirectional stream per session.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"vdispatch/pkg/transport"
)

const alpnProto = "vdispatch"

type Transport struct {
	tlsConf  *tls.Config
	quicConf *quicgo.Config
}

// New builds a transport with an ephemeral self-signed certificate for the
// server side. Clients skip verification; the deployment model is the same
// trusted network the plain TCP endpoints assume.
func New() *Transport {
	cert, _ := selfSignedCert()
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
		MinVersion:   tls.VersionTLS13,
	}
	return &Transport{tlsConf: tlsConf, quicConf: &quicgo.Config{}}
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	ql := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	go ql.acceptLoop(ctx)
	go func() { <-ctx.Done(); _ = ql.Close() }()
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	tlsClient := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProto},
		MinVersion:         tls.VersionTLS13,
	}
	c, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
	if err != nil {
		return nil, err
	}
	st, err := c.OpenStreamSync(ctx)
	if err != nil {
		_ = c.CloseWithError(0, "open stream")
		return nil, err
	}
	// The stream is lazily opened; the first Send materializes it on the
	// listener side.
	return newSession(c, st, peer), nil
}

type listener struct {
	l       *quicgo.Listener
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

func (l *listener) acceptLoop(ctx context.Context) {
	for {
		c, err := l.l.Accept(ctx)
		if err != nil {
			return
		}
		go func(c quicgo.Connection) {
			st, err := c.AcceptStream(ctx)
			if err != nil {
				_ = c.CloseWithError(0, "accept stream")
				return
			}
			peer := transport.PeerInfo{
				ID:   transport.TempPeerID(transport.KindQUIC, c.RemoteAddr()),
				Addr: c.RemoteAddr().String(),
			}
			s := newSession(c, st, peer)
			select {
			case l.newCh <- s:
			case <-l.closeCh:
				_ = s.Close()
			}
		}(c)
	}
}

type session struct {
	peer transport.PeerInfo
	c    quicgo.Connection
	st   quicgo.Stream
	fc   *transport.FrameConn
}

func newSession(c quicgo.Connection, st quicgo.Stream, peer transport.PeerInfo) *session {
	return &session{peer: peer, c: c, st: st, fc: transport.NewFrameConn(st)}
}

func (s *session) Peer() transport.PeerInfo      { return s.peer }
func (s *session) TransportKind() transport.Kind { return transport.KindQUIC }
func (s *session) LocalAddr() net.Addr           { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.c.RemoteAddr() }

func (s *session) Send(b []byte) error                         { return s.fc.Send(b) }
func (s *session) Recv() ([]byte, error)                       { return s.fc.Recv() }
func (s *session) RecvTimeout(d time.Duration) ([]byte, error) { return s.fc.RecvTimeout(d) }

func (s *session) Close() error {
	_ = s.st.Close()
	return s.c.CloseWithError(0, "")
}

// selfSignedCert generates a short-lived self-signed TLS certificate for
// local QUIC use.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
