// Package transport provides the message-oriented socket pair used by the
// dispatch layer: reliable bidirectional sessions carrying length-prefixed
// frames, with connect, send, receive-with-timeout and close.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind identifies transport/link type.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindQUIC
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// Sentinel errors shared by all transport implementations.
var (
	// ErrTimeout reports that no frame arrived within the deadline passed
	// to RecvTimeout. The session stays usable; an interrupted frame is
	// resumed by the next receive call.
	ErrTimeout = errors.New("transport: receive timed out")
	// ErrClosed reports an operation on a closed session or listener.
	ErrClosed = errors.New("transport: closed")
)

// PeerID is an opaque stable peer identity.
type PeerID string

// PeerInfo bundles peer identity and addressing hints.
type PeerInfo struct {
	ID   PeerID
	Addr string // transport-dependent address string
}

// TempPeerID derives a throwaway peer id from a transport kind and address,
// used for inbound sessions before any application-level identification.
func TempPeerID(k Kind, addr net.Addr) PeerID {
	if addr == nil {
		return PeerID(fmt.Sprintf("temp:%s", k))
	}
	return PeerID(fmt.Sprintf("temp:%s:%s", k, addr.String()))
}

// Session is a bidirectional frame stream to one peer. Exactly one reader
// and one writer goroutine are expected.
type Session interface {
	Peer() PeerInfo
	TransportKind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// Send writes one message frame as opaque bytes.
	Send([]byte) error
	// Recv blocks until the next message frame arrives.
	Recv() ([]byte, error)
	// RecvTimeout waits up to d for the next frame and returns ErrTimeout
	// when nothing arrived in time.
	RecvTimeout(d time.Duration) ([]byte, error)

	Close() error
}

// Listener accepts inbound sessions.
type Listener interface {
	// Accept blocks until an inbound session is available or ctx is done.
	Accept(ctx context.Context) (Session, error)
	// Addr returns the local listening address.
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport provides dialing/listening for a specific link kind.
type Transport interface {
	Kind() Kind
	// Listen starts accepting inbound sessions on address.
	Listen(ctx context.Context, address string) (Listener, error)
	// Dial creates an outbound session to a peer/address.
	Dial(ctx context.Context, address string, peer PeerInfo) (Session, error)
}
