// Package reg wires the concrete transports into the endpoint resolver.
// Import it for side effects wherever endpoints are resolved:
//
//	import _ "vdispatch/pkg/transport/reg"
package reg

import (
	"fmt"

	"vdispatch/pkg/transport"
	"vdispatch/pkg/transport/mem"
	"vdispatch/pkg/transport/quic"
	"vdispatch/pkg/transport/tcp"
)

func init() {
	tcpT := tcp.New()
	var quicT *quic.Transport
	transport.SetDefaultFactory(func(scheme string) (transport.Transport, error) {
		switch scheme {
		case "tcp":
			return tcpT, nil
		case "quic":
			if quicT == nil {
				quicT = quic.New()
			}
			return quicT, nil
		case "mem":
			return mem.Default, nil
		default:
			return nil, fmt.Errorf("transport: unsupported endpoint scheme %q", scheme)
		}
	})
}
