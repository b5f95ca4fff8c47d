package transport

import (
	"fmt"
	"strings"
)

// Endpoint syntax is scheme://address, e.g. tcp://0.0.0.0:10123,
// quic://broker.example.org:10123 or mem://backend for in-process wiring.
// A bare address without scheme defaults to tcp.

// SplitEndpoint returns the scheme and address parts of an endpoint.
func SplitEndpoint(endpoint string) (scheme, address string) {
	if i := strings.Index(endpoint, "://"); i >= 0 {
		return strings.ToLower(endpoint[:i]), endpoint[i+3:]
	}
	return "tcp", endpoint
}

// Factory maps an endpoint scheme to a Transport. The process-wide default
// factory is installed by pkg/transport/reg to avoid an import cycle
// between this package and the concrete transports.
type Factory func(scheme string) (Transport, error)

var defaultFactory Factory = func(scheme string) (Transport, error) {
	return nil, fmt.Errorf("transport: no factory registered for scheme %q", scheme)
}

// SetDefaultFactory installs the process-wide endpoint factory.
func SetDefaultFactory(f Factory) { defaultFactory = f }

// Resolve maps an endpoint to its transport and bare address.
func Resolve(endpoint string) (Transport, string, error) {
	scheme, address := SplitEndpoint(endpoint)
	tr, err := defaultFactory(scheme)
	if err != nil {
		return nil, "", err
	}
	return tr, address, nil
}
