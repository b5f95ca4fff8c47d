package transport

import "testing"

func TestSplitEndpoint(t *testing.T) {
	cases := []struct {
		in, scheme, addr string
	}{
		{"tcp://0.0.0.0:10123", "tcp", "0.0.0.0:10123"},
		{"quic://broker:10123", "quic", "broker:10123"},
		{"mem://backend", "mem", "backend"},
		{"localhost:10123", "tcp", "localhost:10123"},
		{"TCP://x:1", "tcp", "x:1"},
	}
	for _, c := range cases {
		scheme, addr := SplitEndpoint(c.in)
		if scheme != c.scheme || addr != c.addr {
			t.Fatalf("%q -> (%q, %q), want (%q, %q)", c.in, scheme, addr, c.scheme, c.addr)
		}
	}
}
