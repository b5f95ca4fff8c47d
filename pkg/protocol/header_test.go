package protocol

import (
	"bytes"
	"testing"
)

func TestHeaderRoundtrip(t *testing.T) {
	var h Header
	h.Version = 1
	h.Type = MsgTask
	h.Flags = FlagCompressed
	h.PayloadLen = 1234
	for i := 0; i < len(h.Correlation); i++ {
		h.Correlation[i] = byte(i)
	}

	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) != headerSize {
		t.Fatalf("header size = %d", len(b))
	}

	var h2 Header
	if err := h2.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if h2.Version != h.Version || h2.Type != h.Type || h2.Flags != h.Flags ||
		h2.PayloadLen != h.PayloadLen ||
		!bytes.Equal(h2.Correlation[:], h.Correlation[:]) {
		t.Fatalf("headers differ: %#v vs %#v", h2, h)
	}
}

func TestHeaderBadMagic(t *testing.T) {
	b := make([]byte, headerSize)
	var h Header
	if err := h.UnmarshalBinary(b); err == nil {
		t.Fatalf("expected bad magic error")
	}
}

func TestHeaderShortBuffer(t *testing.T) {
	var h Header
	if err := h.UnmarshalBinary(make([]byte, headerSize-1)); err == nil {
		t.Fatalf("expected short header error")
	}
}
