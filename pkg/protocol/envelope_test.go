package protocol

import (
	"bytes"
	"testing"
)

func TestEnvelopeFrameEncodeDecode(t *testing.T) {
	corr, _ := NewCorrelation()
	e := NewEnvelope(MsgControl, corr, []byte("hello"))

	frame, err := e.EncodeFrame()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var d Envelope
	if err := d.DecodeFrame(frame); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !bytes.Equal(d.Payload, e.Payload) {
		t.Fatalf("payload mismatch")
	}
	if d.Header.Type != e.Header.Type || d.Header.Correlation != e.Header.Correlation {
		t.Fatalf("header mismatch")
	}
}

func TestEnvelopeDecodeTruncated(t *testing.T) {
	corr, _ := NewCorrelation()
	e := NewEnvelope(MsgTask, corr, bytes.Repeat([]byte{0xAB}, 64))
	frame, err := e.EncodeFrame()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var d Envelope
	if err := d.DecodeFrame(frame[:len(frame)-1]); err == nil {
		t.Fatalf("expected truncation error")
	}
	if err := d.DecodeFrame(frame[:headerSize-4]); err == nil {
		t.Fatalf("expected short header error")
	}
}

func TestEnvelopeFlags(t *testing.T) {
	var e Envelope
	e.SetFlag(FlagCompressed, true)
	if !e.HasFlag(FlagCompressed) {
		t.Fatalf("flag not set")
	}
	e.SetFlag(FlagCompressed, false)
	if e.HasFlag(FlagCompressed) {
		t.Fatalf("flag not cleared")
	}
}
