package protocol

import (
	"crypto/rand"
	"fmt"
	"io"
)

// Envelope is a header + payload wrapper for a single channel transfer.
// The broker forwards envelopes without looking at the payload; only the
// header type and correlation id participate in routing.
type Envelope struct {
	Header  Header
	Payload []byte
}

// NewEnvelope builds an envelope of the given type carrying payload.
func NewEnvelope(typ uint8, correlation [16]byte, payload []byte) Envelope {
	return Envelope{
		Header: Header{
			Version:     Version,
			Type:        typ,
			PayloadLen:  uint32(len(payload)),
			Correlation: correlation,
		},
		Payload: payload,
	}
}

// NewCorrelation generates a random 16-byte id.
func NewCorrelation() (out [16]byte, err error) {
	_, err = io.ReadFull(rand.Reader, out[:])
	return
}

// HasFlag checks whether a flag is set.
func (e *Envelope) HasFlag(flag uint32) bool { return (e.Header.Flags & flag) != 0 }

// ContentType maps the encoding flag to a payload content type.
func (e *Envelope) ContentType() string {
	if e.HasFlag(FlagCBOR) {
		return ContentCBOR
	}
	return ContentJSON
}

// SetFlag sets/unsets a flag.
func (e *Envelope) SetFlag(flag uint32, on bool) {
	if on {
		e.Header.Flags |= flag
	} else {
		e.Header.Flags &^= flag
	}
}

// EncodeFrame returns header+payload as a single byte slice suitable for
// one transport frame.
func (e *Envelope) EncodeFrame() ([]byte, error) {
	e.Header.PayloadLen = uint32(len(e.Payload))
	hb, err := e.Header.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerSize+len(e.Payload))
	copy(out, hb)
	copy(out[headerSize:], e.Payload)
	return out, nil
}

// DecodeFrame parses a single frame from buf.
func (e *Envelope) DecodeFrame(buf []byte) error {
	if len(buf) < headerSize {
		return io.ErrUnexpectedEOF
	}
	if err := e.Header.UnmarshalBinary(buf[:headerSize]); err != nil {
		return err
	}
	need := int(e.Header.PayloadLen)
	if need > (1 << 31) {
		return fmt.Errorf("payload too large: %d", e.Header.PayloadLen)
	}
	if headerSize+need > len(buf) {
		return io.ErrUnexpectedEOF
	}
	e.Payload = append(e.Payload[:0], buf[headerSize:headerSize+need]...)
	return nil
}
