package protocol

import (
	"encoding/binary"
	"errors"
)

// Fixed header layout (32 bytes) for fast parsing over any channel.
// All integer fields are little-endian.
//
//	0  ..1   Magic   'V''D' (0x5644)
//	2        Version u8
//	3        Type    u8
//	4  ..7   Flags   u32
//	8  ..11  PayloadLen u32
//	12 ..27  CorrelationID [16]byte
//	28 ..31  Reserved u32
const (
	headerSize = 32
	magicWord  = uint16(0x5644) // 'V''D'

	// Version is the current protocol version.
	Version = 1
)

// Header describes metadata for an envelope.
type Header struct {
	Version     uint8
	Type        uint8
	Flags       uint32
	PayloadLen  uint32
	Correlation [16]byte
}

// MarshalBinary encodes header to a 32-byte buffer.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(buf[0:2], magicWord)
	buf[2] = h.Version
	buf[3] = h.Type
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], h.PayloadLen)
	copy(buf[12:28], h.Correlation[:])
	// 28..31 reserved stays zero
	return buf, nil
}

// UnmarshalBinary decodes header from a 32-byte buffer.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < headerSize {
		return errors.New("short header")
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != magicWord {
		return errors.New("bad magic")
	}
	h.Version = buf[2]
	h.Type = buf[3]
	h.Flags = binary.LittleEndian.Uint32(buf[4:8])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[8:12])
	copy(h.Correlation[:], buf[12:28])
	return nil
}
