package protocol

// Frame types (fits in uint8).
const (
	MsgUnknown uint8 = iota
	MsgTask           // task request, client -> broker -> worker
	MsgResult         // task result, worker -> broker -> client
	MsgControl        // management command/reply
	MsgReady          // worker announces it can accept one task
)

// Flags bitmask (uint32).
const (
	FlagCompressed uint32 = 1 << 0
	FlagEncrypted  uint32 = 1 << 1
	// FlagCBOR marks a CBOR-encoded payload; unset means JSON. Replies
	// carry the same encoding as the request they answer.
	FlagCBOR uint32 = 1 << 2
)

// ContentType hints for payload decoding. The wire default is JSON.
const (
	ContentJSON = "application/json"
	ContentCBOR = "application/cbor"
)
