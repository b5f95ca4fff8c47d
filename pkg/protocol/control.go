package protocol

import "encoding/json"

// Management methods accepted on the proxy and worker mgmt endpoints.
const (
	ControlStatus   = "status"
	ControlShutdown = "shutdown"
)

// ControlRequest is the payload of a MsgControl frame.
type ControlRequest struct {
	Method string `json:"method"`
}

// EncodeControl builds a MsgControl envelope carrying the method.
func EncodeControl(method string) (Envelope, error) {
	corr, err := NewCorrelation()
	if err != nil {
		return Envelope{}, err
	}
	payload, err := json.Marshal(ControlRequest{Method: method})
	if err != nil {
		return Envelope{}, err
	}
	return NewEnvelope(MsgControl, corr, payload), nil
}
