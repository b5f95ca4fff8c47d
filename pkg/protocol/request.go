package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// TaskRequest is the wire-level request envelope payload. Method and
// Hostname are always required; the remaining fields are method-dependent.
// A request is never mutated after it is sent.
type TaskRequest struct {
	Method       string   `json:"method"`
	Hostname     string   `json:"hostname"`
	Name         string   `json:"name,omitempty"`
	Properties   []string `json:"properties,omitempty"`
	Key          string   `json:"key,omitempty"`
	Username     string   `json:"username,omitempty"`
	Password     string   `json:"password,omitempty"`
	Counter      string   `json:"counter,omitempty"`
	Instance     string   `json:"instance,omitempty"`
	PerfInterval int      `json:"perf-interval,omitempty"`
	MaxSample    int      `json:"max-sample,omitempty"`
	Helper       string   `json:"helper,omitempty"`
}

// ErrInvalidRequest is returned when a required request field is missing.
var ErrInvalidRequest = errors.New("invalid task request")

// Validate checks the invariant fields. Absence of method or hostname is a
// validation error on whichever side notices first; such a request is not
// valid for the wire.
func (r *TaskRequest) Validate() error {
	if strings.TrimSpace(r.Method) == "" {
		return errors.New("missing method name")
	}
	if strings.TrimSpace(r.Hostname) == "" {
		return errors.New("missing hostname")
	}
	return nil
}

// CanonicalKey returns a deterministic serialization of the full request,
// used as the dispatch cache key. Every field participates so that two
// requests differing only in properties or name produce distinct keys.
func (r *TaskRequest) CanonicalKey() string {
	// JSON keeps the delimiters unambiguous: two distinct requests can
	// never serialize to the same key, no matter what the field values
	// contain.
	key, err := json.Marshal(r)
	if err != nil {
		panic("protocol: task request not serializable: " + err.Error())
	}
	return string(key)
}
