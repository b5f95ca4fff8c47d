package protocol

import "fmt"

// TaskResult is the reply envelope payload: success=0 means success, a
// nonzero code signals a failure kind. Exactly one result is produced per
// request, either by the executing worker or synthesized client-side when
// no reply arrived at all.
type TaskResult struct {
	Success int    `json:"success"`
	Result  any    `json:"result,omitempty"`
	Msg     string `json:"msg,omitempty"`
}

// OK reports whether the result signals application-level success.
func (r *TaskResult) OK() bool { return r.Success == 0 }

// NewResult wraps a successful payload.
func NewResult(result any, msg string) TaskResult {
	return TaskResult{Success: 0, Result: result, Msg: msg}
}

// Errorf builds a failure result with a formatted message.
func Errorf(format string, args ...any) TaskResult {
	return TaskResult{Success: 1, Msg: fmt.Sprintf(format, args...)}
}
