// Package task defines the method registry and the executor collaborator
// interface the worker dispatches to. The concrete upstream handlers
// (the vSphere-style API calls) live outside this module; what lives here
// is the closed, startup-validated mapping from method names to handlers.
package task

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"vdispatch/pkg/protocol"
)

// Func executes one task. An error return is an executor failure and is
// mapped by the worker to a success=1 reply; it never crosses the wire as
// a transport error.
type Func func(ctx context.Context, req protocol.TaskRequest) (protocol.TaskResult, error)

// Task couples a method name with its handler and the request fields the
// handler requires beyond the always-required method and hostname.
type Task struct {
	Name     string
	Required []string
	Run      Func
}

// Registry is the closed set of known methods. Registration happens at
// startup so an unknown method is a fast "unsupported method" result at
// dispatch time, never a runtime lookup failure.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register adds a task, validating it eagerly.
func (r *Registry) Register(t Task) error {
	if t.Name == "" {
		return fmt.Errorf("task: registering task without a name")
	}
	if t.Run == nil {
		return fmt.Errorf("task: task %q has no handler", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tasks[t.Name]; dup {
		return fmt.Errorf("task: duplicate registration of %q", t.Name)
	}
	r.tasks[t.Name] = t
	return nil
}

// MustRegister is Register for static startup wiring.
func (r *Registry) MustRegister(t Task) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the task registered under name.
func (r *Registry) Get(name string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Names returns the registered method names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidateRequired checks that every request field the task requires is
// present, returning the name of the first missing one.
func (t *Task) ValidateRequired(req *protocol.TaskRequest) (string, bool) {
	for _, field := range t.Required {
		if !fieldPresent(req, field) {
			return field, false
		}
	}
	return "", true
}

func fieldPresent(req *protocol.TaskRequest, field string) bool {
	switch field {
	case "name":
		return req.Name != ""
	case "properties":
		return len(req.Properties) > 0
	case "key":
		return req.Key != ""
	case "username":
		return req.Username != ""
	case "password":
		return req.Password != ""
	case "counter":
		return req.Counter != ""
	case "instance":
		return req.Instance != ""
	case "perf-interval":
		return req.PerfInterval != 0
	case "max-sample":
		return req.MaxSample != 0
	case "helper":
		return req.Helper != ""
	default:
		return false
	}
}
