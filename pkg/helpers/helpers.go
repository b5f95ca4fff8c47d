// Package helpers provides output-format transforms applied to task
// results before display, selected by the request's helper field.
package helpers

import (
	"encoding/json"
	"fmt"
	"sync"

	"vdispatch/pkg/protocol"
)

// Helper translates a task result into a display string.
type Helper interface {
	Name() string
	Transform(res protocol.TaskResult) (string, error)
}

var (
	mu       sync.RWMutex
	registry = make(map[string]Helper)
)

// Register adds a helper to the process-wide registry.
func Register(h Helper) {
	mu.Lock()
	registry[h.Name()] = h
	mu.Unlock()
}

// Get returns a helper by name, or nil.
func Get(name string) Helper {
	mu.RLock()
	defer mu.RUnlock()
	return registry[name]
}

// Names lists the registered helper names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}

// Render applies the named helper to res, falling back to indented JSON
// when name is empty. An unknown helper name is an error so the caller
// can decide whether to fall back or fail.
func Render(name string, res protocol.TaskResult) (string, error) {
	if name == "" {
		b, err := json.MarshalIndent(res, "", "    ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	h := Get(name)
	if h == nil {
		return "", fmt.Errorf("helpers: unknown helper %q", name)
	}
	return h.Transform(res)
}

func init() {
	Register(CSV{})
}
