package task

import (
	"context"
	"os"

	"vdispatch/pkg/protocol"
)

// RegisterAbout adds the built-in "about" diagnostic method: it answers
// with worker identification and the registered method names, without
// touching any upstream system.
func RegisterAbout(reg *Registry, version string) {
	reg.MustRegister(Task{
		Name: "about",
		Run: func(_ context.Context, req protocol.TaskRequest) (protocol.TaskResult, error) {
			node, _ := os.Hostname()
			return protocol.NewResult(map[string]any{
				"worker":   node,
				"version":  version,
				"hostname": req.Hostname,
				"methods":  reg.Names(),
			}, "about"), nil
		},
	})
}
