package task

import (
	"context"
	"fmt"

	"vdispatch/pkg/creds"
	"vdispatch/pkg/protocol"
)

// Executor is the collaborator that performs the actual upstream operation
// for a given method against one target system.
type Executor interface {
	Execute(ctx context.Context, req protocol.TaskRequest) (protocol.TaskResult, error)
}

// Provider resolves the executor responsible for a target hostname.
type Provider interface {
	Executor(hostname string) (Executor, bool)
}

// Factory builds an executor from a connector credential entry. The
// concrete factory (the upstream API client) is supplied by the embedding
// application.
type Factory func(entry creds.Entry) (Executor, error)

// RegistryExecutor dispatches requests through a Registry. Handlers carry
// the upstream session themselves (closed over by the Factory that built
// them); this type only does the method lookup and required-field check.
type RegistryExecutor struct {
	reg   *Registry
	entry creds.Entry
}

func NewRegistryExecutor(reg *Registry, entry creds.Entry) *RegistryExecutor {
	return &RegistryExecutor{reg: reg, entry: entry}
}

// Entry exposes the connector entry this executor was built for.
func (e *RegistryExecutor) Entry() creds.Entry { return e.entry }

func (e *RegistryExecutor) Execute(ctx context.Context, req protocol.TaskRequest) (protocol.TaskResult, error) {
	t, ok := e.reg.Get(req.Method)
	if !ok {
		return protocol.TaskResult{}, fmt.Errorf("unsupported method %q", req.Method)
	}
	if missing, ok := t.ValidateRequired(&req); !ok {
		return protocol.TaskResult{}, fmt.Errorf("incorrect task request: missing %q", missing)
	}
	return t.Run(ctx, req)
}

// mapProvider is a fixed hostname -> executor table.
type mapProvider struct {
	executors map[string]Executor
}

func (p *mapProvider) Executor(hostname string) (Executor, bool) {
	e, ok := p.executors[hostname]
	return e, ok
}

// NewProviderFromStore builds one executor per enabled connector entry,
// mirroring the original worker's create-agents step. Disabled entries
// are skipped; a hostname without an entry resolves to no executor.
func NewProviderFromStore(store creds.Store, factory Factory) (Provider, error) {
	entries, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("task: listing connectors: %w", err)
	}
	p := &mapProvider{executors: make(map[string]Executor)}
	for _, entry := range entries {
		if !entry.Enabled {
			continue
		}
		ex, err := factory(entry)
		if err != nil {
			return nil, fmt.Errorf("task: building executor for %s: %w", entry.Hostname, err)
		}
		p.executors[entry.Hostname] = ex
	}
	return p, nil
}

// StaticProvider wraps a ready-made executor table (used by tests and by
// embedders that manage their own upstream sessions).
func StaticProvider(executors map[string]Executor) Provider {
	return &mapProvider{executors: executors}
}
