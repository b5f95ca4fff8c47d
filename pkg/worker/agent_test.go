package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"vdispatch/pkg/cache"
	"vdispatch/pkg/creds"
	"vdispatch/pkg/protocol"
	"vdispatch/pkg/task"
)

// countingExecutor records invocations and returns a canned result.
type countingExecutor struct {
	calls atomic.Int32
	res   protocol.TaskResult
	err   error
}

func (e *countingExecutor) Execute(ctx context.Context, req protocol.TaskRequest) (protocol.TaskResult, error) {
	e.calls.Add(1)
	return e.res, e.err
}

func newTestAgent(cacheOpts cache.Options, provider task.Provider) *Agent {
	return NewAgent(AgentOptions{
		Proxy:    "mem://unused",
		Cache:    cacheOpts,
		Registry: task.NewRegistry(),
		Provider: provider,
		Logger:   zap.NewNop(),
	})
}

func TestHandleRejectsInvalidRequest(t *testing.T) {
	ex := &countingExecutor{}
	a := newTestAgent(cache.Options{}, task.StaticProvider(map[string]task.Executor{
		"vc01.example.org": ex,
	}))
	defer a.cache.Close()

	for _, req := range []protocol.TaskRequest{
		{Hostname: "vc01.example.org"},
		{Method: "vm.get"},
	} {
		res := a.Handle(context.Background(), req)
		if res.Success != 1 {
			t.Fatalf("invalid request %+v accepted: %+v", req, res)
		}
	}
	if ex.calls.Load() != 0 {
		t.Fatal("executor invoked for invalid requests")
	}
}

func TestHandleUnknownConnector(t *testing.T) {
	a := newTestAgent(cache.Options{}, task.StaticProvider(nil))
	defer a.cache.Close()

	res := a.Handle(context.Background(), protocol.TaskRequest{
		Method:   "vm.get",
		Hostname: "vc99.example.org",
	})
	if res.Success != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestHandleUnknownMethod(t *testing.T) {
	reg := task.NewRegistry()
	ex := task.NewRegistryExecutor(reg, creds.Entry{Hostname: "vc01.example.org"})
	a := newTestAgent(cache.Options{}, task.StaticProvider(map[string]task.Executor{
		"vc01.example.org": ex,
	}))
	defer a.cache.Close()

	res := a.Handle(context.Background(), protocol.TaskRequest{
		Method:   "no.such",
		Hostname: "vc01.example.org",
	})
	if res.Success != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestHandleCachesSuccessfulResults(t *testing.T) {
	ex := &countingExecutor{
		res: protocol.NewResult([]map[string]any{
			{"name": "vm01", "runtime.powerState": "poweredOn"},
		}, ""),
	}
	a := newTestAgent(cache.Options{Enabled: true, TTL: time.Minute}, task.StaticProvider(map[string]task.Executor{
		"vc01.example.org": ex,
	}))
	defer a.cache.Close()

	req := protocol.TaskRequest{
		Method:     "vm.get",
		Hostname:   "vc01.example.org",
		Name:       "vm01",
		Properties: []string{"name", "runtime.powerState"},
	}
	first := a.Handle(context.Background(), req)
	second := a.Handle(context.Background(), req)
	if first.Success != 0 || second.Success != 0 {
		t.Fatalf("results = %+v / %+v", first, second)
	}
	if got := ex.calls.Load(); got != 1 {
		t.Fatalf("executor invoked %d times, want 1", got)
	}
	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Fatalf("cached reply differs: %+v vs %+v", first, second)
	}

	// a different property set is a different cache slot
	req.Properties = []string{"name"}
	a.Handle(context.Background(), req)
	if got := ex.calls.Load(); got != 2 {
		t.Fatalf("executor invoked %d times after distinct request, want 2", got)
	}
}

func TestHandleDoesNotCacheFailures(t *testing.T) {
	ex := &countingExecutor{err: fmt.Errorf("cannot connect to upstream")}
	a := newTestAgent(cache.Options{Enabled: true, TTL: time.Minute}, task.StaticProvider(map[string]task.Executor{
		"vc01.example.org": ex,
	}))
	defer a.cache.Close()

	req := protocol.TaskRequest{Method: "vm.get", Hostname: "vc01.example.org"}
	for i := 0; i < 2; i++ {
		res := a.Handle(context.Background(), req)
		if res.Success != 1 {
			t.Fatalf("result = %+v", res)
		}
	}
	if got := ex.calls.Load(); got != 2 {
		t.Fatalf("executor invoked %d times, failures must not be cached", got)
	}
}

func TestHandleCacheDisabled(t *testing.T) {
	ex := &countingExecutor{res: protocol.NewResult("x", "")}
	a := newTestAgent(cache.Options{Enabled: false}, task.StaticProvider(map[string]task.Executor{
		"vc01.example.org": ex,
	}))
	defer a.cache.Close()

	req := protocol.TaskRequest{Method: "vm.get", Hostname: "vc01.example.org"}
	a.Handle(context.Background(), req)
	a.Handle(context.Background(), req)
	if got := ex.calls.Load(); got != 2 {
		t.Fatalf("executor invoked %d times with cache disabled, want 2", got)
	}
}
