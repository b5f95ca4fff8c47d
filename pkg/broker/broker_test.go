package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"vdispatch/pkg/client"
	"vdispatch/pkg/creds"
	"vdispatch/pkg/protocol"
	"vdispatch/pkg/task"
	"vdispatch/pkg/transport"
	_ "vdispatch/pkg/transport/reg"
	"vdispatch/pkg/worker"
)

func startProxy(t *testing.T, front, back, mgmt string) *Proxy {
	t.Helper()
	p := New(Options{
		Frontend: front,
		Backend:  back,
		Mgmt:     mgmt,
		Logger:   zap.NewNop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start proxy: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func dial(t *testing.T, endpoint string) transport.Session {
	t.Helper()
	tr, addr, err := transport.Resolve(endpoint)
	if err != nil {
		t.Fatalf("resolve %s: %v", endpoint, err)
	}
	sess, err := tr.Dial(context.Background(), addr, transport.PeerInfo{Addr: addr})
	if err != nil {
		t.Fatalf("dial %s: %v", endpoint, err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func mustFrame(t *testing.T, typ uint8, corr [16]byte, payload []byte) []byte {
	t.Helper()
	env := protocol.NewEnvelope(typ, corr, payload)
	frame, err := env.EncodeFrame()
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	return frame
}

func TestForwardsFramesVerbatim(t *testing.T) {
	startProxy(t, "mem://fwd-front", "mem://fwd-back", "mem://fwd-mgmt")

	worker := dial(t, "mem://fwd-back")
	readyCorr, err := protocol.NewCorrelation()
	if err != nil {
		t.Fatal(err)
	}
	if err := worker.Send(mustFrame(t, protocol.MsgReady, readyCorr, nil)); err != nil {
		t.Fatalf("send ready: %v", err)
	}

	client := dial(t, "mem://fwd-front")
	var corr [16]byte
	copy(corr[:], "0123456789abcdef")
	reqPayload, err := json.Marshal(protocol.TaskRequest{
		Method:     "vm.get",
		Hostname:   "vc01.example.org",
		Name:       "vm01",
		Properties: []string{"runtime.powerState"},
	})
	if err != nil {
		t.Fatal(err)
	}
	taskFrame := mustFrame(t, protocol.MsgTask, corr, reqPayload)
	if err := client.Send(taskFrame); err != nil {
		t.Fatalf("send task: %v", err)
	}

	got, err := worker.RecvTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("worker recv: %v", err)
	}
	if !bytes.Equal(got, taskFrame) {
		t.Fatal("task frame altered in transit")
	}

	resPayload, err := json.Marshal(protocol.NewResult([]string{"poweredOn"}, ""))
	if err != nil {
		t.Fatal(err)
	}
	resultFrame := mustFrame(t, protocol.MsgResult, corr, resPayload)
	if err := worker.Send(resultFrame); err != nil {
		t.Fatalf("send result: %v", err)
	}

	back, err := client.RecvTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("client recv: %v", err)
	}
	if !bytes.Equal(back, resultFrame) {
		t.Fatal("result frame altered in transit")
	}
}

func TestResultForUnknownCorrelationDropped(t *testing.T) {
	p := startProxy(t, "mem://drop-front", "mem://drop-back", "mem://drop-mgmt")

	worker := dial(t, "mem://drop-back")
	corr, err := protocol.NewCorrelation()
	if err != nil {
		t.Fatal(err)
	}
	if err := worker.Send(mustFrame(t, protocol.MsgResult, corr, []byte(`{"success":0}`))); err != nil {
		t.Fatalf("send result: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.resultsDropped.Load() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("orphan result was not dropped")
}

// TestEndToEndDispatch runs the full path in-process: a reliable client
// through the proxy to a live agent, once per payload encoding.
func TestEndToEndDispatch(t *testing.T) {
	startProxy(t, "mem://e2e-front", "mem://e2e-back", "mem://e2e-mgmt")

	reg := task.NewRegistry()
	reg.MustRegister(task.Task{
		Name: "vm.get",
		Run: func(ctx context.Context, req protocol.TaskRequest) (protocol.TaskResult, error) {
			return protocol.NewResult(map[string]any{"name": req.Name, "runtime.powerState": "poweredOn"}, ""), nil
		},
	})
	provider := task.StaticProvider(map[string]task.Executor{
		"vc01.example.org": task.NewRegistryExecutor(reg, creds.Entry{Hostname: "vc01.example.org"}),
	})
	a := worker.NewAgent(worker.AgentOptions{
		Proxy:    "mem://e2e-back",
		Registry: reg,
		Provider: provider,
		Logger:   zap.NewNop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)

	for _, contentType := range []string{protocol.ContentJSON, protocol.ContentCBOR} {
		c := client.New(client.Options{
			Endpoint:    "mem://e2e-front",
			Timeout:     2 * time.Second,
			Retries:     0,
			ContentType: contentType,
			Logger:      zap.NewNop(),
		})
		res, err := c.Run(context.Background(), protocol.TaskRequest{
			Method:   "vm.get",
			Hostname: "vc01.example.org",
			Name:     "vm01",
		})
		if err != nil {
			t.Fatalf("%s: run: %v", contentType, err)
		}
		if res.Success != 0 {
			t.Fatalf("%s: result = %+v", contentType, res)
		}
		body, ok := res.Result.(map[string]any)
		if !ok {
			t.Fatalf("%s: result body is %T", contentType, res.Result)
		}
		if body["runtime.powerState"] != "poweredOn" {
			t.Fatalf("%s: body = %v", contentType, body)
		}
	}
}

func TestMgmtStatusAndShutdown(t *testing.T) {
	p := startProxy(t, "mem://mgmt-front", "mem://mgmt-back", "mem://mgmt-mgmt")

	sess := dial(t, "mem://mgmt-mgmt")
	env, err := protocol.EncodeControl(protocol.ControlStatus)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := env.EncodeFrame()
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Send(frame); err != nil {
		t.Fatalf("send status: %v", err)
	}

	raw, err := sess.RecvTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("recv status: %v", err)
	}
	var reply protocol.Envelope
	if err := reply.DecodeFrame(raw); err != nil {
		t.Fatalf("decode status reply: %v", err)
	}
	if reply.Header.Type != protocol.MsgControl || reply.Header.Correlation != env.Header.Correlation {
		t.Fatalf("unexpected reply header: %+v", reply.Header)
	}
	var res protocol.TaskResult
	if err := json.Unmarshal(reply.Payload, &res); err != nil {
		t.Fatalf("decode status result: %v", err)
	}
	if res.Success != 0 {
		t.Fatalf("status failed: %+v", res)
	}
	st, ok := res.Result.(map[string]any)
	if !ok {
		t.Fatalf("status result is %T", res.Result)
	}
	if st["frontend"] != "mem://mgmt-front" {
		t.Fatalf("status frontend = %v", st["frontend"])
	}

	env, err = protocol.EncodeControl(protocol.ControlShutdown)
	if err != nil {
		t.Fatal(err)
	}
	frame, err = env.EncodeFrame()
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Send(frame); err != nil {
		t.Fatalf("send shutdown: %v", err)
	}
	raw, err = sess.RecvTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("recv shutdown reply: %v", err)
	}
	if err := reply.DecodeFrame(raw); err != nil {
		t.Fatalf("decode shutdown reply: %v", err)
	}
	if err := json.Unmarshal(reply.Payload, &res); err != nil {
		t.Fatalf("decode shutdown result: %v", err)
	}
	if res.Success != 0 || res.Msg != "shutting down" {
		t.Fatalf("shutdown reply = %+v", res)
	}

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("proxy did not shut down")
	}
}
