package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"vdispatch/pkg/protocol"
	"vdispatch/pkg/transport"
	_ "vdispatch/pkg/transport/reg"
)

// silentServer accepts sessions and reads frames without ever replying.
// It returns a counter of accepted sessions.
func silentServer(t *testing.T, endpoint string) *atomic.Int32 {
	t.Helper()
	tr, addr, err := transport.Resolve(endpoint)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ln, err := tr.Listen(ctx, addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	var sessions atomic.Int32
	go func() {
		for {
			sess, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			sessions.Add(1)
			go func() {
				defer sess.Close()
				for {
					if _, err := sess.Recv(); err != nil {
						return
					}
				}
			}()
		}
	}()
	return &sessions
}

func TestRetriesExhaustedSynthesizesAbort(t *testing.T) {
	sessions := silentServer(t, "mem://cl-silent")

	c := New(Options{
		Endpoint: "mem://cl-silent",
		Timeout:  100 * time.Millisecond,
		Retries:  2,
		Logger:   zap.NewNop(),
	})
	start := time.Now()
	res, err := c.Run(context.Background(), protocol.TaskRequest{
		Method:   "vm.get",
		Hostname: "vc01.example.org",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Success != 1 || res.Msg != AbortMsg {
		t.Fatalf("synthesized result = %+v", res)
	}
	if got := sessions.Load(); got != 3 {
		t.Fatalf("server saw %d sessions, want one per attempt (3)", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("retries took %v, want bounded by attempts*timeout", elapsed)
	}
}

func TestStaleReplyDiscarded(t *testing.T) {
	tr, addr, err := transport.Resolve("mem://cl-stale")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ln, err := tr.Listen(ctx, addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	// Server sends a mismatched result first, then the real one.
	go func() {
		sess, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		defer sess.Close()
		raw, err := sess.Recv()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := env.DecodeFrame(raw); err != nil {
			return
		}

		stale, _ := json.Marshal(protocol.NewResult("stale", ""))
		wrongCorr, _ := protocol.NewCorrelation()
		staleEnv := protocol.NewEnvelope(protocol.MsgResult, wrongCorr, stale)
		if frame, err := staleEnv.EncodeFrame(); err == nil {
			sess.Send(frame)
		}

		fresh, _ := json.Marshal(protocol.NewResult("fresh", "ok"))
		freshEnv := protocol.NewEnvelope(protocol.MsgResult, env.Header.Correlation, fresh)
		if frame, err := freshEnv.EncodeFrame(); err == nil {
			sess.Send(frame)
		}
	}()

	c := New(Options{
		Endpoint: "mem://cl-stale",
		Timeout:  time.Second,
		Retries:  0,
		Logger:   zap.NewNop(),
	})
	res, err := c.Run(context.Background(), protocol.TaskRequest{
		Method:   "vm.get",
		Hostname: "vc01.example.org",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Success != 0 || res.Result != "fresh" {
		t.Fatalf("result = %+v, stale reply should have been discarded", res)
	}
}

func TestMalformedReplyIsProtocolError(t *testing.T) {
	tr, addr, err := transport.Resolve("mem://cl-garbled")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ln, err := tr.Listen(ctx, addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	// Server echoes the correct correlation with a payload that is not a
	// result object.
	go func() {
		sess, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		defer sess.Close()
		raw, err := sess.Recv()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := env.DecodeFrame(raw); err != nil {
			return
		}
		bad := protocol.NewEnvelope(protocol.MsgResult, env.Header.Correlation, []byte("not json"))
		if frame, err := bad.EncodeFrame(); err == nil {
			sess.Send(frame)
		}
	}()

	c := New(Options{
		Endpoint: "mem://cl-garbled",
		Timeout:  time.Second,
		Retries:  0,
		Logger:   zap.NewNop(),
	})
	_, err = c.Run(context.Background(), protocol.TaskRequest{
		Method:   "vm.get",
		Hostname: "vc01.example.org",
	})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestDialFailureConsumesAttempts(t *testing.T) {
	c := New(Options{
		Endpoint: "mem://cl-nobody",
		Timeout:  100 * time.Millisecond,
		Retries:  1,
		Logger:   zap.NewNop(),
	})
	res, err := c.Run(context.Background(), protocol.TaskRequest{
		Method:   "vm.get",
		Hostname: "vc01.example.org",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Success != 1 || res.Msg != AbortMsg {
		t.Fatalf("result = %+v", res)
	}
}

func TestInvalidRequestRejectedLocally(t *testing.T) {
	c := New(Options{Endpoint: "mem://cl-unused", Logger: zap.NewNop()})
	if _, err := c.Run(context.Background(), protocol.TaskRequest{Method: "vm.get"}); err == nil {
		t.Fatal("expected validation error for missing hostname")
	}
}
