// Package worker implements the task execution side of the dispatch
// protocol: the agent loop that pulls tasks from a broker backend, and
// the manager that supervises a pool of agent processes.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"vdispatch/pkg/cache"
	"vdispatch/pkg/protocol"
	"vdispatch/pkg/protocol/codec"
	"vdispatch/pkg/task"
	"vdispatch/pkg/transport"
)

// AgentOptions configures an Agent.
type AgentOptions struct {
	// Proxy is the broker backend endpoint to pull tasks from.
	Proxy string
	// Cache configures the in-process result cache.
	Cache cache.Options
	// Registry holds the task methods this agent can execute.
	Registry *task.Registry
	// Provider resolves executors by target hostname.
	Provider task.Provider

	Logger *zap.Logger
}

// pollInterval bounds how long a receive blocks before the agent checks
// for cancellation. A timed-out receive resumes any partial frame.
const pollInterval = 500 * time.Millisecond

// reconnectBackoff is the delay between dial attempts to the broker.
const reconnectBackoff = time.Second

// errShutdown reports that the broker sent an in-band shutdown frame.
var errShutdown = errors.New("worker: shutdown requested")

// Agent executes tasks one at a time. It announces capacity to the
// broker with a ready frame, waits for a task, replies under the task's
// correlation id and announces again. Results are cached under the
// request's canonical key; only successful results are cached.
type Agent struct {
	opts   AgentOptions
	log    *zap.Logger
	cache  *cache.Cache
	codecs *codec.Registry

	tasksDone   atomic.Int64
	tasksFailed atomic.Int64
}

// NewAgent returns an Agent ready to Run.
func NewAgent(opts AgentOptions) *Agent {
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	return &Agent{
		opts:   opts,
		log:    log.Named("agent"),
		cache:  cache.New(opts.Cache),
		codecs: codec.NewRegistry(),
	}
}

// Run connects to the broker and serves tasks until ctx is cancelled
// or the broker sends an in-band shutdown frame. Lost broker sessions
// are redialed with a fixed backoff.
func (a *Agent) Run(ctx context.Context) error {
	defer a.cache.Close()

	for ctx.Err() == nil {
		tr, addr, err := transport.Resolve(a.opts.Proxy)
		if err != nil {
			return err
		}
		sess, err := tr.Dial(ctx, addr, transport.PeerInfo{Addr: addr})
		if err != nil {
			a.log.Warn("dial broker failed", zap.Error(err))
			select {
			case <-time.After(reconnectBackoff):
			case <-ctx.Done():
			}
			continue
		}
		a.log.Info("connected to broker", zap.String("endpoint", a.opts.Proxy))
		err = a.serve(ctx, sess)
		sess.Close()
		if errors.Is(err, errShutdown) {
			a.log.Info("shutdown requested by broker")
			return nil
		}
	}
	return ctx.Err()
}

// serve runs the ready/task/reply loop on one broker session. It
// returns when the session breaks or ctx is cancelled; errShutdown
// means the broker told this agent to stop rather than redial.
func (a *Agent) serve(ctx context.Context, sess transport.Session) error {
	for {
		if err := a.sendReady(sess); err != nil {
			a.log.Warn("send ready failed", zap.Error(err))
			return nil
		}
		env, err := a.recvTask(ctx, sess)
		if err != nil {
			if errors.Is(err, errShutdown) {
				return err
			}
			if ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				a.log.Warn("broker session lost", zap.Error(err))
			}
			return nil
		}

		cdc := a.codecs.Get(env.ContentType())
		var req protocol.TaskRequest
		var res protocol.TaskResult
		switch {
		case cdc == nil:
			cdc = a.codecs.Get(protocol.ContentJSON)
			res = protocol.Errorf("unsupported request encoding %q", env.ContentType())
		case cdc.Unmarshal(env.Payload, &req) != nil:
			res = protocol.Errorf("invalid task request payload")
		default:
			res = a.Handle(ctx, req)
		}
		if res.Success == 0 {
			a.tasksDone.Add(1)
		} else {
			a.tasksFailed.Add(1)
		}
		if err := a.reply(sess, cdc, env.Header.Correlation, res); err != nil {
			a.log.Warn("send result failed", zap.Error(err))
			return nil
		}
	}
}

func (a *Agent) sendReady(sess transport.Session) error {
	corr, err := protocol.NewCorrelation()
	if err != nil {
		return err
	}
	env := protocol.NewEnvelope(protocol.MsgReady, corr, nil)
	frame, err := env.EncodeFrame()
	if err != nil {
		return err
	}
	return sess.Send(frame)
}

// recvTask polls for the next task frame, checking ctx between polls.
// Frame reassembly survives the poll timeouts, so a task split across
// polls still arrives whole.
func (a *Agent) recvTask(ctx context.Context, sess transport.Session) (protocol.Envelope, error) {
	for {
		raw, err := sess.RecvTimeout(pollInterval)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				if ctx.Err() != nil {
					return protocol.Envelope{}, ctx.Err()
				}
				continue
			}
			return protocol.Envelope{}, err
		}
		var env protocol.Envelope
		if err := env.DecodeFrame(raw); err != nil {
			return protocol.Envelope{}, err
		}
		if env.Header.Type == protocol.MsgControl {
			var creq protocol.ControlRequest
			if err := json.Unmarshal(env.Payload, &creq); err == nil && creq.Method == protocol.ControlShutdown {
				return protocol.Envelope{}, errShutdown
			}
			a.log.Warn("unsupported control request")
			continue
		}
		if env.Header.Type != protocol.MsgTask {
			a.log.Warn("unexpected frame type", zap.Uint8("type", env.Header.Type))
			continue
		}
		return env, nil
	}
}

// reply serializes res with the same codec the request used.
func (a *Agent) reply(sess transport.Session, cdc codec.Codec, corr [16]byte, res protocol.TaskResult) error {
	payload, err := cdc.Marshal(res)
	if err != nil {
		// a result that cannot be serialized still owes the client a reply
		payload, _ = cdc.Marshal(protocol.Errorf("unserializable result: %s", err))
	}
	env := protocol.NewEnvelope(protocol.MsgResult, corr, payload)
	env.SetFlag(protocol.FlagCBOR, cdc.ContentType() == protocol.ContentCBOR)
	frame, err := env.EncodeFrame()
	if err != nil {
		return err
	}
	return sess.Send(frame)
}

// Handle validates and executes one task request, consulting the cache
// first. Failed executions are reported in-band with Success=1; Handle
// never panics the loop over a bad request.
func (a *Agent) Handle(ctx context.Context, req protocol.TaskRequest) protocol.TaskResult {
	if err := req.Validate(); err != nil {
		return protocol.Errorf("%s", err)
	}

	key := req.CanonicalKey()
	if res, ok := a.cache.Get(key); ok {
		a.log.Debug("cache hit",
			zap.String("method", req.Method),
			zap.String("hostname", req.Hostname))
		return res
	}

	ex, ok := a.opts.Provider.Executor(req.Hostname)
	if !ok {
		return protocol.Errorf("unknown or disabled connector %q", req.Hostname)
	}
	res, err := ex.Execute(ctx, req)
	if err != nil {
		return protocol.Errorf("%s", err)
	}
	if res.Success == 0 {
		a.cache.Put(key, res)
	}
	return res
}

// CacheStats exposes the agent's cache counters.
func (a *Agent) CacheStats() cache.Stats { return a.cache.Stats() }
