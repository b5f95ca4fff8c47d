// Package client implements the reliable request side of the dispatch
// protocol. Each attempt uses a fresh session and a fresh correlation
// id; a reply that does not match the current attempt's correlation is
// a stale duplicate and is discarded.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vdispatch/pkg/protocol"
	"vdispatch/pkg/protocol/codec"
	"vdispatch/pkg/transport"
)

// AbortMsg is the message of the synthesized failure result returned
// when every attempt timed out.
const AbortMsg = "Did not receive response, aborting..."

// ErrProtocol reports a reply that arrived but could not be decoded.
// It is distinct from the no-reply case, which synthesizes a result
// instead of returning an error.
var ErrProtocol = errors.New("client: protocol error")

const (
	// DefaultTimeout is the per-attempt reply timeout.
	DefaultTimeout = 3 * time.Second
	// DefaultRetries is the number of retries after the first attempt.
	DefaultRetries = 3
)

// Options configures a Client.
type Options struct {
	// Endpoint of the broker frontend, e.g. tcp://broker:10123.
	Endpoint string
	// Timeout is the per-attempt reply timeout.
	Timeout time.Duration
	// Retries is the number of additional attempts after the first.
	Retries int
	// ContentType selects the payload encoding; empty means JSON.
	ContentType string

	Logger *zap.Logger
}

// Client sends task requests and waits for results with retries.
type Client struct {
	opts Options
	log  *zap.Logger
	reg  *codec.Registry
	cdc  codec.Codec
}

// IsNoResponse reports whether res is the synthesized result produced
// when no reply arrived at all, as opposed to a failure reported by a
// worker over the wire.
func IsNoResponse(res protocol.TaskResult) bool {
	return res.Success == 1 && res.Msg == AbortMsg
}

// New returns a Client. Zero Timeout and negative Retries fall back to
// the defaults; an unknown ContentType falls back to JSON.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = DefaultRetries
	}
	if opts.ContentType == "" {
		opts.ContentType = protocol.ContentJSON
	}
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	reg := codec.NewRegistry()
	cdc := reg.Get(opts.ContentType)
	if cdc == nil {
		cdc = reg.Get(protocol.ContentJSON)
	}
	return &Client{opts: opts, log: log.Named("client"), reg: reg, cdc: cdc}
}

// Run submits req and returns the result. A dial failure consumes an
// attempt like a timeout does. When all attempts are exhausted the
// returned result is synthesized with Success=1 and AbortMsg; Run never
// returns an error for a reply that itself reports failure.
func (c *Client) Run(ctx context.Context, req protocol.TaskRequest) (protocol.TaskResult, error) {
	if err := req.Validate(); err != nil {
		return protocol.TaskResult{}, err
	}
	payload, err := c.cdc.Marshal(req)
	if err != nil {
		return protocol.TaskResult{}, err
	}

	attempts := c.opts.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		res, done, aerr := c.attempt(ctx, payload, attempt)
		if done {
			return res, aerr
		}
		if ctx.Err() != nil {
			return protocol.TaskResult{}, ctx.Err()
		}
	}
	c.log.Warn("all attempts exhausted",
		zap.String("method", req.Method),
		zap.String("hostname", req.Hostname),
		zap.Int("attempts", attempts))
	return protocol.TaskResult{Success: 1, Msg: AbortMsg}, nil
}

// attempt performs one dial/send/wait round. done reports that the
// exchange finished, with either a decoded result or an ErrProtocol;
// done=false means the attempt is spent and the caller may retry. The
// session is abandoned on any failure so a late reply can never be
// misread by a later attempt.
func (c *Client) attempt(ctx context.Context, payload []byte, attempt int) (protocol.TaskResult, bool, error) {
	id := uuid.New()
	corr := [16]byte(id)
	log := c.log.With(
		zap.Int("attempt", attempt),
		zap.String("request_id", id.String()))

	tr, addr, err := transport.Resolve(c.opts.Endpoint)
	if err != nil {
		log.Warn("resolve endpoint", zap.Error(err))
		return protocol.TaskResult{}, false, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	sess, err := tr.Dial(dialCtx, addr, transport.PeerInfo{Addr: addr})
	cancel()
	if err != nil {
		log.Warn("dial failed", zap.Error(err))
		return protocol.TaskResult{}, false, nil
	}
	defer sess.Close()

	env := protocol.NewEnvelope(protocol.MsgTask, corr, payload)
	env.SetFlag(protocol.FlagCBOR, c.cdc.ContentType() == protocol.ContentCBOR)
	frame, err := env.EncodeFrame()
	if err != nil {
		log.Warn("encode request", zap.Error(err))
		return protocol.TaskResult{}, false, nil
	}
	if err := sess.Send(frame); err != nil {
		log.Warn("send failed", zap.Error(err))
		return protocol.TaskResult{}, false, nil
	}

	deadline := time.Now().Add(c.opts.Timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			log.Debug("attempt timed out")
			return protocol.TaskResult{}, false, nil
		}
		raw, err := sess.RecvTimeout(remain)
		if err != nil {
			if !errors.Is(err, transport.ErrTimeout) {
				log.Debug("receive failed", zap.Error(err))
			}
			return protocol.TaskResult{}, false, nil
		}
		var reply protocol.Envelope
		if err := reply.DecodeFrame(raw); err != nil {
			log.Debug("bad reply frame", zap.Error(err))
			return protocol.TaskResult{}, true, fmt.Errorf("%w: bad frame: %v", ErrProtocol, err)
		}
		if reply.Header.Type != protocol.MsgResult || reply.Header.Correlation != corr {
			log.Debug("stale reply discarded")
			continue
		}
		cdc := c.reg.Get(reply.ContentType())
		if cdc == nil {
			return protocol.TaskResult{}, true, fmt.Errorf("%w: unsupported reply encoding %q", ErrProtocol, reply.ContentType())
		}
		var res protocol.TaskResult
		if err := cdc.Unmarshal(reply.Payload, &res); err != nil {
			return protocol.TaskResult{}, true, fmt.Errorf("%w: undecodable result: %v", ErrProtocol, err)
		}
		return res, true, nil
	}
}

// Control sends one management request (status or shutdown) to a mgmt
// endpoint and waits up to timeout for the reply.
func Control(ctx context.Context, endpoint, method string, timeout time.Duration) (protocol.TaskResult, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tr, addr, err := transport.Resolve(endpoint)
	if err != nil {
		return protocol.TaskResult{}, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	sess, err := tr.Dial(dialCtx, addr, transport.PeerInfo{Addr: addr})
	cancel()
	if err != nil {
		return protocol.TaskResult{}, err
	}
	defer sess.Close()

	env, err := protocol.EncodeControl(method)
	if err != nil {
		return protocol.TaskResult{}, err
	}
	frame, err := env.EncodeFrame()
	if err != nil {
		return protocol.TaskResult{}, err
	}
	if err := sess.Send(frame); err != nil {
		return protocol.TaskResult{}, err
	}

	raw, err := sess.RecvTimeout(timeout)
	if err != nil {
		return protocol.TaskResult{}, err
	}
	var reply protocol.Envelope
	if err := reply.DecodeFrame(raw); err != nil {
		return protocol.TaskResult{}, err
	}
	var res protocol.TaskResult
	if err := json.Unmarshal(reply.Payload, &res); err != nil {
		return protocol.TaskResult{}, err
	}
	return res, nil
}
