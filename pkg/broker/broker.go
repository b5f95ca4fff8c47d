// Package broker implements the dispatch proxy sitting between clients
// and worker processes. Task frames from the frontend are forwarded to
// the least-loaded ready worker on the backend; result frames travel the
// reverse path, routed by correlation id. Payloads are forwarded as
// opaque bytes and never inspected.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"vdispatch/pkg/protocol"
	"vdispatch/pkg/transport"
)

// Options configures a Proxy.
type Options struct {
	// Frontend is the endpoint clients connect to.
	Frontend string
	// Backend is the endpoint workers connect to.
	Backend string
	// Mgmt is the management endpoint for status/shutdown.
	Mgmt string

	Logger *zap.Logger
}

// Proxy accepts client and worker sessions and shuttles frames between
// them. A worker announces capacity with a ready frame and receives at
// most one task per announcement, which keeps dispatch least-loaded
// without the broker tracking worker state.
type Proxy struct {
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	pending  map[[16]byte]*clientConn
	sessions map[transport.Session]struct{}
	ready    chan *workerConn

	listeners []transport.Listener

	started time.Time
	done    chan struct{}
	once    sync.Once

	clientsActive  atomic.Int64
	clientsTotal   atomic.Int64
	workersActive  atomic.Int64
	workersTotal   atomic.Int64
	tasksForwarded atomic.Int64
	resultsRouted  atomic.Int64
	resultsDropped atomic.Int64
}

type clientConn struct {
	sess transport.Session

	mu    sync.Mutex
	corrs map[[16]byte]struct{}
}

type workerConn struct {
	sess transport.Session
}

// New returns an unstarted Proxy.
func New(opts Options) *Proxy {
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	return &Proxy{
		opts:     opts,
		log:      log.Named("broker"),
		pending:  make(map[[16]byte]*clientConn),
		sessions: make(map[transport.Session]struct{}),
		ready:    make(chan *workerConn, 1024),
		done:     make(chan struct{}),
	}
}

// Start binds the frontend, backend and mgmt endpoints and begins
// serving. It returns once all listeners are bound.
func (p *Proxy) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = time.Now()

	type bind struct {
		name     string
		endpoint string
		serve    func(transport.Session)
	}
	binds := []bind{
		{"frontend", p.opts.Frontend, p.serveClient},
		{"backend", p.opts.Backend, p.serveWorker},
		{"mgmt", p.opts.Mgmt, p.serveMgmt},
	}
	for _, b := range binds {
		tr, addr, err := transport.Resolve(b.endpoint)
		if err != nil {
			p.Shutdown()
			return fmt.Errorf("broker: resolve %s %q: %w", b.name, b.endpoint, err)
		}
		ln, err := tr.Listen(p.ctx, addr)
		if err != nil {
			p.Shutdown()
			return fmt.Errorf("broker: listen %s %q: %w", b.name, b.endpoint, err)
		}
		p.listeners = append(p.listeners, ln)
		p.log.Info("listening",
			zap.String("role", b.name),
			zap.String("endpoint", b.endpoint))

		serve := b.serve
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.acceptLoop(ln, serve)
		}()
	}
	return nil
}

func (p *Proxy) acceptLoop(ln transport.Listener, serve func(transport.Session)) {
	for {
		sess, err := ln.Accept(p.ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || p.ctx.Err() != nil {
				return
			}
			p.log.Warn("accept failed", zap.Error(err))
			continue
		}
		p.mu.Lock()
		p.sessions[sess] = struct{}{}
		p.mu.Unlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() {
				p.mu.Lock()
				delete(p.sessions, sess)
				p.mu.Unlock()
			}()
			serve(sess)
		}()
	}
}

// serveClient reads task frames from one client session and dispatches
// each to a ready worker. It blocks when no worker is ready, which
// backpressures the client instead of dropping its tasks.
func (p *Proxy) serveClient(sess transport.Session) {
	cc := &clientConn{sess: sess, corrs: make(map[[16]byte]struct{})}
	p.clientsActive.Add(1)
	p.clientsTotal.Add(1)
	defer func() {
		p.clientsActive.Add(-1)
		p.dropClient(cc)
		sess.Close()
	}()

	for {
		raw, err := sess.Recv()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := env.DecodeFrame(raw); err != nil {
			p.log.Warn("bad client frame", zap.Error(err))
			return
		}
		if env.Header.Type != protocol.MsgTask {
			p.log.Warn("unexpected client frame type", zap.Uint8("type", env.Header.Type))
			continue
		}

		p.mu.Lock()
		p.pending[env.Header.Correlation] = cc
		p.mu.Unlock()
		cc.mu.Lock()
		cc.corrs[env.Header.Correlation] = struct{}{}
		cc.mu.Unlock()

		if !p.dispatch(raw) {
			return
		}
	}
}

// dispatch forwards one task frame to the next ready worker, skipping
// workers whose session died between announcement and send.
func (p *Proxy) dispatch(raw []byte) bool {
	for {
		select {
		case wc := <-p.ready:
			if err := wc.sess.Send(raw); err != nil {
				p.log.Debug("ready worker gone, trying next", zap.Error(err))
				continue
			}
			p.tasksForwarded.Add(1)
			return true
		case <-p.ctx.Done():
			return false
		}
	}
}

// serveWorker reads ready and result frames from one worker session.
func (p *Proxy) serveWorker(sess transport.Session) {
	wc := &workerConn{sess: sess}
	p.workersActive.Add(1)
	p.workersTotal.Add(1)
	p.log.Info("worker connected", zap.String("remote", remoteOf(sess)))
	defer func() {
		p.workersActive.Add(-1)
		p.log.Info("worker disconnected", zap.String("remote", remoteOf(sess)))
		sess.Close()
	}()

	for {
		raw, err := sess.Recv()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := env.DecodeFrame(raw); err != nil {
			p.log.Warn("bad worker frame", zap.Error(err))
			return
		}
		switch env.Header.Type {
		case protocol.MsgReady:
			select {
			case p.ready <- wc:
			case <-p.ctx.Done():
				return
			}
		case protocol.MsgResult:
			p.routeResult(env.Header.Correlation, raw)
		default:
			p.log.Warn("unexpected worker frame type", zap.Uint8("type", env.Header.Type))
		}
	}
}

// routeResult forwards a result frame to the client that issued the
// matching task. Results for vanished clients are dropped; the client
// retry path resubmits under a fresh correlation.
func (p *Proxy) routeResult(corr [16]byte, raw []byte) {
	p.mu.Lock()
	cc, ok := p.pending[corr]
	if ok {
		delete(p.pending, corr)
	}
	p.mu.Unlock()
	if !ok {
		p.resultsDropped.Add(1)
		p.log.Debug("result for unknown correlation dropped")
		return
	}
	cc.mu.Lock()
	delete(cc.corrs, corr)
	cc.mu.Unlock()

	if err := cc.sess.Send(raw); err != nil {
		p.resultsDropped.Add(1)
		p.log.Debug("client gone, result dropped", zap.Error(err))
		return
	}
	p.resultsRouted.Add(1)
}

// dropClient removes any in-flight correlations owned by a departed
// client so late results do not hit a dead session.
func (p *Proxy) dropClient(cc *clientConn) {
	cc.mu.Lock()
	corrs := make([][16]byte, 0, len(cc.corrs))
	for c := range cc.corrs {
		corrs = append(corrs, c)
	}
	cc.corrs = make(map[[16]byte]struct{})
	cc.mu.Unlock()

	p.mu.Lock()
	for _, c := range corrs {
		if p.pending[c] == cc {
			delete(p.pending, c)
		}
	}
	p.mu.Unlock()
}

// serveMgmt answers status and shutdown requests.
func (p *Proxy) serveMgmt(sess transport.Session) {
	defer sess.Close()
	for {
		raw, err := sess.Recv()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := env.DecodeFrame(raw); err != nil {
			return
		}
		if env.Header.Type != protocol.MsgControl {
			continue
		}
		var req protocol.ControlRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			p.replyMgmt(sess, env.Header.Correlation, protocol.Errorf("invalid control request: %s", err))
			continue
		}

		switch req.Method {
		case protocol.ControlStatus:
			p.replyMgmt(sess, env.Header.Correlation, protocol.NewResult(p.Status(), "proxy status"))
		case protocol.ControlShutdown:
			p.replyMgmt(sess, env.Header.Correlation, protocol.NewResult(nil, "shutting down"))
			p.log.Info("shutdown requested via mgmt")
			go p.Shutdown()
			return
		default:
			p.replyMgmt(sess, env.Header.Correlation, protocol.Errorf("unknown control method %q", req.Method))
		}
	}
}

func (p *Proxy) replyMgmt(sess transport.Session, corr [16]byte, res protocol.TaskResult) {
	payload, err := json.Marshal(res)
	if err != nil {
		p.log.Warn("marshal mgmt reply", zap.Error(err))
		return
	}
	env := protocol.NewEnvelope(protocol.MsgControl, corr, payload)
	frame, err := env.EncodeFrame()
	if err != nil {
		p.log.Warn("encode mgmt reply", zap.Error(err))
		return
	}
	if err := sess.Send(frame); err != nil {
		p.log.Debug("send mgmt reply", zap.Error(err))
	}
}

// Status reports broker counters for the mgmt status method.
func (p *Proxy) Status() map[string]any {
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()
	st := make(map[string]any)
	st["frontend"] = p.opts.Frontend
	st["backend"] = p.opts.Backend
	st["mgmt"] = p.opts.Mgmt
	st["uptime_seconds"] = int64(time.Since(p.started).Seconds())
	st["clients_active"] = p.clientsActive.Load()
	st["clients_total"] = p.clientsTotal.Load()
	st["workers_active"] = p.workersActive.Load()
	st["workers_total"] = p.workersTotal.Load()
	st["workers_ready"] = int64(len(p.ready))
	st["tasks_forwarded"] = p.tasksForwarded.Load()
	st["results_routed"] = p.resultsRouted.Load()
	st["results_dropped"] = p.resultsDropped.Load()
	st["tasks_in_flight"] = pending
	return st
}

// Shutdown stops the listeners, cancels all sessions and waits for the
// serve goroutines to drain. Safe to call more than once.
func (p *Proxy) Shutdown() {
	p.once.Do(func() {
		p.log.Info("shutting down")
		if p.cancel != nil {
			p.cancel()
		}
		for _, ln := range p.listeners {
			ln.Close()
		}
		// Recv on an open session is not interruptible by context, so
		// closing the sessions is what unblocks the serve goroutines.
		p.mu.Lock()
		open := make([]transport.Session, 0, len(p.sessions))
		for sess := range p.sessions {
			open = append(open, sess)
		}
		p.mu.Unlock()
		for _, sess := range open {
			sess.Close()
		}
		p.wg.Wait()
		close(p.done)
	})
}

// Done is closed once Shutdown completes.
func (p *Proxy) Done() <-chan struct{} { return p.done }

func remoteOf(sess transport.Session) string {
	if addr := sess.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return string(sess.Peer().ID)
}
