package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vdispatch/pkg/protocol"
	"vdispatch/pkg/transport"
)

// Agent process states as reported on the mgmt status method.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateDead     = "dead"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Mgmt is the management endpoint for status/shutdown.
	Mgmt string
	// Concurrency is the number of agent processes; 0 means NumCPU.
	Concurrency int
	// AgentArgs is the argument vector each agent process is started
	// with. The executable is the manager's own binary.
	AgentArgs []string
	// GraceTimeout is how long agents get to exit after SIGTERM before
	// they are killed.
	GraceTimeout time.Duration
	// RestartDead controls whether an agent that exits on its own is
	// respawned.
	RestartDead bool

	Logger *zap.Logger
}

// ProcRecord is a point-in-time view of one agent process.
type ProcRecord struct {
	Index     int       `json:"index"`
	PID       int       `json:"pid"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Restarts  int       `json:"restarts"`
}

type proc struct {
	index int

	mu        sync.Mutex
	cmd       *exec.Cmd
	state     string
	startedAt time.Time
	restarts  int
}

func (p *proc) record() ProcRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := ProcRecord{
		Index:     p.index,
		State:     p.state,
		StartedAt: p.startedAt,
		Restarts:  p.restarts,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		rec.PID = p.cmd.Process.Pid
	}
	return rec
}

// Manager supervises a pool of agent processes. Agents run as separate
// OS processes started from the manager's own executable, so a crash in
// one agent never takes down its siblings or the manager.
type Manager struct {
	opts ManagerOptions
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	procs []*proc
	wg    sync.WaitGroup

	mu       sync.Mutex
	stopping bool

	listener transport.Listener
	started  time.Time
	done     chan struct{}
	once     sync.Once
}

// NewManager returns an unstarted Manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = 3 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	return &Manager{
		opts: opts,
		log:  log.Named("manager"),
		done: make(chan struct{}),
	}
}

// Start spawns the agent pool and binds the mgmt endpoint.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = time.Now()

	tr, addr, err := transport.Resolve(m.opts.Mgmt)
	if err != nil {
		return err
	}
	m.listener, err = tr.Listen(m.ctx, addr)
	if err != nil {
		return err
	}
	m.log.Info("mgmt listening", zap.String("endpoint", m.opts.Mgmt))

	for i := 0; i < m.opts.Concurrency; i++ {
		p := &proc{index: i, state: StateStarting}
		m.procs = append(m.procs, p)
		if err := m.spawn(p); err != nil {
			m.Shutdown()
			return err
		}
	}
	m.log.Info("agent pool started", zap.Int("concurrency", m.opts.Concurrency))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.acceptMgmt()
	}()
	return nil
}

// spawn starts one agent process and a watcher that reaps it and, when
// configured, respawns it.
func (m *Manager) spawn(p *proc) error {
	// Holding m.mu across Start closes the window where a restart could
	// launch an agent that Shutdown's signal sweep never sees.
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return errors.New("worker: manager is stopping")
	}
	exe, err := os.Executable()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	cmd := exec.Command(exe, m.opts.AgentArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		m.mu.Unlock()
		p.mu.Lock()
		p.state = StateDead
		p.mu.Unlock()
		return err
	}
	p.mu.Lock()
	p.cmd = cmd
	p.state = StateRunning
	p.startedAt = time.Now()
	p.mu.Unlock()
	m.mu.Unlock()
	m.log.Info("agent started", zap.Int("index", p.index), zap.Int("pid", cmd.Process.Pid))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := cmd.Wait()
		p.mu.Lock()
		p.state = StateDead
		p.mu.Unlock()

		m.mu.Lock()
		stopping := m.stopping
		m.mu.Unlock()
		if stopping {
			return
		}
		m.log.Warn("agent exited",
			zap.Int("index", p.index),
			zap.Int("pid", cmd.Process.Pid),
			zap.Error(err))
		if !m.opts.RestartDead {
			return
		}
		select {
		case <-time.After(time.Second):
		case <-m.ctx.Done():
			return
		}
		p.mu.Lock()
		p.restarts++
		p.mu.Unlock()
		if err := m.spawn(p); err != nil {
			m.log.Error("agent restart failed", zap.Int("index", p.index), zap.Error(err))
		}
	}()
	return nil
}

func (m *Manager) acceptMgmt() {
	for {
		sess, err := m.listener.Accept(m.ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || m.ctx.Err() != nil {
				return
			}
			m.log.Warn("mgmt accept failed", zap.Error(err))
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.serveMgmt(sess)
		}()
	}
}

func (m *Manager) serveMgmt(sess transport.Session) {
	defer sess.Close()
	for {
		raw, err := sess.RecvTimeout(pollInterval)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				if m.ctx.Err() != nil {
					return
				}
				continue
			}
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
			m.replyMgmt(sess, env.Header.Correlation, protocol.Errorf("invalid control request: %s", err))
			continue
		}

		switch req.Method {
		case protocol.ControlStatus:
			m.replyMgmt(sess, env.Header.Correlation, protocol.NewResult(m.Status(), "worker status"))
		case protocol.ControlShutdown:
			m.replyMgmt(sess, env.Header.Correlation, protocol.NewResult(nil, "shutting down"))
			m.log.Info("shutdown requested via mgmt")
			go m.Shutdown()
			return
		default:
			m.replyMgmt(sess, env.Header.Correlation, protocol.Errorf("unknown control method %q", req.Method))
		}
	}
}

func (m *Manager) replyMgmt(sess transport.Session, corr [16]byte, res protocol.TaskResult) {
	payload, err := json.Marshal(res)
	if err != nil {
		m.log.Warn("marshal mgmt reply", zap.Error(err))
		return
	}
	env := protocol.NewEnvelope(protocol.MsgControl, corr, payload)
	frame, err := env.EncodeFrame()
	if err != nil {
		return
	}
	if err := sess.Send(frame); err != nil {
		m.log.Debug("send mgmt reply", zap.Error(err))
	}
}

// Status reports the manager and per-agent state for the mgmt status
// method.
func (m *Manager) Status() map[string]any {
	hostname, _ := os.Hostname()
	records := make([]ProcRecord, 0, len(m.procs))
	for _, p := range m.procs {
		records = append(records, p.record())
	}
	st := make(map[string]any)
	st["hostname"] = hostname
	st["mgmt"] = m.opts.Mgmt
	st["concurrency"] = m.opts.Concurrency
	st["uptime_seconds"] = int64(time.Since(m.started).Seconds())
	st["agents"] = records
	return st
}

// Shutdown terminates the agent pool. Agents get SIGTERM and the grace
// period to exit; stragglers are killed. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.log.Info("shutting down")
		m.mu.Lock()
		m.stopping = true
		m.mu.Unlock()

		for _, p := range m.procs {
			p.mu.Lock()
			cmd := p.cmd
			p.mu.Unlock()
			if cmd != nil && cmd.Process != nil {
				_ = cmd.Process.Signal(syscall.SIGTERM)
			}
		}

		deadline := time.NewTimer(m.opts.GraceTimeout)
		defer deadline.Stop()
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
	wait:
		for {
			select {
			case <-deadline.C:
				for _, p := range m.procs {
					p.mu.Lock()
					cmd, state := p.cmd, p.state
					p.mu.Unlock()
					if state != StateDead && cmd != nil && cmd.Process != nil {
						m.log.Warn("killing straggler agent", zap.Int("index", p.index))
						_ = cmd.Process.Kill()
					}
				}
				break wait
			case <-tick.C:
				alive := 0
				for _, p := range m.procs {
					p.mu.Lock()
					if p.state != StateDead {
						alive++
					}
					p.mu.Unlock()
				}
				if alive == 0 {
					break wait
				}
			}
		}

		if m.cancel != nil {
			m.cancel()
		}
		if m.listener != nil {
			m.listener.Close()
		}
		m.wg.Wait()
		close(m.done)
	})
}

// Done is closed once Shutdown completes.
func (m *Manager) Done() <-chan struct{} { return m.done }
