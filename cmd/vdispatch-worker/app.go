package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vdispatch/pkg/cache"
	"vdispatch/pkg/client"
	"vdispatch/pkg/config"
	"vdispatch/pkg/creds"
	"vdispatch/pkg/observability"
	"vdispatch/pkg/protocol"
	"vdispatch/pkg/task"
	_ "vdispatch/pkg/transport/reg"
	"vdispatch/pkg/worker"
)

const version = "1.0.0"

// run is the main entry point after CLI parsing. The same binary serves
// two roles: the manager supervising the agent pool, and the re-exec'd
// agent children it spawns.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.Endpoint != "" {
		cfg.Worker.Proxy = opts.Endpoint
	}
	if opts.MgmtEndpoint != "" {
		cfg.Worker.Mgmt = opts.MgmtEndpoint
	}
	if opts.Concurrency > 0 {
		cfg.Worker.Concurrency = opts.Concurrency
	}

	if opts.Command != "start" {
		return control(opts, cfg.Worker.Mgmt)
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if opts.AgentMode {
		return runAgent(cfg, logger)
	}
	return runManager(cfg, opts, logger)
}

func runManager(cfg *config.Config, opts Options, logger *zap.Logger) int {
	zap.L().Info("vdispatch-worker started",
		zap.String("proxy", cfg.Worker.Proxy),
		zap.String("mgmt", cfg.Worker.Mgmt),
		zap.Int("concurrency", cfg.Worker.Concurrency))

	agentArgs := []string{"-agent", "-endpoint", cfg.Worker.Proxy}
	if opts.ConfigPath != "" {
		agentArgs = append(agentArgs, "-config", opts.ConfigPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := worker.NewManager(worker.ManagerOptions{
		Mgmt:         cfg.Worker.Mgmt,
		Concurrency:  cfg.Worker.Concurrency,
		AgentArgs:    agentArgs,
		GraceTimeout: time.Duration(cfg.Worker.GraceTimeoutMS) * time.Millisecond,
		RestartDead:  cfg.Worker.RestartDead,
		Logger:       logger,
	})
	if err := m.Start(ctx); err != nil {
		zap.L().Error("failed to start worker manager", zap.Error(err))
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		zap.L().Info("signal received, shutting down", zap.String("signal", s.String()))
		m.Shutdown()
	case <-m.Done():
		// shutdown came over the mgmt endpoint
	}
	<-m.Done()
	return 0
}

func runAgent(cfg *config.Config, logger *zap.Logger) int {
	entries, err := loadConnectors(cfg.Worker.Connectors)
	if err != nil {
		zap.L().Error("failed to load connector store", zap.Error(err))
		return 1
	}

	reg := task.NewRegistry()
	task.RegisterAbout(reg, version)

	provider, err := task.NewProviderFromStore(creds.NewMemoryStore(entries...), func(entry creds.Entry) (task.Executor, error) {
		return task.NewRegistryExecutor(reg, entry), nil
	})
	if err != nil {
		zap.L().Error("failed to build connector executors", zap.Error(err))
		return 1
	}

	a := worker.NewAgent(worker.AgentOptions{
		Proxy: cfg.Worker.Proxy,
		Cache: cache.Options{
			Enabled:              cfg.Cache.Enabled,
			MaxSize:              cfg.Cache.MaxSize,
			TTL:                  time.Duration(cfg.Cache.TTLSeconds) * time.Second,
			HousekeepingInterval: time.Duration(cfg.Cache.HousekeepingSeconds) * time.Second,
		},
		Registry: reg,
		Provider: provider,
		Logger:   logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		zap.L().Info("agent stopping", zap.String("signal", s.String()))
		cancel()
	}()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		zap.L().Error("agent failed", zap.Error(err))
		return 1
	}
	return 0
}

// control performs a stop or status request against the mgmt endpoint
// of a running worker manager.
func control(opts Options, endpoint string) int {
	method := protocol.ControlStatus
	if opts.Command == "stop" {
		method = protocol.ControlShutdown
	}
	res, err := client.Control(context.Background(), endpoint, method, 3*time.Second)
	if err != nil {
		_, _ = os.Stderr.WriteString("control request failed: " + err.Error() + "\n")
		return 1
	}
	out, _ := json.MarshalIndent(res, "", "    ")
	_, _ = os.Stdout.Write(append(out, '\n'))
	if res.Success != 0 {
		return 1
	}
	return 0
}

// loadConnectors snapshots the connector database into memory. The
// database holds an exclusive lock, and every agent in the pool opens it
// at startup, so each open is retried briefly and released immediately.
func loadConnectors(path string) ([]creds.Entry, error) {
	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		store, err := creds.Open(path)
		if err != nil {
			lastErr = err
			time.Sleep(100 * time.Millisecond)
			continue
		}
		entries, err := store.List()
		store.Close()
		return entries, err
	}
	return nil, lastErr
}
