package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vdispatch/pkg/broker"
	"vdispatch/pkg/client"
	"vdispatch/pkg/config"
	"vdispatch/pkg/observability"
	"vdispatch/pkg/protocol"
	_ "vdispatch/pkg/transport/reg"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	if opts.Command != "start" {
		return control(opts, cfg.Proxy.Mgmt)
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("vdispatch-proxy started",
		zap.String("frontend", cfg.Proxy.Frontend),
		zap.String("backend", cfg.Proxy.Backend),
		zap.String("mgmt", cfg.Proxy.Mgmt))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := broker.New(broker.Options{
		Frontend: cfg.Proxy.Frontend,
		Backend:  cfg.Proxy.Backend,
		Mgmt:     cfg.Proxy.Mgmt,
		Logger:   logger,
	})
	if err := p.Start(ctx); err != nil {
		zap.L().Error("failed to start proxy", zap.Error(err))
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		zap.L().Info("signal received, shutting down", zap.String("signal", s.String()))
		p.Shutdown()
	case <-p.Done():
		// shutdown came over the mgmt endpoint
	}
	<-p.Done()
	return 0
}

// control performs a stop or status request against the mgmt endpoint
// of a running proxy.
func control(opts Options, endpoint string) int {
	if opts.Endpoint != "" {
		endpoint = opts.Endpoint
	}
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
