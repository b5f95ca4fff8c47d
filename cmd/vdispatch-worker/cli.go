package main

import "flag"

// Options holds CLI options for the worker.
type Options struct {
	// Command is start, stop or status. stop and status talk to the
	// mgmt endpoint of a running worker.
	Command    string
	ConfigPath string
	// Endpoint overrides the proxy backend endpoint to register with.
	Endpoint string
	// MgmtEndpoint overrides the mgmt endpoint.
	MgmtEndpoint string
	// Concurrency overrides the number of agent processes; 0 keeps the
	// configured value.
	Concurrency int
	// AgentMode is set on the re-exec'd agent children; operators do not
	// pass it by hand.
	AgentMode bool
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	opts := Options{Command: "start"}
	if len(args) > 0 && (args[0] == "start" || args[0] == "stop" || args[0] == "status") {
		opts.Command = args[0]
		args = args[1:]
	}
	fs := flag.NewFlagSet("vdispatch-worker", flag.ExitOnError)
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Endpoint, "endpoint", "", "Proxy backend endpoint (default from config)")
	fs.StringVar(&opts.MgmtEndpoint, "mgmt-endpoint", "", "Mgmt endpoint (default from config)")
	fs.IntVar(&opts.Concurrency, "concurrency", 0, "Number of agent processes (default from config)")
	fs.BoolVar(&opts.AgentMode, "agent", false, "Run as a single agent process (internal)")
	_ = fs.Parse(args)
	return opts
}
