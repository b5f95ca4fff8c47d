package main

import "flag"

// Options holds CLI options for the proxy.
type Options struct {
	// Command is start, stop or status. stop and status talk to the
	// mgmt endpoint of a running proxy.
	Command    string
	ConfigPath string
	// Endpoint overrides the mgmt endpoint for stop/status.
	Endpoint string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	opts := Options{Command: "start"}
	if len(args) > 0 && (args[0] == "start" || args[0] == "stop" || args[0] == "status") {
		opts.Command = args[0]
		args = args[1:]
	}
	fs := flag.NewFlagSet("vdispatch-proxy", flag.ExitOnError)
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Endpoint, "endpoint", "", "Mgmt endpoint for stop/status (default from config)")
	_ = fs.Parse(args)
	return opts
}
