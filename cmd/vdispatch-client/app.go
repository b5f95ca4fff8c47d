package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"vdispatch/pkg/client"
	"vdispatch/pkg/helpers"
	"vdispatch/pkg/protocol"
	_ "vdispatch/pkg/transport/reg"
)

func run(args []string) int {
	fs := flag.NewFlagSet("vdispatch-client", flag.ExitOnError)
	var (
		endpoint   = fs.String("endpoint", "tcp://localhost:10123", "Broker frontend endpoint")
		timeout    = fs.Duration("timeout", client.DefaultTimeout, "Per-attempt reply timeout")
		retries    = fs.Int("retries", client.DefaultRetries, "Number of retries after the first attempt")
		method     = fs.String("method", "", "Task method to run, e.g. vm.get")
		host       = fs.String("vsphere-host", "", "Target host the connector is registered for")
		name       = fs.String("name", "", "Name of the managed object, e.g. vm01")
		properties = fs.String("properties", "", "Comma-separated list of object properties")
		key        = fs.String("key", "", "Provide additional key for data filtering")
		username   = fs.String("username", "", "Username to use for authentication")
		password   = fs.String("password", "", "Password to use for authentication")
		counter    = fs.String("counter", "", "Performance counter to retrieve")
		instance   = fs.String("instance", "", "Performance counter instance")
		interval   = fs.Int("perf-interval", 0, "Performance historical interval in seconds")
		maxSample  = fs.Int("max-sample", 0, "Maximum number of performance samples")
		helper     = fs.String("helper", "", "Name of the helper to apply to the result, e.g. csv")
		format     = fs.String("format", "json", "Wire payload encoding: json or cbor")
		verbose    = fs.Bool("verbose", false, "Log each attempt to stderr")
	)
	_ = fs.Parse(args)

	if *method == "" || *host == "" {
		fmt.Fprintln(os.Stderr, "both -method and -vsphere-host are required")
		fs.Usage()
		return 2
	}

	logger := newLogger(*verbose)
	defer func() { _ = logger.Sync() }()

	req := protocol.TaskRequest{
		Method:       *method,
		Hostname:     *host,
		Name:         *name,
		Key:          *key,
		Username:     *username,
		Password:     *password,
		Counter:      *counter,
		Instance:     *instance,
		PerfInterval: *interval,
		MaxSample:    *maxSample,
		Helper:       *helper,
	}
	if *properties != "" {
		for _, p := range strings.Split(*properties, ",") {
			if p = strings.TrimSpace(p); p != "" {
				req.Properties = append(req.Properties, p)
			}
		}
	}

	contentType := protocol.ContentJSON
	if strings.EqualFold(*format, "cbor") {
		contentType = protocol.ContentCBOR
	}
	c := client.New(client.Options{
		Endpoint:    *endpoint,
		Timeout:     *timeout,
		Retries:     *retries,
		ContentType: contentType,
		Logger:      logger,
	})
	res, err := c.Run(context.Background(), req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	out, rerr := helpers.Render(req.Helper, res)
	if rerr != nil {
		logger.Warn("helper failed, falling back to raw result", zap.Error(rerr))
		out, rerr = helpers.Render("", res)
		if rerr != nil {
			fmt.Fprintln(os.Stderr, rerr)
			return 2
		}
	}
	fmt.Println(out)

	// A result that arrived over the wire is a successful exchange even
	// when the task itself failed; only the synthesized no-reply result
	// is an error of this program.
	if client.IsNoResponse(res) {
		return 1
	}
	return 0
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
