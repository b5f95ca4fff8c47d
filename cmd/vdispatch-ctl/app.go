// vdispatch-ctl manages connector credentials and sends management
// commands (status, shutdown) to running proxy and worker processes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"vdispatch/pkg/client"
	"vdispatch/pkg/creds"
	"vdispatch/pkg/protocol"
	_ "vdispatch/pkg/transport/reg"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: vdispatch-ctl <command> [flags]

Commands:
  status      Query a mgmt endpoint for status
  shutdown    Ask a mgmt endpoint to shut down
  connector   Manage connector credentials (add|get|remove|list)
`)
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}
	switch args[0] {
	case "status":
		return runControl(protocol.ControlStatus, args[1:])
	case "shutdown":
		return runControl(protocol.ControlShutdown, args[1:])
	case "connector":
		return runConnector(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return 2
	}
}

func runControl(method string, args []string) int {
	fs := flag.NewFlagSet("vdispatch-ctl "+method, flag.ExitOnError)
	endpoint := fs.String("endpoint", "tcp://localhost:9999", "Mgmt endpoint to talk to")
	timeout := fs.Duration("timeout", 3*time.Second, "Reply timeout")
	_ = fs.Parse(args)

	res, err := client.Control(context.Background(), *endpoint, method, *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printJSON(res)
	if res.Success != 0 {
		return 1
	}
	return 0
}

func runConnector(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "connector needs a subcommand: add|get|remove|list")
		return 2
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("vdispatch-ctl connector "+sub, flag.ExitOnError)
	db := fs.String("db", "/var/lib/vdispatch/connectors.db", "Path to the connector database")
	hostname := fs.String("hostname", "", "Connector hostname")
	username := fs.String("username", "", "Connector username")
	password := fs.String("password", "", "Connector password")
	enabled := fs.Bool("enabled", true, "Whether the connector is enabled")
	_ = fs.Parse(rest)

	store, err := creds.Open(*db)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	switch sub {
	case "add":
		if *hostname == "" || *username == "" || *password == "" {
			fmt.Fprintln(os.Stderr, "add requires -hostname, -username and -password")
			return 2
		}
		err = store.Put(creds.Entry{
			Hostname: *hostname,
			Username: *username,
			Password: *password,
			Enabled:  *enabled,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("connector %s saved\n", *hostname)
	case "get":
		if *hostname == "" {
			fmt.Fprintln(os.Stderr, "get requires -hostname")
			return 2
		}
		entry, err := store.Lookup(*hostname)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		printJSON(entry)
	case "remove":
		if *hostname == "" {
			fmt.Fprintln(os.Stderr, "remove requires -hostname")
			return 2
		}
		if err := store.Delete(*hostname); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("connector %s removed\n", *hostname)
	case "list":
		entries, err := store.List()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		printJSON(entries)
	default:
		fmt.Fprintf(os.Stderr, "unknown connector subcommand %q\n", sub)
		return 2
	}
	return 0
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(b))
}
