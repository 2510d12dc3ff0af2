// Copyright (C) 2025-2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli is the operator command-line client. It talks to a running
// server over the HTTP API; no business logic lives here.
package cli

import (
	"fmt"
	"os"
)

const (
	appName    = "stepflow"
	appVersion = "1.0.0"
)

// Execute runs the CLI application
func Execute() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "submit":
		return submitCommand(args)
	case "list":
		return listCommand(args)
	case "show":
		return showCommand(args)
	case "cancel":
		return cancelCommand(args)
	case "delete":
		return deleteCommand(args)
	case "stats":
		return statsCommand(args)
	case "version":
		fmt.Printf("%s version %s\n", appName, appVersion)
		return nil
	case "help", "-h", "--help":
		return printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		return printUsage()
	}
}

func printUsage() error {
	fmt.Printf(`%s - StepFlow Monitor operator client

Usage:
  %s <command> [arguments]

Commands:
  submit <request.yaml>   Submit an execution request
  list [status]           List executions, newest first
  show <execution_id>     Show one execution with its steps and artifacts
  cancel <execution_id>   Cancel a running execution
  delete <execution_id>   Delete an execution and its files
  stats                   Show execution statistics
  version                 Print version information
  help                    Show this help message

The server address defaults to http://127.0.0.1:8080 and can be overridden
with the STEPFLOW_SERVER environment variable.

Examples:
  %s submit nightly-build.yaml
  %s list failed
  %s cancel 4f7c21ce-adf3-4ed4-9175-1a0616bb71f2
`, appName, appName, appName, appName, appName)
	return nil
}
