package main

import (
	"fmt"
	"os"
)

const Version = "0.3.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		args = []string{"run"}
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("agent-relay v%s\n", Version)
	case "help", "--help", "-h":
		printUsage()
	case "run":
		handleRun(args[1:])
	case "status":
		handleStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`agent-relay - bridge a chat channel to tmux sessions running a CLI agent

Usage:
  agent-relay [command]

Commands:
  run       Start the relay daemon (default)
  status    Show configuration and discovered sessions
  version   Print the version
  help      Show this help

Run 'agent-relay run --help' for daemon flags.`)
}
