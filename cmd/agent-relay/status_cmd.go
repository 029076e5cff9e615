package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/proc"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

// handleStatus prints effective configuration and discovered sessions
// without starting the daemon.
func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config.toml")
	fs.Usage = func() {
		fmt.Println("Usage: agent-relay status [--config path]")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	baseDir, err := config.BaseDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent-relay: %v\n", err)
		os.Exit(1)
	}
	if *configPath == "" {
		*configPath = filepath.Join(baseDir, config.FileName)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent-relay: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("agent-relay v%s\n\n", Version)
	fmt.Printf("state dir:     %s\n", baseDir)
	fmt.Printf("config:        %s\n", *configPath)
	fmt.Printf("gateway:       %s\n", orUnset(cfg.Chat.GatewayURL))
	fmt.Printf("channel:       %s\n", orUnset(cfg.Chat.ChannelID))
	fmt.Printf("poll interval: %d-%d ms\n", cfg.Monitor.MinPollMs, cfg.Monitor.MaxPollMs)
	fmt.Printf("prefix:        %s\n\n", cfg.Tmux.SessionPrefix)

	mgr := proc.NewManager(time.Second)
	defer mgr.Stop()
	exec := tmux.NewExecutor(mgr, 5*time.Second, 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	names, err := exec.ListSessions(ctx)
	if err != nil {
		fmt.Printf("tmux: unavailable (%v)\n", err)
		return
	}

	var matched []string
	for _, n := range names {
		if strings.HasPrefix(n, cfg.Tmux.SessionPrefix) || n == cfg.Tmux.DefaultSession {
			matched = append(matched, n)
		}
	}
	if len(matched) == 0 {
		fmt.Printf("sessions: none matching prefix %q (%d total)\n", cfg.Tmux.SessionPrefix, len(names))
		return
	}
	fmt.Println("sessions:")
	for _, n := range matched {
		fmt.Printf("  %s\n", n)
	}
}

func orUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}
