package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/chat"
	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/dedup"
	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/monitor"
	"github.com/asheshgoplani/agent-relay/internal/proc"
	"github.com/asheshgoplani/agent-relay/internal/push"
	"github.com/asheshgoplani/agent-relay/internal/relay"
	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

const discoveryInterval = 15 * time.Second

// handleRun starts the relay daemon: gateway, monitoring loop, router, and
// their supporting stores.
func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config.toml (default: ~/.agent-relay/config.toml)")
	once := fs.Bool("once", false, "Sample the active session once, print the classification, and exit")
	fs.Usage = func() {
		fmt.Println("Usage: agent-relay run [--config path] [--once]")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if err := runDaemon(*configPath, *once); err != nil {
		fmt.Fprintf(os.Stderr, "agent-relay: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(configPath string, once bool) error {
	baseDir, err := config.BaseDir()
	if err != nil {
		return err
	}
	if configPath == "" {
		configPath = filepath.Join(baseDir, config.FileName)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		LogDir:     baseDir,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	defer logging.Shutdown()
	log := logging.Logger()
	log.Info("relay_starting", slog.String("version", Version), slog.String("config", configPath))

	mgr := proc.NewManager(2 * time.Second)
	exec := tmux.NewExecutor(mgr,
		time.Duration(cfg.Monitor.CaptureTimeoutMs)*time.Millisecond,
		time.Duration(cfg.Tmux.CommandTimeoutMs)*time.Millisecond)

	reg := session.NewRegistry(cfg.Monitor.BufferMaxBytes)
	cls := monitor.NewClassifier(cfg.Monitor)

	if once {
		defer mgr.Stop()
		return runOnce(cfg, exec, reg, cls)
	}

	ctx, cancelSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelSignals()

	// Startup failures from here exit non-zero after unwinding what started.
	db, err := statedb.Open(filepath.Join(baseDir, "relay.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}
	retention := time.Duration(cfg.Monitor.HistoryRetentionDays) * 24 * time.Hour
	if n, err := db.PruneBefore(ctx, time.Now().Add(-retention)); err == nil && n > 0 {
		log.Info("history_pruned", slog.Int64("events", n))
	}

	dedupOpts := dedup.Options{
		TTL:             time.Duration(cfg.Dedup.TTLSeconds) * time.Second,
		MaxEntries:      cfg.Dedup.MaxEntries,
		CleanupInterval: time.Duration(cfg.Dedup.CleanupIntervalSeconds) * time.Second,
	}
	inOpts := dedupOpts
	inOpts.SnapshotPath = filepath.Join(baseDir, "inbound_messages.json")
	inbound, err := dedup.New("inbound", inOpts)
	if err != nil {
		return err
	}
	outOpts := dedupOpts
	outOpts.SnapshotPath = filepath.Join(baseDir, "outbound_notifications.json")
	outbound, err := dedup.New("outbound", outOpts)
	if err != nil {
		inbound.Destroy()
		return err
	}

	discoverSessions(ctx, cfg, exec, reg)

	gateway := chat.NewGateway(cfg.Chat)

	subs := push.NewStore(filepath.Join(baseDir, "push_subscriptions.json"))
	var pushSvc *push.Service
	if svc := push.NewService(cfg.Push, subs); svc != nil {
		pushSvc = svc
		log.Info("push_enabled")
	}

	notifier := monitor.NewNotifier(gateway, outbound, cfg.Monitor.NotifyRatePerMin, db, broadcaster(pushSvc))
	loop := monitor.NewLoop(reg, cls, exec, notifier, gateway.Connected, cfg.Monitor.CaptureLines)
	router := relay.NewRouter(cfg, gateway, reg, exec, mgr, inbound, outbound, loop, db, subs)

	gateway.OnMessage = func(m chat.Message) { router.Route(ctx, m) }
	gateway.OnConnect = loop.Resume

	watcher, err := config.NewWatcher(configPath, func(next config.Config) {
		log.Info("config_reloaded", slog.String("path", configPath))
		cls.SetPollBounds(next.Monitor)
		logging.Init(logging.Config{
			LogDir:     baseDir,
			Level:      next.Logging.Level,
			Format:     next.Logging.Format,
			MaxSizeMB:  next.Logging.MaxSizeMB,
			MaxBackups: next.Logging.MaxBackups,
		})
	})
	if err != nil {
		log.Warn("config_watch_unavailable", slog.String("error", err.Error()))
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	gateway.Start(ctx)
	loop.Start(ctx)
	go rediscoverLoop(ctx, cfg, exec, reg)

	log.Info("relay_started",
		slog.String("gateway", cfg.Chat.GatewayURL),
		slog.Int("sessions", reg.Len()))

	<-ctx.Done()
	log.Info("relay_stopping")

	// Shutdown order matters: stop sampling, then reap subprocesses, then
	// flush caches, and close the channel last so no late callback writes
	// to a snapshot after its final flush.
	loop.Stop()
	mgr.Stop()
	inbound.Destroy()
	outbound.Destroy()
	cancelSignals()
	gateway.Wait()

	log.Info("relay_stopped")
	return nil
}

// runOnce performs a single capture/classify pass against the configured or
// first discovered session and prints the result. Useful for pattern
// debugging without a gateway.
func runOnce(cfg config.Config, exec *tmux.Executor, reg *session.Registry, cls *monitor.Classifier) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	discoverSessions(ctx, cfg, exec, reg)
	entry := reg.Active()
	if entry == nil {
		return fmt.Errorf("no tmux session with prefix %q found", cfg.Tmux.SessionPrefix)
	}

	content, err := exec.CapturePane(ctx, entry.Name, cfg.Monitor.CaptureLines)
	if err != nil {
		return fmt.Errorf("capture %s: %w", entry.Name, err)
	}
	res := cls.Detect(content)
	if res == nil {
		fmt.Printf("%s: no classifiable state\n", entry.Name)
		return nil
	}
	fmt.Printf("%s: %s\n%s\n", entry.Name, res.Type, res.Content)
	return nil
}

// discoverSessions registers prefixed tmux sessions and drops registrations
// whose sessions no longer exist.
func discoverSessions(ctx context.Context, cfg config.Config, exec *tmux.Executor, reg *session.Registry) {
	names, err := exec.ListSessions(ctx)
	if err != nil {
		logging.Logger().Warn("session_discovery_failed", slog.String("error", err.Error()))
		return
	}
	alive := make(map[string]bool, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, cfg.Tmux.SessionPrefix) || name == cfg.Tmux.DefaultSession {
			alive[name] = true
			reg.Add(name)
		}
	}
	for _, name := range reg.Names() {
		if !alive[name] {
			reg.Remove(name)
		}
	}
	if cfg.Tmux.DefaultSession != "" && reg.Get(cfg.Tmux.DefaultSession) != nil {
		_, _ = reg.Switch(cfg.Tmux.DefaultSession)
	}
}

func rediscoverLoop(ctx context.Context, cfg config.Config, exec *tmux.Executor, reg *session.Registry) {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			discoverSessions(ctx, cfg, exec, reg)
		}
	}
}

// broadcaster adapts an optional push service to the notifier interface
// without handing it a typed nil.
func broadcaster(svc *push.Service) monitor.Broadcaster {
	if svc == nil {
		return nil
	}
	return svc
}
