// Package relay routes inbound chat messages to the watched tmux session:
// confirmation tokens become keystrokes, command-marker text runs as shell
// commands, slash commands drive the relay itself, and everything else is
// forwarded verbatim as terminal input.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/chat"
	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/dedup"
	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/monitor"
	"github.com/asheshgoplani/agent-relay/internal/proc"
	"github.com/asheshgoplani/agent-relay/internal/push"
	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

var routerLog = logging.ForComponent(logging.CompRouter)

// shellMarker prefixes text that runs as a literal shell command.
const shellMarker = "$"

// maxReplyLen bounds error and command output replies.
const maxReplyLen = 1500

// Terminal is the tmux surface the router drives.
type Terminal interface {
	SendText(ctx context.Context, sessionName, text string) error
	SendKey(ctx context.Context, sessionName, key string) error
	SendLine(ctx context.Context, sessionName, text string) error
	CapturePane(ctx context.Context, sessionName string, lines int) (string, error)
	NewSession(ctx context.Context, sessionName, workDir string) error
	KillSession(ctx context.Context, sessionName string) error
	ListSessions(ctx context.Context) ([]string, error)
}

// MonitorSource exposes the monitoring loop's observable state.
type MonitorSource interface {
	Snapshot() monitor.Context
}

// HistorySource replays recorded notification events.
type HistorySource interface {
	RecentEvents(ctx context.Context, limit int) ([]statedb.EventRow, error)
}

// Router dispatches normalized inbound messages. It owns no goroutines;
// Route is called from the gateway's read loop.
type Router struct {
	cfg      config.Config
	sender   chat.Sender
	reg      *session.Registry
	term     Terminal
	mgr      *proc.Manager
	inbound  *dedup.Cache
	outbound *dedup.Cache
	mon      MonitorSource
	history  HistorySource
	subs     *push.Store
}

// NewRouter assembles a Router. history may be nil; the history command
// then reports that persistence is disabled. subs may be nil; the push
// command then reports that push is unavailable.
func NewRouter(cfg config.Config, sender chat.Sender, reg *session.Registry, term Terminal, mgr *proc.Manager, inbound, outbound *dedup.Cache, mon MonitorSource, history HistorySource, subs *push.Store) *Router {
	return &Router{
		cfg:      cfg,
		sender:   sender,
		reg:      reg,
		term:     term,
		mgr:      mgr,
		inbound:  inbound,
		outbound: outbound,
		mon:      mon,
		history:  history,
		subs:     subs,
	}
}

// Route handles one inbound message. It never returns an error upward for
// user mistakes; failures are reported back to the channel, bounded.
func (r *Router) Route(ctx context.Context, msg chat.Message) {
	if msg.IsBot {
		routerLog.Debug("message_ignored_bot", slog.String("id", msg.ID))
		return
	}
	if msg.ID != "" {
		if r.inbound.IsProcessed(msg.ID) {
			routerLog.Debug("message_duplicate_dropped", slog.String("id", msg.ID))
			return
		}
		r.inbound.MarkProcessed(msg.ID)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	routerLog.Info("message_routed",
		slog.String("id", msg.ID),
		slog.Int("len", len(text)))

	var err error
	switch {
	case isConfirmation(text):
		err = r.sendConfirmKey(ctx, r.cfg.Chat.ConfirmKey)
	case isCancellation(text):
		err = r.sendConfirmKey(ctx, r.cfg.Chat.CancelKey)
	case strings.HasPrefix(text, shellMarker):
		err = r.runShell(ctx, strings.TrimSpace(text[len(shellMarker):]))
	case strings.HasPrefix(text, "/"):
		err = r.runCommand(ctx, text)
	default:
		err = r.forward(ctx, text)
	}
	if err != nil {
		r.replyError(ctx, err)
	}
}

func isConfirmation(text string) bool {
	switch strings.ToLower(text) {
	case "yes", "y", "confirm":
		return true
	}
	return false
}

func isCancellation(text string) bool {
	switch strings.ToLower(text) {
	case "no", "n", "cancel":
		return true
	}
	return false
}

func (r *Router) activeName() (string, error) {
	entry := r.reg.Active()
	if entry == nil {
		return "", fmt.Errorf("no session is registered; use /new <name> or /switch")
	}
	return entry.Name, nil
}

func (r *Router) sendConfirmKey(ctx context.Context, key string) error {
	name, err := r.activeName()
	if err != nil {
		return err
	}
	return r.term.SendKey(ctx, name, key)
}

func (r *Router) forward(ctx context.Context, text string) error {
	name, err := r.activeName()
	if err != nil {
		return err
	}
	return r.term.SendLine(ctx, name, text)
}

// runShell executes a literal shell command through the process manager and
// relays its output. Output and errors are bounded before sending.
func (r *Router) runShell(ctx context.Context, cmdline string) error {
	if cmdline == "" {
		return fmt.Errorf("empty shell command")
	}
	timeout := time.Duration(r.cfg.Tmux.CommandTimeoutMs) * time.Millisecond
	res := r.mgr.Run(ctx, timeout, "sh", "-c", cmdline)
	if res.SpawnErr != nil {
		return fmt.Errorf("spawn failed: %w", res.SpawnErr)
	}
	if res.TimedOut {
		return fmt.Errorf("command timed out after %s", timeout)
	}

	out := strings.TrimSpace(res.Output)
	if out == "" {
		out = "(no output)"
	}
	reply := fmt.Sprintf("`%s` → exit %d\n```\n%s\n```", cmdline, res.ExitCode, truncate(out, maxReplyLen))
	return r.sender.SendText(ctx, reply)
}

func (r *Router) replyError(ctx context.Context, err error) {
	routerLog.Warn("route_failed", slog.String("error", err.Error()))
	msg := "⚠️ " + truncate(err.Error(), maxReplyLen)
	if sendErr := r.sender.SendText(ctx, msg); sendErr != nil {
		routerLog.Warn("error_reply_failed", slog.String("error", sendErr.Error()))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
