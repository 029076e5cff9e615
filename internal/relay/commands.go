package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/dedup"
	"github.com/asheshgoplani/agent-relay/internal/push"
)

// Command is the closed set of slash commands the router understands.
type Command int

const (
	CmdUnknown Command = iota
	CmdSwitch
	CmdTab
	CmdShow
	CmdNew
	CmdKill
	CmdReset
	CmdStatus
	CmdHistory
	CmdHelp
	CmdWatch
	CmdClear
	CmdDedupStats
	CmdPush
)

func parseCommand(word string) Command {
	switch strings.ToLower(word) {
	case "switch":
		return CmdSwitch
	case "tab":
		return CmdTab
	case "show":
		return CmdShow
	case "new":
		return CmdNew
	case "kill":
		return CmdKill
	case "reset":
		return CmdReset
	case "status":
		return CmdStatus
	case "history":
		return CmdHistory
	case "help":
		return CmdHelp
	case "watch":
		return CmdWatch
	case "clear":
		return CmdClear
	case "dedupstats":
		return CmdDedupStats
	case "push":
		return CmdPush
	default:
		return CmdUnknown
	}
}

const helpText = "**agent-relay commands**\n" +
	"`/switch [name]` — switch sessions (fuzzy match) or list them\n" +
	"`/tab <number>` — switch to the Nth listed session\n" +
	"`/show` — show the active session's recent output\n" +
	"`/new <name>` — create and watch a new session\n" +
	"`/kill` — kill the active session\n" +
	"`/reset` — send Escape to the agent\n" +
	"`/status` — monitor state and poll interval\n" +
	"`/history` — recent notification events\n" +
	"`/watch` — capture the pane right now\n" +
	"`/clear` — discard the active session's buffer\n" +
	"`/dedupstats` — idempotency cache counters\n" +
	"`/push [add <subscription-json> | remove <endpoint>]` — manage web push subscribers\n" +
	"`/help` — this text\n\n" +
	"`yes`/`no` answer prompts; `$cmd` runs a shell command; anything else is typed into the session."

// runCommand dispatches a slash command. The switch is exhaustive over the
// Command values so a new command cannot be added without a handler.
func (r *Router) runCommand(ctx context.Context, text string) error {
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return fmt.Errorf("empty command; try /help")
	}
	arg := strings.TrimSpace(strings.TrimPrefix(text[1:], fields[0]))

	switch parseCommand(fields[0]) {
	case CmdSwitch:
		return r.cmdSwitch(ctx, arg)
	case CmdTab:
		return r.cmdTab(ctx, arg)
	case CmdShow:
		return r.cmdShow(ctx)
	case CmdNew:
		return r.cmdNew(ctx, arg)
	case CmdKill:
		return r.cmdKill(ctx)
	case CmdReset:
		return r.cmdReset(ctx)
	case CmdStatus:
		return r.cmdStatus(ctx)
	case CmdHistory:
		return r.cmdHistory(ctx)
	case CmdHelp:
		return r.sender.SendText(ctx, helpText)
	case CmdWatch:
		return r.cmdWatch(ctx)
	case CmdClear:
		return r.cmdClear(ctx)
	case CmdDedupStats:
		return r.cmdDedupStats(ctx)
	case CmdPush:
		return r.cmdPush(ctx, arg)
	case CmdUnknown:
		return fmt.Errorf("unknown command %q; try /help", fields[0])
	}
	return nil
}

func (r *Router) cmdSwitch(ctx context.Context, arg string) error {
	if arg == "" {
		return r.sendSessionList(ctx)
	}
	name, err := r.reg.Switch(arg)
	if err != nil {
		return err
	}
	return r.sender.SendText(ctx, fmt.Sprintf("now watching **%s**", name))
}

func (r *Router) cmdTab(ctx context.Context, arg string) error {
	if arg == "" {
		return fmt.Errorf("usage: /tab <number>")
	}
	idx, err := strconv.Atoi(strings.Fields(arg)[0])
	if err != nil {
		return fmt.Errorf("usage: /tab <number>")
	}
	names := r.reg.Names()
	if idx < 1 || idx > len(names) {
		return fmt.Errorf("tab %d out of range; %d sessions registered", idx, len(names))
	}
	name, err := r.reg.Switch(names[idx-1])
	if err != nil {
		return err
	}
	return r.sender.SendText(ctx, fmt.Sprintf("now watching **%s**", name))
}

func (r *Router) sendSessionList(ctx context.Context) error {
	names := r.reg.Names()
	if len(names) == 0 {
		return r.sender.SendText(ctx, "no sessions registered")
	}
	var b strings.Builder
	b.WriteString("**sessions**\n")
	for i, n := range names {
		marker := "  "
		if i == 0 {
			marker = "▶ "
		}
		fmt.Fprintf(&b, "%s%d. %s\n", marker, i+1, n)
	}
	return r.sender.SendText(ctx, b.String())
}

func (r *Router) cmdShow(ctx context.Context) error {
	entry := r.reg.Active()
	if entry == nil {
		return fmt.Errorf("no session is registered")
	}
	tail := entry.Buffer.CleanedTail(40)
	if tail == "" {
		return r.sender.SendText(ctx, fmt.Sprintf("**%s** has no buffered output yet", entry.Name))
	}
	return r.sender.SendText(ctx, fmt.Sprintf("**%s**\n```\n%s\n```", entry.Name, tail))
}

func (r *Router) cmdNew(ctx context.Context, arg string) error {
	if arg == "" {
		return fmt.Errorf("usage: /new <name>")
	}
	name := strings.Fields(arg)[0]
	if !strings.HasPrefix(name, r.cfg.Tmux.SessionPrefix) {
		name = r.cfg.Tmux.SessionPrefix + name
	}
	if err := r.term.NewSession(ctx, name, ""); err != nil {
		return err
	}
	r.reg.Add(name)
	if _, err := r.reg.Switch(name); err != nil {
		return err
	}
	return r.sender.SendText(ctx, fmt.Sprintf("created and now watching **%s**", name))
}

func (r *Router) cmdKill(ctx context.Context) error {
	name, err := r.activeName()
	if err != nil {
		return err
	}
	if err := r.term.KillSession(ctx, name); err != nil {
		return err
	}
	r.reg.Remove(name)
	return r.sender.SendText(ctx, fmt.Sprintf("killed **%s**", name))
}

func (r *Router) cmdReset(ctx context.Context) error {
	name, err := r.activeName()
	if err != nil {
		return err
	}
	if err := r.term.SendKey(ctx, name, "Escape"); err != nil {
		return err
	}
	return r.sender.SendText(ctx, fmt.Sprintf("sent Escape to **%s**", name))
}

func (r *Router) cmdStatus(ctx context.Context) error {
	snap := r.mon.Snapshot()
	var b strings.Builder
	b.WriteString("**monitor status**\n")
	fmt.Fprintf(&b, "session: %s\n", orDash(snap.Session))
	fmt.Fprintf(&b, "state: %s\n", orDash(string(snap.CurrentState)))
	fmt.Fprintf(&b, "phase: %s\n", snap.Phase)
	fmt.Fprintf(&b, "poll interval: %s\n", snap.PollInterval)
	fmt.Fprintf(&b, "paused: %t\n", snap.Paused)
	fmt.Fprintf(&b, "connected: %t\n", r.sender.Connected())
	fmt.Fprintf(&b, "sessions registered: %d", r.reg.Len())
	return r.sender.SendText(ctx, b.String())
}

func (r *Router) cmdHistory(ctx context.Context) error {
	if r.history == nil {
		return r.sender.SendText(ctx, "event history is disabled")
	}
	events, err := r.history.RecentEvents(ctx, 15)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return r.sender.SendText(ctx, "no notification events recorded")
	}
	var b strings.Builder
	b.WriteString("**recent notifications**\n")
	for _, e := range events {
		fmt.Fprintf(&b, "%s  %s  %s  %s\n",
			e.SentAt.Format(time.DateTime), e.Session, e.StateType, truncate(e.Content, 60))
	}
	return r.sender.SendText(ctx, b.String())
}

func (r *Router) cmdWatch(ctx context.Context) error {
	name, err := r.activeName()
	if err != nil {
		return err
	}
	content, err := r.term.CapturePane(ctx, name, r.cfg.Monitor.CaptureLines)
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}
	entry := r.reg.Get(name)
	if entry != nil {
		entry.Buffer.Append(entry.SetLastCapture(content))
		content = entry.Buffer.CleanedTail(40)
	}
	if strings.TrimSpace(content) == "" {
		return r.sender.SendText(ctx, fmt.Sprintf("**%s** pane is empty", name))
	}
	return r.sender.SendText(ctx, fmt.Sprintf("**%s** (live)\n```\n%s\n```", name, truncate(content, maxReplyLen)))
}

func (r *Router) cmdClear(ctx context.Context) error {
	entry := r.reg.Active()
	if entry == nil {
		return fmt.Errorf("no session is registered")
	}
	entry.Buffer.Reset()
	return r.sender.SendText(ctx, fmt.Sprintf("cleared buffer for **%s**", entry.Name))
}

func (r *Router) cmdDedupStats(ctx context.Context) error {
	var b strings.Builder
	b.WriteString("**idempotency caches**\n")
	for _, s := range []dedup.Stats{r.inbound.Stats(), r.outbound.Stats()} {
		fmt.Fprintf(&b, "%s: %d/%d entries, %d hits, %d misses, %d evictions, %d expirations\n",
			s.Name, s.Size, s.MaxEntries, s.Hits, s.Misses, s.Evictions, s.Expirations)
	}
	return r.sender.SendText(ctx, b.String())
}

// cmdPush manages web push subscribers. The add form takes the
// PushSubscription JSON copied from the subscribing browser.
func (r *Router) cmdPush(ctx context.Context, arg string) error {
	if r.subs == nil {
		return r.sender.SendText(ctx, "push is unavailable")
	}
	if arg == "" {
		count, err := r.subs.Count()
		if err != nil {
			return err
		}
		state := "enabled"
		if r.cfg.Push.VAPIDPublicKey == "" || r.cfg.Push.VAPIDPrivateKey == "" {
			state = "disabled (VAPID keys not configured)"
		}
		return r.sender.SendText(ctx, fmt.Sprintf("push %s, %d subscriber(s)", state, count))
	}

	verb, rest, _ := strings.Cut(arg, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(verb) {
	case "add":
		if rest == "" {
			return fmt.Errorf("usage: /push add <subscription-json>")
		}
		sub, err := push.ParseSubscription([]byte(rest))
		if err != nil {
			return err
		}
		if err := r.subs.Upsert(sub); err != nil {
			return err
		}
		return r.sender.SendText(ctx, "push subscriber registered")
	case "remove":
		if rest == "" {
			return fmt.Errorf("usage: /push remove <endpoint>")
		}
		if err := r.subs.Remove(rest); err != nil {
			return err
		}
		return r.sender.SendText(ctx, "push subscriber removed")
	default:
		return fmt.Errorf("usage: /push [add <subscription-json> | remove <endpoint>]")
	}
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}
