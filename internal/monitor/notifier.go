package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agent-relay/internal/dedup"
	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var notifyLog = logging.ForComponent(logging.CompMonitor)

// sendTimeout bounds one outbound notification delivery.
const sendTimeout = 10 * time.Second

// TextSender delivers notification text to the chat channel.
type TextSender interface {
	SendText(ctx context.Context, text string) error
}

// EventRecorder persists notification events for the history command.
type EventRecorder interface {
	RecordEvent(ctx context.Context, sessionName, stateType, content string, at time.Time) error
}

// Broadcaster fans a notification out to push subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, title, body string) error
}

var stateMarkers = map[StateType]string{
	StateError:        "❌",
	StateInputPrompt:  "⌨️",
	StateCompleted:    "✅",
	StatePlanMode:     "📋",
	StateTesting:      "🧪",
	StateGitOperation: "🔀",
	StateWarning:      "⚠️",
	StateIdleInput:    "💤",
}

// Notifier turns classification results into channel messages. Outbound
// fingerprint dedup stops a flapping state from re-sending identical text,
// and a token bucket caps the overall send rate. Event recording and push
// fan-out are optional.
type Notifier struct {
	sender  TextSender
	dedupe  *dedup.Cache
	limiter *rate.Limiter
	events  EventRecorder
	push    Broadcaster
}

// NewNotifier builds a Notifier. ratePerMin caps notifications per minute;
// events and push may be nil.
func NewNotifier(sender TextSender, dedupe *dedup.Cache, ratePerMin int, events EventRecorder, push Broadcaster) *Notifier {
	if ratePerMin <= 0 {
		ratePerMin = 20
	}
	return &Notifier{
		sender:  sender,
		dedupe:  dedupe,
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), ratePerMin),
		events:  events,
		push:    push,
	}
}

// Notify implements StateSink.
func (n *Notifier) Notify(ctx context.Context, sessionName string, res Result) {
	fp := fingerprint(sessionName, res)
	if n.dedupe.IsProcessed(fp) {
		notifyLog.Debug("notification_deduplicated",
			slog.String("session", sessionName),
			slog.String("state", string(res.Type)))
		return
	}

	if !n.limiter.Allow() {
		notifyLog.Warn("notification_rate_limited",
			slog.String("session", sessionName),
			slog.String("state", string(res.Type)))
		return
	}

	text := formatNotification(sessionName, res)

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := n.sender.SendText(sendCtx, text); err != nil {
		// Do not mark the fingerprint: the next natural state change
		// retries, immediate re-sends against a down channel do not.
		notifyLog.Warn("notification_send_failed",
			slog.String("session", sessionName),
			slog.String("error", err.Error()))
		return
	}
	n.dedupe.MarkProcessed(fp)

	if n.events != nil {
		if err := n.events.RecordEvent(sendCtx, sessionName, string(res.Type), res.Content, res.Timestamp); err != nil {
			notifyLog.Warn("event_record_failed", slog.String("error", err.Error()))
		}
	}
	if n.push != nil {
		title := fmt.Sprintf("%s: %s", sessionName, res.Type)
		if err := n.push.Broadcast(sendCtx, title, res.Content); err != nil {
			notifyLog.Warn("push_broadcast_failed", slog.String("error", err.Error()))
		}
	}

	notifyLog.Info("notification_sent",
		slog.String("session", sessionName),
		slog.String("state", string(res.Type)))
}

func fingerprint(sessionName string, res Result) string {
	sum := sha256.Sum256([]byte(sessionName + "|" + string(res.Type) + "|" + res.Content))
	return hex.EncodeToString(sum[:16])
}

func formatNotification(sessionName string, res Result) string {
	marker := stateMarkers[res.Type]
	if marker == "" {
		marker = "🔔"
	}
	if res.Content == "" {
		return fmt.Sprintf("%s **%s** · %s", marker, sessionName, res.Type)
	}
	return fmt.Sprintf("%s **%s** · %s\n```\n%s\n```", marker, sessionName, res.Type, res.Content)
}
