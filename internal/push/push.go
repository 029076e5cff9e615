// Package push fans relay notifications out to Web Push subscribers so a
// phone hears about a waiting prompt even when the chat client is closed.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var pushLog = logging.ForComponent(logging.CompPush)

// Subscription is one browser push endpoint plus its encryption keys.
type Subscription struct {
	Endpoint string           `json:"endpoint"`
	Keys     SubscriptionKeys `json:"keys"`
	AddedAt  time.Time        `json:"addedAt,omitempty"`
}

// SubscriptionKeys carries the client's ECDH and auth secrets.
type SubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s Subscription) normalize() Subscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

func (s Subscription) validate() error {
	sub := s.normalize()
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if sub.Keys.P256DH == "" {
		return fmt.Errorf("keys.p256dh is required")
	}
	if sub.Keys.Auth == "" {
		return fmt.Errorf("keys.auth is required")
	}
	return nil
}

// ParseSubscription decodes a browser PushSubscription JSON payload into a
// validated Subscription.
func ParseSubscription(data []byte) (Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return Subscription{}, fmt.Errorf("invalid subscription JSON: %w", err)
	}
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

type subscriptionFile struct {
	UpdatedAt     time.Time      `json:"updatedAt"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// Store persists subscriptions in a JSON file, rewritten atomically.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a Store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// List returns all persisted subscriptions.
func (s *Store) List() ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	out := make([]Subscription, len(data.Subscriptions))
	copy(out, data.Subscriptions)
	return out, nil
}

// Count returns the number of persisted subscriptions.
func (s *Store) Count() (int, error) {
	subs, err := s.List()
	if err != nil {
		return 0, err
	}
	return len(subs), nil
}

// Upsert adds or replaces a subscription, keyed by endpoint.
func (s *Store) Upsert(sub Subscription) error {
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		return err
	}
	if sub.AddedAt.IsZero() {
		sub.AddedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i := range data.Subscriptions {
		if data.Subscriptions[i].Endpoint == sub.Endpoint {
			data.Subscriptions[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		data.Subscriptions = append(data.Subscriptions, sub)
	}
	return s.writeLocked(data)
}

// Remove deletes the subscription with the given endpoint.
func (s *Store) Remove(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}
	kept := data.Subscriptions[:0]
	for _, sub := range data.Subscriptions {
		if sub.Endpoint != endpoint {
			kept = append(kept, sub)
		}
	}
	data.Subscriptions = kept
	return s.writeLocked(data)
}

func (s *Store) readLocked() (*subscriptionFile, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &subscriptionFile{}, nil
		}
		return nil, fmt.Errorf("read push subscriptions: %w", err)
	}
	var data subscriptionFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse push subscriptions: %w", err)
	}
	return &data, nil
}

func (s *Store) writeLocked(data *subscriptionFile) error {
	data.UpdatedAt = time.Now().UTC()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("mkdir push subscription dir: %w", err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal push subscriptions: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write temp push subscriptions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename push subscriptions: %w", err)
	}
	return nil
}

// sender abstracts the wire call for tests.
type sender interface {
	Send(payload []byte, sub Subscription) (int, error)
}

type vapidSender struct {
	subject    string
	publicKey  string
	privateKey string
}

func (s *vapidSender) Send(payload []byte, sub Subscription) (int, error) {
	sub = sub.normalize()
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             3600,
	})
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

type pushMessage struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
}

// Service broadcasts notifications to every stored subscription. Endpoints
// the gateway reports as gone are dropped from the store.
type Service struct {
	store  *Store
	sender sender
}

// NewService wires a Service from cfg; returns nil when push is not
// configured so callers can treat it as optional.
func NewService(cfg config.PushSettings, store *Store) *Service {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil
	}
	subject := cfg.VAPIDSubject
	if subject == "" {
		subject = "mailto:relay@localhost"
	}
	return &Service{
		store: store,
		sender: &vapidSender{
			subject:    subject,
			publicKey:  cfg.VAPIDPublicKey,
			privateKey: cfg.VAPIDPrivateKey,
		},
	}
}

// Broadcast sends title/body to all subscribers. Individual endpoint
// failures are logged and never abort the fan-out.
func (p *Service) Broadcast(ctx context.Context, title, body string) error {
	subs, err := p.store.List()
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(pushMessage{
		Title:     title,
		Body:      body,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := p.sender.Send(payload, sub)
		if status == http.StatusNotFound || status == http.StatusGone {
			pushLog.Info("push_subscription_expired", slog.String("endpoint", sub.Endpoint))
			if rmErr := p.store.Remove(sub.Endpoint); rmErr != nil {
				pushLog.Warn("push_subscription_remove_failed", slog.String("error", rmErr.Error()))
			}
			continue
		}
		if err != nil {
			pushLog.Warn("push_send_failed",
				slog.String("endpoint", sub.Endpoint),
				slog.String("error", err.Error()))
		}
	}
	return nil
}
