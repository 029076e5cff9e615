package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file for user preferences.
const FileName = "config.toml"

// Config is the root configuration loaded from ~/.agent-relay/config.toml.
type Config struct {
	// Chat defines the chat gateway connection and send behavior
	Chat ChatSettings `toml:"chat"`

	// Monitor defines polling and classification settings
	Monitor MonitorSettings `toml:"monitor"`

	// Dedup defines idempotency cache settings
	Dedup DedupSettings `toml:"dedup"`

	// Tmux defines terminal session settings
	Tmux TmuxSettings `toml:"tmux"`

	// Push defines optional web push notification settings
	Push PushSettings `toml:"push"`

	// Logging defines log file settings
	Logging LoggingSettings `toml:"logging"`
}

// ChatSettings defines the chat gateway connection.
type ChatSettings struct {
	// GatewayURL is the websocket endpoint of the chat gateway
	GatewayURL string `toml:"gateway_url"`

	// Token authenticates against the gateway
	Token string `toml:"token"`

	// ChannelID is the channel the relay listens on and notifies into
	ChannelID string `toml:"channel_id"`

	// MaxMessageLen is the platform-safe chunk size in display cells
	// (default: 1900, just under Discord's 2000-char limit)
	MaxMessageLen int `toml:"max_message_len"`

	// ConfirmKey is the keystroke sent for yes/confirm replies (default: "Enter")
	ConfirmKey string `toml:"confirm_key"`

	// CancelKey is the keystroke sent for no/cancel replies (default: "Escape")
	CancelKey string `toml:"cancel_key"`
}

// MonitorSettings defines polling and classification behavior.
type MonitorSettings struct {
	// MinPollMs is the shortest adaptive polling interval (default: 1000)
	MinPollMs int `toml:"min_poll_ms"`

	// MaxPollMs is the longest adaptive polling interval (default: 10000)
	MaxPollMs int `toml:"max_poll_ms"`

	// CaptureLines is how many pane lines each sample captures (default: 200)
	CaptureLines int `toml:"capture_lines"`

	// CaptureTimeoutMs bounds each sampling subprocess (default: 5000)
	CaptureTimeoutMs int `toml:"capture_timeout_ms"`

	// BufferMaxBytes caps each session's rolling output buffer (default: 65536)
	BufferMaxBytes int `toml:"buffer_max_bytes"`

	// NotifyRatePerMin caps outbound notifications per minute (default: 20)
	NotifyRatePerMin int `toml:"notify_rate_per_min"`

	// HistoryRetentionDays is how long classified events are kept (default: 14)
	HistoryRetentionDays int `toml:"history_retention_days"`
}

// DedupSettings defines idempotency cache behavior.
type DedupSettings struct {
	// TTLSeconds is how long a processed key suppresses duplicates (default: 300)
	TTLSeconds int `toml:"ttl_seconds"`

	// MaxEntries caps each cache instance (default: 1000)
	MaxEntries int `toml:"max_entries"`

	// CleanupIntervalSeconds is the expiry sweep period (default: 60)
	CleanupIntervalSeconds int `toml:"cleanup_interval_seconds"`
}

// TmuxSettings defines terminal session behavior.
type TmuxSettings struct {
	// SessionPrefix namespaces sessions created by the relay (default: "relay_")
	SessionPrefix string `toml:"session_prefix"`

	// DefaultSession is attached on startup when it exists
	DefaultSession string `toml:"default_session"`

	// CommandTimeoutMs bounds $-prefixed shell command execution (default: 30000)
	CommandTimeoutMs int `toml:"command_timeout_ms"`
}

// PushSettings defines optional web push notification keys. Push is
// disabled when the VAPID keys are empty.
type PushSettings struct {
	VAPIDPublicKey  string `toml:"vapid_public_key"`
	VAPIDPrivateKey string `toml:"vapid_private_key"`
	VAPIDSubject    string `toml:"vapid_subject"`
}

// LoggingSettings defines log file behavior.
type LoggingSettings struct {
	// Level is "debug", "info", "warn", or "error" (default: "info")
	Level string `toml:"level"`

	// Format is "json" (default) or "text"
	Format string `toml:"format"`

	// MaxSizeMB is the rotation threshold (default: 10)
	MaxSizeMB int `toml:"max_size_mb"`

	// MaxBackups is rotated files to keep (default: 5)
	MaxBackups int `toml:"max_backups"`
}

// Default returns a Config with every tunable at its default value.
func Default() Config {
	return Config{
		Chat: ChatSettings{
			MaxMessageLen: 1900,
			ConfirmKey:    "Enter",
			CancelKey:     "Escape",
		},
		Monitor: MonitorSettings{
			MinPollMs:            1000,
			MaxPollMs:            10000,
			CaptureLines:         200,
			CaptureTimeoutMs:     5000,
			BufferMaxBytes:       64 * 1024,
			NotifyRatePerMin:     20,
			HistoryRetentionDays: 14,
		},
		Dedup: DedupSettings{
			TTLSeconds:             300,
			MaxEntries:             1000,
			CleanupIntervalSeconds: 60,
		},
		Tmux: TmuxSettings{
			SessionPrefix:    "relay_",
			CommandTimeoutMs: 30000,
		},
		Logging: LoggingSettings{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// BaseDir returns the relay's state directory (~/.agent-relay), creating it
// if needed. AGENTRELAY_HOME overrides the location for tests and sandboxes.
func BaseDir() (string, error) {
	if dir := os.Getenv("AGENTRELAY_HOME"); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("config: create base dir: %w", err)
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".agent-relay")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("config: create base dir: %w", err)
	}
	return dir, nil
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	dir, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads the TOML config at path, applying defaults for absent fields.
// A missing file is not an error: defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyFloors()
	return cfg, cfg.Validate()
}

// applyFloors clamps nonsensical values back to defaults rather than failing.
func (c *Config) applyFloors() {
	def := Default()
	if c.Monitor.MinPollMs <= 0 {
		c.Monitor.MinPollMs = def.Monitor.MinPollMs
	}
	if c.Monitor.MaxPollMs < c.Monitor.MinPollMs {
		c.Monitor.MaxPollMs = c.Monitor.MinPollMs
	}
	if c.Monitor.CaptureLines <= 0 {
		c.Monitor.CaptureLines = def.Monitor.CaptureLines
	}
	if c.Monitor.CaptureTimeoutMs <= 0 {
		c.Monitor.CaptureTimeoutMs = def.Monitor.CaptureTimeoutMs
	}
	if c.Monitor.BufferMaxBytes <= 0 {
		c.Monitor.BufferMaxBytes = def.Monitor.BufferMaxBytes
	}
	if c.Monitor.NotifyRatePerMin <= 0 {
		c.Monitor.NotifyRatePerMin = def.Monitor.NotifyRatePerMin
	}
	if c.Dedup.TTLSeconds <= 0 {
		c.Dedup.TTLSeconds = def.Dedup.TTLSeconds
	}
	if c.Dedup.MaxEntries <= 0 {
		c.Dedup.MaxEntries = def.Dedup.MaxEntries
	}
	if c.Dedup.CleanupIntervalSeconds <= 0 {
		c.Dedup.CleanupIntervalSeconds = def.Dedup.CleanupIntervalSeconds
	}
	if c.Chat.MaxMessageLen <= 0 {
		c.Chat.MaxMessageLen = def.Chat.MaxMessageLen
	}
	if c.Chat.ConfirmKey == "" {
		c.Chat.ConfirmKey = def.Chat.ConfirmKey
	}
	if c.Chat.CancelKey == "" {
		c.Chat.CancelKey = def.Chat.CancelKey
	}
	if c.Tmux.SessionPrefix == "" {
		c.Tmux.SessionPrefix = def.Tmux.SessionPrefix
	}
	if c.Tmux.CommandTimeoutMs <= 0 {
		c.Tmux.CommandTimeoutMs = def.Tmux.CommandTimeoutMs
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Push.VAPIDPublicKey != "" && c.Push.VAPIDPrivateKey == "" ||
		c.Push.VAPIDPublicKey == "" && c.Push.VAPIDPrivateKey != "" {
		return fmt.Errorf("config: push requires both vapid_public_key and vapid_private_key")
	}
	if url := strings.TrimSpace(c.Chat.GatewayURL); url != "" {
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return fmt.Errorf("config: chat gateway_url must be a ws:// or wss:// URL, got %q", url)
		}
	}
	return nil
}
