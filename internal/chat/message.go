// Package chat connects the relay to its chat gateway over a websocket and
// normalizes traffic in both directions.
package chat

import "context"

// Message is one normalized inbound chat event.
type Message struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	ChannelID string `json:"channel_id"`
	IsBot     bool   `json:"is_bot"`
	SourceTag string `json:"source_tag,omitempty"`
}

// Sender delivers outbound text to the channel. Implementations split long
// text into platform-safe chunks.
type Sender interface {
	SendText(ctx context.Context, text string) error
	Connected() bool
}
