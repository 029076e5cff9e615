package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var chatLog = logging.ForComponent(logging.CompChat)

// ErrNotConnected is returned by SendText while the gateway is down.
var ErrNotConnected = errors.New("chat gateway not connected")

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxReconnectWait = 30 * time.Second
)

// wireFrame is the gateway's JSON envelope in both directions.
type wireFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Text      string `json:"text,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	IsBot     bool   `json:"is_bot,omitempty"`
	SourceTag string `json:"source_tag,omitempty"`
}

// Gateway maintains a websocket connection to the chat gateway, reconnecting
// with exponential backoff. Inbound messages are handed to OnMessage;
// OnConnect fires after every (re)connect so the monitoring loop can resume.
type Gateway struct {
	cfg       config.ChatSettings
	OnMessage func(Message)
	OnConnect func()

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool

	wg sync.WaitGroup
}

// NewGateway builds a Gateway from cfg. Handlers must be set before Start.
func NewGateway(cfg config.ChatSettings) *Gateway {
	return &Gateway{cfg: cfg}
}

// Connected reports current gateway liveness.
func (g *Gateway) Connected() bool {
	return g.connected.Load()
}

// Start runs the connect/read/reconnect cycle until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) {
	g.wg.Add(1)
	go g.run(ctx)
}

// Wait blocks until the gateway's goroutines have exited after ctx
// cancellation.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

func (g *Gateway) run(ctx context.Context) {
	defer g.wg.Done()
	backoff := time.Second

	for ctx.Err() == nil {
		if err := g.connect(ctx); err != nil {
			chatLog.Warn("gateway_connect_failed",
				slog.String("url", g.cfg.GatewayURL),
				slog.Duration("retry_in", backoff),
				slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxReconnectWait {
				backoff = maxReconnectWait
			}
			continue
		}
		backoff = time.Second

		g.readLoop(ctx)

		g.connected.Store(false)
		g.closeConn()
		if ctx.Err() == nil {
			chatLog.Info("gateway_disconnected")
		}
	}
}

func (g *Gateway) connect(ctx context.Context) error {
	header := http.Header{}
	if g.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+g.cfg.Token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, g.cfg.GatewayURL, header)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	g.connected.Store(true)
	chatLog.Info("gateway_connected", slog.String("url", g.cfg.GatewayURL))

	g.wg.Add(1)
	go g.pingLoop(ctx, conn)

	if g.OnConnect != nil {
		g.OnConnect()
	}
	return nil
}

func (g *Gateway) readLoop(ctx context.Context) {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				chatLog.Warn("gateway_closed_unexpectedly", slog.String("error", err.Error()))
			}
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			chatLog.Warn("gateway_invalid_frame", slog.String("error", err.Error()))
			continue
		}

		switch frame.Type {
		case "message":
			if frame.ChannelID != "" && g.cfg.ChannelID != "" && frame.ChannelID != g.cfg.ChannelID {
				continue
			}
			if g.OnMessage != nil {
				g.OnMessage(Message{
					ID:        frame.ID,
					Text:      frame.Text,
					ChannelID: frame.ChannelID,
					IsBot:     frame.IsBot,
					SourceTag: frame.SourceTag,
				})
			}
		case "ping":
			_ = g.writeFrame(wireFrame{Type: "pong"})
		default:
			chatLog.Debug("gateway_frame_ignored", slog.String("type", frame.Type))
		}
	}
}

func (g *Gateway) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer g.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.closeConn()
			return
		case <-ticker.C:
			g.mu.Lock()
			cur := g.conn
			if cur != conn {
				g.mu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			g.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// SendText splits text into platform-safe chunks and sends each as its own
// frame.
func (g *Gateway) SendText(ctx context.Context, text string) error {
	if !g.connected.Load() {
		return ErrNotConnected
	}
	for _, chunk := range SplitMessage(text, g.cfg.MaxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := g.writeFrame(wireFrame{
			Type:      "send",
			Text:      chunk,
			ChannelID: g.cfg.ChannelID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) writeFrame(frame wireFrame) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return ErrNotConnected
	}
	g.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return g.conn.WriteJSON(frame)
}

func (g *Gateway) closeConn() {
	g.mu.Lock()
	if g.conn != nil {
		_ = g.conn.Close()
		g.conn = nil
	}
	g.mu.Unlock()
}
