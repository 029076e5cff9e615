package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/config"
)

type fakeGatewayServer struct {
	t  *testing.T
	mu sync.Mutex

	conn     *websocket.Conn
	received []wireFrame
	ready    chan struct{}
}

func newFakeGatewayServer(t *testing.T) (*fakeGatewayServer, *httptest.Server) {
	t.Helper()
	fs := &fakeGatewayServer{t: t, ready: make(chan struct{})}
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()
		close(fs.ready)

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame wireFrame
			if json.Unmarshal(payload, &frame) == nil {
				fs.mu.Lock()
				fs.received = append(fs.received, frame)
				fs.mu.Unlock()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeGatewayServer) send(frame wireFrame) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NotNil(fs.t, fs.conn)
	require.NoError(fs.t, fs.conn.WriteJSON(frame))
}

func (fs *fakeGatewayServer) frames() []wireFrame {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]wireFrame, len(fs.received))
	copy(out, fs.received)
	return out
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testChatSettings(url string) config.ChatSettings {
	return config.ChatSettings{
		GatewayURL:    url,
		Token:         "test-token",
		ChannelID:     "chan-1",
		MaxMessageLen: 1900,
	}
}

func TestGateway_SendTextBeforeConnect(t *testing.T) {
	g := NewGateway(testChatSettings("ws://127.0.0.1:1/ws"))
	err := g.SendText(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestGateway_ConnectAndReceiveMessage(t *testing.T) {
	fs, srv := newFakeGatewayServer(t)

	got := make(chan Message, 1)
	connected := make(chan struct{}, 1)

	g := NewGateway(testChatSettings(wsURL(srv)))
	g.OnMessage = func(m Message) { got <- m }
	g.OnConnect = func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.Start(ctx)
	defer g.Wait()
	defer cancel()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not connect")
	}
	assert.True(t, g.Connected())

	<-fs.ready
	fs.send(wireFrame{Type: "message", ID: "m1", Text: "hello", ChannelID: "chan-1"})

	select {
	case m := <-got:
		assert.Equal(t, "m1", m.ID)
		assert.Equal(t, "hello", m.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("inbound message not delivered")
	}
}

func TestGateway_FiltersForeignChannel(t *testing.T) {
	fs, srv := newFakeGatewayServer(t)

	got := make(chan Message, 2)
	g := NewGateway(testChatSettings(wsURL(srv)))
	g.OnMessage = func(m Message) { got <- m }

	ctx, cancel := context.WithCancel(context.Background())
	g.Start(ctx)
	defer g.Wait()
	defer cancel()

	<-fs.ready
	fs.send(wireFrame{Type: "message", ID: "skip", Text: "x", ChannelID: "other"})
	fs.send(wireFrame{Type: "message", ID: "keep", Text: "y", ChannelID: "chan-1"})

	select {
	case m := <-got:
		assert.Equal(t, "keep", m.ID, "foreign-channel message must be dropped")
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestGateway_SendTextChunksLongContent(t *testing.T) {
	fs, srv := newFakeGatewayServer(t)

	cfg := testChatSettings(wsURL(srv))
	cfg.MaxMessageLen = 20
	g := NewGateway(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	g.Start(ctx)
	defer g.Wait()
	defer cancel()

	<-fs.ready
	require.Eventually(t, g.Connected, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, g.SendText(ctx, strings.Repeat("z", 50)))

	require.Eventually(t, func() bool {
		return len(fs.frames()) >= 3
	}, 5*time.Second, 10*time.Millisecond)

	var rebuilt strings.Builder
	for _, f := range fs.frames() {
		assert.Equal(t, "send", f.Type)
		assert.Equal(t, "chan-1", f.ChannelID)
		rebuilt.WriteString(f.Text)
	}
	assert.Equal(t, strings.Repeat("z", 50), rebuilt.String())
}
