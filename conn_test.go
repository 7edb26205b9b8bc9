package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// chatServer is a minimal server speaking the room protocol: it acks every
// join and then pushes one message per joined conversation.
type chatServer struct {
	t      *testing.T
	reject websocket.StatusCode
}

func (s *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer good" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusInternalError, "server exiting")
	ctx := r.Context()

	if err := wsjson.Write(ctx, c, Envelope{Type: EventAuthenticated, Payload: json.RawMessage(`{}`)}); err != nil {
		return
	}
	if s.reject != 0 {
		c.Close(s.reject, "token revoked")
		return
	}

	for {
		var cmd struct {
			Type    string      `json:"type"`
			Payload roomPayload `json:"payload"`
		}
		if err := wsjson.Read(ctx, c, &cmd); err != nil {
			return
		}
		if cmd.Type != CommandJoin {
			continue
		}
		ack, _ := json.Marshal(cmd.Payload)
		if err := wsjson.Write(ctx, c, Envelope{Type: EventRoomAck, Payload: ack}); err != nil {
			return
		}
		if cmd.Payload.Kind == KindConversation {
			m, _ := json.Marshal(msg(cmd.Payload.Key, "srv-1", 1))
			if err := wsjson.Write(ctx, c, Envelope{Type: EventMessage, Payload: m}); err != nil {
				return
			}
		}
	}
}

func startChatServer(t *testing.T, s *chatServer) string {
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func wsConfig(t *testing.T) *Config {
	cfg, _ := testConfig(nil)
	cfg.Dialer = nil
	cfg.HeartbeatInterval = 20 * time.Millisecond
	return cfg
}

func TestWebSocket_EndToEnd(t *testing.T) {
	url := startChatServer(t, &chatServer{t: t})
	tr := NewTransport(url, wsConfig(t))
	core := NewCore(tr, nil)
	t.Cleanup(func() { core.Close() })

	s := core.NewSession()
	_, err := s.Open("77", "")
	require.NoError(t, err)

	require.NoError(t, core.Connect(context.Background(), "good"))
	require.Eventually(t, func() bool { return len(s.View("77").Messages) == 1 }, eventually, tick)
	assert.Equal(t, "srv-1", s.View("77").Messages[0].ID)
	assert.True(t, core.Rooms().IsAcknowledged(ConversationRoom("77")))

	// Survives several heartbeats.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateConnected, tr.State())
}

func TestWebSocket_UpgradeRejected(t *testing.T) {
	url := startChatServer(t, &chatServer{t: t})
	cfg := wsConfig(t)
	tr := NewTransport(url, cfg)
	defer tr.Disconnect()

	err := tr.Connect(context.Background(), "bad")
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestWebSocket_AuthCloseCodeIsFatal(t *testing.T) {
	url := startChatServer(t, &chatServer{t: t, reject: closeAuthRequired})
	tr := NewTransport(url, wsConfig(t))
	defer tr.Disconnect()

	require.NoError(t, tr.Connect(context.Background(), "good"))
	require.Eventually(t, func() bool { return tr.State() == StateDisconnected }, eventually, tick)
	assert.ErrorIs(t, tr.Info().Err, ErrAuthRejected)
}

func TestWebSocket_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	cfg := wsConfig(t)
	cfg.AutoReconnect = false
	tr := NewTransport(url, cfg)
	err := tr.Connect(context.Background(), "good")
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Retryable())
}
