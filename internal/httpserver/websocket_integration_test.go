package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camsight/camsight/internal/config"
	"github.com/camsight/camsight/internal/metrics"
	"github.com/camsight/camsight/internal/signaling"
)

// TestWebSocketUpgradeThroughMiddleware runs the signaling socket behind the
// full middleware chain, the way main wires it. The request logger's response
// wrapper must still support hijacking or every upgrade fails with a 500.
func TestWebSocketUpgradeThroughMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(config.Config{}, logger, BuildInfo{}, metrics.New())
	s.Mux().Handle("GET /ws", signaling.NewServer(signaling.ServerConfig{Logger: logger}))

	ts := httptest.NewServer(s.srv.Handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	dial := func(name string) *websocket.Conn {
		ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			t.Fatalf("dial %s through middleware: %v (status=%d)", name, err, status)
		}
		t.Cleanup(func() { ws.Close() })
		return ws
	}

	writeJSON := func(ws *websocket.Conn, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	phone := dial("phone")
	writeJSON(phone, map[string]any{"type": "join", "roomId": "room1", "role": "phone"})

	desktop := dial("desktop")
	writeJSON(desktop, map[string]any{"type": "join", "roomId": "room1", "role": "desktop"})

	// Desktop sees the phone's presence, proving the upgraded socket carries
	// traffic end to end behind the middleware.
	_ = desktop.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := desktop.ReadMessage()
	if err != nil {
		t.Fatalf("read join notice: %v", err)
	}
	var notice struct {
		Type string `json:"type"`
		Role string `json:"role"`
	}
	if err := json.Unmarshal(raw, &notice); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	if notice.Type != "join" || notice.Role != "phone" {
		t.Fatalf("notice=%+v, want phone join notice", notice)
	}

	writeJSON(phone, map[string]any{"type": "offer", "roomId": "room1", "sdp": "relayed-sdp"})

	_, raw, err = desktop.ReadMessage()
	if err != nil {
		t.Fatalf("read offer: %v", err)
	}
	var offer struct {
		Type string          `json:"type"`
		SDP  json.RawMessage `json:"sdp"`
	}
	if err := json.Unmarshal(raw, &offer); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	if offer.Type != "offer" || string(offer.SDP) != `"relayed-sdp"` {
		t.Fatalf("offer=%+v", offer)
	}
}
