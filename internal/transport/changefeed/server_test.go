package changefeed

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voxelgrid.dev/internal/voxel"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestServer_SubscribeAndReceive(t *testing.T) {
	s := NewServer(nil, 4)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, wsURL(srv))
	defer conn.Close()

	sub, _ := json.Marshal(SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: Version})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Registration is asynchronous to the upgrade; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for s.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	changes := []voxel.SectorChange{{Coords: voxel.Vec3i{X: 1}, RequireUpdate: 1, DirtyBricks: 2}}
	s.Broadcast(7, changes)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg SummaryMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "CHANGES" || msg.Tick != 7 || len(msg.Sectors) != 1 {
		t.Fatalf("message %+v", msg)
	}
	if msg.Sectors[0].DirtyBricks != 2 {
		t.Fatalf("sectors %+v", msg.Sectors)
	}
}

func TestServer_RejectsBadHandshake(t *testing.T) {
	s := NewServer(nil, 4)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, wsURL(srv))
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"NOPE"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("bad handshake kept the session open")
	}
	if s.Subscribers() != 0 {
		t.Fatalf("%d subscribers after rejected handshake", s.Subscribers())
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:1234": true,
		"[::1]:5678":     true,
		"10.0.0.5:80":    false,
		"8.8.8.8:443":    false,
		"not-an-ip":      false,
	}
	for addr, want := range cases {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v, want %v", addr, got, want)
		}
	}
}
