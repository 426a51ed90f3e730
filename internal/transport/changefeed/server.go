// Package changefeed streams per-tick change summaries to loopback
// websocket subscribers, so external consumers (renderers, physics) can
// find out what changed without polling sector state.
package changefeed

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxelgrid.dev/internal/voxel"
)

const Version = "1.0"

// SubscribeMsg opens a feed session; it must be the first client message.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// SummaryMsg is one tick's change summary.
type SummaryMsg struct {
	Type            string               `json:"type"`
	ProtocolVersion string               `json:"protocol_version"`
	Tick            uint64               `json:"tick"`
	Sectors         []voxel.SectorChange `json:"sectors"`
}

type subscriber struct {
	out chan []byte
}

type Server struct {
	log      *log.Logger
	maxConns int
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*subscriber]struct{}
}

func NewServer(logger *log.Logger, maxConns int) *Server {
	if maxConns <= 0 {
		maxConns = 64
	}
	return &Server{
		log:      logger,
		maxConns: maxConns,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback-guarded below
		},
		conns: map[*subscriber]struct{}{},
	}
}

// Broadcast fans one tick summary out to every subscriber. Slow consumers
// drop summaries rather than stall the tick loop.
func (s *Server) Broadcast(tick uint64, changes []voxel.SectorChange) {
	msg := SummaryMsg{
		Type:            "CHANGES",
		ProtocolVersion: Version,
		Tick:            tick,
		Sectors:         changes,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	for sub := range s.conns {
		select {
		case sub.out <- b:
		default:
		}
	}
	s.mu.Unlock()
}

// Subscribers returns the current connection count.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		s.mu.Lock()
		full := len(s.conns) >= s.maxConns
		s.mu.Unlock()
		if full {
			http.Error(rw, "too many subscribers", http.StatusServiceUnavailable)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: first message must be SUBSCRIBE.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil || sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != Version {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"),
				time.Now().Add(time.Second))
			return
		}

		sb := &subscriber{out: make(chan []byte, 16)}
		s.mu.Lock()
		s.conns[sb] = struct{}{}
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for b := range sb.out {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}()

		// Reader loop: only keepalives are expected; any error ends the
		// session.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		// Unregister before closing the channel so Broadcast can never
		// send into a closed channel.
		s.mu.Lock()
		delete(s.conns, sb)
		s.mu.Unlock()
		close(sb.out)
		<-done
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
