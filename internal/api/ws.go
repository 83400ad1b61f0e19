package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mofeng-git/one-kvm/internal/webrtc"
)

// Keepalive cadence grounded on the teacher's websocket client constants
// (writeWait/pongWait/pingPeriod), reused here on the server side of the
// same library.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API already sits behind session-cookie auth; same-origin is not
	// re-checked here since the browser UI and the daemon share an origin
	// in every deployment this spec targets.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsEnvelope struct {
	EventType string `json:"event_type"`
	Event     any    `json:"event"`
}

// handleWS implements GET /ws: upgrades to a WebSocket and forwards every
// event-bus publication as a {event_type, event} envelope (spec.md §6)
// until the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.d.Bus.Subscribe()
	defer sub.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Drain and discard inbound frames; this upgrade is publish-only, but a
	// read loop is still required to process control frames (ping/close).
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(wsEnvelope{EventType: string(ev.Kind), Event: ev.Payload}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// handleWSHID implements GET /ws/hid: the same binary HID frame protocol
// as the WebRTC "hid" DataChannel (spec.md §4.10), over a plain WebSocket
// for clients that never negotiate a WebRTC session.
func (s *Server) handleWSHID(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("ws/hid upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		webrtc.DispatchHIDFrame(r.Context(), s.d.HID, data, "ws")
	}
}
