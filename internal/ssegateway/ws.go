package ssegateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arwhub/agenthub/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSMirror forwards every bus envelope to connected clients on /ws/events,
// mirroring the SSE stream for consumers that prefer a socket (spec §4.3).
type WSMirror struct {
	bus    *bus.Bus
	logger *slog.Logger
}

func NewWSMirror(b *bus.Bus, logger *slog.Logger) *WSMirror {
	return &WSMirror{bus: b, logger: logger.With("component", "ssegateway_ws")}
}

func (m *WSMirror) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	prefixes := splitCSV(r.URL.Query().Get("prefix"))

	rx := m.bus.Subscribe(bus.DefaultReceiverCapacity)
	defer rx.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case env, ok := <-rx.C():
			if !ok {
				return
			}
			if !matchesPrefix(env.Kind, prefixes) {
				continue
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}
