// Package tusmonitor fans a Driver's progress events out to connected
// WebSocket clients, for dashboards watching an upload in real time.
package tusmonitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Event is one progress update broadcast to every connected client.
type Event struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	BytesSent   int64  `json:"bytesSent"`
	BytesTotal  int64  `json:"bytesTotal"`
	Done        bool   `json:"done,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Broadcaster accepts WebSocket connections on its ServeHTTP handler and
// fans Event values out to all of them. Install Broadcast as (or inside)
// a resumux.UploadRequest.OnProgress callback to wire a live upload to a
// dashboard.
type Broadcaster struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New builds a Broadcaster. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}

	return &Broadcaster{
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and keeps it registered until the
// client disconnects or the request context ends.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.logger.Warn("tusmonitor: accept failed", slog.String("error", err.Error()))
		return
	}

	b.register(conn)
	defer b.unregister(conn)

	ctx := r.Context()

	// Block until the client goes away; progress is pushed by Broadcast
	// from the upload goroutine, not read back from the connection.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (b *Broadcaster) register(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.clients[conn] = struct{}{}
}

func (b *Broadcaster) unregister(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.clients, conn)
}

// Broadcast sends ev as JSON to every connected client. A failed write is
// logged and skipped; the client stays registered until ServeHTTP's read
// loop sees the disconnect and unregisters it.
func (b *Broadcaster) Broadcast(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("tusmonitor: marshaling event failed", slog.String("error", err.Error()))
		return
	}

	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for c := range b.clients {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			b.logger.Debug("tusmonitor: dropping client after write error", slog.String("error", err.Error()))
		}
	}
}

// OnProgress adapts Broadcast into the resumux.UploadRequest.OnProgress
// callback shape, tagging every event with fingerprint.
func (b *Broadcaster) OnProgress(ctx context.Context, fingerprint string) func(bytesSent, bytesTotal int64) {
	return func(bytesSent, bytesTotal int64) {
		b.Broadcast(ctx, Event{Fingerprint: fingerprint, BytesSent: bytesSent, BytesTotal: bytesTotal})
	}
}
