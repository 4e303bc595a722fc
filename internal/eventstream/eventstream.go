// Package eventstream pushes verdict log records to connected
// monitors over a WebSocket as they are produced, so an operator can
// tail live matches without polling the storage layer.
//
// Grounded on websocket.Handler's accept-then-forward-frames loop:
// the same per-connection read/write goroutine with a keepalive
// ticker and a context-cancel-on-error shutdown path, simplified from
// a bidirectional proxy relay to a one-way fan-out of JSON frames.
package eventstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"ipsagent/internal/verdict"
)

const (
	writeTimeout  = 5 * time.Second
	keepaliveTick = 30 * time.Second
)

// Hub fans verdict log records out to every connected monitor.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan verdict.LogRecord]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan verdict.LogRecord]struct{})}
}

// Publish delivers rec to every currently-connected monitor. Slow
// subscribers drop frames rather than block the matching path.
func (h *Hub) Publish(rec verdict.LogRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- rec:
		default:
			slog.Warn("eventstream subscriber too slow, dropping frame")
		}
	}
}

func (h *Hub) subscribe() chan verdict.LogRecord {
	ch := make(chan verdict.LogRecord, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan verdict.LogRecord) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
	close(ch)
}

// Handler upgrades incoming connections to WebSocket and streams log
// records from a Hub to each one until the client disconnects.
type Handler struct {
	hub *Hub
}

// NewHandler creates a Handler serving records published to hub.
func NewHandler(hub *Hub) *Handler { return &Handler{hub: hub} }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("eventstream accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := h.hub.subscribe()
	defer h.hub.unsubscribe(ch)

	go h.keepAlive(ctx, conn, cancel)

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			if err := h.writeRecord(ctx, conn, rec); err != nil {
				slog.Debug("eventstream write error, closing", "error", err)
				return
			}
		}
	}
}

func (h *Handler) writeRecord(ctx context.Context, conn *websocket.Conn, rec verdict.LogRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (h *Handler) keepAlive(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(keepaliveTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}
