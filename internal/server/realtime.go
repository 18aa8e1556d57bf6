package server

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/livesync/internal/feed"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// RealtimeHandler streams the changes of one table over a websocket.
//
// GET /realtime/v1/{table}?school_id=A upgrades the connection and forwards every frame of a
// [feed.Source] stream as a JSON text message until either side goes away.
type RealtimeHandler struct {
	source   feed.Source
	logger   *log.Logger
	upgrader websocket.Upgrader
}

// NewRealtimeHandler creates a handler streaming from source.
func NewRealtimeHandler(source feed.Source, logger *log.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		source:   source,
		logger:   logger,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// Routes returns the HTTP routes this handler serves.
func (h *RealtimeHandler) Routes() []string {
	return []string{"GET /realtime/v1/{table}"}
}

func (h *RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := models.Query{Table: r.PathValue("table"), SchoolID: r.URL.Query().Get("school_id")}
	if err := q.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := h.source.Listen(ctx, q)
	if err != nil {
		h.logger.Error("failed to open stream", "table", q.Table, "error", err)
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	defer stream.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.logger.Info("realtime client connected", "table", q.Table, "school_id", q.SchoolID, "remote", r.RemoteAddr)
	defer h.logger.Info("realtime client disconnected", "table", q.Table, "remote", r.RemoteAddr)

	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, stream)
}

// readPump discards client messages and cancels the stream when the client goes away.
func (h *RealtimeHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *RealtimeHandler) writePump(ctx context.Context, conn *websocket.Conn, stream feed.Stream) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case f, ok := <-stream.Frames():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"))
				return
			}
			if err := conn.WriteJSON(f); err != nil {
				h.logger.Warn("failed to write frame", "error", err)
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
