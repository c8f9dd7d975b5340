package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/pind/internal/events"
	"github.com/hitoshi/pind/internal/middleware"
	"github.com/hitoshi/pind/internal/model"
)

// defaultKeepAlive はSSE接続を維持するコメント行の送信間隔。
const defaultKeepAlive = 25 * time.Second

// EventSource はイベントの購読元のインターフェース。
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
}

// StatusSnapshot は接続直後に送る現在状態を提供するインターフェース。
type StatusSnapshot interface {
	Current() model.SessionState
}

// ExportSnapshot は接続直後に送る現在のエクスポート状態を提供するインターフェース。
type ExportSnapshot interface {
	Status() model.ExportStatus
}

// EventsHandler はServer-Sent EventsでUIへ状態変化を配信するハンドラー。
type EventsHandler struct {
	source    EventSource
	sessions  StatusSnapshot
	exports   ExportSnapshot
	keepAlive time.Duration
	logger    *slog.Logger
}

// NewEventsHandler はEventsHandlerを生成する。
func NewEventsHandler(source EventSource, sessions StatusSnapshot, exports ExportSnapshot, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{
		source:    source,
		sessions:  sessions,
		exports:   exports,
		keepAlive: defaultKeepAlive,
		logger:    logger,
	}
}

// Stream はイベントストリームを配信する。
// GET /api/events
// 接続直後に現在のsessionとexportの状態を送り、以降は遷移を順に送る。
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming unsupported by response writer")
		middleware.WriteInternalServerError(w)
		return
	}

	ch, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	initial := []events.Event{
		{Type: events.TypeSession, Data: h.sessions.Current()},
		{Type: events.TypeExport, Data: h.exports.Status()},
	}
	for _, e := range initial {
		if err := events.WriteSSE(w, e); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := events.WriteSSE(w, e); err != nil {
				h.logger.Debug("event stream closed", slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
