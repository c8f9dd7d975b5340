// Package events はセッション状態やエクスポート状態の変化をUIへ配信するハブを提供する。
// 購読者ごとにバッファ付きチャネルを持ち、配信は決して送信側をブロックしない。
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hitoshi/pind/internal/model"
)

// イベント種別
const (
	TypeSession = "session"
	TypeExport  = "export"
	TypeOpen    = "open"
	TypeSignIn  = "signin"
)

// DefaultBuffer は購読者ごとのバッファ長の既定値。
const DefaultBuffer = 16

// Event はUIへ配信する1件のイベント。
type Event struct {
	Type string
	Data any
}

// DropRecorder は配信できずに破棄したイベントを記録するインターフェース。
type DropRecorder interface {
	RecordEventDropped(eventType string)
}

// Hub はイベントを全購読者へファンアウトする。
type Hub struct {
	logger   *slog.Logger
	buffer   int
	recorder DropRecorder

	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
}

// NewHub はHubを生成する。bufferが0以下の場合はDefaultBufferを使用する。
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger,
		buffer:      buffer,
		subscribers: make(map[int]chan Event),
	}
}

// SetRecorder は破棄イベントの記録先を設定する。
func (h *Hub) SetRecorder(r DropRecorder) {
	h.recorder = r
}

// Subscribe は購読を開始し、イベントチャネルと購読解除用の関数を返す。
// 購読解除またはClose後にチャネルはクローズされる。
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subscribers[id]; ok {
				delete(h.subscribers, id)
				close(sub)
			}
		})
	}
}

// Publish はイベントを全購読者へ配信する。
// バッファが満杯の購読者にはイベントを破棄する。
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subscribers {
		select {
		case ch <- e:
		default:
			h.logger.Warn("event dropped for slow subscriber",
				slog.String("type", e.Type),
				slog.Int("subscriber", id),
			)
			if h.recorder != nil {
				h.recorder.RecordEventDropped(e.Type)
			}
		}
	}
}

// SubscriberCount は現在の購読者数を返す。
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close は全購読者のチャネルをクローズし、以降の購読を受け付けない。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}

// PublishSession はセッション状態の遷移を配信する。session.Observerとして登録できる。
func (h *Hub) PublishSession(state model.SessionState) {
	h.Publish(Event{Type: TypeSession, Data: state})
}

// PublishExport はエクスポート状態の遷移を配信する。export.StatusObserverとして登録できる。
func (h *Hub) PublishExport(status model.ExportStatus) {
	h.Publish(Event{Type: TypeExport, Data: status})
}

// PublishOpen は作成したドキュメントを開くようUIへ通知する。
func (h *Hub) PublishOpen(link string) {
	h.Publish(Event{Type: TypeOpen, Data: openPayload{Link: link}})
}

// PromptSignIn はサインイン用の認証URLをUIへ通知する。auth.Prompterを実装する。
func (h *Hub) PromptSignIn(authURL string) {
	h.Publish(Event{Type: TypeSignIn, Data: signInPayload{AuthURL: authURL}})
}

type openPayload struct {
	Link string `json:"link"`
}

type signInPayload struct {
	AuthURL string `json:"auth_url"`
}

// WriteSSE はイベントをServer-Sent Events形式で書き出す。
func WriteSSE(w io.Writer, e Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event %q: %w", e.Type, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return fmt.Errorf("failed to write event %q: %w", e.Type, err)
	}
	return nil
}
