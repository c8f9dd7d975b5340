package export

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/pind/internal/model"
)

// HistoryStore は終端に達したエクスポート試行を保存するインターフェース。
type HistoryStore interface {
	Record(ctx context.Context, record *model.ExportRecord) error
}

// HistoryRecorder は終端状態のExportStatusを履歴として非同期に保存する。
// 保存の失敗はログに残すのみで、エクスポートの結果には影響しない。
type HistoryRecorder struct {
	store   HistoryStore
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewHistoryRecorder はHistoryRecorderを生成する。timeoutが0以下の場合は5秒を使う。
func NewHistoryRecorder(store HistoryStore, logger *slog.Logger, timeout time.Duration) *HistoryRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HistoryRecorder{
		store:   store,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
	}
}

// Observe はStatusObserverとしてCoordinatorに登録する。
// 非終端状態は無視する。保存は別ゴルーチンで行うため呼び出し元をブロックしない。
func (r *HistoryRecorder) Observe(status model.ExportStatus) {
	if !status.Terminal() || status.AttemptID == "" {
		return
	}
	rec := &model.ExportRecord{
		AttemptID:  status.AttemptID,
		ListName:   status.ListName,
		PointCount: status.PointCount,
		Phase:      status.Phase,
		Link:       status.Link,
		Message:    status.Message,
		FinishedAt: r.now().UTC(),
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.store.Record(ctx, rec); err != nil {
			r.logger.Error("failed to record export history",
				slog.String("attempt_id", rec.AttemptID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait は保存中の履歴がすべて書き込まれるまで待つ。
func (r *HistoryRecorder) Wait() {
	r.wg.Wait()
}
