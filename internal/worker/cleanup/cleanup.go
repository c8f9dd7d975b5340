// Package cleanup はエクスポート履歴の自動削除ジョブを提供する。
// 保持期間（デフォルト90日）を超過したexport_attemptsの行を定期的に削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays はエクスポート履歴の保持日数の既定値。
const DefaultRetentionDays = 90

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// HistoryCleanupJob は保持期間を超過したエクスポート履歴の削除ジョブ。
// 削除は冪等で、対象がなくてもエラーにならない。
type HistoryCleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int
}

// NewHistoryCleanupJob は新しいHistoryCleanupJobを生成する。
// retentionDaysが0以下の場合はDefaultRetentionDaysを使用する。
func NewHistoryCleanupJob(db Executor, logger *slog.Logger, retentionDays int) *HistoryCleanupJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &HistoryCleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run はfinished_atがRetentionDays日より古い履歴を削除する。
func (j *HistoryCleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	interval := fmt.Sprintf("%d days", j.RetentionDays)

	result, err := j.db.ExecContext(ctx,
		`DELETE FROM export_attempts WHERE finished_at < now() - $1::interval`,
		interval,
	)
	if err != nil {
		j.logger.Error("エクスポート履歴の削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("エクスポート履歴の削除に失敗: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("エクスポート履歴の削除が完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回、その後interval毎にRunを実行する。
// ctxがキャンセルされるまでブロックする。
func (j *HistoryCleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("履歴クリーンアップジョブを開始しました", slog.Duration("interval", interval))

	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("履歴クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
