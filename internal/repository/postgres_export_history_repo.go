package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/pind/internal/model"
)

// maxHistoryLimit はListRecentで返す最大件数。
const maxHistoryLimit = 100

// PostgresExportHistoryRepo はPostgreSQLを使用したエクスポート履歴リポジトリ。
type PostgresExportHistoryRepo struct {
	db *sql.DB
}

// NewPostgresExportHistoryRepo はPostgresExportHistoryRepoを生成する。
func NewPostgresExportHistoryRepo(db *sql.DB) *PostgresExportHistoryRepo {
	return &PostgresExportHistoryRepo{db: db}
}

// Record は終端に達したエクスポート試行を記録する。
func (r *PostgresExportHistoryRepo) Record(ctx context.Context, rec *model.ExportRecord) error {
	if rec.Phase != model.ExportSucceeded && rec.Phase != model.ExportFailed {
		return fmt.Errorf("cannot record non-terminal export phase %q", rec.Phase)
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO export_attempts (id, list_name, point_count, phase, link, message, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   list_name = EXCLUDED.list_name,
		   point_count = EXCLUDED.point_count,
		   phase = EXCLUDED.phase,
		   link = EXCLUDED.link,
		   message = EXCLUDED.message,
		   finished_at = EXCLUDED.finished_at`,
		rec.AttemptID, rec.ListName, rec.PointCount, string(rec.Phase), rec.Link, rec.Message, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record export attempt: %w", err)
	}
	return nil
}

// ListRecent は新しい順に最大limit件の履歴を返す。
// limitは1〜100の範囲に丸められる。
func (r *PostgresExportHistoryRepo) ListRecent(ctx context.Context, limit int) ([]model.ExportRecord, error) {
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, list_name, point_count, phase, link, message, finished_at
		 FROM export_attempts
		 ORDER BY finished_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list export attempts: %w", err)
	}
	defer rows.Close()

	records := make([]model.ExportRecord, 0, limit)
	for rows.Next() {
		var rec model.ExportRecord
		var phase string
		if err := rows.Scan(&rec.AttemptID, &rec.ListName, &rec.PointCount, &phase,
			&rec.Link, &rec.Message, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan export attempt: %w", err)
		}
		rec.Phase = model.ExportPhase(phase)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate export attempts: %w", err)
	}

	return records, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

// compile-time interface check
var _ ExportHistoryRepository = (*PostgresExportHistoryRepo)(nil)
