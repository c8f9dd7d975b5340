// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/pind/internal/model"
)

// CredentialRepository は連携済みGoogleアカウントの認証情報の永続化インターフェース。
// 単一ユーザー向けのため、保持する認証情報は常に高々1件。
type CredentialRepository interface {
	// Get は保存済みの認証情報を取得する。未保存の場合はnilを返す。
	Get(ctx context.Context) (*model.Credential, error)
	// Save は認証情報を保存する。既存の認証情報は上書きされる。
	Save(ctx context.Context, cred *model.Credential) error
	// Delete は認証情報を削除する。未保存の場合もエラーにしない。
	Delete(ctx context.Context) error
}

// ExportHistoryRepository はエクスポート履歴の永続化インターフェース。
type ExportHistoryRepository interface {
	// Record は終端に達したエクスポート試行を記録する。同じAttemptIDの記録は上書きされる。
	Record(ctx context.Context, record *model.ExportRecord) error
	// ListRecent は新しい順に最大limit件の履歴を返す。
	ListRecent(ctx context.Context, limit int) ([]model.ExportRecord, error)
}
