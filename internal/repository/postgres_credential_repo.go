package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/pind/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用した認証情報リポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// Get は保存済みの認証情報を取得する。未保存の場合はnilを返す。
func (r *PostgresCredentialRepo) Get(ctx context.Context) (*model.Credential, error) {
	cred := &model.Credential{}
	var expiry sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT subject, email, name, access_token, refresh_token, expiry, updated_at
		 FROM google_credentials
		 WHERE id = 1`,
	).Scan(
		&cred.User.Subject, &cred.User.Email, &cred.User.Name,
		&cred.AccessToken, &cred.RefreshToken, &expiry, &cred.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if expiry.Valid {
		cred.Expiry = expiry.Time
	}

	return cred, nil
}

// Save は認証情報を保存する。既存の認証情報は上書きされる。
// RefreshTokenが空の場合は既存のリフレッシュトークンを保持する
// （Googleはトークン更新時にリフレッシュトークンを再発行しないことがある）。
func (r *PostgresCredentialRepo) Save(ctx context.Context, cred *model.Credential) error {
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now()
	}
	var expiry sql.NullTime
	if !cred.Expiry.IsZero() {
		expiry = sql.NullTime{Time: cred.Expiry, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO google_credentials (id, subject, email, name, access_token, refresh_token, expiry, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   subject = EXCLUDED.subject,
		   email = EXCLUDED.email,
		   name = EXCLUDED.name,
		   access_token = EXCLUDED.access_token,
		   refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN google_credentials.refresh_token
		                        ELSE EXCLUDED.refresh_token END,
		   expiry = EXCLUDED.expiry,
		   updated_at = EXCLUDED.updated_at`,
		cred.User.Subject, cred.User.Email, cred.User.Name,
		cred.AccessToken, cred.RefreshToken, expiry, cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Delete は認証情報を削除する。
func (r *PostgresCredentialRepo) Delete(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM google_credentials WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
