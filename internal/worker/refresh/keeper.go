// Package refresh は連携済みGoogleアカウントのアクセストークンを期限前に更新するワーカーを提供する。
// リフレッシュトークンが取り消されていた場合、認証サービスが連携を解除し、
// セッション状態はSignedOutへ遷移する。
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/pind/internal/auth"
)

// TokenRefresher は期限が近いアクセストークンを更新するインターフェース。
type TokenRefresher interface {
	RefreshIfNeeded(ctx context.Context) (bool, error)
}

// Recorder はトークン更新の結果を記録するインターフェース。
type Recorder interface {
	RecordTokenRefresh(result string)
}

// Keeper はアクセストークンを定期的に確認し、必要に応じて更新する。
// 一時的な失敗が続いた場合は指数バックオフで試行を間引く。
type Keeper struct {
	refresher TokenRefresher
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time

	consecutiveFailures int
	nextAttempt         time.Time
}

// NewKeeper はKeeperの新しいインスタンスを生成する。
func NewKeeper(refresher TokenRefresher, recorder Recorder, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{refresher: refresher, recorder: recorder, logger: logger, now: time.Now}
}

// RunOnce はトークンを1回確認する。更新不要の場合は何も記録しない。
func (k *Keeper) RunOnce(ctx context.Context) error {
	refreshed, err := k.refresher.RefreshIfNeeded(ctx)
	switch {
	case err == nil && refreshed:
		k.record("success")
	case errors.Is(err, auth.ErrInvalidGrant):
		k.record("revoked")
		k.logger.Warn("google credential revoked; account unlinked")
		return nil
	case err != nil:
		k.record("failure")
		return err
	}
	return nil
}

// Start は起動直後に1回、その後interval毎にトークンを確認する。
// ctxがキャンセルされるまでブロックする。
func (k *Keeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	k.logger.Info("トークン更新ワーカーを開始しました", slog.Duration("interval", interval))

	k.tick(ctx, interval)
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("トークン更新ワーカーを停止しました")
			return
		case <-ticker.C:
			k.tick(ctx, interval)
		}
	}
}

// tick はバックオフ中でなければRunOnceを実行し、結果に応じて次の試行時刻を決める。
// Startと同じゴルーチンからのみ呼ばれる。
func (k *Keeper) tick(ctx context.Context, interval time.Duration) {
	now := k.now()
	if now.Before(k.nextAttempt) {
		return
	}

	if err := k.RunOnce(ctx); err != nil {
		k.consecutiveFailures++
		delay := CalculateBackoff(interval, k.consecutiveFailures)
		k.nextAttempt = now.Add(delay)
		k.logger.Error("token refresh failed",
			slog.String("error", err.Error()),
			slog.Int("consecutive_failures", k.consecutiveFailures),
			slog.Duration("backoff", delay),
		)
		return
	}
	k.consecutiveFailures = 0
	k.nextAttempt = time.Time{}
}

func (k *Keeper) record(result string) {
	if k.recorder != nil {
		k.recorder.RecordTokenRefresh(result)
	}
}
