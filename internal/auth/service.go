// Package auth はGoogleアカウント連携（OAuth 2.0）と認証情報の管理を提供する。
//
// Serviceはsession.Providerとして対話的サインインを仲介する。
// SignInは認証URLをPrompterに通知し、OAuthコールバック（CompleteSignIn）、
// ユーザーによるキャンセル、タイムアウトのいずれかが起きるまでブロックする。
// また、保存済みの認証情報からDrive APIに渡すアクセストークンを供給する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/pind/internal/model"
	"github.com/hitoshi/pind/internal/repository"
	"github.com/hitoshi/pind/internal/session"
)

// ErrNotSignedIn は保存済みの認証情報がない場合のエラー。
var ErrNotSignedIn = errors.New("google account is not linked")

// OAuthClient はGoogle OAuthエンドポイントのインターフェース。
type OAuthClient interface {
	// AuthCodeURL は認証URLを生成する。
	AuthCodeURL(state string) string
	// Exchange は認可コードをトークンに交換する。
	Exchange(ctx context.Context, code string) (*Token, error)
	// Refresh はリフレッシュトークンでアクセストークンを更新する。
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
	// UserInfo はアクセストークンでユーザー情報を取得する。
	UserInfo(ctx context.Context, accessToken string) (*model.User, error)
	// Revoke はトークンを取り消す。
	Revoke(ctx context.Context, token string) error
}

// Prompter はユーザーに認証URLを提示するインターフェース。
type Prompter interface {
	PromptSignIn(authURL string)
}

// PrompterFunc は関数をPrompterとして扱うアダプター。
type PrompterFunc func(authURL string)

// PromptSignIn はPrompterインターフェースを実装する。
func (f PrompterFunc) PromptSignIn(authURL string) { f(authURL) }

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SignInTimeout time.Duration // 対話的サインインの待ち時間上限
	RefreshLeeway time.Duration // 期限のこの時間前からアクセストークンを更新する
}

// pendingSignIn はコールバック待ちのサインインを表す。
type pendingSignIn struct {
	authURL string
	result  chan signInResult
}

type signInResult struct {
	user *model.User
	err  error
}

// Service は対話的サインインの仲介と認証情報の管理を行う。
type Service struct {
	oauth    OAuthClient
	creds    repository.CredentialRepository
	prompter Prompter
	config   ServiceConfig
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	pending     map[string]*pendingSignIn
	promptReady chan struct{}
	onRevoked   func()

	// refreshMu はトークン更新を直列化する。
	refreshMu sync.Mutex
}

// NewService はServiceを生成する。
func NewService(oauth OAuthClient, creds repository.CredentialRepository, prompter Prompter, config ServiceConfig, logger *slog.Logger) *Service {
	if config.SignInTimeout <= 0 {
		config.SignInTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if prompter == nil {
		prompter = PrompterFunc(func(string) {})
	}
	return &Service{
		oauth:       oauth,
		creds:       creds,
		prompter:    prompter,
		config:      config,
		logger:      logger,
		now:         time.Now,
		pending:     make(map[string]*pendingSignIn),
		promptReady: make(chan struct{}),
	}
}

// OnRevoked は認証情報がGoogle側で失効していた場合に呼び出す関数を設定する。
func (s *Service) OnRevoked(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRevoked = fn
}

// Load は保存済みの認証情報からサインイン済みユーザーを返す。
// 未連携の場合は(nil, nil)を返す。
func (s *Service) Load(ctx context.Context) (*model.User, error) {
	cred, err := s.creds.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return nil, nil
	}
	user := cred.User
	return &user, nil
}

// SignIn は認証URLをPrompterに通知し、コールバックを待つ。
// キャンセル、タイムアウト、ctxの終了はmodel.ErrSignInCancelledをラップしたエラーになる。
func (s *Service) SignIn(ctx context.Context) (*model.User, error) {
	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	p := &pendingSignIn{
		authURL: s.oauth.AuthCodeURL(state),
		result:  make(chan signInResult, 1),
	}

	s.mu.Lock()
	s.pending[state] = p
	close(s.promptReady)
	s.promptReady = make(chan struct{})
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, state)
		s.mu.Unlock()
	}()

	s.logger.Info("waiting for google sign-in", slog.Duration("timeout", s.config.SignInTimeout))
	s.prompter.PromptSignIn(p.authURL)

	timer := time.NewTimer(s.config.SignInTimeout)
	defer timer.Stop()

	select {
	case res := <-p.result:
		return res.user, res.err
	case <-timer.C:
		return nil, fmt.Errorf("%w: timed out after %s", model.ErrSignInCancelled, s.config.SignInTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", model.ErrSignInCancelled, ctx.Err())
	}
}

// AwaitPrompt はコールバック待ちのサインインの認証URLを返す。
// 待機中のサインインがない場合は、開始されるかctxが終了するまで待つ。
func (s *Service) AwaitPrompt(ctx context.Context) (string, error) {
	for {
		s.mu.Lock()
		for _, p := range s.pending {
			url := p.authURL
			s.mu.Unlock()
			return url, nil
		}
		ready := s.promptReady
		s.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// CompleteSignIn はOAuthコールバックを処理し、待機中のサインインを完了させる。
// stateに対応するサインインがない場合はmodel.ErrNoPendingSignInを返す。
func (s *Service) CompleteSignIn(ctx context.Context, state, code string) (*model.User, error) {
	p := s.lookup(state)
	if p == nil {
		return nil, model.ErrNoPendingSignIn
	}

	user, err := s.link(ctx, code)
	p.deliver(signInResult{user: user, err: err})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// FailSignIn はGoogleがエラー（access_denied等）でコールバックした場合に
// 待機中のサインインをキャンセル扱いで終了させる。
func (s *Service) FailSignIn(state, reason string) error {
	p := s.lookup(state)
	if p == nil {
		return model.ErrNoPendingSignIn
	}
	s.logger.Info("google sign-in rejected", slog.String("reason", reason))
	p.deliver(signInResult{err: fmt.Errorf("%w: %s", model.ErrSignInCancelled, reason)})
	return nil
}

// CancelSignIn は待機中のすべてのサインインをキャンセルする。
// 待機中のサインインがない場合はmodel.ErrNoPendingSignInを返す。
func (s *Service) CancelSignIn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return model.ErrNoPendingSignIn
	}
	for _, p := range s.pending {
		p.deliver(signInResult{err: fmt.Errorf("%w: cancelled by user", model.ErrSignInCancelled)})
	}
	return nil
}

// SignOut はトークンを取り消し、保存済みの認証情報を削除する。
// 取り消しに失敗した場合もローカルの認証情報は削除する。
func (s *Service) SignOut(ctx context.Context) error {
	cred, err := s.creds.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return nil
	}

	var revokeErr error
	token := cred.RefreshToken
	if token == "" {
		token = cred.AccessToken
	}
	if token != "" {
		if err := s.oauth.Revoke(ctx, token); err != nil {
			revokeErr = fmt.Errorf("failed to revoke token: %w", err)
		}
	}

	if err := s.creds.Delete(ctx); err != nil {
		return errors.Join(revokeErr, fmt.Errorf("failed to delete credential: %w", err))
	}
	return revokeErr
}

// AccessToken は有効なアクセストークンを返す。期限が近い場合は更新する。
func (s *Service) AccessToken(ctx context.Context) (string, error) {
	cred, err := s.creds.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return "", ErrNotSignedIn
	}
	if !cred.Expired(s.now(), s.config.RefreshLeeway) {
		return cred.AccessToken, nil
	}

	cred, err = s.refresh(ctx)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// RefreshIfNeeded は期限が近い場合のみアクセストークンを更新する。
// 更新した場合はtrueを返す。未連携の場合は何もしない。
func (s *Service) RefreshIfNeeded(ctx context.Context) (bool, error) {
	cred, err := s.creds.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil || !cred.Expired(s.now(), s.config.RefreshLeeway) {
		return false, nil
	}
	if _, err := s.refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// refresh はアクセストークンを更新して保存する。
// リフレッシュトークンが失効している場合は認証情報を削除し、OnRevokedの関数を呼び出す。
func (s *Service) refresh(ctx context.Context) (*model.Credential, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// 待機中に他のゴルーチンが更新している可能性がある
	cred, err := s.creds.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return nil, ErrNotSignedIn
	}
	if !cred.Expired(s.now(), s.config.RefreshLeeway) {
		return cred, nil
	}

	tok, err := s.oauth.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			s.logger.Warn("google credential revoked, unlinking account",
				slog.String("email", cred.User.Email),
			)
			if derr := s.creds.Delete(ctx); derr != nil {
				s.logger.Error("failed to delete revoked credential", slog.String("error", derr.Error()))
			}
			s.mu.Lock()
			onRevoked := s.onRevoked
			s.mu.Unlock()
			if onRevoked != nil {
				onRevoked()
			}
			return nil, fmt.Errorf("%w: %w", ErrNotSignedIn, err)
		}
		return nil, err
	}

	cred.AccessToken = tok.AccessToken
	cred.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	cred.UpdatedAt = s.now()
	if err := s.creds.Save(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to save refreshed credential: %w", err)
	}

	s.logger.Info("google access token refreshed",
		slog.String("token", MaskToken(cred.AccessToken)),
		slog.Time("expiry", cred.Expiry),
	)
	return cred, nil
}

// link は認可コードを交換し、ユーザー情報とともに認証情報を保存する。
func (s *Service) link(ctx context.Context, code string) (*model.User, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	user, err := s.oauth.UserInfo(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}

	cred := &model.Credential{
		User:         *user,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		UpdatedAt:    s.now(),
	}
	if err := s.creds.Save(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}

	s.logger.Info("google account linked",
		slog.String("email", user.Email),
		slog.String("token", MaskToken(tok.AccessToken)),
	)
	return user, nil
}

func (s *Service) lookup(state string) *pendingSignIn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[state]
}

// deliver は結果を1回だけ送る。2回目以降は破棄される。
func (p *pendingSignIn) deliver(res signInResult) {
	select {
	case p.result <- res:
	default:
	}
}

// MaskToken はログ出力用にトークンの先頭4文字以外を伏せる。
func MaskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}

// generateState は暗号的に安全なstateパラメータを生成する。
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// compile-time interface check
var _ session.Provider = (*Service)(nil)
