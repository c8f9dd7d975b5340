// Package handler はUI向けのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/pind/internal/middleware"
	"github.com/hitoshi/pind/internal/model"
)

// SessionService はセッションハンドラーが必要とするセッション状態機械のインターフェース。
type SessionService interface {
	Current() model.SessionState
	SignIn(ctx context.Context) (*model.User, error)
	SignOut(ctx context.Context) error
	ApplyExternal(user *model.User)
}

// SignInBroker は対話的サインインの仲介インターフェース。
type SignInBroker interface {
	AwaitPrompt(ctx context.Context) (string, error)
	CompleteSignIn(ctx context.Context, state, code string) (*model.User, error)
	FailSignIn(state, reason string) error
	CancelSignIn() error
}

// SessionHandlerConfig はセッションハンドラーの設定。
type SessionHandlerConfig struct {
	BaseURL       string        // コールバック後のリダイレクト先
	PromptTimeout time.Duration // 認証URLの準備を待つ上限
}

// SessionHandler はサインイン/サインアウト関連のHTTPハンドラー。
type SessionHandler struct {
	sessions SessionService
	broker   SignInBroker
	config   SessionHandlerConfig
	logger   *slog.Logger
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(sessions SessionService, broker SignInBroker, config SessionHandlerConfig, logger *slog.Logger) *SessionHandler {
	if config.PromptTimeout <= 0 {
		config.PromptTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{sessions: sessions, broker: broker, config: config, logger: logger}
}

// signInStartedResponse はサインイン開始時のレスポンス。
type signInStartedResponse struct {
	AuthURL string `json:"auth_url"`
}

// Get は現在のセッション状態を返す。
// GET /api/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.sessions.Current())
}

// SignIn は対話的サインインを開始する。
// POST /api/session/signin
// サインイン済みなら200で状態を、そうでなければ202で認証URLを返す。
// サインインの完了はコールバックとsessionイベントで通知される。
func (h *SessionHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	if state := h.sessions.Current(); state.SignedIn() {
		middleware.WriteJSON(w, http.StatusOK, state)
		return
	}

	type result struct {
		user *model.User
		err  error
	}
	done := make(chan result, 1)
	go func() {
		user, err := h.sessions.SignIn(context.WithoutCancel(r.Context()))
		done <- result{user: user, err: err}
	}()

	promptCtx, cancel := context.WithTimeout(r.Context(), h.config.PromptTimeout)
	defer cancel()
	prompt := make(chan string, 1)
	go func() {
		if authURL, err := h.broker.AwaitPrompt(promptCtx); err == nil {
			prompt <- authURL
		}
	}()

	select {
	case authURL := <-prompt:
		middleware.WriteJSON(w, http.StatusAccepted, signInStartedResponse{AuthURL: authURL})
	case res := <-done:
		if res.err != nil {
			h.logger.Warn("sign-in could not be started", slog.String("error", res.err.Error()))
			middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewSignInFailedError())
			return
		}
		middleware.WriteJSON(w, http.StatusOK, h.sessions.Current())
	case <-promptCtx.Done():
		h.logger.Error("sign-in prompt was not ready in time", slog.Duration("timeout", h.config.PromptTimeout))
		middleware.WriteInternalServerError(w)
	}
}

// CancelSignIn は待機中のサインインをキャンセルする。
// POST /api/session/signin/cancel
func (h *SessionHandler) CancelSignIn(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.CancelSignIn(); err != nil {
		if errors.Is(err, model.ErrNoPendingSignIn) {
			middleware.WriteErrorResponse(w, http.StatusConflict, model.NewNoPendingSignInError())
			return
		}
		h.logger.Error("failed to cancel sign-in", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SignOut はサインアウトする。IdP側で失敗してもローカル状態はSignedOutになる。
// POST /api/session/signout
func (h *SessionHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.SignOut(r.Context()); err != nil {
		h.logger.Warn("sign-out failed", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewSignOutFailedError())
		return
	}
	middleware.WriteJSON(w, http.StatusOK, h.sessions.Current())
}

// Callback はGoogle OAuthコールバックを処理し、待機中のサインインを完了させる。
// GET /auth/google/callback?code=xxx&state=yyy
// 結果に応じて BaseURL/?signin=success|cancelled|failed へリダイレクトする。
func (h *SessionHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	if state == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("state is required"))
		return
	}

	if reason := q.Get("error"); reason != "" {
		if err := h.broker.FailSignIn(state, reason); err != nil {
			h.writeCallbackError(w, err)
			return
		}
		h.redirect(w, r, "cancelled")
		return
	}

	code := q.Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("code is required"))
		return
	}

	user, err := h.broker.CompleteSignIn(r.Context(), state, code)
	if err != nil {
		if errors.Is(err, model.ErrNoPendingSignIn) {
			h.writeCallbackError(w, err)
			return
		}
		h.logger.Error("failed to complete sign-in", slog.String("error", err.Error()))
		h.redirect(w, r, "failed")
		return
	}

	// SignInの待機がタイムアウト済みでも連携結果を状態に反映する
	if !h.sessions.Current().SignedIn() {
		h.sessions.ApplyExternal(user)
	}
	h.redirect(w, r, "success")
}

func (h *SessionHandler) writeCallbackError(w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrNoPendingSignIn) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewNoPendingSignInError())
		return
	}
	h.logger.Error("oauth callback failed", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

func (h *SessionHandler) redirect(w http.ResponseWriter, r *http.Request, outcome string) {
	target := h.config.BaseURL + "/?" + url.Values{"signin": {outcome}}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}
