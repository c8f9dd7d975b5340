package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/pind/internal/metrics"
	"github.com/hitoshi/pind/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	CookieSecure      bool
	RateLimiter       *middleware.RateLimiter

	// ヘルスチェック・メトリクス
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer

	// セッション
	Sessions      SessionService
	SignInBroker  SignInBroker
	SessionConfig SessionHandlerConfig

	// エクスポート
	Exports ExportService
	History HistoryLister

	// イベント配信
	Events EventSource
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS → (API) CSRF → RateLimit(General)
//
// /health、/metrics、OAuthコールバックはCSRFとレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	sessionHandler := NewSessionHandler(deps.Sessions, deps.SignInBroker, deps.SessionConfig, logger)
	exportHandler := NewExportHandler(deps.Exports, deps.History, logger)
	eventsHandler := NewEventsHandler(deps.Events, deps.Sessions, deps.Exports, logger)
	csrfConfig := middleware.CSRFConfig{CookieSecure: deps.CookieSecure, Logger: logger}

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker, logger))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	// OAuthコールバック（Googleからのリダイレクトのためトークン検証なし、stateで照合する）
	r.Get("/auth/google/callback", sessionHandler.Callback)

	// --- UI向けAPI ---
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(csrfConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig).ServeHTTP)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", sessionHandler.Get)
			r.Post("/signin", sessionHandler.SignIn)
			r.Post("/signin/cancel", sessionHandler.CancelSignIn)
			r.Post("/signout", sessionHandler.SignOut)
		})

		r.Route("/exports", func(r chi.Router) {
			r.Get("/", exportHandler.History)
			r.With(deps.RateLimiter.ExportMiddleware()).Post("/", exportHandler.Start)
			r.Get("/current", exportHandler.Current)
			r.Delete("/current", exportHandler.Cancel)
		})

		r.Get("/events", eventsHandler.Stream)
	})

	return r
}
