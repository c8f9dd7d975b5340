// Package app はpindのサブコマンド解析と依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/pind/internal/auth"
	"github.com/hitoshi/pind/internal/config"
	"github.com/hitoshi/pind/internal/database"
	"github.com/hitoshi/pind/internal/drive"
	"github.com/hitoshi/pind/internal/events"
	"github.com/hitoshi/pind/internal/export"
	"github.com/hitoshi/pind/internal/handler"
	"github.com/hitoshi/pind/internal/kml"
	"github.com/hitoshi/pind/internal/logger"
	"github.com/hitoshi/pind/internal/metrics"
	"github.com/hitoshi/pind/internal/middleware"
	"github.com/hitoshi/pind/internal/repository"
	"github.com/hitoshi/pind/internal/security"
	"github.com/hitoshi/pind/internal/session"
	"github.com/hitoshi/pind/internal/worker/cleanup"
	"github.com/hitoshi/pind/internal/worker/refresh"
)

const (
	dbPingTimeout     = 5 * time.Second
	oauthTimeout      = 15 * time.Second
	shutdownTimeout   = 30 * time.Second
	historyTimeout    = 5 * time.Second
	eventBufferSize   = 16
	healthcheckPeriod = 5 * time.Second
)

// Init はJSON構造化ログをセットアップし、環境変数から設定を読み込む。
// ログレベルは設定読み込み前に使えるようLOG_LEVELから直接決定する。
func Init(w io.Writer) (*config.Config, error) {
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。argsにはos.Args[1:]を渡す。
// SIGINTまたはSIGTERMを受信すると実行中のコマンドを停止する。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, w, args)
}

func run(ctx context.Context, w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		return runHealthcheck(ctx, healthcheckURL(os.Getenv("SERVER_HOST"), os.Getenv("SERVER_PORT")))
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("addr", cfg.Addr()),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		action, ok := ParseMigrateAction(args)
		if !ok {
			return fmt.Errorf("unknown migrate action %q (want up, down or version)", args[1])
		}
		return runMigrate(cfg, action)
	default:
		return runServe(ctx, cfg, slog.Default())
	}
}

// runServe はHTTPサーバーとバックグラウンドジョブを起動し、ctxがキャンセルされるまでブロックする。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established")

	// 2. リポジトリとメトリクス
	credRepo := repository.NewPostgresCredentialRepo(db)
	historyRepo := repository.NewPostgresExportHistoryRepo(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. 外部通信はSSRFガード付きクライアントに限定する
	guard := security.NewOutboundGuard()

	// 4. イベント配信とサインイン
	hub := events.NewHub(eventBufferSize, log)
	hub.SetRecorder(collector)
	defer hub.Close()

	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HTTPClient:   guard.NewSafeClient(oauthTimeout),
	})
	authService := auth.NewService(oauthProvider, credRepo, hub, auth.ServiceConfig{
		SignInTimeout: cfg.SignInTimeout,
		RefreshLeeway: cfg.TokenRefreshLeeway,
	}, log)

	manager := session.NewManager(authService, log)
	manager.SetRecorder(collector)
	manager.Subscribe(hub.PublishSession)
	authService.OnRevoked(func() { manager.ApplyExternal(nil) })

	// 5. エクスポート
	driveClient := drive.NewClient(guard.NewSafeClient(cfg.ExportTimeout), authService, log)
	builder := kml.NewBuilder(security.NewBalloonSanitizer())
	coordinator := export.NewCoordinator(manager, builder, driveClient, export.Config{
		ListNamePrefix: cfg.ListNamePrefix,
		MimeType:       kml.MimeType,
		CreateTimeout:  cfg.ExportTimeout,
	},
		export.WithLinkValidator(guard),
		export.WithRecorder(collector),
		export.WithLogger(log),
	)
	history := export.NewHistoryRecorder(historyRepo, log, historyTimeout)
	coordinator.Subscribe(hub.PublishExport)
	coordinator.Subscribe(history.Observe)
	coordinator.OnOpen(hub.PublishOpen)

	// 6. 保存済み認証情報の読み込み（失敗してもSignedOutで起動を続ける）
	if err := manager.Initialize(ctx); err != nil {
		log.Warn("session initialization failed", slog.String("error", err.Error()))
	}

	// 7. バックグラウンドジョブ
	jobCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()

	keeper := refresh.NewKeeper(authService, collector, log)
	go keeper.Start(jobCtx, cfg.TokenRefreshInterval)

	cleanupJob := cleanup.NewHistoryCleanupJob(db, log, cfg.ExportHistoryRetentionDays)
	go cleanupJob.Start(jobCtx, cfg.HistoryCleanupInterval)

	// 8. ルーター
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitExport), log)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CookieSecure:      cfg.CookieSecure,
		RateLimiter:       rateLimiter,
		HealthChecker:     db,
		Gatherer:          registry,
		Sessions:          manager,
		SignInBroker:      authService,
		SessionConfig:     handler.SessionHandlerConfig{BaseURL: cfg.BaseURL},
		Exports:           coordinator,
		History:           historyRepo,
		Events:            hub,
	})

	// 9. HTTPサーバー（SSEの長時間接続のためWriteTimeoutは設定しない）
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")
	cancelJobs()
	coordinator.Cancel()
	// SSE接続を終了させるため、先にHubを閉じる
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	history.Wait()

	log.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを操作する。
func runMigrate(cfg *config.Config, action MigrateAction) error {
	slog.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case MigrateDown:
		if err := database.RollbackMigration(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("database migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully", slog.String("action", string(action)))
	return nil
}

// runHealthcheck は/healthにHTTPリクエストを送り、200以外をエラーとして返す。
func runHealthcheck(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, healthcheckPeriod)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// healthcheckURL はSERVER_HOSTとSERVER_PORTからヘルスチェック先のURLを組み立てる。
// ワイルドカードアドレスで待ち受けている場合はループバックに接続する。
func healthcheckURL(host, port string) string {
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if port == "" {
		port = "8080"
	}
	return "http://" + net.JoinHostPort(host, port) + "/health"
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
