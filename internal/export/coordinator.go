// Package export は地点リストを外部地図サービスの共有可能なドキュメントとして出力する。
//
// Coordinatorはエクスポートのライフサイクル（idle → in_progress → succeeded/failed）を管理し、
// 同時に実行中のエクスポートを高々1つに制限する。
// export呼び出しの失敗はすべてExportStatusのFailedに変換され、呼び出し元に伝播しない。
// 例外はin-flightガードによる拒否（model.ErrExportInProgress）のみ。
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/pind/internal/model"
)

const (
	// MessageSignInRequired はサインインできなかった場合のFailedメッセージ。
	MessageSignInRequired = "sign-in required"
	// MessageCancelled はエクスポートがキャンセルされた場合のFailedメッセージ。
	MessageCancelled = "export cancelled"
	// MessageTimedOut はドキュメント作成がタイムアウトした場合のFailedメッセージ。
	MessageTimedOut = "export timed out"
	// MessageInvalidLink は不正なリンクが返された場合のFailedメッセージ。
	MessageInvalidLink = "Google Drive returned an invalid link"
)

// SessionGate はエクスポート前にサインイン状態を保証するためのインターフェース。
// session.Managerの部分集合として定義する。
type SessionGate interface {
	Current() model.SessionState
	SignIn(ctx context.Context) (*model.User, error)
}

// DocumentBuilder は地点リストから転送用ドキュメントを生成するインターフェース。
type DocumentBuilder interface {
	Build(name string, points []model.Point) ([]byte, error)
}

// DocumentCreator は外部サービスのドキュメント作成APIのインターフェース。
type DocumentCreator interface {
	CreateDocument(ctx context.Context, name string, content []byte, mimeType string) (*model.Document, error)
}

// LinkValidator は外部サービスが返したリンクを検証するインターフェース。
type LinkValidator interface {
	ValidateLink(rawURL string) error
}

// Recorder はエクスポート結果を記録するインターフェース。
type Recorder interface {
	RecordExport(result string, duration time.Duration, points int)
	RecordExportRejected()
}

// StatusObserver はExportStatusの遷移通知を受け取る関数。
// 遷移と同じゴルーチンで同期的に呼び出される。
type StatusObserver func(status model.ExportStatus)

// OpenHandler はエクスポート成功時に作成されたリソースを開くよう通知を受け取る関数。
type OpenHandler func(link string)

// Config はCoordinatorの設定。
type Config struct {
	ListNamePrefix string        // 自動生成するリスト名の接頭辞
	MimeType       string        // ドキュメントのMIMEタイプ
	CreateTimeout  time.Duration // ドキュメント作成呼び出しのタイムアウト（0は無制限）
}

// Coordinator はエクスポート処理を調整する。
// ExportStatusの唯一の更新者。
type Coordinator struct {
	sessions  SessionGate
	builder   DocumentBuilder
	creator   DocumentCreator
	validator LinkValidator
	recorder  Recorder
	logger    *slog.Logger
	config    Config
	now       func() time.Time

	// notifyMu は状態更新と通知の順序を直列化する。
	notifyMu sync.Mutex

	mu        sync.Mutex
	status    model.ExportStatus
	busy      bool
	cancel    context.CancelFunc
	observers map[int]StatusObserver
	openers   map[int]OpenHandler
	nextID    int
}

// Option はCoordinatorのオプション設定。
type Option func(*Coordinator)

// WithLinkValidator はリンク検証を設定する。
func WithLinkValidator(v LinkValidator) Option {
	return func(c *Coordinator) { c.validator = v }
}

// WithRecorder はメトリクス記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator はIdle状態のCoordinatorを生成する。
func NewCoordinator(sessions SessionGate, builder DocumentBuilder, creator DocumentCreator, config Config, opts ...Option) *Coordinator {
	if config.ListNamePrefix == "" {
		config.ListNamePrefix = DefaultListNamePrefix
	}
	c := &Coordinator{
		sessions:  sessions,
		builder:   builder,
		creator:   creator,
		config:    config,
		logger:    slog.Default(),
		now:       time.Now,
		status:    model.ExportStatus{Phase: model.ExportIdle},
		observers: make(map[int]StatusObserver),
		openers:   make(map[int]OpenHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status は現在のエクスポート状態を返す。
func (c *Coordinator) Status() model.ExportStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Busy はエクスポートが実行中（サインイン待ちを含む）かを返す。
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Subscribe はExportStatusの遷移通知を登録し、解除用の関数を返す。
func (c *Coordinator) Subscribe(o StatusObserver) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = o
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
		})
	}
}

// OnOpen はエクスポート成功時のリソースオープン通知を登録し、解除用の関数を返す。
func (c *Coordinator) OnOpen(h OpenHandler) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.openers[id] = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.openers, id)
			c.mu.Unlock()
		})
	}
}

// Export は地点リストをエクスポートし、完了まで待機する。
// 地点が空の場合は何もせずnilを返す。
// 実行中のエクスポートがある場合はmodel.ErrExportInProgressを返す。
// それ以外の失敗はすべてStatus()のFailedとして観測される。
func (c *Coordinator) Export(ctx context.Context, points []model.Point, listName string) error {
	if len(points) == 0 {
		return nil
	}
	a, err := c.claim(ctx, points, listName)
	if err != nil {
		return err
	}
	c.run(a)
	return nil
}

// ExportAsync はin-flightガードを同期的に確保したうえで、エクスポートをバックグラウンドで実行する。
// ctxはエクスポート全体に渡されるため、リクエストスコープのcontextを渡す場合は
// context.WithoutCancelなどで切り離すこと。
func (c *Coordinator) ExportAsync(ctx context.Context, points []model.Point, listName string) error {
	if len(points) == 0 {
		return nil
	}
	a, err := c.claim(ctx, points, listName)
	if err != nil {
		return err
	}
	go c.run(a)
	return nil
}

// Cancel は実行中のエクスポートを中断する。
// 中断されたエクスポートはFailedで終了する。実行中のエクスポートがない場合はfalseを返す。
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.busy || c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// attempt は1回のエクスポート試行を表す。
type attempt struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	points   []model.Point
	listName string
	started  time.Time
}

// claim はin-flightガードの確認と確保を1つのクリティカルセクションで行う。
func (c *Coordinator) claim(ctx context.Context, points []model.Point, listName string) (*attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy {
		if c.recorder != nil {
			c.recorder.RecordExportRejected()
		}
		c.logger.Warn("export rejected: another export is in progress")
		return nil, model.ErrExportInProgress
	}

	actx, cancel := context.WithCancel(ctx)
	c.busy = true
	c.cancel = cancel

	copied := make([]model.Point, len(points))
	copy(copied, points)

	return &attempt{
		id:       uuid.New().String(),
		ctx:      actx,
		cancel:   cancel,
		points:   copied,
		listName: listName,
		started:  time.Now(),
	}, nil
}

// run はサインイン確認からドキュメント作成までを実行し、必ず終端状態で終了する。
func (c *Coordinator) run(a *attempt) {
	defer a.cancel()

	logger := c.logger.With(slog.String("attempt_id", a.id))

	// 1. セッションの確保
	if err := c.ensureSignedIn(a.ctx); err != nil {
		msg := MessageSignInRequired
		if errors.Is(a.ctx.Err(), context.Canceled) {
			msg = MessageCancelled
		}
		logger.Warn("export aborted: sign-in failed", slog.String("error", err.Error()))
		c.finish(a, model.ExportStatus{
			Phase:      model.ExportFailed,
			AttemptID:  a.id,
			PointCount: len(a.points),
			Message:    msg,
		}, "sign_in_failed")
		return
	}

	// 2. リスト名の決定
	name := a.listName
	if name == "" {
		name = ListName(c.config.ListNamePrefix, c.now())
	}

	// 3. InProgressへ遷移
	c.setStatus(model.ExportStatus{
		Phase:      model.ExportInProgress,
		AttemptID:  a.id,
		ListName:   name,
		PointCount: len(a.points),
	})
	logger.Info("export started",
		slog.String("list_name", name),
		slog.Int("point_count", len(a.points)),
	)

	// 4-5. ドキュメント生成と送信
	doc, err := c.produce(a.ctx, name, a.points)
	if err != nil {
		msg := failureMessage(a.ctx, err)
		logger.Error("export failed",
			slog.String("list_name", name),
			slog.String("error", err.Error()),
		)
		c.finish(a, model.ExportStatus{
			Phase:      model.ExportFailed,
			AttemptID:  a.id,
			ListName:   name,
			PointCount: len(a.points),
			Message:    msg,
		}, "failure")
		return
	}

	// 6. 成功
	status := model.ExportStatus{
		Phase:      model.ExportSucceeded,
		AttemptID:  a.id,
		ListName:   name,
		PointCount: len(a.points),
		Link:       doc.WebViewLink,
		Message:    fmt.Sprintf("Successfully created \"%s\" with %d locations!", name, len(a.points)),
	}
	logger.Info("export succeeded",
		slog.String("list_name", name),
		slog.String("document_id", doc.ID),
	)
	c.finish(a, status, "success")
	c.open(doc.WebViewLink)
}

// ensureSignedIn は未サインインであれば対話的サインインを行う。
// セッション側のpanicはエラーに変換する。
func (c *Coordinator) ensureSignedIn(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during sign-in: %v", rec)
		}
	}()

	if c.sessions.Current().SignedIn() {
		return nil
	}
	_, err = c.sessions.SignIn(ctx)
	return err
}

// produce はドキュメントを生成して外部サービスに送信する。
// ビルダーや送信処理のpanicはエラーに変換する。
func (c *Coordinator) produce(ctx context.Context, name string, points []model.Point) (doc *model.Document, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			doc = nil
			err = fmt.Errorf("panic during export: %v", rec)
		}
	}()

	content, err := c.builder.Build(name, points)
	if err != nil {
		return nil, fmt.Errorf("failed to build document: %w", err)
	}

	callCtx := ctx
	if c.config.CreateTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.config.CreateTimeout)
		defer cancel()
	}

	doc, err = c.creator.CreateDocument(callCtx, name, content, c.config.MimeType)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.WebViewLink == "" {
		return nil, &model.ExportError{Message: MessageInvalidLink, Err: errors.New("empty webViewLink in response")}
	}
	if c.validator != nil {
		if verr := c.validator.ValidateLink(doc.WebViewLink); verr != nil {
			return nil, &model.ExportError{Message: MessageInvalidLink, Err: verr}
		}
	}
	return doc, nil
}

// failureMessage はエラーからユーザー向けのメッセージを決定する。
func failureMessage(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.Canceled) {
		return MessageCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return MessageTimedOut
	}
	var exportErr *model.ExportError
	if errors.As(err, &exportErr) {
		return exportErr.UserMessage()
	}
	return err.Error()
}

// finish は終端状態への遷移とin-flightガードの解放を同時に行う。
func (c *Coordinator) finish(a *attempt, status model.ExportStatus, result string) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	c.status = status
	c.busy = false
	c.cancel = nil
	observers := c.snapshotObservers()
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.RecordExport(result, time.Since(a.started), len(a.points))
	}
	for _, o := range observers {
		o(status)
	}
}

// setStatus は状態を更新し、購読者へ同期的に通知する。
func (c *Coordinator) setStatus(status model.ExportStatus) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	c.status = status
	observers := c.snapshotObservers()
	c.mu.Unlock()

	for _, o := range observers {
		o(status)
	}
}

// open は成功時のオープン通知を配信する。
func (c *Coordinator) open(link string) {
	c.mu.Lock()
	handlers := make([]OpenHandler, 0, len(c.openers))
	for _, h := range c.openers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(link)
	}
}

// snapshotObservers はc.muを保持した状態で呼び出すこと。
func (c *Coordinator) snapshotObservers() []StatusObserver {
	observers := make([]StatusObserver, 0, len(c.observers))
	for _, o := range c.observers {
		observers = append(observers, o)
	}
	return observers
}
