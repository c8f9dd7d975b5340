// Package session は外部IdPに対するサインイン状態の管理を提供する。
//
// Managerはプロセス全体で1つのSessionStateを保持する唯一の更新者であり、
// 状態遷移のたびに購読者へ同期的に通知する。
// 具体的なIdPアダプターはProviderとしてManagerに渡され、
// IdP側で発生した変化（トークン失効など）はApplyExternalでManagerに通知する。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/pind/internal/model"
)

// Provider は外部IdPのインターフェース。
type Provider interface {
	// Load はクライアントを初期化し、現在のサインインユーザーを返す。
	// サインインしていない場合は(nil, nil)を返す。
	Load(ctx context.Context) (*model.User, error)
	// SignIn は対話的なサインインを実行し、完了またはキャンセルまでブロックする。
	SignIn(ctx context.Context) (*model.User, error)
	// SignOut はサインアウトを実行する。
	SignOut(ctx context.Context) error
}

// Observer はセッション状態の遷移通知を受け取る関数。
// 遷移と同じゴルーチンで同期的に呼び出される。
// ObserverからSignIn/SignOut/ApplyExternalを呼び出してはならない。
type Observer func(state model.SessionState)

// SignInRecorder はサインイン結果を記録するインターフェース。
type SignInRecorder interface {
	RecordSignIn(result string)
}

// Manager はサインイン状態の状態機械。
type Manager struct {
	provider Provider
	logger   *slog.Logger
	recorder SignInRecorder

	// notifyMu は状態更新と通知の順序を直列化する。
	notifyMu sync.Mutex

	mu        sync.Mutex
	state     model.SessionState
	observers map[int]Observer
	nextID    int

	initDone chan struct{}
	initErr  error

	signIn *signInCall
}

// signInCall は進行中のサインイン呼び出しを表す。
// 同時に呼ばれたSignInは同じ結果を共有する。
type signInCall struct {
	done chan struct{}
	user *model.User
	err  error
}

// NewManager はUninitialized状態のManagerを生成する。
func NewManager(provider Provider, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provider:  provider,
		logger:    logger,
		state:     model.SessionState{Status: model.SessionUninitialized},
		observers: make(map[int]Observer),
	}
}

// SetRecorder はサインイン結果の記録先を設定する。
func (m *Manager) SetRecorder(r SignInRecorder) {
	m.recorder = r
}

// Current は現在のセッション状態を返す。
func (m *Manager) Current() model.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe は状態遷移の購読者を登録し、購読解除用の関数を返す。
func (m *Manager) Subscribe(o Observer) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = o
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}
}

// Initialize はIdPクライアントの初期化を1回だけ実行する。
// 重複呼び出しは進行中の初期化の完了を待ち、同じ結果を返す。
// 失敗した場合もプロセスを停止させず、SignedOutに遷移して初期化エラーを記録する。
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initDone != nil {
		done := m.initDone
		m.mu.Unlock()
		select {
		case <-done:
			return m.initErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	m.initDone = done
	m.mu.Unlock()

	m.transition(model.SessionState{Status: model.SessionInitializing})

	user, err := m.provider.Load(ctx)
	if err != nil {
		m.initErr = &model.AuthError{Op: "initialize", Err: err}
		m.logger.Error("session initialization failed",
			slog.String("error", err.Error()),
		)
		m.transition(model.SessionState{
			Status:    model.SessionSignedOut,
			InitError: err.Error(),
		})
		close(done)
		return m.initErr
	}

	if user != nil {
		m.transition(signedIn(user))
	} else {
		m.transition(model.SessionState{Status: model.SessionSignedOut})
	}
	m.logger.Info("session initialized", slog.Bool("signed_in", user != nil))
	close(done)
	return nil
}

// SignIn はサインイン済みであればそのユーザーを即座に返す。
// 未サインインの場合はIdPの対話的サインインを開始し、完了まで待機する。
// キャンセルまたは失敗した場合はSignedOutのまま*model.AuthErrorを返す。
func (m *Manager) SignIn(ctx context.Context) (*model.User, error) {
	if err := m.ensureInitialized(ctx); err != nil {
		return nil, &model.AuthError{Op: "sign_in", Err: err}
	}

	m.mu.Lock()
	if m.state.SignedIn() {
		user := m.state.User
		m.mu.Unlock()
		return user, nil
	}
	if call := m.signIn; call != nil {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.user, call.err
		case <-ctx.Done():
			return nil, &model.AuthError{Op: "sign_in", Err: ctx.Err()}
		}
	}
	call := &signInCall{done: make(chan struct{})}
	m.signIn = call
	m.mu.Unlock()

	user, err := m.provider.SignIn(ctx)
	if err == nil && user == nil {
		err = fmt.Errorf("provider returned no user")
	}

	if err != nil {
		authErr := &model.AuthError{Op: "sign_in", Err: err}
		call.err = authErr
		if authErr.Cancelled() {
			m.record("cancelled")
		} else {
			m.record("failure")
		}
		m.logger.Warn("sign-in failed", slog.String("error", err.Error()))
	} else {
		call.user = user
		m.record("success")
		m.transition(signedIn(user))
		m.logger.Info("signed in", slog.String("email", user.Email))
	}

	m.mu.Lock()
	m.signIn = nil
	m.mu.Unlock()
	close(call.done)

	return call.user, call.err
}

// SignOut はIdPのサインアウトを実行する。
// IdP側の失敗に関わらずローカル状態は必ずSignedOutにする。
func (m *Manager) SignOut(ctx context.Context) error {
	err := m.provider.SignOut(ctx)
	m.transition(model.SessionState{Status: model.SessionSignedOut})
	if err != nil {
		m.logger.Warn("sign-out failed at provider, local state forced to signed out",
			slog.String("error", err.Error()),
		)
		return &model.AuthError{Op: "sign_out", Err: err}
	}
	m.logger.Info("signed out")
	return nil
}

// ApplyExternal はIdP側で発生したサインイン状態の変化を反映する。
// userがnilの場合はSignedOutに遷移する。
func (m *Manager) ApplyExternal(user *model.User) {
	m.mu.Lock()
	status := m.state.Status
	m.mu.Unlock()
	if status == model.SessionUninitialized || status == model.SessionInitializing {
		// 初期化前の通知はLoadの結果で上書きされる
		return
	}

	if user != nil {
		m.transition(signedIn(user))
	} else {
		m.transition(model.SessionState{Status: model.SessionSignedOut})
	}
	m.logger.Info("session changed by provider", slog.Bool("signed_in", user != nil))
}

// ensureInitialized は未初期化であればInitializeを実行する。
// 初期化失敗はSignedOutとして扱い、サインインを妨げない。
func (m *Manager) ensureInitialized(ctx context.Context) error {
	if err := m.Initialize(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// transition は状態を更新し、購読者へ同期的に通知する。
func (m *Manager) transition(next model.SessionState) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if next.Status == model.SessionSignedOut && next.InitError == "" {
		next.InitError = m.state.InitError
	}
	m.state = next
	observers := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		observers = append(observers, o)
	}
	m.mu.Unlock()

	for _, o := range observers {
		o(next)
	}
}

func (m *Manager) record(result string) {
	if m.recorder != nil {
		m.recorder.RecordSignIn(result)
	}
}

func signedIn(user *model.User) model.SessionState {
	u := *user
	return model.SessionState{Status: model.SessionSignedIn, User: &u}
}
