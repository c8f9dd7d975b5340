package handler

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/hitoshi/pind/internal/events"
	"github.com/hitoshi/pind/internal/model"
)

// --- モック定義 ---

// mockSessions はSessionServiceのモック実装。
type mockSessions struct {
	mu              sync.Mutex
	state           model.SessionState
	signInFn        func(ctx context.Context) (*model.User, error)
	signOutFn       func(ctx context.Context) error
	applied         []*model.User
	signInCallCount int
}

func (m *mockSessions) Current() model.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockSessions) SignIn(ctx context.Context) (*model.User, error) {
	m.mu.Lock()
	m.signInCallCount++
	fn := m.signInFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil, nil
}

func (m *mockSessions) SignOut(ctx context.Context) error {
	m.mu.Lock()
	m.state = model.SessionState{Status: model.SessionSignedOut}
	m.mu.Unlock()
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	return nil
}

func (m *mockSessions) ApplyExternal(user *model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, user)
	if user != nil {
		m.state = model.SessionState{Status: model.SessionSignedIn, User: user}
	}
}

// mockBroker はSignInBrokerのモック実装。
type mockBroker struct {
	awaitPromptFn    func(ctx context.Context) (string, error)
	completeSignInFn func(ctx context.Context, state, code string) (*model.User, error)
	failSignInFn     func(state, reason string) error
	cancelSignInFn   func() error
}

func (m *mockBroker) AwaitPrompt(ctx context.Context) (string, error) {
	if m.awaitPromptFn != nil {
		return m.awaitPromptFn(ctx)
	}
	<-ctx.Done()
	return "", ctx.Err()
}

func (m *mockBroker) CompleteSignIn(ctx context.Context, state, code string) (*model.User, error) {
	if m.completeSignInFn != nil {
		return m.completeSignInFn(ctx, state, code)
	}
	return nil, model.ErrNoPendingSignIn
}

func (m *mockBroker) FailSignIn(state, reason string) error {
	if m.failSignInFn != nil {
		return m.failSignInFn(state, reason)
	}
	return model.ErrNoPendingSignIn
}

func (m *mockBroker) CancelSignIn() error {
	if m.cancelSignInFn != nil {
		return m.cancelSignInFn()
	}
	return model.ErrNoPendingSignIn
}

// mockExports はExportServiceのモック実装。
type mockExports struct {
	mu            sync.Mutex
	status        model.ExportStatus
	exportAsyncFn func(ctx context.Context, points []model.Point, listName string) error
	cancelFn      func() bool
}

func (m *mockExports) ExportAsync(ctx context.Context, points []model.Point, listName string) error {
	if m.exportAsyncFn != nil {
		return m.exportAsyncFn(ctx, points, listName)
	}
	return nil
}

func (m *mockExports) Cancel() bool {
	if m.cancelFn != nil {
		return m.cancelFn()
	}
	return false
}

func (m *mockExports) Status() model.ExportStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// mockHistory はHistoryListerのモック実装。
type mockHistory struct {
	listRecentFn func(ctx context.Context, limit int) ([]model.ExportRecord, error)
}

func (m *mockHistory) ListRecent(ctx context.Context, limit int) ([]model.ExportRecord, error) {
	if m.listRecentFn != nil {
		return m.listRecentFn(ctx, limit)
	}
	return nil, nil
}

// mockEventSource はEventSourceのモック実装。
type mockEventSource struct {
	ch           chan events.Event
	unsubscribed chan struct{}
	once         sync.Once
}

func newMockEventSource() *mockEventSource {
	return &mockEventSource{ch: make(chan events.Event, 8), unsubscribed: make(chan struct{})}
}

func (m *mockEventSource) Subscribe() (<-chan events.Event, func()) {
	return m.ch, func() { m.once.Do(func() { close(m.unsubscribed) }) }
}

// --- テストヘルパー ---

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func testUser() *model.User {
	return &model.User{Subject: "sub-1", Email: "user@gmail.com", Name: "Test User"}
}
