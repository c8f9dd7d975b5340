package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// mockExecutor はExecutorインターフェースのモック実装。
type mockExecutor struct {
	calls  atomic.Int32
	query  string
	args   []interface{}
	result sql.Result
	err    error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.calls.Add(1)
	m.query = query
	m.args = args
	return m.result, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// logHasField はJSONログの中にkey=wantのエントリがあるかを返す。
func logHasField(buf *bytes.Buffer, key string, want interface{}) bool {
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if v, ok := entry[key]; ok && v == want {
			return true
		}
	}
	return false
}

func TestNewHistoryCleanupJob_RetentionDays(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultRetentionDays},
		{-1, DefaultRetentionDays},
		{30, 30},
	}
	for _, tt := range tests {
		job := NewHistoryCleanupJob(&mockExecutor{}, slog.Default(), tt.in)
		if job.RetentionDays != tt.want {
			t.Errorf("RetentionDays(%d) = %d, want %d", tt.in, job.RetentionDays, tt.want)
		}
	}
}

func TestHistoryCleanupJob_Run_ExecutesDeleteQuery(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 5}}
	job := NewHistoryCleanupJob(mock, newTestLogger(&buf), 0)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if !strings.Contains(mock.query, "DELETE FROM export_attempts") {
		t.Errorf("クエリに 'DELETE FROM export_attempts' が含まれていない: %s", mock.query)
	}
	if !strings.Contains(mock.query, "finished_at") {
		t.Errorf("クエリに 'finished_at' 条件が含まれていない: %s", mock.query)
	}
	if len(mock.args) != 1 || mock.args[0] != "90 days" {
		t.Errorf("interval引数 = %v, want [90 days]", mock.args)
	}
}

func TestHistoryCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	tests := []struct {
		name string
		rows int64
	}{
		{"削除あり", 42},
		{"削除なし", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			job := NewHistoryCleanupJob(&mockExecutor{result: &fakeResult{rowsAffected: tt.rows}}, newTestLogger(&buf), 0)

			if err := job.Run(context.Background()); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if !logHasField(&buf, "deleted_count", float64(tt.rows)) {
				t.Errorf("ログに deleted_count=%d が記録されていない: %s", tt.rows, buf.String())
			}
			if !logHasField(&buf, "retention_days", float64(DefaultRetentionDays)) {
				t.Errorf("ログに retention_days が記録されていない: %s", buf.String())
			}
		})
	}
}

func TestHistoryCleanupJob_Run_ReturnsErrorOnDBFailure(t *testing.T) {
	var buf bytes.Buffer
	job := NewHistoryCleanupJob(&mockExecutor{err: sql.ErrConnDone}, newTestLogger(&buf), 0)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない: %s", buf.String())
	}
}

func TestHistoryCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{}}
	job := NewHistoryCleanupJob(mock, newTestLogger(&buf), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for mock.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start() did not return after cancel")
	}
	if mock.calls.Load() < 2 {
		t.Errorf("Run calls = %d, want at least 2", mock.calls.Load())
	}
}
