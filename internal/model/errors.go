package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, export, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeExportInProgress = "EXPORT_IN_PROGRESS"
	ErrCodeNoExport         = "NO_EXPORT_IN_PROGRESS"
	ErrCodeSignInFailed     = "SIGN_IN_FAILED"
	ErrCodeSignOutFailed    = "SIGN_OUT_FAILED"
	ErrCodeNoPendingSignIn  = "NO_PENDING_SIGN_IN"
	ErrCodeCSRFFailed       = "CSRF_VALIDATION_FAILED"
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// ドメインエラー
var (
	// ErrExportInProgress はエクスポート実行中に新たなエクスポートが要求された場合のエラー。
	ErrExportInProgress = errors.New("export already in progress")
	// ErrSignInCancelled はユーザーがサインインをキャンセルした場合のエラー。
	ErrSignInCancelled = errors.New("sign-in cancelled")
	// ErrNoPendingSignIn は対応する進行中のサインインが存在しない場合のエラー。
	ErrNoPendingSignIn = errors.New("no pending sign-in")
)

// AuthError はサインイン/サインアウトの失敗を表す。
// ユーザーによるキャンセルもAuthErrorとして扱う。
type AuthError struct {
	Op  string // "initialize", "sign_in", "sign_out"
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s failed: %v", e.Op, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Cancelled はユーザーキャンセルによる失敗かを返す。
func (e *AuthError) Cancelled() bool {
	return errors.Is(e.Err, ErrSignInCancelled)
}

// defaultExportMessage はプロバイダーがメッセージを返さなかった場合の表示文言。
const defaultExportMessage = "Failed to create Google Maps list"

// ExportError はドキュメント作成APIの呼び出し失敗を表す。
// ネットワークエラー、不正なレスポンスを含む。
type ExportError struct {
	StatusCode int    // HTTPステータス（ネットワークエラー時は0）
	Message    string // プロバイダーのエラーメッセージ（取得できない場合は空）
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *ExportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("export failed (status %d): %s: %v", e.StatusCode, e.UserMessage(), e.Err)
	}
	return fmt.Sprintf("export failed (status %d): %s", e.StatusCode, e.UserMessage())
}

// Unwrap は原因エラーを返す。
func (e *ExportError) Unwrap() error {
	return e.Err
}

// UserMessage はユーザー向けのメッセージを返す。
// プロバイダーのメッセージがあればそれを、なければ汎用メッセージを返す。
func (e *ExportError) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return defaultExportMessage
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "地点リストの内容を確認してください。",
	}
}

// NewExportInProgressError はエクスポート実行中エラーを生成する。
func NewExportInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeExportInProgress,
		Message:  "エクスポートが既に実行中です。",
		Category: "export",
		Action:   "現在のエクスポートの完了を待ってから再度お試しください。",
	}
}

// NewNoExportError は実行中のエクスポートが存在しない場合のエラーを生成する。
func NewNoExportError() *APIError {
	return &APIError{
		Code:     ErrCodeNoExport,
		Message:  "実行中のエクスポートはありません。",
		Category: "export",
		Action:   "エクスポートの状態を確認してください。",
	}
}

// NewSignInFailedError はサインイン失敗エラーを生成する。
func NewSignInFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeSignInFailed,
		Message:  "Googleへのサインインに失敗しました。",
		Category: "auth",
		Action:   "Please sign in to Google to create maps lists",
	}
}

// NewSignOutFailedError はサインアウト失敗エラーを生成する。
func NewSignOutFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeSignOutFailed,
		Message:  "Googleからのサインアウトに失敗しました。ローカルの状態はサインアウト済みです。",
		Category: "auth",
		Action:   "必要に応じてGoogleアカウントの設定から連携を解除してください。",
	}
}

// NewNoPendingSignInError は進行中のサインインが存在しない場合のエラーを生成する。
func NewNoPendingSignInError() *APIError {
	return &APIError{
		Code:     ErrCodeNoPendingSignIn,
		Message:  "進行中のサインインがありません。",
		Category: "auth",
		Action:   "もう一度サインインを開始してください。",
	}
}

// NewCSRFError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "validation",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterで示された時間が経過してから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
