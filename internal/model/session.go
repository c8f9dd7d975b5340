package model

// SessionStatus はセッション状態の種別。
type SessionStatus string

const (
	SessionUninitialized SessionStatus = "uninitialized"
	SessionInitializing  SessionStatus = "initializing"
	SessionSignedOut     SessionStatus = "signed_out"
	SessionSignedIn      SessionStatus = "signed_in"
)

// SessionState は外部IdPに対するサインイン状態のスナップショット。
// UserはStatusがSessionSignedInの場合のみ非nil。
// InitErrorは初期化に失敗した場合のエラーメッセージを保持する。
type SessionState struct {
	Status    SessionStatus `json:"status"`
	User      *User         `json:"user,omitempty"`
	InitError string        `json:"init_error,omitempty"`
}

// SignedIn はサインイン済みかを返す。
func (s SessionState) SignedIn() bool {
	return s.Status == SessionSignedIn && s.User != nil
}
