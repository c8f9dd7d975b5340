package model

import "time"

// ExportPhase はエクスポート状態の種別。
type ExportPhase string

const (
	ExportIdle       ExportPhase = "idle"
	ExportInProgress ExportPhase = "in_progress"
	ExportSucceeded  ExportPhase = "succeeded"
	ExportFailed     ExportPhase = "failed"
)

// ExportStatus はエクスポート処理のライフサイクルを表す。
// LinkはSucceeded、MessageはSucceeded/Failedの場合に設定される。
type ExportStatus struct {
	Phase      ExportPhase `json:"phase"`
	AttemptID  string      `json:"attempt_id,omitempty"`
	ListName   string      `json:"list_name,omitempty"`
	PointCount int         `json:"point_count,omitempty"`
	Link       string      `json:"link,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// Terminal はSucceededまたはFailedかを返す。
func (s ExportStatus) Terminal() bool {
	return s.Phase == ExportSucceeded || s.Phase == ExportFailed
}

// ExportRecord は終端に達したエクスポート試行の履歴を表す。
type ExportRecord struct {
	AttemptID  string      `json:"attempt_id"`
	ListName   string      `json:"list_name"`
	PointCount int         `json:"point_count"`
	Phase      ExportPhase `json:"phase"`
	Link       string      `json:"link,omitempty"`
	Message    string      `json:"message,omitempty"`
	FinishedAt time.Time   `json:"finished_at"`
}
