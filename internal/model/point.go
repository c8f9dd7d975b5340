// Package model はドメインモデルを定義する。
package model

// Coordinates は緯度経度の組を表す。
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Point は動画から抽出された地点を表す。
// IDで同一性を判定し、生成後は変更しない。所有者は呼び出し側のUI層。
type Point struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Address     string      `json:"address"`
	Category    string      `json:"category"`
	Description string      `json:"description"`
	Coordinates Coordinates `json:"coordinates"`
}

// ExportRequest はエクスポート対象のリスト名と地点列を表す。
// ListNameが空の場合はコーディネーターが生成する。
type ExportRequest struct {
	ListName string  `json:"list_name"`
	Points   []Point `json:"points"`
}

// Document は外部サービス上に作成されたドキュメントへの参照を表す。
type Document struct {
	ID          string
	WebViewLink string
}
