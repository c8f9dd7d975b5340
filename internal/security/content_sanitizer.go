// Package security はアプリケーションのセキュリティ機能を提供する。
//
// BalloonSanitizer はKMLのdescription（Googleマップの吹き出しでHTMLとして描画される）に
// 埋め込むユーザー入力テキストをサニタイズする。
// 入力はプレーンテキストとして扱い、HTMLエスケープしてからbluemondayのStrictPolicyに通す。
// タグに見える部分も削除されず、エスケープされた文字列として残る。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はHTMLとして描画されるテキストのサニタイズ機能のインターフェース。
type TextSanitizer interface {
	// Sanitize はHTMLとして安全に描画できるようエスケープしたテキストを返す。
	// 同一入力に対して常に同一出力を返す（冪等ではないが決定的）。
	Sanitize(text string) string
}

// balloonSanitizer はTextSanitizerの実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type balloonSanitizer struct {
	policy *bluemonday.Policy
}

// NewBalloonSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewBalloonSanitizer() *balloonSanitizer {
	return &balloonSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はテキストをHTMLエスケープし、StrictPolicyを通した結果を返す。
// 前後の空白は除去する。
func (s *balloonSanitizer) Sanitize(text string) string {
	if text == "" {
		return ""
	}
	return strings.TrimSpace(s.policy.Sanitize(html.EscapeString(text)))
}

var _ TextSanitizer = (*balloonSanitizer)(nil)
