// Package security はバックエンドから受け取った文字列を端末へ表示する前の無害化を提供する。
//
// エラーのdetailやプロフィール、銘柄名はバックエンドの応答をそのまま表示するため、
// HTMLタグと端末制御シーケンスを取り除いたプレーンテキストに変換する。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は表示用テキストの無害化のインターフェースを定義する。
type TextSanitizer interface {
	// Sanitize は入力をプレーンテキストに変換する。
	// HTMLタグを除去し（script, styleは内容ごと）、実体参照を文字に戻したうえで
	// ANSIエスケープシーケンスと制御文字を取り除く。改行とタブは空白になる。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(raw string) string
}

// plainTextSanitizer はTextSanitizerの実装。
// bluemondayのポリシーを保持し、スレッドセーフに処理する。
type plainTextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
// タグを一切許可しないbluemondayのStrictPolicyを使う。
func NewTextSanitizer() *plainTextSanitizer {
	return &plainTextSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は入力をプレーンテキストに変換する。
func (s *plainTextSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	// 1. HTMLタグを除去（StrictPolicyは残った文字をエスケープする）
	text := html.UnescapeString(s.policy.Sanitize(raw))

	// 2. 端末の色・カーソル制御を除去
	text = ansi.Strip(text)

	// 3. 残った制御文字を空白に置き換える
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, text)

	return strings.TrimSpace(text)
}
