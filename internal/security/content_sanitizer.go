package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はメッセージ本文のサニタイズ機能のインターフェース。
// チャットメッセージはプレーンテキストとして保存・配信するため、
// マークアップはすべて除去する。保存前に一度だけ適用する。
type ContentSanitizerService interface {
	// Sanitize はメッセージ本文からすべてのHTMLタグを除去し、
	// 前後の空白をトリムしたテキストを返す。
	// script/iframe/styleタグやon*イベント属性は跡形なく消える。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicyは全要素・全属性を拒否する許可リスト（空の許可リスト）で、
// タグに挟まれたテキストだけが残る。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はメッセージ本文からすべてのHTMLタグを除去する。
func (s *contentSanitizer) Sanitize(raw string) string {
	return strings.TrimSpace(s.policy.Sanitize(raw))
}
