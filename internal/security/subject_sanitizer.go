// Package security はアプリケーションのセキュリティ機能を提供する。
//
// SubjectSanitizer はオペレーターが入力したグループ名からHTMLタグを取り除き、
// ゲートウェイへ渡す前にプレーンテキストに揃える。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// SubjectSanitizer はグループ名のサニタイズを行う。
// bluemondayのStrictPolicyで全てのタグを除去し、エスケープされた文字を元に戻す。
type SubjectSanitizer struct {
	policy *bluemonday.Policy
}

// NewSubjectSanitizer はSubjectSanitizerの新しいインスタンスを生成する。
func NewSubjectSanitizer() *SubjectSanitizer {
	return &SubjectSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeSubject はタグと制御文字を除去したグループ名を返す。
// 連続する空白は1つにまとめる。
func (s *SubjectSanitizer) SanitizeSubject(raw string) string {
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, text)
	return strings.Join(strings.Fields(text), " ")
}
