// Package phone は外部入力の電話番号を正規化する。
package phone

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/hitoshi/groupman/internal/model"
)

// 正規化後の電話番号の桁数範囲。
const (
	MinDigits = 10
	MaxDigits = 15
)

// Digits は数字以外の文字を取り除いた文字列を返す。
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsValid は正規化済みの番号が10〜15桁の数字のみで構成されているかを返す。
func IsValid(digits string) bool {
	if len(digits) < MinDigits || len(digits) > MaxDigits {
		return false
	}
	for _, r := range digits {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Normalize は区切り文字や "+" を取り除き、PhoneNumberに変換する。
// 桁数が範囲外の場合はエラーを返す。
func Normalize(raw string) (model.PhoneNumber, error) {
	d := Digits(raw)
	if !IsValid(d) {
		return "", fmt.Errorf("invalid phone number %q: must be %d-%d digits", raw, MinDigits, MaxDigits)
	}
	return model.PhoneNumber(d), nil
}

// ParseList は1行1番号のテキストを解析する。
// 空行は無視し、不正な行はinvalidに元の文字列のまま返す。重複は除外する。
func ParseList(text string) (valid []model.PhoneNumber, invalid []string) {
	seen := make(map[model.PhoneNumber]bool)
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		if Digits(line) == "" {
			continue
		}
		p, err := Normalize(line)
		if err != nil {
			invalid = append(invalid, line)
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		valid = append(valid, p)
	}
	return valid, invalid
}
