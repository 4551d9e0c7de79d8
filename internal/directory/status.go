package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/groupman/internal/model"
)

// StatusError はディレクトリ呼び出しの失敗ステータスを表す。
type StatusError struct {
	Op     string
	Status int
	ID     model.Identifier
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	var b strings.Builder
	b.WriteString("directory ")
	b.WriteString(e.Op)
	if e.ID != "" {
		b.WriteString(" ")
		b.WriteString(string(e.ID))
	}
	fmt.Fprintf(&b, ": status %d", e.Status)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap は元のエラーを返す。
func (e *StatusError) Unwrap() error { return e.Err }

// StatusOf はerrのチェーンからステータスコードを取り出す。
func StatusOf(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}

// ResultError は参加者ごとの結果が200以外の場合にStatusErrorを返す。
func ResultError(op string, r ParticipantResult) error {
	if r.Status == http.StatusOK {
		return nil
	}
	return &StatusError{Op: op, Status: r.Status, ID: r.ID}
}

// Class はディレクトリ呼び出し結果の分類。
type Class int

const (
	// ClassSuccess は成功（200）。
	ClassSuccess Class = iota
	// ClassConflict は既に目的の状態（409）。成功として扱う。
	ClassConflict
	// ClassPermanent はリトライしても変わらない失敗（400/401/403/404/406、未対応機能）。
	ClassPermanent
	// ClassTransient はリトライ対象の失敗（408/5xx、通信エラー、不明なエラー）。
	ClassTransient
	// ClassRateLimited はレート制限（429、またはレート制限を示すエラーメッセージ）。
	ClassRateLimited
	// ClassCanceled は呼び出し元によるキャンセル。
	ClassCanceled
)

// String はfmt.Stringerを実装する。
func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassConflict:
		return "conflict"
	case ClassPermanent:
		return "permanent"
	case ClassRateLimited:
		return "rate_limited"
	case ClassCanceled:
		return "canceled"
	default:
		return "transient"
	}
}

// ClassifyStatus はステータスコードを分類する。
func ClassifyStatus(status int) Class {
	switch {
	case status == http.StatusOK:
		return ClassSuccess
	case status == http.StatusConflict:
		return ClassConflict
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status == http.StatusRequestTimeout:
		return ClassTransient
	case status == http.StatusNotImplemented:
		return ClassPermanent
	case status >= 500:
		return ClassTransient
	case status == http.StatusBadRequest, status == http.StatusUnauthorized,
		status == http.StatusForbidden, status == http.StatusNotFound,
		status == http.StatusNotAcceptable:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// Classify はディレクトリ呼び出しのエラーを分類する。
func Classify(err error) Class {
	if err == nil {
		return ClassSuccess
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, ErrNotSupported) {
		return ClassPermanent
	}
	if status, ok := StatusOf(err); ok {
		return ClassifyStatus(status)
	}
	if IsRateLimitMessage(err.Error()) {
		return ClassRateLimited
	}
	return ClassTransient
}

// IsRateLimitMessage はエラーメッセージがレート制限を示すかどうかを返す。
func IsRateLimitMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "rate-overlimit") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "overlimit") ||
		strings.Contains(msg, "too many requests")
}
