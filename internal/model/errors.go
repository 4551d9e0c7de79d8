package model

import (
	"errors"
	"fmt"
)

// APIError は操作APIの統一エラーフォーマットを表す。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, mutation, system
	Action   string // オペレーター向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeBatchNotFound  = "BATCH_NOT_FOUND"
	ErrCodeRateLimited    = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "有効なオペレータートークンを指定してください。",
	}
}

// NewBatchNotFoundError はバッチ未検出エラーを生成する。
func NewBatchNotFoundError(batchID string) *APIError {
	return &APIError{
		Code:     ErrCodeBatchNotFound,
		Message:  fmt.Sprintf("指定されたバッチが見つかりません: %s", batchID),
		Category: "mutation",
		Action:   "バッチIDを確認してください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// MutationError は変更操作の型付き失敗を表す。
type MutationError struct {
	Kind    FailureKind
	Message string
	Action  string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *MutationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap は元のエラーを返す。
func (e *MutationError) Unwrap() error { return e.Err }

// AsMutationError はerrのチェーンからMutationErrorを取り出す。
func AsMutationError(err error) (*MutationError, bool) {
	var me *MutationError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// KindOf はerrの失敗分類を返す。MutationErrorでない場合はTRANSIENTを返す。
func KindOf(err error) FailureKind {
	if me, ok := AsMutationError(err); ok {
		return me.Kind
	}
	return FailureTransient
}

// NewNotAuthorizedError はbotが管理者でない場合のエラーを生成する。
func NewNotAuthorizedError(groupID string) *MutationError {
	return &MutationError{
		Kind:    FailureNotAuthorized,
		Message: fmt.Sprintf("botはこのグループの管理者ではありません: %s", groupID),
		Action:  "botをグループの管理者に設定してから再度実行してください。",
	}
}

// NewNotFoundError は対象が見つからない場合のエラーを生成する。
func NewNotFoundError(target string, err error) *MutationError {
	return &MutationError{
		Kind:    FailureNotFound,
		Message: fmt.Sprintf("対象が見つかりません: %s", target),
		Action:  "番号が正しいか、相手がプライバシー設定で追加を制限していないか確認してください。",
		Err:     err,
	}
}

// NewTargetNotAdminError は降格対象が管理者でない場合のエラーを生成する。
func NewTargetNotAdminError(phone PhoneNumber) *MutationError {
	return &MutationError{
		Kind:    FailureTargetNotAdmin,
		Message: fmt.Sprintf("対象はこのグループの管理者ではありません: %s", phone),
		Action:  "管理者一覧を確認してください。",
	}
}

// NewProtectedRoleError は保護された権限（グループ作成者など）を変更しようとした場合のエラーを生成する。
func NewProtectedRoleError(id Identifier, err error) *MutationError {
	return &MutationError{
		Kind:    FailureProtectedRole,
		Message: fmt.Sprintf("対象の権限は変更できません: %s", id),
		Action:  "グループ作成者の権限は変更できません。",
		Err:     err,
	}
}

// NewAmbiguousResolutionError は電話番号から識別子を導出できない場合のエラーを生成する。
func NewAmbiguousResolutionError(input string) *MutationError {
	return &MutationError{
		Kind:    FailureAmbiguousResolution,
		Message: fmt.Sprintf("電話番号から参加者を特定できません: %s", input),
		Action:  "10〜15桁の数字のみで番号を入力してください。",
	}
}

// NewInvalidInputError は入力値が不正な場合のエラーを生成する。
func NewInvalidInputError(reason string) *MutationError {
	return &MutationError{
		Kind:    FailureInvalidInput,
		Message: fmt.Sprintf("入力値が不正です: %s", reason),
		Action:  "入力内容を確認してください。",
	}
}

// NewTransientError はリトライ上限に達した一時的エラーを生成する。
func NewTransientError(err error) *MutationError {
	return &MutationError{
		Kind:    FailureTransient,
		Message: "ディレクトリへのリクエストが失敗しました",
		Action:  "しばらく待ってから再度お試しください。",
		Err:     err,
	}
}

// NewRateLimitedError はレート制限によりリトライ上限に達した場合のエラーを生成する。
func NewRateLimitedError(err error) *MutationError {
	return &MutationError{
		Kind:    FailureRateLimited,
		Message: "ディレクトリのレート制限に達しました",
		Action:  "数分待ってから再度お試しください。",
		Err:     err,
	}
}

// NewUnavailableError はグループ情報を取得できない場合のエラーを生成する。
func NewUnavailableError(groupID string, err error) *MutationError {
	return &MutationError{
		Kind:    FailureUnavailable,
		Message: fmt.Sprintf("グループ情報を取得できません: %s", groupID),
		Action:  "接続状態を確認してから再度お試しください。",
		Err:     err,
	}
}

// NewCanceledError は操作が中断された場合のエラーを生成する。
func NewCanceledError(err error) *MutationError {
	return &MutationError{
		Kind:    FailureCanceled,
		Message: "操作は中断されました",
		Err:     err,
	}
}
