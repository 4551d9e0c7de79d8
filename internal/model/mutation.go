package model

import "time"

// Operation はメンバーシップ変更操作の種別を表す。
type Operation string

const (
	OperationAdd     Operation = "add"
	OperationPromote Operation = "promote"
	OperationDemote  Operation = "demote"
	OperationRename  Operation = "rename"
	// OperationAddPromote は参加者を追加した後に管理者へ昇格する複合操作。
	OperationAddPromote Operation = "add_promote"
)

// ParseOperation は文字列からOperationを解析する。
func ParseOperation(s string) (Operation, bool) {
	switch op := Operation(s); op {
	case OperationAdd, OperationPromote, OperationDemote, OperationRename, OperationAddPromote:
		return op, true
	default:
		return "", false
	}
}

// NeedsPhone は電話番号を対象とする操作かどうかを返す。
func (o Operation) NeedsPhone() bool {
	return o != OperationRename
}

// MutationIntent は呼び出し元が作成し、1回だけ消費される変更要求を表す。
type MutationIntent struct {
	Operation Operation
	GroupID   string
	Phone     PhoneNumber
	Name      string
}

// FailureKind は失敗の分類を表す。
type FailureKind string

const (
	FailureTransient           FailureKind = "TRANSIENT"
	FailureRateLimited         FailureKind = "RATE_LIMITED"
	FailureNotAuthorized       FailureKind = "NOT_AUTHORIZED"
	FailureNotFound            FailureKind = "NOT_FOUND"
	FailureTargetNotAdmin      FailureKind = "TARGET_NOT_ADMIN"
	FailureProtectedRole       FailureKind = "PROTECTED_ROLE"
	FailureAmbiguousResolution FailureKind = "AMBIGUOUS_RESOLUTION"
	FailureInvalidInput        FailureKind = "INVALID_INPUT"
	FailureUnavailable         FailureKind = "UNAVAILABLE"
	FailureCanceled            FailureKind = "CANCELED"
)

// Permanent はリトライしても結果が変わらない失敗かどうかを返す。
func (k FailureKind) Permanent() bool {
	switch k {
	case FailureNotAuthorized, FailureNotFound, FailureTargetNotAdmin,
		FailureProtectedRole, FailureAmbiguousResolution, FailureInvalidInput:
		return true
	default:
		return false
	}
}

// SuccessReason は成功の理由を表す。
type SuccessReason string

const (
	ReasonDone            SuccessReason = "DONE"
	ReasonAlreadyMember   SuccessReason = "ALREADY_MEMBER"
	ReasonAlreadyAdmin    SuccessReason = "ALREADY_ADMIN"
	ReasonVerifiedPresent SuccessReason = "VERIFIED_PRESENT"
)

// Outcome は変更操作のタグ付き結果を表す。
// OKがtrueの場合はReason、falseの場合はKindとMessageが設定される。
type Outcome struct {
	OK          bool
	Reason      SuccessReason
	Kind        FailureKind
	Message     string
	Action      string
	Identifier  Identifier
	Attempts    int
	RateLimited int
}

// Succeeded は成功結果を生成する。
func Succeeded(reason SuccessReason, id Identifier) Outcome {
	return Outcome{OK: true, Reason: reason, Identifier: id}
}

// Failed はerrから失敗結果を生成する。
// MutationError以外のエラーはTRANSIENTとして扱う。
func Failed(err error) Outcome {
	if me, ok := AsMutationError(err); ok {
		return Outcome{Kind: me.Kind, Message: me.Message, Action: me.Action}
	}
	return Outcome{Kind: FailureTransient, Message: err.Error()}
}

// MutationLogEntry はバッチ内の1件の処理結果の記録を表す。
type MutationLogEntry struct {
	ID        string
	BatchID   string
	Operation Operation
	GroupID   string
	Target    string
	OK        bool
	Result    string // 成功時はReason、失敗時はKind
	Message   string
	Attempts  int
	CreatedAt time.Time
}
