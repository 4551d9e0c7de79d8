// Package directory はグループディレクトリ（メッセージングネットワーク側のグループ管理API）との境界を定義する。
package directory

import (
	"context"
	"errors"

	"github.com/hitoshi/groupman/internal/model"
)

// Action は参加者変更の種別を表す。
type Action string

const (
	ActionAdd     Action = "add"
	ActionPromote Action = "promote"
	ActionDemote  Action = "demote"
)

// ErrNotSupported は接続先がその機能を提供していない場合に返される。
var ErrNotSupported = errors.New("directory capability not supported")

// ParticipantResult は参加者ごとの変更結果を表す。
// StatusはHTTPに準じたディレクトリ定義のコード（200成功、409既に目的の状態）。
type ParticipantResult struct {
	ID     model.Identifier
	Status int
}

// Existence はネットワーク上の存在確認結果を表す。
type Existence struct {
	Exists bool
	ID     model.Identifier
}

// Capabilities は接続先が提供する任意機能を表す。
type Capabilities struct {
	ExistenceLookup   bool // ExistsOnNetwork
	IdentifierProbe   bool // ProbeIdentifier
	PendingListing    bool // ListPendingJoinRequests
	PendingInMetadata bool // GroupSnapshot.Pending
}

// Client はグループディレクトリへの読み書きを提供する。
type Client interface {
	Self(ctx context.Context) (model.Self, error)
	Capabilities() Capabilities
	FetchGroupSnapshot(ctx context.Context, groupID string) (*model.GroupSnapshot, error)
	FetchParticipatingGroups(ctx context.Context) ([]*model.GroupSnapshot, error)
	MutateParticipants(ctx context.Context, groupID string, ids []model.Identifier, action Action) ([]ParticipantResult, error)
	UpdateGroupSubject(ctx context.Context, groupID, subject string) error
	ExistsOnNetwork(ctx context.Context, phone model.PhoneNumber) (Existence, error)
	ProbeIdentifier(ctx context.Context, id model.Identifier) (bool, error)
	ListPendingJoinRequests(ctx context.Context, groupID string) ([]model.Identifier, error)
	ApproveJoinRequests(ctx context.Context, groupID string, ids []model.Identifier) ([]ParticipantResult, error)
}

// ResultFor はresultsから識別子に対応する結果を取り出す。
// 1件のみの場合は識別子が書き換えられていてもその結果を返す。
func ResultFor(results []ParticipantResult, id model.Identifier) (ParticipantResult, bool) {
	for _, r := range results {
		if r.ID.SameParticipant(id) {
			return r, true
		}
	}
	if len(results) == 1 {
		return results[0], true
	}
	return ParticipantResult{}, false
}
