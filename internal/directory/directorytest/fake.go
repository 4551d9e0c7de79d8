// Package directorytest はテスト用のインメモリdirectory.Clientを提供する。
package directorytest

import (
	"context"
	"net/http"
	"sync"

	"github.com/hitoshi/groupman/internal/directory"
	"github.com/hitoshi/groupman/internal/model"
)

// Call は記録された変更系呼び出しを表す。
type Call struct {
	Op      string
	GroupID string
	IDs     []model.Identifier
	Subject string
}

// Fake はインメモリのグループディレクトリ。
// 各Funcフィールドを設定するとデフォルトの挙動を置き換えられる。
type Fake struct {
	mu sync.Mutex

	SelfID model.Self
	Caps   directory.Capabilities
	Groups map[string]*model.GroupSnapshot
	// Network はExistsOnNetworkが返す登録済み番号と識別子。
	Network map[model.PhoneNumber]model.Identifier
	// Probeable はProbeIdentifierでtrueを返す識別子。
	Probeable map[model.Identifier]bool
	// Requests はListPendingJoinRequestsが返す参加リクエスト。
	Requests map[string][]model.Identifier

	FetchFunc   func(groupID string, call int) (*model.GroupSnapshot, error)
	MutateFunc  func(groupID string, ids []model.Identifier, action directory.Action, call int) ([]directory.ParticipantResult, error)
	SubjectFunc func(groupID, subject string, call int) error
	ApproveFunc func(groupID string, ids []model.Identifier) ([]directory.ParticipantResult, error)
	ExistsErr   error
	ProbeErr    error

	calls      []Call
	fetchCalls int
	probes     []model.Identifier
}

var _ directory.Client = (*Fake)(nil)

// New は全機能を有効にしたFakeを生成する。
func New(self model.Self) *Fake {
	return &Fake{
		SelfID: self,
		Caps: directory.Capabilities{
			ExistenceLookup:   true,
			IdentifierProbe:   true,
			PendingListing:    true,
			PendingInMetadata: true,
		},
		Groups:    make(map[string]*model.GroupSnapshot),
		Network:   make(map[model.PhoneNumber]model.Identifier),
		Probeable: make(map[model.Identifier]bool),
		Requests:  make(map[string][]model.Identifier),
	}
}

// AddGroup はグループを登録する。
func (f *Fake) AddGroup(id string, participants ...model.Participant) *model.GroupSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &model.GroupSnapshot{ID: id, Subject: id, Participants: participants}
	f.Groups[id] = g
	return g
}

// Calls は記録された変更系呼び出しを返す。
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount は指定した操作の呼び出し回数を返す。
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// FetchCount はFetchGroupSnapshotの呼び出し回数を返す。
func (f *Fake) FetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// Probes はProbeIdentifierに渡された識別子を返す。
func (f *Fake) Probes() []model.Identifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Identifier(nil), f.probes...)
}

// Self はbot自身の識別子を返す。
func (f *Fake) Self(context.Context) (model.Self, error) {
	return f.SelfID, nil
}

// Capabilities は有効な任意機能を返す。
func (f *Fake) Capabilities() directory.Capabilities {
	return f.Caps
}

// FetchGroupSnapshot はグループの複製を返す。
func (f *Fake) FetchGroupSnapshot(_ context.Context, groupID string) (*model.GroupSnapshot, error) {
	f.mu.Lock()
	f.fetchCalls++
	n := f.fetchCalls
	fn := f.FetchFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(groupID, n)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.Groups[groupID]
	if !ok {
		return nil, &directory.StatusError{Op: "fetch_group", Status: http.StatusNotFound}
	}
	return clone(g, f.Caps.PendingInMetadata), nil
}

// FetchParticipatingGroups は全グループの複製を返す。
func (f *Fake) FetchParticipatingGroups(context.Context) ([]*model.GroupSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.GroupSnapshot, 0, len(f.Groups))
	for _, g := range f.Groups {
		out = append(out, clone(g, f.Caps.PendingInMetadata))
	}
	return out, nil
}

// MutateParticipants は記録した上でグループに変更を適用する。
func (f *Fake) MutateParticipants(_ context.Context, groupID string, ids []model.Identifier, action directory.Action) ([]directory.ParticipantResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: string(action), GroupID: groupID, IDs: append([]model.Identifier(nil), ids...)})
	n := 0
	for _, c := range f.calls {
		if c.Op == string(action) {
			n++
		}
	}
	fn := f.MutateFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(groupID, ids, action, n)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.Groups[groupID]
	if !ok {
		return nil, &directory.StatusError{Op: string(action), Status: http.StatusNotFound}
	}
	results := make([]directory.ParticipantResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, directory.ParticipantResult{ID: id, Status: apply(g, id, action)})
	}
	return results, nil
}

// UpdateGroupSubject はグループ名を変更する。
func (f *Fake) UpdateGroupSubject(_ context.Context, groupID, subject string) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: "subject", GroupID: groupID, Subject: subject})
	n := 0
	for _, c := range f.calls {
		if c.Op == "subject" {
			n++
		}
	}
	fn := f.SubjectFunc
	f.mu.Unlock()

	if fn != nil {
		if err := fn(groupID, subject, n); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.Groups[groupID]; ok {
		g.Subject = subject
	}
	return nil
}

// ExistsOnNetwork はNetworkに登録された番号を返す。
func (f *Fake) ExistsOnNetwork(_ context.Context, phone model.PhoneNumber) (directory.Existence, error) {
	if !f.Caps.ExistenceLookup {
		return directory.Existence{}, directory.ErrNotSupported
	}
	if f.ExistsErr != nil {
		return directory.Existence{}, f.ExistsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.Network[phone]
	return directory.Existence{Exists: ok, ID: id}, nil
}

// ProbeIdentifier はProbeableに登録された識別子に対してtrueを返す。
func (f *Fake) ProbeIdentifier(_ context.Context, id model.Identifier) (bool, error) {
	if !f.Caps.IdentifierProbe {
		return false, directory.ErrNotSupported
	}
	f.mu.Lock()
	f.probes = append(f.probes, id)
	f.mu.Unlock()
	if f.ProbeErr != nil {
		return false, f.ProbeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Probeable[id], nil
}

// ListPendingJoinRequests はRequestsを返す。
func (f *Fake) ListPendingJoinRequests(_ context.Context, groupID string) ([]model.Identifier, error) {
	if !f.Caps.PendingListing {
		return nil, directory.ErrNotSupported
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Identifier(nil), f.Requests[groupID]...), nil
}

// ApproveJoinRequests は記録した上でリクエストを承認済みにする。
func (f *Fake) ApproveJoinRequests(_ context.Context, groupID string, ids []model.Identifier) ([]directory.ParticipantResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: "approve", GroupID: groupID, IDs: append([]model.Identifier(nil), ids...)})
	fn := f.ApproveFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(groupID, ids)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]directory.ParticipantResult, 0, len(ids))
	for _, id := range ids {
		f.Requests[groupID] = remove(f.Requests[groupID], id)
		if g, ok := f.Groups[groupID]; ok {
			g.Pending = remove(g.Pending, id)
			if _, exists := g.Find(id); !exists {
				g.Participants = append(g.Participants, model.Participant{ID: id, Role: model.RoleMember})
			}
		}
		results = append(results, directory.ParticipantResult{ID: id, Status: http.StatusOK})
	}
	return results, nil
}

func apply(g *model.GroupSnapshot, id model.Identifier, action directory.Action) int {
	idx := -1
	for i, p := range g.Participants {
		if p.ID.SameParticipant(id) {
			idx = i
			break
		}
	}
	switch action {
	case directory.ActionAdd:
		if idx >= 0 {
			return http.StatusConflict
		}
		g.Participants = append(g.Participants, model.Participant{ID: id, Role: model.RoleMember})
	case directory.ActionPromote:
		if idx < 0 {
			return http.StatusNotFound
		}
		if g.Participants[idx].Role.IsAdmin() {
			return http.StatusConflict
		}
		g.Participants[idx].Role = model.RoleAdmin
	case directory.ActionDemote:
		if idx < 0 {
			return http.StatusNotFound
		}
		if g.Participants[idx].Role == model.RoleSuperAdmin {
			return http.StatusNotAcceptable
		}
		if !g.Participants[idx].Role.IsAdmin() {
			return http.StatusConflict
		}
		g.Participants[idx].Role = model.RoleMember
	}
	return http.StatusOK
}

func clone(g *model.GroupSnapshot, withPending bool) *model.GroupSnapshot {
	c := &model.GroupSnapshot{
		ID:           g.ID,
		Subject:      g.Subject,
		Participants: append([]model.Participant(nil), g.Participants...),
	}
	if withPending {
		c.Pending = append([]model.Identifier(nil), g.Pending...)
	}
	return c
}

func remove(ids []model.Identifier, id model.Identifier) []model.Identifier {
	out := ids[:0]
	for _, v := range ids {
		if !v.SameParticipant(id) {
			out = append(out, v)
		}
	}
	return out
}
