package model

// Role はグループ内の参加者の権限を表す。
type Role string

const (
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// IsAdmin は管理者権限（admin または superadmin）かどうかを返す。
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Participant はグループ参加者を表す。
type Participant struct {
	ID   Identifier
	Role Role
}

// Self はディレクトリに接続しているbot自身の識別子を表す。
// LIDは取得できない場合は空になる。
type Self struct {
	ID  Identifier
	LID Identifier
}

// Matches は識別子がbot自身を指すかどうかを返す。
// デバイス番号の違いは無視するが、名前空間（サーバー部）は一致が必要。
func (s Self) Matches(id Identifier) bool {
	if s.ID != "" && s.ID.SameParticipant(id) {
		return true
	}
	return s.LID != "" && s.LID.SameParticipant(id)
}

// GroupSnapshot はある時点でのグループ参加者一覧を表す。
// 伝播遅延があるため、変更直後のスナップショットは参考値として扱う。
type GroupSnapshot struct {
	ID           string
	Subject      string
	Participants []Participant
	Pending      []Identifier
}

// Find はデバイス番号を無視して識別子に一致する参加者を返す。
func (g *GroupSnapshot) Find(id Identifier) (Participant, bool) {
	for _, p := range g.Participants {
		if p.ID.SameParticipant(id) {
			return p, true
		}
	}
	return Participant{}, false
}

// Admins は admin または superadmin の参加者を返す。
func (g *GroupSnapshot) Admins() []Participant {
	var admins []Participant
	for _, p := range g.Participants {
		if p.Role.IsAdmin() {
			admins = append(admins, p)
		}
	}
	return admins
}

// HasAdmin はbot自身が管理者権限を持つかどうかを返す。
func (g *GroupSnapshot) HasAdmin(self Self) bool {
	for _, p := range g.Participants {
		if p.Role.IsAdmin() && self.Matches(p.ID) {
			return true
		}
	}
	return false
}

// Diff はbeforeに存在せずgに存在する参加者を返す。
func (g *GroupSnapshot) Diff(before *GroupSnapshot) []Participant {
	var added []Participant
	for _, p := range g.Participants {
		if before == nil {
			added = append(added, p)
			continue
		}
		if _, ok := before.Find(p.ID); !ok {
			added = append(added, p)
		}
	}
	return added
}
