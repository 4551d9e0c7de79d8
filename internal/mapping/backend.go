// Package mapping は識別子と電話番号の対応をスコープ付きで永続化するキャッシュを提供する。
package mapping

import "context"

// Snapshot は永続化されるマッピング全体を表す。
// ファイル形式は {"global": {id: phone}, "groups": {groupID: {id: phone}}}。
type Snapshot struct {
	Global map[string]string            `json:"global"`
	Groups map[string]map[string]string `json:"groups"`
}

// NewSnapshot は空のSnapshotを生成する。
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Global: make(map[string]string),
		Groups: make(map[string]map[string]string),
	}
}

// Len はレコード総数を返す。
func (s *Snapshot) Len() int {
	n := len(s.Global)
	for _, g := range s.Groups {
		n += len(g)
	}
	return n
}

// Backend はマッピングの永続化先を表す。
// Saveは全体を書き換える。
type Backend interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}
