package mapping

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/groupman/internal/model"
	"github.com/hitoshi/groupman/internal/phone"
)

// Seed は起動時に投入する既知の識別子と電話番号の組を表す。
// Groupが空の場合はグローバルスコープ。
type Seed struct {
	Identifier string `yaml:"identifier"`
	Phone      string `yaml:"phone"`
	Group      string `yaml:"group,omitempty"`
}

type seedFile struct {
	Mappings []Seed `yaml:"mappings"`
}

// DefaultSeeds は組み込みの既知マッピング。
var DefaultSeeds = []Seed{
	{Identifier: "59318229561477@lid", Phone: "6285753436471"},
	{Identifier: "177829446709455@lid", Phone: "6283817954420"},
}

// LoadSeedFile はYAML形式のシードファイルを読み込む。
func LoadSeedFile(path string) ([]Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	for i, s := range f.Mappings {
		if s.Identifier == "" {
			return nil, fmt.Errorf("seed file %s: entry %d requires identifier", path, i)
		}
		if _, err := phone.Normalize(s.Phone); err != nil {
			return nil, fmt.Errorf("seed file %s: entry %d: %w", path, i, err)
		}
	}
	return f.Mappings, nil
}

// ApplySeeds はまだレコードが存在しない識別子についてシードを登録する。
// 既存のレコードは学習済みの値として優先し、上書きしない。
// 同じスコープで番号が別の識別子に対応済みのシードも適用しない。永続化は最後に1回だけ行う。
func (s *Store) ApplySeeds(ctx context.Context, seeds []Seed) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, seed := range seeds {
		p, err := phone.Normalize(seed.Phone)
		if seed.Identifier == "" || err != nil {
			continue
		}
		scope := model.GroupScope(seed.Group)
		entries := s.entriesLocked(scope, true)
		id := model.Identifier(seed.Identifier)
		if _, ok := entries[id]; ok {
			continue
		}
		if claimed, ok := findByPhone(entries, p); ok {
			s.logger.Debug("seed skipped: phone already mapped",
				slog.String("identifier", string(id)),
				slog.String("claimed_by", string(claimed)),
				slog.String("scope", scope.String()),
			)
			continue
		}
		entries[id] = p
		added++
	}
	if added == 0 {
		return 0, nil
	}
	if err := s.persistLocked(ctx); err != nil {
		return added, err
	}
	s.logger.Info("seed mappings applied", slog.Int("added", added))
	return added, nil
}
