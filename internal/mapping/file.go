package mapping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileBackend はJSONファイルにマッピングを保存する。
// 書き込みは一時ファイルへの書き込みとリネームで行い、途中で停止しても破損しない。
type FileBackend struct {
	path string
}

// NewFileBackend は新しいFileBackendを生成する。
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: filepath.Clean(path)}
}

// Path はファイルパスを返す。
func (b *FileBackend) Path() string { return b.path }

// Load はファイルを読み込む。ファイルが存在しないか空の場合は空のSnapshotを返す。
func (b *FileBackend) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewSnapshot(), nil
		}
		return nil, fmt.Errorf("read mapping file %s: %w", b.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return NewSnapshot(), nil
	}

	snap := NewSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("decode mapping file %s: %w", b.path, err)
	}
	if snap.Global == nil {
		snap.Global = make(map[string]string)
	}
	if snap.Groups == nil {
		snap.Groups = make(map[string]map[string]string)
	}
	return snap, nil
}

// Save はSnapshot全体をファイルに書き込む。
func (b *FileBackend) Save(_ context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode mapping file: %w", err)
	}
	data = append(data, '\n')
	return writeAtomic(b.path, data)
}

func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create mapping dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp for %s: %w", path, err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
