package mapping

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hitoshi/groupman/internal/model"
)

func TestWatcher_ReloadsOnExternalRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.json")
	if err := os.WriteFile(path, []byte(`{"global":{},"groups":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	s := NewStore(NewFileBackend(path), newTestLogger(&buf))
	s.Load(context.Background())

	w := NewWatcher(s, path, newTestLogger(&buf))
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// 別プロセスによる書き換えを模倣する。監視開始を待つため少し遅らせる。
	time.Sleep(100 * time.Millisecond)
	other := NewFileBackend(path)
	snap := NewSnapshot()
	snap.Global["123@lid"] = "6281234567890"
	if err := other.Save(context.Background(), snap); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := s.PhoneForIdentifier("123@lid", model.GlobalScope); ok && p == "6281234567890" {
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Run returned %v", err)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("store was not reloaded after external rewrite")
}
