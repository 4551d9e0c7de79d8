package mapping

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher はマッピングファイルの外部からの書き換えを検知してStoreを再読み込みする。
// 同じファイルを共有する別プロセスの学習結果を取り込むために使う。
type Watcher struct {
	store    *Store
	path     string
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher は新しいWatcherを生成する。
func NewWatcher(store *Store, path string, logger *slog.Logger) *Watcher {
	return &Watcher{
		store:    store,
		path:     filepath.Clean(path),
		logger:   logger,
		debounce: defaultDebounce,
	}
}

// Run はctxがキャンセルされるまでファイルを監視する。
// リネームによる置き換えも検知するため、ファイルではなく親ディレクトリを監視する。
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(w.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if err := w.store.Reload(ctx); err != nil {
					w.logger.Warn("マッピングファイルの再読み込みに失敗しました",
						slog.String("path", w.path),
						slog.String("error", err.Error()),
					)
					return
				}
				w.logger.Debug("identifier mappings reloaded", slog.String("path", w.path))
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("mapping watcher error", slog.String("error", err.Error()))
		}
	}
}
