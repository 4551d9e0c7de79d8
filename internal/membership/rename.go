package membership

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/groupman/internal/model"
	"github.com/hitoshi/groupman/internal/retry"
)

// Rename はグループ名を変更する。同じ名前でも毎回変更を実行する。
func (m *Mutator) Rename(ctx context.Context, groupID, name string) model.Outcome {
	m.session.Lock()
	defer m.session.Unlock()

	start := time.Now()
	return m.finish(model.OperationRename, groupID, name, m.rename(ctx, groupID, name), start)
}

func (m *Mutator) rename(ctx context.Context, groupID, name string) model.Outcome {
	subject, err := m.cleanSubject(name)
	if err != nil {
		return model.Failed(err)
	}

	if _, err := m.adminSnapshot(ctx, groupID); err != nil {
		return model.Failed(err)
	}

	stats, err := retry.Do(ctx, m.withClassify(m.cfg.Rename, model.OperationRename, groupID), func(ctx context.Context, _ int) error {
		return m.dir.UpdateGroupSubject(ctx, groupID, subject)
	})
	if err != nil {
		return failedWith(failure(model.OperationRename, groupID, "", err), stats)
	}

	out := model.Succeeded(model.ReasonDone, "")
	out.Attempts, out.RateLimited = stats.Attempts, stats.RateLimited
	return out
}

func (m *Mutator) cleanSubject(name string) (string, error) {
	subject := strings.TrimSpace(name)
	if m.sanitizer != nil {
		subject = strings.TrimSpace(m.sanitizer.SanitizeSubject(subject))
	}
	if subject == "" {
		return "", model.NewInvalidInputError("group name is empty")
	}
	if n := utf8.RuneCountInString(subject); n > m.cfg.MaxSubjectLength {
		return "", model.NewInvalidInputError(fmt.Sprintf("group name is %d characters, max %d", n, m.cfg.MaxSubjectLength))
	}
	return subject, nil
}
