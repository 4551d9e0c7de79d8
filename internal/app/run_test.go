package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hitoshi/groupman/internal/config"
	"github.com/hitoshi/groupman/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	setTestEnv(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	t.Setenv("OPERATOR_TOKENS", "")
	t.Setenv("GATEWAY_URL", "")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve"}); err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

func TestRun_MigrateWithoutDatabase_ReturnsError(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"migrate"}); err == nil {
		t.Fatal("migrate without DATABASE_URL should return error")
	}
}

func TestRun_InvalidGatewayScheme_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("GATEWAY_URL", "ftp://gateway.example.com")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve"}); err == nil {
		t.Fatal("serve with ftp gateway should return error")
	}
}

func TestBuild_AppliesDefaultSeeds(t *testing.T) {
	cfg := loadTestConfig(t)

	c, err := build(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer c.close()

	p, ok := c.store.PhoneForIdentifier("59318229561477@lid", model.GlobalScope)
	if !ok || p != "6285753436471" {
		t.Errorf("seed mapping = %q, %v; want 6285753436471, true", p, ok)
	}
	if _, err := os.Stat(cfg.MappingFile); err != nil {
		t.Errorf("mapping file should be written: %v", err)
	}
	if c.watcher == nil {
		t.Error("file backend with MAPPING_WATCH should have a watcher")
	}
	if c.db != nil || c.cleanup != nil {
		t.Error("no database should be opened without DATABASE_URL")
	}
	if c.mutator == nil || c.runner == nil || c.reconciler == nil || c.logs == nil {
		t.Error("all components should be wired")
	}
}

func TestBuild_LoadsSeedFile(t *testing.T) {
	cfg := loadTestConfig(t)
	seedPath := filepath.Join(t.TempDir(), "seeds.yaml")
	seed := "mappings:\n  - identifier: \"123456789012345@lid\"\n    phone: \"6281234567890\"\n    group: \"g1@g.us\"\n"
	if err := os.WriteFile(seedPath, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	cfg.MappingSeedFile = seedPath

	c, err := build(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer c.close()

	p, ok := c.store.PhoneForIdentifier("123456789012345@lid", model.GroupScope("g1@g.us"))
	if !ok || p != "6281234567890" {
		t.Errorf("group seed = %q, %v; want 6281234567890, true", p, ok)
	}
}

func TestBuild_MissingSeedFile_ReturnsError(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.MappingSeedFile = filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := build(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatal("missing seed file should return error")
	}
}

func TestBuild_PostgresBackendRequiresDatabase(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.MappingBackend = "postgres"

	if _, err := build(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatal("postgres backend without database should return error")
	}
}

func TestBuild_MutatorConfigFollowsSettings(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.PromoteMaxAttempts = 7
	cfg.PropagationWait = time.Second

	mc := mutatorConfig(cfg)
	if mc.Promote.MaxAttempts != 7 {
		t.Errorf("Promote.MaxAttempts = %d, want 7", mc.Promote.MaxAttempts)
	}
	if mc.PropagationWait != time.Second {
		t.Errorf("PropagationWait = %v, want 1s", mc.PropagationWait)
	}
	if mc.Add.MaxAttempts != cfg.AddMaxAttempts {
		t.Errorf("Add.MaxAttempts = %d, want %d", mc.Add.MaxAttempts, cfg.AddMaxAttempts)
	}
	if mc.Rename.RateLimitCooldown != cfg.RateLimitCooldown {
		t.Errorf("Rename.RateLimitCooldown = %v, want %v", mc.Rename.RateLimitCooldown, cfg.RateLimitCooldown)
	}
}

// runUntilCanceled はfnを起動し、少し待ってからキャンセルして戻り値を返す。
func runUntilCanceled(t *testing.T, fn func(ctx context.Context) error) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- fn(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("did not stop after cancel")
		return nil
	}
}

func TestRunServe_StopsOnCancel(t *testing.T) {
	cfg := loadTestConfig(t)

	err := runUntilCanceled(t, func(ctx context.Context) error {
		return runServe(ctx, cfg, discardLogger())
	})
	if err != nil {
		t.Errorf("runServe returned error: %v", err)
	}
}

func TestRunWorker_StopsOnCancel(t *testing.T) {
	cfg := loadTestConfig(t)

	err := runUntilCanceled(t, func(ctx context.Context) error {
		return runWorker(ctx, cfg, discardLogger())
	})
	if err != nil {
		t.Errorf("runWorker returned error: %v", err)
	}
}

func TestRunHealthcheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"healthy", http.StatusOK, false},
		{"unhealthy", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("path = %q, want /health", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			u, err := url.Parse(srv.URL)
			if err != nil {
				t.Fatalf("parse url: %v", err)
			}
			err = runHealthcheck(u.Port())
			if (err != nil) != tt.wantErr {
				t.Errorf("runHealthcheck() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
