package app

import (
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{"empty defaults to serve", nil, CommandServe},
		{"serve", []string{"serve"}, CommandServe},
		{"worker", []string{"worker"}, CommandWorker},
		{"migrate", []string{"migrate"}, CommandMigrate},
		{"healthcheck", []string{"healthcheck"}, CommandHealthcheck},
		{"extra args ignored", []string{"worker", "--flag", "value"}, CommandWorker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.args)
			if err != nil {
				t.Fatalf("ParseCommand(%v) error = %v", tt.args, err)
			}
			if got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestParseCommand_UnknownReturnsError(t *testing.T) {
	_, err := ParseCommand([]string{"srve"})
	if err == nil {
		t.Fatal("unknown command should return error")
	}
	if !strings.Contains(err.Error(), `"srve"`) {
		t.Errorf("error should name the command, got %v", err)
	}
}

func TestRun_UnknownCommandFailsBeforeInit(t *testing.T) {
	// 設定がなくてもサブコマンドの解析エラーが先に返る
	t.Setenv("OPERATOR_TOKENS", "")
	t.Setenv("GATEWAY_URL", "")

	err := Run(nil, []string{"bogus"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("Run error = %v, want unknown command", err)
	}
}
