package security

import "testing"

func TestSanitizeSubject(t *testing.T) {
	sanitizer := NewSubjectSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "プレーンテキストはそのまま", input: "Team A", want: "Team A"},
		{name: "タグを除去する", input: "<b>Team</b> A", want: "Team A"},
		{name: "scriptタグは中身ごと除去する", input: "Team<script>alert(1)</script>", want: "Team"},
		{name: "エスケープされない記号", input: "Tom & Jerry", want: "Tom & Jerry"},
		{name: "改行とタブを空白にまとめる", input: "Team\n\tA  B", want: "Team A B"},
		{name: "日本語", input: "  運営<i>チーム</i> ", want: "運営チーム"},
		{name: "タグのみは空", input: "<br><hr>", want: ""},
		{name: "空文字列", input: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizer.SanitizeSubject(tt.input); got != tt.want {
				t.Errorf("SanitizeSubject(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeSubject_Idempotent(t *testing.T) {
	sanitizer := NewSubjectSanitizer()
	input := "<p>Team &amp; <em>Ops</em></p>"

	once := sanitizer.SanitizeSubject(input)
	twice := sanitizer.SanitizeSubject(once)
	if once != twice {
		t.Errorf("not idempotent: %q then %q", once, twice)
	}
}
