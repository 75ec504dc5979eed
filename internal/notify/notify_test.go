package notify

import "testing"

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`run "ailoop" now`, `run \"ailoop\" now`},
		{`path\to\file`, `path\\to\\file`},
		{"", ""},
	}
	for _, tt := range tests {
		if got := escapeAppleScript(tt.input); got != tt.want {
			t.Errorf("escapeAppleScript(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSend_DoesNotPanic(t *testing.T) {
	// Environment-dependent: headless hosts have no notification
	// daemon. Only the absence of a panic matters here.
	_ = Send("ailoop", "gate pending")
}
