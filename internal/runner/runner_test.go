package runner

import "testing"

func TestApprovalMode(t *testing.T) {
	tests := []struct {
		name     string
		choice   int
		expected string
	}{
		{"default", ApprovalDefault, ModeDefault},
		{"accept edits", ApprovalAcceptEdits, ModeAcceptEdits},
		{"bypass permissions", ApprovalBypassPermissions, ModeBypassPermissions},
		{"unknown falls back to default", 42, ModeDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ApprovalMode(tt.choice); got != tt.expected {
				t.Errorf("ApprovalMode(%d) = %q, want %q", tt.choice, got, tt.expected)
			}
		})
	}
}
