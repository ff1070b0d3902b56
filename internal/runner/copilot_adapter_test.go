package runner

import "testing"

func TestToolTitle(t *testing.T) {
	tests := []struct {
		name     string
		toolName string
		args     any
		expected string
	}{
		{
			name:     "bash shows the command",
			toolName: "bash",
			args:     map[string]any{"command": "go test ./..."},
			expected: "go test ./...",
		},
		{
			name:     "bash case insensitive",
			toolName: "Bash",
			args:     map[string]any{"command": "ls"},
			expected: "ls",
		},
		{
			name:     "command on a non-shell tool is ignored",
			toolName: "run_tests",
			args:     map[string]any{"command": "pytest"},
			expected: "run_tests",
		},
		{
			name:     "file path is appended",
			toolName: "str_replace_editor",
			args:     map[string]any{"file_path": "/tmp/main.go"},
			expected: "str_replace_editor: /tmp/main.go",
		},
		{
			name:     "no arguments",
			toolName: "view",
			args:     nil,
			expected: "view",
		},
		{
			name:     "arguments of the wrong shape",
			toolName: "view",
			args:     "raw string",
			expected: "view",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toolTitle(tt.toolName, tt.args); got != tt.expected {
				t.Errorf("toolTitle(%q, %v) = %q, want %q", tt.toolName, tt.args, got, tt.expected)
			}
		})
	}
}
