package runner

import (
	"encoding/json"
	"testing"

	"github.com/perchhq/perch/internal/session/models"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"under limit", "hello", 10, "hello"},
		{"at limit", "hello", 5, "hello"},
		{"over limit", "hello world", 8, "hello..."},
		{"tiny limit", "hello", 3, "hel"},
		{"empty", "", 5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.input, tt.maxLen); got != tt.expected {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.expected)
			}
		})
	}
}

func TestDecisionMessage(t *testing.T) {
	tests := []struct {
		name     string
		decision models.PermissionDecision
		expected string
	}{
		{"operator message", models.PermissionDecision{Allowed: false, Message: "not on main"}, "not on main"},
		{"message wins over reason", models.PermissionDecision{Message: "nope", Reason: "timeout"}, "nope"},
		{"timeout auto-deny", models.PermissionDecision{Allowed: false, Reason: "timeout"}, "timeout"},
		{"empty", models.PermissionDecision{Allowed: true}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decisionMessage(tt.decision); got != tt.expected {
				t.Errorf("decisionMessage(%+v) = %q, want %q", tt.decision, got, tt.expected)
			}
		})
	}
}

func TestContentText(t *testing.T) {
	if got := contentText(nil); got != "" {
		t.Errorf("contentText(nil) = %q, want empty", got)
	}
	if got := contentText("plain"); got != "plain" {
		t.Errorf("contentText(string) = %q, want %q", got, "plain")
	}

	blocks := []any{
		map[string]any{"type": "text", "text": "first "},
		"not a map",
		map[string]any{"type": "image"},
		map[string]any{"type": "text", "text": "second"},
	}
	if got := contentText(blocks); got != "first second" {
		t.Errorf("contentText(blocks) = %q, want %q", got, "first second")
	}

	if got := contentText(map[string]any{"ok": true}); got != `{"ok":true}` {
		t.Errorf("contentText(map) = %q, want JSON", got)
	}
}

func TestStructToMap(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	m := structToMap(payload{Name: "run", Count: 3})
	if m == nil {
		t.Fatal("structToMap returned nil for a marshalable struct")
	}
	if m["name"] != "run" {
		t.Errorf("name = %v, want %q", m["name"], "run")
	}
	if numberToInt(m["count"]) != 3 {
		t.Errorf("count = %v, want 3", m["count"])
	}

	if m := structToMap(make(chan int)); m != nil {
		t.Errorf("structToMap(chan) = %v, want nil", m)
	}
	if m := structToMap(42); m != nil {
		t.Errorf("structToMap(42) = %v, want nil", m)
	}
}

func TestNumberToInt(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected int
	}{
		{"float64", float64(7.9), 7},
		{"int", 5, 5},
		{"int64", int64(9), 9},
		{"json number", json.Number("12"), 12},
		{"string", "12", 0},
		{"nil", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := numberToInt(tt.input); got != tt.expected {
				t.Errorf("numberToInt(%v) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNumberToFloat(t *testing.T) {
	if f, ok := numberToFloat(float64(1.5)); !ok || f != 1.5 {
		t.Errorf("numberToFloat(1.5) = (%v, %v)", f, ok)
	}
	if f, ok := numberToFloat(3); !ok || f != 3 {
		t.Errorf("numberToFloat(3) = (%v, %v)", f, ok)
	}
	if f, ok := numberToFloat(json.Number("2.25")); !ok || f != 2.25 {
		t.Errorf("numberToFloat(json.Number) = (%v, %v)", f, ok)
	}
	if _, ok := numberToFloat("nope"); ok {
		t.Error("numberToFloat(string) reported ok")
	}
}

func TestMapString(t *testing.T) {
	m := map[string]any{"model": "gpt-4.1", "count": 2}
	if got := mapString(m, "model"); got != "gpt-4.1" {
		t.Errorf("mapString(model) = %q", got)
	}
	if got := mapString(m, "count"); got != "" {
		t.Errorf("mapString on non-string = %q, want empty", got)
	}
	if got := mapString(m, "missing"); got != "" {
		t.Errorf("mapString(missing) = %q, want empty", got)
	}
	if got := mapString(nil, "model"); got != "" {
		t.Errorf("mapString(nil) = %q, want empty", got)
	}
}
