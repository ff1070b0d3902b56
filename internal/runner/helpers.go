package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/perchhq/perch/internal/session/models"
)

// maxResultLen caps tool result text forwarded as session output.
const maxResultLen = 500

// truncate shortens s to maxLen bytes and adds a "..." suffix when anything
// was cut. Strings at or under the limit come back unchanged.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// decisionMessage picks the text to report for a resolved permission. An
// operator message wins; otherwise the decision's reason (a timeout auto-deny
// carries "timeout" there) is used so the resolution event never loses it.
func decisionMessage(d models.PermissionDecision) string {
	if d.Message != "" {
		return d.Message
	}
	return d.Reason
}

// contentText flattens a tool result content value into plain text.
// Claude-style agents report content either as a string or as a list of
// typed blocks where the text blocks carry the payload.
func contentText(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := m["text"].(string); ok {
				sb.WriteString(t)
			}
		}
		return sb.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// structToMap round-trips v through JSON so loosely typed fields can be read
// without depending on the concrete struct layout.
func structToMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// numberToInt coerces a decoded JSON number into an int.
func numberToInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

// numberToFloat coerces a decoded JSON number into a float64.
func numberToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// mapString reads a string field from a decoded JSON object.
func mapString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
