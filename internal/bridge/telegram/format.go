package telegram

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"

	"github.com/perchhq/perch/internal/session/models"
)

// messageLimit is Telegram's maximum message length.
const messageLimit = 4096

const (
	toolInputValueLimit = 200
	toolInputRawLimit   = 600
)

var (
	reFence      = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_+-]*)\\n?(.*?)```")
	reInlineCode = regexp.MustCompile("`([^`\\n]+)`")
	reBoldStar   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reBoldUnder  = regexp.MustCompile(`__(.+?)__`)
	reItalStar   = regexp.MustCompile(`(^|[^\w*])\*([^*\n]+)\*($|[^\w*])`)
	reItalUnder  = regexp.MustCompile(`(^|[^\w])_([^_\n]+)_($|[^\w])`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	reHeader     = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	reToolMarker = regexp.MustCompile(`(?m)^\[tool:\s*\w+\]\s*$\n?`)
)

// markdownToHTML converts agent markdown to the HTML subset Telegram
// renders. The input is escaped first so code blocks survive literally, then
// markdown constructs are rewritten outermost first.
func markdownToHTML(text string) string {
	text = html.EscapeString(text)

	text = reFence.ReplaceAllStringFunc(text, func(m string) string {
		sub := reFence.FindStringSubmatch(m)
		return "<pre>" + strings.TrimRight(sub[1], " \t\n") + "</pre>"
	})
	text = reInlineCode.ReplaceAllString(text, "<code>$1</code>")
	text = reBoldStar.ReplaceAllString(text, "<b>$1</b>")
	text = reBoldUnder.ReplaceAllString(text, "<b>$1</b>")
	text = reItalStar.ReplaceAllString(text, "$1<i>$2</i>$3")
	text = reItalUnder.ReplaceAllString(text, "$1<i>$2</i>$3")
	text = reLink.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = reHeader.ReplaceAllString(text, "<b>$1</b>")
	return text
}

// chunkMessage splits text into pieces that fit Telegram's message limit.
func chunkMessage(text string, limit int) []string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > 0 {
		n := limit
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

// stripToolMarkers removes [tool: name] marker lines from replayed output.
func stripToolMarkers(text string) string {
	return strings.TrimSpace(reToolMarker.ReplaceAllString(text, ""))
}

// formatToolInput renders a permission request's tool input for display.
// JSON objects become indented key/value lines with long values trimmed;
// anything else is shown raw with a harder cap.
func formatToolInput(desc string) string {
	if desc == "" {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(desc), &m); err == nil && len(m) > 0 {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, "  "+k+": "+truncate(stringifyValue(m[k]), toolInputValueLimit))
		}
		return strings.Join(lines, "\n")
	}
	return truncate(desc, toolInputRawLimit)
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

// stateEmoji marks a session's lifecycle state in listings.
func stateEmoji(state models.State) string {
	switch state {
	case models.StateCreated:
		return "🆕"
	case models.StateRunning:
		return "🔄"
	case models.StateAwaitingInput:
		return "📝"
	case models.StateInterrupting, models.StateStopping:
		return "⏳"
	case models.StateStopped:
		return "⏹️"
	case models.StateError:
		return "❌"
	}
	return "❓"
}

// statusEmoji marks a status notification pushed to a topic.
func statusEmoji(status string) string {
	switch status {
	case "thinking":
		return "💭"
	case "executing":
		return "⚙️"
	case "done":
		return "✅"
	case "error":
		return "❌"
	}
	return "ℹ️"
}
