package telegram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/perchhq/perch/internal/session/models"
)

func TestMarkdownToHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bold stars",
			in:   "Hello **world**",
			want: "Hello <b>world</b>",
		},
		{
			name: "bold underscores",
			in:   "__important__",
			want: "<b>important</b>",
		},
		{
			name: "inline code",
			in:   "run `go test` now",
			want: "run <code>go test</code> now",
		},
		{
			name: "fenced block",
			in:   "```go\nfmt.Println(1)\n```",
			want: "<pre>fmt.Println(1)</pre>",
		},
		{
			name: "fenced block without language",
			in:   "```\nplain\n```",
			want: "<pre>plain</pre>",
		},
		{
			name: "italic",
			in:   "an *aside* here",
			want: "an <i>aside</i> here",
		},
		{
			name: "multiplication stays literal",
			in:   "2*3*4",
			want: "2*3*4",
		},
		{
			name: "snake case stays literal",
			in:   "use snake_case_names",
			want: "use snake_case_names",
		},
		{
			name: "link",
			in:   "[docs](https://example.com)",
			want: `<a href="https://example.com">docs</a>`,
		},
		{
			name: "header",
			in:   "# Summary\ndetails",
			want: "<b>Summary</b>\ndetails",
		},
		{
			name: "html is escaped",
			in:   "a < b & c > d",
			want: "a &lt; b &amp; c &gt; d",
		},
		{
			name: "escaped html inside code block",
			in:   "```\nif a < b {}\n```",
			want: "<pre>if a &lt; b {}</pre>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, markdownToHTML(tt.in))
		})
	}
}

func TestChunkMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, chunkMessage("short", 10))
	assert.Equal(t, []string{""}, chunkMessage("", 10))
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, chunkMessage("abcdefghij", 4))

	chunks := chunkMessage(strings.Repeat("я", 10), 4)
	assert.Equal(t, []string{"яяяя", "яяяя", "яя"}, chunks)
}

func TestStripToolMarkers(t *testing.T) {
	assert.Equal(t, "ran ok", stripToolMarkers("[tool: Bash]\nran ok"))
	assert.Equal(t, "plain text", stripToolMarkers("plain text"))
	assert.Equal(t, "", stripToolMarkers("[tool: Read]\n"))
	assert.Equal(t, "a\nb", stripToolMarkers("a\n[tool: Write]\nb"))
}

func TestFormatToolInput(t *testing.T) {
	t.Run("json object becomes key value lines", func(t *testing.T) {
		got := formatToolInput(`{"command":"ls -la","description":"list files"}`)
		assert.Equal(t, "  command: ls -la\n  description: list files", got)
	})

	t.Run("long values are trimmed", func(t *testing.T) {
		long := strings.Repeat("x", 300)
		got := formatToolInput(`{"content":"` + long + `"}`)
		assert.Equal(t, "  content: "+strings.Repeat("x", toolInputValueLimit)+"...", got)
	})

	t.Run("non json falls back to raw cap", func(t *testing.T) {
		long := strings.Repeat("y", 700)
		got := formatToolInput(long)
		assert.Equal(t, strings.Repeat("y", toolInputRawLimit)+"...", got)
	})

	t.Run("nested values are rendered as json", func(t *testing.T) {
		got := formatToolInput(`{"paths":["a","b"]}`)
		assert.Equal(t, `  paths: ["a","b"]`, got)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Equal(t, "", formatToolInput(""))
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
	assert.Equal(t, "яя...", truncate("яяяя", 2))
}

func TestStateEmoji(t *testing.T) {
	assert.Equal(t, "🆕", stateEmoji(models.StateCreated))
	assert.Equal(t, "🔄", stateEmoji(models.StateRunning))
	assert.Equal(t, "📝", stateEmoji(models.StateAwaitingInput))
	assert.Equal(t, "❌", stateEmoji(models.StateError))
	assert.Equal(t, "❓", stateEmoji(models.State("BOGUS")))
}

func TestStatusEmoji(t *testing.T) {
	assert.Equal(t, "💭", statusEmoji("thinking"))
	assert.Equal(t, "✅", statusEmoji("done"))
	assert.Equal(t, "❌", statusEmoji("error"))
	assert.Equal(t, "ℹ️", statusEmoji("anything else"))
}
