package runner

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tuzig/vt10x"
)

// TermState classifies what the agent CLI's TUI is currently doing.
type TermState string

const (
	TermStateUnknown         TermState = "unknown"
	TermStateWorking         TermState = "working"
	TermStateWaitingApproval TermState = "waiting_approval"
	TermStateWaitingInput    TermState = "waiting_input"
)

const screenCheckInterval = 100 * time.Millisecond

var (
	// Spinner line with an interrupt hint, e.g.
	// "✻ Reading files... (esc to interrupt)".
	workingTaskPattern = regexp.MustCompile(
		`^\s*[✻✽✶∴·○◆▪▫□■☐☑☒★☆✓✔✗✘⚬⚫⚪⬤◯▸▹►▻◂◃◄◅✢*]\s+.+[…\.]{2,}\s*\((esc|ctrl\+c)\s+to\s+interrupt`,
	)

	// Hint line inside the input box, e.g. "⎿ Tip: Press Enter to continue".
	tipPattern = regexp.MustCompile(`^[\s\x{00a0}]*⎿[\s\x{00a0}]+(?:Tip|Next|Hint):`)

	// A line of horizontal box-drawing characters marking the input box.
	separatorPattern = regexp.MustCompile(`^[─━═┄┅┈┉\-]{10,}$`)

	// Approval prompt markers.
	enterToSelectPattern  = regexp.MustCompile(`(?i)enter\s+to\s+select`)
	doYouWantToPattern    = regexp.MustCompile(`(?i)do\s+you\s+want\s+to\s+`)
	submitAnswersPattern  = regexp.MustCompile(`(?i)ready\s+to\s+submit\s+your\s+answers`)
	selectionArrowPattern = regexp.MustCompile(`^[\s]*[❯>]\s*\d+\.`)
	yesNoPattern          = regexp.MustCompile(`(?i)\[?y/?n\]?`)
)

// classifyScreen inspects the visible terminal lines and returns the TUI
// state. Approval prompts win over everything else; spinner lines mark
// working; a tip line inside the input box marks waiting for input.
func classifyScreen(lines []string) TermState {
	// Prompts render at the bottom, so scan upwards.
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t")
		if enterToSelectPattern.MatchString(line) || doYouWantToPattern.MatchString(line) ||
			submitAnswersPattern.MatchString(line) {
			return TermStateWaitingApproval
		}
		if selectionArrowPattern.MatchString(line) && nearbyConfirmation(lines, i) {
			return TermStateWaitingApproval
		}
		if yesNoPattern.MatchString(line) {
			lower := strings.ToLower(line)
			if strings.Contains(lower, "?") || strings.Contains(lower, "allow") || strings.Contains(lower, "approve") {
				return TermStateWaitingApproval
			}
		}
	}

	for _, line := range lines {
		if workingTaskPattern.MatchString(strings.TrimRight(line, " \t")) {
			return TermStateWorking
		}
	}

	for _, line := range lines {
		if tipPattern.MatchString(line) {
			return TermStateWaitingInput
		}
	}

	return TermStateUnknown
}

// nearbyConfirmation reports whether a confirmation hint appears within a
// few lines below a selection arrow.
func nearbyConfirmation(lines []string, i int) bool {
	for j := i + 1; j < len(lines) && j < i+5; j++ {
		lower := strings.ToLower(strings.TrimRight(lines[j], " \t"))
		if strings.Contains(lower, "confirm") || strings.Contains(lower, "enter to") {
			return true
		}
	}
	return false
}

// screenTracker feeds PTY output through a virtual terminal emulator so the
// rendered screen can be read back as plain lines and classified.
type screenTracker struct {
	mu        sync.Mutex
	term      vt10x.Terminal
	cols      int
	rows      int
	state     TermState
	lastCheck time.Time
}

func newScreenTracker(cols, rows int) *screenTracker {
	return &screenTracker{
		term:  vt10x.New(vt10x.WithSize(cols, rows)),
		cols:  cols,
		rows:  rows,
		state: TermStateUnknown,
	}
}

// Write feeds raw PTY output to the emulator.
func (t *screenTracker) Write(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.term.Write(data)
}

// ShouldCheck rate-limits screen classification.
func (t *screenTracker) ShouldCheck() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastCheck) >= screenCheckInterval
}

// Update reclassifies the screen and reports the state plus whether it
// changed since the last check.
func (t *screenTracker) Update() (TermState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastCheck = time.Now()
	state := classifyScreen(t.visibleLinesLocked())
	if state == t.state {
		return state, false
	}
	t.state = state
	return state, true
}

// VisibleLines returns the rendered screen content, one string per row.
func (t *screenTracker) VisibleLines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visibleLinesLocked()
}

func (t *screenTracker) visibleLinesLocked() []string {
	lines := make([]string, t.rows)
	for row := 0; row < t.rows; row++ {
		chars := make([]rune, 0, t.cols)
		for col := 0; col < t.cols; col++ {
			g := t.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines[row] = string(chars)
	}
	return lines
}
