// Package discovery finds agent CLI sessions already running on this host,
// so operators can attach perch to a conversation they started by hand.
// Detection is process-table parsing: it survives crashed state directories
// and needs no cooperation from the agent.
package discovery

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// RunningSession describes one resumable agent process found on the host.
type RunningSession struct {
	Agent           string `json:"agent"` // claude or codex
	RunnerSessionID string `json:"runner_session_id"`
	Command         string `json:"command"`
}

const psTimeout = 5 * time.Second

// processLister abstracts the process table for tests. The default runs
// `ps axo args=`, one command line per row.
type processLister func(ctx context.Context) ([]string, error)

func psList(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, psTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ps", "axo", "args=").Output()
	if err != nil {
		return nil, err
	}
	return strings.Split(string(out), "\n"), nil
}

// Scanner inspects the host process table.
type Scanner struct {
	list processLister
}

// NewScanner creates a Scanner backed by ps.
func NewScanner() *Scanner {
	return &Scanner{list: psList}
}

// Running returns resumable agent sessions found in the process table.
// A host without ps, or a ps failure, yields an empty result rather than
// an error: discovery is best effort.
func (s *Scanner) Running(ctx context.Context) []RunningSession {
	lines, err := s.list(ctx)
	if err != nil {
		return nil
	}
	var found []RunningSession
	seen := make(map[string]bool)
	for _, line := range lines {
		rs, ok := parseCommandLine(line)
		if !ok || seen[rs.RunnerSessionID] {
			continue
		}
		seen[rs.RunnerSessionID] = true
		found = append(found, rs)
	}
	return found
}

// parseCommandLine extracts a resume id from one process command line.
// Recognized shapes: `claude --resume <uuid>` and `codex resume <uuid>`.
func parseCommandLine(line string) (RunningSession, bool) {
	fields := strings.Fields(line)
	for i, f := range fields {
		switch {
		case f == "--resume" && containsWord(fields, "claude"):
			if i+1 < len(fields) && looksLikeSessionID(fields[i+1]) {
				return RunningSession{
					Agent:           "claude",
					RunnerSessionID: fields[i+1],
					Command:         strings.TrimSpace(line),
				}, true
			}
		case f == "resume" && containsWord(fields, "codex"):
			if i+1 < len(fields) && looksLikeSessionID(fields[i+1]) {
				return RunningSession{
					Agent:           "codex",
					RunnerSessionID: fields[i+1],
					Command:         strings.TrimSpace(line),
				}, true
			}
		}
	}
	return RunningSession{}, false
}

func containsWord(fields []string, word string) bool {
	for _, f := range fields {
		if f == word || strings.HasSuffix(f, "/"+word) {
			return true
		}
	}
	return false
}

// looksLikeSessionID accepts UUID-shaped ids only; short tokens after a
// resume flag are usually other options, not session ids.
func looksLikeSessionID(s string) bool {
	return len(s) >= 32 && strings.Contains(s, "-")
}
