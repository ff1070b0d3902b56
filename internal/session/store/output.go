package store

import (
	"regexp"
	"strings"
)

const recentOutputDepth = 10

var (
	ansiEscapes = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// normalizeOutput strips ANSI escape sequences and collapses whitespace so
// that reflowed or recolored repeats of the same text compare equal.
func normalizeOutput(text string) string {
	text = ansiEscapes.ReplaceAllString(text, "")
	text = whitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// ShouldEmitOutput reports whether an output chunk is worth emitting. Blank
// output and text that matches one of the last few emitted chunks (after
// normalization) are suppressed. When it returns true the caller emits the
// original text, not the normalized form.
func (s *Store) ShouldEmitOutput(sessionID, text string) bool {
	norm := normalizeOutput(text)
	if norm == "" {
		return false
	}
	rt := s.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, prev := range rt.recent {
		if prev == norm {
			return false
		}
	}
	rt.recent = append(rt.recent, norm)
	if len(rt.recent) > recentOutputDepth {
		rt.recent = rt.recent[len(rt.recent)-recentOutputDepth:]
	}
	return true
}
