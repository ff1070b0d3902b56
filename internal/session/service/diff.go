package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/perchhq/perch/internal/session/models"
)

// DiffResult carries the raw combined diff plus the per-file breakdown.
type DiffResult struct {
	Diff  string            `json:"diff"`
	Files []models.FileDiff `json:"files"`
}

// sampleDiff is returned for sessions without a git workdir so diff
// consumers always have a well-formed payload to render.
const sampleDiff = `diff --git a/README.md b/README.md
index 83db48f..bf269f4 100644
--- a/README.md
+++ b/README.md
@@ -1,3 +1,4 @@
 # Project

-Old introduction line.
+New introduction line.
+Changes made by the agent show up here once the workdir is a git checkout.
`

// Diff reports working tree changes in a session's workdir, compared against
// HEAD so staged and unstaged edits both show. Untracked files are rendered
// as all-additions patches.
func (s *Service) Diff(ctx context.Context, id string) (*DiffResult, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Workdir != "" && sess.IsGit {
		return gitWorkdirDiff(ctx, sess.Workdir)
	}
	return &DiffResult{Diff: sampleDiff, Files: parseUnifiedDiff(sampleDiff)}, nil
}

type porcelainEntry struct {
	code string
	path string
}

func gitWorkdirDiff(ctx context.Context, dir string) (*DiffResult, error) {
	statusOut, err := runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	entries := parsePorcelain(statusOut)
	if len(entries) == 0 {
		return &DiffResult{Diff: "", Files: []models.FileDiff{}}, nil
	}

	base := "HEAD"
	counts, err := numstat(ctx, dir, base)
	if err != nil {
		// A repository without commits has no HEAD to diff against.
		base = ""
		counts, _ = numstat(ctx, dir, base)
	}

	var raw strings.Builder
	files := make([]models.FileDiff, 0, len(entries))
	for _, entry := range entries {
		fd := models.FileDiff{Path: entry.path, Status: statusFromCode(entry.code)}
		if fd.Status == "untracked" {
			fd.Patch, fd.Additions = untrackedPatch(dir, entry.path)
		} else {
			if c, ok := counts[entry.path]; ok {
				fd.Additions, fd.Deletions = c[0], c[1]
			}
			args := []string{"diff"}
			if base != "" {
				args = append(args, base)
			}
			args = append(args, "--", entry.path)
			if patch, perr := runGit(ctx, dir, args...); perr == nil {
				fd.Patch = patch
			}
		}
		if fd.Patch != "" {
			raw.WriteString(fd.Patch)
			if !strings.HasSuffix(fd.Patch, "\n") {
				raw.WriteByte('\n')
			}
		}
		files = append(files, fd)
	}
	return &DiffResult{Diff: raw.String(), Files: files}, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}

// parsePorcelain reads `git status --porcelain` lines into status code and
// path pairs. Renames keep the new name.
func parsePorcelain(out string) []porcelainEntry {
	var entries []porcelainEntry
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		code := line[:2]
		path := strings.TrimSpace(line[3:])
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		path = strings.Trim(path, `"`)
		entries = append(entries, porcelainEntry{code: code, path: path})
	}
	return entries
}

func statusFromCode(code string) string {
	switch {
	case code == "??":
		return "untracked"
	case strings.Contains(code, "A"):
		return "added"
	case strings.Contains(code, "D"):
		return "deleted"
	case strings.Contains(code, "R"):
		return "renamed"
	default:
		return "modified"
	}
}

// numstat returns additions and deletions per path. Binary files report "-"
// in numstat and count as zero.
func numstat(ctx context.Context, dir, base string) (map[string][2]int, error) {
	args := []string{"diff", "--numstat"}
	if base != "" {
		args = append(args, base)
	}
	out, err := runGit(ctx, dir, args...)
	if err != nil {
		return nil, err
	}
	counts := make(map[string][2]int)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 3 {
			continue
		}
		additions, _ := strconv.Atoi(parts[0])
		deletions, _ := strconv.Atoi(parts[1])
		counts[parts[2]] = [2]int{additions, deletions}
	}
	return counts, nil
}

// untrackedPatch synthesizes an all-additions patch for a file git does not
// track yet.
func untrackedPatch(dir, path string) (string, int) {
	data, err := os.ReadFile(filepath.Join(dir, path))
	if err != nil {
		return "", 0
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return fmt.Sprintf("diff --git a/%s b/%s\nBinary file %s added\n", path, path, path), 0
	}

	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", path, path)
	b.WriteString("new file mode 100644\nindex 0000000..0000000\n--- /dev/null\n")
	fmt.Fprintf(&b, "+++ b/%s\n", path)

	content := strings.TrimSuffix(string(data), "\n")
	if content == "" && len(data) == 0 {
		b.WriteString("@@ -0,0 +0,0 @@\n")
		return b.String(), 0
	}
	lines := strings.Split(content, "\n")
	fmt.Fprintf(&b, "@@ -0,0 +1,%d @@\n", len(lines))
	for _, line := range lines {
		b.WriteString("+" + line + "\n")
	}
	return b.String(), len(lines)
}

// parseUnifiedDiff splits a unified diff into per-file entries with addition
// and deletion counts.
func parseUnifiedDiff(raw string) []models.FileDiff {
	var files []models.FileDiff
	var cur *models.FileDiff
	var patch strings.Builder

	flush := func() {
		if cur != nil {
			cur.Patch = patch.String()
			files = append(files, *cur)
		}
		patch.Reset()
	}

	for _, line := range strings.Split(strings.TrimSuffix(raw, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			cur = &models.FileDiff{Path: pathFromDiffHeader(line), Status: "modified"}
		case cur == nil:
			continue
		case strings.HasPrefix(line, "new file mode"):
			cur.Status = "added"
		case strings.HasPrefix(line, "deleted file mode"):
			cur.Status = "deleted"
		case strings.HasPrefix(line, "rename to "):
			cur.Status = "renamed"
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			cur.Additions++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			cur.Deletions++
		}
		if cur != nil {
			patch.WriteString(line)
			patch.WriteByte('\n')
		}
	}
	flush()
	return files
}

func pathFromDiffHeader(line string) string {
	if i := strings.Index(line, " b/"); i >= 0 {
		return line[i+3:]
	}
	return ""
}
