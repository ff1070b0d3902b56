package httpapi

import (
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/perchhq/perch/internal/discovery"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"version":  Version,
		"protocol": Protocol,
	})
}

// checkDirectory probes an operator-typed path before session creation, so
// the UI can flag typos and show whether a git checkout lives there.
func (s *Server) checkDirectory(c *gin.Context) {
	raw := c.Query("path")
	if raw == "" {
		respondCode(c, http.StatusBadRequest, CodeValidation, "path is required")
		return
	}

	path := raw
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = filepath.Clean(abs)
	}

	info, err := os.Stat(path)
	exists := err == nil && info.IsDir()
	isGit := false
	if exists {
		_, gitErr := os.Stat(filepath.Join(path, ".git"))
		isGit = gitErr == nil
	}

	c.JSON(http.StatusOK, gin.H{
		"path":   path,
		"exists": exists,
		"is_git": isGit,
	})
}

// checkDeps reports which adapter prerequisites are present on this host.
// Purely advisory: adapters fail with their own errors when something is
// missing at start time.
func (s *Server) checkDeps(c *gin.Context) {
	deps := make(map[string]bool)
	for _, bin := range []string{"claude", "codex", "node", "git", "docker"} {
		_, err := exec.LookPath(bin)
		deps[bin] = err == nil
	}
	c.JSON(http.StatusOK, gin.H{"deps": deps})
}

func (s *Server) discoverRunning(c *gin.Context) {
	running := discovery.NewScanner().Running(c.Request.Context())
	if running == nil {
		running = []discovery.RunningSession{}
	}
	c.JSON(http.StatusOK, gin.H{"running": running})
}

// clearData wipes every session. Only reachable in dev mode; production
// deployments get a 404 as if the route did not exist.
func (s *Server) clearData(c *gin.Context) {
	if !s.cfg.Auth.DevMode {
		respondCode(c, http.StatusNotFound, CodeNotFound, "not found")
		return
	}
	removed, err := s.svc.ClearAllData(c.Request.Context())
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "removed": removed})
}
