package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/perchhq/perch/internal/runner"
	"github.com/perchhq/perch/internal/session/models"
	"github.com/perchhq/perch/internal/session/service"
)

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.svc.List(c.Request.Context())
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type createSessionBody struct {
	RepoID    string         `json:"repo_id,omitempty"`
	Directory string         `json:"directory,omitempty"`
	Adapter   string         `json:"adapter,omitempty"`
	Name      string         `json:"session_name,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (s *Server) createSession(c *gin.Context) {
	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondCode(c, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	sess, err := s.svc.Create(c.Request.Context(), service.CreateSessionRequest{
		Name:      body.Name,
		Directory: body.Directory,
		RepoID:    body.RepoID,
		Adapter:   body.Adapter,
		Metadata:  body.Metadata,
	})
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type startSessionBody struct {
	Prompt         string `json:"prompt,omitempty"`
	ApprovalChoice *int   `json:"approval_choice,omitempty"`
}

func (s *Server) startSession(c *gin.Context) {
	var body startSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondCode(c, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	// An omitted approval_choice means acceptEdits; an explicit invalid value
	// is rejected by the service.
	choice := runner.ApprovalAcceptEdits
	if body.ApprovalChoice != nil {
		choice = *body.ApprovalChoice
	}
	sess, err := s.svc.Start(c.Request.Context(), c.Param("id"), service.StartSessionRequest{
		Prompt:         body.Prompt,
		ApprovalChoice: choice,
	})
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

type inputBody struct {
	Text string `json:"text"`
}

func (s *Server) sessionInput(c *gin.Context) {
	var body inputBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondCode(c, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	sess, err := s.svc.Input(c.Request.Context(), c.Param("id"), body.Text)
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Server) stopSession(c *gin.Context) {
	sess, err := s.svc.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Server) interruptSession(c *gin.Context) {
	sess, err := s.svc.Interrupt(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

type permissionBody struct {
	RequestID string `json:"request_id"`
	Allow     bool   `json:"allow"`
	Message   string `json:"message,omitempty"`
	Option    string `json:"option_selected,omitempty"`
	By        string `json:"resolved_by,omitempty"`
}

func (s *Server) resolvePermission(c *gin.Context) {
	var body permissionBody
	if err := c.ShouldBindJSON(&body); err != nil || body.RequestID == "" {
		respondCode(c, http.StatusBadRequest, CodeValidation, "request_id is required")
		return
	}
	resolved, err := s.svc.ResolvePermission(c.Request.Context(), c.Param("id"), body.RequestID, models.PermissionDecision{
		Allowed:    body.Allow,
		Message:    body.Message,
		Option:     body.Option,
		ResolvedBy: body.By,
	})
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	if !resolved {
		respondCode(c, http.StatusNotFound, CodeNotFound, "permission request unknown or already resolved")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) pendingPermissions(c *gin.Context) {
	pending, err := s.svc.PendingPermissions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"permissions": pending})
}

type approvalModeBody struct {
	ApprovalMode string `json:"approval_mode"`
}

func (s *Server) setApprovalMode(c *gin.Context) {
	var body approvalModeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondCode(c, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	sess, err := s.svc.SetApprovalMode(c.Request.Context(), c.Param("id"), body.ApprovalMode)
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

type renameBody struct {
	Name string `json:"name"`
}

func (s *Server) renameSession(c *gin.Context) {
	var body renameBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondCode(c, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	sess, err := s.svc.Rename(c.Request.Context(), c.Param("id"), body.Name)
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Server) sessionEvents(c *gin.Context) {
	sinceSeq := int64(0)
	if raw := c.Query("since_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			respondCode(c, http.StatusBadRequest, CodeValidation, "since_seq must be a non-negative integer")
			return
		}
		sinceSeq = parsed
	}
	var types []string
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}
	events, err := s.svc.Events(c.Request.Context(), c.Param("id"), sinceSeq, types)
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) sessionMessages(c *gin.Context) {
	messages, err := s.svc.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	if raw := c.Query("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 && limit < len(messages) {
			messages = messages[len(messages)-limit:]
		}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) sessionUsage(c *gin.Context) {
	usage, err := s.svc.Usage(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": usage})
}

func (s *Server) sessionDiff(c *gin.Context) {
	diff, err := s.svc.Diff(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

type bindBridgeBody struct {
	Platform string `json:"platform"`
}

// bindBridge attaches a session to a chat platform: the bridge creates a
// thread, the binding is persisted, and the fanout subscriber starts its
// consume loop. Bridges themselves call this endpoint on !attach.
func (s *Server) bindBridge(c *gin.Context) {
	var body bindBridgeBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Platform == "" {
		respondCode(c, http.StatusBadRequest, CodeValidation, "platform is required")
		return
	}
	if s.bridges == nil || s.fanout == nil {
		respondCode(c, http.StatusUnprocessableEntity, CodeValidation, "no bridges configured")
		return
	}

	sess, err := s.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, s.log, err)
		return
	}

	name := sess.Name
	if name == "" {
		name = sess.ID
	}
	thread, err := s.bridges.CreateThread(c.Request.Context(), body.Platform, sess.ID, name)
	if err != nil {
		respondError(c, s.log, err)
		return
	}

	sess, err = s.svc.BindPlatform(c.Request.Context(), sess.ID, thread.Platform, thread.ThreadID)
	if err != nil {
		respondError(c, s.log, err)
		return
	}
	s.fanout.Subscribe(sess.ID, thread.Platform)

	c.JSON(http.StatusOK, gin.H{"session": sess})
}
