// Package external exposes perch to agents it does not run itself: programs
// that register over REST or WebSocket, stream their own events in, and poll
// the log for operator input and approvals.
package external

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/httpmw"
	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/session/repository"
	"github.com/perchhq/perch/internal/session/service"
)

// Handlers serves the external-agent REST and WebSocket surfaces.
type Handlers struct {
	svc *service.Service
	log *logger.Logger
}

// NewHandlers creates the external-agent handler set.
func NewHandlers(svc *service.Service, log *logger.Logger) *Handlers {
	return &Handlers{
		svc: svc,
		log: log.WithFields(zap.String("component", "external")),
	}
}

// RegisterRoutes attaches the external surface to the router. The REST
// endpoints share the API bearer auth; the WebSocket endpoint authenticates
// the same way on upgrade.
func (h *Handlers) RegisterRoutes(router *gin.Engine, token string, devMode bool) {
	auth := httpmw.BearerAuth(token, devMode)

	api := router.Group("/api/external", auth)
	api.POST("/sessions", h.createSession)
	api.GET("/sessions", h.listSessions)
	api.POST("/sessions/:id/events", h.appendEvent)
	api.GET("/sessions/:id/events", h.pollEvents)

	router.GET("/external/ws", auth, h.serveWS)
}

type createSessionBody struct {
	AgentName      string         `json:"agent_name"`
	AgentType      string         `json:"agent_type,omitempty"`
	AgentIcon      string         `json:"agent_icon,omitempty"`
	AgentWorkspace string         `json:"agent_workspace,omitempty"`
	SessionName    string         `json:"session_name,omitempty"`
	Workdir        string         `json:"workdir,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (h *Handlers) createSession(c *gin.Context) {
	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondCode(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	sess, err := h.svc.RegisterExternalSession(c.Request.Context(), service.RegisterExternalRequest{
		AgentName:      body.AgentName,
		AgentType:      body.AgentType,
		AgentIcon:      body.AgentIcon,
		AgentWorkspace: body.AgentWorkspace,
		SessionName:    body.SessionName,
		Workdir:        body.Workdir,
		Metadata:       body.Metadata,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

func (h *Handlers) listSessions(c *gin.Context) {
	sessions, err := h.svc.ListExternalSessions(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type appendEventBody struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (h *Handlers) appendEvent(c *gin.Context) {
	var body appendEventBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Type == "" {
		respondCode(c, http.StatusBadRequest, "VALIDATION_ERROR", "event type is required")
		return
	}
	ev, err := h.svc.AppendExternalEvent(c.Request.Context(), c.Param("id"), body.Type, body.Payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "seq": ev.Seq})
}

// pollEvents is how an external agent receives the human side of the
// conversation: replies arrive as human_input events, approvals as
// approval_response events.
func (h *Handlers) pollEvents(c *gin.Context) {
	sinceSeq := int64(0)
	if raw := c.Query("since_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			respondCode(c, http.StatusBadRequest, "VALIDATION_ERROR", "since_seq must be a non-negative integer")
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
	events, err := h.svc.Events(c.Request.Context(), c.Param("id"), sinceSeq, types)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func respondCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	switch {
	case isNotFoundErr(err):
		respondCode(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case isStateErr(err):
		respondCode(c, http.StatusConflict, "INVALID_STATE", err.Error())
	case isValidationErr(err):
		respondCode(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
	default:
		h.log.Error("external request failed", zap.String("path", c.FullPath()), zap.Error(err))
		respondCode(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func isNotFoundErr(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}

func isStateErr(err error) bool {
	return errors.Is(err, service.ErrNotExternal)
}

func isValidationErr(err error) bool {
	return errors.Is(err, service.ErrAgentRequired) ||
		errors.Is(err, service.ErrUnknownEvent) ||
		errors.Is(err, service.ErrEventForbidden)
}
