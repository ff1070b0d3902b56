package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/bridge"
	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/runner"
	"github.com/perchhq/perch/internal/session/repository"
	"github.com/perchhq/perch/internal/session/service"
	"github.com/perchhq/perch/internal/session/store"
)

// Error codes carried in the response envelope.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeInvalidState = "INVALID_STATE"
	CodeInternal     = "INTERNAL_ERROR"
)

// errorBody is the envelope every failed request returns.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func respondCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// respondError maps service errors onto the HTTP edge. Sentinels decide the
// status; anything unrecognized is logged and returned as a 500 with a
// stable shape.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		respondCode(c, http.StatusNotFound, CodeNotFound, err.Error())
	case isStateError(err):
		respondCode(c, http.StatusConflict, CodeInvalidState, err.Error())
	case isValidationError(err):
		respondCode(c, http.StatusUnprocessableEntity, CodeValidation, err.Error())
	default:
		log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		respondCode(c, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

func isStateError(err error) bool {
	return errors.Is(err, service.ErrSessionActive) ||
		errors.Is(err, service.ErrNotCreated) ||
		errors.Is(err, service.ErrNotRunning) ||
		errors.Is(err, service.ErrNotExternal) ||
		errors.Is(err, store.ErrInvalidTransition)
}

func isValidationError(err error) bool {
	return errors.Is(err, service.ErrTextRequired) ||
		errors.Is(err, service.ErrNameRequired) ||
		errors.Is(err, service.ErrDirectoryInvalid) ||
		errors.Is(err, service.ErrApprovalChoice) ||
		errors.Is(err, service.ErrPermissionMode) ||
		errors.Is(err, service.ErrAgentRequired) ||
		errors.Is(err, service.ErrUnknownEvent) ||
		errors.Is(err, service.ErrEventForbidden) ||
		errors.Is(err, runner.ErrUnknownAdapter) ||
		errors.Is(err, bridge.ErrUnknownPlatform)
}
