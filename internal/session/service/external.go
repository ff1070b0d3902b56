package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/events"
	"github.com/perchhq/perch/internal/session/models"
)

// External-agent operation errors.
var (
	ErrAgentRequired  = errors.New("agent name is required")
	ErrNotExternal    = errors.New("session does not belong to an external agent")
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrEventForbidden = errors.New("event type is reserved for the server")
)

// externalEventTypes lists the event types external agents may append. The
// session_state, human_input, and approval flow types stay server-owned so
// an agent cannot forge operator actions or state transitions.
var externalEventTypes = map[models.EventType]bool{
	models.EventOutput:      true,
	models.EventOutputFinal: true,
	models.EventMetadata:    true,
	models.EventHeartbeat:   true,
	models.EventError:       true,
}

// RegisterExternalRequest describes an externally hosted agent opening a
// supervised session. AgentID is assigned by the caller (the WS handler keeps
// it stable across sessions on one connection).
type RegisterExternalRequest struct {
	AgentID        string         `json:"agent_id,omitempty"`
	AgentName      string         `json:"agent_name"`
	AgentType      string         `json:"agent_type,omitempty"`
	AgentIcon      string         `json:"agent_icon,omitempty"`
	AgentWorkspace string         `json:"agent_workspace,omitempty"`
	SessionName    string         `json:"session_name,omitempty"`
	Workdir        string         `json:"workdir,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// RegisterExternalSession creates a session for an external agent. External
// sessions are born RUNNING: the agent is already executing and perch only
// observes it, so CREATED would misreport a session nobody can start.
func (s *Service) RegisterExternalSession(ctx context.Context, req RegisterExternalRequest) (*models.Session, error) {
	name := strings.TrimSpace(req.AgentName)
	if name == "" {
		return nil, ErrAgentRequired
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = "agent_" + models.NewSessionID()[len("sess_"):]
	}

	sess := &models.Session{
		Name:           normalizeName(req.SessionName),
		RepoID:         "external",
		AgentID:        agentID,
		AgentName:      name,
		AgentType:      req.AgentType,
		AgentIcon:      req.AgentIcon,
		AgentWorkspace: req.AgentWorkspace,
		Metadata:       req.Metadata,
	}
	if sess.Name == "" {
		sess.Name = normalizeName(name)
	}
	if dir := strings.TrimSpace(req.Workdir); dir != "" {
		// External workdirs are informational; the agent owns them and they
		// may live on another machine, so no existence probe and never managed.
		sess.Workdir = dir
		sess.AgentWorkspace = dir
	}

	created, err := s.store.CreateSession(ctx, sess)
	if err != nil {
		s.log.Error("failed to create external session", zap.Error(err))
		return nil, err
	}
	if created, err = s.store.UpdateState(ctx, created.ID, models.StateRunning); err != nil {
		return nil, err
	}

	s.publish(ctx, created.ID, events.AgentRegistered, map[string]any{
		"session_id": created.ID,
		"agent_id":   agentID,
		"agent_name": name,
	})
	s.log.Info("external session registered",
		zap.String("session_id", created.ID),
		zap.String("agent_id", agentID),
		zap.String("agent_name", name))
	return created, nil
}

// ListExternalSessions returns sessions owned by external agents.
func (s *Service) ListExternalSessions(ctx context.Context) ([]*models.Session, error) {
	all, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Session, 0, len(all))
	for _, sess := range all {
		if sess.External() {
			out = append(out, sess)
		}
	}
	return out, nil
}

// AppendExternalEvent accepts one event from an external agent and feeds it
// into the session's ordered stream. Error events additionally drive the
// ERROR transition, matching what a runner-reported failure would do.
func (s *Service) AppendExternalEvent(ctx context.Context, sessionID string, typ string, payload map[string]any) (models.Event, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Event{}, err
	}
	if !sess.External() {
		return models.Event{}, ErrNotExternal
	}

	eventType := models.EventType(typ)
	if !externalEventTypes[eventType] {
		switch eventType {
		case models.EventSessionState, models.EventHumanInput,
			models.EventApprovalResponse, models.EventPermissionRequest,
			models.EventPermissionResolved, models.EventAgentDisconnected:
			return models.Event{}, ErrEventForbidden
		default:
			return models.Event{}, ErrUnknownEvent
		}
	}

	ev, err := s.store.Emit(ctx, sessionID, eventType, payload)
	if err != nil {
		return models.Event{}, err
	}
	s.store.TouchActivity(ctx, sessionID)

	if eventType == models.EventError && !sess.State.Terminal() {
		if _, terr := s.store.UpdateState(ctx, sessionID, models.StateError); terr != nil {
			s.log.Warn("failed to transition external session to error",
				zap.String("session_id", sessionID),
				zap.Error(terr))
		}
	}
	return ev, nil
}

// MarkAgentDisconnected records that the agent's connection dropped. The
// session keeps its state; the synthetic event tells subscribers the live
// feed went quiet.
func (s *Service) MarkAgentDisconnected(ctx context.Context, sessionID string) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	if _, err := s.store.Emit(ctx, sessionID, models.EventAgentDisconnected, map[string]any{
		"agent_id": sess.AgentID,
	}); err != nil {
		s.log.Warn("failed to emit agent disconnect",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	s.publish(ctx, sessionID, events.AgentDisconnected, map[string]any{
		"session_id": sessionID,
		"agent_id":   sess.AgentID,
	})
}

// BindPlatform records a chat-thread binding on the session. The HTTP layer
// creates the thread through the bridge manager first and persists the
// result here.
func (s *Service) BindPlatform(ctx context.Context, sessionID, platform, threadID string) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Platform = platform
	sess.ThreadID = threadID
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		s.log.Error("failed to bind platform",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil, err
	}
	s.log.Info("session bound to platform",
		zap.String("session_id", sessionID),
		zap.String("platform", platform),
		zap.String("thread_id", threadID))
	return sess, nil
}

// ClearAllData wipes every session, transcript, and event log. Dev-mode
// debug surface only; live backends are stopped best effort first.
func (s *Service) ClearAllData(ctx context.Context) (int, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sess := range sessions {
		if !sess.State.Terminal() && !sess.External() && s.runners != nil {
			if rn, rerr := s.runners.Get(sess.Adapter); rerr == nil {
				stopCtx, cancel := context.WithTimeout(ctx, s.stopTimeout)
				_, _ = rn.Stop(stopCtx, sess.ID)
				cancel()
			}
		}
		if err := s.store.DeleteSession(ctx, sess.ID); err != nil {
			s.log.Warn("failed to delete session during wipe",
				zap.String("session_id", sess.ID),
				zap.Error(err))
			continue
		}
		removed++
	}
	s.log.Info("all session data cleared", zap.Int("removed", removed))
	return removed, nil
}
