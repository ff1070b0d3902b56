package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/session/models"
	"github.com/perchhq/perch/internal/session/store"
)

// Subscriber runs one consume loop per platform-bound session,
// translating the session's event stream into bridge calls.
//
// Only a narrow slice of the stream reaches chat: completed output
// blocks, approval prompts, typing signals, and error statuses.
// Replayed events (payloads carrying is_history) produce no bridge
// side effects. A failing bridge call never stops the loop.
type Subscriber struct {
	store   *store.Store
	manager *Manager
	log     *logger.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// run tracks one active consume loop.
type run struct {
	platform string
	subID    string
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSubscriber returns a subscriber with no active loops.
func NewSubscriber(st *store.Store, mgr *Manager, log *logger.Logger) *Subscriber {
	return &Subscriber{
		store:   st,
		manager: mgr,
		log:     log,
		runs:    make(map[string]*run),
	}
}

// Subscribe binds a session to a platform and starts its consume loop.
// Subscribing an already-bound session is a no-op; the existing loop
// keeps running.
func (s *Subscriber) Subscribe(sessionID, platform string) {
	s.mu.Lock()
	if _, ok := s.runs[sessionID]; ok {
		s.mu.Unlock()
		return
	}
	subID, ch := s.store.NewSubscriber(sessionID)
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		platform: platform,
		subID:    subID,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.runs[sessionID] = r
	s.mu.Unlock()

	s.log.Info("bridge subscriber started",
		zap.String("session_id", sessionID),
		zap.String("platform", platform))
	go s.consume(ctx, sessionID, r, ch)
}

// Unsubscribe stops the session's consume loop and waits for it to
// finish. When notify is set the platform is told the session is gone.
// Unknown sessions are ignored.
func (s *Subscriber) Unsubscribe(sessionID string, notify bool) {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	if ok {
		delete(s.runs, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	<-r.done
	if notify {
		s.manager.RouteSessionRemoved(context.Background(), r.platform, sessionID)
	}
}

// Subscribed reports whether the session has an active consume loop.
func (s *Subscriber) Subscribed(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[sessionID]
	return ok
}

// Close stops every consume loop and waits for them to finish.
func (s *Subscriber) Close() {
	s.mu.Lock()
	runs := s.runs
	s.runs = make(map[string]*run)
	s.mu.Unlock()
	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		<-r.done
	}
}

func (s *Subscriber) consume(ctx context.Context, sessionID string, r *run, ch <-chan models.Event) {
	defer close(r.done)
	defer s.store.RemoveSubscriber(sessionID, r.subID)
	defer s.drop(sessionID, r)

	if _, ok := s.manager.Get(r.platform); !ok {
		s.log.Warn("no bridge registered, stopping subscriber",
			zap.String("session_id", sessionID),
			zap.String("platform", r.platform))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				// The store closed the queue: the session was deleted.
				s.manager.RouteSessionRemoved(context.Background(), r.platform, sessionID)
				return
			}
			s.dispatch(ctx, sessionID, r.platform, ev)
		}
	}
}

// drop removes the run from tracking unless a newer loop replaced it.
func (s *Subscriber) drop(sessionID string, r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[sessionID] == r {
		delete(s.runs, sessionID)
	}
}

// dispatch maps one event to at most one bridge call.
func (s *Subscriber) dispatch(ctx context.Context, sessionID, platform string, ev models.Event) {
	if hist, _ := ev.Payload["is_history"].(bool); hist {
		return
	}
	switch ev.Type {
	case models.EventOutput:
		// Only completed blocks reach chat. Partial output and the
		// output_final duplicate stay on the UI stream.
		text, _ := ev.Payload["text"].(string)
		final, _ := ev.Payload["final"].(bool)
		if text == "" || !final {
			return
		}
		s.manager.RouteOutput(ctx, platform, sessionID, text)
	case models.EventPermissionRequest:
		s.manager.RouteApproval(ctx, platform, sessionID, approvalFromEvent(ev))
	case models.EventSessionState:
		state, _ := ev.Payload["state"].(string)
		switch models.State(state) {
		case models.StateRunning:
			s.manager.RouteTyping(ctx, platform, sessionID)
		case models.StateError:
			s.manager.RouteStatus(ctx, platform, sessionID, "error", nil)
		}
	case models.EventError:
		msg, _ := ev.Payload["message"].(string)
		if msg == "" {
			msg = "Unknown error"
		}
		s.manager.RouteStatus(ctx, platform, sessionID, "error", map[string]any{"message": msg})
	}
}

// approvalFromEvent renders a permission_request event into the prompt
// a platform shows. Missing tool names fall back to a generic title.
func approvalFromEvent(ev models.Event) ApprovalRequest {
	reqID, _ := ev.Payload["request_id"].(string)
	title, _ := ev.Payload["tool_name"].(string)
	if title == "" {
		title = "Permission request"
	}
	return ApprovalRequest{
		RequestID:   reqID,
		Title:       title,
		Description: describeInput(ev.Payload["tool_input"]),
		Options:     []string{"Allow", "Deny"},
		TimeoutS:    DefaultApprovalTimeoutS,
	}
}

func describeInput(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}
