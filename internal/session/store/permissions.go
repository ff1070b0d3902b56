package store

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/session/models"
)

// pendingPermission is a one-shot future for an approval request. The channel
// is buffered so resolution never blocks, even with no waiter attached.
type pendingPermission struct {
	req   models.ApprovalRequest
	ch    chan models.PermissionDecision
	timer *time.Timer
}

func (p *pendingPermission) resolve(d models.PermissionDecision) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- d
}

// RegisterPermission records a pending approval request and returns the
// channel that will receive exactly one decision. A timer denies the request
// automatically if nobody resolves it within the configured timeout.
func (s *Store) RegisterPermission(sessionID string, req models.ApprovalRequest) <-chan models.PermissionDecision {
	rt := s.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = models.Now()
	}
	p := &pendingPermission{
		req: req,
		ch:  make(chan models.PermissionDecision, 1),
	}
	rt.pending[req.ID] = p
	p.timer = time.AfterFunc(s.opts.PermissionTimeout, func() {
		if s.ResolvePermission(sessionID, req.ID, models.PermissionDecision{Allowed: false, Reason: "timeout"}) {
			s.log.Info("permission request timed out",
				zap.String("session_id", sessionID),
				zap.String("request_id", req.ID))
		}
	})
	return p.ch
}

// ResolvePermission delivers a decision to a pending request. The first
// resolution wins; the entry is removed, so a second attempt reports false
// and the caller can surface that the request is gone.
func (s *Store) ResolvePermission(sessionID, requestID string, d models.PermissionDecision) bool {
	rt := s.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	p, ok := rt.pending[requestID]
	if !ok {
		return false
	}
	delete(rt.pending, requestID)
	p.resolve(d)
	return true
}

// PendingPermissions lists a session's unresolved approval requests, oldest
// first.
func (s *Store) PendingPermissions(sessionID string) []models.ApprovalRequest {
	rt := s.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]models.ApprovalRequest, 0, len(rt.pending))
	for _, p := range rt.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
