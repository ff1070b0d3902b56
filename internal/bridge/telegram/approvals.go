package telegram

import (
	"sync"
	"time"
)

// allowWindow is how long an Allow All or per-tool grant keeps
// auto-approving requests.
const allowWindow = 30 * time.Minute

// noticeFlushDelay batches auto-approval notices so a burst of tool calls
// produces one chat message instead of one per call.
const noticeFlushDelay = 2 * time.Second

// pendingApproval tracks an unanswered approval message in a topic.
type pendingApproval struct {
	SessionID string
	Title     string
	MessageID int64
}

// approvalState tracks pending approval requests, active auto-approve
// grants, and buffered auto-approval notices per session.
type approvalState struct {
	mu        sync.Mutex
	byRequest map[string]pendingApproval
	bySession map[string]string
	allowAll  map[string]time.Time
	allowTool map[string]map[string]time.Time
	notices   map[string][]string
}

func newApprovalState() *approvalState {
	return &approvalState{
		byRequest: map[string]pendingApproval{},
		bySession: map[string]string{},
		allowAll:  map[string]time.Time{},
		allowTool: map[string]map[string]time.Time{},
		notices:   map[string][]string{},
	}
}

func (a *approvalState) setPending(requestID string, p pendingApproval) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byRequest[requestID] = p
	a.bySession[p.SessionID] = requestID
}

// take removes and returns a pending approval. Resolving a request twice
// finds nothing the second time.
func (a *approvalState) take(requestID string) (pendingApproval, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.byRequest[requestID]
	if !ok {
		return pendingApproval{}, false
	}
	delete(a.byRequest, requestID)
	if a.bySession[p.SessionID] == requestID {
		delete(a.bySession, p.SessionID)
	}
	return p, true
}

// pendingFor returns the latest unanswered request for a session.
func (a *approvalState) pendingFor(sessionID string) (string, pendingApproval, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	requestID, ok := a.bySession[sessionID]
	if !ok {
		return "", pendingApproval{}, false
	}
	return requestID, a.byRequest[requestID], true
}

func (a *approvalState) grantAll(sessionID string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowAll[sessionID] = time.Now().Add(d)
}

func (a *approvalState) grantTool(sessionID, tool string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tools := a.allowTool[sessionID]
	if tools == nil {
		tools = map[string]time.Time{}
		a.allowTool[sessionID] = tools
	}
	tools[tool] = time.Now().Add(d)
}

// autoApproveReason reports whether an active grant covers the tool and
// names the grant. Expired grants are pruned as a side effect.
func (a *approvalState) autoApproveReason(sessionID, tool string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()

	if until, ok := a.allowAll[sessionID]; ok {
		if now.Before(until) {
			return "allow-all", true
		}
		delete(a.allowAll, sessionID)
	}
	if tools := a.allowTool[sessionID]; tools != nil {
		if until, ok := tools[tool]; ok {
			if now.Before(until) {
				return "allow " + tool, true
			}
			delete(tools, tool)
		}
	}
	return "", false
}

// addNotice buffers an auto-approval notice and reports whether this is the
// first one, meaning the caller should schedule a flush.
func (a *approvalState) addNotice(sessionID, line string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notices[sessionID] = append(a.notices[sessionID], line)
	return len(a.notices[sessionID]) == 1
}

func (a *approvalState) drainNotices(sessionID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	lines := a.notices[sessionID]
	delete(a.notices, sessionID)
	return lines
}

// clearSession drops all approval state for a removed session.
func (a *approvalState) clearSession(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requestID, ok := a.bySession[sessionID]; ok {
		delete(a.byRequest, requestID)
		delete(a.bySession, sessionID)
	}
	delete(a.allowAll, sessionID)
	delete(a.allowTool, sessionID)
	delete(a.notices, sessionID)
}
