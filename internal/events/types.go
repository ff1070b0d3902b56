// Package events provides event types and utilities for the Perch event system.
//
// The bus carries coarse lifecycle notifications between components. The
// fine-grained per-session event stream (output, heartbeats, approvals) lives
// in the session store and its subscriber channels, not here.
package events

// Event types for session lifecycle
const (
	SessionCreated      = "session.created"
	SessionStateChanged = "session.state_changed"
	SessionRenamed      = "session.renamed"
	SessionDeleted      = "session.deleted"
)

// Event types for external agents
const (
	AgentRegistered   = "agent.registered"
	AgentDisconnected = "agent.disconnected"
)

const sessionLifecycle = "session.lifecycle"

// BuildSessionLifecycleSubject creates a lifecycle subject for a specific session
func BuildSessionLifecycleSubject(sessionID string) string {
	return sessionLifecycle + "." + sessionID
}

// BuildSessionLifecycleWildcardSubject creates a wildcard subscription for all session lifecycle events
func BuildSessionLifecycleWildcardSubject() string {
	return sessionLifecycle + ".*"
}

const agentLifecycle = "agent.lifecycle"

// BuildAgentLifecycleSubject creates a lifecycle subject for a specific external agent
func BuildAgentLifecycleSubject(agentID string) string {
	return agentLifecycle + "." + agentID
}

// BuildAgentLifecycleWildcardSubject creates a wildcard subscription for all agent lifecycle events
func BuildAgentLifecycleWildcardSubject() string {
	return agentLifecycle + ".*"
}
