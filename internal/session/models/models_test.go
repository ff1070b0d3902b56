package models

import (
	"strings"
	"testing"
)

func TestStateTerminal(t *testing.T) {
	tests := []struct {
		state    State
		terminal bool
	}{
		{StateCreated, false},
		{StateRunning, false},
		{StateAwaitingInput, false},
		{StateInterrupting, false},
		{StateStopping, false},
		{StateStopped, true},
		{StateError, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		allowed bool
	}{
		{"created to running", StateCreated, StateRunning, true},
		{"created to awaiting input", StateCreated, StateAwaitingInput, false},
		{"created to stopping", StateCreated, StateStopping, false},
		{"running to awaiting input", StateRunning, StateAwaitingInput, true},
		{"awaiting input back to running", StateAwaitingInput, StateRunning, true},
		{"running to interrupting", StateRunning, StateInterrupting, true},
		{"awaiting input to interrupting", StateAwaitingInput, StateInterrupting, true},
		{"running to stopping", StateRunning, StateStopping, true},
		{"awaiting input to stopping", StateAwaitingInput, StateStopping, true},
		{"interrupting to stopped", StateInterrupting, StateStopped, true},
		{"interrupting to stopping", StateInterrupting, StateStopping, true},
		{"stopping to stopped", StateStopping, StateStopped, true},
		{"running directly to stopped", StateRunning, StateStopped, false},
		{"stopping back to running", StateStopping, StateRunning, false},
		{"stopped to running", StateStopped, StateRunning, false},
		{"stopped to error", StateStopped, StateError, false},
		{"error to stopped", StateError, StateStopped, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.allowed {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestAnyNonTerminalCanError(t *testing.T) {
	for _, from := range []State{StateCreated, StateRunning, StateAwaitingInput, StateInterrupting, StateStopping} {
		if !from.CanTransition(StateError) {
			t.Errorf("expected %s -> ERROR to be allowed", from)
		}
	}
}

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	if !strings.HasPrefix(id, "sess_") {
		t.Errorf("expected sess_ prefix, got %s", id)
	}
	if len(id) != len("sess_")+12 {
		t.Errorf("expected 12 hex chars after prefix, got %s", id)
	}
	if id == NewSessionID() {
		t.Error("expected unique IDs on consecutive calls")
	}
}

func TestExternal(t *testing.T) {
	s := &Session{ID: NewSessionID()}
	if s.External() {
		t.Error("session without agent_id should not be external")
	}
	s.AgentID = "agent-1"
	if !s.External() {
		t.Error("session with agent_id should be external")
	}
}
