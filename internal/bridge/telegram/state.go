package telegram

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// topicBinding records the forum topic that mirrors a session.
type topicBinding struct {
	TopicID int64  `json:"topic_id"`
	Name    string `json:"name"`
}

// botState is the JSON document persisted across restarts. Keeping the
// control topic, the session to topic map, and the paired users on disk means
// a restart does not orphan the forum topics Telegram already shows.
type botState struct {
	ControlTopicID int64                   `json:"control_topic_id,omitempty"`
	Sessions       map[string]topicBinding `json:"sessions"`
	PairedUsers    []int64                 `json:"paired_users,omitempty"`
}

// stateManager guards botState behind a mutex and writes the file back on
// every mutation.
type stateManager struct {
	mu    sync.Mutex
	path  string
	state botState
}

func newStateManager(path string) (*stateManager, error) {
	m := &stateManager{
		path:  path,
		state: botState{Sessions: map[string]topicBinding{}},
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *stateManager) load() error {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading telegram state: %w", err)
	}
	var s botState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parsing telegram state %s: %w", m.path, err)
	}
	if s.Sessions == nil {
		s.Sessions = map[string]topicBinding{}
	}
	m.state = s
	return nil
}

// save writes the state file. Callers must hold m.mu.
func (m *stateManager) save() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0o600)
}

func (m *stateManager) controlTopic() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ControlTopicID
}

func (m *stateManager) setControlTopic(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ControlTopicID = id
	return m.save()
}

func (m *stateManager) topicFor(sessionID string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.state.Sessions[sessionID]
	return b.TopicID, ok
}

func (m *stateManager) binding(sessionID string) (topicBinding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.state.Sessions[sessionID]
	return b, ok
}

func (m *stateManager) sessionFor(topicID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.state.Sessions {
		if b.TopicID == topicID {
			return id, true
		}
	}
	return "", false
}

func (m *stateManager) bindTopic(sessionID string, topicID int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Sessions[sessionID] = topicBinding{TopicID: topicID, Name: name}
	return m.save()
}

func (m *stateManager) removeSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.Sessions[sessionID]; !ok {
		return nil
	}
	delete(m.state.Sessions, sessionID)
	return m.save()
}

// topicNames returns the set of topic names currently in use.
func (m *stateManager) topicNames() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make(map[string]bool, len(m.state.Sessions))
	for _, b := range m.state.Sessions {
		names[b.Name] = true
	}
	return names
}

func (m *stateManager) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.Sessions)
}

func (m *stateManager) isPaired(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.state.PairedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func (m *stateManager) pairUser(userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.state.PairedUsers {
		if id == userID {
			return nil
		}
	}
	m.state.PairedUsers = append(m.state.PairedUsers, userID)
	return m.save()
}

func (m *stateManager) pairedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.PairedUsers)
}
