package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/logger"
)

// ErrUnknownPlatform is returned when no bridge answers to a platform tag.
var ErrUnknownPlatform = errors.New("unknown bridge platform")

// routeTimeout bounds a single bridge call so a hung platform API
// cannot stall the caller's event loop.
const routeTimeout = 30 * time.Second

// Manager holds the registered bridges and dispatches calls by the
// session's platform tag. Route methods are fire-and-forget: failures
// are logged and swallowed so producers never block on a chat platform.
type Manager struct {
	log *logger.Logger

	mu      sync.RWMutex
	bridges map[string]Bridge
}

// NewManager returns an empty bridge registry.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		log:     log,
		bridges: make(map[string]Bridge),
	}
}

// Register adds a bridge under a platform tag, replacing any previous
// registration for the same tag.
func (m *Manager) Register(platform string, b Bridge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bridges[platform] = b
}

// Get returns the bridge registered for a platform tag.
func (m *Manager) Get(platform string) (Bridge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bridges[platform]
	return b, ok
}

// Platforms lists the registered platform tags, sorted.
func (m *Manager) Platforms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.bridges))
	for name := range m.bridges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateThread opens a chat thread for the session on the given
// platform. Unlike the Route methods this propagates failure, because
// the caller persists the returned binding.
func (m *Manager) CreateThread(ctx context.Context, platform, sessionID, name string) (*ThreadInfo, error) {
	b, ok := m.Get(platform)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	ctx, cancel := context.WithTimeout(ctx, routeTimeout)
	defer cancel()
	return b.CreateThread(ctx, sessionID, name)
}

// RouteOutput delivers output text to the session's platform.
func (m *Manager) RouteOutput(ctx context.Context, platform, sessionID, text string) {
	m.route(ctx, platform, sessionID, "output", func(ctx context.Context, b Bridge) error {
		return b.OnOutput(ctx, sessionID, text)
	})
}

// RouteApproval delivers an approval prompt to the session's platform.
func (m *Manager) RouteApproval(ctx context.Context, platform, sessionID string, req ApprovalRequest) {
	m.route(ctx, platform, sessionID, "approval", func(ctx context.Context, b Bridge) error {
		return b.OnApprovalRequest(ctx, sessionID, req)
	})
}

// RouteStatus delivers a status change to the session's platform.
func (m *Manager) RouteStatus(ctx context.Context, platform, sessionID, status string, meta map[string]any) {
	m.route(ctx, platform, sessionID, "status", func(ctx context.Context, b Bridge) error {
		return b.OnStatusChange(ctx, sessionID, status, meta)
	})
}

// RouteTyping starts the platform's typing indicator for the session.
func (m *Manager) RouteTyping(ctx context.Context, platform, sessionID string) {
	m.route(ctx, platform, sessionID, "typing", func(ctx context.Context, b Bridge) error {
		return b.OnTyping(ctx, sessionID)
	})
}

// RouteTypingStopped cancels the platform's typing indicator.
func (m *Manager) RouteTypingStopped(ctx context.Context, platform, sessionID string) {
	m.route(ctx, platform, sessionID, "typing_stopped", func(ctx context.Context, b Bridge) error {
		return b.OnTypingStopped(ctx, sessionID)
	})
}

// RouteSessionRemoved tells the platform the session no longer exists.
func (m *Manager) RouteSessionRemoved(ctx context.Context, platform, sessionID string) {
	m.route(ctx, platform, sessionID, "session_removed", func(ctx context.Context, b Bridge) error {
		return b.OnSessionRemoved(ctx, sessionID)
	})
}

// route resolves the bridge and runs one guarded call against it. Each
// call gets its own timeout and its own error boundary.
func (m *Manager) route(ctx context.Context, platform, sessionID, op string, call func(context.Context, Bridge) error) {
	b, ok := m.Get(platform)
	if !ok {
		m.log.Debug("no bridge for platform",
			zap.String("platform", platform),
			zap.String("session_id", sessionID),
			zap.String("op", op))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, routeTimeout)
	defer cancel()
	if err := call(ctx, b); err != nil {
		m.log.Error("bridge call failed",
			zap.String("platform", platform),
			zap.String("session_id", sessionID),
			zap.String("op", op),
			zap.Error(err))
	}
}
