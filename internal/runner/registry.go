package runner

import (
	"errors"
	"fmt"
	"sync"

	"github.com/perchhq/perch/internal/common/config"
	"github.com/perchhq/perch/internal/common/logger"
)

// ErrUnknownAdapter is returned for adapter names no runner answers to.
var ErrUnknownAdapter = errors.New("unknown agent adapter")

// aliases maps accepted adapter names onto canonical ones.
var aliases = map[string]string{
	"claude":    "claude",
	"anthropic": "claude",
	"term":      "term",
	"tui":       "term",
	"cli":       "term",
	"acp":       "acp",
	"sidecar":   "acp",
	"copilot":   "copilot",
	"openai":    "openai",
	"api":       "openai",
	"docker":    "docker",
	"sandbox":   "docker",
	"sprite":    "sprite",
	"fly":       "sprite",
}

// Registry hands out runner instances, one cached instance per canonical
// adapter name. Construction happens under the registry lock; a failed
// construction leaves no cache entry behind.
type Registry struct {
	cfg    *config.Config
	log    *logger.Logger
	events Events
	info   InfoSource

	mu    sync.Mutex
	cache map[string]Runner
	defs  map[string]Definition
}

// NewRegistry builds a registry. Definitions from the configured
// runners.yaml, when present, extend the built-in adapter set.
func NewRegistry(cfg *config.Config, log *logger.Logger, events Events, info InfoSource) (*Registry, error) {
	defs, err := LoadDefinitions(cfg.Runner.DefinitionsFile)
	if err != nil {
		return nil, err
	}
	return &Registry{
		cfg:    cfg,
		log:    log,
		events: events,
		info:   info,
		cache:  make(map[string]Runner),
		defs:   defs,
	}, nil
}

// canonical resolves an adapter name, applying the configured default for
// the empty name.
func (r *Registry) canonical(name string) (string, bool) {
	if name == "" {
		name = r.cfg.Runner.DefaultAdapter
	}
	if name == "" {
		name = "claude"
	}
	if canon, ok := aliases[name]; ok {
		return canon, true
	}
	if _, ok := r.defs[name]; ok {
		return name, true
	}
	return "", false
}

// ValidateAdapter fails fast for names no adapter answers to.
func (r *Registry) ValidateAdapter(name string) error {
	if _, ok := r.canonical(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAdapter, name)
	}
	return nil
}

// Get returns the runner for an adapter name, constructing it on first use.
// The empty name selects the configured default adapter.
func (r *Registry) Get(name string) (Runner, error) {
	canon, ok := r.canonical(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if runner, ok := r.cache[canon]; ok {
		return runner, nil
	}
	runner, err := r.build(canon)
	if err != nil {
		return nil, fmt.Errorf("failed to construct %s runner: %w", canon, err)
	}
	r.cache[canon] = runner
	return runner, nil
}

func (r *Registry) build(canon string) (Runner, error) {
	switch canon {
	case "claude":
		return NewClaudeRunner(r.cfg, r.log, r.events, r.info), nil
	case "term":
		return NewTermRunner(r.cfg, r.log, r.events, r.info), nil
	case "acp":
		return NewACPRunner(r.cfg, r.log, r.events, r.info), nil
	case "copilot":
		return NewCopilotRunner(r.cfg, r.log, r.events, r.info), nil
	case "openai":
		return NewOpenAIRunner(r.cfg, r.log, r.events, r.info)
	case "docker":
		return NewDockerRunner(r.cfg, r.log, r.events, r.info)
	case "sprite":
		return NewSpriteRunner(r.cfg, r.log, r.events)
	default:
		def, ok := r.defs[canon]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, canon)
		}
		return NewSubprocessRunner(def, r.log, r.events, r.info), nil
	}
}

// Definitions exposes the loaded runners.yaml entries, keyed by name.
func (r *Registry) Definitions() map[string]Definition {
	out := make(map[string]Definition, len(r.defs))
	for name, def := range r.defs {
		out[name] = def
	}
	return out
}
