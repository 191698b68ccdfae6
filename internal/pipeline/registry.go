package pipeline

import (
	"fmt"
	"sync"
)

// Registry holds the mutable per-role agent configuration. Runs copy
// configs out at start, so edits never affect a run already in flight.
type Registry struct {
	mu     sync.RWMutex
	agents map[AgentRole]AgentConfig
}

// NewRegistry returns a registry seeded with the default agents.
func NewRegistry() *Registry {
	r := &Registry{agents: make(map[AgentRole]AgentConfig)}
	for _, cfg := range DefaultAgents() {
		r.agents[cfg.Role] = cfg
	}
	return r
}

// Get returns the config for a role.
func (r *Registry) Get(role AgentRole) (AgentConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.agents[role]
	return cfg, ok
}

// All returns the configs in stage order.
func (r *Registry) All() []AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentConfig, 0, len(StageOrder))
	for _, role := range StageOrder {
		if cfg, ok := r.agents[role]; ok {
			out = append(out, cfg)
		}
	}
	return out
}

// Update replaces the config for cfg.Role after validation. Empty
// ModelID, SystemPrompt, or Name fall back to the current values so
// callers can patch a single knob.
func (r *Registry) Update(cfg AgentConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.agents[cfg.Role]
	if !ok {
		return fmt.Errorf("unknown agent role: %s", cfg.Role)
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return fmt.Errorf("temperature %.2f out of range [0, 2]", cfg.Temperature)
	}
	if cfg.MaxRetries < 0 || cfg.MaxRetries > 5 {
		return fmt.Errorf("max retries %d out of range [0, 5]", cfg.MaxRetries)
	}

	if cfg.Name == "" {
		cfg.Name = current.Name
	}
	if cfg.ModelID == "" {
		cfg.ModelID = current.ModelID
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = current.SystemPrompt
	}
	r.agents[cfg.Role] = cfg
	return nil
}

// Reset restores the default agent set.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[AgentRole]AgentConfig)
	for _, cfg := range DefaultAgents() {
		r.agents[cfg.Role] = cfg
	}
}
