package relay

import (
	"sort"
	"sync"
)

// PauseRegistry tracks conversations with AI replies suppressed. Membership
// alone is the state; it is persisted inside the settings snapshot and
// survives restarts.
type PauseRegistry struct {
	mu     sync.RWMutex
	paused map[string]struct{}
}

// NewPauseRegistry creates an empty registry.
func NewPauseRegistry() *PauseRegistry {
	return &PauseRegistry{paused: make(map[string]struct{})}
}

// IsPaused reports whether AI replies are suppressed for the key.
func (p *PauseRegistry) IsPaused(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.paused[key]
	return ok
}

// SetPaused toggles suppression for the key. Idempotent.
func (p *PauseRegistry) SetPaused(key string, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[key] = struct{}{}
	} else {
		delete(p.paused, key)
	}
}

// Keys returns the paused conversation keys in stable order.
func (p *PauseRegistry) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.paused))
	for key := range p.paused {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Restore seeds the registry from a persisted key list.
func (p *PauseRegistry) Restore(keys []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range keys {
		p.paused[key] = struct{}{}
	}
}
