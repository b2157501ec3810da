package circuitbreaker

import (
	"fmt"
	"sync"
)

// Registry hands out the breaker for each configured dependency name,
// creating it lazily on first use. Asking for an unconfigured name is an
// error: thresholds always come from configuration, never from defaults.
type Registry struct {
	mutex         sync.RWMutex
	breakers      map[string]*CircuitBreaker
	configs       map[string]Config
	onStateChange func(name string, from, to State)
}

func NewRegistry(configs map[string]Config) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		configs:  configs,
	}
}

// OnStateChange installs a hook applied to every breaker the registry
// creates. Must be called before the registry is shared.
func (r *Registry) OnStateChange(fn func(name string, from, to State)) {
	r.onStateChange = fn
}

func (r *Registry) GetBreaker(name string) (*CircuitBreaker, error) {
	r.mutex.RLock()
	cb, exists := r.breakers[name]
	r.mutex.RUnlock()

	if exists {
		return cb, nil
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = r.breakers[name]; exists {
		return cb, nil
	}

	cfg, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("circuitbreaker: no configuration for dependency %q", name)
	}

	cb, err := New(name, cfg)
	if err != nil {
		return nil, err
	}
	if r.onStateChange != nil {
		cb.OnStateChange(r.onStateChange)
	}

	r.breakers[name] = cb
	return cb, nil
}

func (r *Registry) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}

// Stats returns a snapshot of every live breaker keyed by name.
func (r *Registry) Stats() map[string]Status {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]Status, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.Status()
	}
	return stats
}
