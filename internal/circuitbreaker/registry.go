package circuitbreaker

import (
	"github.com/shohag/hookrelay/internal/arena"
)

// Registry manages circuit breakers for multiple endpoints.
// Breakers are created lazily on first access and dropped once idle past the
// arena TTL; a dropped breaker comes back closed.
type Registry struct {
	breakers *arena.Arena[*Breaker]
	config   Config
}

// NewRegistry creates a new registry with the given default config.
func NewRegistry(cfg Config, ac arena.Config) *Registry {
	r := &Registry{config: cfg}
	r.breakers = arena.New(func(key string) *Breaker {
		return New(key, r.config)
	}, arena.WithConfig[*Breaker](ac))
	return r
}

// Get returns the circuit breaker for a key, creating one if needed.
func (r *Registry) Get(key string) *Breaker {
	return r.breakers.Get(key)
}

// Stats returns statistics about the registry.
func (r *Registry) Stats() Stats {
	stats := Stats{}
	r.breakers.Range(func(_ string, b *Breaker) bool {
		stats.Total++
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
		return true
	})
	return stats
}

// Stats holds registry statistics.
type Stats struct {
	Total    int `json:"total"`
	Open     int `json:"open"`
	HalfOpen int `json:"half_open"`
	Closed   int `json:"closed"`
}

// Reset resets all breakers in the registry.
func (r *Registry) Reset() {
	r.breakers.Range(func(_ string, b *Breaker) bool {
		b.Reset()
		return true
	})
}

// Remove removes a breaker from the registry.
func (r *Registry) Remove(key string) {
	r.breakers.Remove(key)
}

// Sweep drops breakers idle past the arena TTL.
func (r *Registry) Sweep() int {
	return r.breakers.Sweep()
}

// Keys returns all registered keys.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, r.breakers.Len())
	r.breakers.Range(func(k string, _ *Breaker) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}
