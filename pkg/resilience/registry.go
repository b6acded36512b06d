package resilience

import (
	"sort"
	"sync"
)

// Registry lazily creates and tracks one Breaker per operation key.
// Unrelated keys never contend: each breaker carries its own lock, and the
// registry lock only guards the map.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   BreakerConfig
}

// NewRegistry creates a breaker registry with shared configuration
func NewRegistry(config BreakerConfig) *Registry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}

	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// Get returns the breaker for an operation key, creating it on first use
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = NewBreaker(key, r.config)
	r.breakers[key] = b
	return b
}

// Records returns the state of every known circuit, sorted by operation key
func (r *Registry) Records() []Record {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	records := make([]Record, 0, len(breakers))
	for _, b := range breakers {
		records = append(records, b.Record())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].OperationKey < records[j].OperationKey
	})
	return records
}

// Restore seeds breakers from persisted records so circuits do not reset
// to closed after a restart during an ongoing outage
func (r *Registry) Restore(records []Record) {
	for _, rec := range records {
		if rec.OperationKey == "" {
			continue
		}
		r.Get(rec.OperationKey).restore(rec)
	}
}
