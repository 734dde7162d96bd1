package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// IngestLimiter gates ingest requests per site token.
// Implementations: in-memory token bucket (single instance) and Redis
// sliding window (multi-instance deployments).
type IngestLimiter interface {
	// Allow reports whether a request for the token is allowed right now.
	Allow(ctx context.Context, token string, limit int) (bool, error)
}

// RateLimiterConfig defines the in-memory limiter parameters.
//
// RequestsPerSecond is the steady-state allowance per token; BurstSize
// absorbs short spikes (browser SDKs flush event batches in bursts).
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 50,
		BurstSize:         20,
	}
}

// MemoryLimiter maintains per-token limiters with lazy initialization
// and double-checked locking. Each site token gets its own independent
// bucket so one chatty site cannot starve others.
type MemoryLimiter struct {
	config   RateLimiterConfig
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewMemoryLimiter(config RateLimiterConfig) *MemoryLimiter {
	return &MemoryLimiter{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *MemoryLimiter) limiter(token string, limit int) *rate.Limiter {
	m.mu.RLock()
	l, exists := m.limiters[token]
	m.mu.RUnlock()

	if exists {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if l, exists = m.limiters[token]; exists {
		return l
	}

	rps := m.config.RequestsPerSecond
	burst := m.config.BurstSize
	if limit > 0 {
		rps = float64(limit)
		burst = limit/10 + 1
	}

	l = rate.NewLimiter(rate.Limit(rps), burst)
	m.limiters[token] = l
	return l
}

// Allow implements IngestLimiter.
func (m *MemoryLimiter) Allow(_ context.Context, token string, limit int) (bool, error) {
	return m.limiter(token, limit).Allow(), nil
}

// Remove deletes the limiter for a token, freeing memory.
func (m *MemoryLimiter) Remove(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limiters, token)
}
