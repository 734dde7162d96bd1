// Package resilience protects the ingest boundary and the sink from
// overload: a per-token rate limiter in front of ingestion and a
// per-account circuit breaker in front of sink deliveries.
//
// This package uses:
//   - golang.org/x/time/rate: token bucket rate limiter from the Go team.
//   - github.com/sony/gobreaker: circuit breaker implementation by Sony.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// IsOpenErr reports whether an Execute error means the breaker rejected
// the call without running it (open, or half-open over its quota).
func IsOpenErr(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// CircuitBreakerConfig defines the breaker behavior.
//
// MaxRequests is the maximum number of requests allowed in half-open state.
// Interval is the cyclic period for clearing internal counts while closed.
// Timeout is how long to wait in open state before transitioning to half-open.
// FailureRatio is the failure percentage threshold to trip the breaker (0.0-1.0).
// MinRequests is the minimum requests needed before the failure ratio is evaluated.
type CircuitBreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  2,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.6,
		MinRequests:  3,
	}
}

type CircuitState string

const (
	CircuitStateClosed   CircuitState = "closed"
	CircuitStateOpen     CircuitState = "open"
	CircuitStateHalfOpen CircuitState = "half-open"
)

// AccountBreakers maintains one circuit breaker per destination account.
// A sink rejecting one account's credential (expired token, disabled
// pixel) must not trip delivery for healthy accounts, so each account
// gets an independent breaker.
type AccountBreakers struct {
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex

	onStateChange func(accountID string, from, to CircuitState)
}

func NewAccountBreakers(config CircuitBreakerConfig) *AccountBreakers {
	return &AccountBreakers{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnStateChange registers a callback for breaker state transitions.
// Used to emit metrics and logs when breakers open or close.
func (m *AccountBreakers) OnStateChange(fn func(accountID string, from, to CircuitState)) {
	m.onStateChange = fn
}

func (m *AccountBreakers) breaker(accountID string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[accountID]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[accountID]; exists {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        accountID,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < m.config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= m.config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.onStateChange != nil {
				m.onStateChange(name, toState(from), toState(to))
			}
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	m.breakers[accountID] = cb
	return cb
}

// Allow reports whether a delivery for the account may proceed.
func (m *AccountBreakers) Allow(accountID string) bool {
	return m.breaker(accountID).State() != gobreaker.StateOpen
}

// Execute runs a sink call through the account's breaker. If the breaker
// is open the call is rejected immediately without touching the sink.
func (m *AccountBreakers) Execute(accountID string, fn func() (any, error)) (any, error) {
	return m.breaker(accountID).Execute(fn)
}

// State returns the current breaker state for an account.
func (m *AccountBreakers) State(accountID string) CircuitState {
	return toState(m.breaker(accountID).State())
}

// Remove deletes the breaker for an account, freeing memory.
func (m *AccountBreakers) Remove(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, accountID)
}

func toState(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitStateOpen
	case gobreaker.StateHalfOpen:
		return CircuitStateHalfOpen
	default:
		return CircuitStateClosed
	}
}
