// Package retry provides the backoff schedule for failed deliveries.
package retry

import "time"

// Policy is a pure backoff schedule: retry count in, delay out. The
// schedule doubles from Base up to Cap; an event whose retry count
// reaches MaxRetries dead-letters instead of scheduling again. No jitter:
// the sink dedupes on event id and the schedule is part of the observable
// contract.
type Policy struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

func DefaultPolicy() Policy {
	return Policy{
		Base:       60 * time.Second,
		Cap:        time.Hour,
		MaxRetries: 5,
	}
}

// Delay returns min(Base * 2^retryCount, Cap).
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.Base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.Cap {
			return p.Cap
		}
	}
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}

// NextRetryAt schedules the retry after the current (pre-increment)
// retry count's delay.
func (p Policy) NextRetryAt(now time.Time, retryCount int) time.Time {
	return now.Add(p.Delay(retryCount))
}

// Exhausted reports whether one more failed attempt must dead-letter the
// event rather than schedule another retry.
func (p Policy) Exhausted(retries int) bool {
	return retries+1 >= p.MaxRetries
}
