// Package clock abstracts time so the dispatcher and reconciler can be
// tested with a fixed clock.
package clock

import "time"

type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

type MockClock struct {
	NowTime time.Time
}

func (m *MockClock) Now() time.Time {
	return m.NowTime
}

func (m *MockClock) Since(t time.Time) time.Duration {
	return m.NowTime.Sub(t)
}

func (m *MockClock) Advance(d time.Duration) {
	m.NowTime = m.NowTime.Add(d)
}
