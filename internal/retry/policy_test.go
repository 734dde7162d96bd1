package retry

import (
	"testing"
	"time"
)

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicy()

	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{3, 480 * time.Second},
		{4, 960 * time.Second},
		{5, 1920 * time.Second},
		{6, 3600 * time.Second},
		{10, 3600 * time.Second}, // capped
	}

	for _, tc := range cases {
		if got := p.Delay(tc.retryCount); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.retryCount, got, tc.want)
		}
	}
}

func TestPolicy_Delay_NegativeClamped(t *testing.T) {
	p := DefaultPolicy()
	if got := p.Delay(-1); got != 60*time.Second {
		t.Errorf("Delay(-1) = %v, want 60s", got)
	}
}

func TestPolicy_NextRetryAt(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got := p.NextRetryAt(now, 2)
	want := now.Add(240 * time.Second)
	if !got.Equal(want) {
		t.Errorf("NextRetryAt = %v, want %v", got, want)
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	p := DefaultPolicy()

	for r := 0; r < 4; r++ {
		if p.Exhausted(r) {
			t.Errorf("expected retries=%d to allow another attempt", r)
		}
	}
	if !p.Exhausted(4) {
		t.Error("expected the attempt reaching 5 retries to dead-letter")
	}
	if !p.Exhausted(7) {
		t.Error("expected retries beyond the cap to dead-letter")
	}
}
