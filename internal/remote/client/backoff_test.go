package client

import (
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	p := DefaultBackoff()

	// t ≈ 1s, 2s, 4s, 8s, 16s, 30s, 30s, ...
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for k := 1; k <= p.MaxRetries; k++ {
		if got := p.Delay(k); got != want[k-1] {
			t.Errorf("attempt %d: expected %v, got %v", k, want[k-1], got)
		}
	}
}

func TestBackoffSilentThreshold(t *testing.T) {
	p := DefaultBackoff()
	for k := 1; k <= 3; k++ {
		if !p.Silent(k) {
			t.Errorf("attempt %d should be silent", k)
		}
	}
	for k := 4; k <= p.MaxRetries; k++ {
		if p.Silent(k) {
			t.Errorf("attempt %d should be visible", k)
		}
	}
}

func TestBackoffCustomPolicy(t *testing.T) {
	p := BackoffPolicy{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   3,
		MaxRetries:   5,
	}
	cases := map[int]time.Duration{
		1: 10 * time.Millisecond,
		2: 30 * time.Millisecond,
		3: 50 * time.Millisecond, // capped (90ms > max)
		4: 50 * time.Millisecond,
	}
	for k, want := range cases {
		if got := p.Delay(k); got != want {
			t.Errorf("attempt %d: expected %v, got %v", k, want, got)
		}
	}
}
