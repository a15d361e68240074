package poller

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{
		Base:           15 * time.Second,
		Max:            5 * time.Minute,
		RateLimitFloor: 5 * time.Minute,
	}

	tests := []struct {
		name        string
		failures    int
		rateLimited bool
		want        time.Duration
	}{
		{"no failures", 0, false, 15 * time.Second},
		{"first failure", 1, false, 15 * time.Second},
		{"second doubles", 2, false, 30 * time.Second},
		{"third doubles again", 3, false, 60 * time.Second},
		{"ceiling", 10, false, 5 * time.Minute},
		{"rate limit floor on first failure", 1, true, 5 * time.Minute},
		{"rate limit floor dominates small backoff", 3, true, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.Delay(tt.failures, tt.rateLimited); got != tt.want {
				t.Errorf("Delay(%d, %v) = %v, want %v", tt.failures, tt.rateLimited, got, tt.want)
			}
		})
	}
}

func TestBackoffDelay_FloorAboveCeiling(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, RateLimitFloor: 10 * time.Minute}
	if got := b.Delay(20, true); got != 10*time.Minute {
		t.Errorf("rate-limited delay = %v, want the floor even above the ceiling", got)
	}
	if got := b.Delay(20, false); got != time.Minute {
		t.Errorf("plain delay = %v, want the ceiling", got)
	}
}
