package infra

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		base       time.Duration
		retryCount int
		want       time.Duration
	}{
		{1 * time.Second, 0, 1 * time.Second},
		{1 * time.Second, 1, 2 * time.Second},
		{1 * time.Second, 2, 4 * time.Second},
		{1 * time.Second, 3, 8 * time.Second},
		{1 * time.Second, 10, 60 * time.Second},  // capped
		{1 * time.Second, 100, 60 * time.Second}, // still capped
		{10 * time.Millisecond, 2, 40 * time.Millisecond},
		{0, 0, 1 * time.Second}, // non-positive base falls back
		{1 * time.Second, -1, 1 * time.Second},
	}

	for _, tt := range tests {
		if got := Backoff(tt.base, tt.retryCount); got != tt.want {
			t.Errorf("Backoff(%s, %d) = %s, want %s", tt.base, tt.retryCount, got, tt.want)
		}
	}
}
