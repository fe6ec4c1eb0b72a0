package processor

import (
	"testing"
	"time"
)

func TestBackoffGrowsExponentially(t *testing.T) {
	base := 1 * time.Second
	max := 60 * time.Second

	for attempts := 1; attempts <= 5; attempts++ {
		// base·2^(n-1) scaled by jitter in [0.5, 1.5)
		expected := base * (1 << (attempts - 1))
		lo := expected / 2
		hi := expected + expected/2

		for i := 0; i < 50; i++ {
			d := backoff(base, max, attempts)
			if d < lo || d >= hi {
				t.Fatalf("backoff(attempts=%d) = %v, want in [%v, %v)", attempts, d, lo, hi)
			}
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	base := 1 * time.Second
	max := 10 * time.Second

	for i := 0; i < 100; i++ {
		if d := backoff(base, max, 20); d > max {
			t.Fatalf("backoff = %v, want <= %v", d, max)
		}
	}
}

func TestBackoffZeroAttempts(t *testing.T) {
	// Attempts below 1 are clamped rather than producing a zero delay
	d := backoff(time.Second, time.Minute, 0)
	if d < 500*time.Millisecond || d >= 1500*time.Millisecond {
		t.Fatalf("backoff(attempts=0) = %v, want first-attempt range", d)
	}
}
