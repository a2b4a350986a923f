package queue

import (
	"testing"
	"time"
)

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()

	b := NewBackoff(time.Second, 30*time.Second)
	for retry := 0; retry < 12; retry++ {
		ceiling := time.Second << retry
		if ceiling > 30*time.Second {
			ceiling = 30 * time.Second
		}
		for i := 0; i < 50; i++ {
			d := b.Delay(retry)
			if d < ceiling/2 || d > ceiling {
				t.Fatalf("retry %d: delay %s outside [%s, %s]", retry, d, ceiling/2, ceiling)
			}
		}
	}
}

func TestBackoffDeterministicMidpoint(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: time.Second, Max: time.Minute, rand: func() float64 { return 1 }}
	if got := b.Delay(2); got != 4*time.Second {
		t.Fatalf("expected 4s, got %s", got)
	}
	if got := b.Delay(40); got != time.Minute {
		t.Fatalf("expected cap of 1m, got %s", got)
	}
}
