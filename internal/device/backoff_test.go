package device

import (
	"testing"
	"time"
)

func TestBackoff_Sequence(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2, Jitter: 0})
	want := []time.Duration{1, 2, 4, 8, 10, 10}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Errorf("Next() #%d = %v, want %v", i+1, got, w*time.Second)
		}
	}
	if b.Attempts() != len(want) {
		t.Errorf("Attempts() = %d, want %d", b.Attempts(), len(want))
	}

	b.Reset()
	if b.Current() != time.Second || b.Attempts() != 0 {
		t.Errorf("after Reset: current = %v, attempts = %d", b.Current(), b.Attempts())
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: 100 * time.Millisecond, Max: 100 * time.Millisecond, Jitter: 0.2})
	for i := 0; i < 200; i++ {
		d := b.Next()
		if d < 80*time.Millisecond || d > 100*time.Millisecond {
			t.Fatalf("Next() = %v, outside [80ms, 100ms]", d)
		}
	}
}

func TestBackoff_Defaults(t *testing.T) {
	b := NewBackoff(BackoffConfig{Jitter: 5})
	if b.Current() != DefaultInitialBackoff {
		t.Errorf("Current() = %v, want %v", b.Current(), DefaultInitialBackoff)
	}
	if b.max != DefaultMaxBackoff || b.multiplier != DefaultMultiplier || b.jitter != DefaultJitter {
		t.Errorf("defaults = max %v, multiplier %v, jitter %v", b.max, b.multiplier, b.jitter)
	}
}
