package channel

import (
	"testing"
	"time"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(2, 10*time.Second)
	rl.now = func() time.Time { return now }

	steps := []struct {
		advance time.Duration
		want    bool
	}{
		{0, true},
		{time.Second, true},
		{time.Second, false},
		{7 * time.Second, false},
		{time.Second, true},
		{time.Second, true},
		{0, false},
	}
	for i, s := range steps {
		now = now.Add(s.advance)
		if got := rl.Allow("b"); got != s.want {
			t.Fatalf("step %d: Allow = %v, want %v", i, got, s.want)
		}
	}
	if !rl.Allow("c") {
		t.Error("senders share history")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	var nilLimiter *RateLimiter
	if !nilLimiter.Allow("b") {
		t.Error("nil limiter blocked")
	}
	rl := NewRateLimiter(0, time.Second)
	for i := 0; i < 5; i++ {
		if !rl.Allow("b") {
			t.Fatal("zero limit blocked")
		}
	}
}
