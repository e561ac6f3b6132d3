package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterHourlyCap(t *testing.T) {
	l := New()
	now := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	if d := l.Allow("r", now, 2, time.Hour, 0); d != Allowed {
		t.Fatalf("first = %s", d)
	}
	if d := l.Allow("r", now.Add(time.Minute), 2, time.Hour, 0); d != Allowed {
		t.Fatalf("second = %s", d)
	}
	if d := l.Allow("r", now.Add(2*time.Minute), 2, time.Hour, 0); d != RateLimited {
		t.Fatalf("third = %s, want rate_limited", d)
	}
	if d := l.Allow("r", now.Add(61*time.Minute), 2, time.Hour, 0); d != Allowed {
		t.Fatalf("after window = %s", d)
	}
}

func TestLimiterCooldownDoesNotRecord(t *testing.T) {
	l := New()
	now := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	l.Allow("r", now, 10, time.Hour, 15*time.Minute)
	if d := l.Allow("r", now.Add(5*time.Minute), 10, time.Hour, 15*time.Minute); d != CoolingDown {
		t.Fatalf("within cooldown = %s", d)
	}
	if n, _ := l.Count("r", now.Add(5*time.Minute), time.Hour); n != 1 {
		t.Fatalf("suppressed event was recorded, count = %d", n)
	}
	if d := l.Allow("r", now.Add(15*time.Minute), 10, time.Hour, 15*time.Minute); d != Allowed {
		t.Fatalf("after cooldown = %s", d)
	}
}

func TestLimiterRetain(t *testing.T) {
	l := New()
	now := time.Now()
	l.Allow("a", now, 1, time.Hour, 0)
	l.Allow("b", now, 1, time.Hour, 0)
	l.Retain([]string{"a"})

	if n, _ := l.Count("b", now, time.Hour); n != 0 {
		t.Fatalf("b should be dropped, count = %d", n)
	}
	if d := l.Allow("a", now, 1, time.Hour, 0); d != RateLimited {
		t.Fatalf("a state lost: %s", d)
	}
}
