package ratelimit

import (
	"testing"
	"time"
)

func TestAllowBurstThenDeny(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	if !l.Allow("u1", now) || !l.Allow("u1", now) {
		t.Fatal("burst of 2 should pass")
	}
	if l.Allow("u1", now) {
		t.Fatal("third call in same instant should be denied")
	}
	if !l.Allow("u2", now) {
		t.Fatal("other keys have their own bucket")
	}
	if !l.Allow("u1", now.Add(time.Second)) {
		t.Fatal("token should refill after 1s")
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var l *MapLimiter = New(0, 0, 0)
	if l != nil {
		t.Fatal("invalid args should disable limiter")
	}
	if !l.Allow("k", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	if l.Len() != 0 {
		t.Fatal("nil limiter tracks nothing")
	}
}

func TestIdleEviction(t *testing.T) {
	l := New(100, 100, time.Second)
	start := time.Unix(1_700_000_000, 0)
	l.Allow("stale", start)
	later := start.Add(time.Minute)
	for i := 0; i < 512; i++ {
		l.Allow("fresh", later)
	}
	if l.Len() != 1 {
		t.Fatalf("expected stale key evicted, have %d keys", l.Len())
	}
}
