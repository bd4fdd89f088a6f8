package ratelimit

import (
	"testing"
	"time"
)

func TestMinuteWindow(t *testing.T) {
	l := New(2, 100)
	now := time.Now()
	l.SetNowFunc(func() time.Time { return now })

	if r := l.Allow("u1"); !r.Allowed {
		t.Fatal("first request denied")
	}
	if r := l.Allow("u1"); !r.Allowed {
		t.Fatal("second request denied")
	}
	if r := l.Allow("u1"); r.Allowed || r.Window != "minute" {
		t.Fatalf("third request: got %+v, want minute denial", r)
	}

	// Advance past the minute window.
	now = now.Add(61 * time.Second)
	if r := l.Allow("u1"); !r.Allowed {
		t.Error("request after window denied")
	}
}

func TestHourWindow(t *testing.T) {
	l := New(100, 3)
	now := time.Now()
	l.SetNowFunc(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if r := l.Allow("u1"); !r.Allowed {
			t.Fatalf("request %d denied", i)
		}
		// Spread so the minute window never trips.
		now = now.Add(2 * time.Minute)
	}
	if r := l.Allow("u1"); r.Allowed || r.Window != "hour" {
		t.Fatalf("got %+v, want hour denial", r)
	}

	now = now.Add(time.Hour)
	if r := l.Allow("u1"); !r.Allowed {
		t.Error("request after hour window denied")
	}
}

func TestKeysIndependent(t *testing.T) {
	l := New(1, 10)
	now := time.Now()
	l.SetNowFunc(func() time.Time { return now })

	if r := l.Allow("u1"); !r.Allowed {
		t.Fatal("u1 denied")
	}
	if r := l.Allow("u2"); !r.Allowed {
		t.Error("u2 should have its own counter")
	}
	if r := l.Allow("u1"); r.Allowed {
		t.Error("u1 second request should be denied")
	}
}

func TestDeniedRequestNotCounted(t *testing.T) {
	l := New(1, 10)
	now := time.Now()
	l.SetNowFunc(func() time.Time { return now })

	l.Allow("u1")
	for i := 0; i < 5; i++ {
		l.Allow("u1")
	}
	now = now.Add(61 * time.Second)
	if r := l.Allow("u1"); !r.Allowed {
		t.Error("denied requests must not extend the window")
	}
}
