package ratelimit

import (
	"testing"
	"time"
)

func TestWindow_AllowUpToMax(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWindow(10, time.Minute)

	for i := 0; i < 10; i++ {
		ok, _ := w.Allow("s1", start.Add(time.Duration(i)*time.Second))
		if !ok {
			t.Fatalf("attempt %d rejected", i+1)
		}
	}
	ok, retry := w.Allow("s1", start.Add(20*time.Second))
	if ok {
		t.Fatal("11th attempt admitted")
	}
	if retry != 40*time.Second {
		t.Errorf("retryAfter = %v, want 40s", retry)
	}

	// other keys are independent
	if ok, _ := w.Allow("s2", start.Add(20*time.Second)); !ok {
		t.Error("independent key rejected")
	}
}

func TestWindow_ResetsExactlyAtResetAt(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWindow(1, time.Minute)

	if ok, _ := w.Allow("k", start); !ok {
		t.Fatal("first attempt rejected")
	}
	if ok, _ := w.Allow("k", start.Add(time.Minute-time.Nanosecond)); ok {
		t.Fatal("attempt just before reset admitted")
	}
	if ok, _ := w.Allow("k", start.Add(time.Minute)); !ok {
		t.Fatal("attempt at resetAt rejected")
	}
}

func TestWindow_Sweep(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWindow(5, time.Minute)
	w.Allow("a", start)
	w.Allow("b", start.Add(30*time.Second))

	if n := w.Sweep(start.Add(time.Minute)); n != 0 {
		t.Errorf("Sweep() at resetAt = %d, want 0 (expired buckets are retained one more window)", n)
	}
	if n := w.Sweep(start.Add(2 * time.Minute)); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if w.Len() != 1 {
		t.Errorf("Len() = %d, want 1", w.Len())
	}
	w.Reset("b")
	if w.Len() != 0 {
		t.Errorf("Len() after Reset = %d", w.Len())
	}
}

func TestWindow_StopIsIdempotent(t *testing.T) {
	w := NewWindow(1, time.Minute)
	w.StartGC(time.Millisecond)
	w.Stop()
	w.Stop()
}

func TestWindow_Restore(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(20 * time.Second)

	tests := []struct {
		name      string
		count     int
		from      time.Time
		wantKnown bool
		wantOK    bool
		wantRetry time.Duration
	}{
		{"full window rebuilt", 3, start, true, false, 40 * time.Second},
		{"partial window rebuilt", 1, start, true, true, 0},
		{"window already over", 3, start.Add(-time.Minute), false, true, 0},
		{"nothing to rebuild", 0, start, false, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWindow(3, time.Minute)
			w.Restore("k", tt.count, tt.from, now)
			if got := w.Known("k"); got != tt.wantKnown {
				t.Fatalf("Known() = %v, want %v", got, tt.wantKnown)
			}
			ok, retry := w.Allow("k", now)
			if ok != tt.wantOK || retry != tt.wantRetry {
				t.Errorf("Allow() = %v, %v; want %v, %v", ok, retry, tt.wantOK, tt.wantRetry)
			}
		})
	}
}

func TestWindow_RestoreKeepsLiveBucket(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWindow(2, time.Minute)
	w.Allow("k", start)
	w.Restore("k", 2, start.Add(-30*time.Second), start.Add(time.Second))
	if ok, _ := w.Allow("k", start.Add(time.Second)); !ok {
		t.Error("Restore overwrote a live bucket")
	}
}
