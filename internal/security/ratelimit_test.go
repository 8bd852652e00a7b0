package security

import (
	"testing"
	"time"
)

func TestRateLimitWithinBudget(t *testing.T) {
	rl := NewRateLimiter(3, 0)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if rej := rl.Check("agent-1", now); rej != nil {
			t.Fatalf("call %d unexpectedly rejected: %v", i, rej)
		}
		rl.Record("agent-1", now)
	}
	rej := rl.Check("agent-1", now)
	if rej == nil {
		t.Fatal("expected rejection after budget exhausted")
	}
	if rej.Reason != ReasonRateLimit {
		t.Errorf("reason = %s, want %s", rej.Reason, ReasonRateLimit)
	}
}

func TestRateLimitWindowSlides(t *testing.T) {
	rl := NewRateLimiter(2, 0)
	start := time.Now()

	rl.Record("agent-1", start)
	rl.Record("agent-1", start)
	if rej := rl.Check("agent-1", start.Add(time.Second)); rej == nil {
		t.Fatal("expected rejection inside the window")
	}

	// 61 seconds later both entries have aged out.
	later := start.Add(61 * time.Second)
	if rej := rl.Check("agent-1", later); rej != nil {
		t.Errorf("expected capacity restored after window: %v", rej)
	}
}

func TestRateLimitPerAgentIsolation(t *testing.T) {
	rl := NewRateLimiter(1, 0)
	now := time.Now()

	rl.Record("agent-1", now)
	if rej := rl.Check("agent-1", now); rej == nil {
		t.Error("agent-1 should be limited")
	}
	if rej := rl.Check("agent-2", now); rej != nil {
		t.Errorf("agent-2 should be unaffected: %v", rej)
	}
}

func TestRateLimitHourWindow(t *testing.T) {
	rl := NewRateLimiter(1000, 2)
	now := time.Now()

	rl.Record("agent-1", now.Add(-30*time.Minute))
	rl.Record("agent-1", now.Add(-10*time.Minute))
	rej := rl.Check("agent-1", now)
	if rej == nil {
		t.Fatal("expected hour-window rejection")
	}

	if rej := rl.Check("agent-1", now.Add(31*time.Minute)); rej != nil {
		t.Errorf("expected oldest hour entry to age out: %v", rej)
	}
}

func TestCheckFileSize(t *testing.T) {
	if rej := CheckFileSize(100, 1000); rej != nil {
		t.Errorf("size under cap rejected: %v", rej)
	}
	if rej := CheckFileSize(1001, 1000); rej == nil {
		t.Error("size over cap accepted")
	} else if rej.Reason != ReasonFileSize {
		t.Errorf("reason = %s, want %s", rej.Reason, ReasonFileSize)
	}
	if rej := CheckFileSize(1<<40, 0); rej != nil {
		t.Errorf("zero cap should disable the check: %v", rej)
	}
}

func TestCheckBatch(t *testing.T) {
	if rej := CheckBatch(500, 1000, 3, 0); rej != nil {
		t.Errorf("batch under caps rejected: %v", rej)
	}
	if rej := CheckBatch(1500, 1000, 3, 0); rej == nil {
		t.Error("batch over byte cap accepted")
	}
	if rej := CheckBatch(10, 1000, 11, 10); rej == nil {
		t.Error("batch over op cap accepted")
	}
}
