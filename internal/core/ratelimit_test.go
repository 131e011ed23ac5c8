package core

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xiaopang/keypulse/internal/timewindow"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

var _ timewindow.Clock = (*testClock)(nil)

// newTestRateLimiter 创建不启动后台清理的 RateLimiter
func newTestRateLimiter(limits ClientLimits) (*RateLimiter, *testClock) {
	clk := newTestClock()
	return newRateLimiter(limits, clk), clk
}

func TestEnter_PerMinuteLimit(t *testing.T) {
	rl, clk := newTestRateLimiter(ClientLimits{PerMinute: 3})

	for i := 0; i < 3; i++ {
		if ok, _, _ := rl.Enter("1.2.3.4", ""); !ok {
			t.Fatalf("call %d should succeed", i+1)
		}
	}

	ok, _, reason := rl.Enter("1.2.3.4", "")
	if ok {
		t.Fatal("4th call should be rejected (PerMinute=3)")
	}
	if !strings.Contains(reason, "per-minute") {
		t.Fatalf("unexpected reason: %s", reason)
	}

	// 其他客户端不受影响
	if ok, _, _ := rl.Enter("5.6.7.8", ""); !ok {
		t.Fatal("other ip should be allowed")
	}

	clk.Advance(61 * time.Second)
	if ok, _, _ := rl.Enter("1.2.3.4", ""); !ok {
		t.Fatal("call after window should succeed")
	}
}

func TestEnter_DailyLimit(t *testing.T) {
	rl, clk := newTestRateLimiter(ClientLimits{PerDay: 2})

	for i := 0; i < 2; i++ {
		if ok, _, _ := rl.Enter("ip", ""); !ok {
			t.Fatalf("call %d should succeed", i+1)
		}
	}
	ok, _, reason := rl.Enter("ip", "")
	if ok {
		t.Fatal("3rd call should be rejected (PerDay=2)")
	}
	if !strings.Contains(reason, "daily") {
		t.Fatalf("unexpected reason: %s", reason)
	}

	clk.Advance(24 * time.Hour)
	if ok, _, _ := rl.Enter("ip", ""); !ok {
		t.Fatal("next day should be allowed")
	}
}

func TestEnter_RejectedCallNotCharged(t *testing.T) {
	rl, _ := newTestRateLimiter(ClientLimits{PerMinute: 1, PerDay: 2})

	rl.Enter("ip", "")
	rl.Enter("ip", "") // rejected by per-minute

	rl.mu.Lock()
	day := rl.dailyCount["ip:2024-05-01"]
	rl.mu.Unlock()
	if day != 1 {
		t.Fatalf("daily count = %d, want 1", day)
	}
}

func TestEnter_ReconnectDetection(t *testing.T) {
	rl, clk := newTestRateLimiter(ClientLimits{PerMinute: 1, DetectReconnect: true})

	ok, reconnect, _ := rl.Enter("ip", "fp-1")
	if !ok || reconnect {
		t.Fatalf("first call: ok=%v reconnect=%v", ok, reconnect)
	}
	ok, reconnect, _ = rl.Enter("ip", "fp-1")
	if !ok || !reconnect {
		t.Fatalf("repeat should pass as reconnect: ok=%v reconnect=%v", ok, reconnect)
	}
	if ok, _, _ := rl.Enter("ip", "fp-2"); ok {
		t.Fatal("different request should still be limited")
	}
	if got := rl.HistoryCount(); got != 1 {
		t.Fatalf("history count = %d, want 1", got)
	}

	clk.Advance(ReconnectWindow + time.Second)
	rl.Cleanup()
	if got := rl.HistoryCount(); got != 0 {
		t.Fatalf("history count after cleanup = %d, want 0", got)
	}
}

func TestEnter_ReconnectDisabled(t *testing.T) {
	rl, _ := newTestRateLimiter(ClientLimits{PerMinute: 1})
	rl.Enter("ip", "fp-1")
	if ok, reconnect, _ := rl.Enter("ip", "fp-1"); ok || reconnect {
		t.Fatalf("repeat must be limited when detection is off: ok=%v reconnect=%v", ok, reconnect)
	}
}

func TestEnter_Parallel(t *testing.T) {
	rl, _ := newTestRateLimiter(ClientLimits{PerMinute: 5})

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _, _ := rl.Enter("ip", ""); ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 5 {
		t.Fatalf("accepted = %d, want 5", accepted)
	}
}

func TestCleanup_DropsOldDailyCounts(t *testing.T) {
	rl, clk := newTestRateLimiter(ClientLimits{PerDay: 10})
	rl.Enter("ip", "")
	clk.Advance(24 * time.Hour)
	rl.Cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.dailyCount) != 0 || len(rl.windows) != 0 {
		t.Fatalf("expected stale state removed: daily=%v windows=%v", rl.dailyCount, rl.windows)
	}
}
