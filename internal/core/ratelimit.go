package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/xiaopang/keypulse/internal/timewindow"
)

// 客户端重连识别窗口：同一 IP 在该时间内重复提交相同请求视为断线重连
const ReconnectWindow = 2 * time.Minute

// ClientLimits 客户端限制，0 = 不限制
type ClientLimits struct {
	PerMinute       int
	PerDay          int
	DetectReconnect bool
}

// RateLimiter 客户端（按 IP）频率限制器
type RateLimiter struct {
	mu         sync.Mutex
	limits     ClientLimits
	clock      timewindow.Clock
	windows    map[string][]time.Time          // ip -> 每分钟滑动窗口内的请求时间
	dailyCount map[string]int                  // ip+日期 -> 次数
	history    map[string]map[string]time.Time // ip -> 请求指纹 -> 最近时间

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter 创建频率限制器，并启动后台清理
func NewRateLimiter(limits ClientLimits) *RateLimiter {
	rl := newRateLimiter(limits, timewindow.SystemClock{})
	go rl.cleanupLoop()
	return rl
}

func newRateLimiter(limits ClientLimits, clock timewindow.Clock) *RateLimiter {
	return &RateLimiter{
		limits:     limits,
		clock:      clock,
		windows:    make(map[string][]time.Time),
		dailyCount: make(map[string]int),
		history:    make(map[string]map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// Limits 返回当前限制
func (r *RateLimiter) Limits() ClientLimits {
	return r.limits
}

// Enter 对一次客户端请求原子地执行“检查 + 计数”。
//
// fingerprint 标识请求体；开启重连检测时，同一 ip 近期重复的指纹直接放行，
// 不再计入限额。返回 (allowed, reconnect, reason)。
func (r *RateLimiter) Enter(ip, fingerprint string) (bool, bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()

	if r.limits.DetectReconnect && fingerprint != "" {
		if seen, ok := r.history[ip][fingerprint]; ok && now.Sub(seen) < ReconnectWindow {
			r.history[ip][fingerprint] = now
			return true, true, ""
		}
	}

	// 每分钟限额
	if r.limits.PerMinute > 0 {
		valid := r.pruneWindowLocked(ip, now)
		if len(valid) >= r.limits.PerMinute {
			return false, false, fmt.Sprintf("per-minute limit exceeded (%d/%d)", len(valid), r.limits.PerMinute)
		}
	}

	// 每日限额
	dateKey := ip + ":" + now.Format("2006-01-02")
	if r.limits.PerDay > 0 {
		if r.dailyCount[dateKey] >= r.limits.PerDay {
			return false, false, fmt.Sprintf("daily limit exceeded (%d/%d)", r.dailyCount[dateKey], r.limits.PerDay)
		}
	}

	// 全部检查通过后才计数
	if r.limits.PerMinute > 0 {
		r.windows[ip] = append(r.windows[ip], now)
	}
	if r.limits.PerDay > 0 {
		r.dailyCount[dateKey]++
	}
	if fingerprint != "" {
		h := r.history[ip]
		if h == nil {
			h = make(map[string]time.Time)
			r.history[ip] = h
		}
		h[fingerprint] = now
	}

	return true, false, ""
}

func (r *RateLimiter) pruneWindowLocked(ip string, now time.Time) []time.Time {
	windowStart := now.Add(-time.Minute)
	timestamps := r.windows[ip]
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(r.windows, ip)
	} else {
		r.windows[ip] = valid
	}
	return valid
}

// HistoryCount 当前保留的客户端请求历史条数
func (r *RateLimiter) HistoryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.history {
		n += len(h)
	}
	return n
}

// Cleanup 清理过期的窗口、日计数和请求历史
func (r *RateLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for ip := range r.windows {
		r.pruneWindowLocked(ip, now)
	}
	// 只保留当天的计数
	today := now.Format("2006-01-02")
	for k := range r.dailyCount {
		if len(k) >= 10 && k[len(k)-10:] != today {
			delete(r.dailyCount, k)
		}
	}
	for ip, h := range r.history {
		for fp, seen := range h {
			if now.Sub(seen) >= ReconnectWindow {
				delete(h, fp)
			}
		}
		if len(h) == 0 {
			delete(r.history, ip)
		}
	}
}

// Stop 停止后台清理
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// cleanupLoop 定期清理旧数据
func (r *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Cleanup()
		}
	}
}
