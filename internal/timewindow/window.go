// Package timewindow 把时间戳映射到固定宽度的时间桶
package timewindow

import (
	"strings"
	"time"
)

// Granularity 统计存储保留的时间窗口粒度
type Granularity int

const (
	Minute Granularity = iota
	Hourly
	Last24h
)

const (
	minuteLayout = "2006-01-02 15:04"
	hourLayout   = "2006-01-02 15:00"

	// 24 小时窗口按 5 分钟分桶，最多滞后一个桶
	last24hWidth = 5 * time.Minute
)

// All 按展示顺序列出全部粒度
var All = []Granularity{Minute, Hourly, Last24h}

func (g Granularity) String() string {
	switch g {
	case Minute:
		return "minute"
	case Hourly:
		return "hourly"
	case Last24h:
		return "last_24h"
	default:
		return "unknown"
	}
}

// ParseGranularity 解析 String 输出的名称
func ParseGranularity(s string) (Granularity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minute":
		return Minute, true
	case "hourly", "hour":
		return Hourly, true
	case "last_24h", "daily", "day":
		return Last24h, true
	default:
		return 0, false
	}
}

// Width 单个桶覆盖的时长
func (g Granularity) Width() time.Duration {
	switch g {
	case Minute:
		return time.Minute
	case Hourly:
		return time.Hour
	default:
		return last24hWidth
	}
}

// Horizon 桶从起点开始的保留时长
func (g Granularity) Horizon() time.Duration {
	switch g {
	case Minute:
		return time.Minute
	default:
		return 24 * time.Hour
	}
}

func (g Granularity) layout() string {
	if g == Hourly {
		return hourLayout
	}
	return minuteLayout
}

// Bucket 时间桶键：粒度 + 按本地时间截断后的桶起点
type Bucket struct {
	Granularity Granularity
	Start       int64 // unix 秒
}

// Truncate 返回包含 t 的桶
func Truncate(t time.Time, g Granularity) Bucket {
	w := int64(g.Width() / time.Second)
	// 加上时区偏移，小时桶与本地整点对齐
	_, offset := t.Zone()
	sec := t.Unix() + int64(offset)
	start := sec - mod(sec, w) - int64(offset)
	return Bucket{Granularity: g, Start: start}
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// Time 桶起点（本地时间）
func (b Bucket) Time() time.Time {
	return time.Unix(b.Start, 0)
}

// Label 展示用标签，如 "2024-05-01 13:00"
func (b Bucket) Label() string {
	return b.Time().Format(b.Granularity.layout())
}

// Expired 桶在 now 时是否已超出保留期
func (b Bucket) Expired(now time.Time) bool {
	return b.Time().Before(now.Add(-b.Granularity.Horizon()))
}

// ParseLabel 把展示标签解析回桶。
// 格式不符的标签返回 ok=false，不报错。
func ParseLabel(label string, g Granularity) (Bucket, bool) {
	t, err := time.ParseInLocation(g.layout(), strings.TrimSpace(label), time.Local)
	if err != nil {
		return Bucket{}, false
	}
	return Truncate(t, g), true
}

// WindowStart 返回 now-d
func WindowStart(now time.Time, d time.Duration) time.Time {
	return now.Add(-d)
}

// Clock 时间来源，测试中可注入固定时钟
type Clock interface {
	Now() time.Time
}

// SystemClock 系统时钟
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc 函数适配为 Clock
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
