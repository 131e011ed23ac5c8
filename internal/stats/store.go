// Package stats 按分钟、小时、24 小时滚动统计调用次数，可按密钥和模型细分
package stats

import (
	"strings"
	"sync"
	"time"

	"github.com/xiaopang/keypulse/internal/timewindow"
)

// UnknownModel 调用未带模型名时的记录值
const UnknownModel = "unknown"

// Event 一次上游调用
type Event struct {
	Timestamp time.Time
	APIKey    string
	Model     string
}

type bucketCounts struct {
	total int
	byKey map[string]map[string]int // 密钥 -> 模型 -> 次数
}

func newBucketCounts() *bucketCounts {
	return &bucketCounts{byKey: make(map[string]map[string]int)}
}

// Store 分窗口的调用统计存储。
// 三个粒度共用一把锁，一次 Record 要么全部可见要么全部不可见。
type Store struct {
	mu      sync.RWMutex
	clock   timewindow.Clock
	windows map[timewindow.Granularity]map[timewindow.Bucket]*bucketCounts
}

// NewStore 创建空存储，clock 为 nil 时使用系统时钟
func NewStore(clock timewindow.Clock) *Store {
	if clock == nil {
		clock = timewindow.SystemClock{}
	}
	s := &Store{clock: clock}
	s.windows = emptyWindows()
	return s
}

func emptyWindows() map[timewindow.Granularity]map[timewindow.Bucket]*bucketCounts {
	w := make(map[timewindow.Granularity]map[timewindow.Bucket]*bucketCounts, len(timewindow.All))
	for _, g := range timewindow.All {
		w[g] = make(map[timewindow.Bucket]*bucketCounts)
	}
	return w
}

// Granularities 存储保留的粒度（展示顺序）
func (s *Store) Granularities() []timewindow.Granularity {
	return append([]timewindow.Granularity(nil), timewindow.All...)
}

// Record 记录一次调用，零值时间表示当前时间
func (s *Store) Record(apiKey, model string, at time.Time) {
	s.Add(Event{Timestamp: at, APIKey: apiKey, Model: model})
}

// Add 在每个粒度中计入一次事件
func (s *Store) Add(evt Event) {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	model := strings.TrimSpace(evt.Model)
	if model == "" {
		model = UnknownModel
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range timewindow.All {
		b := timewindow.Truncate(ts, g)
		counts, ok := s.windows[g][b]
		if !ok {
			counts = newBucketCounts()
			s.windows[g][b] = counts
		}
		models, ok := counts.byKey[evt.APIKey]
		if !ok {
			models = make(map[string]int)
			counts.byKey[evt.APIKey] = models
		}
		models[model]++
		counts.total++
	}
}

// QueryTotal 汇总起点不早于 since 的所有桶
func (s *Store) QueryTotal(g timewindow.Granularity, since time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for b, counts := range s.windows[g] {
		if b.Time().Before(since) {
			continue
		}
		total += counts.total
	}
	return total
}

// QueryByKey 返回某密钥在 g 下的 模型 -> 次数，未知密钥返回空 map
func (s *Store) QueryByKey(apiKey string, g timewindow.Granularity) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, counts := range s.windows[g] {
		for model, n := range counts.byKey[apiKey] {
			out[model] += n
		}
	}
	return out
}

// Totals 按桶标签返回 g 的各桶总数
func (s *Store) Totals(g timewindow.Granularity) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.windows[g]))
	for b, counts := range s.windows[g] {
		out[b.Label()] += counts.total
	}
	return out
}

// Prune 删除超出保留期的桶，返回删除数量
func (s *Store) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, buckets := range s.windows {
		for b := range buckets {
			if b.Expired(now) {
				delete(buckets, b)
				removed++
			}
		}
	}
	return removed
}

// Reset 清空全部粒度
func (s *Store) Reset() {
	s.mu.Lock()
	s.windows = emptyWindows()
	s.mu.Unlock()
}

// Empty 所有粒度是否都没有桶
func (s *Store) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, buckets := range s.windows {
		if len(buckets) > 0 {
			return false
		}
	}
	return true
}
