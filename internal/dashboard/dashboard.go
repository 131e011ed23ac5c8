// Package dashboard 汇总遥测存储生成仪表盘快照，并负责受密码保护的统计重置
package dashboard

import (
	"errors"
	"time"

	"github.com/xiaopang/keypulse/internal/cache"
	"github.com/xiaopang/keypulse/internal/logger"
	"github.com/xiaopang/keypulse/internal/timewindow"
	"github.com/xiaopang/keypulse/internal/tracker"
	"github.com/xiaopang/keypulse/internal/usage"
	"github.com/xiaopang/keypulse/internal/version"
)

// ErrUnauthorized 密码校验失败
var ErrUnauthorized = errors.New("invalid admin password")

const defaultLogLines = 500

// StatsStore 仪表盘使用的统计存储接口
type StatsStore interface {
	usage.Reader
	QueryTotal(g timewindow.Granularity, since time.Time) int
	Prune(now time.Time) int
	Reset()
}

// CacheStore 仪表盘使用的响应缓存接口
type CacheStore interface {
	CleanExpired(now time.Time) int
	Stats(now time.Time) cache.Stats
	TTL() time.Duration
	MaxEntries() int
	ConsumeOnRead() bool
}

// TrackerStore 仪表盘使用的在途请求跟踪接口
type TrackerStore interface {
	CleanCompleted() int
	Counts() tracker.Counts
}

// Verifier 管理密码校验，不得修改状态
type Verifier interface {
	Verify(password string) bool
}

// KeySource 列出密钥
type KeySource interface {
	Keys() []string
}

// LogSource 最近 n 行日志，旧的在前
type LogSource interface {
	RecentLines(n int) []string
}

// VersionSource 本地与远端版本
type VersionSource interface {
	Version() version.Descriptor
}

// HistorySource 客户端请求历史条数
type HistorySource interface {
	HistoryCount() int
}

// Settings 快照中回显的配置项
type Settings struct {
	DailyLimit             int
	MaxRetries             int // 0 表示每个密钥尝试一次
	MaxRequestsPerMinute   int
	MaxRequestsPerDayPerIP int
	ReconnectDetection     bool
	FakeStreaming          bool
	FakeStreamingInterval  float64
	RandomString           bool
	RandomStringLength     int
	ConcurrentRequests     int
	IncreaseOnFailure      int
	MaxConcurrentRequests  int
	LogLines               int
}

// Deps Builder 依赖，Logs、Version、History 可为 nil
type Deps struct {
	Stats    StatsStore
	Cache    CacheStore
	Tracker  TrackerStore
	Keys     KeySource
	Models   []string
	Logs     LogSource
	Version  VersionSource
	History  HistorySource
	Verifier Verifier
	Clock    timewindow.Clock
}

// Snapshot 仪表盘数据
type Snapshot struct {
	KeyCount     int              `json:"key_count"`
	ModelCount   int              `json:"model_count"`
	RetryCount   int              `json:"retry_count"`
	Last24hCalls int              `json:"last_24h_calls"`
	HourlyCalls  int              `json:"hourly_calls"`
	MinuteCalls  int              `json:"minute_calls"`
	CurrentTime  string           `json:"current_time"`
	Logs         []string         `json:"logs"`
	APIKeyStats  []usage.KeyUsage `json:"api_key_stats"`

	MaxRequestsPerMinute   int `json:"max_requests_per_minute"`
	MaxRequestsPerDayPerIP int `json:"max_requests_per_day_per_ip"`

	LocalVersion  string `json:"local_version"`
	RemoteVersion string `json:"remote_version"`
	HasUpdate     bool   `json:"has_update"`

	FakeStreaming         bool    `json:"fake_streaming"`
	FakeStreamingInterval float64 `json:"fake_streaming_interval"`
	RandomString          bool    `json:"random_string"`
	RandomStringLength    int     `json:"random_string_length"`

	CacheEntries             int            `json:"cache_entries"`
	ValidCache               int            `json:"valid_cache"`
	ExpiredCache             int            `json:"expired_cache"`
	CacheExpiryTime          int            `json:"cache_expiry_time"`
	MaxCacheEntries          int            `json:"max_cache_entries"`
	CacheByModel             map[string]int `json:"cache_by_model"`
	RequestHistoryCount      int            `json:"request_history_count"`
	EnableReconnectDetection bool           `json:"enable_reconnect_detection"`
	RemoveCacheAfterUse      bool           `json:"remove_cache_after_use"`

	ActiveCount   int `json:"active_count"`
	ActiveDone    int `json:"active_done"`
	ActivePending int `json:"active_pending"`

	ConcurrentRequests          int `json:"concurrent_requests"`
	IncreaseConcurrentOnFailure int `json:"increase_concurrent_on_failure"`
	MaxConcurrentRequests       int `json:"max_concurrent_requests"`
}

// Builder 快照构建器。各存储分别读取，快照不是跨存储的事务
type Builder struct {
	deps     Deps
	settings Settings
	log      *logger.Logger
}

// NewBuilder 创建构建器
func NewBuilder(deps Deps, settings Settings) *Builder {
	if deps.Clock == nil {
		deps.Clock = timewindow.SystemClock{}
	}
	if settings.LogLines <= 0 {
		settings.LogLines = defaultLogLines
	}
	return &Builder{deps: deps, settings: settings, log: logger.Named("dashboard")}
}

// Sweep 清理过期桶、过期缓存和已完成任务
func (b *Builder) Sweep(now time.Time) {
	b.deps.Stats.Prune(now)
	b.deps.Cache.CleanExpired(now)
	b.deps.Tracker.CleanCompleted()
}

// Build 清理后生成快照
func (b *Builder) Build() Snapshot {
	now := b.deps.Clock.Now()
	b.Sweep(now)

	keys := b.deps.Keys.Keys()
	s := b.settings

	snap := Snapshot{
		KeyCount:     len(keys),
		ModelCount:   len(b.deps.Models),
		RetryCount:   s.MaxRetries,
		Last24hCalls: b.deps.Stats.QueryTotal(timewindow.Last24h, time.Time{}),
		HourlyCalls:  b.deps.Stats.QueryTotal(timewindow.Hourly, now.Add(-time.Hour)),
		MinuteCalls:  b.deps.Stats.QueryTotal(timewindow.Minute, now.Add(-time.Minute)),
		CurrentTime:  now.Format("15:04:05"),
		Logs:         []string{},
		APIKeyStats:  usage.RankKeys(b.deps.Stats, keys, s.DailyLimit),

		MaxRequestsPerMinute:   s.MaxRequestsPerMinute,
		MaxRequestsPerDayPerIP: s.MaxRequestsPerDayPerIP,

		FakeStreaming:         s.FakeStreaming,
		FakeStreamingInterval: s.FakeStreamingInterval,
		RandomString:          s.RandomString,
		RandomStringLength:    s.RandomStringLength,

		CacheExpiryTime:          int(b.deps.Cache.TTL() / time.Second),
		MaxCacheEntries:          b.deps.Cache.MaxEntries(),
		EnableReconnectDetection: s.ReconnectDetection,
		RemoveCacheAfterUse:      b.deps.Cache.ConsumeOnRead(),

		ConcurrentRequests:          s.ConcurrentRequests,
		IncreaseConcurrentOnFailure: s.IncreaseOnFailure,
		MaxConcurrentRequests:       s.MaxConcurrentRequests,
	}
	if snap.RetryCount <= 0 {
		snap.RetryCount = len(keys)
	}

	if b.deps.Logs != nil {
		if lines := b.deps.Logs.RecentLines(s.LogLines); lines != nil {
			snap.Logs = lines
		}
	}
	if b.deps.Version != nil {
		v := b.deps.Version.Version()
		snap.LocalVersion = v.LocalVersion
		snap.RemoteVersion = v.RemoteVersion
		snap.HasUpdate = v.HasUpdate
	}

	cs := b.deps.Cache.Stats(now)
	snap.CacheEntries = cs.Total
	snap.ValidCache = cs.Valid
	snap.ExpiredCache = cs.Expired
	snap.CacheByModel = cs.ByModel

	if b.deps.History != nil {
		snap.RequestHistoryCount = b.deps.History.HistoryCount()
	}

	counts := b.deps.Tracker.Counts()
	snap.ActiveCount = counts.Active
	snap.ActiveDone = counts.Done
	snap.ActivePending = counts.Pending

	return snap
}

// Reset 校验管理密码后清空调用统计，密码错误时不做任何修改。
// 缓存和跟踪器不受影响
func (b *Builder) Reset(password string) error {
	if b.deps.Verifier == nil || !b.deps.Verifier.Verify(password) {
		b.log.Warn("stats reset rejected")
		return ErrUnauthorized
	}
	b.deps.Stats.Reset()
	b.log.Info("stats reset")
	return nil
}
