// Package metrics 以 Prometheus 格式暴露遥测存储
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xiaopang/keypulse/internal/cache"
	"github.com/xiaopang/keypulse/internal/timewindow"
	"github.com/xiaopang/keypulse/internal/tracker"
	"github.com/xiaopang/keypulse/internal/usage"
)

const namespace = "keypulse"

// StatsReader 采集时读取的统计接口
type StatsReader interface {
	Granularities() []timewindow.Granularity
	QueryTotal(g timewindow.Granularity, since time.Time) int
}

// CacheReader 采集时读取的缓存接口
type CacheReader interface {
	Stats(now time.Time) cache.Stats
	Counters() cache.Counters
}

// TrackerReader 采集时读取的跟踪器接口
type TrackerReader interface {
	Counts() tracker.Counts
}

// Sources 采集来源，均可为 nil
type Sources struct {
	Stats    StatsReader
	Cache    CacheReader
	Tracker  TrackerReader
	KeyUsage func() []usage.KeyUsage
}

// Collector 在采集时直接读取存储，与仪表盘数值一致
type Collector struct {
	src Sources

	calls       *prometheus.Desc
	keyCalls    *prometheus.Desc
	keyUsage    *prometheus.Desc
	cacheItems  *prometheus.Desc
	cacheHits   *prometheus.Desc
	cacheMisses *prometheus.Desc
	cacheEvicts *prometheus.Desc
	active      *prometheus.Desc
}

// NewCollector 创建采集器
func NewCollector(src Sources) *Collector {
	return &Collector{
		src: src,
		calls: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "calls"),
			"Calls recorded in the live buckets of each window.", []string{"window"}, nil),
		keyCalls: prometheus.NewDesc(prometheus.BuildFQName(namespace, "key", "calls_24h"),
			"Calls per API key in the last 24 hours.", []string{"api_key"}, nil),
		keyUsage: prometheus.NewDesc(prometheus.BuildFQName(namespace, "key", "usage_percent"),
			"Share of the daily limit used per API key.", []string{"api_key"}, nil),
		cacheItems: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "entries"),
			"Response cache entries by state.", []string{"state"}, nil),
		cacheHits: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "hits_total"),
			"Response cache hits.", nil, nil),
		cacheMisses: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "misses_total"),
			"Response cache misses.", nil, nil),
		cacheEvicts: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "evictions_total"),
			"Response cache capacity evictions.", nil, nil),
		active: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "active_requests"),
			"Tracked upstream requests by state.", []string{"state"}, nil),
	}
}

// Describe 实现 prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.calls
	ch <- c.keyCalls
	ch <- c.keyUsage
	ch <- c.cacheItems
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheEvicts
	ch <- c.active
}

// Collect 实现 prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	now := time.Now()

	if c.src.Stats != nil {
		for _, g := range c.src.Stats.Granularities() {
			ch <- prometheus.MustNewConstMetric(c.calls, prometheus.GaugeValue,
				float64(c.src.Stats.QueryTotal(g, time.Time{})), g.String())
		}
	}

	if c.src.KeyUsage != nil {
		// 展示 ID 只有 8 位可能重复，标签带哈希
		for _, u := range c.src.KeyUsage() {
			label := u.Label
			if label == "" {
				label = u.APIKeyID
			}
			ch <- prometheus.MustNewConstMetric(c.keyCalls, prometheus.GaugeValue, float64(u.Calls24h), label)
			ch <- prometheus.MustNewConstMetric(c.keyUsage, prometheus.GaugeValue, u.UsagePercent, label)
		}
	}

	if c.src.Cache != nil {
		st := c.src.Cache.Stats(now)
		ch <- prometheus.MustNewConstMetric(c.cacheItems, prometheus.GaugeValue, float64(st.Valid), "valid")
		ch <- prometheus.MustNewConstMetric(c.cacheItems, prometheus.GaugeValue, float64(st.Expired), "expired")
		ctr := c.src.Cache.Counters()
		ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(ctr.Hits))
		ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(ctr.Misses))
		ch <- prometheus.MustNewConstMetric(c.cacheEvicts, prometheus.CounterValue, float64(ctr.Evictions))
	}

	if c.src.Tracker != nil {
		counts := c.src.Tracker.Counts()
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(counts.Pending), "pending")
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(counts.Done), "done")
	}
}

// Recorder 请求路径上由 HTTP 处理器更新的指标
type Recorder struct {
	RequestLatency *prometheus.HistogramVec
	Requests       *prometheus.CounterVec
	RateLimited    prometheus.Counter
	Resets         *prometheus.CounterVec
}

// NewRecorder 在 reg 上注册请求指标
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		RequestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Latency of /v1/chat/completions requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Chat completion requests by outcome.",
		}, []string{"outcome"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "denied_total",
			Help:      "Requests denied by the per-client limiter.",
		}),
		Resets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_resets_total",
			Help:      "Privileged statistics resets by result.",
		}, []string{"result"}),
	}
}

// NewRegistry 创建包含 Go/进程采集器、存储采集器和请求指标的注册表
func NewRegistry(src Sources) (*prometheus.Registry, *Recorder) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewCollector(src),
	)
	return reg, NewRecorder(reg)
}
