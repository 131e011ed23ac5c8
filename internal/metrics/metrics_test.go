package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xiaopang/keypulse/internal/cache"
	"github.com/xiaopang/keypulse/internal/stats"
	"github.com/xiaopang/keypulse/internal/tracker"
	"github.com/xiaopang/keypulse/internal/usage"
)

func TestCollector_ReadsStores(t *testing.T) {
	st := stats.NewStore(nil)
	st.Record("AIzaSy-key-1", "m1", time.Time{})
	st.Record("AIzaSy-key-1", "m2", time.Time{})

	c := cache.New[string](cache.Options{TTL: time.Minute})
	c.Put("fp", "v", "m1", 0)
	c.Get("fp")
	c.Get("missing")

	tr := tracker.New(tracker.Options{})
	tr.Register(context.Background(), "AIzaSy-key-1")

	col := NewCollector(Sources{
		Stats:   st,
		Cache:   c,
		Tracker: tr,
		KeyUsage: func() []usage.KeyUsage {
			return usage.RankKeys(st, []string{"AIzaSy-key-1"}, 100)
		},
	})

	expected := strings.ReplaceAll(`
# HELP keypulse_calls Calls recorded in the live buckets of each window.
# TYPE keypulse_calls gauge
keypulse_calls{window="hourly"} 2
keypulse_calls{window="last_24h"} 2
keypulse_calls{window="minute"} 2
# HELP keypulse_key_usage_percent Share of the daily limit used per API key.
# TYPE keypulse_key_usage_percent gauge
keypulse_key_usage_percent{api_key="LABEL"} 2
# HELP keypulse_cache_hits_total Response cache hits.
# TYPE keypulse_cache_hits_total counter
keypulse_cache_hits_total 1
# HELP keypulse_cache_misses_total Response cache misses.
# TYPE keypulse_cache_misses_total counter
keypulse_cache_misses_total 1
# HELP keypulse_active_requests Tracked upstream requests by state.
# TYPE keypulse_active_requests gauge
keypulse_active_requests{state="done"} 0
keypulse_active_requests{state="pending"} 1
`, "LABEL", usage.Label("AIzaSy-key-1"))
	err := testutil.CollectAndCompare(col, strings.NewReader(expected),
		"keypulse_calls", "keypulse_key_usage_percent", "keypulse_cache_hits_total",
		"keypulse_cache_misses_total", "keypulse_active_requests")
	if err != nil {
		t.Fatal(err)
	}
}

func TestCollector_KeysSharingPrefix(t *testing.T) {
	st := stats.NewStore(nil)
	keys := []string{"AIzaSyAAfirst-key", "AIzaSyAAsecond-key"}
	for _, k := range keys {
		st.Record(k, "m1", time.Time{})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(Sources{
		KeyUsage: func() []usage.KeyUsage { return usage.RankKeys(st, keys, 10) },
	}))
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "keypulse_key_calls_24h" && len(mf.GetMetric()) != 2 {
			t.Fatalf("%s has %d series, want 2", mf.GetName(), len(mf.GetMetric()))
		}
	}
	if n := testutil.CollectAndCount(NewCollector(Sources{
		KeyUsage: func() []usage.KeyUsage { return usage.RankKeys(st, keys, 10) },
	}), "keypulse_key_usage_percent"); n != 2 {
		t.Fatalf("usage series = %d, want 2", n)
	}
}

func TestCollector_NilSources(t *testing.T) {
	col := NewCollector(Sources{})
	if n := testutil.CollectAndCount(col); n != 0 {
		t.Fatalf("expected no metrics, got %d", n)
	}
}

func TestNewRegistry_Recorder(t *testing.T) {
	reg, rec := NewRegistry(Sources{})
	rec.Requests.WithLabelValues("ok").Inc()
	rec.RateLimited.Inc()

	if got := testutil.ToFloat64(rec.Requests.WithLabelValues("ok")); got != 1 {
		t.Fatalf("requests_total = %v", got)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{"keypulse_requests_total", "keypulse_ratelimit_denied_total", "go_goroutines"} {
		if !names[want] {
			t.Errorf("missing metric %s", want)
		}
	}
	var _ prometheus.Gatherer = reg
}
