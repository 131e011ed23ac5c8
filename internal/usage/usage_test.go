package usage

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/xiaopang/keypulse/internal/stats"
	"github.com/xiaopang/keypulse/internal/timewindow"
)

type mapReader map[string]map[string]int

func (m mapReader) QueryByKey(apiKey string, _ timewindow.Granularity) map[string]int {
	return m[apiKey]
}

func TestRankKeys_ConcreteScenario(t *testing.T) {
	s := stats.NewStore(nil)
	now := time.Now()
	for i := 0; i < 3; i++ {
		s.Record("K", "m1", now.Add(-time.Duration(i)*time.Hour))
	}
	for i := 0; i < 2; i++ {
		s.Record("K", "m2", now.Add(-time.Duration(i)*time.Minute))
	}

	got := RankKeys(s, []string{"K"}, 100)
	if len(got) != 1 {
		t.Fatalf("expected one record, got %d", len(got))
	}
	rec := got[0]
	if rec.Calls24h != 5 || rec.UsagePercent != 5.0 || rec.Limit != 100 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !reflect.DeepEqual(rec.ModelStats, map[string]int{"m1": 3, "m2": 2}) {
		t.Fatalf("unexpected model stats: %v", rec.ModelStats)
	}
}

func TestRankKeys_SortedDescendingAndStable(t *testing.T) {
	r := mapReader{
		"aaaaaaaa-1": {"m": 1},
		"bbbbbbbb-2": {"m": 5},
		"cccccccc-3": {"m": 1},
		"dddddddd-4": {},
		"eeeeeeee-5": {"m": 5},
	}
	keys := []string{"aaaaaaaa-1", "bbbbbbbb-2", "cccccccc-3", "dddddddd-4", "eeeeeeee-5"}

	want := []string{"bbbbbbbb", "eeeeeeee", "aaaaaaaa", "cccccccc", "dddddddd"}
	for run := 0; run < 5; run++ {
		got := RankKeys(r, keys, 10)
		ids := make([]string, len(got))
		for i, rec := range got {
			ids[i] = rec.APIKeyID
		}
		if !reflect.DeepEqual(ids, want) {
			t.Fatalf("run %d: order = %v, want %v", run, ids, want)
		}
	}
}

func TestRankKeys_ZeroLimit(t *testing.T) {
	r := mapReader{"k": {"m": 7}}
	got := RankKeys(r, []string{"k"}, 0)
	if got[0].UsagePercent != 0 || got[0].Calls24h != 7 {
		t.Fatalf("unexpected record: %+v", got[0])
	}
}

func TestRankKeys_OmitsZeroCountModels(t *testing.T) {
	r := mapReader{"k": {"m1": 2, "m2": 0}}
	got := RankKeys(r, []string{"k"}, 10)
	if _, ok := got[0].ModelStats["m2"]; ok {
		t.Fatalf("zero-count model should be omitted: %v", got[0].ModelStats)
	}
}

func TestRankKeys_UnknownKey(t *testing.T) {
	got := RankKeys(mapReader{}, []string{"missing"}, 10)
	if got[0].Calls24h != 0 || len(got[0].ModelStats) != 0 {
		t.Fatalf("unexpected record for unknown key: %+v", got[0])
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		calls, limit int
		want         float64
	}{
		{5, 100, 5},
		{1, 3, 33.33},
		{2, 3, 66.67},
		{10, -1, 0},
	}
	for _, tt := range tests {
		if got := Percent(tt.calls, tt.limit); got != tt.want {
			t.Errorf("Percent(%d, %d) = %v, want %v", tt.calls, tt.limit, got, tt.want)
		}
	}
}

func TestKeyID(t *testing.T) {
	if got := KeyID("AIzaSyABCDEFG"); got != "AIzaSyAB" {
		t.Fatalf("KeyID = %q", got)
	}
	if got := KeyID("short"); got != "short" {
		t.Fatalf("KeyID = %q", got)
	}
}

func TestLabel_DistinctForSharedPrefix(t *testing.T) {
	a, b := Label("AIzaSyAAfirst-key"), Label("AIzaSyAAsecond-key")
	if a == b {
		t.Fatalf("labels collide: %q", a)
	}
	if !strings.HasPrefix(a, "AIzaSyAA-") || len(a) != len("AIzaSyAA-")+8 {
		t.Fatalf("Label = %q", a)
	}
	if Label("AIzaSyAAfirst-key") != a {
		t.Fatal("Label must be stable")
	}
}
