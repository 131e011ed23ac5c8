package usage

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"

	"github.com/xiaopang/keypulse/internal/timewindow"
)

// 展示用 ID 的长度
const idLength = 8

// Reader 聚合所需的统计读取接口
type Reader interface {
	QueryByKey(apiKey string, g timewindow.Granularity) map[string]int
}

// KeyUsage 单个密钥 24 小时用量与每日上限。
// Label 用作指标标签，前缀相同的密钥也不会重复
type KeyUsage struct {
	APIKeyID     string         `json:"api_key"`
	Calls24h     int            `json:"calls_24h"`
	Limit        int            `json:"limit"`
	UsagePercent float64        `json:"usage_percent"`
	ModelStats   map[string]int `json:"model_stats"`
	Label        string         `json:"-"`
}

// KeyID 密钥的展示 ID（前 8 位）
func KeyID(apiKey string) string {
	if len(apiKey) <= idLength {
		return apiKey
	}
	return apiKey[:idLength]
}

// Label 展示 ID + 完整密钥的短哈希
func Label(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return KeyID(apiKey) + "-" + hex.EncodeToString(sum[:4])
}

// Percent calls/limit 的百分比，保留两位小数；limit <= 0 时为 0
func Percent(calls, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	p := float64(calls) / float64(limit) * 100
	return math.Round(p*100) / 100
}

// RankKeys 计算每个密钥的用量并按百分比降序排列，
// 相同用量保持输入顺序
func RankKeys(r Reader, keys []string, dailyLimit int) []KeyUsage {
	out := make([]KeyUsage, 0, len(keys))
	for _, key := range keys {
		models := make(map[string]int)
		calls := 0
		for model, n := range r.QueryByKey(key, timewindow.Last24h) {
			if n <= 0 {
				continue
			}
			models[model] = n
			calls += n
		}
		out = append(out, KeyUsage{
			APIKeyID:     KeyID(key),
			Calls24h:     calls,
			Limit:        dailyLimit,
			UsagePercent: Percent(calls, dailyLimit),
			ModelStats:   models,
			Label:        Label(key),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UsagePercent > out[j].UsagePercent
	})
	return out
}
