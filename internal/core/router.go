package core

import (
	"sync/atomic"
)

// LoadReporter 提供每个密钥的在途请求数和建议并发
type LoadReporter interface {
	PendingFor(apiKey string) int
	SuggestedConcurrency(apiKey string) int
}

// Router 密钥选择器：轮询，跳过已达建议并发上限的密钥
type Router struct {
	pool    *KeyPool
	load    LoadReporter
	rrIndex uint64 // round-robin 索引
}

// NewRouter 创建路由器
func NewRouter(pool *KeyPool, load LoadReporter) *Router {
	return &Router{pool: pool, load: load}
}

// Next 选择下一个密钥，exclude 中的密钥（本次请求已失败过的）不参与选择。
// 所有候选都已满载时返回在途请求最少的一个。
func (r *Router) Next(exclude []string) (string, error) {
	candidates := r.pool.Keys()

	// 排除已尝试的密钥
	if len(exclude) > 0 {
		excludeMap := make(map[string]bool, len(exclude))
		for _, k := range exclude {
			excludeMap[k] = true
		}
		filtered := candidates[:0]
		for _, k := range candidates {
			if !excludeMap[k] {
				filtered = append(filtered, k)
			}
		}
		candidates = filtered
	}

	if len(candidates) == 0 {
		return "", ErrNoKeys
	}

	start := atomic.AddUint64(&r.rrIndex, 1) - 1
	n := uint64(len(candidates))
	if r.load == nil {
		return candidates[start%n], nil
	}

	best, bestPending := "", -1
	for i := uint64(0); i < n; i++ {
		k := candidates[(start+i)%n]
		pending := r.load.PendingFor(k)
		if pending < r.load.SuggestedConcurrency(k) {
			return k, nil
		}
		if bestPending < 0 || pending < bestPending {
			best, bestPending = k, pending
		}
	}
	return best, nil
}

// Count 当前可选密钥数量
func (r *Router) Count() int {
	return r.pool.Count()
}
