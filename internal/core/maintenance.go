package core

import (
	"context"
	"sync"
	"time"

	"github.com/xiaopang/keypulse/internal/logger"
	"github.com/xiaopang/keypulse/internal/timewindow"
)

// Job 一个周期性清理任务，返回本次清理的条目数
type Job struct {
	Name string
	Run  func(now time.Time) int
}

// Maintainer 后台清理调度器：统计裁剪、过期缓存、已完成任务等
type Maintainer struct {
	jobs     []Job
	interval time.Duration
	clock    timewindow.Clock
	log      *logger.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastRun time.Time
	totals  map[string]int
}

// NewMaintainer 创建清理调度器
func NewMaintainer(interval time.Duration, clock timewindow.Clock, jobs ...Job) *Maintainer {
	if interval <= 0 {
		interval = time.Minute
	}
	if clock == nil {
		clock = timewindow.SystemClock{}
	}
	return &Maintainer{
		jobs:     jobs,
		interval: interval,
		clock:    clock,
		log:      logger.Named("maintenance"),
		totals:   make(map[string]int),
	}
}

// Start 启动调度
func (m *Maintainer) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil && m.ctx.Err() == nil {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go m.run(m.ctx)
}

// Stop 停止调度
func (m *Maintainer) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// run 运行清理循环
func (m *Maintainer) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce()
		}
	}
}

// RunOnce 立即执行全部任务，返回每个任务的清理数
func (m *Maintainer) RunOnce() map[string]int {
	now := m.clock.Now()
	removed := make(map[string]int, len(m.jobs))
	for _, job := range m.jobs {
		n := job.Run(now)
		removed[job.Name] = n
		if n > 0 {
			m.log.Debug("cleanup", "job", job.Name, "removed", n)
		}
	}

	m.mu.Lock()
	m.lastRun = now
	for name, n := range removed {
		m.totals[name] += n
	}
	m.mu.Unlock()
	return removed
}

// LastRun 上次执行时间
func (m *Maintainer) LastRun() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

// Totals 启动以来各任务累计清理数
func (m *Maintainer) Totals() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.totals))
	for k, v := range m.totals {
		out[k] = v
	}
	return out
}
