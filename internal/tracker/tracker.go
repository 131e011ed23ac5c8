// Package tracker 跟踪每个密钥的在途上游请求，并根据近期失败给出建议并发
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaopang/keypulse/internal/timewindow"
)

const defaultFailureWindow = 5 * time.Minute

// ErrNotUpstream 标记调用方一侧的错误（如流式输出中客户端断开），
// 不计入密钥失败
var ErrNotUpstream = errors.New("not an upstream failure")

// State 任务状态，只会从 Pending 变为 Done 一次
type State int

const (
	Pending State = iota
	Done
)

func (s State) String() string {
	if s == Done {
		return "done"
	}
	return "pending"
}

// Options 建议并发配置
type Options struct {
	Base              int           // 无失败时的并发
	IncreaseOnFailure int           // 每次近期失败增加的并发，0 表示不增加
	Max               int           // 上限，0 表示不限
	FailureWindow     time.Duration // 失败计为近期的时长
	Clock             timewindow.Clock
}

// Counts 某一时刻的任务计数
type Counts struct {
	Active  int `json:"active_count"`
	Done    int `json:"active_done"`
	Pending int `json:"active_pending"`
}

// Task 一次在途调用的句柄。调用方在所有退出路径上都要调用 Done，
// context 取消时自动完成
type Task struct {
	ID        string
	APIKey    string
	StartedAt time.Time

	tracker *Tracker
	once    sync.Once

	// 由 tracker.mu 保护
	state      State
	err        error
	finishedAt time.Time
	stop       func() bool
}

// Done 标记任务完成，只有第一次调用生效
func (t *Task) Done(err error) {
	t.once.Do(func() { t.tracker.complete(t, err) })
}

// State 任务状态
func (t *Task) State() State {
	t.tracker.mu.Lock()
	defer t.tracker.mu.Unlock()
	return t.state
}

// Err 任务完成时的错误
func (t *Task) Err() error {
	t.tracker.mu.Lock()
	defer t.tracker.mu.Unlock()
	return t.err
}

// Tracker 在途请求跟踪器
type Tracker struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	failures map[string][]time.Time // 密钥 -> 失败时间

	opts Options
}

// New 创建跟踪器
func New(opts Options) *Tracker {
	if opts.Base <= 0 {
		opts.Base = 1
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = defaultFailureWindow
	}
	if opts.Clock == nil {
		opts.Clock = timewindow.SystemClock{}
	}
	return &Tracker{
		tasks:    make(map[string]*Task),
		failures: make(map[string][]time.Time),
		opts:     opts,
	}
}

// Register 开始跟踪 apiKey 的一次调用
func (tr *Tracker) Register(ctx context.Context, apiKey string) *Task {
	t := &Task{
		ID:        uuid.NewString(),
		APIKey:    apiKey,
		StartedAt: tr.opts.Clock.Now(),
		tracker:   tr,
	}

	tr.mu.Lock()
	tr.tasks[t.ID] = t
	tr.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() { t.Done(ctx.Err()) })
		tr.mu.Lock()
		if t.state == Pending {
			t.stop = stop
		}
		tr.mu.Unlock()
	}
	return t
}

// Track 注册任务并执行 fn，以 fn 的结果完成任务（panic 时同样完成）
func (tr *Tracker) Track(ctx context.Context, apiKey string, fn func(context.Context) error) (err error) {
	task := tr.Register(ctx, apiKey)
	defer func() {
		if r := recover(); r != nil {
			task.Done(fmt.Errorf("tracked call panicked: %v", r))
			panic(r)
		}
		task.Done(err)
	}()
	return fn(ctx)
}

func (tr *Tracker) complete(t *Task, err error) {
	now := tr.opts.Clock.Now()

	tr.mu.Lock()
	t.state = Done
	t.err = err
	t.finishedAt = now
	stop := t.stop
	t.stop = nil
	if countsAsFailure(err) {
		tr.failures[t.APIKey] = append(tr.failures[t.APIKey], now)
	}
	tr.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func countsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrNotUpstream)
}

// CleanCompleted 移除已完成任务，返回移除数量
func (tr *Tracker) CleanCompleted() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	removed := 0
	for id, t := range tr.tasks {
		if t.state == Done {
			delete(tr.tasks, id)
			removed++
		}
	}
	return removed
}

// Counts 跟踪中、已完成未清理、待完成的任务数
func (tr *Tracker) Counts() Counts {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	c := Counts{Active: len(tr.tasks)}
	for _, t := range tr.tasks {
		if t.state == Done {
			c.Done++
		}
	}
	c.Pending = c.Active - c.Done
	return c
}

// PendingFor apiKey 的待完成任务数
func (tr *Tracker) PendingFor(apiKey string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, t := range tr.tasks {
		if t.APIKey == apiKey && t.state == Pending {
			n++
		}
	}
	return n
}

// SuggestedConcurrency 建议并发：Base 加上窗口内每次失败的增量，
// 不超过 Max
func (tr *Tracker) SuggestedConcurrency(apiKey string) int {
	tr.mu.Lock()
	recent := tr.recentFailuresLocked(apiKey, tr.opts.Clock.Now())
	tr.mu.Unlock()

	n := tr.opts.Base + tr.opts.IncreaseOnFailure*recent
	if tr.opts.Max > 0 && n > tr.opts.Max {
		n = tr.opts.Max
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (tr *Tracker) recentFailuresLocked(apiKey string, now time.Time) int {
	times := tr.failures[apiKey]
	cutoff := now.Add(-tr.opts.FailureWindow)
	valid := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	if len(valid) == 0 {
		delete(tr.failures, apiKey)
		return 0
	}
	tr.failures[apiKey] = valid
	return len(valid)
}

// PruneFailures 删除所有密钥超出失败窗口的记录
func (tr *Tracker) PruneFailures(now time.Time) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for key := range tr.failures {
		tr.recentFailuresLocked(key, now)
	}
}
