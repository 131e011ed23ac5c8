// Package version 构建信息与远端新版本检查
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xiaopang/keypulse/internal/logger"
)

// 通过 -ldflags 注入： "-X github.com/xiaopang/keypulse/internal/version.Version=..."
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Info 构建信息
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Current 当前二进制的构建信息
func Current() Info {
	return Info{Version: Version, Commit: Commit, BuildDate: BuildDate}
}

func (i Info) String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", i.Version, i.Commit, i.BuildDate)
}

// Descriptor 仪表盘展示的版本信息
type Descriptor struct {
	LocalVersion  string `json:"local_version"`
	RemoteVersion string `json:"remote_version"`
	HasUpdate     bool   `json:"has_update"`
}

// Newer remote 是否比 local 版本号更高。
// 忽略前缀 "v"，非数字部分按 0 比较
func Newer(remote, local string) bool {
	r := parts(remote)
	l := parts(local)
	if len(r) == 0 {
		return false
	}
	for i := 0; i < len(r) || i < len(l); i++ {
		var a, b int
		if i < len(r) {
			a = r[i]
		}
		if i < len(l) {
			b = l[i]
		}
		if a != b {
			return a > b
		}
	}
	return false
}

func parts(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return nil
	}
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	fields := strings.Split(v, ".")
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			n = 0
		}
		out[i] = n
	}
	return out
}

// Checker 定期拉取最新发布版本
type Checker struct {
	url      string
	interval time.Duration
	local    string
	client   *http.Client
	log      *logger.Logger

	mu      sync.RWMutex
	remote  string
	checked time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChecker 创建版本检查器，url 为空时不轮询，只返回本地版本
func NewChecker(url string, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Checker{
		url:      strings.TrimSpace(url),
		interval: interval,
		local:    Version,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      logger.Named("version"),
	}
}

// Start 启动轮询
func (c *Checker) Start() {
	if c.url == "" {
		return
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.run()
}

// Stop 停止轮询
func (c *Checker) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Checker) run() {
	defer c.wg.Done()

	// 启动时立即检查一次
	c.refresh(c.ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.refresh(c.ctx)
		}
	}
}

func (c *Checker) refresh(ctx context.Context) {
	remote, err := c.Check(ctx)
	if err != nil {
		c.log.Warn("version check failed", "url", c.url, "error", err)
		return
	}
	if Newer(remote, c.local) {
		c.log.Info("new version available", "local", c.local, "remote", remote)
	}
}

// Check 拉取一次远端版本并记录
func (c *Checker) Check(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	remote := parseRemote(body)
	if remote == "" {
		return "", fmt.Errorf("no version in response")
	}

	c.mu.Lock()
	c.remote = remote
	c.checked = time.Now()
	c.mu.Unlock()
	return remote, nil
}

// parseRemote 支持 {"version": ...}、{"tag_name": ...} 或纯版本字符串
func parseRemote(body []byte) string {
	var payload struct {
		Version string `json:"version"`
		TagName string `json:"tag_name"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Version != "" {
			return strings.TrimSpace(payload.Version)
		}
		return strings.TrimSpace(payload.TagName)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(body)), "\n")
	return strings.TrimSpace(line)
}

// Version 当前版本信息
func (c *Checker) Version() Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Descriptor{
		LocalVersion:  c.local,
		RemoteVersion: c.remote,
		HasUpdate:     Newer(c.remote, c.local),
	}
}

// LastChecked 最近一次成功拉取的时间
func (c *Checker) LastChecked() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checked
}
