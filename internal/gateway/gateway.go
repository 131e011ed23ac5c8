package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/xiaopang/keypulse/internal/cache"
	"github.com/xiaopang/keypulse/internal/core"
	"github.com/xiaopang/keypulse/internal/logger"
	"github.com/xiaopang/keypulse/internal/stats"
	"github.com/xiaopang/keypulse/internal/tracker"
	"github.com/xiaopang/keypulse/internal/usage"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrUpstream    = errors.New("all upstream attempts failed")
)

// ErrClientWrite 向客户端写流式块失败，不计入 key 的失败
var ErrClientWrite = fmt.Errorf("write to client: %w", tracker.ErrNotUpstream)

// ResponseCache 网关使用的响应缓存
type ResponseCache = cache.Cache[openai.ChatCompletionResponse]

// Options 网关配置。
// MaxRetries 为失败后换 key 重试次数，0 表示按当前池中每个 key 各试一次
type Options struct {
	MaxRetries         int
	RandomString       bool
	RandomStringLength int
}

// Deps 网关依赖，Limiter 和 Cache 可为 nil
type Deps struct {
	Router   *core.Router
	Limiter  *core.RateLimiter
	Cache    *ResponseCache
	Stats    *stats.Store
	Tracker  *tracker.Tracker
	Upstream Upstream
}

// Result 请求的处理结果
type Result struct {
	Response  openai.ChatCompletionResponse
	KeyID     string
	Cached    bool
	Reconnect bool
	Attempts  int
}

// Gateway 通过密钥池转发聊天补全
type Gateway struct {
	deps Deps
	opts Options
	log  *logger.Logger
}

// New 创建网关
func New(deps Deps, opts Options) *Gateway {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RandomStringLength <= 0 {
		opts.RandomStringLength = 5
	}
	return &Gateway{deps: deps, opts: opts, log: logger.Named("gateway")}
}

// Admit 应用客户端限流，返回是否为近期相同请求的重连
func (g *Gateway) Admit(clientIP, fingerprint string) (bool, error) {
	if g.deps.Limiter == nil {
		return false, nil
	}
	ok, reconnect, reason := g.deps.Limiter.Enter(clientIP, fingerprint)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrRateLimited, reason)
	}
	return reconnect, nil
}

// Complete 非流式补全：先查缓存，再依次尝试各个 key。
// 上游成功的调用计入统计并写入缓存
func (g *Gateway) Complete(ctx context.Context, clientIP string, req openai.ChatCompletionRequest) (*Result, error) {
	req.Stream = false
	fp, err := cache.Fingerprint(req.Model, req)
	if err != nil {
		return nil, fmt.Errorf("fingerprint request: %w", err)
	}

	reconnect, err := g.Admit(clientIP, fp)
	if err != nil {
		return nil, err
	}

	if g.deps.Cache != nil {
		if entry, ok := g.deps.Cache.Get(fp); ok {
			g.log.Debug("cache hit", "model", req.Model, "reconnect", reconnect)
			return &Result{Response: entry.Value, Cached: true, Reconnect: reconnect}, nil
		}
	}

	upstreamReq := g.prepare(req)
	var (
		tried   []string
		lastErr error
	)
	limit := g.attempts()
	for attempt := 0; attempt < limit; attempt++ {
		key, err := g.deps.Router.Next(tried)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		tried = append(tried, key)

		var resp openai.ChatCompletionResponse
		err = g.deps.Tracker.Track(ctx, key, func(ctx context.Context) error {
			var callErr error
			resp, callErr = g.deps.Upstream.CreateChatCompletion(ctx, key, upstreamReq)
			return callErr
		})
		if err == nil {
			g.deps.Stats.Record(key, req.Model, time.Time{})
			if g.deps.Cache != nil {
				g.deps.Cache.Put(fp, resp, req.Model, 0)
			}
			g.log.Info("completion served", "key", usage.KeyID(key), "model", req.Model, "attempt", attempt+1)
			return &Result{Response: resp, KeyID: usage.KeyID(key), Reconnect: reconnect, Attempts: attempt + 1}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		g.log.Warn("upstream call failed", "key", usage.KeyID(key), "model", req.Model, "attempt", attempt+1, "error", err)
	}

	if errors.Is(lastErr, core.ErrNoKeys) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %v", ErrUpstream, lastErr)
}

// Stream 流式补全，每个块交给 emit。
// 流式结果不缓存，上游流打开即计入统计
func (g *Gateway) Stream(ctx context.Context, clientIP string, req openai.ChatCompletionRequest, emit func(openai.ChatCompletionStreamResponse) error) error {
	req.Stream = true
	fp, err := cache.Fingerprint(req.Model, req)
	if err != nil {
		return fmt.Errorf("fingerprint request: %w", err)
	}
	if _, err := g.Admit(clientIP, fp); err != nil {
		return err
	}

	upstreamReq := g.prepare(req)
	var (
		tried   []string
		lastErr error
	)
	limit := g.attempts()
	for attempt := 0; attempt < limit; attempt++ {
		key, err := g.deps.Router.Next(tried)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		tried = append(tried, key)

		opened := false
		err = g.deps.Tracker.Track(ctx, key, func(ctx context.Context) error {
			stream, err := g.deps.Upstream.CreateChatCompletionStream(ctx, key, upstreamReq)
			if err != nil {
				return err
			}
			defer stream.Close()
			opened = true
			g.deps.Stats.Record(key, req.Model, time.Time{})

			for {
				chunk, err := stream.Recv()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				if err := emit(chunk); err != nil {
					return fmt.Errorf("%w: %v", ErrClientWrite, err)
				}
			}
		})
		// 已向客户端输出，不能再重试
		if err == nil || opened || ctx.Err() != nil {
			return err
		}
		lastErr = err
		g.log.Warn("upstream stream failed", "key", usage.KeyID(key), "model", req.Model, "attempt", attempt+1, "error", err)
	}

	if errors.Is(lastErr, core.ErrNoKeys) {
		return lastErr
	}
	return fmt.Errorf("%w: %v", ErrUpstream, lastErr)
}

// attempts 单次请求的尝试次数，每次读取当前池大小，运行时添加的 key 也参与重试
func (g *Gateway) attempts() int {
	if g.opts.MaxRetries > 0 {
		return g.opts.MaxRetries + 1
	}
	if n := g.deps.Router.Count(); n > 0 {
		return n
	}
	return 1
}

// prepare 生成发往上游的请求，开启随机字符串时在最后一条消息后追加随机后缀
func (g *Gateway) prepare(req openai.ChatCompletionRequest) openai.ChatCompletionRequest {
	if !g.opts.RandomString || len(req.Messages) == 0 {
		return req
	}
	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	copy(msgs, req.Messages)
	last := &msgs[len(msgs)-1]
	if last.Content != "" {
		last.Content += "\n\n" + randomString(g.opts.RandomStringLength)
	}
	req.Messages = msgs
	return req
}

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
