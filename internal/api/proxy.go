package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sashabaranov/go-openai"

	"github.com/xiaopang/keypulse/internal/core"
	"github.com/xiaopang/keypulse/internal/gateway"
	"github.com/xiaopang/keypulse/internal/logger"
	"github.com/xiaopang/keypulse/internal/metrics"
	"github.com/xiaopang/keypulse/internal/model"
)

// ProxyOptions 代理处理器配置
type ProxyOptions struct {
	Models []string
	// FakeStreaming 流式请求走非流式上游，期间定时发送空块保活
	FakeStreaming         bool
	FakeStreamingInterval time.Duration
	Recorder              *metrics.Recorder
}

// ProxyHandler 代理处理器
type ProxyHandler struct {
	gw      *gateway.Gateway
	opts    ProxyOptions
	created int64
	log     *logger.Logger
}

// NewProxyHandler 创建代理处理器
func NewProxyHandler(gw *gateway.Gateway, opts ProxyOptions) *ProxyHandler {
	if opts.FakeStreamingInterval <= 0 {
		opts.FakeStreamingInterval = time.Second
	}
	return &ProxyHandler{gw: gw, opts: opts, created: time.Now().Unix(), log: logger.Named("proxy")}
}

// ChatCompletions 聊天补全
func (h *ProxyHandler) ChatCompletions(c *gin.Context) {
	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, model.NewError("invalid_request_error", "", "Invalid request: "+err.Error()))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		c.JSON(400, model.NewError("invalid_request_error", "", "model and messages are required"))
		return
	}

	start := time.Now()
	switch {
	case req.Stream && h.opts.FakeStreaming:
		h.fakeStream(c, req, start)
	case req.Stream:
		h.stream(c, req, start)
	default:
		h.complete(c, req, start)
	}
}

func (h *ProxyHandler) complete(c *gin.Context, req openai.ChatCompletionRequest, start time.Time) {
	res, err := h.gw.Complete(c.Request.Context(), c.ClientIP(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.observe(res, start)
	c.JSON(200, res.Response)
}

// stream 透传上游流式响应
func (h *ProxyHandler) stream(c *gin.Context, req openai.ChatCompletionRequest, start time.Time) {
	started := false
	err := h.gw.Stream(c.Request.Context(), c.ClientIP(), req, func(chunk openai.ChatCompletionStreamResponse) error {
		if !started {
			setSSEHeaders(c)
			started = true
		}
		return writeSSE(c, chunk)
	})
	if err != nil {
		if !started {
			h.writeError(c, err)
			return
		}
		// 已开始输出，只能在流内报告错误
		h.count(errorOutcome(err))
		h.log.Warn("stream aborted", "model", req.Model, "error", err)
		_ = writeSSE(c, model.NewError("upstream_error", "stream_aborted", err.Error()))
		writeDone(c)
		return
	}
	if !started {
		setSSEHeaders(c)
	}
	writeDone(c)
	h.observe(&gateway.Result{}, start)
}

// fakeStream 等待非流式结果，期间发送空内容块保持连接
func (h *ProxyHandler) fakeStream(c *gin.Context, req openai.ChatCompletionRequest, start time.Time) {
	type result struct {
		res *gateway.Result
		err error
	}
	ctx := c.Request.Context()
	ip := c.ClientIP()
	done := make(chan result, 1)
	go func() {
		res, err := h.gw.Complete(ctx, ip, req)
		done <- result{res, err}
	}()

	ticker := time.NewTicker(h.opts.FakeStreamingInterval)
	defer ticker.Stop()

	started := false
	for {
		select {
		case <-ticker.C:
			if !started {
				setSSEHeaders(c)
				started = true
			}
			if err := writeSSE(c, keepAliveChunk(req.Model)); err != nil {
				return
			}
		case out := <-done:
			if out.err != nil {
				if !started {
					h.writeError(c, out.err)
					return
				}
				h.count(errorOutcome(out.err))
				_ = writeSSE(c, model.NewError("upstream_error", "stream_aborted", out.err.Error()))
				writeDone(c)
				return
			}
			if !started {
				setSSEHeaders(c)
			}
			_ = writeSSE(c, toStreamChunk(out.res.Response))
			writeDone(c)
			h.observe(out.res, start)
			return
		case <-ctx.Done():
			return
		}
	}
}

func keepAliveChunk(modelName string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   modelName,
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant},
		}},
	}
}

// toStreamChunk 把完整响应转换为单个流式块
func toStreamChunk(resp openai.ChatCompletionResponse) openai.ChatCompletionStreamResponse {
	chunk := openai.ChatCompletionStreamResponse{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: resp.Created,
		Model:   resp.Model,
	}
	for _, choice := range resp.Choices {
		chunk.Choices = append(chunk.Choices, openai.ChatCompletionStreamChoice{
			Index: choice.Index,
			Delta: openai.ChatCompletionStreamChoiceDelta{
				Role:      choice.Message.Role,
				Content:   choice.Message.Content,
				ToolCalls: choice.Message.ToolCalls,
			},
			FinishReason: choice.FinishReason,
		})
	}
	return chunk
}

func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(200)
}

func writeSSE(c *gin.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

func writeDone(c *gin.Context) {
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// writeError 把网关错误映射为 HTTP 状态码
func (h *ProxyHandler) writeError(c *gin.Context, err error) {
	o := errorOutcome(err)
	h.count(o)
	switch o {
	case "rate_limited":
		if h.opts.Recorder != nil {
			h.opts.Recorder.RateLimited.Inc()
		}
		c.JSON(429, model.NewError("rate_limit_error", "rate_limit_exceeded", err.Error()))
	case "no_keys":
		c.JSON(503, model.NewError("service_unavailable", "no_available_keys", "No API keys available"))
	case "upstream_error":
		c.JSON(502, model.NewError("upstream_error", "all_keys_failed", err.Error()))
	case "canceled":
		c.AbortWithStatus(499)
	default:
		h.log.Error("chat completion failed", "error", err)
		c.JSON(500, model.NewError("internal_error", "internal_error", err.Error()))
	}
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, gateway.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, core.ErrNoKeys):
		return "no_keys"
	case errors.Is(err, gateway.ErrUpstream):
		return "upstream_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, gateway.ErrClientWrite):
		return "canceled"
	default:
		return "error"
	}
}

func (h *ProxyHandler) observe(res *gateway.Result, start time.Time) {
	if h.opts.Recorder == nil {
		return
	}
	source := "upstream"
	if res.Cached {
		source = "cache"
	}
	h.opts.Recorder.RequestLatency.WithLabelValues(source).Observe(time.Since(start).Seconds())
	h.count("ok")
}

func (h *ProxyHandler) count(outcome string) {
	if h.opts.Recorder != nil {
		h.opts.Recorder.Requests.WithLabelValues(outcome).Inc()
	}
}

// ListModels 列出模型
func (h *ProxyHandler) ListModels(c *gin.Context) {
	models := make([]model.ModelInfo, 0, len(h.opts.Models))
	for _, m := range h.opts.Models {
		models = append(models, model.ModelInfo{
			ID:      m,
			Object:  "model",
			Created: h.created,
			OwnedBy: "keypulse",
		})
	}
	c.JSON(200, model.ModelList{Object: "list", Data: models})
}
