package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
)

// StreamReader 读取流式块直到 io.EOF
type StreamReader interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// Upstream 使用单个密钥调用的 OpenAI 兼容上游
type Upstream interface {
	CreateChatCompletion(ctx context.Context, apiKey string, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, apiKey string, req openai.ChatCompletionRequest) (StreamReader, error)
}

// OpenAIUpstream OpenAI 兼容上游，按 key 懒加载客户端，共享一个 http.Client
type OpenAIUpstream struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewOpenAIUpstream 创建上游
func NewOpenAIUpstream(baseURL string, timeout time.Duration) *OpenAIUpstream {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OpenAIUpstream{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		clients:    make(map[string]*openai.Client),
	}
}

func (u *OpenAIUpstream) client(apiKey string) *openai.Client {
	u.mu.Lock()
	defer u.mu.Unlock()
	if c, ok := u.clients[apiKey]; ok {
		return c
	}
	cfg := openai.DefaultConfig(apiKey)
	if u.baseURL != "" {
		cfg.BaseURL = u.baseURL
	}
	cfg.HTTPClient = u.httpClient
	c := openai.NewClientWithConfig(cfg)
	u.clients[apiKey] = c
	return c
}

// Forget 释放已删除 key 的客户端
func (u *OpenAIUpstream) Forget(apiKey string) {
	u.mu.Lock()
	delete(u.clients, apiKey)
	u.mu.Unlock()
}

// CreateChatCompletion 非流式请求
func (u *OpenAIUpstream) CreateChatCompletion(ctx context.Context, apiKey string, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	req.Stream = false
	return u.client(apiKey).CreateChatCompletion(ctx, req)
}

// CreateChatCompletionStream 流式请求
func (u *OpenAIUpstream) CreateChatCompletionStream(ctx context.Context, apiKey string, req openai.ChatCompletionRequest) (StreamReader, error) {
	req.Stream = true
	stream, err := u.client(apiKey).CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return stream, nil
}
