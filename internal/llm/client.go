// internal/llm/client.go
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/AIWriter/internal/utils"
	"github.com/cloudwego/eino/schema"
)

// 哨兵文本。Generate 从不返回错误，失败以这些文本的形式写进历史，用户可见。
const (
	SentinelNotConfigured    = "[ERROR: AI settings not configured. Please configure API Key and URL in Settings.]"
	SentinelRetriesExhausted = "[ERROR: Failed to get a response from AI after multiple attempts.]"
	SentinelCancelled        = "[ERROR: Generation cancelled.]"
)

// IsSentinel 文本是否为客户端生成的错误哨兵
func IsSentinel(text string) bool {
	return strings.HasPrefix(text, "[ERROR:")
}

// Endpoint 某个用户的生成接口地址与密钥
type Endpoint struct {
	BaseURL string
	APIKey  string
}

// Configured 地址和密钥是否都已设置
func (e Endpoint) Configured() bool {
	return strings.TrimSpace(e.BaseURL) != "" && strings.TrimSpace(e.APIKey) != ""
}

// EndpointResolver 按用户解析接口配置
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, userID string) (Endpoint, error)
}

// RetryPolicy 有界线性重试。总尝试次数为 MaxRetries+1。
// 只有解析成功但内容为空时才等待 EmptyBackoff，其余失败立即重试。
type RetryPolicy struct {
	MaxRetries   int
	EmptyBackoff time.Duration
}

// DefaultRetryPolicy 默认重试策略
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 20, EmptyBackoff: time.Second}

// Sampling 采样参数
type Sampling struct {
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// DefaultSampling 默认采样参数
var DefaultSampling = Sampling{Temperature: 0.6, TopP: 0.9, FrequencyPenalty: 0.8, PresencePenalty: 0.5}

// DefaultTimeout 单次请求超时。长章节生成可能需要十几分钟。
const DefaultTimeout = 20 * time.Minute

// Client 兼容 OpenAI chat/completions 协议的生成客户端。
// 不保存任何故事相关状态，可被多个写作循环并发使用。
type Client struct {
	resolver EndpointResolver
	http     *http.Client
	retry    RetryPolicy
	sampling Sampling
	logger   *utils.Logger
	metrics  *utils.MetricsCollector
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout 设置单次请求超时
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRetryPolicy 设置重试策略
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		if p.MaxRetries < 0 {
			p.MaxRetries = 0
		}
		c.retry = p
	}
}

// WithSampling 设置采样参数
func WithSampling(s Sampling) Option {
	return func(c *Client) { c.sampling = s }
}

// WithMetrics 使用指定的指标收集器
func WithMetrics(m *utils.MetricsCollector) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient 创建生成客户端
func NewClient(resolver EndpointResolver, opts ...Option) *Client {
	c := &Client{
		resolver: resolver,
		http:     &http.Client{Timeout: DefaultTimeout},
		retry:    DefaultRetryPolicy,
		sampling: DefaultSampling,
		logger:   utils.GetLogger(),
		metrics:  utils.GetMetricsCollector(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	Temperature      float64       `json:"temperature"`
	TopP             float64       `json:"top_p"`
	FrequencyPenalty float64       `json:"frequency_penalty"`
	PresencePenalty  float64       `json:"presence_penalty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// attemptResult 单次请求的结果分类
type attemptResult int

const (
	attemptOK attemptResult = iota
	attemptEmpty
	attemptFailed
)

// Generate 调用模型并返回文本。失败时返回哨兵文本而不是错误。
func (c *Client) Generate(ctx context.Context, userID, model string, messages []*schema.Message) string {
	endpoint, err := c.resolver.ResolveEndpoint(ctx, userID)
	if err != nil {
		c.logger.Warn("解析生成接口配置失败", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return SentinelNotConfigured
	}
	if !endpoint.Configured() {
		return SentinelNotConfigured
	}

	body, err := json.Marshal(c.buildRequest(model, messages))
	if err != nil {
		c.logger.Error("序列化生成请求失败", map[string]interface{}{"error": err.Error()})
		return SentinelRetriesExhausted
	}

	c.metrics.IncrementCounter(utils.MetricGenerationCalls)
	start := time.Now()
	defer func() { c.metrics.RecordDuration(utils.MetricGenerationLatency, time.Since(start)) }()

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return SentinelCancelled
		}
		if attempt > 0 {
			c.metrics.IncrementCounter(utils.MetricGenerationRetries)
		}

		text, result, err := c.doChat(ctx, endpoint, body)
		if result == attemptOK {
			return text
		}
		if ctx.Err() != nil {
			return SentinelCancelled
		}

		fields := map[string]interface{}{
			"user_id": userID,
			"model":   model,
			"attempt": attempt + 1,
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		c.logger.Warn("生成请求未得到有效结果", fields)

		if result == attemptEmpty && attempt < c.retry.MaxRetries {
			if !sleepCtx(ctx, c.retry.EmptyBackoff) {
				return SentinelCancelled
			}
		}
	}

	c.metrics.IncrementCounter(utils.MetricGenerationFailures)
	c.logger.Error("生成请求重试次数耗尽", map[string]interface{}{
		"user_id":  userID,
		"model":    model,
		"attempts": c.retry.MaxRetries + 1,
	})
	return SentinelRetriesExhausted
}

func (c *Client) buildRequest(model string, messages []*schema.Message) chatRequest {
	req := chatRequest{
		Model:            model,
		Messages:         make([]chatMessage, 0, len(messages)),
		Temperature:      c.sampling.Temperature,
		TopP:             c.sampling.TopP,
		FrequencyPenalty: c.sampling.FrequencyPenalty,
		PresencePenalty:  c.sampling.PresencePenalty,
	}
	for _, m := range messages {
		if m == nil {
			continue
		}
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	return req
}

func (c *Client) doChat(ctx context.Context, endpoint Endpoint, body []byte) (string, attemptResult, error) {
	url := strings.TrimRight(endpoint.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", attemptFailed, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+endpoint.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", attemptFailed, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", attemptFailed, fmt.Errorf("生成接口返回 %d: %s", resp.StatusCode, string(snippet))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", attemptFailed, fmt.Errorf("解析生成响应失败: %w", err)
	}

	if len(parsed.Choices) == 0 {
		return "", attemptEmpty, nil
	}
	text := parsed.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", attemptEmpty, nil
	}
	return text, attemptOK, nil
}

// ListModels 透传 {base}/models 的响应体
func (c *Client) ListModels(ctx context.Context, userID string) ([]byte, error) {
	endpoint, err := c.resolver.ResolveEndpoint(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !endpoint.Configured() {
		return nil, ErrNotConfigured
	}

	url := strings.TrimRight(endpoint.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+endpoint.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("获取模型列表失败(%d): %s", resp.StatusCode, string(data))
	}
	return data, nil
}

// sleepCtx 可取消的等待，被取消时返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
