package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "OpenSwap-Chain/internal/errors"
	"OpenSwap-Chain/internal/intake"
	"OpenSwap-Chain/internal/swap"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 30 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Parser 通过 JSON 模式的 Chat Completions 抽取订单字段。
type Parser struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

var _ swap.OrderParser = (*Parser)(nil)

// NewParser 根据配置创建解析器。
func NewParser(cfg Config) (*Parser, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Parser{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Parse 实现 swap.OrderParser。模型调用失败返回可重试的 UPSTREAM_FAILURE，
// 模型输出缺字段时返回 INVALID_ORDER。
func (p *Parser) Parse(ctx context.Context, ownerID, text string) (swap.Order, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return swap.Order{}, xerrors.New(swap.CodeInvalidOrder, "订单文本不能为空", xerrors.WithMetadata("field", "text"))
	}
	content, err := p.complete(ctx, text)
	if err != nil {
		return swap.Order{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "调用 OpenAI 解析订单失败")
	}

	var fields intake.Fields
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return swap.Order{}, xerrors.Wrap(swap.CodeInvalidOrder, err, "模型输出不是合法的订单 JSON",
			xerrors.WithMetadata("field", "text"))
	}
	return fields.Order(ownerID)
}

func (p *Parser) complete(ctx context.Context, text string) (string, error) {
	payload, err := p.buildPayload(text)
	if err != nil {
		return "", err
	}

	endpoint := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("OpenAI 响应中没有有效的 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("OpenAI 响应内容为空")
	}
	return content, nil
}

func (p *Parser) buildPayload(text string) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	body := map[string]any{
		"model": p.model,
		"messages": []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(text)},
		},
		"temperature":     0,
		"response_format": map[string]string{"type": "json_object"},
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You extract peer-to-peer swap orders from chat messages. " +
	"Return ONLY a JSON object with the keys wallet, sendingToken, sendingAmount, requestedToken, requestedAmount. " +
	"Amounts are numbers; token symbols are upper case; leave a field empty when the message does not state it."

func buildUserPrompt(text string) string {
	var builder strings.Builder
	builder.WriteString("Extract the order from this message:\n")
	builder.WriteString(fmt.Sprintf("%q", text))
	return builder.String()
}
