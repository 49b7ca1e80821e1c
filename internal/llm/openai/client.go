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

	"AgentEscrow/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力，为每类智能体生成 JSON 输出。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Generate 调用 OpenAI，并将 JSON 模式的回复解析为结构化输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("OpenAI 响应内容为空")
	}

	var structured struct {
		Output     json.RawMessage `json:"output"`
		Confidence float64         `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		return nil, fmt.Errorf("OpenAI 回复不是合法 JSON: %w", err)
	}
	if len(structured.Output) == 0 {
		return nil, errors.New("OpenAI 回复缺少 output 字段")
	}
	return &llm.Response{Output: structured.Output, Confidence: structured.Confidence, Model: decoded.Model}, nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: systemPrompt(req.AgentType, req.BrainType)},
			{Role: "user", Content: string(req.Input)},
		},
		"temperature":     temperature(req.BrainType),
		"response_format": map[string]string{"type": "json_object"},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

// 分析型推理使用低温度，创意型推理允许更多变化。
func temperature(brainType string) float64 {
	if brainType == "creative" {
		return 0.7
	}
	return 0.1
}

var agentInstructions = map[string]string{
	"intake":       `Normalise the listing. Output {"category","condition","title","missing_fields":[]}.`,
	"visual":       `Assess the item from its images. Output {"condition","dimensions":{"length_cm","width_cm","height_cm","weight_kg"},"damage_score","labels":[]}.`,
	"description":  `Write buyer-facing copy. Output {"title","description","highlights":[]}.`,
	"valuation":    `Price the item in minor currency units. Output {"price_minor","low_minor","high_minor","currency","risk_score"}.`,
	"negotiator":   `Evaluate the offers against the floor. Output {"agreed","buyer_id","agreed_price_minor","currency","phrasing"}.`,
	"escrow":       `Recommend custody. Output {"backend","required_verifications":[],"notes"}.`,
	"learning":     `Summarise what to adjust next time. Output {"insights":[],"adjustments":{}}.`,
	"orchestrator": `Plan the remaining pipeline. Output {"skip":[],"notes"}.`,
}

func systemPrompt(agentType, brainType string) string {
	instruction, ok := agentInstructions[agentType]
	if !ok {
		instruction = "Output a JSON object describing your result."
	}
	return fmt.Sprintf("You are the %s agent of a marketplace transaction pipeline, reasoning in %s mode. %s "+
		"Respond with exactly one JSON object of the form {\"output\": <result>, \"confidence\": <0..1>}.",
		agentType, brainType, instruction)
}
