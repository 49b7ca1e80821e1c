package llm

import (
	"context"
	"encoding/json"
)

// Request 描述一次对外部 AI/自动化能力的调用。
type Request struct {
	AgentType    string          `json:"agent_type"`
	BrainType    string          `json:"brain_type"`
	AgentVersion string          `json:"agent_version,omitempty"`
	WorkflowID   string          `json:"workflow_id,omitempty"`
	Input        json.RawMessage `json:"input"`
}

// Response 是能力提供方返回的结构化输出与置信度。
type Response struct {
	Output     json.RawMessage `json:"output"`
	Confidence float64         `json:"confidence"`
	Model      string          `json:"model,omitempty"`
}

// Client 定义了调用外部能力的统一接口。实现方需要遵守 ctx 的超时。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 允许使用函数实现 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Client 接口。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
