package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strings"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/llm"
)

// Client 通过调用 Python 脚本实现智能体能力，请求以 JSON 写入 stdin。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

// Generate 调用外部脚本，智能体类型作为第一个参数传入，
// 脚本需在 stdout 输出 {"output":...,"confidence":...}。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化能力请求失败")
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath, req.AgentType)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "Python 脚本超时",
				xerrors.WithMetadata("agent_type", req.AgentType))
		}
		return nil, xerrors.Wrap(xerrors.CodeAgentFailure, err, "执行 Python 脚本失败",
			xerrors.WithMetadata("agent_type", req.AgentType),
			xerrors.WithMetadata("stderr", strings.TrimSpace(stderr.String())))
	}

	var resp llm.Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAgentFailure, err, "解析 Python 输出失败",
			xerrors.WithMetadata("agent_type", req.AgentType))
	}
	if len(resp.Output) == 0 {
		return nil, xerrors.New(xerrors.CodeAgentFailure, "Python 输出缺少 output 字段",
			xerrors.WithMetadata("agent_type", req.AgentType))
	}
	return &resp, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
