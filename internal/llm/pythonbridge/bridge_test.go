package pythonbridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/llm"
)

func TestGenerateReadsStdoutJSON(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "agent.sh")
	body := "cat > /dev/null\necho '{\"output\":{\"condition\":\"good\"},\"confidence\":0.4}'\n"
	if err := os.WriteFile(script, []byte(body), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}

	client, err := NewClient("sh", "agent.sh", dir)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{AgentType: "visual", BrainType: "analytical"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Confidence != 0.4 || string(resp.Output) != `{"condition":"good"}` {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGenerateFailureIsAgentFailure(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "agent.sh")
	body := "cat > /dev/null\necho \"agent $1 unavailable\" >&2\nexit 3\n"
	if err := os.WriteFile(script, []byte(body), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}

	client, err := NewClient("sh", "agent.sh", dir)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Generate(context.Background(), llm.Request{AgentType: "valuation"})
	if !xerrors.IsCode(err, xerrors.CodeAgentFailure) {
		t.Fatalf("expected AGENT_FAILURE, got %v", err)
	}
	e, ok := xerrors.From(err)
	if !ok || e.Metadata()["stderr"] != "agent valuation unavailable" {
		t.Fatalf("stderr not captured: %v", err)
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/srv", "bridge.py"); got != filepath.Join("/srv", "bridge.py") {
		t.Fatalf("unexpected path %q", got)
	}
	if got := ResolveScriptPath("/srv", "/opt/bridge.py"); got != "/opt/bridge.py" {
		t.Fatalf("absolute path should be kept, got %q", got)
	}
}
