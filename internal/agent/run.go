package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"AgentEscrow/internal/brain"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/pkg/logger"
)

// Run 是一次智能体调用的不可变记录，以 (workflow_id, agent_type, started_at) 为键。
type Run struct {
	WorkflowID   string          `json:"workflow_id"`
	AgentType    Type            `json:"agent_type"`
	AgentVersion string          `json:"agent_version"`
	Input        json.RawMessage `json:"input"`
	Output       json.RawMessage `json:"output,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	ErrorCode    xerrors.Code    `json:"error_code,omitempty"`
	BrainType    brain.Type      `json:"brain_type"`
	Confidence   float64         `json:"confidence"`
	StartedAt    time.Time       `json:"started_at"`
	CreatedAt    time.Time       `json:"created_at"`

	// Decoded 为成功运行时解码后的输出，不参与持久化。
	Decoded Output `json:"-"`
}

// Err 将失败的运行还原为统一错误。
func (r *Run) Err() error {
	if r == nil || r.Success {
		return nil
	}
	code := r.ErrorCode
	if code == "" {
		code = xerrors.CodeAgentFailure
	}
	return xerrors.New(code, r.Error, xerrors.WithMetadata("agent_type", string(r.AgentType)))
}

// RunStore 持久化智能体运行记录，只允许追加。
type RunStore interface {
	Append(ctx context.Context, run Run) error
	ListByWorkflow(ctx context.Context, workflowID string) ([]Run, error)
}

// ErrRunConflict 表示相同键的运行记录已存在。
var ErrRunConflict = xerrors.New(xerrors.CodeConflict, "智能体运行记录已存在")

type runKey struct {
	workflowID string
	agentType  Type
	startedAt  int64
}

func keyOf(run Run) runKey {
	return runKey{workflowID: run.WorkflowID, agentType: run.AgentType, startedAt: run.StartedAt.UnixMicro()}
}

// MemoryRunStore 在内存中保存运行记录。
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string][]Run
	keys map[runKey]struct{}
}

// NewMemoryRunStore 创建内存运行记录存储。
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string][]Run), keys: make(map[runKey]struct{})}
}

// Append 追加一条运行记录。
func (m *MemoryRunStore) Append(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(run)
}

func (m *MemoryRunStore) appendLocked(run Run) error {
	key := keyOf(run)
	if _, exists := m.keys[key]; exists {
		return ErrRunConflict
	}
	m.keys[key] = struct{}{}
	run.Decoded = nil
	run.Input = slices.Clone(run.Input)
	run.Output = slices.Clone(run.Output)
	m.runs[run.WorkflowID] = append(m.runs[run.WorkflowID], run)
	return nil
}

// ListByWorkflow 按开始时间返回某个工作流的运行记录。
func (m *MemoryRunStore) ListByWorkflow(_ context.Context, workflowID string) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := slices.Clone(m.runs[workflowID])
	slices.SortStableFunc(runs, func(a, b Run) int { return a.StartedAt.Compare(b.StartedAt) })
	return runs, nil
}

// FileRunStore 以 JSONL 追加写的方式保存运行记录，适合单机部署。
type FileRunStore struct {
	mu       sync.Mutex
	dataFile string
	memory   *MemoryRunStore
	logger   *slog.Logger
}

// FileRunStoreOption 定义可选配置。
type FileRunStoreOption func(*FileRunStore)

// WithRunStoreLogger 指定恢复日志时的日志输出。
func WithRunStoreLogger(l *slog.Logger) FileRunStoreOption {
	return func(f *FileRunStore) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFileRunStore 创建文件运行记录存储，并从已有日志恢复索引。无法解析或重复的行会被跳过并记录日志。
func NewFileRunStore(dataDir string, opts ...FileRunStoreOption) (*FileRunStore, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	store := &FileRunStore{
		dataFile: filepath.Join(dataDir, "agent_runs.jsonl"),
		memory:   NewMemoryRunStore(),
		logger:   logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Append 将运行记录写入日志文件。
func (f *FileRunStore) Append(_ context.Context, run Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.memory.keys[keyOf(run)]; exists {
		return ErrRunConflict
	}

	encoded, err := json.Marshal(run)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化运行记录失败")
	}
	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开运行日志失败")
	}
	defer file.Close()
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行日志失败")
	}

	f.memory.mu.Lock()
	defer f.memory.mu.Unlock()
	return f.memory.appendLocked(run)
}

// ListByWorkflow 返回某个工作流的运行记录。
func (f *FileRunStore) ListByWorkflow(ctx context.Context, workflowID string) ([]Run, error) {
	return f.memory.ListByWorkflow(ctx, workflowID)
}

func (f *FileRunStore) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取运行日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var run Run
		if err := json.Unmarshal(scanner.Bytes(), &run); err != nil {
			f.logger.Warn("跳过无法解析的运行记录",
				slog.String("file", f.dataFile),
				slog.Int("line", line),
				slog.Any("error", err),
			)
			continue
		}
		if err := f.memory.appendLocked(run); err != nil {
			f.logger.Warn("跳过重复的运行记录",
				slog.String("file", f.dataFile),
				slog.Int("line", line),
				slog.String("workflow_id", run.WorkflowID),
				slog.String("agent_type", string(run.AgentType)),
			)
		}
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, fmt.Errorf("%s: %w", f.dataFile, err), "解析运行日志失败")
	}
	return nil
}

var (
	_ RunStore = (*MemoryRunStore)(nil)
	_ RunStore = (*FileRunStore)(nil)
)
