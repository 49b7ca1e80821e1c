package agent

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"AgentEscrow/internal/brain"
	xerrors "AgentEscrow/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLRunStore 将运行记录写入 agent_runs 表，只执行 INSERT。
type MySQLRunStore struct {
	db *sql.DB
}

// NewMySQLRunStore 基于已有连接池创建存储，表结构由迁移维护。
func NewMySQLRunStore(db *sql.DB) *MySQLRunStore {
	return &MySQLRunStore{db: db}
}

// Append 插入运行记录，主键冲突视为重复写入。
func (s *MySQLRunStore) Append(ctx context.Context, run Run) error {
	const stmt = `INSERT INTO agent_runs
        (workflow_id, agent_type, started_at, agent_version, input, output, duration_ms, success, error, error_code, brain_type, confidence, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		run.WorkflowID,
		string(run.AgentType),
		run.StartedAt.UnixMicro(),
		run.AgentVersion,
		nullableJSON(run.Input),
		nullableJSON(run.Output),
		run.DurationMS,
		run.Success,
		run.Error,
		string(run.ErrorCode),
		string(run.BrainType),
		run.Confidence,
		run.CreatedAt.UnixMilli(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRunConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体运行记录失败")
	}
	return nil
}

// ListByWorkflow 按开始时间返回运行记录。
func (s *MySQLRunStore) ListByWorkflow(ctx context.Context, workflowID string) ([]Run, error) {
	const stmt = `SELECT workflow_id, agent_type, started_at, agent_version, input, output, duration_ms, success, error, error_code, brain_type, confidence, created_at
        FROM agent_runs WHERE workflow_id = ? ORDER BY started_at ASC`

	rows, err := s.db.QueryContext(ctx, stmt, workflowID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体运行记录失败")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run                  Run
			agentType, brainType string
			errorCode            string
			startedAt, createdAt int64
			input, output        sql.NullString
		)
		if err := rows.Scan(
			&run.WorkflowID,
			&agentType,
			&startedAt,
			&run.AgentVersion,
			&input,
			&output,
			&run.DurationMS,
			&run.Success,
			&run.Error,
			&errorCode,
			&brainType,
			&run.Confidence,
			&createdAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体运行记录失败")
		}
		run.AgentType = Type(agentType)
		run.BrainType = brain.Type(brainType)
		run.ErrorCode = xerrors.Code(errorCode)
		run.StartedAt = time.UnixMicro(startedAt).UTC()
		run.CreatedAt = time.UnixMilli(createdAt).UTC()
		if input.Valid {
			run.Input = []byte(input.String)
		}
		if output.Valid {
			run.Output = []byte(output.String)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体运行记录失败")
	}
	return runs, nil
}

func nullableJSON(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

var _ RunStore = (*MySQLRunStore)(nil)
