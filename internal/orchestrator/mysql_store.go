package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"AgentEscrow/internal/agent"
	"AgentEscrow/internal/brain"
	xerrors "AgentEscrow/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 将会话写入 orchestrator_sessions，表结构由迁移维护。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 基于已有连接池创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const sessionColumns = `id, owner_id, workflow_id, listing, status, current_step, workflow_state, analytical_output,
        creative_output, combined_output, agent_sequence, total_duration_ms, success, escrow_id, failure_code, failure,
        cancel_requested, version, created_at, updated_at`

// sessionDocs 是会话中以 JSON 存储的列。
type sessionDocs struct {
	listing, state, analytical, creative, combined, sequence sql.NullString
}

func encodeDocs(s *Session) (sessionDocs, error) {
	var docs sessionDocs
	var err error
	if docs.listing, err = encodeJSON(s.Listing); err != nil {
		return docs, err
	}
	if docs.state, err = encodeJSON(s.WorkflowState); err != nil {
		return docs, err
	}
	if s.AnalyticalOutput != nil {
		if docs.analytical, err = encodeJSON(s.AnalyticalOutput); err != nil {
			return docs, err
		}
	}
	if s.CreativeOutput != nil {
		if docs.creative, err = encodeJSON(s.CreativeOutput); err != nil {
			return docs, err
		}
	}
	if s.CombinedOutput != nil {
		if docs.combined, err = encodeJSON(s.CombinedOutput); err != nil {
			return docs, err
		}
	}
	docs.sequence, err = encodeJSON(s.AgentSequence)
	return docs, err
}

func encodeJSON(v any) (sql.NullString, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码会话字段失败")
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// Create 实现 Store 接口。
func (s *MySQLStore) Create(ctx context.Context, session *Session) error {
	if session == nil || strings.TrimSpace(session.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	now := s.now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	session.Version = 1
	docs, err := encodeDocs(session)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO orchestrator_sessions (`+sessionColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.OwnerID,
		session.WorkflowID,
		docs.listing,
		string(session.Status),
		string(session.CurrentStep),
		docs.state,
		docs.analytical,
		docs.creative,
		docs.combined,
		docs.sequence,
		session.TotalDurationMS,
		session.Success,
		session.EscrowID,
		string(session.FailureCode),
		session.Failure,
		session.CancelRequested,
		session.Version,
		session.CreatedAt.UnixMilli(),
		session.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrSessionConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM orchestrator_sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	return session, nil
}

// Claim 实现 Store 接口。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Session, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE orchestrator_sessions SET status = ?, version = version + 1, updated_at = ?
        WHERE id = ? AND status = ?`,
		string(StatusRunning), s.now().UnixMilli(), id, string(StatusCreated))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取会话失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return session, ErrSessionNotClaimable
	}
	return session, nil
}

// Update 实现 Store 接口。cancel_requested 不在更新列中。
func (s *MySQLStore) Update(ctx context.Context, session *Session) error {
	if session == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话不能为空")
	}
	docs, err := encodeDocs(session)
	if err != nil {
		return err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `UPDATE orchestrator_sessions SET status = ?, current_step = ?, workflow_state = ?,
        analytical_output = ?, creative_output = ?, combined_output = ?, agent_sequence = ?, total_duration_ms = ?,
        success = ?, escrow_id = ?, failure_code = ?, failure = ?, version = version + 1, updated_at = ?
        WHERE id = ? AND version = ?`,
		string(session.Status),
		string(session.CurrentStep),
		docs.state,
		docs.analytical,
		docs.creative,
		docs.combined,
		docs.sequence,
		session.TotalDurationMS,
		session.Success,
		session.EscrowID,
		string(session.FailureCode),
		session.Failure,
		now.UnixMilli(),
		session.ID,
		session.Version,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, session.ID); getErr != nil {
			return getErr
		}
		return ErrSessionConflict
	}
	session.Version++
	session.UpdatedAt = now
	return nil
}

// RequestCancel 实现 Store 接口。
func (s *MySQLStore) RequestCancel(ctx context.Context, id string) (*Session, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE orchestrator_sessions SET cancel_requested = 1, updated_at = ?
        WHERE id = ? AND status IN (?, ?)`,
		s.now().UnixMilli(), id, string(StatusCreated), string(StatusRunning))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入取消标记失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 && session.Status.Terminal() {
		return session, ErrSessionTerminal
	}
	return session, nil
}

// List 实现 Store 接口。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Session, error) {
	opts.applyDefaults()
	var (
		clauses []string
		args    []any
	)
	if opts.OwnerID != "" {
		clauses = append(clauses, "owner_id = ?")
		args = append(args, opts.OwnerID)
	}
	if len(opts.Statuses) > 0 {
		marks := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT ` + sessionColumns + ` FROM orchestrator_sessions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话列表失败")
	}
	defer rows.Close()
	sessions := make([]*Session, 0, opts.Limit)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话失败")
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话失败")
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		session              Session
		docs                 sessionDocs
		status, currentStep  string
		failureCode          string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&session.ID,
		&session.OwnerID,
		&session.WorkflowID,
		&docs.listing,
		&status,
		&currentStep,
		&docs.state,
		&docs.analytical,
		&docs.creative,
		&docs.combined,
		&docs.sequence,
		&session.TotalDurationMS,
		&session.Success,
		&session.EscrowID,
		&failureCode,
		&session.Failure,
		&session.CancelRequested,
		&session.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	session.Status = Status(status)
	session.CurrentStep = agent.Type(currentStep)
	session.FailureCode = xerrors.Code(failureCode)
	session.CreatedAt = time.UnixMilli(createdAt).UTC()
	session.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	if err := decodeJSON(docs.listing, &session.Listing); err != nil {
		return nil, err
	}
	session.WorkflowState = make(map[agent.Type]StepStatus)
	if err := decodeJSON(docs.state, &session.WorkflowState); err != nil {
		return nil, err
	}
	if docs.analytical.Valid {
		session.AnalyticalOutput = &brain.Reasoning{}
		if err := decodeJSON(docs.analytical, session.AnalyticalOutput); err != nil {
			return nil, err
		}
	}
	if docs.creative.Valid {
		session.CreativeOutput = &brain.Reasoning{}
		if err := decodeJSON(docs.creative, session.CreativeOutput); err != nil {
			return nil, err
		}
	}
	if docs.combined.Valid {
		session.CombinedOutput = &brain.Combined{}
		if err := decodeJSON(docs.combined, session.CombinedOutput); err != nil {
			return nil, err
		}
	}
	session.AgentSequence = []agent.Type{}
	if err := decodeJSON(docs.sequence, &session.AgentSequence); err != nil {
		return nil, err
	}
	return &session, nil
}

func decodeJSON(raw sql.NullString, dst any) error {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}

var _ Store = (*MySQLStore)(nil)
