package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	"AgentEscrow/internal/custody"
	xerrors "AgentEscrow/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 将托管数据写入 escrow_workflows、escrow_verifications 与 escrow_audit_log。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已有连接池创建存储，表结构由迁移维护。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

const workflowColumns = `id, session_id, listing_id, buyer_id, seller_id, backend_type, amount, currency, status, verified,
        trust_score, required_verifications, funded_via, funding_reference, funded_at, dispute_raised, dispute_reason,
        resolution, version, created_at, updated_at`

// Create 实现 Store 接口。
func (s *MySQLStore) Create(ctx context.Context, wf Workflow, entry AuditLogEntry) (AuditLogEntry, error) {
	required, err := json.Marshal(wf.RequiredVerifications)
	if err != nil {
		return AuditLogEntry{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码必需验证失败")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AuditLogEntry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	const stmt = `INSERT INTO escrow_workflows (` + workflowColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, stmt,
		wf.ID,
		wf.SessionID,
		wf.ListingID,
		wf.BuyerID,
		wf.SellerID,
		string(wf.Backend),
		wf.Amount,
		wf.Currency,
		string(wf.Status),
		wf.Verified,
		wf.TrustScore,
		string(required),
		string(wf.FundedVia),
		wf.FundingReference,
		unixMilli(wf.FundedAt),
		wf.DisputeRaised,
		wf.DisputeReason,
		string(wf.Resolution),
		wf.Version,
		wf.CreatedAt.UnixMilli(),
		wf.UpdatedAt.UnixMilli(),
	); err != nil {
		if isDuplicateKey(err) {
			return AuditLogEntry{}, ErrConflict
		}
		return AuditLogEntry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入托管失败")
	}
	sealed, err := appendAuditTx(ctx, tx, entry)
	if err != nil {
		return AuditLogEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return AuditLogEntry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交托管事务失败")
	}
	return sealed, nil
}

// Get 实现 Store 接口。
func (s *MySQLStore) Get(ctx context.Context, id string) (Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM escrow_workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Workflow{}, ErrNotFound
		}
		return Workflow{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询托管失败")
	}
	return wf, nil
}

// Transition 实现 Store 接口。
func (s *MySQLStore) Transition(ctx context.Context, wf Workflow, expectedVersion int64, entry AuditLogEntry) (AuditLogEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AuditLogEntry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	const stmt = `UPDATE escrow_workflows SET status = ?, verified = ?, funded_via = ?, funding_reference = ?, funded_at = ?,
        dispute_raised = ?, dispute_reason = ?, resolution = ?, version = ?, updated_at = ?
        WHERE id = ? AND version = ?`
	res, err := tx.ExecContext(ctx, stmt,
		string(wf.Status),
		wf.Verified,
		string(wf.FundedVia),
		wf.FundingReference,
		unixMilli(wf.FundedAt),
		wf.DisputeRaised,
		wf.DisputeReason,
		string(wf.Resolution),
		wf.Version,
		wf.UpdatedAt.UnixMilli(),
		wf.ID,
		expectedVersion,
	)
	if err != nil {
		return AuditLogEntry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新托管状态失败")
	}
	if affected, err := res.RowsAffected(); err != nil {
		return AuditLogEntry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	} else if affected == 0 {
		return AuditLogEntry{}, ErrVersionConflict
	}
	sealed, err := appendAuditTx(ctx, tx, entry)
	if err != nil {
		return AuditLogEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return AuditLogEntry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交托管事务失败")
	}
	return sealed, nil
}

// AppendAudit 实现 Store 接口。
func (s *MySQLStore) AppendAudit(ctx context.Context, entry AuditLogEntry) (AuditLogEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AuditLogEntry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()
	sealed, err := appendAuditTx(ctx, tx, entry)
	if err != nil {
		return AuditLogEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return AuditLogEntry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交审计事务失败")
	}
	return sealed, nil
}

// appendAuditTx 锁定链尾后封装并插入审计记录。
func appendAuditTx(ctx context.Context, tx *sql.Tx, entry AuditLogEntry) (AuditLogEntry, error) {
	const tail = `SELECT sequence, entry_hash FROM escrow_audit_log WHERE escrow_id = ? ORDER BY sequence DESC LIMIT 1 FOR UPDATE`
	var prev *AuditLogEntry
	var last AuditLogEntry
	switch err := tx.QueryRowContext(ctx, tail, entry.EscrowID).Scan(&last.Sequence, &last.EntryHash); {
	case err == nil:
		prev = &last
	case stdErrors.Is(err, sql.ErrNoRows):
	default:
		return AuditLogEntry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计链尾失败")
	}
	if err := Seal(&entry, prev); err != nil {
		return AuditLogEntry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "封装审计记录失败")
	}
	data, err := json.Marshal(entry.Data)
	if err != nil {
		return AuditLogEntry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码审计数据失败")
	}

	const stmt = `INSERT INTO escrow_audit_log
        (id, escrow_id, sequence, action, outcome, from_status, to_status, actor, data, previous_hash, entry_hash, timestamp, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, stmt,
		entry.ID,
		entry.EscrowID,
		entry.Sequence,
		string(entry.Action),
		string(entry.Outcome),
		string(entry.FromStatus),
		string(entry.ToStatus),
		entry.Actor,
		string(data),
		entry.PreviousHash,
		entry.EntryHash,
		entry.Timestamp.UnixMilli(),
		entry.Timestamp.UnixMilli(),
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1452 {
			return AuditLogEntry{}, ErrNotFound
		}
		return AuditLogEntry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计记录失败")
	}
	return entry, nil
}

// AppendVerification 实现 Store 接口。
func (s *MySQLStore) AppendVerification(ctx context.Context, ev VerificationEvent, wf Workflow, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE escrow_workflows SET verified = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`,
		wf.Verified, wf.Version, wf.UpdatedAt.UnixMilli(), wf.ID, expectedVersion,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新验证标记失败")
	}
	if affected, err := res.RowsAffected(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	} else if affected == 0 {
		return ErrVersionConflict
	}

	const stmt = `INSERT INTO escrow_verifications
        (id, escrow_id, kind, verified_by, verifier_id, outcome, evidence, timestamp, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, stmt,
		ev.ID,
		ev.EscrowID,
		string(ev.Kind),
		string(ev.VerifiedBy),
		ev.VerifierID,
		ev.Outcome,
		ev.Evidence,
		ev.Timestamp.UnixMilli(),
		ev.CreatedAt.UnixMilli(),
	); err != nil {
		if isDuplicateKey(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入验证事件失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交验证事务失败")
	}
	return nil
}

// AuditTrail 实现 Store 接口。
func (s *MySQLStore) AuditTrail(ctx context.Context, escrowID string) ([]AuditLogEntry, error) {
	const stmt = `SELECT id, escrow_id, sequence, action, outcome, from_status, to_status, actor, data, previous_hash, entry_hash, timestamp
        FROM escrow_audit_log WHERE escrow_id = ? ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, stmt, escrowID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计记录失败")
	}
	defer rows.Close()

	var entries []AuditLogEntry
	for rows.Next() {
		var (
			entry                AuditLogEntry
			action, outcome      string
			fromStatus, toStatus string
			data                 sql.NullString
			timestamp            int64
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.EscrowID,
			&entry.Sequence,
			&action,
			&outcome,
			&fromStatus,
			&toStatus,
			&entry.Actor,
			&data,
			&entry.PreviousHash,
			&entry.EntryHash,
			&timestamp,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计记录失败")
		}
		entry.Action = Event(action)
		entry.Outcome = Outcome(outcome)
		entry.FromStatus = Status(fromStatus)
		entry.ToStatus = Status(toStatus)
		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		if data.Valid && data.String != "" && data.String != "null" {
			if err := json.Unmarshal([]byte(data.String), &entry.Data); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计数据失败")
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审计记录失败")
	}
	return entries, nil
}

// Verifications 实现 Store 接口。
func (s *MySQLStore) Verifications(ctx context.Context, escrowID string) ([]VerificationEvent, error) {
	const stmt = `SELECT id, escrow_id, kind, verified_by, verifier_id, outcome, evidence, timestamp, created_at
        FROM escrow_verifications WHERE escrow_id = ? ORDER BY created_at ASC, seq ASC`
	rows, err := s.db.QueryContext(ctx, stmt, escrowID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询验证事件失败")
	}
	defer rows.Close()

	var events []VerificationEvent
	for rows.Next() {
		var (
			ev                   VerificationEvent
			kind, verifiedBy     string
			timestamp, createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &kind, &verifiedBy, &ev.VerifierID, &ev.Outcome, &ev.Evidence, &timestamp, &createdAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析验证事件失败")
		}
		ev.Kind = Kind(kind)
		ev.VerifiedBy = Verifier(verifiedBy)
		ev.Timestamp = time.UnixMilli(timestamp).UTC()
		ev.CreatedAt = time.UnixMilli(createdAt).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历验证事件失败")
	}
	return events, nil
}

// ListByParty 实现 Store 接口。
func (s *MySQLStore) ListByParty(ctx context.Context, subjectID string) ([]Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM escrow_workflows WHERE buyer_id = ? OR seller_id = ? ORDER BY created_at ASC, id ASC`,
		subjectID, subjectID,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询主体托管失败")
	}
	defer rows.Close()

	var out []Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析托管记录失败")
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历托管记录失败")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (Workflow, error) {
	var (
		wf                                     Workflow
		backend, status, fundedVia, resolution string
		required                               sql.NullString
		fundedAt, createdAt, updatedAt         int64
	)
	if err := row.Scan(
		&wf.ID,
		&wf.SessionID,
		&wf.ListingID,
		&wf.BuyerID,
		&wf.SellerID,
		&backend,
		&wf.Amount,
		&wf.Currency,
		&status,
		&wf.Verified,
		&wf.TrustScore,
		&required,
		&fundedVia,
		&wf.FundingReference,
		&fundedAt,
		&wf.DisputeRaised,
		&wf.DisputeReason,
		&resolution,
		&wf.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return Workflow{}, err
	}
	wf.Backend = custody.Backend(backend)
	wf.Status = Status(status)
	wf.FundedVia = custody.Backend(fundedVia)
	wf.Resolution = Status(resolution)
	if fundedAt > 0 {
		wf.FundedAt = time.UnixMilli(fundedAt).UTC()
	}
	wf.CreatedAt = time.UnixMilli(createdAt).UTC()
	wf.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if required.Valid && required.String != "" {
		if err := json.Unmarshal([]byte(required.String), &wf.RequiredVerifications); err != nil {
			return Workflow{}, err
		}
	}
	return wf, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

var _ Store = (*MySQLStore)(nil)
