package anomaly

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentEscrow/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 将异常写入 anomaly_records。dedup_key 在未解决时有值并受唯一索引约束，解决后置空。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已有连接池创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

const recordColumns = `id, kind, severity, score, escrow_impact, escrow_id, subject_id, detail, resolved, resolved_by,
        resolution_note, resolved_at, last_seen_at, created_at, updated_at`

// Create 实现 Store 接口。
func (s *MySQLStore) Create(ctx context.Context, record Record) (Record, error) {
	record.LastSeenAt = record.FlaggedAt()
	_, err := s.db.ExecContext(ctx, `INSERT INTO anomaly_records (`+recordColumns+`, dedup_key)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		string(record.Kind),
		string(record.Severity),
		record.Score,
		record.EscrowImpact,
		record.EscrowID,
		record.SubjectID,
		record.Detail,
		false,
		"",
		"",
		int64(0),
		record.LastSeenAt.UnixMilli(),
		record.CreatedAt.UnixMilli(),
		record.UpdatedAt.UnixMilli(),
		record.DedupKey(),
	)
	if err == nil {
		return record, nil
	}
	var mysqlErr *mysql.MySQLError
	if !stdErrors.As(err, &mysqlErr) || mysqlErr.Number != 1062 {
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入异常记录失败")
	}
	seen := record.CreatedAt.UnixMilli()
	if _, err := s.db.ExecContext(ctx, `UPDATE anomaly_records SET last_seen_at = GREATEST(last_seen_at, ?),
        updated_at = GREATEST(updated_at, ?) WHERE dedup_key = ?`, seen, seen, record.DedupKey()); err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新异常触发时间失败")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM anomaly_records WHERE dedup_key = ?`, record.DedupKey())
	existing, scanErr := scanRecord(row)
	if scanErr != nil {
		return Record{}, ErrDuplicate
	}
	return existing, ErrDuplicate
}

// Get 实现 Store 接口。
func (s *MySQLStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM anomaly_records WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询异常记录失败")
	}
	return record, nil
}

// Resolve 实现 Store 接口。
func (s *MySQLStore) Resolve(ctx context.Context, id, operator, note string, at time.Time) (Record, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE anomaly_records SET resolved = 1, resolved_by = ?, resolution_note = ?,
        resolved_at = ?, updated_at = ?, dedup_key = NULL WHERE id = ? AND resolved = 0`,
		operator, note, at.UnixMilli(), at.UnixMilli(), id)
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解决异常失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	record, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if affected == 0 {
		return record, ErrResolved
	}
	return record, nil
}

// List 实现 Store 接口，按创建时间倒序。
func (s *MySQLStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.EscrowID != "" {
		clauses = append(clauses, "escrow_id = ?")
		args = append(args, filter.EscrowID)
	}
	if filter.SubjectID != "" {
		clauses = append(clauses, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.Unresolved {
		clauses = append(clauses, "resolved = 0")
	}
	query := `SELECT ` + recordColumns + ` FROM anomaly_records`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.query(ctx, query, args...)
}

// Holds 实现 Store 接口。
func (s *MySQLStore) Holds(ctx context.Context, escrowID string) ([]Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM anomaly_records
        WHERE escrow_id = ? AND escrow_impact = 1 AND resolved = 0 ORDER BY created_at ASC, id ASC`, escrowID)
}

func (s *MySQLStore) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询异常记录失败")
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析异常记录失败")
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历异常记录失败")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		record               Record
		kind, severity       string
		resolvedAt, lastSeen int64
		created, updated     int64
	)
	if err := row.Scan(
		&record.ID,
		&kind,
		&severity,
		&record.Score,
		&record.EscrowImpact,
		&record.EscrowID,
		&record.SubjectID,
		&record.Detail,
		&record.Resolved,
		&record.ResolvedBy,
		&record.ResolutionNote,
		&resolvedAt,
		&lastSeen,
		&created,
		&updated,
	); err != nil {
		return Record{}, err
	}
	record.Kind = Kind(kind)
	record.Severity = Severity(severity)
	if resolvedAt > 0 {
		record.ResolvedAt = time.UnixMilli(resolvedAt).UTC()
	}
	record.CreatedAt = time.UnixMilli(created).UTC()
	record.LastSeenAt = record.CreatedAt
	if lastSeen > created {
		record.LastSeenAt = time.UnixMilli(lastSeen).UTC()
	}
	record.UpdatedAt = time.UnixMilli(updated).UTC()
	return record, nil
}

var _ Store = (*MySQLStore)(nil)
