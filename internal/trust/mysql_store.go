package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "AgentEscrow/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 将徽章写入 trust_badges 表。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已有连接池创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

const badgeColumns = `id, subject_id, listing_id, level, score, criteria, active, issued_at, expires_at, deactivated_at,
        created_at, updated_at`

// Issue 实现 Store 接口。
func (s *MySQLStore) Issue(ctx context.Context, badge Badge) error {
	criteria, err := json.Marshal(badge.Criteria)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码评分快照失败")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE trust_badges SET active = 0, deactivated_at = ?, updated_at = ?
        WHERE subject_id = ? AND listing_id = ? AND active = 1`,
		badge.IssuedAt.UnixMilli(),
		badge.IssuedAt.UnixMilli(),
		badge.SubjectID,
		badge.ListingID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "停用旧徽章失败")
	}
	if affected, err := res.RowsAffected(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	} else if affected > 1 {
		return xerrors.New(xerrors.CodeConflict, "同一主体存在多枚启用徽章",
			xerrors.WithMetadata("subject_id", badge.SubjectID),
			xerrors.WithMetadata("listing_id", badge.ListingID))
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO trust_badges (`+badgeColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		badge.ID,
		badge.SubjectID,
		badge.ListingID,
		string(badge.Level),
		badge.Score,
		string(criteria),
		true,
		badge.IssuedAt.UnixMilli(),
		unixMilli(badge.ExpiresAt),
		int64(0),
		badge.CreatedAt.UnixMilli(),
		badge.UpdatedAt.UnixMilli(),
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入徽章失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交徽章事务失败")
	}
	return nil
}

// Current 实现 Store 接口。
func (s *MySQLStore) Current(ctx context.Context, key Key) (Badge, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+badgeColumns+` FROM trust_badges
        WHERE subject_id = ? AND listing_id = ? AND active = 1 ORDER BY issued_at DESC LIMIT 1`,
		key.SubjectID, key.ListingID)
	badge, err := scanBadge(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Badge{}, ErrNotFound
		}
		return Badge{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询徽章失败")
	}
	return badge, nil
}

// List 实现 Store 接口。
func (s *MySQLStore) List(ctx context.Context, subjectID string) ([]Badge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+badgeColumns+` FROM trust_badges
        WHERE subject_id = ? ORDER BY issued_at ASC, id ASC`, subjectID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询徽章列表失败")
	}
	defer rows.Close()
	var out []Badge
	for rows.Next() {
		badge, err := scanBadge(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析徽章失败")
		}
		out = append(out, badge)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历徽章失败")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBadge(row rowScanner) (Badge, error) {
	var (
		badge                                          Badge
		level, criteria                                string
		issued, expires, deactivated, created, updated int64
	)
	if err := row.Scan(
		&badge.ID,
		&badge.SubjectID,
		&badge.ListingID,
		&level,
		&badge.Score,
		&criteria,
		&badge.Active,
		&issued,
		&expires,
		&deactivated,
		&created,
		&updated,
	); err != nil {
		return Badge{}, err
	}
	if criteria != "" {
		if err := json.Unmarshal([]byte(criteria), &badge.Criteria); err != nil {
			return Badge{}, err
		}
	}
	badge.Level = Level(level)
	badge.IssuedAt = fromMilli(issued)
	badge.ExpiresAt = fromMilli(expires)
	badge.DeactivatedAt = fromMilli(deactivated)
	badge.CreatedAt = fromMilli(created)
	badge.UpdatedAt = fromMilli(updated)
	return badge, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var _ Store = (*MySQLStore)(nil)
