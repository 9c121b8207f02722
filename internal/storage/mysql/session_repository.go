package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"

	driver "github.com/go-sql-driver/mysql"

	xerrors "OpenSwap-Chain/internal/errors"
	"OpenSwap-Chain/internal/swap"
)

const (
	errDuplicateEntry = 1062

	selectSessionSQL = `SELECT payload FROM swap_sessions WHERE id = ?`
	insertSessionSQL = `INSERT INTO swap_sessions (id, state, version, payload, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?)`
	updateSessionSQL = `UPDATE swap_sessions SET state = ?, version = ?, payload = ?, updated_at = ?
    WHERE id = ? AND version = ?`
	deleteSessionSQL = `DELETE FROM swap_sessions WHERE id = ?`
	statsSessionSQL  = `SELECT state, COUNT(*), MIN(updated_at), MAX(updated_at) FROM swap_sessions GROUP BY state`
)

// SessionRepository 将会话以 JSON 文档的形式保存在 swap_sessions 表中。
// 写入使用版本号做乐观并发控制，多个实例共享同一张表时不会互相覆盖。
type SessionRepository struct {
	db *sql.DB
}

var _ swap.Repository = (*SessionRepository)(nil)

// NewSessionRepository 建立连接并执行迁移。
func NewSessionRepository(ctx context.Context, cfg Config) (*SessionRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SessionRepository{db: db}, nil
}

// Load 实现 swap.Repository。
func (r *SessionRepository) Load(ctx context.Context, id string) (*swap.Session, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, selectSessionSQL, id).Scan(&payload)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, swap.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询会话失败: %w", err)
	}
	return decodeSession(payload)
}

// Save 写入会话。version 为 1 时插入新行，否则只覆盖上一版本。
func (r *SessionRepository) Save(ctx context.Context, session *swap.Session) error {
	if session == nil || session.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("序列化会话失败: %w", err)
	}

	if session.Version <= 1 {
		_, err := r.db.ExecContext(ctx, insertSessionSQL,
			session.ID, string(session.State), session.Version, payload, session.CreatedAt, session.UpdatedAt)
		if err != nil {
			var mysqlErr *driver.MySQLError
			if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry {
				return versionConflict(session)
			}
			return fmt.Errorf("插入会话失败: %w", err)
		}
		return nil
	}

	result, err := r.db.ExecContext(ctx, updateSessionSQL,
		string(session.State), session.Version, payload, session.UpdatedAt, session.ID, session.Version-1)
	if err != nil {
		return fmt.Errorf("更新会话失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取影响行数失败: %w", err)
	}
	if affected == 0 {
		return versionConflict(session)
	}
	return nil
}

// Delete 删除会话，不存在时不报错。
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, deleteSessionSQL, id); err != nil {
		return fmt.Errorf("删除会话失败: %w", err)
	}
	return nil
}

// List 按 updated_at 排序分页查询。
func (r *SessionRepository) List(ctx context.Context, opts swap.ListOptions) ([]*swap.Session, error) {
	opts.ApplyDefaults()
	query, args := buildListQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询会话列表失败: %w", err)
	}
	defer rows.Close()

	sessions := make([]*swap.Session, 0, opts.Limit)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("解析会话失败: %w", err)
		}
		session, err := decodeSession(payload)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历会话失败: %w", err)
	}
	return sessions, nil
}

// Stats 通过 GROUP BY 汇总各状态的会话数量。
func (r *SessionRepository) Stats(ctx context.Context) (swap.Stats, error) {
	var stats swap.Stats
	rows, err := r.db.QueryContext(ctx, statsSessionSQL)
	if err != nil {
		return stats, fmt.Errorf("统计会话失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			state          string
			count          int
			oldest, newest sql.NullInt64
		)
		if err := rows.Scan(&state, &count, &oldest, &newest); err != nil {
			return stats, fmt.Errorf("解析统计结果失败: %w", err)
		}
		stats.AddCount(swap.State(state), count, oldest.Int64, newest.Int64)
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("遍历统计结果失败: %w", err)
	}
	return stats, nil
}

// Close 关闭连接池。
func (r *SessionRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func buildListQuery(opts swap.ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(opts.States) > 0 {
		placeholders := make([]string, len(opts.States))
		for i, st := range opts.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	var b strings.Builder
	b.WriteString("SELECT payload FROM swap_sessions")
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	if opts.Order == swap.SortByUpdatedAsc {
		b.WriteString(" ORDER BY updated_at ASC, id ASC")
	} else {
		b.WriteString(" ORDER BY updated_at DESC, id ASC")
	}
	b.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, opts.Limit, opts.Offset)
	return b.String(), args
}

func decodeSession(payload []byte) (*swap.Session, error) {
	var session swap.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("反序列化会话失败: %w", err)
	}
	if session.Orders == nil {
		session.Orders = map[string]swap.Order{}
	}
	if session.Approvals == nil {
		session.Approvals = map[string]bool{}
	}
	return &session, nil
}

func versionConflict(session *swap.Session) error {
	return xerrors.New(xerrors.CodeConflict, "会话已被其他实例修改",
		xerrors.WithMetadata("session", session.ID),
		xerrors.WithMetadata("version", fmt.Sprint(session.Version)))
}
