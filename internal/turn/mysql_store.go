package turn

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenPA-Agent/internal/errors"
)

// MySQLStore 使用 MySQL 记录轮次状态。
type MySQLStore struct {
	db *sql.DB
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mysql dsn is required")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "failed to open mysql connection")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "failed to reach mysql")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS turn_states (
        id VARCHAR(64) PRIMARY KEY,
        session_id VARCHAR(64) NOT NULL,
        message TEXT NOT NULL,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        result_reply TEXT,
        result_steps INT NOT NULL DEFAULT 0,
        result_tools TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_turn_status (status),
        INDEX idx_turn_session (session_id),
        INDEX idx_turn_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "failed to initialize turn_states table")
	}
	return nil
}

// Create 插入新的轮次记录。
func (s *MySQLStore) Create(ctx context.Context, t *Turn) error {
	if t == nil || strings.TrimSpace(t.ID) == "" {
		return xerrors.New(CodeTurnValidation, "turn id is required")
	}

	now := time.Now().Unix()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}

	const stmt = `INSERT INTO turn_states
        (id, session_id, message, status, attempts, max_retries, last_error, error_code, result_reply, result_steps, result_tools, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', '', 0, '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		t.ID,
		t.SessionID,
		t.Message,
		t.Status,
		t.Attempts,
		t.MaxRetries,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTurnConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "failed to insert turn")
	}
	return nil
}

const turnColumns = `id, session_id, message, status, attempts, max_retries, last_error, error_code,
        result_reply, result_steps, result_tools, created_at, updated_at`

func scanTurn(scanner interface{ Scan(dest ...any) error }) (*Turn, error) {
	var t Turn
	var reply string
	var steps int
	var tools sql.NullString
	if err := scanner.Scan(
		&t.ID,
		&t.SessionID,
		&t.Message,
		&t.Status,
		&t.Attempts,
		&t.MaxRetries,
		&t.LastError,
		&t.ErrorCode,
		&reply,
		&steps,
		&tools,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if reply != "" || steps > 0 {
		outcome := &Outcome{Reply: reply, StepsCompleted: steps}
		if tools.Valid && strings.TrimSpace(tools.String) != "" {
			if err := json.Unmarshal([]byte(tools.String), &outcome.ToolsUsed); err != nil {
				return nil, err
			}
		}
		t.Result = outcome
	}
	return &t, nil
}

// Get 查询指定轮次。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Turn, error) {
	const stmt = `SELECT ` + turnColumns + ` FROM turn_states WHERE id = ?`

	t, err := scanTurn(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTurnNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "failed to query turn")
	}
	return t, nil
}

// Claim 将轮次标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Turn, error) {
	const updateStmt = `UPDATE turn_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusRunning,
		now,
		id,
		StatusPending,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "failed to claim turn")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "failed to read affected rows")
	}
	if affected == 0 {
		t, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch t.Status {
		case StatusSucceeded:
			return t, ErrTurnCompleted
		case StatusRunning:
			return t, ErrTurnConflict
		default:
			if t.Attempts >= t.MaxRetries {
				return t, ErrTurnExhausted
			}
			return t, ErrTurnConflict
		}
	}
	return s.Get(ctx, id)
}

// MarkSucceeded 将轮次标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result *Outcome) error {
	var reply string
	var steps int
	var tools string
	if result != nil {
		reply = result.Reply
		steps = result.StepsCompleted
		if len(result.ToolsUsed) > 0 {
			encoded, err := json.Marshal(result.ToolsUsed)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "failed to encode tools used")
			}
			tools = string(encoded)
		}
	}

	const stmt = `UPDATE turn_states SET status = ?, result_reply = ?, result_steps = ?, result_tools = ?,
        updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusSucceeded,
		reply,
		steps,
		tools,
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "failed to mark turn succeeded")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTurnNotFound
	}
	return nil
}

// MarkFailed 记录一次失败，非终态失败回到 pending 等待重试。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE turn_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, stmt,
		status,
		lastError,
		string(code),
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "failed to mark turn failed")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTurnNotFound
	}
	return nil
}

// List 返回符合过滤条件的轮次。
func (s *MySQLStore) List(ctx context.Context, opts ...ListOption) ([]*Turn, error) {
	options := BuildListOptions(opts...)

	query := `SELECT ` + turnColumns + ` FROM turn_states`
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if options.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, options.Status)
	}
	if options.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, options.SessionID)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, options.Limit, options.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "failed to list turns")
	}
	defer rows.Close()

	turns := make([]*Turn, 0, options.Limit)
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "failed to scan turn row")
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "failed to iterate turn rows")
	}
	return turns, nil
}

// Stats 返回各状态的轮次数量。
func (s *MySQLStore) Stats(ctx context.Context) (map[Status]int, error) {
	const query = `SELECT status, COUNT(*) FROM turn_states GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "failed to query turn stats")
	}
	defer rows.Close()

	stats := map[Status]int{
		StatusPending:   0,
		StatusRunning:   0,
		StatusSucceeded: 0,
		StatusFailed:    0,
	}
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "failed to scan stats row")
		}
		stats[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "failed to iterate stats rows")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
