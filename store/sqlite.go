package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/abdelmounim-dev/tasksync/pool"
	"github.com/abdelmounim-dev/tasksync/task"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	categories TEXT NOT NULL DEFAULT '',
	key_commands TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT '',
	completed_at TEXT NOT NULL DEFAULT '',
	duration TEXT NOT NULL DEFAULT '00:00:00',
	category TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '',
	toggled_at INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 0,
	is_completed INTEGER NOT NULL DEFAULT 0,
	user_id TEXT NOT NULL,
	last_modified_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tasks_user_completed ON tasks (user_id, is_completed);
CREATE INDEX IF NOT EXISTS idx_tasks_completed_at ON tasks (completed_at);
`

const taskColumns = `id, title, description, created_at, completed_at, duration, category, tags,
	toggled_at, is_active, is_completed, user_id, last_modified_at`

// SQLiteStore implements Store on SQLite. Every statement runs on a
// dedicated connection borrowed from a fixed-size pool.
type SQLiteStore struct {
	db     *sql.DB
	conns  *pool.Pool[*sql.Conn]
	logger *slog.Logger
}

// Options configures OpenSQLite.
type Options struct {
	Path           string
	PoolSize       int
	AcquireTimeout time.Duration
	BusyTimeout    time.Duration
	Logger         *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at opts.Path, applies
// the schema and fills the connection pool.
func OpenSQLite(ctx context.Context, opts Options) (*SQLiteStore, error) {
	if opts.PoolSize < 1 {
		return nil, fmt.Errorf("pool size must be positive, got %d", opts.PoolSize)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", opts.Path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(opts.PoolSize)
	db.SetMaxIdleConns(opts.PoolSize)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	conns := make([]*sql.Conn, 0, opts.PoolSize)
	for i := 0; i < opts.PoolSize; i++ {
		c, err := db.Conn(ctx)
		if err != nil {
			for _, open := range conns {
				open.Close()
			}
			db.Close()
			return nil, fmt.Errorf("open pooled connection %d: %w", i, err)
		}
		conns = append(conns, c)
	}

	logger := opts.Logger.With("component", "store")
	logger.Info("database ready", "path", opts.Path, "pool_size", opts.PoolSize)

	return &SQLiteStore{
		db:     db,
		conns:  pool.New(conns, pool.WithAcquireTimeout(opts.AcquireTimeout), pool.WithLogger(opts.Logger)),
		logger: logger,
	}, nil
}

// Migrate applies the schema to the database at path and returns.
func Migrate(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	return migrate(ctx, db)
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	var version int
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version > schemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}
	return nil
}

// PoolStats exposes the connection pool usage.
func (s *SQLiteStore) PoolStats() pool.Stats {
	return s.conns.Stats()
}

// Close releases every pooled connection and the database handle.
func (s *SQLiteStore) Close() error {
	err := s.conns.Close(func(c *sql.Conn) error { return c.Close() })
	return errors.Join(err, s.db.Close())
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) error {
	err := s.conns.Do(ctx, func(c *sql.Conn) error {
		res, err := c.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	return wrap(op, err)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, op, query string, args ...any) ([]task.Task, error) {
	var out []task.Task
	err := s.conns.Do(ctx, func(c *sql.Conn) error {
		rows, err := c.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var t task.Task
			if err := rows.Scan(
				&t.ID, &t.Title, &t.Description, &t.CreatedAt, &t.CompletedAt,
				&t.DurationText, &t.Category, &t.Tags, &t.ToggledAt,
				&t.IsActive, &t.IsCompleted, &t.UserID, &t.LastModifiedAt,
			); err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	if out == nil {
		out = []task.Task{}
	}
	return out, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u task.User) error {
	err := s.conns.Do(ctx, func(c *sql.Conn) error {
		_, err := c.ExecContext(ctx,
			`INSERT INTO users (id, first_name, last_name, email) VALUES (?, ?, ?, ?)`,
			u.ID, u.FirstName, u.LastName, u.Email)
		if isConstraint(err) {
			return ErrDuplicateUser
		}
		return err
	})
	return wrap("create user", err)
}

func (s *SQLiteStore) CreateTask(ctx context.Context, userID string, t task.Task) error {
	t.UserID = userID
	err := s.conns.Do(ctx, func(c *sql.Conn) error {
		return insertTask(ctx, c, t)
	})
	return wrap("create task", err)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTask(ctx context.Context, e execer, t task.Task) error {
	if t.DurationText == "" {
		t.DurationText = "00:00:00"
	}
	_, err := e.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.CreatedAt, t.CompletedAt, t.DurationText,
		t.Category, t.Tags, t.ToggledAt, t.IsActive, t.IsCompleted, t.UserID, t.LastModifiedAt)
	return err
}

func (s *SQLiteStore) EditTask(ctx context.Context, e task.Edit) error {
	return s.exec(ctx, "edit task", `UPDATE tasks SET
			title = ?, description = ?, category = ?, tags = ?, last_modified_at = ?
		WHERE id = ?`,
		e.Title, e.Description, e.Category, e.Tags, e.LastModifiedAt, e.ID)
}

func (s *SQLiteStore) ToggleTask(ctx context.Context, tg task.Toggle) error {
	return s.exec(ctx, "toggle task", `UPDATE tasks SET
			is_active = ?, toggled_at = ?, duration = ?, last_modified_at = ?
		WHERE id = ?`,
		tg.IsActive, tg.ToggledAt, tg.DurationText, tg.LastModifiedAt, tg.ID)
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, c task.Completion) error {
	return s.exec(ctx, "complete task", `UPDATE tasks SET
			is_active = 0, is_completed = 1, toggled_at = 0,
			duration = ?, completed_at = ?, last_modified_at = ?
		WHERE id = ?`,
		c.DurationText, c.CompletedAt, c.LastModifiedAt, c.ID)
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	return s.exec(ctx, "delete task", `DELETE FROM tasks WHERE id = ?`, id)
}

func (s *SQLiteStore) FetchAllTasks(ctx context.Context) ([]task.Task, error) {
	return s.queryTasks(ctx, "fetch all tasks", `SELECT `+taskColumns+` FROM tasks`)
}

func (s *SQLiteStore) FetchActiveTasksByUser(ctx context.Context, userID string) ([]task.Task, error) {
	return s.queryTasks(ctx, "fetch active tasks",
		`SELECT `+taskColumns+` FROM tasks WHERE user_id = ? AND is_completed = 0`, userID)
}

func (s *SQLiteStore) FetchNonCompletedTasks(ctx context.Context) ([]task.Task, error) {
	return s.queryTasks(ctx, "fetch non-completed tasks",
		`SELECT `+taskColumns+` FROM tasks WHERE is_completed = 0 ORDER BY user_id`)
}

func (s *SQLiteStore) FetchCompletedTasksByUserFiltered(ctx context.Context, userID string, f task.CompletedFilter) ([]task.Task, error) {
	var where strings.Builder
	where.WriteString(`user_id = ? AND is_completed = 1`)
	args := []any{userID}

	if f.StartDate != "" {
		where.WriteString(` AND completed_at >= ?`)
		args = append(args, f.StartDate)
	}
	if f.EndDate != "" {
		where.WriteString(` AND completed_at <= ?`)
		args = append(args, f.EndDate)
	}
	if f.Category != "" {
		where.WriteString(` AND category = ?`)
		args = append(args, f.Category)
	}
	for _, tag := range splitTags(f.Tags) {
		where.WriteString(` AND (',' || REPLACE(tags, ' ', '') || ',') LIKE ?`)
		args = append(args, "%,"+tag+",%")
	}
	if q := strings.TrimSpace(f.SearchQuery); q != "" {
		where.WriteString(` AND (title LIKE ? OR description LIKE ?)`)
		args = append(args, "%"+q+"%", "%"+q+"%")
	}

	return s.queryTasks(ctx, "fetch completed tasks",
		`SELECT `+taskColumns+` FROM tasks WHERE `+where.String()+` ORDER BY completed_at DESC`, args...)
}

func splitTags(tags string) []string {
	var out []string
	for _, t := range strings.Split(tags, ",") {
		if t = strings.ReplaceAll(strings.TrimSpace(t), " ", ""); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (s *SQLiteStore) GetUserSettings(ctx context.Context, userID string) (task.Settings, error) {
	var st task.Settings
	err := s.conns.Do(ctx, func(c *sql.Conn) error {
		err := c.QueryRowContext(ctx,
			`SELECT categories, key_commands FROM users WHERE id = ?`, userID).
			Scan(&st.Categories, &st.KeyCommands)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return st, wrap("get user settings", err)
}

func (s *SQLiteStore) UpdateUserCategories(ctx context.Context, userID, categories string) error {
	return s.exec(ctx, "update categories", `UPDATE users SET categories = ? WHERE id = ?`, categories, userID)
}

func (s *SQLiteStore) UpdateUserCommands(ctx context.Context, userID, commands string) error {
	return s.exec(ctx, "update key commands", `UPDATE users SET key_commands = ? WHERE id = ?`, commands, userID)
}

func (s *SQLiteStore) RolloverTask(ctx context.Context, closed, successor task.Task) error {
	err := s.conns.Do(ctx, func(c *sql.Conn) error {
		tx, err := c.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `UPDATE tasks SET
				duration = ?, completed_at = ?, is_completed = 1, is_active = 0,
				toggled_at = 0, last_modified_at = ?
			WHERE id = ? AND is_completed = 0`,
			closed.DurationText, closed.CompletedAt, closed.LastModifiedAt, closed.ID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}

		if err := insertTask(ctx, tx, successor); err != nil {
			return err
		}
		return tx.Commit()
	})
	return wrap("rollover task", err)
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
