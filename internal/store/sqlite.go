package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/pagesmith/internal/domain"
	"github.com/ashureev/pagesmith/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite. The session document is
// stored as JSON next to a few indexed columns.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		current_stage TEXT NOT NULL,
		document TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create implements Repository.
func (s *SQLiteStore) Create(ctx context.Context, sess *domain.Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	query := `
	INSERT INTO sessions (id, owner_id, status, current_stage, document, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	return shared.RetryOnConflict(ctx, s.retry, "create session", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			sess.ID, sess.OwnerID, string(sess.Status), string(sess.CurrentStage), string(doc),
			sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return ErrExists
			}
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// Get implements Repository.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM sessions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	var sess domain.Session
	if err := json.Unmarshal([]byte(doc), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// Replace implements Repository.
func (s *SQLiteStore) Replace(ctx context.Context, sess *domain.Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	query := `
	UPDATE sessions SET owner_id = ?, status = ?, current_stage = ?, document = ?, updated_at = ?
	WHERE id = ?`
	return shared.RetryOnConflict(ctx, s.retry, "replace session", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query,
			sess.OwnerID, string(sess.Status), string(sess.CurrentStage), string(doc),
			sess.UpdatedAt.UnixMilli(), sess.ID,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Delete implements Repository.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	return shared.RetryOnConflict(ctx, s.retry, "delete session", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// ListIdle implements IdleLister.
func (s *SQLiteStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id FROM sessions
		WHERE status NOT IN (?, ?) AND updated_at < ?
		ORDER BY updated_at LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query,
		string(domain.SessionCompleted), string(domain.SessionAbandoned), before.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle sessions rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan idle session row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	return ids, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
