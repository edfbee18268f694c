// Package store persists the upload audit trail using SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chatsurface/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.UploadRecorder using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS uploads (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id       TEXT NOT NULL,
		session_id    TEXT NOT NULL,
		document_name TEXT,
		size          INTEGER DEFAULT 0,
		index_id      TEXT,
		outcome       TEXT NOT NULL,
		error         TEXT,
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_uploads_session ON uploads(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_uploads_outcome ON uploads(outcome);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RecordUpload appends one terminal upload outcome to the audit trail.
func (s *SQLiteStore) RecordUpload(ctx context.Context, rec domain.UploadRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (item_id, session_id, document_name, size, index_id, outcome, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ItemID, rec.SessionID, rec.DocumentName, rec.Size, rec.IndexID, rec.Outcome, rec.Error, rec.CreatedAt,
	)
	return err
}

// ListBySession returns a session's upload history, newest first.
func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.UploadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, session_id, document_name, size, index_id, outcome, error, created_at
		 FROM uploads WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// RecentFailures returns the latest failed or rejected uploads across all
// sessions.
func (s *SQLiteStore) RecentFailures(ctx context.Context, limit int) ([]domain.UploadRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, session_id, document_name, size, index_id, outcome, error, created_at
		 FROM uploads WHERE outcome != 'finished'
		 ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]domain.UploadRecord, error) {
	var recs []domain.UploadRecord
	for rows.Next() {
		var r domain.UploadRecord
		var docName, indexID, errText sql.NullString
		if err := rows.Scan(&r.ItemID, &r.SessionID, &docName, &r.Size,
			&indexID, &r.Outcome, &errText, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.DocumentName = docName.String
		r.IndexID = indexID.String
		r.Error = errText.String
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
