package parking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/case-surveillance-pipeline/internal/domain"
)

// SQLiteStore implements Store in a local SQLite file, for single node
// deployments without Postgres access from the worker.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS parked_messages (
		id TEXT PRIMARY KEY,
		stream TEXT NOT NULL,
		message_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload BLOB NOT NULL,
		reason TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		parked_at DATETIME NOT NULL,
		requeued_at DATETIME,
		UNIQUE(stream, message_id)
	);

	CREATE INDEX IF NOT EXISTS idx_parked_at ON parked_messages(parked_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Park stores msg. Parking the same stream message twice keeps the first
// record.
func (s *SQLiteStore) Park(ctx context.Context, msg domain.ParkedMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO parked_messages (
			id, stream, message_id, event_type, payload, reason, attempts, parked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID.String(), msg.Stream, msg.MessageID, string(msg.EventType), msg.Payload,
		msg.Reason, msg.Attempts, msg.ParkedAt.UTC())
	if err != nil {
		return fmt.Errorf("parking message %s/%s: %w: %w", msg.Stream, msg.MessageID, domain.ErrStorageFailure, err)
	}
	return nil
}

// Get returns the parked message with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*domain.ParkedMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM parked_messages WHERE id = ?`, id.String())
	msg, err := scanParked(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("parked message %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting parked message %s: %w", id, err)
	}
	return msg, nil
}

// List returns parked messages with pagination.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int, pendingOnly bool) ([]*domain.ParkedMessage, error) {
	query := `SELECT ` + selectColumns + ` FROM parked_messages`
	if pendingOnly {
		query += ` WHERE requeued_at IS NULL`
	}
	query += ` ORDER BY parked_at DESC LIMIT ? OFFSET ?`
	return listMessages(ctx, s.db, query, limit, offset)
}

// Count returns the number of messages waiting for an operator.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM parked_messages WHERE requeued_at IS NULL").Scan(&count)
	return count, err
}

// MarkRequeued sets requeued_at.
func (s *SQLiteStore) MarkRequeued(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE parked_messages SET requeued_at = ? WHERE id = ?", at.UTC(), id.String())
	if err != nil {
		return err
	}
	return requireOneRow(res, id)
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
