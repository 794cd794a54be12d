package parking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/case-surveillance-pipeline/internal/domain"
)

const selectColumns = `id, stream, message_id, event_type, payload, reason, attempts, parked_at, requeued_at`

// PostgresStore implements Store on the parked_messages table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on db. The schema is created by the
// migrations.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &PostgresStore{db: db}, nil
}

// Park stores msg. Parking the same stream message twice keeps the first
// record.
func (s *PostgresStore) Park(ctx context.Context, msg domain.ParkedMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parked_messages (
			id, stream, message_id, event_type, payload, reason, attempts, parked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (stream, message_id) DO NOTHING
	`, msg.ID.String(), msg.Stream, msg.MessageID, string(msg.EventType), msg.Payload,
		msg.Reason, msg.Attempts, msg.ParkedAt)
	if err != nil {
		return fmt.Errorf("parking message %s/%s: %w: %w", msg.Stream, msg.MessageID, domain.ErrStorageFailure, err)
	}
	return nil
}

// Get returns the parked message with the given id.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*domain.ParkedMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM parked_messages WHERE id = $1`, id.String())
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
func (s *PostgresStore) List(ctx context.Context, limit, offset int, pendingOnly bool) ([]*domain.ParkedMessage, error) {
	query := `SELECT ` + selectColumns + ` FROM parked_messages`
	if pendingOnly {
		query += ` WHERE requeued_at IS NULL`
	}
	query += ` ORDER BY parked_at DESC LIMIT $1 OFFSET $2`
	return listMessages(ctx, s.db, query, limit, offset)
}

// Count returns the number of messages waiting for an operator.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM parked_messages WHERE requeued_at IS NULL").Scan(&count)
	return count, err
}

// MarkRequeued sets requeued_at.
func (s *PostgresStore) MarkRequeued(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE parked_messages SET requeued_at = $2 WHERE id = $1", id.String(), at)
	if err != nil {
		return err
	}
	return requireOneRow(res, id)
}

// Close is a no-op; the shared handle is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

func requireOneRow(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("parked message %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
