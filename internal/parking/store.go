// Package parking stores pipeline messages that will not be retried
// automatically, so operators can inspect and requeue them.
package parking

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/case-surveillance-pipeline/internal/domain"
	"github.com/case-surveillance-pipeline/internal/events"
)

// Store persists parked messages.
type Store interface {
	events.Parker

	// Get returns the parked message with the given id.
	Get(ctx context.Context, id uuid.UUID) (*domain.ParkedMessage, error)

	// List returns parked messages, most recent first. When pendingOnly is
	// set, messages that were already requeued are skipped.
	List(ctx context.Context, limit, offset int, pendingOnly bool) ([]*domain.ParkedMessage, error)

	// Count returns the number of parked messages not yet requeued.
	Count(ctx context.Context) (int64, error)

	// MarkRequeued records that the message was published again.
	MarkRequeued(ctx context.Context, id uuid.UUID, at time.Time) error

	// Close releases resources held by the store.
	Close() error
}

// New selects the store configured in cfg. db is the shared Postgres
// handle and is only used by the postgres driver.
func New(cfg domain.ParkingConfig, db *sql.DB) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "postgres":
		return NewPostgresStore(db)
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown parking driver %q", cfg.Driver)
	}
}

// Requeue publishes a parked message back onto its stream and marks it
// requeued. Messages that were already requeued are left alone.
func Requeue(ctx context.Context, store Store, publisher events.Publisher, id uuid.UUID, logger *logrus.Logger) error {
	msg, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	if msg.RequeuedAt != nil {
		return fmt.Errorf("parked message %s was already requeued at %s", id, msg.RequeuedAt.Format(time.RFC3339))
	}

	if err := publisher.PublishRaw(ctx, msg.Stream, msg.EventType, msg.Payload); err != nil {
		return fmt.Errorf("republishing parked message %s: %w", id, err)
	}
	if err := store.MarkRequeued(ctx, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("marking parked message %s requeued: %w", id, err)
	}

	logger.WithFields(logrus.Fields{
		"parked_id":  id,
		"stream":     msg.Stream,
		"message_id": msg.MessageID,
		"event_type": msg.EventType,
	}).Info("Parked message requeued")
	return nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanParked(s scanner) (*domain.ParkedMessage, error) {
	var (
		msg       domain.ParkedMessage
		id        string
		eventType string
		requeued  sql.NullTime
	)
	err := s.Scan(&id, &msg.Stream, &msg.MessageID, &eventType, &msg.Payload,
		&msg.Reason, &msg.Attempts, &msg.ParkedAt, &requeued)
	if err != nil {
		return nil, err
	}

	msg.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parsing parked message id %q: %w", id, err)
	}
	msg.EventType = domain.EventType(eventType)
	msg.ParkedAt = msg.ParkedAt.UTC()
	if requeued.Valid {
		t := requeued.Time.UTC()
		msg.RequeuedAt = &t
	}
	return &msg, nil
}

func listMessages(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]*domain.ParkedMessage, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying parked messages: %w", err)
	}
	defer rows.Close()

	var result []*domain.ParkedMessage
	for rows.Next() {
		msg, err := scanParked(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning parked message: %w", err)
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}
