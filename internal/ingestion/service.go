// Package ingestion stores raw clinical documents before anything else
// happens to them and announces them to the pipeline.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/case-surveillance-pipeline/internal/domain"
	"github.com/case-surveillance-pipeline/internal/objectstore"
)

const (
	rawPrefix   = "raw/"
	indexPrefix = "index/"
	contentType = "application/fhir+json"
)

// indexEntry points from a document id to its dated blob.
type indexEntry struct {
	Key        string    `json:"key"`
	ReceivedAt time.Time `json:"received_at"`
}

// Service implements Store, Fetch and Replay over an object store.
type Service struct {
	store     objectstore.Store
	publisher domain.EventPublisher
	log       *logrus.Logger
}

// NewService creates an ingestion service.
func NewService(store objectstore.Store, publisher domain.EventPublisher, logger *logrus.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		log:       logger,
	}
}

// DocumentID returns the content address of raw.
func DocumentID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// BlobKey returns the dated key of a document received at receivedAt.
func BlobKey(id string, receivedAt time.Time) string {
	return rawPrefix + receivedAt.UTC().Format("2006/01/02") + "/" + id
}

func indexKey(id string) string {
	return indexPrefix + id
}

// Store persists raw and publishes DocumentStored once the document is
// durable. Identical content maps to the same id; storing it again keeps the
// original blob and announces it again.
func (s *Service) Store(ctx context.Context, raw []byte, receivedAt time.Time) (string, error) {
	if len(raw) == 0 {
		return "", domain.NewValidationError("document", "document body is empty", nil)
	}
	receivedAt = receivedAt.UTC()
	id := DocumentID(raw)
	logger := s.log.WithField("document_id", id)

	entry, err := s.readIndex(ctx, id)
	switch {
	case err == nil:
		logger.Debug("Document already stored")
		receivedAt = entry.ReceivedAt
	case errors.Is(err, domain.ErrNotFound):
		if err := s.write(ctx, id, raw, receivedAt); err != nil {
			return "", err
		}
		logger.WithField("received_at", receivedAt).Info("Document stored")
	default:
		return "", err
	}

	s.announce(ctx, id, receivedAt)
	return id, nil
}

func (s *Service) write(ctx context.Context, id string, raw []byte, receivedAt time.Time) error {
	key := BlobKey(id, receivedAt)
	if err := s.store.Put(ctx, key, raw, contentType); err != nil {
		return fmt.Errorf("storing document %s: %w", id, asStorageFailure(err))
	}

	index, err := json.Marshal(indexEntry{Key: key, ReceivedAt: receivedAt})
	if err != nil {
		return fmt.Errorf("encoding index for %s: %w", id, err)
	}
	if err := s.store.Put(ctx, indexKey(id), index, "application/json"); err != nil {
		return fmt.Errorf("indexing document %s: %w", id, asStorageFailure(err))
	}
	return nil
}

func (s *Service) announce(ctx context.Context, id string, receivedAt time.Time) {
	event := domain.DocumentStored{DocumentID: id, ReceivedAt: receivedAt}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.WithField("document_id", id).WithError(err).
			Warn("Failed to publish DocumentStored, document will be picked up by replay")
	}
}

// Fetch returns a stored document. An unknown id yields domain.ErrNotFound.
func (s *Service) Fetch(ctx context.Context, id string) (*domain.RawDocument, error) {
	entry, err := s.readIndex(ctx, id)
	if err != nil {
		return nil, err
	}
	content, err := s.store.Get(ctx, entry.Key)
	if err != nil {
		return nil, fmt.Errorf("fetching document %s: %w", id, err)
	}
	return &domain.RawDocument{
		ID:         id,
		Key:        entry.Key,
		Content:    content,
		ReceivedAt: entry.ReceivedAt,
	}, nil
}

// Exists reports whether a document id is fully stored.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	if !isDocumentID(id) {
		return false, nil
	}
	return s.store.Exists(ctx, indexKey(id))
}

// Replay publishes DocumentStored again for every indexed document received
// on a UTC calendar day between since and until inclusive. It returns the
// number of documents announced.
func (s *Service) Replay(ctx context.Context, since, until time.Time) (int, error) {
	since, until = domain.CalendarDate(since), domain.CalendarDate(until)
	if until.Before(since) {
		return 0, domain.NewValidationError("until", "until is before since", until.Format(domain.DateLayout))
	}

	count := 0
	for day := since; !day.After(until); day = day.AddDate(0, 0, 1) {
		keys, err := s.store.List(ctx, rawPrefix+day.Format("2006/01/02")+"/")
		if err != nil {
			return count, fmt.Errorf("listing %s: %w", day.Format(domain.DateLayout), err)
		}
		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return count, err
			}
			id := path.Base(key)
			entry, err := s.readIndex(ctx, id)
			if errors.Is(err, domain.ErrNotFound) {
				// blob without index: the original ingest did not complete
				s.log.WithField("key", key).Warn("Skipping unindexed document")
				continue
			}
			if err != nil {
				return count, err
			}
			if err := s.publisher.Publish(ctx, domain.DocumentStored{DocumentID: id, ReceivedAt: entry.ReceivedAt}); err != nil {
				return count, fmt.Errorf("replaying %s: %w", id, err)
			}
			count++
		}
	}

	s.log.WithFields(logrus.Fields{
		"since":     since.Format(domain.DateLayout),
		"until":     until.Format(domain.DateLayout),
		"documents": count,
	}).Info("Replay finished")
	return count, nil
}

func (s *Service) readIndex(ctx context.Context, id string) (*indexEntry, error) {
	if !isDocumentID(id) {
		return nil, fmt.Errorf("document %q: %w", id, domain.ErrNotFound)
	}
	data, err := s.store.Get(ctx, indexKey(id))
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", id, err)
	}
	var entry indexEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decoding index of %s: %w: %w", id, domain.ErrStorageFailure, err)
	}
	return &entry, nil
}

func isDocumentID(id string) bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil && strings.ToLower(id) == id
}

func asStorageFailure(err error) error {
	if errors.Is(err, domain.ErrStorageFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStorageFailure, err)
}
