package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/case-surveillance-pipeline/internal/domain"
	"github.com/case-surveillance-pipeline/internal/events"
	"github.com/case-surveillance-pipeline/internal/logging"
	"github.com/case-surveillance-pipeline/internal/objectstore"
)

type failingStore struct {
	objectstore.Store
	failKeyPrefix string
}

func (f *failingStore) Put(ctx context.Context, key string, data []byte, ct string) error {
	if len(key) >= len(f.failKeyPrefix) && key[:len(f.failKeyPrefix)] == f.failKeyPrefix {
		return errors.New("disk full")
	}
	return f.Store.Put(ctx, key, data, ct)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, domain.Event) error {
	return errors.New("redis unavailable")
}

func newFS(t *testing.T) objectstore.Store {
	t.Helper()
	s, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStore_WritesBlobAndIndexThenPublishes(t *testing.T) {
	ctx := context.Background()
	store := newFS(t)
	bus := events.NewMemoryBus()
	svc := NewService(store, bus, logging.Discard())

	receivedAt := time.Date(2024, 3, 1, 23, 30, 0, 0, time.FixedZone("CET", 3600))
	id, err := svc.Store(ctx, []byte(`{"resourceType":"Bundle"}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, DocumentID([]byte(`{"resourceType":"Bundle"}`)), id)

	ok, err := store.Exists(ctx, "raw/2024/03/01/"+id)
	require.NoError(t, err)
	assert.True(t, ok, "blob is keyed by the UTC receipt date")

	doc, err := svc.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `{"resourceType":"Bundle"}`, string(doc.Content))
	assert.Equal(t, "raw/2024/03/01/"+id, doc.Key)
	assert.True(t, doc.ReceivedAt.Equal(receivedAt))

	msgs := bus.Published(domain.StreamDocuments)
	require.Len(t, msgs, 1)
	ev, err := events.Decode[domain.DocumentStored](msgs[0])
	require.NoError(t, err)
	assert.Equal(t, id, ev.DocumentID)
}

func TestStore_IdenticalContentKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	bus := events.NewMemoryBus()
	svc := NewService(newFS(t), bus, logging.Discard())

	first := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	id1, err := svc.Store(ctx, []byte("same"), first)
	require.NoError(t, err)
	id2, err := svc.Store(ctx, []byte("same"), first.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	doc, err := svc.Fetch(ctx, id1)
	require.NoError(t, err)
	assert.True(t, doc.ReceivedAt.Equal(first))
	assert.Len(t, bus.Published(domain.StreamDocuments), 2)
}

func TestStore_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("empty body", func(t *testing.T) {
		svc := NewService(newFS(t), events.NewMemoryBus(), logging.Discard())
		_, err := svc.Store(ctx, nil, time.Now())
		var vErr *domain.ValidationError
		assert.ErrorAs(t, err, &vErr)
	})

	t.Run("blob write failure emits nothing", func(t *testing.T) {
		bus := events.NewMemoryBus()
		svc := NewService(&failingStore{Store: newFS(t), failKeyPrefix: "raw/"}, bus, logging.Discard())
		_, err := svc.Store(ctx, []byte("x"), time.Now())
		assert.ErrorIs(t, err, domain.ErrStorageFailure)
		assert.Empty(t, bus.Published(domain.StreamDocuments))
	})

	t.Run("index write failure leaves document unfetchable", func(t *testing.T) {
		store := newFS(t)
		bus := events.NewMemoryBus()
		svc := NewService(&failingStore{Store: store, failKeyPrefix: "index/"}, bus, logging.Discard())
		_, err := svc.Store(ctx, []byte("x"), time.Now())
		assert.ErrorIs(t, err, domain.ErrStorageFailure)
		assert.Empty(t, bus.Published(domain.StreamDocuments))

		_, err = NewService(store, bus, logging.Discard()).Fetch(ctx, DocumentID([]byte("x")))
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("publish failure still returns the id", func(t *testing.T) {
		store := newFS(t)
		svc := NewService(store, failingPublisher{}, logging.Discard())
		id, err := svc.Store(ctx, []byte("durable"), time.Now())
		require.NoError(t, err)
		ok, err := svc.Exists(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("fetch unknown id", func(t *testing.T) {
		svc := NewService(newFS(t), events.NewMemoryBus(), logging.Discard())
		_, err := svc.Fetch(ctx, DocumentID([]byte("never stored")))
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = svc.Fetch(ctx, "../../etc/passwd")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	store := newFS(t)
	svc := NewService(store, events.NewMemoryBus(), logging.Discard())

	_, err := svc.Store(ctx, []byte("a"), time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	_, err = svc.Store(ctx, []byte("b"), time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	_, err = svc.Store(ctx, []byte("c"), time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	// orphan blob from an interrupted ingest
	require.NoError(t, store.Put(ctx, "raw/2024/03/02/"+DocumentID([]byte("orphan")), []byte("orphan"), contentType))

	bus := events.NewMemoryBus()
	replayer := NewService(store, bus, logging.Discard())
	n, err := replayer.Replay(ctx, domain.MustParseDate("2024-03-01"), domain.MustParseDate("2024-03-02"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, bus.Published(domain.StreamDocuments), 2)

	_, err = replayer.Replay(ctx, domain.MustParseDate("2024-03-02"), domain.MustParseDate("2024-03-01"))
	assert.Error(t, err)
}
