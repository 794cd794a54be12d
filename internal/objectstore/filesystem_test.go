package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/case-surveillance-pipeline/internal/domain"
)

func TestFSStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "raw/2024/03/01/abc", []byte(`{"a":1}`), "application/json"))
	require.NoError(t, s.Put(ctx, "raw/2024/03/02/def", []byte(`{"b":2}`), "application/json"))
	require.NoError(t, s.Put(ctx, "index/abc", []byte(`{}`), "application/json"))

	data, err := s.Get(ctx, "raw/2024/03/01/abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	ok, err := s.Exists(ctx, "index/abc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, "index/zzz")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, "raw/2024/03/01/missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	keys, err := s.List(ctx, "raw/2024/03/")
	require.NoError(t, err)
	assert.Equal(t, []string{"raw/2024/03/01/abc", "raw/2024/03/02/def"}, keys)

	assert.Error(t, s.Put(ctx, "../escape", nil, ""))
	assert.Error(t, s.Put(ctx, "/abs", nil, ""))
}
