package pseudonym

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/case-surveillance-pipeline/internal/domain"
)

type cacheKey struct {
	kind domain.IdentifierKind
	id   string
}

// CachedPseudonymizer memoizes another Pseudonymizer. Pseudonyms never
// change, so entries are only evicted for size.
type CachedPseudonymizer struct {
	next  Pseudonymizer
	cache *lru.Cache[cacheKey, string]
}

// NewCachedPseudonymizer wraps next with an LRU cache of size entries.
func NewCachedPseudonymizer(next Pseudonymizer, size int) (*CachedPseudonymizer, error) {
	cache, err := lru.New[cacheKey, string](size)
	if err != nil {
		return nil, fmt.Errorf("creating pseudonym cache: %w", err)
	}
	return &CachedPseudonymizer{next: next, cache: cache}, nil
}

func (c *CachedPseudonymizer) Pseudonymize(ctx context.Context, kind domain.IdentifierKind, naturalID string) (string, error) {
	id, err := Normalize(kind, naturalID)
	if err != nil {
		return "", err
	}
	key := cacheKey{kind: kind, id: id}
	if p, ok := c.cache.Get(key); ok {
		return p, nil
	}

	p, err := c.next.Pseudonymize(ctx, kind, id)
	if err != nil {
		return "", err
	}
	c.cache.Add(key, p)
	return p, nil
}

// Len returns the number of cached pseudonyms.
func (c *CachedPseudonymizer) Len() int {
	return c.cache.Len()
}
