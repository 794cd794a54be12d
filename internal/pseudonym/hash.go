package pseudonym

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/case-surveillance-pipeline/internal/domain"
)

const minSecretLength = 16

// HashPseudonymizer computes pseudonyms locally as a keyed hash. Every kind
// has its own key derived from the secret, so equal identifiers of different
// kinds never share a pseudonym.
type HashPseudonymizer struct {
	keys map[domain.IdentifierKind][]byte
}

// NewHashPseudonymizer derives the per-kind keys from secret.
func NewHashPseudonymizer(secret string) (*HashPseudonymizer, error) {
	if len(secret) < minSecretLength {
		return nil, errors.New("pseudonym secret must be at least 16 characters")
	}

	keys := make(map[domain.IdentifierKind][]byte, 2)
	for _, kind := range []domain.IdentifierKind{domain.PATIENT_ID, domain.ORGANIZATION_ID} {
		key := make([]byte, sha256.Size)
		r := hkdf.New(sha256.New, []byte(secret), nil, []byte("pseudonym:"+string(kind)))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("deriving %s key: %w", kind, err)
		}
		keys[kind] = key
	}
	return &HashPseudonymizer{keys: keys}, nil
}

func (h *HashPseudonymizer) Pseudonymize(_ context.Context, kind domain.IdentifierKind, naturalID string) (string, error) {
	id, err := Normalize(kind, naturalID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, h.keys[kind])
	mac.Write([]byte(id))
	return prefix(kind) + "_" + hex.EncodeToString(mac.Sum(nil)), nil
}
