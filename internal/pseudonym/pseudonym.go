// Package pseudonym replaces natural identifiers with stable opaque ids.
// The same natural id and kind always yield the same pseudonym, and the
// natural id cannot be recovered from it.
package pseudonym

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/case-surveillance-pipeline/internal/domain"
)

// Pseudonymizer maps a natural identifier of a kind to its pseudonym.
type Pseudonymizer interface {
	Pseudonymize(ctx context.Context, kind domain.IdentifierKind, naturalID string) (string, error)
}

// New builds the pseudonymizer selected by cfg.Mode, wrapped in an LRU cache
// when cfg.CacheSize is positive.
func New(cfg domain.PseudonymConfig) (Pseudonymizer, error) {
	var (
		p   Pseudonymizer
		err error
	)
	switch strings.ToLower(cfg.Mode) {
	case "hash":
		p, err = NewHashPseudonymizer(cfg.Secret)
	case "remote":
		p, err = NewRemotePseudonymizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported pseudonym mode: %s", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize > 0 {
		return NewCachedPseudonymizer(p, cfg.CacheSize)
	}
	return p, nil
}

// SystemAHV is the identifier system of Swiss social security (AHV)
// numbers.
const SystemAHV = "urn:oid:2.16.756.5.32"

const ahvDigits = 13

// LocalPatientID namespaces a non-AHV patient identifier by its system so
// equal values issued by different systems stay distinct.
func LocalPatientID(system, value string) string {
	return strings.TrimSpace(system) + "|" + strings.TrimSpace(value)
}

// Normalize canonicalizes a natural identifier before it is pseudonymized.
// A bare patient id is an AHV number and keeps only its digits, so
// 756.1234.5678.97 and 7561234567897 map to the same person; it must have
// 13 of them. Patient ids built by LocalPatientID are only trimmed.
func Normalize(kind domain.IdentifierKind, naturalID string) (string, error) {
	if !kind.IsValid() {
		return "", domain.NewValidationError("kind", "unknown identifier kind", string(kind))
	}

	if kind != domain.PATIENT_ID {
		id := strings.TrimSpace(naturalID)
		if id == "" {
			return "", domain.NewValidationError(string(kind), "identifier is empty", naturalID)
		}
		return id, nil
	}

	system, value, namespaced := strings.Cut(naturalID, "|")
	if namespaced && strings.TrimSpace(system) != SystemAHV {
		if strings.TrimSpace(value) == "" {
			return "", domain.NewValidationError(string(kind), "identifier is empty", naturalID)
		}
		return LocalPatientID(system, value), nil
	}
	if !namespaced {
		value = naturalID
	}

	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, value)
	if len(digits) != ahvDigits {
		return "", domain.NewValidationError(string(kind), "AHV number must have 13 digits", naturalID)
	}
	return digits, nil
}

func prefix(kind domain.IdentifierKind) string {
	if kind == domain.ORGANIZATION_ID {
		return "org"
	}
	return "pat"
}
