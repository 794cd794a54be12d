package pseudonym

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/case-surveillance-pipeline/internal/domain"
)

// RemotePseudonymizer asks an external pseudonymization service for ids.
type RemotePseudonymizer struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	rateLimit  *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

type pseudonymRequest struct {
	Kind       domain.IdentifierKind `json:"kind"`
	Identifier string                `json:"identifier"`
}

type pseudonymResponse struct {
	Pseudonym string `json:"pseudonym"`
}

// errRejected marks 4xx answers; they do not count as breaker failures.
type errRejected struct {
	status int
	body   string
}

func (e *errRejected) Error() string {
	return fmt.Sprintf("pseudonymization service rejected request: %d %s", e.status, e.body)
}

// NewRemotePseudonymizer creates a client for cfg.BaseURL.
func NewRemotePseudonymizer(cfg domain.PseudonymConfig) (*RemotePseudonymizer, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("pseudonym.base_url is required in remote mode")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 10
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pseudonymization",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			var rejected *errRejected
			return err == nil || errors.As(err, &rejected)
		},
	})

	return &RemotePseudonymizer{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		rateLimit:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		breaker:    breaker,
	}, nil
}

func (r *RemotePseudonymizer) Pseudonymize(ctx context.Context, kind domain.IdentifierKind, naturalID string) (string, error) {
	id, err := Normalize(kind, naturalID)
	if err != nil {
		return "", err
	}

	if err := r.rateLimit.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait failed: %w: %w", domain.ErrTransientDependency, err)
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.call(ctx, kind, id)
	})
	if err != nil {
		var rejected *errRejected
		if errors.As(err, &rejected) {
			return "", fmt.Errorf("pseudonymizing %s: %w", kind, err)
		}
		return "", fmt.Errorf("pseudonymizing %s: %w: %w", kind, domain.ErrTransientDependency, err)
	}
	return result.(string), nil
}

func (r *RemotePseudonymizer) call(ctx context.Context, kind domain.IdentifierKind, id string) (string, error) {
	body, err := json.Marshal(pseudonymRequest{Kind: kind, Identifier: id})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/pseudonyms", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("pseudonymization service returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &errRejected{status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}

	var out pseudonymResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Pseudonym == "" {
		return "", errors.New("pseudonymization service returned an empty pseudonym")
	}
	return out.Pseudonym, nil
}
