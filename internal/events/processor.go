package events

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/case-surveillance-pipeline/internal/domain"
)

// Outcome is what happened to a delivered message.
type Outcome string

const (
	OutcomeAcked  Outcome = "acked"
	OutcomeRetry  Outcome = "retry"
	OutcomeParked Outcome = "parked"
)

// Policy bounds retries within one delivery and across deliveries.
type Policy struct {
	MaxDeliveries  int64
	HandlerRetries uint64
	RetryInitial   time.Duration
	RetryMax       time.Duration
}

// PolicyFrom converts the events configuration.
func PolicyFrom(cfg domain.EventsConfig) Policy {
	return Policy{
		MaxDeliveries:  cfg.MaxDeliveries,
		HandlerRetries: cfg.HandlerRetries,
		RetryInitial:   cfg.RetryInitial,
		RetryMax:       cfg.RetryMax,
	}
}

// Observer records processing outcomes.
type Observer interface {
	ObserveMessage(stream string, outcome Outcome, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveMessage(string, Outcome, time.Duration) {}

// Processor applies the delivery policy around a handler: transient failures
// are retried with exponential backoff inside the delivery, terminal failures
// and messages past MaxDeliveries are parked, anything else is left for
// redelivery.
type Processor struct {
	handler  Handler
	parker   Parker
	policy   Policy
	observer Observer
	log      *logrus.Logger
}

// NewProcessor creates a processor. observer may be nil.
func NewProcessor(handler Handler, parker Parker, policy Policy, observer Observer, logger *logrus.Logger) *Processor {
	if observer == nil {
		observer = noopObserver{}
	}
	if policy.MaxDeliveries < 1 {
		policy.MaxDeliveries = 1
	}
	return &Processor{
		handler:  handler,
		parker:   parker,
		policy:   policy,
		observer: observer,
		log:      logger,
	}
}

// Process handles one delivery and reports whether it may be acknowledged.
func (p *Processor) Process(ctx context.Context, msg Message) Outcome {
	start := time.Now()
	err := p.runWithBackoff(ctx, msg)
	outcome := p.settle(ctx, msg, err)
	p.observer.ObserveMessage(msg.Stream, outcome, time.Since(start))
	return outcome
}

func (p *Processor) runWithBackoff(ctx context.Context, msg Message) error {
	b := backoff.NewExponentialBackOff()
	if p.policy.RetryInitial > 0 {
		b.InitialInterval = p.policy.RetryInitial
	}
	if p.policy.RetryMax > 0 {
		b.MaxInterval = p.policy.RetryMax
	}
	b.MaxElapsedTime = 0

	operation := func() error {
		err := p.handler(ctx, msg)
		if err == nil || domain.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		p.log.WithFields(logrus.Fields{
			"stream":     msg.Stream,
			"message_id": msg.ID,
			"wait":       wait.String(),
		}).WithError(err).Warn("Transient failure, retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.policy.HandlerRetries), ctx)
	return backoff.RetryNotify(operation, policy, notify)
}

func (p *Processor) settle(ctx context.Context, msg Message, err error) Outcome {
	if err == nil {
		return OutcomeAcked
	}

	fields := logrus.Fields{
		"stream":     msg.Stream,
		"message_id": msg.ID,
		"event_type": msg.Type,
		"deliveries": msg.Deliveries,
	}

	if ctx.Err() != nil {
		p.log.WithFields(fields).Debug("Shutting down, leaving message for redelivery")
		return OutcomeRetry
	}

	terminal := domain.IsTerminal(err) || errors.Is(err, ErrMalformedEvent)
	if !terminal && msg.Deliveries < p.policy.MaxDeliveries {
		p.log.WithFields(fields).WithError(err).Warn("Message processing failed, will be redelivered")
		return OutcomeRetry
	}

	parked := domain.ParkedMessage{
		ID:        uuid.New(),
		Stream:    msg.Stream,
		MessageID: msg.ID,
		EventType: msg.Type,
		Payload:   msg.Payload,
		Reason:    err.Error(),
		Attempts:  msg.Deliveries,
		ParkedAt:  time.Now().UTC(),
	}
	if parkErr := p.parker.Park(ctx, parked); parkErr != nil {
		p.log.WithFields(fields).WithError(parkErr).Error("Failed to park message, leaving it pending")
		return OutcomeRetry
	}

	fields["terminal"] = terminal
	p.log.WithFields(fields).WithError(err).Error("Message parked for manual inspection")
	return OutcomeParked
}
