package pipeline

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/case-surveillance-pipeline/internal/events"
)

// Runner consumes every stage stream with a fixed number of consumers each.
type Runner struct {
	subscriber  events.Subscriber
	parker      events.Parker
	policy      events.Policy
	observer    events.Observer
	handlers    map[string]events.Handler
	concurrency int
	name        string
	log         *logrus.Logger
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Policy      events.Policy
	Concurrency int
	// ConsumerName prefixes the consumer names; the host name is used when
	// empty.
	ConsumerName string
}

// NewRunner creates a runner for handlers. observer may be nil.
func NewRunner(sub events.Subscriber, parker events.Parker, handlers map[string]events.Handler, observer events.Observer, cfg RunnerConfig, logger *logrus.Logger) *Runner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ConsumerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		cfg.ConsumerName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Runner{
		subscriber:  sub,
		parker:      parker,
		policy:      cfg.Policy,
		observer:    observer,
		handlers:    handlers,
		concurrency: cfg.Concurrency,
		name:        cfg.ConsumerName,
		log:         logger,
	}
}

// Streams returns the consumed streams in a stable order.
func (r *Runner) Streams() []string {
	streams := make([]string, 0, len(r.handlers))
	for s := range r.handlers {
		streams = append(streams, s)
	}
	sort.Strings(streams)
	return streams
}

// Run blocks until ctx is done or a consumer fails. Consumers of different
// streams run independently; a failing consumer cancels the others.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, stream := range r.Streams() {
		processor := events.NewProcessor(r.handlers[stream], r.parker, r.policy, r.observer, r.log)
		for i := 0; i < r.concurrency; i++ {
			consumer := fmt.Sprintf("%s-%d", r.name, i)
			g.Go(func() error {
				if err := r.subscriber.Consume(ctx, stream, consumer, processor); err != nil {
					return fmt.Errorf("consumer %s on %s: %w", consumer, stream, err)
				}
				return nil
			})
		}
	}

	r.log.WithFields(logrus.Fields{
		"streams":     r.Streams(),
		"concurrency": r.concurrency,
		"consumer":    r.name,
	}).Info("Pipeline workers started")

	return g.Wait()
}
