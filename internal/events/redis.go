package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/case-surveillance-pipeline/internal/domain"
)

const (
	fieldType    = "type"
	fieldPayload = "payload"
)

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg domain.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.PoolTimeout > 0 {
		opts.PoolTimeout = cfg.PoolTimeout
	}
	opts.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w: %w", domain.ErrTransientDependency, err)
	}
	return client, nil
}

// RedisBus is a Publisher and Subscriber on Redis Streams. Each stage reads
// through a consumer group; messages stay in the group's pending list until
// acknowledged and are reclaimed from idle consumers.
type RedisBus struct {
	client       *redis.Client
	group        string
	batch        int64
	block        time.Duration
	claimMinIdle time.Duration
	maxLen       int64
	log          *logrus.Logger
}

// NewRedisBus creates a bus over an existing client.
func NewRedisBus(client *redis.Client, cfg domain.EventsConfig, logger *logrus.Logger) *RedisBus {
	bus := &RedisBus{
		client:       client,
		group:        cfg.ConsumerGroup,
		batch:        cfg.BatchSize,
		block:        cfg.BlockTimeout,
		claimMinIdle: cfg.ClaimMinIdle,
		maxLen:       cfg.StreamMaxLen,
		log:          logger,
	}
	if bus.batch <= 0 {
		bus.batch = 10
	}
	if bus.block <= 0 {
		bus.block = 2 * time.Second
	}
	if bus.claimMinIdle <= 0 {
		bus.claimMinIdle = time.Minute
	}
	return bus
}

// Publish appends the event to its stream.
func (b *RedisBus) Publish(ctx context.Context, event domain.Event) error {
	stream, payload, err := encode(event)
	if err != nil {
		return err
	}
	return b.PublishRaw(ctx, stream, event.EventType(), payload)
}

// PublishRaw appends an encoded payload to stream.
func (b *RedisBus) PublishRaw(ctx context.Context, stream string, eventType domain.EventType, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			fieldType:    string(eventType),
			fieldPayload: payload,
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publishing %s to %s: %w: %w", eventType, stream, domain.ErrTransientDependency, err)
	}
	return nil
}

// EnsureGroup creates the consumer group for stream if it does not exist.
func (b *RedisBus) EnsureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %s on %s: %w", b.group, stream, err)
	}
	return nil
}

// Consume reads stream as consumer until ctx is done. Pending messages idle
// for longer than the claim threshold are taken over first on every pass.
func (b *RedisBus) Consume(ctx context.Context, stream, consumer string, p *Processor) error {
	if err := b.EnsureGroup(ctx, stream); err != nil {
		return err
	}

	logger := b.log.WithFields(logrus.Fields{"stream": stream, "consumer": consumer})
	logger.Info("Consumer started")
	defer logger.Info("Consumer stopped")

	for ctx.Err() == nil {
		if err := b.reclaim(ctx, stream, consumer, p); err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("Failed to reclaim pending messages")
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    b.batch,
			Block:    b.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.WithError(err).Warn("Failed to read from stream")
			sleep(ctx, time.Second)
			continue
		}

		for _, s := range res {
			for _, xm := range s.Messages {
				b.handle(ctx, stream, xm, 1, p)
			}
		}
	}
	return nil
}

func (b *RedisBus) reclaim(ctx context.Context, stream, consumer string, p *Processor) error {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    b.group,
		Consumer: consumer,
		MinIdle:  b.claimMinIdle,
		Start:    "0-0",
		Count:    b.batch,
	}).Result()
	if err != nil {
		return err
	}

	for _, xm := range msgs {
		deliveries, err := b.deliveryCount(ctx, stream, xm.ID)
		if err != nil {
			return err
		}
		b.handle(ctx, stream, xm, deliveries, p)
	}
	return nil
}

func (b *RedisBus) deliveryCount(ctx context.Context, stream, id string) (int64, error) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  b.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return pending[0].RetryCount, nil
}

func (b *RedisBus) handle(ctx context.Context, stream string, xm redis.XMessage, deliveries int64, p *Processor) {
	msg := Message{
		Stream:     stream,
		ID:         xm.ID,
		Deliveries: deliveries,
	}
	if t, ok := xm.Values[fieldType].(string); ok {
		msg.Type = domain.EventType(t)
	}
	if payload, ok := xm.Values[fieldPayload].(string); ok {
		msg.Payload = []byte(payload)
	}

	if p.Process(ctx, msg) == OutcomeRetry {
		return
	}
	if err := b.client.XAck(ctx, stream, b.group, xm.ID).Err(); err != nil {
		b.log.WithFields(logrus.Fields{
			"stream":     stream,
			"message_id": xm.ID,
		}).WithError(err).Warn("Failed to acknowledge message")
	}
}

// Pending returns the number of unacknowledged messages of the group.
func (b *RedisBus) Pending(ctx context.Context, stream string) (int64, error) {
	summary, err := b.client.XPending(ctx, stream, b.group).Result()
	if err != nil {
		return 0, err
	}
	return summary.Count, nil
}

// Ping checks the Redis connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
