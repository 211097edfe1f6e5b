package events

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus publishes job events over Redis pub/sub so multiple API replicas
// all see every worker's events.
type RedisBus struct {
	client  *redis.Client
	logger  zerolog.Logger
	dropped atomic.Uint64
}

// NewRedisBus wraps an existing Redis client.
func NewRedisBus(client *redis.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger}
}

// Publish sends the event. A Redis outage degrades realtime delivery but
// never a running job, so failures only log and count.
func (b *RedisBus) Publish(tenantID string, ev JobEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.dropped.Add(1)
		b.logger.Error().Err(err).Int64("job_id", ev.JobID).Msg("marshal job event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, Topic(tenantID), payload).Err(); err != nil {
		b.dropped.Add(1)
		b.logger.Warn().Err(err).
			Str("tenant_id", tenantID).
			Int64("job_id", ev.JobID).
			Msg("publish job event failed")
	}
}

// Subscribe opens a pub/sub channel for the tenant's topic. Undecodable
// payloads are counted as dropped and skipped.
func (b *RedisBus) Subscribe(tenantID string) (<-chan JobEvent, func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.client.Subscribe(ctx, Topic(tenantID))

	// Force the subscription to establish before returning, so callers can
	// fail fast when Redis is down.
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		sub.Close()
		return nil, nil, err
	}

	out := make(chan JobEvent, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev JobEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.dropped.Add(1)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() {
		cancel()
		sub.Close()
	}
	return out, stop, nil
}

// Dropped reports failed deliveries since start.
func (b *RedisBus) Dropped() uint64 { return b.dropped.Load() }

// Healthy pings Redis.
func (b *RedisBus) Healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return b.client.Ping(ctx).Err() == nil
}
