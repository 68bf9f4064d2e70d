// Package bus publishes analysis request snapshots over Redis pub/sub so the
// front door can stream status to connected clients. Delivery is at-most-once
// and fire-and-forget: a missed update is recovered by reading the request
// row, never by replaying the bus.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"atlas/internal/domain/request"
	"atlas/internal/logging"
)

const topicPrefix = "analysis_request_updates:"

// Subscriber buffer size. A subscriber that falls further behind than this
// loses updates rather than blocking the reader loop.
const subscriberBuffer = 16

// Topic returns the pub/sub channel name for a request.
func Topic(requestID uuid.UUID) string {
	return topicPrefix + requestID.String()
}

// Bus is the Redis-backed update publisher.
type Bus struct {
	client *redis.Client
	logger logging.Logger
}

// New constructs a bus over an existing Redis client.
func New(client *redis.Client, logger logging.Logger) *Bus {
	return &Bus{client: client, logger: logging.OrNop(logger)}
}

// NewFromURL parses a redis:// URL and constructs the bus with its own
// client.
func NewFromURL(url string, logger logging.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(opts), logger), nil
}

// Close releases the underlying client.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Publish sends a snapshot to the request's topic. Failures are reported to
// the caller but must never fail the workflow that produced the snapshot.
func (b *Bus) Publish(ctx context.Context, snapshot request.Snapshot) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := b.client.Publish(ctx, Topic(snapshot.ID), body).Err(); err != nil {
		return fmt.Errorf("publish snapshot for %s: %w", snapshot.ID, err)
	}
	return nil
}

// Subscribe returns a channel of snapshots for one request and a cancel
// function. The channel closes when ctx ends, cancel is called, or the
// subscription drops. Slow consumers drop updates instead of backpressuring
// the pump.
func (b *Bus) Subscribe(ctx context.Context, requestID uuid.UUID) (<-chan request.Snapshot, func()) {
	sub := b.client.Subscribe(ctx, Topic(requestID))
	out := make(chan request.Snapshot, subscriberBuffer)

	pumpCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-pumpCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var snap request.Snapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					b.logger.Warn("dropping malformed update on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case out <- snap:
				default:
					b.logger.Warn("subscriber for %s is behind, dropping update", requestID)
				}
			}
		}
	}()

	return out, cancel
}
