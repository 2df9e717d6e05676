package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/provadorai/provador/internal/model"
)

// DefaultChannel is the Redis pub/sub channel change events travel on.
const DefaultChannel = "provador:balance-changes"

// RedisRelay shares change events between service instances. Publish goes to
// Redis; Run delivers everything seen on the channel, including this
// instance's own events, to the local Hub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   *Hub
	logger  *slog.Logger
}

// NewRedisRelay creates a relay on channel (DefaultChannel if empty).
func NewRedisRelay(client *redis.Client, channel string, local *Hub, logger *slog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisRelay{client: client, channel: channel, local: local, logger: logger}
}

// Publish forwards the event to Redis. If Redis is unreachable the event is
// delivered locally so subscribers on this instance still see it.
func (r *RedisRelay) Publish(event model.ChangeEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("marshal change event", "store_id", event.StoreID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.logger.Warn("redis publish failed, delivering locally", "store_id", event.StoreID, "error", err)
		r.local.Publish(event)
	}
}

// Run subscribes to the channel and blocks until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	return r.run(ctx, func() {})
}

// Serve keeps the relay subscribed until ctx is done, restarting Run with
// capped exponential backoff whenever it fails. The backoff resets once a
// subscription is confirmed.
func (r *RedisRelay) Serve(ctx context.Context) {
	serve(ctx, r.run, relayRetryBase, relayRetryMax, r.logger)
}

const (
	relayRetryBase = time.Second
	relayRetryMax  = 30 * time.Second
)

func serve(ctx context.Context, run func(context.Context, func()) error, base, maxDelay time.Duration, logger *slog.Logger) {
	newBackoff := func() retry.Backoff {
		return retry.WithCappedDuration(maxDelay, retry.NewExponential(base))
	}
	backoff := newBackoff()
	for {
		err := run(ctx, func() { backoff = newBackoff() })
		if ctx.Err() != nil {
			return
		}
		delay, _ := backoff.Next()
		logger.Warn("change feed relay stopped, restarting", "error", err, "retry_in", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (r *RedisRelay) run(ctx context.Context, subscribed func()) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting ready.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	subscribed()
	r.logger.Info("change feed relay subscribed", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay subscription closed")
			}
			var event model.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Warn("discarding malformed change event", "error", err)
				continue
			}
			r.local.Publish(event)
		}
	}
}
