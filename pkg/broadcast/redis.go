package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/rueidis"
	"github.com/sethvargo/go-retry"

	"github.com/castaneai/deskqueue/pkg/dqlog"
)

const (
	DefaultRedisChannel        = "deskqueue:events"
	defaultResubscribeInterval = 100 * time.Millisecond
	maxResubscribeInterval     = 5 * time.Second
)

// RedisPublisher publishes events as JSON on a Redis pub/sub channel,
// so that every process relaying that channel sees them.
type RedisPublisher struct {
	client  rueidis.Client
	channel string
}

func NewRedisPublisher(client rueidis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Do(ctx, p.client.B().Publish().Channel(p.channel).Message(rueidis.BinaryString(b)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// RedisRelay subscribes to a channel and forwards each event to a local publisher (usually a Hub).
type RedisRelay struct {
	client  rueidis.Client
	channel string
	target  Publisher
}

func NewRedisRelay(client rueidis.Client, channel string, target Publisher) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, target: target}
}

// Run blocks until ctx is done, subscribing again with backoff whenever the
// subscription is lost.
func (r *RedisRelay) Run(ctx context.Context) error {
	backoff := retry.WithCappedDuration(maxResubscribeInterval, retry.NewExponential(defaultResubscribeInterval))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := r.client.Receive(ctx, r.client.B().Subscribe().Channel(r.channel).Build(), func(msg rueidis.PubSubMessage) {
			var event Event
			if err := json.Unmarshal([]byte(msg.Message), &event); err != nil {
				dqlog.Warnf("ignored malformed event on %s: %+v", r.channel, err)
				return
			}
			if err := r.target.Publish(ctx, event); err != nil {
				dqlog.Warnf("failed to relay event: %+v", err)
			}
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = errors.New("subscription closed")
		}
		dqlog.Warnf("event subscription on %s lost: %+v", r.channel, err)
		return retry.RetryableError(err)
	})
}
