package statestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/rueidis"
	"github.com/sethvargo/go-retry"

	"github.com/castaneai/deskqueue/pkg/dqlog"
)

const (
	DefaultRedisKey           = "deskqueue:snapshot"
	defaultConflictBackoff    = 10 * time.Millisecond
	defaultMaxConflictRetries = 50
)

var errTxConflict = errors.New("snapshot changed during transaction")

type redisOpts struct {
	key                string
	conflictBackoff    time.Duration
	maxConflictRetries uint64
}

func defaultRedisOpts() *redisOpts {
	return &redisOpts{
		key:                DefaultRedisKey,
		conflictBackoff:    defaultConflictBackoff,
		maxConflictRetries: defaultMaxConflictRetries,
	}
}

type RedisOption interface {
	apply(opts *redisOpts)
}

type RedisOptionFunc func(opts *redisOpts)

func (f RedisOptionFunc) apply(opts *redisOpts) {
	f(opts)
}

// WithRedisKey sets the key holding the snapshot. The default is "deskqueue:snapshot".
func WithRedisKey(key string) RedisOption {
	return RedisOptionFunc(func(opts *redisOpts) {
		opts.key = key
	})
}

// WithConflictRetry controls how often Update retries when another writer
// changed the snapshot between WATCH and EXEC.
func WithConflictRetry(backoff time.Duration, maxRetries uint64) RedisOption {
	return RedisOptionFunc(func(opts *redisOpts) {
		opts.conflictBackoff = backoff
		opts.maxConflictRetries = maxRetries
	})
}

// RedisStore keeps the snapshot as a JSON string under one key.
// Update is an optimistic WATCH/MULTI/EXEC transaction, so several processes
// sharing the key never lose each other's writes.
type RedisStore struct {
	client rueidis.Client
	opts   *redisOpts
	// mu avoids pointless transaction conflicts between writers of this process.
	mu sync.Mutex
}

func NewRedisStore(client rueidis.Client, opts ...RedisOption) *RedisStore {
	ro := defaultRedisOpts()
	for _, o := range opts {
		o.apply(ro)
	}
	return &RedisStore{
		client: client,
		opts:   ro,
	}
}

func (s *RedisStore) Load(ctx context.Context) (*Snapshot, error) {
	return s.decode(s.client.Do(ctx, s.client.B().Get().Key(s.opts.key).Build()))
}

func (s *RedisStore) Save(ctx context.Context, snapshot *Snapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.opts.key).Value(rueidis.BinaryString(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save snapshot to redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, fn func(snapshot *Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backoff := retry.WithMaxRetries(s.opts.maxConflictRetries, retry.NewConstant(s.opts.conflictBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.client.Dedicated(func(c rueidis.DedicatedClient) error {
			return s.updateOnce(ctx, c, fn)
		})
		if errors.Is(err, errTxConflict) {
			dqlog.Debugf("snapshot update conflicted, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *RedisStore) updateOnce(ctx context.Context, c rueidis.DedicatedClient, fn func(snapshot *Snapshot) error) error {
	if err := c.Do(ctx, c.B().Watch().Key(s.opts.key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to watch snapshot: %w", err)
	}
	snapshot, err := s.decode(c.Do(ctx, c.B().Get().Key(s.opts.key).Build()))
	if err != nil {
		_ = c.Do(ctx, c.B().Unwatch().Build()).Error()
		return err
	}
	if err := fn(snapshot); err != nil {
		_ = c.Do(ctx, c.B().Unwatch().Build()).Error()
		return err
	}
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		_ = c.Do(ctx, c.B().Unwatch().Build()).Error()
		return err
	}
	resps := c.DoMulti(ctx,
		c.B().Multi().Build(),
		c.B().Set().Key(s.opts.key).Value(rueidis.BinaryString(data)).Build(),
		c.B().Exec().Build())
	for _, resp := range resps[:2] {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to queue snapshot write: %w", err)
		}
	}
	if err := resps[2].Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return errTxConflict
		}
		return fmt.Errorf("failed to exec snapshot transaction: %w", err)
	}
	return nil
}

func (s *RedisStore) decode(resp rueidis.RedisResult) (*Snapshot, error) {
	data, err := resp.ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return NewSnapshot(), nil
		}
		return nil, fmt.Errorf("failed to get snapshot from redis: %w", err)
	}
	snapshot, err := decodeSnapshot([]byte(data))
	if err != nil {
		dqlog.Warnf("snapshot in redis key %s is unreadable, starting from an empty state: %+v", s.opts.key, err)
		return NewSnapshot(), nil
	}
	return snapshot, nil
}
