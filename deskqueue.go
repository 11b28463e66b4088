package deskqueue

import (
	"context"
	"fmt"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"

	"github.com/castaneai/deskqueue/pkg/broadcast"
	"github.com/castaneai/deskqueue/pkg/statestore"
)

// DeskQueue bundles the queue engine and desk sessions that share one store.
type DeskQueue struct {
	store    statestore.StateStore
	queue    *QueueEngine
	sessions *DeskSessions
}

// NewDeskQueueWithMiniRedis runs an in-process Redis and stores state there.
// The returned close function stops it.
func NewDeskQueueWithMiniRedis(ctx context.Context, publisher broadcast.Publisher, opts ...Option) (*DeskQueue, func(), error) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start miniredis: %w", err)
	}
	rc, err := rueidis.NewClient(rueidis.ClientOption{InitAddress: []string{mr.Addr()}, DisableCache: true})
	if err != nil {
		mr.Close()
		return nil, nil, fmt.Errorf("failed to new rueidis client: %w", err)
	}
	closeFn := func() {
		rc.Close()
		mr.Close()
	}
	dq, err := NewDeskQueue(ctx, statestore.NewRedisStore(rc), publisher, opts...)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return dq, closeFn, nil
}

func NewDeskQueue(ctx context.Context, store statestore.StateStore, publisher broadcast.Publisher, opts ...Option) (*DeskQueue, error) {
	queue, err := NewQueueEngine(ctx, store, publisher, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue engine: %w", err)
	}
	sessions, err := NewDeskSessions(store, opts...)
	if err != nil {
		return nil, err
	}
	return &DeskQueue{
		store:    store,
		queue:    queue,
		sessions: sessions,
	}, nil
}

func (d *DeskQueue) Queue() *QueueEngine {
	return d.queue
}

func (d *DeskQueue) Sessions() *DeskSessions {
	return d.sessions
}

func (d *DeskQueue) Store() statestore.StateStore {
	return d.store
}
