package deskqueue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"

	"github.com/castaneai/deskqueue/pkg/statestore"
)

// NewStateStoreWithMiniRedis returns a RedisStore backed by a miniredis that lives as long as the test.
func NewStateStoreWithMiniRedis(t *testing.T, opts ...statestore.RedisOption) (*statestore.RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rc, err := rueidis.NewClient(rueidis.ClientOption{InitAddress: []string{mr.Addr()}, DisableCache: true})
	if err != nil {
		t.Fatalf("failed to new rueidis client: %+v", err)
	}
	t.Cleanup(rc.Close)
	return statestore.NewRedisStore(rc, opts...), mr
}

// NewTestDeskQueue creates a DeskQueue over store after seeding it with layout.
func NewTestDeskQueue(t *testing.T, store statestore.StateStore, layout statestore.Layout, opts ...Option) *DeskQueue {
	ctx := context.Background()
	if _, err := statestore.EnsureDesks(ctx, store, layout); err != nil {
		t.Fatalf("failed to configure desks: %+v", err)
	}
	dq, err := NewDeskQueue(ctx, store, nil, opts...)
	if err != nil {
		t.Fatalf("failed to create desk queue: %+v", err)
	}
	return dq
}
