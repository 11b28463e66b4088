package deskqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bojand/hri"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/castaneai/deskqueue/pkg/broadcast"
	"github.com/castaneai/deskqueue/pkg/statestore"
)

func TestIssueTicketSequence(t *testing.T) {
	store, _ := NewStateStoreWithMiniRedis(t)
	dq := NewTestDeskQueue(t, store, statestore.Layout{"deposit": 1})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		id, err := dq.Queue().IssueTicket(ctx, "deposit")
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("D-%d", i), id)
	}
	require.Equal(t, 5, dq.Queue().QueueLength("deposit"))

	// sequences are per service
	id, err := dq.Queue().IssueTicket(ctx, "withdraw")
	require.NoError(t, err)
	require.Equal(t, "W-1", id)

	service := hri.Random()
	id, err = dq.Queue().IssueTicket(ctx, service)
	require.NoError(t, err)
	require.Equal(t, strings.ToUpper(service[:1])+"-1", id)

	_, err = dq.Queue().IssueTicket(ctx, "")
	require.ErrorIs(t, err, ErrInvalidArgument)

	snapshot, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot.Tickets["deposit"], 5)
	require.Equal(t, 5, snapshot.CountTickets("deposit", statestore.TicketWaiting))
}

func TestCallNextFIFO(t *testing.T) {
	store, _ := NewStateStoreWithMiniRedis(t)
	dq := NewTestDeskQueue(t, store, statestore.Layout{"deposit": 1})
	ctx := context.Background()

	var issued []string
	for i := 0; i < 4; i++ {
		id, err := dq.Queue().IssueTicket(ctx, "deposit")
		require.NoError(t, err)
		issued = append(issued, id)
	}

	var called []string
	for i := 0; i < 4; i++ {
		res, err := dq.Queue().CallNext(ctx, "deposit", "1")
		require.NoError(t, err)
		require.Equal(t, CallOK, res.Status)
		require.Equal(t, "1", res.Desk)
		called = append(called, res.Ticket)
		require.NoError(t, dq.Queue().Confirm(ctx, "deposit", "1", res.Ticket))
		require.NoError(t, dq.Queue().Complete(ctx, "deposit", "1", res.Ticket))
	}
	require.Equal(t, issued, called)

	res, err := dq.Queue().CallNext(ctx, "deposit", "1")
	require.NoError(t, err)
	require.Equal(t, CallEmpty, res.Status)
	require.Equal(t, "No tickets waiting for deposit.", res.Message)

	snapshot, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, snapshot.CountTickets("deposit", statestore.TicketDone))
	desk, ok := snapshot.Desk("deposit", "1")
	require.True(t, ok)
	require.Nil(t, desk.CurrentTicket)
}

func TestCallNextConcurrentDesks(t *testing.T) {
	const desks = 10
	store, _ := NewStateStoreWithMiniRedis(t)
	dq := NewTestDeskQueue(t, store, statestore.Layout{"deposit": desks})
	ctx := context.Background()

	for i := 0; i < desks; i++ {
		_, err := dq.Queue().IssueTicket(ctx, "deposit")
		require.NoError(t, err)
	}

	var mu sync.Mutex
	got := map[string]string{}
	eg, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= desks; i++ {
		desk := fmt.Sprintf("%d", i)
		eg.Go(func() error {
			res, err := dq.Queue().CallNext(ctx, "deposit", desk)
			if err != nil {
				return err
			}
			if res.Status != CallOK {
				return fmt.Errorf("desk %s: unexpected status %s", desk, res.Status)
			}
			mu.Lock()
			defer mu.Unlock()
			if other, ok := got[res.Ticket]; ok {
				return fmt.Errorf("ticket %s called to desk %s and %s", res.Ticket, other, desk)
			}
			got[res.Ticket] = desk
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.Len(t, got, desks)
	require.Zero(t, dq.Queue().QueueLength("deposit"))

	snapshot, err := store.Load(context.Background())
	require.NoError(t, err)
	seen := map[string]struct{}{}
	for _, desk := range snapshot.Desks["deposit"] {
		require.NotNil(t, desk.CurrentTicket)
		_, dup := seen[*desk.CurrentTicket]
		require.False(t, dup, "ticket %s held by two desks", *desk.CurrentTicket)
		seen[*desk.CurrentTicket] = struct{}{}
		ticket, ok := snapshot.Ticket("deposit", *desk.CurrentTicket)
		require.True(t, ok)
		require.Equal(t, statestore.TicketAssigned, ticket.Status)
		require.Equal(t, desk.ID, ticket.Desk)
	}
}

func TestCallNextBusy(t *testing.T) {
	store, _ := NewStateStoreWithMiniRedis(t)
	dq := NewTestDeskQueue(t, store, statestore.Layout{"deposit": 3})
	ctx := context.Background()
	q := dq.Queue()

	_, err := q.IssueTicket(ctx, "deposit")
	require.NoError(t, err)
	res, err := q.CallNext(ctx, "deposit", "1")
	require.NoError(t, err)
	require.Equal(t, CallOK, res.Status)
	require.Equal(t, "D-1", res.Ticket)

	// D-1 is outstanding and nothing is waiting
	res, err = q.CallNext(ctx, "deposit", "2")
	require.NoError(t, err)
	require.Equal(t, CallBusy, res.Status)
	require.Equal(t, "D-1", res.Ticket)
	require.Equal(t, "Ticket D-1 already assigned for deposit.", res.Message)

	// a desk holds one ticket at a time
	_, err = q.IssueTicket(ctx, "deposit")
	require.NoError(t, err)
	res, err = q.CallNext(ctx, "deposit", "1")
	require.NoError(t, err)
	require.Equal(t, CallBusy, res.Status)
	require.Equal(t, "D-1", res.Ticket)
	require.Equal(t, 1, q.QueueLength("deposit"))

	res, err = q.CallNext(ctx, "deposit", "2")
	require.NoError(t, err)
	require.Equal(t, CallOK, res.Status)
	require.Equal(t, "D-2", res.Ticket)

	require.NoError(t, q.Confirm(ctx, "deposit", "1", "D-1"))
	res, err = q.CallNext(ctx, "deposit", "3")
	require.NoError(t, err)
	require.Equal(t, CallBusy, res.Status)
	require.Equal(t, "D-2", res.Ticket)

	require.NoError(t, q.Confirm(ctx, "deposit", "2", "D-2"))
	res, err = q.CallNext(ctx, "deposit", "3")
	require.NoError(t, err)
	require.Equal(t, CallEmpty, res.Status)

	// a desk serving a ticket cannot call the next one until it completes
	_, err = q.IssueTicket(ctx, "deposit")
	require.NoError(t, err)
	res, err = q.CallNext(ctx, "deposit", "1")
	require.NoError(t, err)
	require.Equal(t, CallBusy, res.Status)
	require.Equal(t, "D-1", res.Ticket)
	require.Equal(t, 1, q.QueueLength("deposit"))
	require.NoError(t, q.Complete(ctx, "deposit", "1", "D-1"))
	res, err = q.CallNext(ctx, "deposit", "1")
	require.NoError(t, err)
	require.Equal(t, CallOK, res.Status)
	require.Equal(t, "D-3", res.Ticket)
}

func TestCallNextUnknownDesk(t *testing.T) {
	store, _ := NewStateStoreWithMiniRedis(t)
	dq := NewTestDeskQueue(t, store, statestore.Layout{"deposit": 1})
	ctx := context.Background()

	_, err := dq.Queue().CallNext(ctx, "loans", "1")
	require.ErrorIs(t, err, ErrServiceNotFound)
	_, err = dq.Queue().CallNext(ctx, "deposit", "9")
	require.ErrorIs(t, err, ErrDeskNotFound)
	_, err = dq.Queue().CallNext(ctx, "deposit", "")
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.ErrorIs(t, dq.Queue().Confirm(ctx, "deposit", "9", "D-1"), ErrDeskNotFound)

	// desks configured after startup are found in the store
	_, err = statestore.EnsureDesks(ctx, store, statestore.Layout{"loans": 1})
	require.NoError(t, err)
	res, err := dq.Queue().CallNext(ctx, "loans", "1")
	require.NoError(t, err)
	require.Equal(t, CallEmpty, res.Status)
}

func TestMismatchLeavesStateUnchanged(t *testing.T) {
	store, _ := NewStateStoreWithMiniRedis(t)
	dq := NewTestDeskQueue(t, store, statestore.Layout{"deposit": 2})
	ctx := context.Background()
	q := dq.Queue()

	for i := 0; i < 3; i++ {
		_, err := q.IssueTicket(ctx, "deposit")
		require.NoError(t, err)
	}
	_, err := q.CallNext(ctx, "deposit", "1")
	require.NoError(t, err)
	_, err = q.CallNext(ctx, "deposit", "2")
	require.NoError(t, err)
	require.NoError(t, q.Confirm(ctx, "deposit", "2", "D-2"))

	before, err := store.Load(ctx)
	require.NoError(t, err)

	mismatches := []struct {
		name string
		call func() error
	}{
		{"confirm ticket of another desk", func() error { return q.Confirm(ctx, "deposit", "1", "D-2") }},
		{"confirm waiting ticket", func() error { return q.Confirm(ctx, "deposit", "1", "D-3") }},
		{"confirm serving ticket", func() error { return q.Confirm(ctx, "deposit", "2", "D-2") }},
		{"confirm unknown ticket", func() error { return q.Confirm(ctx, "deposit", "1", "D-99") }},
		{"complete assigned ticket", func() error { return q.Complete(ctx, "deposit", "1", "D-1") }},
		{"complete ticket of another desk", func() error { return q.Complete(ctx, "deposit", "1", "D-2") }},
		{"complete waiting ticket", func() error { return q.Complete(ctx, "deposit", "2", "D-3") }},
	}
	for _, tt := range mismatches {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.call(), ErrTicketMismatch)
			after, err := store.Load(ctx)
			require.NoError(t, err)
			require.Equal(t, before, after)
			require.Equal(t, []string{"D-3"}, q.Waiting("deposit"))
		})
	}
}

func TestDepositScenario(t *testing.T) {
	store, _ := NewStateStoreWithMiniRedis(t)
	dq := NewTestDeskQueue(t, store, statestore.Layout{"deposit": 2})
	ctx := context.Background()
	q := dq.Queue()

	id, err := q.IssueTicket(ctx, "deposit")
	require.NoError(t, err)
	require.Equal(t, "D-1", id)
	id, err = q.IssueTicket(ctx, "deposit")
	require.NoError(t, err)
	require.Equal(t, "D-2", id)

	res, err := q.CallNext(ctx, "deposit", "1")
	require.NoError(t, err)
	require.Equal(t, &CallResult{Status: CallOK, Ticket: "D-1", Desk: "1"}, res)
	res, err = q.CallNext(ctx, "deposit", "2")
	require.NoError(t, err)
	require.Equal(t, &CallResult{Status: CallOK, Ticket: "D-2", Desk: "2"}, res)

	require.NoError(t, q.Confirm(ctx, "deposit", "1", "D-1"))
	require.NoError(t, q.Complete(ctx, "deposit", "1", "D-1"))
	require.ErrorIs(t, q.Complete(ctx, "deposit", "1", "D-2"), ErrTicketMismatch)
}

func TestRestartRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue_data.json")
	ctx := context.Background()
	dq := NewTestDeskQueue(t, statestore.NewFileStore(path), statestore.Layout{"deposit": 2})

	for i := 0; i < 3; i++ {
		_, err := dq.Queue().IssueTicket(ctx, "deposit")
		require.NoError(t, err)
	}
	res, err := dq.Queue().CallNext(ctx, "deposit", "1")
	require.NoError(t, err)
	require.Equal(t, "D-1", res.Ticket)

	// a new process over the same file
	store := statestore.NewFileStore(path)
	restarted, err := NewQueueEngine(ctx, store, nil)
	require.NoError(t, err)

	snapshot, err := store.Load(ctx)
	require.NoError(t, err)
	require.Zero(t, snapshot.CountTickets("deposit", statestore.TicketAssigned))
	require.Equal(t, 3, snapshot.CountTickets("deposit", statestore.TicketWaiting))
	desk, ok := snapshot.Desk("deposit", "1")
	require.True(t, ok)
	require.Nil(t, desk.CurrentTicket)
	require.Equal(t, []string{"D-1", "D-2", "D-3"}, restarted.Waiting("deposit"))

	id, err := restarted.IssueTicket(ctx, "deposit")
	require.NoError(t, err)
	require.Equal(t, "D-4", id)

	res, err = restarted.CallNext(ctx, "deposit", "1")
	require.NoError(t, err)
	require.Equal(t, "D-1", res.Ticket)
}

func TestRestartKeepsServingTicket(t *testing.T) {
	store, _ := NewStateStoreWithMiniRedis(t)
	dq := NewTestDeskQueue(t, store, statestore.Layout{"deposit": 1})
	ctx := context.Background()

	_, err := dq.Queue().IssueTicket(ctx, "deposit")
	require.NoError(t, err)
	_, err = dq.Queue().CallNext(ctx, "deposit", "1")
	require.NoError(t, err)
	require.NoError(t, dq.Queue().Confirm(ctx, "deposit", "1", "D-1"))

	restarted, err := NewQueueEngine(ctx, store, nil)
	require.NoError(t, err)
	res, err := restarted.CallNext(ctx, "deposit", "1")
	require.NoError(t, err)
	require.Equal(t, CallBusy, res.Status)
	require.NoError(t, restarted.Complete(ctx, "deposit", "1", "D-1"))
}

type flakyStore struct {
	statestore.StateStore
	failUpdates atomic.Bool
}

var errWriteFailed = errors.New("disk full")

func (s *flakyStore) Update(ctx context.Context, fn func(snapshot *statestore.Snapshot) error) error {
	if s.failUpdates.Load() {
		return errWriteFailed
	}
	return s.StateStore.Update(ctx, fn)
}

func TestFailedWriteLeavesQueueUnchanged(t *testing.T) {
	origin, _ := NewStateStoreWithMiniRedis(t)
	store := &flakyStore{StateStore: origin}
	dq := NewTestDeskQueue(t, store, statestore.Layout{"deposit": 1})
	ctx := context.Background()
	q := dq.Queue()

	_, err := q.IssueTicket(ctx, "deposit")
	require.NoError(t, err)

	store.failUpdates.Store(true)
	_, err = q.IssueTicket(ctx, "deposit")
	require.ErrorIs(t, err, errWriteFailed)
	_, err = q.CallNext(ctx, "deposit", "1")
	require.ErrorIs(t, err, errWriteFailed)
	require.Equal(t, []string{"D-1"}, q.Waiting("deposit"))

	store.failUpdates.Store(false)
	res, err := q.CallNext(ctx, "deposit", "1")
	require.NoError(t, err)
	require.Equal(t, "D-1", res.Ticket)

	store.failUpdates.Store(true)
	require.ErrorIs(t, q.Confirm(ctx, "deposit", "1", "D-1"), errWriteFailed)
	store.failUpdates.Store(false)
	require.NoError(t, q.Confirm(ctx, "deposit", "1", "D-1"))

	// the failed issue did not consume a sequence number
	id, err := q.IssueTicket(ctx, "deposit")
	require.NoError(t, err)
	require.Equal(t, "D-2", id)
}

func TestEngineResyncsDivergedStore(t *testing.T) {
	store, _ := NewStateStoreWithMiniRedis(t)
	dq := NewTestDeskQueue(t, store, statestore.Layout{"deposit": 1})
	ctx := context.Background()

	_, err := dq.Queue().IssueTicket(ctx, "deposit")
	require.NoError(t, err)

	// another writer takes the ticket behind the engine's back
	require.NoError(t, store.Update(ctx, func(s *statestore.Snapshot) error {
		s.Tickets["deposit"][0].Status = statestore.TicketDone
		return nil
	}))
	res, err := dq.Queue().CallNext(ctx, "deposit", "1")
	require.NoError(t, err)
	require.Equal(t, CallEmpty, res.Status)
	require.Empty(t, dq.Queue().Waiting("deposit"))

	id, err := dq.Queue().IssueTicket(ctx, "deposit")
	require.NoError(t, err)
	require.Equal(t, "D-2", id)
}

func TestEngineRecoversFromCorruptFile(t *testing.T) {
	ctx := context.Background()
	setup := func(t *testing.T) (*QueueEngine, statestore.StateStore) {
		path := filepath.Join(t.TempDir(), "queue_data.json")
		store := statestore.NewFileStore(path)
		dq := NewTestDeskQueue(t, store, statestore.Layout{"deposit": 2})
		for i := 0; i < 2; i++ {
			_, err := dq.Queue().IssueTicket(ctx, "deposit")
			require.NoError(t, err)
		}
		require.NoError(t, os.WriteFile(path, []byte("{garbage"), 0o644))
		return dq.Queue(), store
	}
	requireInSync := func(t *testing.T, q *QueueEngine, store statestore.StateStore) {
		t.Helper()
		snapshot, err := store.Load(ctx)
		require.NoError(t, err)
		stored, inMemory := waitingTickets(snapshot, "deposit"), q.Waiting("deposit")
		require.True(t, slices.Equal(stored, inMemory), "store: %v, memory: %v", stored, inMemory)
		require.Len(t, snapshot.Desks["deposit"], 2)
	}

	t.Run("call next", func(t *testing.T) {
		q, store := setup(t)
		for i := 0; i < 3; i++ {
			res, err := q.CallNext(ctx, "deposit", "1")
			require.NoError(t, err)
			require.Equal(t, CallEmpty, res.Status)
		}
		requireInSync(t, q, store)

		id, err := q.IssueTicket(ctx, "deposit")
		require.NoError(t, err)
		require.Equal(t, "D-1", id)
		res, err := q.CallNext(ctx, "deposit", "2")
		require.NoError(t, err)
		require.Equal(t, CallOK, res.Status)
		require.Equal(t, "D-1", res.Ticket)
		require.NoError(t, q.Confirm(ctx, "deposit", "2", "D-1"))
		require.NoError(t, q.Complete(ctx, "deposit", "2", "D-1"))
		requireInSync(t, q, store)
	})

	t.Run("issue ticket", func(t *testing.T) {
		q, store := setup(t)
		id, err := q.IssueTicket(ctx, "deposit")
		require.NoError(t, err)
		require.Equal(t, "D-1", id)
		require.Equal(t, 1, q.QueueLength("deposit"))
		requireInSync(t, q, store)
	})

	t.Run("serving ticket lost", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue_data.json")
		store := statestore.NewFileStore(path)
		q := NewTestDeskQueue(t, store, statestore.Layout{"deposit": 1}).Queue()
		_, err := q.IssueTicket(ctx, "deposit")
		require.NoError(t, err)
		_, err = q.CallNext(ctx, "deposit", "1")
		require.NoError(t, err)
		require.NoError(t, q.Confirm(ctx, "deposit", "1", "D-1"))
		require.NoError(t, os.WriteFile(path, []byte("{garbage"), 0o644))

		require.ErrorIs(t, q.Complete(ctx, "deposit", "1", "D-1"), ErrTicketMismatch)
		res, err := q.CallNext(ctx, "deposit", "1")
		require.NoError(t, err)
		require.Equal(t, CallEmpty, res.Status)
	})
}

func TestEnginePublishesEvents(t *testing.T) {
	store, _ := NewStateStoreWithMiniRedis(t)
	ctx := context.Background()
	_, err := statestore.EnsureDesks(ctx, store, statestore.Layout{"deposit": 1})
	require.NoError(t, err)

	hub := broadcast.NewHub()
	sub := hub.Subscribe()
	defer sub.Close()
	clock := func() time.Time { return time.Date(2024, 4, 1, 9, 30, 0, 0, time.Local) }
	dq, err := NewDeskQueue(ctx, store, hub, WithClock(clock))
	require.NoError(t, err)
	q := dq.Queue()

	_, err = q.IssueTicket(ctx, "deposit")
	require.NoError(t, err)
	_, err = q.IssueTicket(ctx, "deposit")
	require.NoError(t, err)
	_, err = q.CallNext(ctx, "deposit", "1")
	require.NoError(t, err)
	require.NoError(t, q.Confirm(ctx, "deposit", "1", "D-1"))
	require.NoError(t, q.Complete(ctx, "deposit", "1", "D-1"))
	_, err = q.CallNext(ctx, "deposit", "1")
	require.NoError(t, err)
	require.NoError(t, q.Confirm(ctx, "deposit", "1", "D-2"))
	require.NoError(t, q.Complete(ctx, "deposit", "1", "D-2"))
	_, err = q.CallNext(ctx, "deposit", "1")
	require.NoError(t, err)
	// rejected calls publish nothing
	require.Error(t, q.Complete(ctx, "deposit", "1", "D-2"))

	expected := []broadcast.Event{
		{Type: broadcast.EventIssued, Timestamp: "09:30", Service: "deposit", Ticket: "D-1", QueueLength: 1},
		{Type: broadcast.EventIssued, Timestamp: "09:30", Service: "deposit", Ticket: "D-2", QueueLength: 2},
		{Type: broadcast.EventCalled, Timestamp: "09:30", Service: "deposit", Ticket: "D-1", Desk: "1"},
		{Type: broadcast.EventServing, Timestamp: "09:30", Service: "deposit", Ticket: "D-1", Desk: "1"},
		{Type: broadcast.EventDone, Timestamp: "09:30", Service: "deposit", Ticket: "D-1", Desk: "1"},
		{Type: broadcast.EventCalled, Timestamp: "09:30", Service: "deposit", Ticket: "D-2", Desk: "1"},
		{Type: broadcast.EventServing, Timestamp: "09:30", Service: "deposit", Ticket: "D-2", Desk: "1"},
		{Type: broadcast.EventDone, Timestamp: "09:30", Service: "deposit", Ticket: "D-2", Desk: "1"},
		{Type: broadcast.EventEmpty, Timestamp: "09:30", Service: "deposit", Message: "No tickets waiting for deposit."},
	}
	for _, want := range expected {
		require.Equal(t, want, <-sub.Events())
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	store, _ := NewStateStoreWithMiniRedis(t)
	ctx := context.Background()
	failing := broadcast.PublisherFunc(func(ctx context.Context, event broadcast.Event) error {
		return errors.New("listener gone")
	})
	q, err := NewQueueEngine(ctx, store, failing)
	require.NoError(t, err)

	id, err := q.IssueTicket(ctx, "deposit")
	require.NoError(t, err)
	require.Equal(t, "D-1", id)
}
