package deskqueue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/castaneai/deskqueue/pkg/broadcast"
	"github.com/castaneai/deskqueue/pkg/dqlog"
	"github.com/castaneai/deskqueue/pkg/statestore"
)

type CallStatus string

const (
	CallOK    CallStatus = "ok"
	CallEmpty CallStatus = "empty"
	CallBusy  CallStatus = "busy"
)

// CallResult is the outcome of CallNext.
// Ticket is the called ticket when ok, and the ticket holding things up when busy.
type CallResult struct {
	Status  CallStatus
	Ticket  string
	Desk    string
	Message string
}

type deskSlot struct {
	ticket string
	status statestore.TicketStatus
}

// serviceQueue is the in-memory view of one service, guarded by that service's lock.
type serviceQueue struct {
	// waiting holds ticket IDs in arrival order, which is also serving order.
	waiting []string
	counter int
	desks   map[string]struct{}
	// slots holds the ticket each busy desk is assigned or serving.
	slots map[string]*deskSlot
}

func newServiceQueue() *serviceQueue {
	return &serviceQueue{
		desks: map[string]struct{}{},
		slots: map[string]*deskSlot{},
	}
}

// outstandingAssignment returns a ticket that was called but not yet confirmed at some desk.
func (q *serviceQueue) outstandingAssignment() (string, bool) {
	desks := make([]string, 0, len(q.slots))
	for desk, slot := range q.slots {
		if slot.status == statestore.TicketAssigned {
			desks = append(desks, desk)
		}
	}
	if len(desks) == 0 {
		return "", false
	}
	sort.Strings(desks)
	return q.slots[desks[0]].ticket, true
}

// QueueEngine hands out tickets and dispatches them to desks, strictly first
// come first served per service.
// Every mutation is persisted to the store before the in-memory queue changes,
// so a failed write leaves both untouched.
type QueueEngine struct {
	store     statestore.StateStore
	publisher broadcast.Publisher
	options   *options
	metrics   *queueMetrics

	locks keyMutex[string]
	// reloadMu is held shared by operations and exclusively by Reload.
	reloadMu sync.RWMutex
	mu       sync.RWMutex
	queues   map[string]*serviceQueue
}

func NewQueueEngine(ctx context.Context, store statestore.StateStore, publisher broadcast.Publisher, opts ...Option) (*QueueEngine, error) {
	o := newOptions(opts)
	metrics, err := newQueueMetrics(o.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue metrics: %w", err)
	}
	if publisher == nil {
		publisher = broadcast.Nop
	}
	e := &QueueEngine{
		store:     store,
		publisher: publisher,
		options:   o,
		metrics:   metrics,
		queues:    map[string]*serviceQueue{},
	}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	if err := metrics.observeQueueLength(e.queueLengths); err != nil {
		return nil, fmt.Errorf("failed to observe queue length: %w", err)
	}
	return e, nil
}

// Reload discards the in-memory queues and rebuilds them from the store,
// after putting back tickets whose assignment did not survive a restart.
// Desks known to the engine but missing from the store are configured again.
func (e *QueueEngine) Reload(ctx context.Context) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	layout := statestore.Layout{}
	e.mu.RLock()
	for service, q := range e.queues {
		if n := len(q.desks); n > 0 {
			layout[service] = n
		}
	}
	e.mu.RUnlock()
	if len(layout) > 0 {
		added, err := statestore.EnsureDesks(ctx, e.store, layout)
		if err != nil {
			return err
		}
		if len(added) > 0 {
			dqlog.Warnf("desks of %v were missing from the store and have been configured again", added)
		}
	}

	recovered, err := statestore.Recover(ctx, e.store)
	if err != nil {
		return err
	}
	if recovered > 0 {
		dqlog.Infof("%d assigned tickets returned to their queues", recovered)
	}
	snapshot, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	queues := rebuildQueues(snapshot)

	e.mu.Lock()
	e.queues = queues
	e.mu.Unlock()
	return nil
}

func rebuildQueues(snapshot *statestore.Snapshot) map[string]*serviceQueue {
	queues := map[string]*serviceQueue{}
	get := func(service string) *serviceQueue {
		q, ok := queues[service]
		if !ok {
			q = newServiceQueue()
			queues[service] = q
		}
		return q
	}
	for service, desks := range snapshot.Desks {
		q := get(service)
		for _, desk := range desks {
			q.desks[desk.ID] = struct{}{}
		}
	}
	for service, tickets := range snapshot.Tickets {
		q := get(service)
		for _, ticket := range tickets {
			if seq, ok := ticketSequence(ticket.ID); ok && seq > q.counter {
				q.counter = seq
			}
			if ticket.Status == statestore.TicketWaiting {
				q.waiting = append(q.waiting, ticket.ID)
			}
		}
	}
	for service, desks := range snapshot.Desks {
		q := get(service)
		for _, desk := range desks {
			if desk.CurrentTicket == nil {
				continue
			}
			ticket, ok := snapshot.Ticket(service, *desk.CurrentTicket)
			if !ok {
				continue
			}
			if ticket.Status == statestore.TicketAssigned || ticket.Status == statestore.TicketServing {
				q.slots[desk.ID] = &deskSlot{ticket: ticket.ID, status: ticket.Status}
			}
		}
	}
	return queues
}

// IssueTicket appends a new ticket to the service's queue. Any service name is accepted.
func (e *QueueEngine) IssueTicket(ctx context.Context, service string) (string, error) {
	if service == "" {
		return "", fmt.Errorf("%w: service is required", ErrInvalidArgument)
	}
	issued, err := withResync(ctx, e, func() (issuedTicket, error) {
		return e.issueTicket(ctx, service)
	})
	if err != nil {
		return "", err
	}
	ticketID, queueLength := issued.id, issued.queueLength
	e.metrics.recordTicketIssued(ctx, service)
	e.publish(ctx, broadcast.Event{
		Type:        broadcast.EventIssued,
		Service:     service,
		Ticket:      ticketID,
		QueueLength: queueLength,
	})
	return ticketID, nil
}

type issuedTicket struct {
	id          string
	queueLength int
}

func (e *QueueEngine) issueTicket(ctx context.Context, service string) (issuedTicket, error) {
	unlock := e.lockService(service)
	defer unlock()

	q := e.queue(service, true)
	seq := q.counter + 1
	ticketID := formatTicketID(service, seq)
	if err := e.update(ctx, func(s *statestore.Snapshot) error {
		if _, exists := s.Ticket(service, ticketID); exists {
			return fmt.Errorf("%w: ticket %s already exists", ErrStateDiverged, ticketID)
		}
		if waiting := waitingTickets(s, service); !slices.Equal(waiting, q.waiting) {
			return fmt.Errorf("%w: %d tickets of %s waiting in store, %d in memory", ErrStateDiverged, len(waiting), service, len(q.waiting))
		}
		s.Tickets[service] = append(s.Tickets[service], &statestore.Ticket{ID: ticketID, Status: statestore.TicketWaiting})
		return nil
	}); err != nil {
		return issuedTicket{}, fmt.Errorf("failed to issue ticket: %w", err)
	}
	q.counter = seq
	q.waiting = append(q.waiting, ticketID)
	return issuedTicket{id: ticketID, queueLength: len(q.waiting)}, nil
}

// CallNext assigns the oldest waiting ticket of the service to the desk.
//
// The result is busy, with nothing popped, when the desk still holds a ticket,
// or when another desk's assignment is outstanding and nothing else is waiting.
// While tickets are waiting, desks pull distinct tickets in parallel.
func (e *QueueEngine) CallNext(ctx context.Context, service, desk string) (*CallResult, error) {
	if service == "" || desk == "" {
		return nil, fmt.Errorf("%w: service and desk are required", ErrInvalidArgument)
	}
	res, err := withResync(ctx, e, func() (*CallResult, error) {
		return e.callNext(ctx, service, desk)
	})
	if err != nil {
		return nil, err
	}
	e.metrics.recordCallNext(ctx, service, res.Status)
	switch res.Status {
	case CallOK:
		e.publish(ctx, broadcast.Event{
			Type:    broadcast.EventCalled,
			Service: service,
			Ticket:  res.Ticket,
			Desk:    res.Desk,
		})
	case CallEmpty:
		e.publish(ctx, broadcast.Event{
			Type:    broadcast.EventEmpty,
			Service: service,
			Message: res.Message,
		})
	}
	return res, nil
}

func (e *QueueEngine) callNext(ctx context.Context, service, desk string) (*CallResult, error) {
	unlock := e.lockService(service)
	defer unlock()

	q, err := e.lookupDesk(ctx, service, desk)
	if err != nil {
		return nil, err
	}
	if slot, ok := q.slots[desk]; ok {
		return &CallResult{
			Status:  CallBusy,
			Ticket:  slot.ticket,
			Desk:    desk,
			Message: fmt.Sprintf("Desk %s is still handling ticket %s.", desk, slot.ticket),
		}, nil
	}
	// The single-assignment throttle only applies once the queue is drained;
	// with tickets waiting, desks must be able to pull distinct tickets in parallel.
	if len(q.waiting) == 0 {
		if outstanding, ok := q.outstandingAssignment(); ok {
			return &CallResult{
				Status:  CallBusy,
				Ticket:  outstanding,
				Desk:    desk,
				Message: fmt.Sprintf("Ticket %s already assigned for %s.", outstanding, service),
			}, nil
		}
		return &CallResult{
			Status:  CallEmpty,
			Desk:    desk,
			Message: fmt.Sprintf("No tickets waiting for %s.", service),
		}, nil
	}

	ticketID := q.waiting[0]
	if err := e.update(ctx, func(s *statestore.Snapshot) error {
		ticket, ok := s.Ticket(service, ticketID)
		if !ok || ticket.Status != statestore.TicketWaiting {
			return fmt.Errorf("%w: ticket %s is not waiting", ErrStateDiverged, ticketID)
		}
		d, ok := s.Desk(service, desk)
		if !ok {
			return fmt.Errorf("%w: desk %s of service %s is missing", ErrStateDiverged, desk, service)
		}
		if d.CurrentTicket != nil {
			return fmt.Errorf("%w: desk %s already holds ticket %s", ErrStateDiverged, desk, *d.CurrentTicket)
		}
		ticket.Status = statestore.TicketAssigned
		ticket.Desk = desk
		tid := ticketID
		d.CurrentTicket = &tid
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to call next ticket: %w", err)
	}
	q.waiting = slices.Delete(q.waiting, 0, 1)
	q.slots[desk] = &deskSlot{ticket: ticketID, status: statestore.TicketAssigned}
	return &CallResult{Status: CallOK, Ticket: ticketID, Desk: desk}, nil
}

// Confirm starts serving the ticket assigned to the desk.
// It fails with ErrTicketMismatch, changing nothing, unless ticket is the desk's assigned ticket.
func (e *QueueEngine) Confirm(ctx context.Context, service, desk, ticket string) error {
	if err := e.transitionWithResync(ctx, service, desk, ticket, statestore.TicketAssigned, statestore.TicketServing); err != nil {
		return err
	}
	e.publish(ctx, broadcast.Event{
		Type:    broadcast.EventServing,
		Service: service,
		Ticket:  ticket,
		Desk:    desk,
	})
	return nil
}

// Complete finishes the ticket being served at the desk and frees the desk's slot.
// It fails with ErrTicketMismatch, changing nothing, unless ticket is the desk's serving ticket.
func (e *QueueEngine) Complete(ctx context.Context, service, desk, ticket string) error {
	if err := e.transitionWithResync(ctx, service, desk, ticket, statestore.TicketServing, statestore.TicketDone); err != nil {
		return err
	}
	e.metrics.recordTicketCompleted(ctx, service)
	e.publish(ctx, broadcast.Event{
		Type:    broadcast.EventDone,
		Service: service,
		Ticket:  ticket,
		Desk:    desk,
	})
	return nil
}

func (e *QueueEngine) transitionWithResync(ctx context.Context, service, desk, ticketID string, from, to statestore.TicketStatus) error {
	_, err := withResync(ctx, e, func() (struct{}, error) {
		return struct{}{}, e.transition(ctx, service, desk, ticketID, from, to)
	})
	return err
}

func (e *QueueEngine) transition(ctx context.Context, service, desk, ticketID string, from, to statestore.TicketStatus) error {
	if service == "" || desk == "" || ticketID == "" {
		return fmt.Errorf("%w: service, desk and ticket are required", ErrInvalidArgument)
	}
	unlock := e.lockService(service)
	defer unlock()

	q, err := e.lookupDesk(ctx, service, desk)
	if err != nil {
		return err
	}
	slot, ok := q.slots[desk]
	if !ok || slot.ticket != ticketID || slot.status != from {
		return fmt.Errorf("%w: ticket %s is not %s at desk %s", ErrTicketMismatch, ticketID, from, desk)
	}
	if err := e.update(ctx, func(s *statestore.Snapshot) error {
		ticket, ok := s.Ticket(service, ticketID)
		if !ok || ticket.Status != from {
			return fmt.Errorf("%w: ticket %s is not %s", ErrStateDiverged, ticketID, from)
		}
		d, ok := s.Desk(service, desk)
		if !ok {
			return fmt.Errorf("%w: desk %s of service %s is missing", ErrStateDiverged, desk, service)
		}
		ticket.Status = to
		if to == statestore.TicketDone {
			d.CurrentTicket = nil
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to mark ticket %s %s: %w", ticketID, to, err)
	}
	if to == statestore.TicketDone {
		delete(q.slots, desk)
	} else {
		slot.status = to
	}
	return nil
}

// QueueLength returns the number of waiting tickets of the service.
func (e *QueueEngine) QueueLength(service string) int {
	unlock := e.lockService(service)
	defer unlock()
	if q := e.queue(service, false); q != nil {
		return len(q.waiting)
	}
	return 0
}

// Waiting returns the waiting ticket IDs of the service in serving order.
func (e *QueueEngine) Waiting(service string) []string {
	unlock := e.lockService(service)
	defer unlock()
	if q := e.queue(service, false); q != nil {
		return slices.Clone(q.waiting)
	}
	return nil
}

func (e *QueueEngine) queueLengths() map[string]int {
	e.mu.RLock()
	services := make([]string, 0, len(e.queues))
	for service := range e.queues {
		services = append(services, service)
	}
	e.mu.RUnlock()

	lengths := make(map[string]int, len(services))
	for _, service := range services {
		lengths[service] = e.QueueLength(service)
	}
	return lengths
}

func (e *QueueEngine) lockService(service string) (unlock func()) {
	e.reloadMu.RLock()
	unlockService := e.locks.Lock(service)
	return func() {
		unlockService()
		e.reloadMu.RUnlock()
	}
}

// queue must be called with the service lock held.
func (e *QueueEngine) queue(service string, create bool) *serviceQueue {
	e.mu.RLock()
	q, ok := e.queues[service]
	e.mu.RUnlock()
	if ok || !create {
		return q
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.queues[service]; ok {
		return q
	}
	q = newServiceQueue()
	e.queues[service] = q
	return q
}

// lookupDesk returns the service's queue if the desk is configured.
// Desks added to the store after startup are picked up here.
// It must be called with the service lock held.
func (e *QueueEngine) lookupDesk(ctx context.Context, service, desk string) (*serviceQueue, error) {
	if q := e.queue(service, false); q != nil {
		if _, ok := q.desks[desk]; ok {
			return q, nil
		}
	}
	snapshot, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if !snapshot.HasService(service) {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, service)
	}
	if _, ok := snapshot.Desk(service, desk); !ok {
		return nil, fmt.Errorf("%w: desk %s of service %s", ErrDeskNotFound, desk, service)
	}
	q := e.queue(service, true)
	q.desks[desk] = struct{}{}
	return q, nil
}

// withResync runs op, and when the store turns out to disagree with memory
// (a corrupt file replaced by an empty snapshot, or another writer), reloads
// from the store and runs op once more. op must not hold any lock on return.
func withResync[T any](ctx context.Context, e *QueueEngine, op func() (T, error)) (T, error) {
	res, err := op()
	if !errors.Is(err, ErrStateDiverged) {
		return res, err
	}
	dqlog.Warnf("queue diverged from store, reloading: %+v", err)
	if rerr := e.Reload(ctx); rerr != nil {
		return res, fmt.Errorf("failed to reload after divergence (%v): %w", err, rerr)
	}
	return op()
}

func waitingTickets(s *statestore.Snapshot, service string) []string {
	var ids []string
	for _, ticket := range s.Tickets[service] {
		if ticket.Status == statestore.TicketWaiting {
			ids = append(ids, ticket.ID)
		}
	}
	return ids
}

func (e *QueueEngine) update(ctx context.Context, fn func(s *statestore.Snapshot) error) error {
	start := time.Now()
	defer func() {
		e.metrics.recordStoreUpdateLatency(ctx, time.Since(start))
	}()
	return e.store.Update(ctx, fn)
}

// publish must not be called with any lock held: a slow publisher would stall the queue.
func (e *QueueEngine) publish(ctx context.Context, event broadcast.Event) {
	event.Timestamp = e.options.now().Format("15:04")
	if err := e.publisher.Publish(ctx, event); err != nil {
		dqlog.Warnf("failed to publish %s event (service: %s, ticket: %s): %+v", event.Type, event.Service, event.Ticket, err)
	}
}

// formatTicketID builds "<first letter of service, upper-cased>-<seq>".
func formatTicketID(service string, seq int) string {
	r, _ := utf8.DecodeRuneInString(service)
	return string(unicode.ToUpper(r)) + "-" + strconv.Itoa(seq)
}

func ticketSequence(ticketID string) (int, bool) {
	i := strings.LastIndexByte(ticketID, '-')
	if i < 0 {
		return 0, false
	}
	seq, err := strconv.Atoi(ticketID[i+1:])
	if err != nil {
		return 0, false
	}
	return seq, true
}
