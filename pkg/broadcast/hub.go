package broadcast

import (
	"context"
	"sync"

	"github.com/rs/xid"

	"github.com/castaneai/deskqueue/pkg/dqlog"
)

const defaultSubscriptionBuffer = 64

type hubOptions struct {
	bufferSize int
}

type HubOption interface {
	apply(opts *hubOptions)
}

type HubOptionFunc func(opts *hubOptions)

func (f HubOptionFunc) apply(opts *hubOptions) {
	f(opts)
}

// WithSubscriptionBuffer sets how many undelivered events a subscriber may
// lag behind before it is dropped.
func WithSubscriptionBuffer(n int) HubOption {
	return HubOptionFunc(func(opts *hubOptions) {
		opts.bufferSize = n
	})
}

// Hub fans events out to in-process subscribers.
// Publish never blocks: a subscriber whose buffer is full is dropped and its
// channel closed.
type Hub struct {
	mu   sync.Mutex
	subs map[string]*Subscription
	opts *hubOptions
}

func NewHub(opts ...HubOption) *Hub {
	ho := &hubOptions{bufferSize: defaultSubscriptionBuffer}
	for _, o := range opts {
		o.apply(ho)
	}
	return &Hub{
		subs: map[string]*Subscription{},
		opts: ho,
	}
}

type Subscription struct {
	id  string
	ch  chan Event
	hub *Hub
}

func (s *Subscription) ID() string {
	return s.id
}

// Events is closed when the subscription is closed or dropped.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.hub.remove(s.id)
}

func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		id:  xid.New().String(),
		ch:  make(chan Event, h.opts.bufferSize),
		hub: h,
	}
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

func (h *Hub) Publish(ctx context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		select {
		case sub.ch <- event:
		default:
			delete(h.subs, id)
			close(sub.ch)
			dqlog.Debugf("subscriber %s dropped: too slow to receive events", id)
		}
	}
	return nil
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}
