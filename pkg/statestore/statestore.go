package statestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var (
	// ErrCorruptSnapshot is reported by decoding only; stores recover from it by
	// substituting an empty snapshot.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	ErrInvalidLayout   = errors.New("invalid desk layout")
)

// StateStore persists the whole queue state as a single record.
type StateStore interface {
	// Load returns the current snapshot. Missing or unreadable data yields an empty snapshot.
	Load(ctx context.Context) (*Snapshot, error)
	// Save replaces the stored snapshot. Concurrent readers never see a partial write.
	Save(ctx context.Context, snapshot *Snapshot) error
	// Update loads, applies fn and saves as one atomic unit.
	// If fn returns an error nothing is written and that error is returned.
	// fn may be called more than once and must only touch the snapshot it is given.
	Update(ctx context.Context, fn func(snapshot *Snapshot) error) error
}

// Recover normalizes state left by a previous process: an assignment only
// lives as long as the process that made it, so assigned tickets go back to
// waiting and the desks that held them are cleared.
// It returns the number of tickets put back.
func Recover(ctx context.Context, store StateStore) (int, error) {
	var recovered int
	if err := store.Update(ctx, func(s *Snapshot) error {
		recovered = 0
		for service, tickets := range s.Tickets {
			released := map[string]struct{}{}
			for _, ticket := range tickets {
				if ticket.Status == TicketAssigned {
					ticket.Status = TicketWaiting
					ticket.Desk = ""
					released[ticket.ID] = struct{}{}
				}
			}
			for _, desk := range s.Desks[service] {
				if desk.CurrentTicket == nil {
					continue
				}
				if _, ok := released[*desk.CurrentTicket]; ok {
					desk.CurrentTicket = nil
				}
			}
			recovered += len(released)
		}
		return nil
	}); err != nil {
		return 0, fmt.Errorf("failed to recover snapshot: %w", err)
	}
	return recovered, nil
}

// Layout is the number of desks per service.
type Layout map[string]int

// EnsureDesks creates desks "1".."n" for every service of the layout that has
// no desks yet. Configured services are left as they are.
// It returns the services that were added.
func EnsureDesks(ctx context.Context, store StateStore, layout Layout) ([]string, error) {
	services := make([]string, 0, len(layout))
	for service, n := range layout {
		if service == "" || n <= 0 {
			return nil, fmt.Errorf("%w: service %q with %d desks", ErrInvalidLayout, service, n)
		}
		services = append(services, service)
	}
	sort.Strings(services)

	var added []string
	if err := store.Update(ctx, func(s *Snapshot) error {
		added = nil
		for _, service := range services {
			if len(s.Desks[service]) > 0 {
				continue
			}
			desks := make([]*Desk, 0, layout[service])
			for i := 1; i <= layout[service]; i++ {
				desks = append(desks, &Desk{ID: strconv.Itoa(i), Status: DeskEmpty})
			}
			s.Desks[service] = desks
			added = append(added, service)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to configure desks: %w", err)
	}
	return added, nil
}
