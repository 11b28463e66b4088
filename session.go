package deskqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/castaneai/deskqueue/pkg/dqlog"
	"github.com/castaneai/deskqueue/pkg/statestore"
)

type Grant string

const (
	GrantFresh   Grant = "fresh"
	GrantResumed Grant = "resumed"
)

type Claim struct {
	Token string
	Grant Grant
}

// DeskSessions binds each desk to at most one clerk session.
// Once claimed, a desk stays occupied; only the holder of its token can resume it.
type DeskSessions struct {
	store   statestore.StateStore
	options *options
	metrics *queueMetrics
	locks   keyMutex[deskRef]
}

func NewDeskSessions(store statestore.StateStore, opts ...Option) (*DeskSessions, error) {
	o := newOptions(opts)
	metrics, err := newQueueMetrics(o.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create session metrics: %w", err)
	}
	return &DeskSessions{
		store:   store,
		options: o,
		metrics: metrics,
	}, nil
}

// ClaimOrResume grants the desk to the caller.
// An empty desk is bound to a newly minted token. An occupied desk is resumed
// if token is the one bound to it, and denied with ErrDeskOccupied otherwise.
func (s *DeskSessions) ClaimOrResume(ctx context.Context, service, desk, token string) (*Claim, error) {
	if service == "" || desk == "" {
		return nil, fmt.Errorf("%w: service and desk are required", ErrInvalidArgument)
	}
	claim, err := s.claimOrResume(ctx, service, desk, token)
	switch {
	case err == nil:
		s.metrics.recordDeskClaim(ctx, service, string(claim.Grant))
	case isDenied(err):
		s.metrics.recordDeskClaim(ctx, service, "denied")
	}
	return claim, err
}

func (s *DeskSessions) claimOrResume(ctx context.Context, service, desk, token string) (*Claim, error) {
	unlock := s.locks.Lock(deskRef{service: service, desk: desk})
	defer unlock()

	snapshot, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	d, err := findDesk(snapshot, service, desk)
	if err != nil {
		return nil, err
	}
	if d.Status == statestore.DeskOccupied {
		if token != "" && boundTo(snapshot, token, service, desk) {
			return &Claim{Token: token, Grant: GrantResumed}, nil
		}
		return nil, fmt.Errorf("%w: desk %s of service %s", ErrDeskOccupied, desk, service)
	}

	newToken := s.options.newToken()
	if err := s.store.Update(ctx, func(snapshot *statestore.Snapshot) error {
		d, err := findDesk(snapshot, service, desk)
		if err != nil {
			return err
		}
		if d.Status == statestore.DeskOccupied {
			return fmt.Errorf("%w: desk %s of service %s", ErrDeskOccupied, desk, service)
		}
		// a binding left over for this desk is stale once the desk reads empty
		for t, sess := range snapshot.Sessions {
			if sess.Service == service && sess.DeskID == desk {
				delete(snapshot.Sessions, t)
			}
		}
		snapshot.Sessions[newToken] = &statestore.Session{Service: service, DeskID: desk}
		d.Status = statestore.DeskOccupied
		return nil
	}); err != nil {
		if isDenied(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to claim desk: %w", err)
	}
	dqlog.Debugf("desk %s of service %s claimed", desk, service)
	return &Claim{Token: newToken, Grant: GrantFresh}, nil
}

// Authorize succeeds only if token is bound to exactly this desk.
func (s *DeskSessions) Authorize(ctx context.Context, service, desk, token string) error {
	if token == "" {
		return ErrUnauthorized
	}
	snapshot, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if !boundTo(snapshot, token, service, desk) {
		return fmt.Errorf("%w: desk %s of service %s", ErrUnauthorized, desk, service)
	}
	return nil
}

func findDesk(snapshot *statestore.Snapshot, service, desk string) (*statestore.Desk, error) {
	if !snapshot.HasService(service) {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, service)
	}
	d, ok := snapshot.Desk(service, desk)
	if !ok {
		return nil, fmt.Errorf("%w: desk %s of service %s", ErrDeskNotFound, desk, service)
	}
	return d, nil
}

func boundTo(snapshot *statestore.Snapshot, token, service, desk string) bool {
	sess, ok := snapshot.Sessions[token]
	return ok && sess.Service == service && sess.DeskID == desk
}

func isDenied(err error) bool {
	return errors.Is(err, ErrDeskOccupied)
}
