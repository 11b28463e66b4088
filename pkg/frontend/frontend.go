package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/castaneai/deskqueue"
	"github.com/castaneai/deskqueue/pkg/broadcast"
	"github.com/castaneai/deskqueue/pkg/dqlog"
	"github.com/castaneai/deskqueue/pkg/statestore"
)

const (
	DefaultSessionCookieName = "desk_session"
	wsWriteTimeout           = 5 * time.Second
	confirmMismatchMessage   = "Ticket mismatch or no ticket assigned."
	completeMismatchMessage  = "No matching serving ticket for this desk."
)

type frontendOptions struct {
	readStore         statestore.StateStore
	cookieName        string
	wsOriginPatterns  []string
	wsInsecureOrigins bool
}

type FrontendOption interface {
	apply(opts *frontendOptions)
}

type FrontendOptionFunc func(opts *frontendOptions)

func (f FrontendOptionFunc) apply(opts *frontendOptions) {
	f(opts)
}

// WithReadStore sets the store that read-only endpoints (/state, /clerk_state) load from,
// typically a StoreWithSnapshotCache in front of the engine's store.
func WithReadStore(store statestore.StateStore) FrontendOption {
	return FrontendOptionFunc(func(opts *frontendOptions) {
		opts.readStore = store
	})
}

func WithSessionCookieName(name string) FrontendOption {
	return FrontendOptionFunc(func(opts *frontendOptions) {
		opts.cookieName = name
	})
}

// WithWebSocketOriginPatterns allows cross-origin WebSocket connections from the given host patterns.
func WithWebSocketOriginPatterns(patterns ...string) FrontendOption {
	return FrontendOptionFunc(func(opts *frontendOptions) {
		opts.wsOriginPatterns = patterns
	})
}

// WithInsecureWebSocketOrigins disables the WebSocket origin check. Displays
// opened from file:// or another host need this.
func WithInsecureWebSocketOrigins(insecure bool) FrontendOption {
	return FrontendOptionFunc(func(opts *frontendOptions) {
		opts.wsInsecureOrigins = insecure
	})
}

type FrontendService struct {
	dq   *deskqueue.DeskQueue
	hub  *broadcast.Hub
	opts *frontendOptions
}

func NewFrontendService(dq *deskqueue.DeskQueue, hub *broadcast.Hub, opts ...FrontendOption) *FrontendService {
	fo := &frontendOptions{
		readStore:  dq.Store(),
		cookieName: DefaultSessionCookieName,
	}
	for _, o := range opts {
		o.apply(fo)
	}
	return &FrontendService{dq: dq, hub: hub, opts: fo}
}

func (s *FrontendService) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ticket", s.issueTicket)
	mux.HandleFunc("GET /next", s.callNext)
	mux.HandleFunc("GET /confirm", s.confirm)
	mux.HandleFunc("GET /done", s.complete)
	mux.HandleFunc("GET /clerk", s.listDesks)
	mux.HandleFunc("GET /clerk/{service}/{desk}", s.selectDesk)
	mux.HandleFunc("GET /clerk/{service}/{desk}/occupied", s.occupiedDesk)
	mux.HandleFunc("GET /state", s.state)
	mux.HandleFunc("GET /clerk_state", s.clerkState)
	mux.HandleFunc("GET /ws/{client_id}", s.watchEvents)
	return mux
}

func (s *FrontendService) issueTicket(w http.ResponseWriter, r *http.Request) {
	params, ok := requireQuery(w, r, "service")
	if !ok {
		return
	}
	ticket, err := s.dq.Queue().IssueTicket(r.Context(), params["service"])
	if err != nil {
		writeError(w, err)
		return
	}
	s.invalidateReads()
	writeJSON(w, http.StatusOK, map[string]any{"ticket": ticket})
}

func (s *FrontendService) callNext(w http.ResponseWriter, r *http.Request) {
	params, ok := requireQuery(w, r, "service", "desk")
	if !ok {
		return
	}
	res, err := s.dq.Queue().CallNext(r.Context(), params["service"], params["desk"])
	if err != nil {
		writeError(w, err)
		return
	}
	switch res.Status {
	case deskqueue.CallOK:
		s.invalidateReads()
		writeJSON(w, http.StatusOK, map[string]any{"status": res.Status, "ticket": res.Ticket, "desk": res.Desk})
	case deskqueue.CallEmpty:
		writeJSON(w, http.StatusOK, map[string]any{"status": res.Status})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": res.Status, "ticket": res.Ticket, "message": res.Message})
	}
}

func (s *FrontendService) confirm(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.dq.Queue().Confirm, confirmMismatchMessage)
}

func (s *FrontendService) complete(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.dq.Queue().Complete, completeMismatchMessage)
}

func (s *FrontendService) transition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, service, desk, ticket string) error, mismatchMessage string) {
	params, ok := requireQuery(w, r, "service", "desk", "ticket")
	if !ok {
		return
	}
	if err := fn(r.Context(), params["service"], params["desk"], params["ticket"]); err != nil {
		if errors.Is(err, deskqueue.ErrTicketMismatch) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "error", "message": mismatchMessage})
			return
		}
		writeError(w, err)
		return
	}
	s.invalidateReads()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ticket": params["ticket"], "desk": params["desk"]})
}

func (s *FrontendService) listDesks(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.opts.readStore.Load(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"desks": snapshot.Desks})
}

// selectDesk claims or resumes the desk when called with status=selected,
// and otherwise describes it.
func (s *FrontendService) selectDesk(w http.ResponseWriter, r *http.Request) {
	service, desk := r.PathValue("service"), r.PathValue("desk")
	if r.URL.Query().Get("status") != "selected" {
		snapshot, err := s.opts.readStore.Load(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		d, err := findDesk(snapshot, service, desk)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"service": service, "desk": d})
		return
	}

	claim, err := s.dq.Sessions().ClaimOrResume(r.Context(), service, desk, s.sessionToken(r))
	if err != nil {
		if errors.Is(err, deskqueue.ErrDeskOccupied) {
			http.Redirect(w, r, "/clerk", http.StatusSeeOther)
			return
		}
		writeError(w, err)
		return
	}
	if claim.Grant == deskqueue.GrantFresh {
		s.invalidateReads()
		http.SetCookie(w, &http.Cookie{
			Name:     s.opts.cookieName,
			Value:    claim.Token,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	http.Redirect(w, r, fmt.Sprintf("/clerk/%s/%s/occupied", service, desk), http.StatusSeeOther)
}

func (s *FrontendService) occupiedDesk(w http.ResponseWriter, r *http.Request) {
	service, desk := r.PathValue("service"), r.PathValue("desk")
	if err := s.dq.Sessions().Authorize(r.Context(), service, desk, s.sessionToken(r)); err != nil {
		if errors.Is(err, deskqueue.ErrUnauthorized) {
			http.Redirect(w, r, "/clerk", http.StatusSeeOther)
			return
		}
		writeError(w, err)
		return
	}
	s.writeClerkState(w, r, service, desk)
}

func (s *FrontendService) state(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.opts.readStore.Load(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *FrontendService) clerkState(w http.ResponseWriter, r *http.Request) {
	params, ok := requireQuery(w, r, "service", "desk")
	if !ok {
		return
	}
	s.writeClerkState(w, r, params["service"], params["desk"])
}

type clerkStateResponse struct {
	Service       string                  `json:"service"`
	Desk          string                  `json:"desk"`
	Status        statestore.DeskStatus   `json:"status"`
	CurrentTicket *string                 `json:"current_ticket"`
	TicketStatus  statestore.TicketStatus `json:"ticket_status,omitempty"`
	QueueLength   int                     `json:"queue_length"`
}

func (s *FrontendService) writeClerkState(w http.ResponseWriter, r *http.Request, service, desk string) {
	snapshot, err := s.opts.readStore.Load(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	d, err := findDesk(snapshot, service, desk)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := &clerkStateResponse{
		Service:       service,
		Desk:          desk,
		Status:        d.Status,
		CurrentTicket: d.CurrentTicket,
		QueueLength:   s.dq.Queue().QueueLength(service),
	}
	if d.CurrentTicket != nil {
		if ticket, ok := snapshot.Ticket(service, *d.CurrentTicket); ok {
			resp.TicketStatus = ticket.Status
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// watchEvents streams every queue event to the client until either side goes away.
// Messages from the client, keepalives included, are read and discarded.
func (s *FrontendService) watchEvents(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	sub := s.hub.Subscribe()
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     s.opts.wsOriginPatterns,
		InsecureSkipVerify: s.opts.wsInsecureOrigins,
	})
	if err != nil {
		dqlog.Warnf("failed to accept websocket (client: %s): %+v", clientID, err)
		return
	}
	defer conn.CloseNow()
	dqlog.Debugf("websocket client %s connected", clientID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			dqlog.Debugf("websocket client %s disconnected", clientID)
			return
		case event, ok := <-sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusTryAgainLater, "too slow to receive events")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, event)
			wcancel()
			if err != nil {
				dqlog.Debugf("failed to write event to websocket client %s: %+v", clientID, err)
				return
			}
		}
	}
}

func (s *FrontendService) sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(s.opts.cookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// invalidateReads makes the next read reflect a write made through this process.
func (s *FrontendService) invalidateReads() {
	if c, ok := s.opts.readStore.(interface{ Invalidate() }); ok {
		c.Invalidate()
	}
}

func findDesk(snapshot *statestore.Snapshot, service, desk string) (*statestore.Desk, error) {
	if !snapshot.HasService(service) {
		return nil, fmt.Errorf("%w: service '%s' not found", deskqueue.ErrServiceNotFound, service)
	}
	d, ok := snapshot.Desk(service, desk)
	if !ok {
		return nil, fmt.Errorf("%w: desk %s not found in service %s", deskqueue.ErrDeskNotFound, desk, service)
	}
	return d, nil
}

func requireQuery(w http.ResponseWriter, r *http.Request, keys ...string) (map[string]string, bool) {
	q := r.URL.Query()
	params := make(map[string]string, len(keys))
	for _, key := range keys {
		v := q.Get(key)
		if v == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("missing query parameter: %s", key)})
			return nil, false
		}
		params[key] = v
	}
	return params, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deskqueue.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, deskqueue.ErrServiceNotFound), errors.Is(err, deskqueue.ErrDeskNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	default:
		dqlog.Errorf("request failed: %+v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		dqlog.Debugf("failed to write response: %+v", err)
	}
}
