package statestore

import (
	"encoding/json"
	"fmt"
)

type TicketStatus string

const (
	TicketWaiting  TicketStatus = "waiting"
	TicketAssigned TicketStatus = "assigned"
	TicketServing  TicketStatus = "serving"
	TicketDone     TicketStatus = "done"
)

type DeskStatus string

const (
	DeskEmpty    DeskStatus = "empty"
	DeskOccupied DeskStatus = "occupied"
)

type Ticket struct {
	ID     string       `json:"id"`
	Status TicketStatus `json:"status"`
	// Desk is the desk the ticket was called to. It is kept after the ticket is done.
	Desk string `json:"desk,omitempty"`
}

type Desk struct {
	ID     string     `json:"id"`
	Status DeskStatus `json:"status"`
	// CurrentTicket is the ticket assigned to or being served at this desk.
	CurrentTicket *string `json:"current_ticket"`
}

type Session struct {
	Service string `json:"service"`
	DeskID  string `json:"desk_id"`
}

// Snapshot is the whole persisted state.
// Desks and tickets are keyed by service, sessions by session token.
type Snapshot struct {
	Desks    map[string][]*Desk   `json:"desks"`
	Tickets  map[string][]*Ticket `json:"tickets"`
	Sessions map[string]*Session  `json:"sessions"`
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Desks:    map[string][]*Desk{},
		Tickets:  map[string][]*Ticket{},
		Sessions: map[string]*Session{},
	}
}

func (s *Snapshot) HasService(service string) bool {
	_, ok := s.Desks[service]
	return ok
}

func (s *Snapshot) Desk(service, deskID string) (*Desk, bool) {
	for _, desk := range s.Desks[service] {
		if desk.ID == deskID {
			return desk, true
		}
	}
	return nil, false
}

func (s *Snapshot) Ticket(service, ticketID string) (*Ticket, bool) {
	for _, ticket := range s.Tickets[service] {
		if ticket.ID == ticketID {
			return ticket, true
		}
	}
	return nil, false
}

// SessionOf returns the token of the session bound to the desk.
func (s *Snapshot) SessionOf(service, deskID string) (string, bool) {
	for token, sess := range s.Sessions {
		if sess.Service == service && sess.DeskID == deskID {
			return token, true
		}
	}
	return "", false
}

func (s *Snapshot) CountTickets(service string, status TicketStatus) int {
	n := 0
	for _, ticket := range s.Tickets[service] {
		if ticket.Status == status {
			n++
		}
	}
	return n
}

func (s *Snapshot) Clone() *Snapshot {
	c := NewSnapshot()
	for service, desks := range s.Desks {
		cd := make([]*Desk, 0, len(desks))
		for _, d := range desks {
			dd := *d
			if d.CurrentTicket != nil {
				tid := *d.CurrentTicket
				dd.CurrentTicket = &tid
			}
			cd = append(cd, &dd)
		}
		c.Desks[service] = cd
	}
	for service, tickets := range s.Tickets {
		ct := make([]*Ticket, 0, len(tickets))
		for _, t := range tickets {
			tt := *t
			ct = append(ct, &tt)
		}
		c.Tickets[service] = ct
	}
	for token, sess := range s.Sessions {
		ss := *sess
		c.Sessions[token] = &ss
	}
	return c
}

// fillDefaults repairs a decoded snapshot whose top-level mappings are absent.
func (s *Snapshot) fillDefaults() {
	if s.Desks == nil {
		s.Desks = map[string][]*Desk{}
	}
	if s.Tickets == nil {
		s.Tickets = map[string][]*Ticket{}
	}
	if s.Sessions == nil {
		s.Sessions = map[string]*Session{}
	}
}

func encodeSnapshot(s *Snapshot) ([]byte, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return b, nil
}

func decodeSnapshot(b []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	s.fillDefaults()
	for service, desks := range s.Desks {
		for _, d := range desks {
			if d == nil {
				return nil, fmt.Errorf("%w: null desk in service %q", ErrCorruptSnapshot, service)
			}
		}
	}
	for service, tickets := range s.Tickets {
		for _, t := range tickets {
			if t == nil {
				return nil, fmt.Errorf("%w: null ticket in service %q", ErrCorruptSnapshot, service)
			}
		}
	}
	for token, sess := range s.Sessions {
		if sess == nil {
			delete(s.Sessions, token)
		}
	}
	return &s, nil
}
