package deskqueue

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrServiceNotFound = errors.New("service not found")
	ErrDeskNotFound    = errors.New("desk not found")
	// ErrTicketMismatch means the ticket is not the one held by the desk in the expected state.
	ErrTicketMismatch = errors.New("ticket mismatch")
	ErrDeskOccupied   = errors.New("desk is occupied by another session")
	ErrUnauthorized   = errors.New("session is not bound to this desk")
	// ErrStateDiverged means the store no longer matches the in-memory queue,
	// e.g. because another process wrote to it or the file was unreadable.
	// The engine reloads and retries once before returning it.
	ErrStateDiverged = errors.New("stored state diverged from queue")
)
