package registry

import (
	"errors"
	"fmt"
)

// Reason classifies a rejected event.
type Reason string

// Rejection reasons.
const (
	ReasonUnknownConnection Reason = "unknown_connection"
	ReasonOutOfOrder        Reason = "out_of_order"
	ReasonConnectionClosed  Reason = "connection_closed"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrOutOfOrder        = errors.New("out of order")
	ErrConnectionClosed  = errors.New("connection closed")
)

// RejectError reports why an event was not admitted.
type RejectError struct {
	Reason       Reason
	ConnectionID string
	Expected     uint64
	Got          uint64
}

func (e *RejectError) Error() string {
	if e.Reason == ReasonOutOfOrder {
		return fmt.Sprintf("registry: connection %q: out of order: expected seq %d, got %d", e.ConnectionID, e.Expected, e.Got)
	}
	return fmt.Sprintf("registry: connection %q: %s", e.ConnectionID, e.Reason)
}

// Is matches the sentinel error for the rejection reason.
func (e *RejectError) Is(target error) bool {
	switch e.Reason {
	case ReasonUnknownConnection:
		return target == ErrUnknownConnection
	case ReasonOutOfOrder:
		return target == ErrOutOfOrder
	case ReasonConnectionClosed:
		return target == ErrConnectionClosed
	}
	return false
}
