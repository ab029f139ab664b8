// Package events defines the unit of work that flows from the control
// channel through the relay to the local upstream.
package events

import "time"

// Kind represents the lifecycle step of a simulated client connection.
type Kind string

// Event kinds.
const (
	KindConnected    Kind = "connected"
	KindMessage      Kind = "message"
	KindDisconnected Kind = "disconnected"
)

// Valid reports whether k is one of the known event kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindConnected, KindMessage, KindDisconnected:
		return true
	}
	return false
}

// TunnelEvent is a decoded event received on the control channel.
// It is treated as immutable once constructed.
type TunnelEvent struct {
	Kind         Kind
	ConnectionID string
	Sequence     uint64
	ContentType  string
	Payload      []byte
	UserID       string
	TracingID    string
	ReceivedAt   time.Time
}

// Response is the reply for one TunnelEvent, written back to the cloud
// service on the control channel the event arrived on.
type Response struct {
	ConnectionID string
	TracingID    string
	Status       int
	ContentType  string
	Payload      []byte
}
