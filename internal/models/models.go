// Package models defines the history record types shared by the store,
// the database and the API.
package models

import "time"

// Outcome classifies how an upstream exchange ended.
type Outcome string

// Dispatch outcomes.
const (
	OutcomeSuccess       Outcome = "success"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeTimeout       Outcome = "timeout"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeUpstreamError, OutcomeTimeout:
		return true
	}
	return false
}

// HTTPRequest summarizes the request sent to the upstream.
type HTTPRequest struct {
	Method   string
	URL      string
	Headers  map[string][]string
	Body     string
	BodySize int
}

// HTTPResponse summarizes the response returned to the cloud service.
// Synthetic is set when the relay generated the response itself.
type HTTPResponse struct {
	Status    int
	Headers   map[string][]string
	Body      string
	BodySize  int
	Synthetic bool
}

// HistoryRecord is one upstream exchange. Records are immutable once
// appended to the history store.
type HistoryRecord struct {
	ID           int64
	TracingID    string
	ConnectionID string
	EventKind    string
	Sequence     uint64
	Request      HTTPRequest
	Response     HTTPResponse
	StartedAt    time.Time
	EndedAt      time.Time
	Outcome      Outcome
	Error        string
}

// Duration returns how long the exchange took.
func (r HistoryRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}
