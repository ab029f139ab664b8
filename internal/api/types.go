package api

type SessionInfo struct {
	SessionID     string  `json:"session_id,omitempty"`
	State         string  `json:"state"`
	Reason        string  `json:"reason,omitempty"`
	Endpoint      string  `json:"endpoint"`
	Hub           string  `json:"hub"`
	Credential    string  `json:"credential,omitempty"`
	Attempt       int     `json:"attempt"`
	Since         string  `json:"since"`
	ConnectedAt   *string `json:"connected_at"`
	LastHeartbeat *string `json:"last_heartbeat"`
}

type UpstreamInfo struct {
	URL        string  `json:"url"`
	Status     string  `json:"status"`
	LastCode   int     `json:"last_code,omitempty"`
	LastCallAt *string `json:"last_call_at"`
}

type StatusResponse struct {
	Session           SessionInfo  `json:"session"`
	Upstream          UpstreamInfo `json:"upstream"`
	Hub               string       `json:"hub"`
	ActiveConnections int          `json:"active_connections"`
	HistoryCount      int          `json:"history_count"`
	Pending           int          `json:"pending"`
}

type ConnectionInfo struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id,omitempty"`
	State        string  `json:"state"`
	NextSeq      uint64  `json:"next_seq"`
	CreatedAt    string  `json:"created_at"`
	LastActivity string  `json:"last_activity"`
	ClosedAt     *string `json:"closed_at"`
}

type ListConnectionsResponse struct {
	Connections []ConnectionInfo `json:"connections"`
}

type HTTPRequest struct {
	Method   string              `json:"method"`
	URL      string              `json:"url"`
	Headers  map[string][]string `json:"headers"`
	Body     string              `json:"body"`
	BodySize int                 `json:"body_size"`
}

type HTTPResponse struct {
	Status    int                 `json:"status"`
	Headers   map[string][]string `json:"headers"`
	Body      string              `json:"body"`
	BodySize  int                 `json:"body_size"`
	Synthetic bool                `json:"synthetic"`
}

type HistoryRecord struct {
	ID           int64        `json:"id"`
	TracingID    string       `json:"tracing_id,omitempty"`
	ConnectionID string       `json:"connection_id"`
	EventKind    string       `json:"event_kind"`
	Sequence     uint64       `json:"sequence"`
	Request      HTTPRequest  `json:"request"`
	Response     HTTPResponse `json:"response"`
	StartedAt    string       `json:"started_at"`
	EndedAt      string       `json:"ended_at"`
	DurationMS   int64        `json:"duration_ms"`
	Outcome      string       `json:"outcome"`
	Error        string       `json:"error,omitempty"`
}

type HistoryResponse struct {
	Records []HistoryRecord `json:"records"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

type ClearHistoryResponse struct {
	Cleared int `json:"cleared"`
}

// LiveMessage is one frame of the live websocket feed. Exactly one of
// Status and Record is set, matching Type.
type LiveMessage struct {
	Type   string         `json:"type"`
	Status *SessionInfo   `json:"status,omitempty"`
	Record *HistoryRecord `json:"record,omitempty"`
}

// Live message types.
const (
	LiveStatus = "status"
	LiveRecord = "record"
)

type ErrorResponse struct {
	Error string `json:"error"`
}
