package server

import (
	"time"

	"github.com/rsclarke/wpsrelay/internal/api"
	"github.com/rsclarke/wpsrelay/internal/models"
	"github.com/rsclarke/wpsrelay/internal/registry"
	"github.com/rsclarke/wpsrelay/internal/relay"
	"github.com/rsclarke/wpsrelay/internal/tunnel"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func optionalTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := formatTime(t)
	return &s
}

func sessionInfo(s tunnel.Snapshot) api.SessionInfo {
	return api.SessionInfo{
		SessionID:     s.SessionID,
		State:         s.State.String(),
		Reason:        s.Reason,
		Endpoint:      s.Endpoint,
		Hub:           s.Hub,
		Credential:    s.Credential,
		Attempt:       s.Attempt,
		Since:         formatTime(s.Since),
		ConnectedAt:   optionalTime(s.ConnectedAt),
		LastHeartbeat: optionalTime(s.LastHeartbeat),
	}
}

func statusResponse(st relay.Status) api.StatusResponse {
	return api.StatusResponse{
		Session: sessionInfo(st.Session),
		Upstream: api.UpstreamInfo{
			URL:        st.Upstream.URL,
			Status:     string(st.Upstream.Status),
			LastCode:   st.Upstream.LastCode,
			LastCallAt: optionalTime(st.Upstream.LastCallAt),
		},
		Hub:               st.Hub,
		ActiveConnections: st.ActiveConnections,
		HistoryCount:      st.HistoryCount,
		Pending:           st.Pending,
	}
}

func connectionInfo(c registry.Connection) api.ConnectionInfo {
	return api.ConnectionInfo{
		ID:           c.ID,
		UserID:       c.UserID,
		State:        c.State.String(),
		NextSeq:      c.NextSeq,
		CreatedAt:    formatTime(c.CreatedAt),
		LastActivity: formatTime(c.LastActivity),
		ClosedAt:     optionalTime(c.ClosedAt),
	}
}

func historyRecord(rec models.HistoryRecord) api.HistoryRecord {
	return api.HistoryRecord{
		ID:           rec.ID,
		TracingID:    rec.TracingID,
		ConnectionID: rec.ConnectionID,
		EventKind:    rec.EventKind,
		Sequence:     rec.Sequence,
		Request: api.HTTPRequest{
			Method:   rec.Request.Method,
			URL:      rec.Request.URL,
			Headers:  rec.Request.Headers,
			Body:     rec.Request.Body,
			BodySize: rec.Request.BodySize,
		},
		Response: api.HTTPResponse{
			Status:    rec.Response.Status,
			Headers:   rec.Response.Headers,
			Body:      rec.Response.Body,
			BodySize:  rec.Response.BodySize,
			Synthetic: rec.Response.Synthetic,
		},
		StartedAt:  formatTime(rec.StartedAt),
		EndedAt:    formatTime(rec.EndedAt),
		DurationMS: rec.Duration().Milliseconds(),
		Outcome:    string(rec.Outcome),
		Error:      rec.Error,
	}
}
