// Package server implements the dashboard API and the managed HTTP
// server it runs on.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/rsclarke/wpsrelay/internal/api"
	"github.com/rsclarke/wpsrelay/internal/auth"
	"github.com/rsclarke/wpsrelay/internal/events"
	"github.com/rsclarke/wpsrelay/internal/history"
	"github.com/rsclarke/wpsrelay/internal/models"
	"github.com/rsclarke/wpsrelay/internal/registry"
	"github.com/rsclarke/wpsrelay/internal/relay"
)

// History page size limits.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

type contextKey string

const claimsContextKey contextKey = "claims"

// Claims returns the verified dashboard credential of the request, or nil
// when authentication is disabled.
func Claims(r *http.Request) *jwt.RegisteredClaims {
	c, _ := r.Context().Value(claimsContextKey).(*jwt.RegisteredClaims)
	return c
}

// Backend is the relay state served by the API.
type Backend interface {
	Status() relay.Status
	Connections() []registry.Connection
	History(f history.Filter) history.Page
	Record(id int64) (models.HistoryRecord, bool)
	ClearHistory() (int, error)
}

// APIServer handles the dashboard REST API and live feed.
type APIServer struct {
	Backend Backend
	// Verifier checks bearer credentials. Nil disables authentication.
	Verifier *auth.Verifier
	Live     *LiveHub
	Logger   *zap.Logger
}

// AuthMiddleware validates the bearer credential on every route. The live
// feed may pass it as the access_token query parameter instead, since
// browsers cannot set headers on websocket requests.
func (s *APIServer) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Verifier == nil {
			next.ServeHTTP(w, r)
			return
		}

		var token string
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
				return
			}
			token = strings.TrimPrefix(authHeader, "Bearer ")
		} else if r.URL.Path == "/v1/live" {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}

		claims, err := s.Verifier.Verify(token)
		if err != nil {
			s.Logger.Debug("rejected dashboard credential", zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Handler returns the HTTP handler for the API server.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/connections", s.handleConnections)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("GET /v1/history/{id}", s.handleRecord)
	mux.HandleFunc("DELETE /v1/history", s.handleClearHistory)
	if s.Live != nil {
		mux.HandleFunc("GET /v1/live", s.handleLive)
	}

	return s.AuthMiddleware(mux)
}

func (s *APIServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse(s.Backend.Status()))
}

func (s *APIServer) handleConnections(w http.ResponseWriter, _ *http.Request) {
	conns := s.Backend.Connections()
	resp := api.ListConnectionsResponse{
		Connections: make([]api.ConnectionInfo, 0, len(conns)),
	}
	for _, c := range conns {
		resp.Connections = append(resp.Connections, connectionInfo(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}

	page := s.Backend.History(f)
	resp := api.HistoryResponse{
		Records: make([]api.HistoryRecord, 0, len(page.Records)),
		Total:   page.Total,
		Limit:   f.Limit,
		Offset:  f.Offset,
	}
	for _, rec := range page.Records {
		resp.Records = append(resp.Records, historyRecord(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid record id"})
		return
	}

	rec, found := s.Backend.Record(id)
	if !found {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "record not found"})
		return
	}
	writeJSON(w, http.StatusOK, historyRecord(rec))
}

func (s *APIServer) handleClearHistory(w http.ResponseWriter, _ *http.Request) {
	n, err := s.Backend.ClearHistory()
	if err != nil {
		s.Logger.Error("failed to clear history", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "failed to clear history"})
		return
	}
	writeJSON(w, http.StatusOK, api.ClearHistoryResponse{Cleared: n})
}

func (s *APIServer) handleLive(w http.ResponseWriter, r *http.Request) {
	info := sessionInfo(s.Backend.Status().Session)
	s.Live.Serve(w, r, api.LiveMessage{Type: api.LiveStatus, Status: &info})
}

type filterError string

func (e filterError) Error() string { return string(e) }

func parseFilter(r *http.Request) (history.Filter, error) {
	q := r.URL.Query()
	f := history.Filter{
		ConnectionID: q.Get("connection_id"),
		Limit:        DefaultHistoryLimit,
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, filterError("invalid limit")
		}
		f.Limit = min(n, MaxHistoryLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, filterError("invalid offset")
		}
		f.Offset = n
	}
	if v := q.Get("kind"); v != "" {
		if !events.Kind(v).Valid() {
			return f, filterError("invalid kind")
		}
		f.Kind = v
	}
	if v := q.Get("outcome"); v != "" {
		if !models.Outcome(v).Valid() {
			return f, filterError("invalid outcome")
		}
		f.Outcome = models.Outcome(v)
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, filterError("invalid since, want RFC 3339")
		}
		f.Since = t
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
