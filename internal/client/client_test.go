package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rsclarke/wpsrelay/internal/api"
)

func TestClientSendsBearerAndDecodes(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.RequestURI()
		_ = json.NewEncoder(w).Encode(api.StatusResponse{Hub: "chat", Session: api.SessionInfo{State: "connected"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	st, err := c.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/v1/status" {
		t.Errorf("path = %q", gotPath)
	}
	if st.Hub != "chat" || st.Session.State != "connected" {
		t.Errorf("status = %+v", st)
	}
}

func TestClientOmitsEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("Authorization"); h != "" {
			t.Errorf("unexpected Authorization %q", h)
		}
		_ = json.NewEncoder(w).Encode(api.ListConnectionsResponse{})
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "").Connections(); err != nil {
		t.Fatalf("Connections failed: %v", err)
	}
}

func TestHistoryQueryEncoding(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(api.HistoryResponse{Total: 1, Records: []api.HistoryRecord{{ID: 3}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	resp, err := c.History(HistoryQuery{
		ConnectionID: "c1",
		Kind:         "message",
		Outcome:      "timeout",
		Since:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Limit:        10,
		Offset:       20,
	})
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	want := "connection_id=c1&kind=message&limit=10&offset=20&outcome=timeout&since=2026-01-02T03%3A04%3A05Z"
	if gotQuery != want {
		t.Errorf("query = %s, want %s", gotQuery, want)
	}
	if resp.Total != 1 || resp.Records[0].ID != 3 {
		t.Errorf("resp = %+v", resp)
	}

	if _, err := c.History(HistoryQuery{}); err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if gotQuery != "" {
		t.Errorf("empty query = %q", gotQuery)
	}
}

func TestParseError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"json error", http.StatusNotFound, `{"error":"record not found"}`, "record not found"},
		{"plain body", http.StatusBadGateway, "bad gateway", "request failed with status 502: bad gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "").Record(9)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestClearHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/history" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(api.ClearHistoryResponse{Cleared: 4})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, "").ClearHistory()
	if err != nil {
		t.Fatalf("ClearHistory failed: %v", err)
	}
	if resp.Cleared != 4 {
		t.Errorf("cleared = %d", resp.Cleared)
	}
}
