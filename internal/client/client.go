// Package client talks to a running relay's dashboard API.
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rsclarke/wpsrelay/internal/api"
)

type Client struct {
	BaseURL string
	// Token is the dashboard bearer credential. Empty sends none.
	Token      string
	HTTPClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// HistoryQuery selects history records. Zero values are omitted.
type HistoryQuery struct {
	ConnectionID string
	Kind         string
	Outcome      string
	Since        time.Time
	Limit        int
	Offset       int
}

func (q HistoryQuery) values() url.Values {
	v := url.Values{}
	if q.ConnectionID != "" {
		v.Set("connection_id", q.ConnectionID)
	}
	if q.Kind != "" {
		v.Set("kind", q.Kind)
	}
	if q.Outcome != "" {
		v.Set("outcome", q.Outcome)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

func (c *Client) Status() (*api.StatusResponse, error) {
	var result api.StatusResponse
	if err := c.do("GET", "/v1/status", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Connections() (*api.ListConnectionsResponse, error) {
	var result api.ListConnectionsResponse
	if err := c.do("GET", "/v1/connections", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) History(q HistoryQuery) (*api.HistoryResponse, error) {
	path := "/v1/history"
	if v := q.values(); len(v) > 0 {
		path += "?" + v.Encode()
	}
	var result api.HistoryResponse
	if err := c.do("GET", path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Record(id int64) (*api.HistoryRecord, error) {
	var result api.HistoryRecord
	if err := c.do("GET", "/v1/history/"+strconv.FormatInt(id, 10), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ClearHistory() (*api.ClearHistoryResponse, error) {
	var result api.ClearHistoryResponse
	if err := c.do("DELETE", "/v1/history", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return fmt.Errorf("%s", errResp.Error)
}
