package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/rsclarke/wpsrelay/internal/events"
	"github.com/rsclarke/wpsrelay/internal/models"
)

// CloudEvents types sent to the upstream.
const (
	TypeConnected    = "azure.webpubsub.sys.connected"
	TypeMessage      = "azure.webpubsub.user.message"
	TypeDisconnected = "azure.webpubsub.sys.disconnected"
)

const syntheticContentType = "text/plain; charset=utf-8"

// maxResponseBody bounds what is read from the upstream so the reply
// always fits in one control-channel frame.
const maxResponseBody = 1<<20 - 4<<10

// ErrResponseTooLarge is recorded when the upstream body does not fit in a
// reply frame. The cloud service receives a synthetic 502 instead.
var ErrResponseTooLarge = errors.New("upstream response too large")

// Result is the outcome of one upstream call.
type Result struct {
	Record   models.HistoryRecord
	Response events.Response
}

// Dispatch performs one upstream call for ev and returns the exchange
// record and the response to send back to the cloud service. Failures
// are reported in the result, never as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, ev events.TunnelEvent) Result {
	started := d.now()
	rec := models.HistoryRecord{
		TracingID:    ev.TracingID,
		ConnectionID: ev.ConnectionID,
		EventKind:    string(ev.Kind),
		Sequence:     ev.Sequence,
		StartedAt:    started,
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := d.newRequest(callCtx, ev, started)
	if err != nil {
		return d.fail(rec, ev, models.OutcomeUpstreamError, fmt.Errorf("build request: %w", err))
	}
	rec.Request = models.HTTPRequest{
		Method:   req.Method,
		URL:      req.URL.String(),
		Headers:  cloneHeader(req.Header),
		Body:     summarize(ev.Payload, d.cfg.BodySummaryLimit),
		BodySize: len(ev.Payload),
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return d.fail(rec, ev, classify(ctx, callCtx, err), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return d.fail(rec, ev, classify(ctx, callCtx, err), fmt.Errorf("read response body: %w", err))
	}
	if len(body) > maxResponseBody {
		return d.fail(rec, ev, models.OutcomeUpstreamError,
			fmt.Errorf("%w: status %d body exceeds %d bytes", ErrResponseTooLarge, resp.StatusCode, maxResponseBody))
	}

	rec.EndedAt = d.now()
	rec.Outcome = models.OutcomeSuccess
	rec.Response = models.HTTPResponse{
		Status:   resp.StatusCode,
		Headers:  cloneHeader(resp.Header),
		Body:     summarize(body, d.cfg.BodySummaryLimit),
		BodySize: len(body),
	}
	return Result{
		Record: rec,
		Response: events.Response{
			ConnectionID: ev.ConnectionID,
			TracingID:    ev.TracingID,
			Status:       resp.StatusCode,
			ContentType:  resp.Header.Get("Content-Type"),
			Payload:      body,
		},
	}
}

func (d *Dispatcher) newRequest(ctx context.Context, ev events.TunnelEvent, now time.Time) (*http.Request, error) {
	var (
		ceType string
		body   io.Reader
	)
	switch ev.Kind {
	case events.KindConnected:
		ceType = TypeConnected
	case events.KindMessage:
		ceType = TypeMessage
		body = bytes.NewReader(ev.Payload)
	case events.KindDisconnected:
		ceType = TypeDisconnected
	default:
		return nil, fmt.Errorf("unsupported event kind %q", ev.Kind)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.UpstreamURL, body)
	if err != nil {
		return nil, err
	}

	h := req.Header
	h.Set("ce-specversion", "1.0")
	h.Set("ce-type", ceType)
	h.Set("ce-id", uuid.NewString())
	h.Set("ce-time", now.UTC().Format(time.RFC3339Nano))
	h.Set("ce-source", "/hubs/"+url.PathEscape(d.cfg.Hub)+"/client/"+url.PathEscape(ev.ConnectionID))
	h.Set("ce-hub", d.cfg.Hub)
	h.Set("ce-connectionId", ev.ConnectionID)
	h.Set("ce-eventName", string(ev.Kind))
	if ev.UserID != "" {
		h.Set("ce-userId", ev.UserID)
	}
	if ev.TracingID != "" {
		h.Set("ce-tracingId", ev.TracingID)
	}
	if d.cfg.Origin != "" {
		h.Set("WebHook-Request-Origin", d.cfg.Origin)
	}
	if ev.Kind == events.KindMessage {
		h.Set("ce-sequence", strconv.FormatUint(ev.Sequence, 10))
		contentType := ev.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h.Set("Content-Type", contentType)
	}
	return req, nil
}

func (d *Dispatcher) fail(rec models.HistoryRecord, ev events.TunnelEvent, outcome models.Outcome, err error) Result {
	status := http.StatusBadGateway
	msg := "upstream request failed: " + err.Error()
	if outcome == models.OutcomeTimeout {
		status = http.StatusGatewayTimeout
		msg = fmt.Sprintf("upstream did not respond within %s", d.cfg.Timeout)
	}

	rec.EndedAt = d.now()
	rec.Outcome = outcome
	rec.Error = err.Error()
	rec.Response = models.HTTPResponse{
		Status:    status,
		Headers:   map[string][]string{"Content-Type": {syntheticContentType}},
		Body:      msg,
		BodySize:  len(msg),
		Synthetic: true,
	}
	return Result{
		Record: rec,
		Response: events.Response{
			ConnectionID: ev.ConnectionID,
			TracingID:    ev.TracingID,
			Status:       status,
			ContentType:  syntheticContentType,
			Payload:      []byte(msg),
		},
	}
}

// classify separates the per-call deadline from shutdown cancellation.
func classify(parent, call context.Context, err error) models.Outcome {
	if parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded) {
		return models.OutcomeTimeout
	}
	if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return models.OutcomeTimeout
	}
	return models.OutcomeUpstreamError
}

func cloneHeader(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// summarize renders a body for the history record, truncated to limit
// bytes. Binary bodies are described rather than copied.
func summarize(body []byte, limit int) string {
	if len(body) == 0 {
		return ""
	}
	if !utf8.Valid(body) {
		return fmt.Sprintf("<%d bytes binary>", len(body))
	}
	if limit <= 0 || len(body) <= limit {
		return string(body)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]) + fmt.Sprintf("... (%d bytes truncated)", len(body)-cut)
}
