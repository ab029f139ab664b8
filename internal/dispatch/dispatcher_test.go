package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/wpsrelay/internal/events"
	"github.com/rsclarke/wpsrelay/internal/models"
)

type memRecorder struct {
	mu      sync.Mutex
	records []models.HistoryRecord
}

func (r *memRecorder) Record(_ context.Context, rec models.HistoryRecord) models.HistoryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = int64(len(r.records) + 1)
	r.records = append(r.records, rec)
	return rec
}

func (r *memRecorder) all() []models.HistoryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.HistoryRecord(nil), r.records...)
}

type replyLog struct {
	mu        sync.Mutex
	responses []events.Response
}

func (l *replyLog) Reply(_ context.Context, resp events.Response) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responses = append(l.responses, resp)
	return nil
}

func (l *replyLog) all() []events.Response {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Response(nil), l.responses...)
}

// replyObserver forwards responses like the relay does.
var replyObserver = ObserverFunc(func(ctx context.Context, d Delivery) error {
	if d.Reply == nil {
		return nil
	}
	return d.Reply.Reply(ctx, d.Response)
})

func newTestDispatcher(t *testing.T, upstream string, cfg Config) (*Dispatcher, *memRecorder) {
	t.Helper()
	cfg.UpstreamURL = upstream
	cfg.Hub = "chat"
	rec := &memRecorder{}
	d := New(cfg, rec, zap.NewNop())
	d.Register(replyObserver)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d, rec
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func lifecycle(id string, n int) []events.TunnelEvent {
	evs := []events.TunnelEvent{{Kind: events.KindConnected, ConnectionID: id}}
	for i := 0; i < n; i++ {
		evs = append(evs, events.TunnelEvent{
			Kind:         events.KindMessage,
			ConnectionID: id,
			Sequence:     uint64(i),
			ContentType:  "text/plain",
			Payload:      []byte(fmt.Sprintf("msg-%d", i)),
		})
	}
	return append(evs, events.TunnelEvent{Kind: events.KindDisconnected, ConnectionID: id})
}

func TestDispatchInvokesUpstreamOncePerEventInOrder(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Header.Get("ce-type")+"/"+r.Header.Get("ce-sequence"))
		mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	d, rec := newTestDispatcher(t, upstream.URL, Config{})
	replies := &replyLog{}

	const n = 10
	for _, ev := range lifecycle("a", n) {
		if err := d.Submit(Job{Event: ev, Reply: replies}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	closeDispatcher(t, d)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != n+2 {
		t.Fatalf("upstream called %d times, want %d", len(calls), n+2)
	}
	if calls[0] != TypeConnected+"/" {
		t.Errorf("first call = %q", calls[0])
	}
	for i := 0; i < n; i++ {
		want := TypeMessage + "/" + strconv.Itoa(i)
		if calls[i+1] != want {
			t.Errorf("call %d = %q, want %q", i+1, calls[i+1], want)
		}
	}
	if calls[n+1] != TypeDisconnected+"/" {
		t.Errorf("last call = %q", calls[n+1])
	}

	records := rec.all()
	if len(records) != n+2 {
		t.Fatalf("%d records, want %d", len(records), n+2)
	}
	for _, r := range records {
		if r.Outcome != models.OutcomeSuccess {
			t.Errorf("record %d outcome = %q", r.ID, r.Outcome)
		}
	}

	responses := replies.all()
	if len(responses) != n+2 {
		t.Fatalf("%d replies, want %d", len(responses), n+2)
	}
	if string(responses[1].Payload) != "msg-0" || responses[1].Status != 200 {
		t.Errorf("echo reply = %d %q", responses[1].Status, responses[1].Payload)
	}
}

func TestRequestConvention(t *testing.T) {
	type captured struct {
		req  *http.Request
		body []byte
	}
	calls := make(chan captured, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls <- captured{req: r.Clone(context.Background()), body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	d, _ := newTestDispatcher(t, upstream.URL+"/eventhandler", Config{Origin: "demo.webpubsub.azure.com"})

	res := d.Dispatch(context.Background(), events.TunnelEvent{
		Kind:         events.KindMessage,
		ConnectionID: "conn-1",
		Sequence:     3,
		ContentType:  "application/json",
		Payload:      []byte(`{"x":1}`),
		UserID:       "alice",
		TracingID:    "trace-9",
	})

	var c captured
	select {
	case c = <-calls:
	default:
		t.Fatal("upstream not called")
	}
	got, gotBody := c.req, c.body
	if got.Method != http.MethodPost || got.URL.Path != "/eventhandler" {
		t.Errorf("request = %s %s", got.Method, got.URL.Path)
	}
	checks := map[string]string{
		"ce-specversion":         "1.0",
		"ce-type":                TypeMessage,
		"ce-hub":                 "chat",
		"ce-connectionId":        "conn-1",
		"ce-userId":              "alice",
		"ce-eventName":           "message",
		"ce-sequence":            "3",
		"ce-source":              "/hubs/chat/client/conn-1",
		"Content-Type":           "application/json",
		"WebHook-Request-Origin": "demo.webpubsub.azure.com",
	}
	for k, want := range checks {
		if v := got.Header.Get(k); v != want {
			t.Errorf("header %s = %q, want %q", k, v, want)
		}
	}
	if got.Header.Get("ce-id") == "" || got.Header.Get("ce-time") == "" {
		t.Error("ce-id or ce-time missing")
	}
	if string(gotBody) != `{"x":1}` {
		t.Errorf("body = %q", gotBody)
	}

	if res.Record.Outcome != models.OutcomeSuccess || res.Record.Response.Status != http.StatusNoContent {
		t.Errorf("record = %+v", res.Record)
	}
	if res.Record.Request.Body != `{"x":1}` || res.Record.Request.BodySize != 7 {
		t.Errorf("request summary = %q (%d)", res.Record.Request.Body, res.Record.Request.BodySize)
	}
	if res.Response.TracingID != "trace-9" {
		t.Errorf("response tracing id = %q", res.Response.TracingID)
	}
}

func TestConnectedAndDisconnectedHaveNoBody(t *testing.T) {
	var lengths []int64
	var mu sync.Mutex
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		lengths = append(lengths, int64(len(body)))
		mu.Unlock()
	}))
	defer upstream.Close()

	d, _ := newTestDispatcher(t, upstream.URL, Config{})
	for _, kind := range []events.Kind{events.KindConnected, events.KindDisconnected} {
		res := d.Dispatch(context.Background(), events.TunnelEvent{Kind: kind, ConnectionID: "c", Payload: []byte("ignored")})
		if res.Record.Outcome != models.OutcomeSuccess {
			t.Errorf("%s outcome = %q", kind, res.Record.Outcome)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, n := range lengths {
		if n != 0 {
			t.Errorf("request %d had %d body bytes", i, n)
		}
	}
}

func TestNon2xxIsForwarded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer upstream.Close()

	d, _ := newTestDispatcher(t, upstream.URL, Config{})
	res := d.Dispatch(context.Background(), events.TunnelEvent{Kind: events.KindConnected, ConnectionID: "c"})

	if res.Record.Outcome != models.OutcomeSuccess {
		t.Errorf("outcome = %q, want success", res.Record.Outcome)
	}
	if res.Response.Status != 500 || string(res.Response.Payload) != "boom" {
		t.Errorf("response = %d %q", res.Response.Status, res.Response.Payload)
	}
	if res.Record.Response.Synthetic {
		t.Error("upstream response marked synthetic")
	}
}

func TestOversizedResponseIsNotForwarded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(make([]byte, maxResponseBody+1))
	}))
	defer upstream.Close()

	d, _ := newTestDispatcher(t, upstream.URL, Config{})
	res := d.Dispatch(context.Background(), events.TunnelEvent{Kind: events.KindConnected, ConnectionID: "c"})

	if res.Record.Outcome != models.OutcomeUpstreamError {
		t.Errorf("outcome = %q, want upstream_error", res.Record.Outcome)
	}
	if !strings.Contains(res.Record.Error, ErrResponseTooLarge.Error()) || !strings.Contains(res.Record.Error, "status 200") {
		t.Errorf("record error = %q", res.Record.Error)
	}
	if res.Response.Status != http.StatusBadGateway || !res.Record.Response.Synthetic {
		t.Errorf("response = %d synthetic=%v, want synthetic 502", res.Response.Status, res.Record.Response.Synthetic)
	}
	if len(res.Response.Payload) >= maxResponseBody {
		t.Errorf("payload of %d bytes forwarded", len(res.Response.Payload))
	}
}

func TestResponseAtLimitIsForwarded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, maxResponseBody))
	}))
	defer upstream.Close()

	d, _ := newTestDispatcher(t, upstream.URL, Config{})
	res := d.Dispatch(context.Background(), events.TunnelEvent{Kind: events.KindConnected, ConnectionID: "c"})

	if res.Record.Outcome != models.OutcomeSuccess || len(res.Response.Payload) != maxResponseBody {
		t.Errorf("outcome = %q, payload = %d bytes", res.Record.Outcome, len(res.Response.Payload))
	}
	if res.Record.Response.BodySize != maxResponseBody {
		t.Errorf("body size = %d", res.Record.Response.BodySize)
	}
}

func TestTimeoutProducesSyntheticResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	d, rec := newTestDispatcher(t, upstream.URL, Config{Timeout: 50 * time.Millisecond})
	replies := &replyLog{}
	if err := d.Submit(Job{Event: events.TunnelEvent{Kind: events.KindConnected, ConnectionID: "slow"}, Reply: replies}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	closeDispatcher(t, d)

	records := rec.all()
	if len(records) != 1 {
		t.Fatalf("%d records, want 1", len(records))
	}
	if records[0].Outcome != models.OutcomeTimeout {
		t.Errorf("outcome = %q, want timeout", records[0].Outcome)
	}
	if !records[0].Response.Synthetic || records[0].Response.Status != http.StatusGatewayTimeout {
		t.Errorf("record response = %+v", records[0].Response)
	}

	responses := replies.all()
	if len(responses) != 1 {
		t.Fatalf("%d replies, want 1", len(responses))
	}
	if responses[0].Status != http.StatusGatewayTimeout || responses[0].ConnectionID != "slow" {
		t.Errorf("reply = %+v", responses[0])
	}
}

func TestUpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	d, _ := newTestDispatcher(t, url, Config{Timeout: time.Second})
	res := d.Dispatch(context.Background(), events.TunnelEvent{Kind: events.KindConnected, ConnectionID: "c"})

	if res.Record.Outcome != models.OutcomeUpstreamError {
		t.Errorf("outcome = %q, want upstream_error", res.Record.Outcome)
	}
	if res.Response.Status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", res.Response.Status)
	}
	if !strings.HasPrefix(string(res.Response.Payload), "upstream request failed") {
		t.Errorf("payload = %q", res.Response.Payload)
	}
	if res.Record.Error == "" {
		t.Error("record error empty")
	}
}

func TestPerConnectionSerialization(t *testing.T) {
	var mu sync.Mutex
	inflight := make(map[string]int)
	lastSeq := make(map[string]int)
	var violations atomic.Int32

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("ce-connectionId")
		seq := -1
		if s := r.Header.Get("ce-sequence"); s != "" {
			seq, _ = strconv.Atoi(s)
		}

		mu.Lock()
		inflight[id]++
		if inflight[id] > 1 {
			violations.Add(1)
		}
		if seq >= 0 {
			if prev, ok := lastSeq[id]; ok && seq != prev+1 {
				violations.Add(1)
			}
			lastSeq[id] = seq
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inflight[id]--
		mu.Unlock()
	}))
	defer upstream.Close()

	d, rec := newTestDispatcher(t, upstream.URL, Config{MaxConcurrency: 4})

	var wg sync.WaitGroup
	const conns, msgs = 6, 20
	for c := 0; c < conns; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for _, ev := range lifecycle(fmt.Sprintf("conn-%d", c), msgs) {
				if err := d.Submit(Job{Event: ev}); err != nil {
					t.Errorf("Submit failed: %v", err)
				}
			}
		}(c)
	}
	wg.Wait()
	closeDispatcher(t, d)

	if v := violations.Load(); v != 0 {
		t.Errorf("%d ordering or overlap violations", v)
	}
	if n := len(rec.all()); n != conns*(msgs+2) {
		t.Errorf("%d records, want %d", n, conns*(msgs+2))
	}
}

func TestDistinctConnectionsDispatchConcurrently(t *testing.T) {
	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()

	d, _ := newTestDispatcher(t, upstream.URL, Config{MaxConcurrency: 2, Timeout: 5 * time.Second})
	for _, id := range []string{"a", "b"} {
		if err := d.Submit(Job{Event: events.TunnelEvent{Kind: events.KindConnected, ConnectionID: id}}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(2 * time.Second):
			t.Fatal("second connection was not dispatched while the first was in flight")
		}
	}
	close(release)
	closeDispatcher(t, d)
}

func TestWorkerPoolBound(t *testing.T) {
	var current, peak atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
	}))
	defer upstream.Close()

	d, _ := newTestDispatcher(t, upstream.URL, Config{MaxConcurrency: 2})
	for c := 0; c < 8; c++ {
		if err := d.Submit(Job{Event: events.TunnelEvent{Kind: events.KindConnected, ConnectionID: fmt.Sprintf("c%d", c)}}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	closeDispatcher(t, d)

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestCloseCancelsAfterGrace(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	d, rec := newTestDispatcher(t, upstream.URL, Config{Timeout: time.Minute})
	if err := d.Submit(Job{Event: events.TunnelEvent{Kind: events.KindConnected, ConnectionID: "stuck"}}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close error = %v, want deadline exceeded", err)
	}

	records := rec.all()
	if len(records) != 1 {
		t.Fatalf("%d records, want 1", len(records))
	}
	if records[0].Outcome != models.OutcomeUpstreamError {
		t.Errorf("outcome = %q, want upstream_error", records[0].Outcome)
	}

	if err := d.Submit(Job{Event: events.TunnelEvent{Kind: events.KindConnected, ConnectionID: "late"}}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after close: err = %v, want ErrClosed", err)
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name  string
		body  []byte
		limit int
		want  string
	}{
		{"empty", nil, 10, ""},
		{"short", []byte("hello"), 10, "hello"},
		{"truncated", []byte("hello world"), 5, "hello... (6 bytes truncated)"},
		{"rune boundary", []byte("héllo"), 2, "h... (5 bytes truncated)"},
		{"binary", []byte{0xff, 0x00, 0xfe}, 10, "<3 bytes binary>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := summarize(tt.body, tt.limit); got != tt.want {
				t.Errorf("summarize = %q, want %q", got, tt.want)
			}
		})
	}
}
