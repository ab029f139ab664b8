// Package dispatch delivers tunnel events to the local upstream.
//
// Each connection id has its own FIFO queue drained by one goroutine, so
// calls for the same connection never overlap and run in arrival order.
// Drainers for different connections run in parallel, bounded by a
// weighted semaphore shared across all of them.
package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/rsclarke/wpsrelay/internal/events"
	"github.com/rsclarke/wpsrelay/internal/logging"
	"github.com/rsclarke/wpsrelay/internal/models"
)

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("dispatcher closed")

// Config controls upstream delivery.
type Config struct {
	UpstreamURL string
	Hub         string
	// Origin is sent as WebHook-Request-Origin.
	Origin           string
	Timeout          time.Duration
	MaxConcurrency   int
	BodySummaryLimit int
}

// Default dispatch settings.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxConcurrency   = 16
	DefaultBodySummaryLimit = 4 << 10
)

// Recorder persists the record of a completed call and returns it with
// its assigned ID.
type Recorder interface {
	Record(ctx context.Context, rec models.HistoryRecord) models.HistoryRecord
}

// Delivery describes a completed call. It is passed to observers after
// the record has been stored.
type Delivery struct {
	Event      events.TunnelEvent
	Generation uint64
	Record     models.HistoryRecord
	Response   events.Response
	Reply      events.Replier
}

// Observer is notified of each completed call, in registration order.
type Observer interface {
	OnDispatched(ctx context.Context, d Delivery) error
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, d Delivery) error

// OnDispatched calls f(ctx, d).
func (f ObserverFunc) OnDispatched(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Job is one event waiting to be dispatched.
type Job struct {
	Event events.TunnelEvent
	Reply events.Replier
	// Generation is passed through to observers untouched.
	Generation uint64
}

type queue struct {
	jobs []Job
}

// Dispatcher serializes upstream calls per connection.
type Dispatcher struct {
	cfg       Config
	client    *http.Client
	recorder  Recorder
	observers []Observer
	logger    *zap.Logger
	sem       *semaphore.Weighted
	now       func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	wg     sync.WaitGroup
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher. recorder may be nil.
func New(cfg Config, recorder Recorder, logger *zap.Logger, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.BodySummaryLimit <= 0 {
		cfg.BodySummaryLimit = DefaultBodySummaryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:      cfg,
		client:   &http.Client{},
		recorder: recorder,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		now:      time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
		queues:   make(map[string]*queue),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds an observer. It must be called before the first Submit.
func (d *Dispatcher) Register(o Observer) {
	d.observers = append(d.observers, o)
}

// Submit queues ev behind any pending work for the same connection.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	id := job.Event.ConnectionID
	q, ok := d.queues[id]
	if !ok {
		q = &queue{}
		d.queues[id] = q
		d.wg.Add(1)
		go d.drain(id, q)
	}
	q.jobs = append(q.jobs, job)
	return nil
}

// Pending returns the number of queued or in-flight jobs.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queues {
		n += len(q.jobs)
	}
	return n
}

func (d *Dispatcher) drain(id string, q *queue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.jobs) == 0 {
			delete(d.queues, id)
			d.mu.Unlock()
			return
		}
		job := q.jobs[0]
		d.mu.Unlock()

		d.process(job)

		d.mu.Lock()
		q.jobs[0] = Job{}
		q.jobs = q.jobs[1:]
		d.mu.Unlock()
	}
}

func (d *Dispatcher) process(job Job) {
	acquired := d.sem.Acquire(d.baseCtx, 1) == nil
	res := d.Dispatch(d.baseCtx, job.Event)
	if acquired {
		d.sem.Release(1)
	}

	// Results are recorded even when the call was cancelled by shutdown.
	ctx := context.WithoutCancel(d.baseCtx)
	rec := res.Record
	if d.recorder != nil {
		rec = d.recorder.Record(ctx, rec)
	}

	logger := d.logger.With(
		logging.ConnectionID(rec.ConnectionID),
		logging.Kind(rec.EventKind),
		logging.Outcome(string(rec.Outcome)),
		logging.Status(rec.Response.Status),
	)
	if rec.Outcome == models.OutcomeSuccess {
		logger.Debug("event dispatched", zap.Duration("duration", rec.Duration()))
	} else {
		logger.Warn("event dispatch failed", zap.String("error", rec.Error))
	}

	delivery := Delivery{
		Event:      job.Event,
		Generation: job.Generation,
		Record:     rec,
		Response:   res.Response,
		Reply:      job.Reply,
	}
	for _, o := range d.observers {
		if err := o.OnDispatched(ctx, delivery); err != nil {
			d.logger.Warn("dispatch observer error",
				logging.ConnectionID(rec.ConnectionID),
				zap.Int64("record_id", rec.ID),
				zap.Error(err))
		}
	}
}

// Close stops accepting jobs and waits for queued work to finish. When ctx
// expires first, in-flight calls are cancelled; their results are still
// recorded before Close returns.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
