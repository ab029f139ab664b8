// Package relay connects the control channel to the local upstream. It
// admits decoded events through the registry, hands them to the
// dispatcher and writes each response back on the connection the event
// arrived on.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/wpsrelay/internal/dispatch"
	"github.com/rsclarke/wpsrelay/internal/events"
	"github.com/rsclarke/wpsrelay/internal/history"
	"github.com/rsclarke/wpsrelay/internal/logging"
	"github.com/rsclarke/wpsrelay/internal/models"
	"github.com/rsclarke/wpsrelay/internal/registry"
	"github.com/rsclarke/wpsrelay/internal/tunnel"
)

// DefaultSweepInterval is how often expired registry entries are removed.
const DefaultSweepInterval = 10 * time.Second

// UpstreamStatus summarizes the most recent exchange with the upstream.
type UpstreamStatus string

// Upstream reachability values.
const (
	UpstreamUnknown       UpstreamStatus = "unknown"
	UpstreamSuccess       UpstreamStatus = "success"
	UpstreamErrorResponse UpstreamStatus = "error_response"
	UpstreamTimeout       UpstreamStatus = "request_timeout"
	UpstreamFailed        UpstreamStatus = "request_failed"
)

// Upstream describes the local upstream and how the last call went.
type Upstream struct {
	URL        string
	Status     UpstreamStatus
	LastCode   int
	LastCallAt time.Time
}

// Status is the combined view served by the dashboard.
type Status struct {
	Session           tunnel.Snapshot
	Hub               string
	Upstream          Upstream
	ActiveConnections int
	HistoryCount      int
	Pending           int
}

// SessionSource reports the control-channel session state.
type SessionSource interface {
	Snapshot() tunnel.Snapshot
}

// Config holds the relay settings that are not owned by a component.
type Config struct {
	UpstreamURL   string
	Hub           string
	SweepInterval time.Duration
}

// Relay implements tunnel.Handler and is a dispatch observer.
type Relay struct {
	cfg        Config
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	history    *history.Store
	logger     *zap.Logger

	mu       sync.RWMutex
	session  SessionSource
	upstream Upstream
}

// New wires a Relay and registers it with the dispatcher.
func New(cfg Config, reg *registry.Registry, d *dispatch.Dispatcher, hist *history.Store, logger *zap.Logger) *Relay {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	r := &Relay{
		cfg:        cfg,
		registry:   reg,
		dispatcher: d,
		history:    hist,
		logger:     logger.With(logging.Component("relay")),
		upstream:   Upstream{URL: cfg.UpstreamURL, Status: UpstreamUnknown},
	}
	d.Register(r)
	return r
}

// SetSession attaches the tunnel whose state Status reports.
func (r *Relay) SetSession(s SessionSource) {
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
}

// HandleEvent admits ev and queues it for dispatch. Rejected events are
// logged and dropped.
func (r *Relay) HandleEvent(_ context.Context, reply events.Replier, ev events.TunnelEvent) {
	logger := r.logger.With(
		logging.ConnectionID(ev.ConnectionID),
		logging.Kind(string(ev.Kind)),
		logging.Seq(ev.Sequence),
	)

	adm, err := r.registry.AdmitEvent(ev)
	if err != nil {
		logger.Warn("dropping event", zap.Error(err))
		return
	}
	if adm.Admission == registry.Ignore {
		logger.Debug("ignoring duplicate disconnect")
		return
	}

	job := dispatch.Job{Event: ev, Reply: reply, Generation: adm.Generation}
	if err := r.dispatcher.Submit(job); err != nil {
		logger.Warn("dropping event", zap.Error(err))
	}
}

// OnDispatched replies to the cloud service and finishes connection
// bookkeeping for a completed call.
func (r *Relay) OnDispatched(ctx context.Context, d dispatch.Delivery) error {
	r.track(d.Record)
	if d.Event.Kind == events.KindDisconnected {
		r.registry.MarkClosed(d.Event.ConnectionID, d.Generation)
	}
	if d.Reply == nil {
		return nil
	}
	if err := d.Reply.Reply(ctx, d.Response); err != nil {
		return fmt.Errorf("reply for %s: %w", d.Event.ConnectionID, err)
	}
	return nil
}

func (r *Relay) track(rec models.HistoryRecord) {
	var status UpstreamStatus
	switch rec.Outcome {
	case models.OutcomeSuccess:
		status = UpstreamSuccess
		if rec.Response.Status >= http.StatusBadRequest {
			status = UpstreamErrorResponse
		}
	case models.OutcomeTimeout:
		status = UpstreamTimeout
	default:
		status = UpstreamFailed
	}

	r.mu.Lock()
	r.upstream.Status = status
	r.upstream.LastCode = rec.Response.Status
	r.upstream.LastCallAt = rec.EndedAt
	r.mu.Unlock()
}

// Run sweeps expired connections until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	t := time.NewTicker(r.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if removed := r.registry.Sweep(now); len(removed) > 0 {
				r.logger.Debug("swept connections", zap.Strings("connection_ids", removed))
			}
		}
	}
}

// Status returns the current combined status.
func (r *Relay) Status() Status {
	r.mu.RLock()
	session := r.session
	upstream := r.upstream
	r.mu.RUnlock()

	st := Status{
		Hub:               r.cfg.Hub,
		Upstream:          upstream,
		ActiveConnections: r.registry.Active(),
		HistoryCount:      r.history.Len(),
		Pending:           r.dispatcher.Pending(),
	}
	if session != nil {
		st.Session = session.Snapshot()
	} else {
		st.Session = tunnel.Snapshot{State: tunnel.StateDisconnected, Hub: r.cfg.Hub}
	}
	return st
}

// Connections returns the simulated connections currently tracked.
func (r *Relay) Connections() []registry.Connection {
	return r.registry.Snapshot()
}

// History returns a page of exchange records.
func (r *Relay) History(f history.Filter) history.Page {
	return r.history.Query(f)
}

// Record returns one exchange record by id.
func (r *Relay) Record(id int64) (models.HistoryRecord, bool) {
	return r.history.Get(id)
}

// ClearHistory empties the history and returns how many records it held.
func (r *Relay) ClearHistory() (int, error) {
	return r.history.Clear()
}
