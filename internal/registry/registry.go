// Package registry tracks simulated client connections and the sequence
// number each one expects next.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rsclarke/wpsrelay/internal/events"
)

// State is the lifecycle state of a simulated connection.
type State int

// Connection states.
const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Admission is the outcome of a successful Admit call.
type Admission int

const (
	// Rejected accompanies a non-nil error from Admit.
	Rejected Admission = iota
	// Forward means the event must be dispatched.
	Forward
	// Ignore means the event was a duplicate disconnect and is a no-op.
	Ignore
)

// Connection is a point-in-time copy of one simulated connection.
type Connection struct {
	ID           string
	UserID       string
	State        State
	NextSeq      uint64
	CreatedAt    time.Time
	LastActivity time.Time
	ClosedAt     time.Time
	// Generation distinguishes successive connections that reuse an ID.
	Generation uint64
}

type entry struct {
	mu   sync.Mutex
	conn Connection
}

// Options configures retention for a Registry.
type Options struct {
	// IdleTimeout removes open connections with no events for this long.
	// Zero disables idle expiry.
	IdleTimeout time.Duration
	// ClosedRetention keeps closed connections around so that late
	// duplicate disconnects are recognised.
	ClosedRetention time.Duration
	Now             func() time.Time
}

// Registry is safe for concurrent use. The map is guarded by mu; sequence
// checks lock only the entry involved so distinct connections never contend.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	idleTimeout     time.Duration
	closedRetention time.Duration
	now             func() time.Time
	generation      atomic.Uint64
}

// DefaultClosedRetention is used when Options.ClosedRetention is zero.
const DefaultClosedRetention = 30 * time.Second

// New creates an empty Registry.
func New(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ClosedRetention <= 0 {
		opts.ClosedRetention = DefaultClosedRetention
	}
	return &Registry{
		entries:         make(map[string]*entry),
		idleTimeout:     opts.IdleTimeout,
		closedRetention: opts.ClosedRetention,
		now:             opts.Now,
	}
}

// Admitted is the result of AdmitEvent.
type Admitted struct {
	Admission Admission
	// Generation of the connection the event was admitted against.
	Generation uint64
}

// Admit decides whether ev may be dispatched. Rejections are returned as
// *RejectError and leave the registry unchanged.
func (r *Registry) Admit(ev events.TunnelEvent) (Admission, error) {
	a, err := r.AdmitEvent(ev)
	return a.Admission, err
}

// AdmitEvent is Admit, also reporting the connection generation so that a
// later MarkClosed applies to the same connection.
func (r *Registry) AdmitEvent(ev events.TunnelEvent) (Admitted, error) {
	switch ev.Kind {
	case events.KindConnected:
		return Admitted{Admission: Forward, Generation: r.connect(ev)}, nil
	case events.KindMessage:
		return r.message(ev)
	case events.KindDisconnected:
		return r.disconnect(ev)
	}
	return Admitted{}, fmt.Errorf("registry: unsupported event kind %q", ev.Kind)
}

func (r *Registry) connect(ev events.TunnelEvent) uint64 {
	now := r.now()
	gen := r.generation.Add(1)
	e := &entry{conn: Connection{
		ID:           ev.ConnectionID,
		UserID:       ev.UserID,
		State:        StateOpen,
		CreatedAt:    now,
		LastActivity: now,
		Generation:   gen,
	}}

	r.mu.Lock()
	r.entries[ev.ConnectionID] = e
	r.mu.Unlock()
	return gen
}

func (r *Registry) message(ev events.TunnelEvent) (Admitted, error) {
	e := r.lookup(ev.ConnectionID)
	if e == nil {
		return Admitted{}, &RejectError{Reason: ReasonUnknownConnection, ConnectionID: ev.ConnectionID, Got: ev.Sequence}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn.State != StateOpen {
		return Admitted{}, &RejectError{Reason: ReasonConnectionClosed, ConnectionID: ev.ConnectionID, Got: ev.Sequence}
	}
	if ev.Sequence != e.conn.NextSeq {
		return Admitted{}, &RejectError{
			Reason:       ReasonOutOfOrder,
			ConnectionID: ev.ConnectionID,
			Expected:     e.conn.NextSeq,
			Got:          ev.Sequence,
		}
	}
	e.conn.NextSeq++
	e.conn.LastActivity = r.now()
	return Admitted{Admission: Forward, Generation: e.conn.Generation}, nil
}

func (r *Registry) disconnect(ev events.TunnelEvent) (Admitted, error) {
	e := r.lookup(ev.ConnectionID)
	if e == nil {
		return Admitted{}, &RejectError{Reason: ReasonUnknownConnection, ConnectionID: ev.ConnectionID}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn.State != StateOpen {
		return Admitted{Admission: Ignore, Generation: e.conn.Generation}, nil
	}
	now := r.now()
	e.conn.State = StateClosing
	e.conn.ClosedAt = now
	e.conn.LastActivity = now
	return Admitted{Admission: Forward, Generation: e.conn.Generation}, nil
}

// MarkClosed completes the close of a connection once its disconnect has
// been delivered upstream. A newer connection reusing id is left alone.
func (r *Registry) MarkClosed(id string, generation uint64) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.conn.State == StateClosing && e.conn.Generation == generation {
		e.conn.State = StateClosed
	}
	e.mu.Unlock()
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// Get returns a copy of the connection with the given id.
func (r *Registry) Get(id string) (Connection, bool) {
	e := r.lookup(id)
	if e == nil {
		return Connection{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn, true
}

// Snapshot returns every tracked connection ordered by creation time.
func (r *Registry) Snapshot() []Connection {
	r.mu.RLock()
	out := make([]Connection, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		out = append(out, e.conn)
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Active returns the number of open connections.
func (r *Registry) Active() int {
	n := 0
	for _, c := range r.Snapshot() {
		if c.State == StateOpen {
			n++
		}
	}
	return n
}

// Len returns the number of tracked connections, including retained
// closed ones.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sweep removes closed connections past their retention window and open
// connections idle past the idle timeout. It returns the removed ids.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, e := range r.entries {
		e.mu.Lock()
		var expired bool
		switch e.conn.State {
		case StateOpen:
			expired = r.idleTimeout > 0 && now.Sub(e.conn.LastActivity) >= r.idleTimeout
		default:
			expired = now.Sub(e.conn.ClosedAt) >= r.closedRetention
		}
		e.mu.Unlock()
		if expired {
			delete(r.entries, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}
