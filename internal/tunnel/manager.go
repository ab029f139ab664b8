// Package tunnel maintains the control-channel session with the cloud
// service: dialing, authentication, heartbeats and reconnection.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rsclarke/wpsrelay/internal/envelope"
	"github.com/rsclarke/wpsrelay/internal/events"
	"github.com/rsclarke/wpsrelay/internal/logging"
)

// Session defaults.
const (
	DefaultHeartbeatInterval   = 10 * time.Second
	DefaultMaxMissedHeartbeats = 2
	DefaultHandshakeTimeout    = 15 * time.Second
	DefaultWriteTimeout        = 10 * time.Second
)

var (
	// ErrAuthRejected is returned when the cloud service refuses the
	// credential. It is terminal: the session is closed without retry.
	ErrAuthRejected = errors.New("credential rejected")

	// ErrNotConnected is returned when writing to a channel that is no
	// longer the live connection.
	ErrNotConnected = errors.New("control channel not connected")

	errHeartbeatLost = errors.New("heartbeat lost")
	errServerClosed  = errors.New("closed by service")
)

// Credential produces the access token presented when dialing.
type Credential interface {
	Token(audience string) (string, error)
	Kind() string
}

// Handler receives every event decoded on the control channel. reply
// writes to the connection the event arrived on.
type Handler interface {
	HandleEvent(ctx context.Context, reply events.Replier, ev events.TunnelEvent)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, reply events.Replier, ev events.TunnelEvent)

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, reply events.Replier, ev events.TunnelEvent) {
	f(ctx, reply, ev)
}

// Config controls the session.
type Config struct {
	Endpoint            string
	Hub                 string
	Credential          Credential
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	BackoffMin          time.Duration
	BackoffMax          time.Duration
	HandshakeTimeout    time.Duration
	WriteTimeout        time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = DefaultMaxMissedHeartbeats
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	SessionID     string
	State         State
	Reason        string
	Endpoint      string
	Hub           string
	Credential    string
	Attempt       int
	Since         time.Time
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// Manager owns the control-channel session. At most one physical
// connection is live at a time.
type Manager struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger
	dialer  *websocket.Dialer
	now     func() time.Time
	started atomic.Bool

	mu        sync.RWMutex
	snap      Snapshot
	listeners []func(Snapshot)
}

// NewManager validates cfg and returns a Manager in state Disconnected.
func NewManager(cfg Config, handler Handler, logger *zap.Logger) (*Manager, error) {
	if handler == nil {
		return nil, errors.New("tunnel: handler is required")
	}
	if _, err := ControlURL(cfg.Endpoint, cfg.Hub); err != nil {
		return nil, fmt.Errorf("tunnel: %w", err)
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(logging.Component("tunnel"), logging.Hub(cfg.Hub)),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		now: time.Now,
	}
	m.snap = Snapshot{
		State:    StateDisconnected,
		Endpoint: cfg.Endpoint,
		Hub:      cfg.Hub,
		Since:    m.now(),
	}
	if cfg.Credential != nil {
		m.snap.Credential = cfg.Credential.Kind()
	}
	return m, nil
}

// OnStateChange registers fn to be called after every state transition.
// fn runs on the goroutine that made the transition and must not block.
func (m *Manager) OnStateChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Snapshot returns the current session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Run connects and keeps the session alive until ctx is cancelled or the
// credential is rejected. It returns nil on cancellation.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("tunnel: manager already started")
	}

	bo := newBackoff(m.cfg.BackoffMin, m.cfg.BackoffMax)
	endpoint := m.cfg.Endpoint
	attempt := 0

	for {
		attempt++
		m.update(func(s *Snapshot) {
			s.Attempt = attempt
			s.Endpoint = endpoint
			s.SessionID = ""
		})
		m.transition(StateConnecting, "")

		conn, err := m.dial(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				m.transition(StateClosed, "shutdown")
				return nil
			}
			if errors.Is(err, ErrAuthRejected) {
				m.logger.Error("credential rejected, giving up", zap.Error(err), logging.Endpoint(endpoint))
				m.transition(StateClosed, err.Error())
				return err
			}
			delay := bo.Next()
			m.logger.Warn("connect failed",
				zap.Error(err),
				logging.Endpoint(endpoint),
				logging.Attempt(attempt),
				logging.Backoff(delay),
			)
			if endpoint != m.cfg.Endpoint {
				m.logger.Info("redirect target unreachable, returning to configured endpoint",
					logging.Endpoint(m.cfg.Endpoint))
				endpoint = m.cfg.Endpoint
			}
			m.transition(StateReconnecting, err.Error())
			if !sleep(ctx, delay) {
				m.transition(StateClosed, "shutdown")
				return nil
			}
			continue
		}

		bo.Reset()
		attempt = 0
		err = m.serve(ctx, conn, endpoint)
		if ctx.Err() != nil {
			m.transition(StateClosed, "shutdown")
			return nil
		}

		// A redirect is followed immediately. Anything else backs off.
		var rr *reconnectRequest
		if errors.As(err, &rr) {
			endpoint = m.redirectTarget(rr.endpoint)
			m.transition(StateReconnecting, err.Error())
			continue
		}
		delay := bo.Next()
		m.logger.Warn("control channel lost", zap.Error(err), logging.Backoff(delay))
		m.transition(StateReconnecting, err.Error())
		if !sleep(ctx, delay) {
			m.transition(StateClosed, "shutdown")
			return nil
		}
	}
}

func (m *Manager) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	controlURL, err := ControlURL(endpoint, m.cfg.Hub)
	if err != nil {
		return nil, err
	}
	target := controlURL
	if m.cfg.Credential != nil {
		token, err := m.cfg.Credential.Token(controlURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		target = withAccessToken(controlURL, token)
	}

	conn, resp, err := m.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake returned %s", ErrAuthRejected, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", controlURL, err)
	}
	return conn, nil
}

type reconnectRequest struct {
	endpoint string
	reason   string
}

func (r *reconnectRequest) Error() string {
	if r.reason == "" {
		return "reconnect requested by service"
	}
	return "reconnect requested by service: " + r.reason
}

// redirectTarget picks the endpoint to dial after a Reconnect frame. An
// empty or unusable target means the configured endpoint.
func (m *Manager) redirectTarget(target string) string {
	if target == "" {
		return m.cfg.Endpoint
	}
	if _, err := ControlURL(target, m.cfg.Hub); err != nil {
		m.logger.Warn("ignoring invalid redirect", zap.Error(err), logging.Endpoint(target))
		return m.cfg.Endpoint
	}
	return target
}

// serve runs one connected session until it fails or ctx is done.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn, endpoint string) error {
	sessionID := uuid.NewString()
	ch := newChannel(conn, m.cfg.WriteTimeout)
	now := m.now()
	m.update(func(s *Snapshot) {
		s.SessionID = sessionID
		s.Endpoint = endpoint
		s.ConnectedAt = now
		s.LastHeartbeat = now
		s.Attempt = 0
	})
	m.transition(StateConnected, "")

	logger := m.logger.With(logging.SessionID(sessionID))
	logger.Info("control channel connected", logging.Endpoint(endpoint))

	var outstanding atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.readLoop(gctx, conn, ch, &outstanding, logger)
	})
	g.Go(func() error {
		return m.heartbeat(gctx, ch, &outstanding)
	})
	g.Go(func() error {
		<-gctx.Done()
		ch.close()
		return nil
	})
	err := g.Wait()

	var rr *reconnectRequest
	if errors.As(err, &rr) {
		logger.Info("service requested reconnect", logging.Endpoint(rr.endpoint), logging.Reason(rr.reason))
	}
	return err
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, ch *channel, outstanding *atomic.Int32, logger *zap.Logger) error {
	for {
		_, r, err := conn.NextReader()
		if err != nil {
			return fmt.Errorf("read control channel: %w", err)
		}
		data, err := envelope.ReadFrame(r)
		if errors.Is(err, envelope.ErrDecode) {
			logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		if err != nil {
			return fmt.Errorf("read control channel: %w", err)
		}
		f, err := envelope.Decode(data)
		if err != nil {
			logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}

		switch f.Kind {
		case envelope.KindPong:
			outstanding.Store(0)
			now := m.now()
			m.update(func(s *Snapshot) { s.LastHeartbeat = now })
		case envelope.KindPing:
			if err := ch.sendFrame(envelope.Pong(f)); err != nil {
				return fmt.Errorf("answer ping: %w", err)
			}
		case envelope.KindServiceStatus:
			logger.Info("service status", zap.String("message", f.Header.Message))
		case envelope.KindReconnect:
			return &reconnectRequest{endpoint: f.Header.Endpoint, reason: f.Header.Reason}
		case envelope.KindClose:
			return fmt.Errorf("%w: %s", errServerClosed, f.Header.Reason)
		case envelope.KindResponse:
			logger.Warn("ignoring response frame from service", logging.ConnectionID(f.Header.ConnectionID))
		default:
			ev, err := f.Event()
			if err != nil {
				logger.Warn("dropping frame", zap.Error(err))
				continue
			}
			ev.ReceivedAt = m.now()
			m.handler.HandleEvent(ctx, ch, ev)
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context, ch *channel, outstanding *atomic.Int32) error {
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if int(outstanding.Load()) >= m.cfg.MaxMissedHeartbeats {
				return fmt.Errorf("%w: %d pings unanswered", errHeartbeatLost, outstanding.Load())
			}
			if err := ch.sendFrame(envelope.Ping(m.now())); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
			outstanding.Add(1)
		}
	}
}

func (m *Manager) update(fn func(*Snapshot)) {
	m.mu.Lock()
	fn(&m.snap)
	m.mu.Unlock()
}

// transition moves the session to state to. Transitions the state machine
// does not allow are logged and ignored.
func (m *Manager) transition(to State, reason string) {
	m.mu.Lock()
	from := m.snap.State
	if !from.CanTransition(to) {
		m.mu.Unlock()
		m.logger.Error("invalid state transition",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		return
	}
	m.snap.State = to
	m.snap.Reason = reason
	m.snap.Since = m.now()
	snap := m.snap
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	m.logger.Debug("state changed",
		zap.String("from", from.String()),
		logging.State(to.String()),
		logging.Reason(reason),
	)
	for _, fn := range listeners {
		fn(snap)
	}
}
