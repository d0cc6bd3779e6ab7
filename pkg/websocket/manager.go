package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/anatoly-dev/lobby-sync/pkg/config"
	"github.com/anatoly-dev/lobby-sync/pkg/metrics"
	"github.com/anatoly-dev/lobby-sync/pkg/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateLive           State = "live"
	StateBackoff        State = "backoff"
)

var States = []State{StateDisconnected, StateConnecting, StateAuthenticating, StateLive, StateBackoff}

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 64 << 10
)

var (
	ErrAuthTimeout      = errors.New("authentication acknowledgement timed out")
	ErrAuthRejected     = errors.New("authentication rejected")
	ErrHeartbeatTimeout = errors.New("heartbeat grace window elapsed")
)

// EventHandler receives a domain event from the live channel. data is passed through unmodified.
type EventHandler func(event string, data json.RawMessage)

type StateChange struct {
	From    State
	To      State
	Attempt int
	Err     error
	At      time.Time
}

type Status struct {
	State     State     `json:"state"`
	Degraded  bool      `json:"degraded"`
	Attempt   int       `json:"attempt"`
	LastError string    `json:"lastError,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Since     time.Time `json:"since"`
}

// Manager owns the client side of the live push channel. While the auth signal is true a
// single run loop dials, authenticates, reads until failure and backs off, so there is never
// more than one transport open.
type Manager struct {
	cfg     *config.ConnectionConfig
	dialer  *websocket.Dialer
	backoff Backoff
	logger  *zap.Logger
	metrics *metrics.ConnectionMetrics

	handlersMu     sync.RWMutex
	handlers       map[string]EventHandler
	defaultHandler EventHandler
	onStateChange  []func(StateChange)
	onLive         []func()
	onTeardown     []func()

	authMu     sync.Mutex
	mu         sync.Mutex
	status     Status
	credential string
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewManager(cfg *config.ConnectionConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		backoff: Backoff{
			Min:    cfg.BackoffMin,
			Max:    cfg.BackoffMax,
			Jitter: cfg.BackoffJitter,
		},
		logger:   logger,
		handlers: make(map[string]EventHandler),
		status: Status{
			State: StateDisconnected,
			Since: time.Now(),
		},
	}
}

func (m *Manager) SetMetrics(metrics *metrics.ConnectionMetrics) {
	m.metrics = metrics
	m.setStateGauge(StateDisconnected)
}

func (m *Manager) RegisterHandler(event string, handler EventHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[event] = handler
}

// SetDefaultHandler receives events that have no registered handler.
func (m *Manager) SetDefaultHandler(handler EventHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.defaultHandler = handler
}

func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onStateChange = append(m.onStateChange, fn)
}

// OnLive hooks run in their own goroutine on every transition to Live.
func (m *Manager) OnLive(fn func()) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onLive = append(m.onLive, fn)
}

// OnTeardown hooks run after the run loop has exited on logout.
func (m *Manager) OnTeardown(fn func()) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onTeardown = append(m.onTeardown, fn)
}

// SetAuth applies the external authentication signal. A true signal starts the run loop if
// it is not running; the credential is used from the next handshake on. A false signal
// closes the transport, waits for the loop to exit and runs teardown hooks.
// Hooks must not call SetAuth.
func (m *Manager) SetAuth(authenticated bool, credential string) {
	m.authMu.Lock()
	defer m.authMu.Unlock()

	if authenticated {
		m.mu.Lock()
		m.credential = credential
		if m.cancel != nil {
			m.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.done = make(chan struct{})
		done := m.done
		m.mu.Unlock()

		m.logger.Info("Authentication signal raised, starting live channel")
		go m.run(ctx, done)
		return
	}

	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.credential = ""
	m.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done

	m.transition(StateDisconnected, 0, nil, "")
	m.setDegraded(false)

	m.logger.Info("Authentication signal dropped, live channel torn down")

	m.handlersMu.RLock()
	hooks := append([]func(){}, m.onTeardown...)
	m.handlersMu.RUnlock()
	for _, hook := range hooks {
		m.guard("teardown hook", hook)
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Running reports whether the run loop is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Manager) Close() {
	m.SetAuth(false, "")
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	failures := 0

	for {
		liveFor, reachedLive, err := m.session(ctx, attempt)
		if ctx.Err() != nil {
			return
		}

		if reachedLive {
			m.transition(StateDisconnected, attempt, err, "")
			failures = 0
			if liveFor >= m.cfg.StableThreshold {
				attempt = 0
			}
		}
		failures++

		delay := m.backoff.Next(attempt)
		attempt++

		degraded := m.cfg.MaxRetries > 0 && failures >= m.cfg.MaxRetries
		m.setDegraded(degraded)

		if m.metrics != nil {
			m.metrics.Failures.WithLabelValues(failureReason(err)).Inc()
		}
		m.logger.Warn("Live channel failed, backing off",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Bool("degraded", degraded))

		m.transition(StateBackoff, attempt, err, "")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connect, authenticate, live cycle and returns how long it stayed Live.
func (m *Manager) session(ctx context.Context, attempt int) (time.Duration, bool, error) {
	sessionID := uuid.New().String()
	m.transition(StateConnecting, attempt, nil, sessionID)

	if m.metrics != nil {
		m.metrics.ConnectAttempts.Inc()
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, resp, err := m.dialer.DialContext(dialCtx, m.cfg.URL, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return 0, false, fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}
	defer conn.Close()

	// Logout closes the transport so that a blocked read returns immediately.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	conn.SetReadLimit(maxFrameSize)

	m.transition(StateAuthenticating, attempt, nil, sessionID)
	opened := time.Now()

	if err := m.authenticate(conn, sessionID); err != nil {
		return 0, false, err
	}

	if m.metrics != nil {
		m.metrics.AuthLatency.Observe(time.Since(opened).Seconds())
	}

	liveSince := time.Now()
	m.setDegraded(false)
	m.transition(StateLive, attempt, nil, sessionID)
	m.logger.Info("Live channel established",
		zap.String("sessionID", sessionID),
		zap.Duration("authLatency", liveSince.Sub(opened)))
	m.fireLive()

	err = m.readPump(conn)
	liveFor := time.Since(liveSince)

	if m.metrics != nil {
		m.metrics.LiveDuration.Observe(liveFor.Seconds())
	}
	return liveFor, true, err
}

func (m *Manager) authenticate(conn *websocket.Conn, sessionID string) error {
	m.mu.Lock()
	credential := m.credential
	m.mu.Unlock()

	env, err := models.NewEnvelope(models.EventAuthenticate, models.Authenticate{
		Token:     credential,
		SessionID: sessionID,
	})
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(m.cfg.AuthTimeout))
	for {
		reply, err := m.readEnvelope(conn)
		if err != nil {
			if isTimeout(err) {
				return ErrAuthTimeout
			}
			return fmt.Errorf("await authentication: %w", err)
		}

		switch reply.Event {
		case models.EventAuthenticated:
			return nil
		case models.EventAuthError:
			var authErr models.AuthError
			_ = json.Unmarshal(reply.Data, &authErr)
			return fmt.Errorf("%w: %s", ErrAuthRejected, authErr.Message)
		default:
			m.logger.Debug("Ignoring event before authentication",
				zap.String("event", reply.Event))
		}
	}
}

func (m *Manager) readPump(conn *websocket.Conn) error {
	grace := m.cfg.HeartbeatGrace
	conn.SetReadDeadline(time.Now().Add(grace))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(grace))
	})

	done := make(chan struct{})
	defer close(done)
	go m.pingPump(conn, done)

	for {
		env, err := m.readEnvelope(conn)
		if err != nil {
			if isTimeout(err) {
				if m.metrics != nil {
					m.metrics.HeartbeatsMissed.Inc()
				}
				return ErrHeartbeatTimeout
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Info("Live channel closed unexpectedly", zap.Error(err))
			}
			return fmt.Errorf("read: %w", err)
		}

		if env.Event == models.EventHeartbeat {
			conn.SetReadDeadline(time.Now().Add(grace))
			continue
		}
		m.dispatch(env)
	}
}

// pingPump sends control pings; WriteControl is safe alongside the reader.
func (m *Manager) pingPump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				m.logger.Debug("Ping failed", zap.Error(err))
				return
			}
		}
	}
}

// readEnvelope returns the next well-formed frame. Malformed frames are logged and skipped.
func (m *Manager) readEnvelope(conn *websocket.Conn) (*models.Envelope, error) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		if m.metrics != nil {
			m.metrics.BytesReceived.Add(float64(len(message)))
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			m.logger.Warn("Dropping malformed frame",
				zap.Error(err),
				zap.Int("size", len(message)))
			continue
		}

		if m.metrics != nil {
			m.metrics.EventsReceived.WithLabelValues(env.Event).Inc()
		}
		return &env, nil
	}
}

func (m *Manager) dispatch(env *models.Envelope) {
	m.handlersMu.RLock()
	handler, ok := m.handlers[env.Event]
	if !ok {
		handler = m.defaultHandler
	}
	m.handlersMu.RUnlock()

	if handler == nil {
		m.logger.Debug("No handler for event", zap.String("event", env.Event))
		return
	}
	m.guard("event handler "+env.Event, func() {
		handler(env.Event, env.Data)
	})
}

func (m *Manager) fireLive() {
	m.handlersMu.RLock()
	hooks := append([]func(){}, m.onLive...)
	m.handlersMu.RUnlock()

	for _, hook := range hooks {
		hook := hook
		go m.guard("live hook", hook)
	}
}

func (m *Manager) transition(to State, attempt int, err error, sessionID string) {
	now := time.Now()

	m.mu.Lock()
	from := m.status.State
	m.status.State = to
	m.status.Attempt = attempt
	m.status.Since = now
	if err != nil {
		m.status.LastError = err.Error()
	}
	switch to {
	case StateConnecting, StateAuthenticating, StateLive:
		m.status.SessionID = sessionID
	case StateDisconnected:
		m.status.SessionID = ""
		m.status.LastError = ""
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Transitions.WithLabelValues(string(to)).Inc()
		m.setStateGauge(to)
	}

	m.logger.Debug("Live channel state change",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("attempt", attempt))

	m.handlersMu.RLock()
	hooks := append([]func(StateChange){}, m.onStateChange...)
	m.handlersMu.RUnlock()

	change := StateChange{From: from, To: to, Attempt: attempt, Err: err, At: now}
	for _, hook := range hooks {
		m.guard("state hook", func() { hook(change) })
	}
}

func (m *Manager) setDegraded(degraded bool) {
	m.mu.Lock()
	changed := m.status.Degraded != degraded
	m.status.Degraded = degraded
	m.mu.Unlock()

	if !changed {
		return
	}
	if m.metrics != nil {
		if degraded {
			m.metrics.Degraded.Set(1)
		} else {
			m.metrics.Degraded.Set(0)
		}
	}
	if degraded {
		m.logger.Error("Retries exhausted, notifications are offline",
			zap.Int("maxRetries", m.cfg.MaxRetries))
	}
}

func (m *Manager) setStateGauge(current State) {
	if m.metrics == nil {
		return
	}
	for _, s := range States {
		if s == current {
			m.metrics.State.WithLabelValues(string(s)).Set(1)
		} else {
			m.metrics.State.WithLabelValues(string(s)).Set(0)
		}
	}
}

// guard keeps a panicking callback from taking the run loop down with it.
func (m *Manager) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Recovered from panic in callback",
				zap.String("callback", name),
				zap.Any("panic", r))
		}
	}()
	fn()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrAuthTimeout):
		return "auth_timeout"
	case errors.Is(err, ErrAuthRejected):
		return "auth_rejected"
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return "closed"
	}
	return "transport"
}
