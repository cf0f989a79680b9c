// Package stream owns the long-lived event stream to the push server:
// connection attempts, the connection state machine, fixed-interval
// reconnection, and recovery from a rejected registration ticket.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/push-agent/internal/errors"
	"github.com/alexjbarnes/push-agent/internal/pushapi"
	"github.com/alexjbarnes/push-agent/internal/session"
	"github.com/alexjbarnes/push-agent/internal/taskq"
)

const (
	// DefaultReconnectInterval is the fixed delay before reconnecting.
	DefaultReconnectInterval = 30 * time.Second

	// DefaultConnectTimeout bounds how long Connect waits for the first
	// attempt's outcome.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultAuthRecoveryDelay is the wait before asking for a new
	// registration ticket after a 401.
	DefaultAuthRecoveryDelay = 30 * time.Second
)

// StateKind is the observable connection state.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnected
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// State is the connection state. Message is set only for StateError.
type State struct {
	Kind    StateKind
	Message string
}

func (s State) String() string {
	if s.Kind == StateError {
		return fmt.Sprintf("error: %s", s.Message)
	}

	return s.Kind.String()
}

// Transport opens one event stream. *pushapi.SSETransport and
// *pushapi.WSTransport satisfy it.
type Transport interface {
	Open(ctx context.Context, p pushapi.StreamParams) (pushapi.EventStream, error)
}

// RefreshFunc obtains a new registration ticket after the server rejected
// the current one. An empty ticket means recovery is impossible.
type RefreshFunc func(ctx context.Context) (string, error)

// Config wires a Manager to its collaborators.
type Config struct {
	Transport   Transport
	Credentials session.Credentials

	// Queue runs connection attempts and stream events.
	Queue *taskq.Queue
	// AckQueue runs liveness acknowledgements.
	AckQueue *taskq.Queue

	// Ack acknowledges a liveness probe through the API executor.
	Ack func(ctx context.Context, healthCheckID string) error
	// Deliver receives raw message payloads. It runs on Queue.
	Deliver func(raw []byte)
	// OnState observes state changes. It runs with the manager's lock
	// held and must not call back into the Manager.
	OnState func(State)

	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
	AuthRecoveryDelay time.Duration

	Logger *slog.Logger
}

type connectResult struct {
	token string
	err   error
}

// Manager is the connection state machine. Only one connection attempt
// is in flight at a time. Every attempt bumps a generation counter;
// callbacks from an older generation are ignored.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	attemptMu sync.Mutex

	mu             sync.Mutex
	state          State
	params         *pushapi.StreamParams
	refresh        RefreshFunc
	manual         bool
	gen            uint64
	conn           pushapi.EventStream
	connCancel     context.CancelFunc
	reconnectTimer *time.Timer
	recoveryTimer  *time.Timer
	waiter         chan connectResult
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(cfg Config) *Manager {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	if cfg.AuthRecoveryDelay <= 0 {
		cfg.AuthRecoveryDelay = DefaultAuthRecoveryDelay
	}

	if cfg.Deliver == nil {
		cfg.Deliver = func([]byte) {}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "stream")),
		ctx:    ctx,
		cancel: cancel,
		state:  State{Kind: StateDisconnected},
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}

	m.state = s
	m.logger.Info("stream state changed", slog.String("state", s.String()))

	if m.cfg.OnState != nil {
		m.cfg.OnState(s)
	}
}

func (m *Manager) cachedToken() string {
	tok, err := m.cfg.Credentials.Get(session.KeySessionToken, "")
	if err != nil {
		m.logger.Warn("reading session token", slog.String("error", err.Error()))
		return ""
	}

	return tok
}

// Connect starts the stream and waits for the first attempt to yield a
// session token. When already connected, or while a reconnection is
// pending, it returns the stored token instead of starting a new attempt.
// Later reconnections happen in the background.
func (m *Manager) Connect(ctx context.Context, p pushapi.StreamParams, refresh RefreshFunc) (string, error) {
	m.mu.Lock()

	busy := m.state.Kind == StateConnected || m.reconnectTimer != nil || m.recoveryTimer != nil
	if busy {
		if tok := m.cachedToken(); tok != "" {
			m.mu.Unlock()
			m.logger.Debug("already connected or reconnecting, returning stored token")

			return tok, nil
		}
	}

	m.params = &p
	m.refresh = refresh
	m.manual = false
	m.stopTimersLocked()

	w := make(chan connectResult, 1)
	if m.waiter != nil {
		m.waiter <- connectResult{err: apperrors.New(apperrors.KindConnectionFailed, "superseded by a newer connect")}
	}

	m.waiter = w
	connected := m.state.Kind == StateConnected
	m.mu.Unlock()

	// An open stream without a token yet resolves on its CONNECTED event.
	if !connected {
		m.submitAttempt()
	}

	timer := time.NewTimer(m.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case r := <-w:
		return r.token, r.err
	case <-timer.C:
		m.dropWaiter(w)
		return "", apperrors.Newf(apperrors.KindConnectionFailed, "connection timed out after %s", m.cfg.ConnectTimeout)
	case <-ctx.Done():
		m.dropWaiter(w)
		return "", apperrors.Wrap(apperrors.KindConnectionFailed, "waiting for connection", ctx.Err())
	}
}

func (m *Manager) dropWaiter(w chan connectResult) {
	m.mu.Lock()
	if m.waiter == w {
		m.waiter = nil
	}
	m.mu.Unlock()
}

// resolveLocked completes a pending Connect, if any.
func (m *Manager) resolveLocked(token string, err error) {
	if m.waiter == nil {
		return
	}

	m.waiter <- connectResult{token: token, err: err}
	m.waiter = nil
}

// Disconnect stops the stream and suppresses reconnection until the next
// Connect. It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.stopTimersLocked()
	m.gen++

	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}

	conn := m.conn
	m.conn = nil
	m.params = nil
	m.refresh = nil
	m.setStateLocked(State{Kind: StateDisconnected})
	m.resolveLocked("", apperrors.New(apperrors.KindConnectionFailed, "disconnected"))
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Close disconnects and releases the manager. It must not be reused.
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()
}

func (m *Manager) stopTimersLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}

	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}
}

func (m *Manager) submitAttempt() {
	if !m.cfg.Queue.Submit(m.attempt) {
		m.logger.Debug("stream queue stopped, attempt dropped")
	}
}

// attempt opens one stream. Attempts are serialized.
func (m *Manager) attempt(_ context.Context) {
	m.attemptMu.Lock()
	defer m.attemptMu.Unlock()

	m.mu.Lock()
	if m.manual || m.params == nil || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}

	if m.state.Kind == StateConnected {
		m.mu.Unlock()
		m.logger.Debug("already connected, attempt skipped")

		return
	}

	if m.connCancel != nil {
		m.connCancel()
	}

	old := m.conn
	m.conn = nil
	p := *m.params
	m.gen++
	gen := m.gen
	connCtx, cancel := context.WithCancel(m.ctx)
	m.connCancel = cancel
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	m.logger.Debug("opening stream")

	conn, err := m.cfg.Transport.Open(connCtx, p)
	if err != nil {
		m.onFailure(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.manual {
		m.mu.Unlock()
		conn.Close()

		return
	}

	m.conn = conn

	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}

	m.setStateLocked(State{Kind: StateConnected})
	m.mu.Unlock()

	go m.read(connCtx, gen, conn)
}

// read feeds stream events to the queue until the stream ends.
func (m *Manager) read(ctx context.Context, gen uint64, conn pushapi.EventStream) {
	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			conn.Close()
			m.cfg.Queue.Submit(func(context.Context) { m.onClosed(gen, err) })

			return
		}

		m.cfg.Queue.Submit(func(context.Context) { m.handleEvent(gen, ev) })
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return gen == m.gen && !m.manual
}

func (m *Manager) handleEvent(gen uint64, ev pushapi.Event) {
	if !m.current(gen) {
		return
	}

	switch ev.Type {
	case pushapi.EventConnected:
		m.handleConnected(gen, ev)

	case pushapi.EventHealthCheck:
		id := ev.HealthCheckID()
		if id == "" {
			m.logger.Warn("health check without id")
			return
		}

		m.cfg.AckQueue.Submit(func(ctx context.Context) {
			if m.cfg.Ack == nil {
				return
			}

			if err := m.cfg.Ack(ctx, id); err != nil {
				m.logger.Warn("health check ack failed, closing stream",
					slog.String("health_check_id", id),
					slog.String("error", err.Error()),
				)
				m.dropConn(gen)
			}
		})

	case pushapi.EventPushMessage:
		m.cfg.Deliver(ev.Data)

	case pushapi.EventDisconnect:
		// The transport closing drives the state change.
		m.logger.Info("server announced disconnect")

	default:
		m.logger.Debug("ignoring stream event", slog.String("type", string(ev.Type)))
	}
}

func (m *Manager) handleConnected(gen uint64, ev pushapi.Event) {
	tok := ev.SessionToken()

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return
	}

	if tok == "" {
		m.logger.Warn("CONNECTED event without session token")
		m.resolveLocked("", apperrors.New(apperrors.KindConnectionFailed, "could not parse CONNECTED event data"))

		return
	}

	if err := m.cfg.Credentials.Set(session.KeySessionToken, tok); err != nil {
		m.logger.Warn("storing session token", slog.String("error", err.Error()))
	}

	m.logger.Info("stream session established")
	m.resolveLocked(tok, nil)
}

// dropConn cancels the stream of the given generation. The reader then
// reports the closure, which schedules a reconnection.
func (m *Manager) dropConn(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen == m.gen && m.connCancel != nil {
		m.connCancel()
	}
}

func (m *Manager) onClosed(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return
	}

	m.conn = nil
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}

	m.logger.Info("stream closed", slog.String("reason", err.Error()))
	m.setStateLocked(State{Kind: StateDisconnected})
	m.resolveLocked("", apperrors.New(apperrors.KindConnectionFailed, "stream closed before session was established"))

	if !m.manual && m.ctx.Err() == nil {
		m.scheduleReconnectLocked()
	}
}

func (m *Manager) onFailure(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.manual || m.ctx.Err() != nil {
		return
	}

	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}

	m.logger.Warn("stream connection failed", slog.String("error", err.Error()))
	m.setStateLocked(State{Kind: StateError, Message: err.Error()})
	m.resolveLocked("", apperrors.Wrap(apperrors.KindConnectionFailed, "opening stream", err))

	if pushapi.IsUnauthorized(err) {
		m.scheduleRecoveryLocked()
		return
	}

	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the fixed-interval reconnection unless a
// reconnection or auth recovery is already pending.
func (m *Manager) scheduleReconnectLocked() {
	if m.reconnectTimer != nil || m.recoveryTimer != nil {
		return
	}

	m.logger.Info("scheduling reconnection", slog.Duration("delay", m.cfg.ReconnectInterval))

	var t *time.Timer
	t = time.AfterFunc(m.cfg.ReconnectInterval, func() {
		m.mu.Lock()
		if m.reconnectTimer != t {
			m.mu.Unlock()
			return
		}

		m.reconnectTimer = nil
		m.mu.Unlock()

		m.logger.Info("attempting to reconnect")
		m.submitAttempt()
	})
	m.reconnectTimer = t
}

func (m *Manager) scheduleRecoveryLocked() {
	if m.reconnectTimer != nil || m.recoveryTimer != nil {
		return
	}

	m.logger.Info("registration ticket rejected, scheduling refresh", slog.Duration("delay", m.cfg.AuthRecoveryDelay))

	var t *time.Timer
	t = time.AfterFunc(m.cfg.AuthRecoveryDelay, func() {
		m.mu.Lock()
		if m.recoveryTimer != t {
			m.mu.Unlock()
			return
		}

		m.recoveryTimer = nil
		gen := m.gen
		refresh := m.refresh
		m.mu.Unlock()

		m.cfg.Queue.Submit(func(ctx context.Context) { m.recover(ctx, gen, refresh) })
	})
	m.recoveryTimer = t
}

// recover asks for a new registration ticket and reconnects with it. When
// none is available the failure is permanent: the manager disconnects and
// stays in the Error state.
func (m *Manager) recover(ctx context.Context, gen uint64, refresh RefreshFunc) {
	if !m.current(gen) {
		return
	}

	var (
		rID string
		err error
	)

	if refresh != nil {
		rID, err = refresh(ctx)
	}

	m.mu.Lock()
	if gen != m.gen || m.manual || m.params == nil {
		m.mu.Unlock()
		return
	}

	if err == nil && rID != "" {
		m.params.RID = rID
		m.mu.Unlock()

		m.logger.Info("registration ticket refreshed, reconnecting")
		m.attempt(ctx)

		return
	}

	detail := "registration ticket refresh returned nothing"
	if err != nil {
		detail = err.Error()
	}

	w := m.waiter
	m.waiter = nil
	m.mu.Unlock()

	m.logger.Error("permanent authentication failure, stopping stream", slog.String("error", detail))
	m.Disconnect()

	m.mu.Lock()
	m.setStateLocked(State{Kind: StateError, Message: "permanent authentication failure: " + detail})
	m.mu.Unlock()

	if w != nil {
		w <- connectResult{err: apperrors.New(apperrors.KindReAuthenticationFailed, detail)}
	}
}
