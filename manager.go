package pushstream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Connection State
// ============================================================================

// State is the connection manager's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateError      State = "error"
	StateDisabled   State = "disabled"
)

// handle is one dialed connection. Callbacks are bound to their handle so
// events from a superseded connection can be recognised and ignored.
type handle struct {
	id   string
	conn Conn
	gen  uint64
}

// ============================================================================
// Connection Manager
// ============================================================================

// Manager owns the single streaming connection of the process. It resolves
// the credential, composes the endpoint URL from the current topics, reconnects
// with exponential backoff and hands inbound frames to the Router.
//
// Suspension points (credential refresh, dial, close) run without the lock;
// each connect attempt carries a generation number and drops its result when
// the generation moved on in the meantime.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	state  State
	topics string

	conn    *handle
	closing *handle
	gen     uint64

	retryCount  int
	retryTimer  Timer
	retrySeq    uint64
	manualClose bool
	// pendingReconnect asks for close-then-reopen once the in-flight
	// attempt or closing handle settles.
	pendingReconnect bool
	shutdown         bool

	dialer Dialer
	creds  CredentialSource
	router *Router
	clock  Clock
	rand   func() float64
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	hooksMu        sync.Mutex
	onReconnecting []func(attempt int, delay time.Duration)
	onState        []func(State)
}

// NewManager creates a manager in state idle. creds may be nil, in which
// case every connect attempt ends idle for lack of a credential.
func NewManager(cfg Config, dialer Dialer, creds CredentialSource, router *Router, rt Runtime) *Manager {
	rt = rt.withDefaults()
	cfg.sanitize()
	if router == nil {
		router = NewRouter(*rt.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		state:  StateIdle,
		dialer: dialer,
		creds:  creds,
		router: router,
		clock:  rt.Clock,
		rand:   rt.Rand,
		log:    rt.logger("manager"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Router returns the router inbound frames are dispatched to.
func (m *Manager) Router() *Router { return m.router }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Topics returns the canonical subscription string.
func (m *Manager) Topics() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topics
}

// Config returns a copy of the active configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// RetryCount returns the number of reconnects scheduled since the last open.
func (m *Manager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// OnReconnecting registers an observer notified whenever a reconnect is
// scheduled. Observers run on their own goroutine.
func (m *Manager) OnReconnecting(h func(attempt int, delay time.Duration)) {
	m.hooksMu.Lock()
	m.onReconnecting = append(m.onReconnecting, h)
	m.hooksMu.Unlock()
}

// OnStateChange registers an observer notified of every state transition.
// Observers run on their own goroutine.
func (m *Manager) OnStateChange(h func(State)) {
	m.hooksMu.Lock()
	m.onState = append(m.onState, h)
	m.hooksMu.Unlock()
}

// Connect opens the stream if it is not already open or opening. It returns
// once the attempt has been handed to the transport or abandoned; the outcome
// is observable through State.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	switch {
	case m.shutdown:
		m.mu.Unlock()
		return
	case !m.cfg.Enabled:
		m.setStateLocked(StateDisabled)
		m.mu.Unlock()
		return
	case m.cfg.URL == "":
		m.stopReconnectLocked()
		m.setStateLocked(StateDisabled)
		m.mu.Unlock()
		return
	case m.state == StateConnecting || m.state == StateOpen:
		m.mu.Unlock()
		return
	case m.closing != nil:
		// The previous handle has not reported close yet; its close
		// callback starts the next attempt.
		m.manualClose = false
		m.pendingReconnect = true
		m.mu.Unlock()
		return
	}
	m.manualClose = false
	m.clearRetryTimerLocked()
	m.setStateLocked(StateConnecting)
	m.gen++
	gen := m.gen
	refresh := m.cfg.RefreshCredential
	m.mu.Unlock()

	token := m.resolveCredential(ctx, refresh)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.log.Debug().Uint64("gen", gen).Msg("connect attempt superseded during credential resolution")
		return
	}
	if token == "" {
		m.stopReconnectLocked()
		m.setStateLocked(StateIdle)
		m.mu.Unlock()
		m.log.Info().Msg("no valid credential, staying idle")
		return
	}
	target := BuildURL(m.cfg.URL, token, m.topics)
	m.pendingReconnect = false
	m.mu.Unlock()

	m.log.Debug().Str("url", redactURL(target)).Uint64("gen", gen).Msg("dialing")
	conn, err := m.dialer.Dial(ctx, target)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			m.closeConn(conn)
		}
		m.log.Debug().Uint64("gen", gen).Msg("connect attempt superseded during dial")
		return
	}
	if err != nil {
		m.setStateLocked(StateError)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.log.Warn().Err(err).Str("url", redactURL(target)).Msg("dial failed")
		return
	}
	h := &handle{id: uuid.NewString(), conn: conn, gen: gen}
	m.conn = h
	m.mu.Unlock()

	conn.Listen(m.eventsFor(h))
}

// Disconnect closes the stream and suppresses automatic reconnects until the
// next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	c := m.disconnectLocked(true, true)
	m.mu.Unlock()
	m.closeConn(c)
}

// SetTopics replaces the subscription. Changing it while open or connecting
// reopens the stream with the new topics; an empty subscription closes it.
func (m *Manager) SetTopics(topics ...string) {
	next := NormalizeTopics(topics...)

	m.mu.Lock()
	changed := next != m.topics
	m.topics = next
	if !m.cfg.Enabled {
		m.mu.Unlock()
		return
	}
	var c Conn
	connect := false
	switch {
	case next == "":
		c = m.disconnectLocked(true, true)
	case changed && (m.state == StateOpen || m.state == StateConnecting):
		c, connect = m.requestReconnectLocked()
	}
	m.mu.Unlock()

	m.closeConn(c)
	if connect {
		m.Connect(m.ctx)
	}
}

// Configure applies opts to the active configuration. Disabling the stream
// closes it and moves to state disabled.
func (m *Manager) Configure(opts ...Option) {
	m.mu.Lock()
	for _, opt := range opts {
		opt(&m.cfg)
	}
	m.cfg.sanitize()
	var c Conn
	if !m.cfg.Enabled {
		c = m.disconnectLocked(true, true)
		m.setStateLocked(StateDisabled)
	}
	m.mu.Unlock()
	m.closeConn(c)
}

// Shutdown disconnects and releases the manager. Later calls to Connect are
// ignored.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	c := m.disconnectLocked(true, true)
	m.mu.Unlock()
	m.closeConn(c)
	m.cancel()
}

// ----------------------------------------------------------------------------
// Credential resolution
// ----------------------------------------------------------------------------

func (m *Manager) resolveCredential(ctx context.Context, refresh bool) string {
	if m.creds == nil {
		return ""
	}
	if token := m.creds.CurrentValidCredential(); token != "" {
		return token
	}
	if !refresh {
		return ""
	}
	if err := m.creds.Refresh(ctx); err != nil {
		m.log.Warn().Err(err).Msg("credential refresh failed, invalidating")
		m.creds.Invalidate()
		return ""
	}
	return m.creds.CurrentValidCredential()
}

// ----------------------------------------------------------------------------
// Transport callbacks
// ----------------------------------------------------------------------------

func (m *Manager) eventsFor(h *handle) TransportEvents {
	return TransportEvents{
		OnOpen:    func() { m.handleOpen(h) },
		OnMessage: func(payload any) { m.handleMessage(h, payload) },
		OnClose:   func(code int, reason string) { m.handleClose(h, code, reason) },
		OnError:   func(err error) { m.handleError(h, err) },
	}
}

func (m *Manager) handleOpen(h *handle) {
	m.mu.Lock()
	if m.conn != h {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateOpen)
	m.retryCount = 0
	m.clearRetryTimerLocked()
	var stale Conn
	if m.pendingReconnect {
		// Topics changed while dialing.
		stale = m.disconnectLocked(false, false)
	}
	m.mu.Unlock()

	m.log.Info().Str("conn", h.id).Msg("stream open")
	m.closeConn(stale)
}

func (m *Manager) handleMessage(h *handle, payload any) {
	m.mu.Lock()
	live := m.conn == h
	m.mu.Unlock()
	if !live {
		return
	}
	frame, ok := DecodeFrame(payload)
	if !ok {
		m.log.Debug().Str("conn", h.id).Msg("dropping undecodable frame")
		return
	}
	m.router.Dispatch(frame)
}

func (m *Manager) handleClose(h *handle, code int, reason string) {
	m.mu.Lock()
	switch h {
	case m.closing:
		m.closing = nil
		if !m.pendingReconnect || m.shutdown {
			m.mu.Unlock()
			return
		}
		m.pendingReconnect = false
		m.manualClose = false
		m.mu.Unlock()
		m.log.Debug().Str("conn", h.id).Msg("previous stream closed, reconnecting")
		m.Connect(m.ctx)
	case m.conn:
		m.conn = nil
		m.setStateLocked(StateClosed)
		if !m.manualClose {
			m.scheduleReconnectLocked()
		}
		m.mu.Unlock()
		m.log.Info().Str("conn", h.id).Int("code", code).Str("reason", reason).Msg("stream closed")
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) handleError(h *handle, err error) {
	m.mu.Lock()
	if m.conn != h || m.manualClose {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateError)
	m.scheduleReconnectLocked()
	m.mu.Unlock()
	m.log.Warn().Err(err).Str("conn", h.id).Msg("stream error")
}

// ----------------------------------------------------------------------------
// Reconnect bookkeeping (m.mu held)
// ----------------------------------------------------------------------------

// disconnectLocked detaches the live handle and returns its conn for the
// caller to close after unlocking. The handle stays in the closing slot
// until its close callback arrives.
func (m *Manager) disconnectLocked(manual, resetPending bool) Conn {
	if manual {
		m.manualClose = true
		m.retryCount = 0
	}
	if resetPending {
		m.pendingReconnect = false
	}
	m.clearRetryTimerLocked()
	m.gen++
	var c Conn
	if m.conn != nil {
		c = m.conn.conn
		m.closing = m.conn
		m.conn = nil
	}
	m.setStateLocked(StateClosed)
	return c
}

// requestReconnectLocked coalesces reconnect requests. It reports a conn to
// close, or whether the caller should start Connect itself.
func (m *Manager) requestReconnectLocked() (Conn, bool) {
	m.pendingReconnect = true
	switch {
	case m.state == StateConnecting:
		// The attempt composes its URL after credential resolution, or
		// reopens on open if it is already dialing.
		return nil, false
	case m.conn != nil:
		return m.disconnectLocked(false, false), false
	case m.closing != nil:
		return nil, false
	}
	m.pendingReconnect = false
	m.manualClose = false
	return nil, true
}

func (m *Manager) scheduleReconnectLocked() {
	if m.manualClose || m.shutdown || !m.cfg.Enabled || m.retryTimer != nil {
		return
	}
	if m.cfg.MaxRetries <= 0 || m.retryCount >= m.cfg.MaxRetries {
		m.log.Warn().Int("retries", m.retryCount).Msg("reconnect attempts exhausted")
		return
	}
	delay := BackoffDelay(m.retryCount, m.cfg.BaseDelay, m.cfg.MaxDelay, m.rand)
	m.retryCount++
	attempt := m.retryCount
	m.retrySeq++
	seq := m.retrySeq
	m.retryTimer = m.clock.AfterFunc(delay, func() { m.fireRetry(seq) })

	m.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
	m.hooksMu.Lock()
	hooks := append([]func(int, time.Duration){}, m.onReconnecting...)
	m.hooksMu.Unlock()
	for _, h := range hooks {
		go h(attempt, delay)
	}
}

func (m *Manager) fireRetry(seq uint64) {
	m.mu.Lock()
	if seq != m.retrySeq || m.retryTimer == nil {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	c, connect := m.requestReconnectLocked()
	m.mu.Unlock()

	m.closeConn(c)
	if connect {
		m.Connect(m.ctx)
	}
}

func (m *Manager) clearRetryTimerLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retrySeq++
}

func (m *Manager) stopReconnectLocked() {
	m.manualClose = true
	m.pendingReconnect = false
	m.clearRetryTimerLocked()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	prev := m.state
	m.state = s
	m.log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("state")

	m.hooksMu.Lock()
	hooks := append([]func(State){}, m.onState...)
	m.hooksMu.Unlock()
	for _, h := range hooks {
		go h(s)
	}
}

func (m *Manager) closeConn(c Conn) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		m.log.Debug().Err(err).Msg("close stream")
	}
}
