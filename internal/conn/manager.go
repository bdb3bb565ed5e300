// ABOUTME: Owns the persistent websocket channel, its state machine and reconnection policy
// ABOUTME: Inbound frames are re-broadcast on the bus as a generic topic plus a type-specific one

package conn

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberchat/ember-go/internal/events"
	"github.com/emberchat/ember-go/internal/wire"
)

// State is the channel lifecycle state. Transitions happen only inside the
// manager; dependents observe them through EventState on the bus.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Synthetic bus topics published by the manager.
const (
	// EventState carries a StateChange payload on every transition.
	EventState = "connection_state"
	// EventFailed is terminal: the reconnection bound was exhausted and no
	// further automatic attempt will be made.
	EventFailed = "connection_failed"
)

// StateChange is the payload of EventState.
type StateChange struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// ReconnectFailed is the payload of EventFailed.
type ReconnectFailed struct {
	Attempts int `json:"attempts"`
}

// ErrNotConnected is returned by Send while the channel is not open.
var ErrNotConnected = errors.New("conn: channel not open")

// Config holds the channel knobs. Zero values fall back to defaults.
type Config struct {
	// URL is the channel base address; the identity passed to Connect is
	// appended as a path segment.
	URL string
	// BaseDelay is the first reconnect delay; attempt n waits BaseDelay*2^n.
	BaseDelay time.Duration
	// MaxAttempts bounds consecutive failed reconnects.
	MaxAttempts int
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
}

// Manager owns one persistent channel. It is constructed once per session
// and passed by reference to everything that needs the channel.
type Manager struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
	dialer *websocket.Dialer

	mu       sync.Mutex
	state    State
	ws       *websocket.Conn
	identity string
	attempts int
	manual   bool // set by Disconnect; suppresses reconnection regardless of close code
	gen      int  // connection generation; stale read loops and timers check it and bail
	timer    *time.Timer
}

// NewManager creates a manager. Pass nil logger for default.
func NewManager(cfg Config, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "conn"),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

// State returns the current channel state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open reports whether the channel is usable for Send.
func (m *Manager) Open() bool {
	return m.State() == StateOpen
}

// Connect opens the channel for the given identity. Any existing channel is
// torn down first, the reconnect attempt counter is reset and the manual
// disconnect flag cleared. A dial failure schedules an automatic reconnect
// and is also returned to the caller.
func (m *Manager) Connect(identity string) error {
	m.mu.Lock()
	m.manual = false
	m.identity = identity
	m.attempts = 0
	m.stopTimerLocked()
	m.closeChannelLocked()
	gen := m.gen
	prev := m.state
	m.state = StateConnecting
	m.mu.Unlock()

	m.publishState(prev, StateConnecting)
	return m.dial(gen)
}

// Disconnect tears the channel down and suppresses all reconnection until
// the next Connect call. Safe to call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.stopTimerLocked()
	if m.ws == nil {
		prev := m.state
		m.state = StateDisconnected
		m.mu.Unlock()
		if prev != StateDisconnected {
			m.publishState(prev, StateDisconnected)
		}
		return
	}
	ws := m.ws
	prev := m.state
	m.state = StateClosing
	m.mu.Unlock()

	m.publishState(prev, StateClosing)

	// Polite close frame, then drop the socket. The read loop observes the
	// closure and completes the transition to disconnected.
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = ws.Close()
}

// Send marshals v as JSON and writes it to the channel. Returns
// ErrNotConnected while the channel is not open; never panics or blocks on
// a dead channel.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen || m.ws == nil {
		return ErrNotConnected
	}
	if err := m.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("conn: send: %w", err)
	}
	return nil
}

// dial performs one connection attempt for the given generation. The caller
// must already have transitioned to StateConnecting.
func (m *Manager) dial(gen int) error {
	m.mu.Lock()
	if gen != m.gen || m.manual {
		m.mu.Unlock()
		return nil
	}
	addr := m.addressLocked()
	m.mu.Unlock()

	ws, resp, err := m.dialer.Dial(addr, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	m.mu.Lock()
	if gen != m.gen || m.manual {
		m.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return nil
	}

	if err != nil {
		prev := m.state
		m.state = StateDisconnected
		scheduled, failed := m.scheduleReconnectLocked(gen)
		m.mu.Unlock()

		m.logger.Warn("channel dial failed", "address", addr, "error", err)
		m.publishState(prev, StateDisconnected)
		m.publishReconnectOutcome(scheduled, failed)
		return fmt.Errorf("conn: dial %s: %w", addr, err)
	}

	m.ws = ws
	m.attempts = 0
	prev := m.state
	m.state = StateOpen
	m.mu.Unlock()

	m.logger.Info("channel open", "address", addr)
	m.publishState(prev, StateOpen)
	go m.readLoop(ws, gen)
	return nil
}

// readLoop pumps inbound frames until the socket dies.
func (m *Manager) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.handleClose(ws, gen, err)
			return
		}
		m.dispatch(data)
	}
}

// dispatch parses one inbound frame and re-broadcasts it: first under its
// own type, then under the generic topic. Malformed frames are logged and
// dropped; they never reach handlers and never kill the read loop.
func (m *Manager) dispatch(data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		m.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	if env.Type == wire.TypePing {
		if err := m.Send(wire.Pong{Type: wire.TypePong}); err != nil {
			m.logger.Warn("pong failed", "error", err)
		}
	}

	m.bus.Publish(env.Type, env)
	m.bus.Publish(events.Topic, env)
}

// handleClose finishes a closed connection's transition and decides whether
// to reconnect.
func (m *Manager) handleClose(ws *websocket.Conn, gen int, cause error) {
	_ = ws.Close()

	m.mu.Lock()
	if gen != m.gen {
		// A newer connection replaced this one; nothing to do.
		m.mu.Unlock()
		return
	}
	m.ws = nil

	manual := m.manual || m.state == StateClosing
	normal := websocket.IsCloseError(cause, websocket.CloseNormalClosure)

	prev := m.state
	m.state = StateDisconnected

	var scheduled, failed bool
	if !manual && !normal {
		scheduled, failed = m.scheduleReconnectLocked(gen)
	}
	m.mu.Unlock()

	if manual {
		m.logger.Debug("channel closed", "cause", cause)
	} else {
		m.logger.Warn("channel lost", "cause", cause, "normal_closure", normal)
	}
	m.publishState(prev, StateDisconnected)
	m.publishReconnectOutcome(scheduled, failed)
}

// scheduleReconnectLocked arms the backoff timer for the next attempt, or
// reports terminal failure once the bound is reached. Returns (scheduled,
// exhausted); the caller publishes outside the lock.
func (m *Manager) scheduleReconnectLocked(gen int) (scheduled, exhausted bool) {
	if m.attempts >= m.cfg.MaxAttempts {
		return false, true
	}

	delay := m.cfg.BaseDelay << m.attempts
	m.attempts++
	attempt := m.attempts

	m.timer = time.AfterFunc(delay, func() { m.redial(gen) })
	m.logger.Info("reconnect scheduled",
		"attempt", attempt,
		"max_attempts", m.cfg.MaxAttempts,
		"delay", delay)
	return true, false
}

// redial is the timer callback: transition to connecting and try again.
func (m *Manager) redial(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.manual || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = StateConnecting
	m.mu.Unlock()

	m.publishState(prev, StateConnecting)
	_ = m.dial(gen)
}

func (m *Manager) publishState(prev, cur State) {
	m.bus.Publish(EventState, wire.Synthetic(EventState, StateChange{
		Previous: prev.String(),
		Current:  cur.String(),
	}))
}

func (m *Manager) publishReconnectOutcome(scheduled, exhausted bool) {
	if !exhausted {
		_ = scheduled
		return
	}
	m.mu.Lock()
	attempts := m.attempts
	m.mu.Unlock()
	m.logger.Error("reconnect attempts exhausted", "attempts", attempts)
	m.bus.Publish(EventFailed, wire.Synthetic(EventFailed, ReconnectFailed{Attempts: attempts}))
}

func (m *Manager) addressLocked() string {
	base := strings.TrimRight(m.cfg.URL, "/")
	if m.identity == "" {
		return base + "/"
	}
	return base + "/" + m.identity + "/"
}

// closeChannelLocked drops the current socket, if any, and bumps the
// generation so its read loop retires silently.
func (m *Manager) closeChannelLocked() {
	m.gen++
	if m.ws != nil {
		_ = m.ws.Close()
		m.ws = nil
	}
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
