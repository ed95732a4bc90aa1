// Package connection owns the WebSocket lifecycle for one sync topic: dial,
// keepalive, closure handling, and reconnection with exponential backoff.
// Transport errors stay inside this package; the only error that crosses the
// boundary is the terminal one raised when reconnect attempts are exhausted.
package connection

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opswatch/jobsync/internal/backoff"
	"github.com/opswatch/jobsync/internal/protocol"
	"github.com/opswatch/jobsync/pkg/debug"
)

// State identifies the lifecycle phase of a managed channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String returns a human-readable representation of the connection state
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

// Default connection timing values
const (
	defaultWriteWait     = 10 * time.Second
	defaultPongWait      = 60 * time.Second
	defaultPingPeriod    = 25 * time.Second
	defaultDirectedDelay = 500 * time.Millisecond
	defaultMaxAttempts   = 5
	maxMessageSize       = 512 * 1024 // 512KB
)

// ErrReconnectExhausted is surfaced once, wrapped with attempt detail, when
// automatic reconnection gives up. The caller may still retry manually via
// Connect.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Config carries the tunables for one managed connection.
type Config struct {
	// URL is the WebSocket endpoint for this topic.
	URL string
	// Header is sent with the dial request (API key, client identity).
	Header http.Header

	// Policy is the backoff schedule for abnormal closures.
	Policy backoff.Policy
	// MaxAttempts bounds consecutive failed reconnects before the terminal
	// connectivity error is surfaced.
	MaxAttempts uint

	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	// DirectedDelay is the short fixed delay used for server-directed
	// reconnects, independent of the backoff schedule.
	DirectedDelay time.Duration

	// Dialer overrides the default dialer (tests, custom TLS).
	Dialer *websocket.Dialer
}

// Callbacks receives connection events. For one live connection, OnMessage
// calls are serialized in delivery order.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(raw []byte)
	OnClose   func(code int)
	// OnError receives only the terminal exhausted-reconnect error.
	OnError func(err error)
}

// Manager owns one WebSocket channel at a time for a single topic, together
// with every timer attached to it. All reconnection decisions are made here.
type Manager struct {
	cfg Config
	cb  Callbacks

	mu             sync.Mutex
	state          State
	ws             *websocket.Conn
	attempt        uint
	closed         bool // explicit Disconnect: suppress reconnects and callbacks
	directed       bool // a server-directed reconnect is cycling the channel
	gen            int  // dial generation; events from stale connections are ignored
	reconnectTimer *time.Timer
	pingStop       chan struct{}

	// writeMu serializes control-frame writes (keepalive ping, close)
	writeMu sync.Mutex
}

// New creates a manager for the given endpoint. Zero config fields fall back
// to defaults.
func New(cfg Config, cb Callbacks) *Manager {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.DirectedDelay <= 0 {
		cfg.DirectedDelay = defaultDirectedDelay
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Policy == (backoff.Policy{}) {
		cfg.Policy = backoff.Default()
	}
	return &Manager{cfg: cfg, cb: cb}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the current reconnection attempt count.
func (m *Manager) Attempt() uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Connect transitions Disconnected -> Connecting and dials asynchronously.
// Calling it while already Connecting or Open is a no-op, so duplicate
// initialization from the layer above cannot produce a second channel.
// Connect restarts the attempt counter: a caller retrying from the exhausted
// state walks the full backoff schedule again.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		debug.Debug("Connect ignored, channel already %s", m.state)
		return
	}
	m.closed = false
	m.attempt = 0
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.dial(gen)
}

// reconnect is the timer callback for scheduled redials. Unlike Connect it
// never clears the closed flag: a timer that fires around Disconnect, or a
// stale one racing a fresh Connect, must not bring the channel back.
func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.closed || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.dial(gen)
}

// Disconnect tears the channel down: every timer is cancelled, the channel
// closes with the normal code, and no reconnection or further callback
// delivery happens. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed && m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.state = StateClosing
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopKeepaliveLocked()
	ws := m.ws
	m.ws = nil
	m.gen++ // orphan any in-flight dial or read pump
	m.mu.Unlock()

	if ws != nil {
		m.writeControl(ws, websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		ws.Close()
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()
	debug.Info("Channel torn down: %s", m.cfg.URL)
}

func (m *Manager) dial(gen int) {
	debug.Info("Dialing %s", m.cfg.URL)

	dialer := m.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			ReadBufferSize:   maxMessageSize,
			WriteBufferSize:  maxMessageSize,
			HandshakeTimeout: m.cfg.WriteWait,
		}
	}

	ws, resp, err := dialer.Dial(m.cfg.URL, m.cfg.Header)
	if err != nil {
		if resp != nil {
			debug.Error("Dial failed with status %d: %v", resp.StatusCode, err)
			resp.Body.Close()
		} else {
			debug.Error("Dial failed: %v", err)
		}
		// Establishment errors take the same path as mid-stream failures.
		m.handleClosed(gen, websocket.CloseAbnormalClosure, err)
		return
	}

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		ws.Close()
		return
	}
	m.ws = ws
	m.state = StateOpen
	m.attempt = 0
	m.directed = false
	stop := make(chan struct{})
	m.pingStop = stop
	m.mu.Unlock()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	})
	ws.SetPingHandler(func(string) error {
		if err := ws.SetReadDeadline(time.Now().Add(m.cfg.PongWait)); err != nil {
			return err
		}
		return m.writeControl(ws, websocket.PongMessage, nil)
	})

	debug.Info("Channel open: %s", m.cfg.URL)
	if m.cb.OnOpen != nil && m.deliverable(gen) {
		m.cb.OnOpen()
	}

	go m.pingLoop(ws, stop)
	go m.readPump(ws, gen)
}

// readPump reads frames until the channel dies, intercepting lifecycle
// directives and handing everything else up raw.
func (m *Manager) readPump(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			code := closeCode(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				debug.Error("Unexpected channel close: %v", err)
			} else {
				debug.Info("Channel closed: %v", err)
			}
			m.handleClosed(gen, code, err)
			return
		}

		// The reconnect directive is an instruction to this layer, not
		// state for the layer above; it is consumed here.
		if d := protocol.Decode(data); d != nil && d.Type == protocol.TypeReconnectDirective {
			m.directedReconnect(ws)
			continue
		}

		if m.cb.OnMessage != nil && m.deliverable(gen) {
			m.cb.OnMessage(data)
		}
	}
}

// pingLoop sends a keepalive ping at a fixed interval while the channel is
// open. It exits when the channel is replaced or torn down.
func (m *Manager) pingLoop(ws *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.writeControl(ws, websocket.PingMessage, nil); err != nil {
				debug.Warning("Keepalive ping failed: %v", err)
				return
			}
		}
	}
}

// directedReconnect handles a server-issued reconnect instruction: reset the
// attempt counter, cycle the channel, and come back after the short fixed
// delay. This path never counts against MaxAttempts.
func (m *Manager) directedReconnect(ws *websocket.Conn) {
	m.mu.Lock()
	if m.state != StateOpen || m.ws != ws {
		m.mu.Unlock()
		return
	}
	m.attempt = 0
	m.directed = true
	m.mu.Unlock()

	debug.Info("Received reconnect directive, cycling channel")
	m.writeControl(ws, websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "reconnect directive"))
	ws.Close()
}

// handleClosed funnels every way a connection can die - dial failure, read
// error, server close frame - into one decision: reconnect or stay down.
func (m *Manager) handleClosed(gen int, code int, err error) {
	m.mu.Lock()
	if gen != m.gen {
		// A newer connection already superseded this one.
		m.mu.Unlock()
		return
	}
	m.stopKeepaliveLocked()
	m.ws = nil
	m.state = StateDisconnected

	if m.closed {
		// Explicit teardown: the close was requested, stay silent.
		m.mu.Unlock()
		return
	}

	if m.directed {
		m.directed = false
		delay := m.cfg.DirectedDelay
		m.reconnectTimer = time.AfterFunc(delay, m.reconnect)
		m.mu.Unlock()
		debug.Info("Server-directed reconnect in %v", delay)
		if m.cb.OnClose != nil {
			m.cb.OnClose(code)
		}
		return
	}

	if code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway {
		m.mu.Unlock()
		debug.Info("Channel closed normally (code %d), not reconnecting", code)
		if m.cb.OnClose != nil {
			m.cb.OnClose(code)
		}
		return
	}

	if m.attempt >= m.cfg.MaxAttempts {
		attempts := m.attempt
		m.mu.Unlock()
		debug.Error("Giving up after %d reconnect attempts: %v", attempts, err)
		if m.cb.OnClose != nil {
			m.cb.OnClose(code)
		}
		if m.cb.OnError != nil {
			m.cb.OnError(fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, err))
		}
		return
	}

	m.attempt++
	attempt := m.attempt
	delay := m.cfg.Policy.Delay(attempt)
	m.reconnectTimer = time.AfterFunc(delay, m.reconnect)
	m.mu.Unlock()

	debug.Warning("Channel lost (code %d): %v - reconnect attempt %d in %v", code, err, attempt, delay)
	if m.cb.OnClose != nil {
		m.cb.OnClose(code)
	}
}

// deliverable reports whether callbacks for the given generation may still
// be delivered. A torn-down manager never notifies.
func (m *Manager) deliverable(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && gen == m.gen
}

func (m *Manager) stopKeepaliveLocked() {
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
}

func (m *Manager) writeControl(ws *websocket.Conn, messageType int, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return ws.WriteControl(messageType, data, time.Now().Add(m.cfg.WriteWait))
}

// closeCode extracts the close code from a read error. Errors that carry no
// code (reset connections, local closes) count as abnormal.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
