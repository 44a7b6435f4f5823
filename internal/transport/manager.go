// Package transport owns the client's WebSocket connection lifecycle:
// dialing, the hello handshake, read/write pumps, and reconnection with
// exponential backoff.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nelsonmandeladev/retrochat-client/internal/config"
	"github.com/nelsonmandeladev/retrochat-client/internal/protocol"
	"github.com/nelsonmandeladev/retrochat-client/internal/telemetry"
)

// Phase is the coarse connection state.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
)

// State is an observable snapshot of the connection lifecycle.
type State struct {
	Phase     Phase
	SessionID string
	Attempts  int           // consecutive failed reconnect attempts
	NextRetry time.Duration // delay of the most recently scheduled attempt
	Exhausted bool          // retry cap reached, no further attempts
}

// Sink receives transport callbacks. HandleFrame is invoked from the
// read goroutine; implementations decide their own handoff.
type Sink interface {
	HandleFrame(data []byte)
	ConnectionUp(resumed bool)
	ConnectionDown(reason error, serverClose bool)
	ReconnectsExhausted(attempts int)
}

// ErrSendBufferFull is returned by Send when the outbound queue is full.
var ErrSendBufferFull = errors.New("send buffer full")

const sendBufferSize = 256

// Manager maintains the single persistent connection to the chat server.
// There is no package-level instance: callers construct one and own it.
type Manager struct {
	cfg    *config.Config
	sink   Sink
	logger *slog.Logger
	dialer *websocket.Dialer

	// send is shared across reconnects so frames queued while the
	// connection is down flush after it comes back.
	send chan []byte

	mu         sync.Mutex
	phase      Phase
	token      string
	sessionID  string
	conn       *websocket.Conn
	connDone   chan struct{}
	epoch      int
	attempts   int
	nextRetry  time.Duration
	exhausted  bool
	retryTimer *time.Timer
}

// NewManager creates a manager reporting to sink. logger may be nil.
func NewManager(cfg *config.Config, sink Sink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.WriteTimeout},
		send:   make(chan []byte, sendBufferSize),
		phase:  PhaseDisconnected,
	}
}

// Connect dials the server and performs the hello handshake. It is
// idempotent: calling it while connected, or while a reconnect is
// pending, is a no-op. The credential is kept for later reconnects.
// Only the initial dial reports failure to the caller; once established,
// lost connections are retried internally.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.phase != PhaseDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.phase = PhaseConnecting
	m.token = token
	m.attempts = 0
	m.nextRetry = 0
	m.exhausted = false
	m.mu.Unlock()

	conn, sessionID, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.phase = PhaseDisconnected
		m.mu.Unlock()
		return err
	}
	m.startSession(conn, sessionID, false)
	return nil
}

// dial establishes the socket and runs the hello/hello_ack exchange.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, string, error) {
	m.mu.Lock()
	url := m.cfg.ServerURL
	token := m.token
	sessionID := m.sessionID // resume when set
	m.mu.Unlock()

	conn, _, err := m.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial %s: %w", url, err)
	}

	hello := protocol.HelloEvent{
		BaseEvent:  protocol.NewBase(protocol.TypeHello),
		Token:      token,
		SessionID:  sessionID,
		ClientMeta: map[string]string{"client": "retrochat-go"},
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("write hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("read hello_ack: %w", err)
	}

	var base protocol.BaseEvent
	if err := json.Unmarshal(data, &base); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("unmarshal hello_ack: %w", err)
	}
	if base.Type == protocol.TypeError {
		var errEvt protocol.ErrorEvent
		json.Unmarshal(data, &errEvt)
		conn.Close()
		return nil, "", fmt.Errorf("hello rejected: %s - %s", errEvt.Code, errEvt.Message)
	}
	if base.Type != protocol.TypeHelloAck {
		conn.Close()
		return nil, "", fmt.Errorf("expected hello_ack, got: %s", base.Type)
	}

	var ack protocol.HelloAckEvent
	if err := json.Unmarshal(data, &ack); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("unmarshal hello_ack: %w", err)
	}
	return conn, ack.SessionID, nil
}

// startSession installs an established connection and starts its pumps.
func (m *Manager) startSession(conn *websocket.Conn, sessionID string, resumed bool) {
	m.mu.Lock()
	if m.phase != PhaseConnecting {
		// Disconnect won the race while we were dialing.
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.sessionID = sessionID
	m.phase = PhaseConnected
	m.attempts = 0
	m.nextRetry = 0
	m.exhausted = false
	m.epoch++
	epoch := m.epoch
	done := make(chan struct{})
	m.connDone = done
	m.mu.Unlock()

	conn.SetReadLimit(m.cfg.MaxMessageSize)

	// No pump is running yet, so this write cannot race.
	announce := protocol.AnnounceOnlineEvent{BaseEvent: protocol.NewBase(protocol.TypeAnnounceOnline)}
	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := conn.WriteJSON(announce); err != nil {
		m.logger.Warn("announce online failed", "error", err)
	}

	go m.readPump(conn, epoch)
	go m.writePump(conn, epoch, done)

	telemetry.Connects.Inc()
	telemetry.Connected.Set(1)
	m.logger.Info("connected", "session_id", sessionID, "resumed", resumed)

	m.sink.ConnectionUp(resumed)
}

// readPump reads frames until the connection fails.
func (m *Manager) readPump(conn *websocket.Conn, epoch int) {
	conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.pumpFailed(epoch, err)
			return
		}
		m.sink.HandleFrame(data)
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings.
func (m *Manager) writePump(conn *websocket.Conn, epoch int, done chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case data := <-m.send:
			conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.pumpFailed(epoch, err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.pumpFailed(epoch, err)
				return
			}
		}
	}
}

// pumpFailed handles a connection failure reported by either pump. Only
// the first report for an epoch acts; the sibling pump's report and
// reports arriving after Disconnect are stale.
func (m *Manager) pumpFailed(epoch int, err error) {
	m.mu.Lock()
	if epoch != m.epoch || m.phase != PhaseConnected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	done := m.connDone
	m.conn = nil
	m.connDone = nil
	m.phase = PhaseConnecting
	m.mu.Unlock()

	close(done)
	conn.Close()

	telemetry.Disconnects.Inc()
	telemetry.Connected.Set(0)

	serverClose := websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.ClosePolicyViolation,
	)
	if serverClose {
		m.logger.Warn("connection closed by server", "error", err)
	} else {
		m.logger.Warn("connection lost", "error", err)
	}

	m.sink.ConnectionDown(err, serverClose)
	m.scheduleReconnect()
}

// scheduleReconnect arms the next redial, or gives up at the cap. The
// terminal state stays observable through State.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.phase != PhaseConnecting {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.cfg.AttemptCap {
		m.phase = PhaseDisconnected
		m.exhausted = true
		attempts := m.attempts
		m.mu.Unlock()

		m.logger.Warn("reconnect attempts exhausted", "attempts", attempts)
		m.sink.ReconnectsExhausted(attempts)
		return
	}
	delay := Backoff(m.cfg.BackoffBase, m.cfg.BackoffMax, m.attempts)
	m.attempts++
	m.nextRetry = delay
	m.retryTimer = time.AfterFunc(delay, m.redial)
	attempt := m.attempts
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
}

// redial runs one reconnect attempt from the backoff timer.
func (m *Manager) redial() {
	m.mu.Lock()
	if m.phase != PhaseConnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.mu.Unlock()

	telemetry.ReconnectAttempts.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReadTimeout)
	conn, sessionID, err := m.dial(ctx)
	cancel()
	if err != nil {
		m.logger.Warn("reconnect failed", "error", err)
		m.scheduleReconnect()
		return
	}
	m.startSession(conn, sessionID, true)
}

// Send marshals v and queues it for the writer. Frames queued while the
// connection is down are flushed after the next successful reconnect.
func (m *Manager) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound event: %w", err)
	}
	select {
	case m.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Disconnect tears the connection down deterministically and resets all
// reconnect state. Safe to call at any time, including when already
// disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	wasConnected := m.phase == PhaseConnected
	m.phase = PhaseDisconnected
	m.attempts = 0
	m.nextRetry = 0
	m.exhausted = false
	m.sessionID = ""
	conn := m.conn
	done := m.connDone
	m.conn = nil
	m.connDone = nil
	m.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	if wasConnected {
		telemetry.Disconnects.Inc()
		telemetry.Connected.Set(0)
		m.logger.Info("disconnected")
	}
}

// State returns a snapshot of the connection lifecycle.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Phase:     m.phase,
		SessionID: m.sessionID,
		Attempts:  m.attempts,
		NextRetry: m.nextRetry,
		Exhausted: m.exhausted,
	}
}
