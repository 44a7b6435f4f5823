package devserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nelsonmandeladev/retrochat-client/internal/protocol"
)

const sendBuffer = 256

// conn is one client connection with its outbound queue.
type conn struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	sessionID string // set after a successful hello
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return err
	}

	cn := &conn{
		id:   uuid.New().String(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
	}
	s.register(cn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(cn)
	go s.readPump(cn)

	return nil
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.logger.Debug("connection registered", "conn", c.id)
}

// unregister removes the connection and closes its send queue. Safe to
// call more than once.
func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	if _, ok := s.conns[c.id]; ok {
		delete(s.conns, c.id)
		close(c.send)
	}
	s.mu.Unlock()
}

func (s *Server) readPump(c *conn) {
	defer func() {
		s.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("connection closed", "conn", c.id, "error", err)
			}
			return
		}
		s.handleMessage(c, data)
	}
}

func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendJSON queues an event for one connection. A full buffer loses the
// connection rather than blocking the caller.
func (s *Server) sendJSON(c *conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("marshal event failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		s.logger.Warn("send buffer full, dropping connection", "conn", c.id)
		go s.unregister(c)
	}
}

func (s *Server) sendError(c *conn, code, message string) {
	s.sendJSON(c, protocol.ErrorEvent{
		BaseEvent: protocol.NewBase(protocol.TypeError),
		Code:      code,
		Message:   message,
	})
}

func (s *Server) handleMessage(c *conn, data []byte) {
	var base protocol.BaseEvent
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(c, protocol.ErrorCodeInvalidEvent, "invalid JSON event")
		return
	}

	if base.Type != protocol.TypeHello && c.sessionID == "" {
		s.sendError(c, protocol.ErrorCodeUnauthorized, "must send hello first")
		return
	}

	switch base.Type {
	case protocol.TypeHello:
		s.handleHello(c, data)
	case protocol.TypeAnnounceOnline:
		s.logger.Debug("client online", "session", c.sessionID)
	case protocol.TypePresenceCheck:
		s.handlePresenceCheck(c, data)
	case protocol.TypeSendDirect:
		s.handleSendDirect(c, data)
	case protocol.TypeSendGroup:
		s.handleSendGroup(c, data)
	case protocol.TypeSendCompanion:
		s.handleSendCompanion(c, data)
	case protocol.TypeGroupAIMention:
		s.handleGroupAIMention(c, data)
	case protocol.TypeTypingDirect, protocol.TypeTypingGroup:
		// A stub has no other live clients to relay typing to.
		s.logger.Debug("typing signal", "session", c.sessionID)
	default:
		s.sendError(c, protocol.ErrorCodeInvalidEvent, "unknown event type: "+base.Type)
	}
}

func (s *Server) handleHello(c *conn, data []byte) {
	var ev protocol.HelloEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.sendError(c, protocol.ErrorCodeInvalidEvent, "invalid hello event")
		return
	}
	if s.cfg.Token != "" && ev.Token != s.cfg.Token {
		s.sendError(c, protocol.ErrorCodeUnauthorized, "invalid token")
		return
	}

	sessionID := ev.SessionID
	if sessionID == "" {
		sessionID = "sess_" + uuid.New().String()[:8]
	}
	c.sessionID = sessionID

	s.sendJSON(c, protocol.HelloAckEvent{
		BaseEvent: protocol.NewBase(protocol.TypeHelloAck),
		SessionID: sessionID,
	})
	s.logger.Info("handshake completed", "session", sessionID, "resumed", ev.SessionID != "")
}

func (s *Server) handlePresenceCheck(c *conn, data []byte) {
	var ev protocol.PresenceCheckEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.sendError(c, protocol.ErrorCodeInvalidEvent, "invalid presence_check event")
		return
	}
	s.sendJSON(c, protocol.PresenceBatchEvent{
		BaseEvent: protocol.NewBase(protocol.TypePresenceBatch),
		Statuses:  s.world.statuses(ev.ParticipantIDs),
	})
}

func (s *Server) handleSendDirect(c *conn, data []byte) {
	var ev protocol.SendDirectEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.sendError(c, protocol.ErrorCodeInvalidEvent, "invalid send_direct event")
		return
	}
	if ev.ToParticipantID == "" || ev.Content == "" {
		s.sendError(c, protocol.ErrorCodeInvalidEvent, "to_participant_id and content are required")
		return
	}
	if !s.world.knownParticipant(ev.ToParticipantID) {
		s.sendError(c, protocol.ErrorCodeUnknownTarget, "unknown participant: "+ev.ToParticipantID)
		return
	}

	wire := s.world.recordDirect(ev.ToParticipantID, ev.Content, ev.ClientTag)
	s.sendJSON(c, protocol.DirectMessageEvent{
		BaseEvent:       protocol.NewBase(protocol.TypeDirectAck),
		Message:         wire,
		ToParticipantID: ev.ToParticipantID,
	})
}

func (s *Server) handleSendGroup(c *conn, data []byte) {
	var ev protocol.SendGroupEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.sendError(c, protocol.ErrorCodeInvalidEvent, "invalid send_group event")
		return
	}
	if ev.GroupID == "" || ev.Content == "" {
		s.sendError(c, protocol.ErrorCodeInvalidEvent, "group_id and content are required")
		return
	}
	if !s.world.knownGroup(ev.GroupID) {
		s.sendError(c, protocol.ErrorCodeUnknownTarget, "unknown group: "+ev.GroupID)
		return
	}

	wire, mentions := s.world.recordGroup(ev.GroupID, ev.Content, ev.ClientTag)
	s.sendJSON(c, protocol.GroupMessageEvent{
		BaseEvent: protocol.NewBase(protocol.TypeGroupAck),
		GroupID:   ev.GroupID,
		Message:   wire,
		Mentions:  mentions,
	})
}

func (s *Server) handleSendCompanion(c *conn, data []byte) {
	var ev protocol.SendCompanionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.sendError(c, protocol.ErrorCodeInvalidEvent, "invalid send_companion event")
		return
	}
	if ev.CompanionID == "" || ev.Content == "" {
		s.sendError(c, protocol.ErrorCodeInvalidEvent, "companion_id and content are required")
		return
	}

	s.world.recordCompanionPrompt(ev.CompanionID, ev.Content)
	go s.streamAI(c, protocol.StreamBinding{CompanionID: ev.CompanionID}, ev.CompanionID, ev.Content)
}

func (s *Server) handleGroupAIMention(c *conn, data []byte) {
	var ev protocol.GroupAIMentionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.sendError(c, protocol.ErrorCodeInvalidEvent, "invalid group_ai_mention event")
		return
	}
	if ev.GroupID == "" {
		s.sendError(c, protocol.ErrorCodeInvalidEvent, "group_id is required")
		return
	}
	if !s.world.knownGroup(ev.GroupID) {
		s.sendError(c, protocol.ErrorCodeUnknownTarget, "unknown group: "+ev.GroupID)
		return
	}

	// The message itself arrives through the regular send_group path;
	// the mention only asks the AI to answer.
	go s.streamAI(c, protocol.StreamBinding{GroupID: ev.GroupID}, aiParticipantID, ev.Content)
}
