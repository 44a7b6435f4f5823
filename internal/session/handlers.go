package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nelsonmandeladev/retrochat-client/internal/domain"
	"github.com/nelsonmandeladev/retrochat-client/internal/protocol"
	"github.com/nelsonmandeladev/retrochat-client/internal/roster"
	"github.com/nelsonmandeladev/retrochat-client/internal/telemetry"
)

// handleFrame dispatches one inbound frame. Runs on the loop. A
// malformed frame is dropped without touching any conversation.
func (s *Session) handleFrame(data []byte) {
	var base protocol.BaseEvent
	if err := json.Unmarshal(data, &base); err != nil {
		telemetry.DroppedEvents.Inc()
		s.logger.Warn("malformed frame dropped", "error", err)
		return
	}
	telemetry.Events.WithLabelValues(base.Type).Inc()

	switch base.Type {
	case protocol.TypePresence:
		s.handlePresence(data)
	case protocol.TypePresenceBatch:
		s.handlePresenceBatch(data)
	case protocol.TypeDirectMessage:
		s.handleDirectMessage(data)
	case protocol.TypeDirectAck:
		s.handleDirectAck(data)
	case protocol.TypeGroupMessage:
		s.handleGroupMessage(data, false)
	case protocol.TypeGroupAck:
		s.handleGroupMessage(data, true)
	case protocol.TypeTypingDirect:
		s.handleTypingDirect(data)
	case protocol.TypeTypingGroup:
		s.handleTypingGroup(data)
	case protocol.TypeMemberAdded:
		s.handleMembership(data, true)
	case protocol.TypeMemberRemoved:
		s.handleMembership(data, false)
	case protocol.TypeGroupDeleted:
		s.handleGroupDeleted(data)
	case protocol.TypeStreamStart:
		s.handleStreamStart(data)
	case protocol.TypeStreamChunk:
		s.handleStreamChunk(data)
	case protocol.TypeStreamEnd:
		s.handleStreamEnd(data)
	case protocol.TypeStreamError:
		s.handleStreamError(data)
	case protocol.TypeError:
		s.handleServerError(data)
	default:
		telemetry.DroppedEvents.Inc()
		s.logger.Debug("unhandled event type", "type", base.Type)
	}
}

// decode unmarshals a concrete event, dropping the frame on failure.
func (s *Session) decode(data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		telemetry.DroppedEvents.Inc()
		s.logger.Warn("malformed event dropped", "error", err)
		return false
	}
	return true
}

func (s *Session) handlePresence(data []byte) {
	var ev protocol.PresenceEvent
	if !s.decode(data, &ev) {
		return
	}
	status, ok := domain.ParseStatus(ev.Status)
	if ev.ParticipantID == "" || !ok {
		telemetry.DroppedEvents.Inc()
		s.logger.Warn("invalid presence dropped", "participant", ev.ParticipantID, "status", ev.Status)
		return
	}
	s.roster.SetStatus(ev.ParticipantID, status)
	s.bus.Publish(RosterUpdated{})
}

func (s *Session) handlePresenceBatch(data []byte) {
	var ev protocol.PresenceBatchEvent
	if !s.decode(data, &ev) {
		return
	}
	updates := make([]roster.StatusUpdate, 0, len(ev.Statuses))
	for _, entry := range ev.Statuses {
		status, ok := domain.ParseStatus(entry.Status)
		if entry.ParticipantID == "" || !ok {
			continue
		}
		updates = append(updates, roster.StatusUpdate{
			ParticipantID: entry.ParticipantID,
			Status:        status,
		})
	}
	if len(updates) == 0 {
		return
	}
	s.roster.ApplyBatch(updates)
	s.bus.Publish(RosterUpdated{})
}

func (s *Session) handleDirectMessage(data []byte) {
	var ev protocol.DirectMessageEvent
	if !s.decode(data, &ev) {
		return
	}
	msg := fromWire(ev.Message, domain.OriginConfirmed)

	if ev.Message.SenderID == s.selfID {
		// Echo of our own send arriving as a push. Promote rather than
		// duplicate.
		if ev.ToParticipantID == "" {
			telemetry.DroppedEvents.Inc()
			s.logger.Warn("self echo without target dropped", "message_id", msg.ID)
			return
		}
		s.promote(domain.DirectKey(ev.ToParticipantID), msg)
		return
	}

	key := domain.DirectKey(ev.Message.SenderID)
	s.store.Ensure(key, displayName(ev.Message), "")
	s.store.ClearTyping(key, ev.Message.SenderID)
	s.store.Append(key, msg)
	s.bumpUnread(key)
	s.bus.Publish(MessageArrived{Key: key, Message: msg})
	s.bus.Publish(ConversationUpdated{Key: key})
}

func (s *Session) handleDirectAck(data []byte) {
	var ev protocol.DirectMessageEvent
	if !s.decode(data, &ev) {
		return
	}
	if ev.ToParticipantID == "" {
		telemetry.DroppedEvents.Inc()
		s.logger.Warn("direct ack without target dropped", "message_id", ev.Message.ID)
		return
	}
	s.promote(domain.DirectKey(ev.ToParticipantID), fromWire(ev.Message, domain.OriginConfirmed))
}

func (s *Session) handleGroupMessage(data []byte, ack bool) {
	var ev protocol.GroupMessageEvent
	if !s.decode(data, &ev) {
		return
	}
	if ev.GroupID == "" {
		telemetry.DroppedEvents.Inc()
		s.logger.Warn("group message without group dropped", "message_id", ev.Message.ID)
		return
	}
	key := domain.GroupKey(ev.GroupID)
	msg := fromWire(ev.Message, domain.OriginConfirmed)
	msg.Mentions = ev.Mentions

	if ack || ev.Message.SenderID == s.selfID {
		s.promote(key, msg)
		return
	}

	s.store.Ensure(key, "", "")
	s.store.ClearTyping(key, ev.Message.SenderID)
	s.store.Append(key, msg)
	s.bumpUnread(key)
	s.bus.Publish(MessageArrived{Key: key, Message: msg})
	s.bus.Publish(ConversationUpdated{Key: key})
}

// promote reconciles a confirmed message with its optimistic entry,
// appending when no entry matches. The miss path is tolerated and only
// logged.
func (s *Session) promote(key domain.ConversationKey, msg domain.Message) {
	s.store.Ensure(key, "", "")
	_, promoted := s.store.ReplaceOrAppend(key, msg)
	if promoted {
		telemetry.Promotions.Inc()
	} else {
		telemetry.PromotionMisses.Inc()
		s.logger.Debug("ack without optimistic entry", "conversation", key.String(), "message_id", msg.ID)
	}
	s.bus.Publish(ConversationUpdated{Key: key})
}

// bumpUnread increments the unread counter unless the conversation is
// the active one.
func (s *Session) bumpUnread(key domain.ConversationKey) {
	if active, ok := s.store.Active(); ok && active == key {
		return
	}
	s.store.IncrementUnread(key)
}

func (s *Session) handleTypingDirect(data []byte) {
	var ev protocol.TypingDirectEvent
	if !s.decode(data, &ev) {
		return
	}
	if ev.FromParticipantID == "" || ev.FromParticipantID == s.selfID {
		return
	}
	key := domain.DirectKey(ev.FromParticipantID)
	name := ev.Name
	if name == "" {
		name = s.roster.Name(ev.FromParticipantID)
	}
	// Typing in a conversation we do not hold is a no-op; a typing
	// signal alone never creates one.
	if s.store.SetTyping(key, ev.FromParticipantID, name) {
		s.bus.Publish(ConversationUpdated{Key: key})
	}
}

func (s *Session) handleTypingGroup(data []byte) {
	var ev protocol.TypingGroupEvent
	if !s.decode(data, &ev) {
		return
	}
	if ev.GroupID == "" || ev.ParticipantID == "" || ev.ParticipantID == s.selfID {
		return
	}
	key := domain.GroupKey(ev.GroupID)
	name := ev.Name
	if name == "" {
		name = s.roster.Name(ev.ParticipantID)
	}
	if s.store.SetTyping(key, ev.ParticipantID, name) {
		s.bus.Publish(ConversationUpdated{Key: key})
	}
}

func (s *Session) handleMembership(data []byte, joined bool) {
	var ev protocol.MembershipEvent
	if !s.decode(data, &ev) {
		return
	}
	if ev.GroupID == "" || ev.ParticipantID == "" {
		telemetry.DroppedEvents.Inc()
		s.logger.Warn("membership event missing ids dropped")
		return
	}
	key := domain.GroupKey(ev.GroupID)

	if joined {
		s.store.Ensure(key, ev.GroupName, "")
		if ev.ParticipantID != s.selfID {
			s.roster.Upsert(domain.Contact{ID: ev.ParticipantID, Name: ev.ParticipantName})
			s.bus.Publish(RosterUpdated{})
		}
		s.bus.Publish(MembershipChanged{
			Key:             key,
			Joined:          true,
			GroupName:       ev.GroupName,
			ParticipantID:   ev.ParticipantID,
			ParticipantName: ev.ParticipantName,
		})
		s.bus.Publish(ConversationUpdated{Key: key})
		return
	}

	if ev.ParticipantID == s.selfID {
		// We were removed; the group disappears from the list.
		name := ev.GroupName
		if conv, ok := s.store.Conversation(key); ok && name == "" {
			name = conv.Name
		}
		if s.store.Remove(key) {
			s.bus.Publish(ConversationRemoved{Key: key, Name: name})
		}
		return
	}

	s.store.ClearTyping(key, ev.ParticipantID)
	s.bus.Publish(MembershipChanged{
		Key:             key,
		Joined:          false,
		GroupName:       ev.GroupName,
		ParticipantID:   ev.ParticipantID,
		ParticipantName: ev.ParticipantName,
	})
	s.bus.Publish(ConversationUpdated{Key: key})
}

func (s *Session) handleGroupDeleted(data []byte) {
	var ev protocol.GroupDeletedEvent
	if !s.decode(data, &ev) {
		return
	}
	if ev.GroupID == "" {
		return
	}
	key := domain.GroupKey(ev.GroupID)
	name := ev.GroupName
	if conv, ok := s.store.Conversation(key); ok && name == "" {
		name = conv.Name
	}
	if s.store.Remove(key) {
		s.bus.Publish(ConversationRemoved{Key: key, Name: name})
	}
}

// streamKey resolves the conversation a stream event belongs to.
func streamKey(b protocol.StreamBinding) (domain.ConversationKey, bool) {
	switch {
	case b.CompanionID != "":
		return domain.CompanionKey(b.CompanionID), true
	case b.GroupID != "":
		return domain.GroupKey(b.GroupID), true
	}
	return domain.ConversationKey{}, false
}

func (s *Session) handleStreamStart(data []byte) {
	var ev protocol.StreamStartEvent
	if !s.decode(data, &ev) {
		return
	}
	key, ok := streamKey(ev.StreamBinding)
	if !ok || ev.ChannelID == "" {
		telemetry.DroppedEvents.Inc()
		s.logger.Warn("stream start without binding dropped", "channel", ev.ChannelID)
		return
	}
	s.openStream(key, ev.StreamBinding, ev.ChannelID)
	s.bus.Publish(ConversationUpdated{Key: key})
}

// openStream ensures the conversation and its placeholder exist.
func (s *Session) openStream(key domain.ConversationKey, b protocol.StreamBinding, channelID string) {
	senderID := b.CompanionID
	senderName := ""
	if senderID != "" {
		senderName = s.roster.Name(senderID)
	}
	s.store.Ensure(key, senderName, "")
	s.store.StartStream(key, channelID, senderID, senderName)
}

func (s *Session) handleStreamChunk(data []byte) {
	var ev protocol.StreamChunkEvent
	if !s.decode(data, &ev) {
		return
	}
	key, ok := streamKey(ev.StreamBinding)
	if !ok || ev.ChannelID == "" {
		telemetry.DroppedEvents.Inc()
		s.logger.Warn("stream chunk without binding dropped", "channel", ev.ChannelID)
		return
	}
	if !s.store.UpdateStream(key, ev.ChannelID, ev.Text) {
		// The start event was lost, likely across a reconnect. Recreate
		// the placeholder so the stream keeps rendering.
		telemetry.StreamOrphans.Inc()
		s.openStream(key, ev.StreamBinding, ev.ChannelID)
		s.store.UpdateStream(key, ev.ChannelID, ev.Text)
	}
	s.bus.Publish(ConversationUpdated{Key: key})
}

func (s *Session) handleStreamEnd(data []byte) {
	var ev protocol.StreamEndEvent
	if !s.decode(data, &ev) {
		return
	}
	key, ok := streamKey(ev.StreamBinding)
	if !ok || ev.ChannelID == "" {
		telemetry.DroppedEvents.Inc()
		s.logger.Warn("stream end without binding dropped", "channel", ev.ChannelID)
		return
	}
	final := fromWire(ev.Message, domain.OriginConfirmed)
	final.AIGenerated = true

	s.store.Ensure(key, "", "")
	_, replaced := s.store.EndStream(key, ev.ChannelID, final)
	if !replaced {
		// Lost partial content is tolerated; the final message stands
		// on its own.
		telemetry.StreamOrphans.Inc()
		s.logger.Debug("stream end without placeholder", "conversation", key.String(), "channel", ev.ChannelID)
	}
	s.bumpUnread(key)
	s.bus.Publish(MessageArrived{Key: key, Message: final})
	s.bus.Publish(ConversationUpdated{Key: key})
}

func (s *Session) handleStreamError(data []byte) {
	var ev protocol.StreamErrorEvent
	if !s.decode(data, &ev) {
		return
	}
	key, ok := streamKey(ev.StreamBinding)
	if !ok || ev.ChannelID == "" {
		telemetry.DroppedEvents.Inc()
		s.logger.Warn("stream error without binding dropped", "channel", ev.ChannelID)
		return
	}
	s.store.AbortStream(key, ev.ChannelID)
	s.logger.Warn("ai stream failed", "conversation", key.String(), "channel", ev.ChannelID, "code", ev.Code)
	s.bus.Publish(StreamFailed{Key: key, ChannelID: ev.ChannelID, Reason: ev.Message})
	s.bus.Publish(ConversationUpdated{Key: key})
}

func (s *Session) handleServerError(data []byte) {
	var ev protocol.ErrorEvent
	if !s.decode(data, &ev) {
		return
	}
	s.logger.Warn("server error", "code", ev.Code, "message", ev.Message)
}

// fromWire converts a wire message to the domain model.
func fromWire(w protocol.WireMessage, origin domain.Origin) domain.Message {
	return domain.Message{
		ID:          w.ID,
		SenderID:    w.SenderID,
		SenderName:  w.SenderName,
		Content:     w.Content,
		SentAt:      time.UnixMilli(w.SentAt),
		Origin:      origin,
		AIGenerated: w.AIGenerated,
		ClientTag:   w.ClientTag,
	}
}

func displayName(w protocol.WireMessage) string {
	if w.SenderName != "" {
		return w.SenderName
	}
	return w.SenderID
}

// parseMentions extracts @-prefixed handles from a message body. The
// server's mention list on the delivered message is authoritative; this
// only decorates the optimistic echo.
func parseMentions(content string) []string {
	var out []string
	for _, field := range strings.Fields(content) {
		if len(field) < 2 || field[0] != '@' {
			continue
		}
		handle := strings.TrimRight(field[1:], ".,!?:;")
		if handle != "" {
			out = append(out, handle)
		}
	}
	return out
}
