package store

import (
	"time"

	"github.com/nelsonmandeladev/retrochat-client/internal/domain"
)

// StartStream appends the placeholder entry for an AI response stream.
// There is at most one placeholder per (conversation, channel); starting
// an already open channel is a no-op.
func (s *Store) StartStream(key domain.ConversationKey, channelID, senderID, senderName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[key]
	if !ok {
		return false
	}
	if streamIndex(conv.messages, channelID) >= 0 {
		return true
	}
	conv.messages = append(conv.messages, domain.Message{
		ID:            "pending_" + channelID,
		SenderID:      senderID,
		SenderName:    senderName,
		SentAt:        time.Now(),
		Origin:        domain.OriginStreaming,
		AIGenerated:   true,
		StreamChannel: channelID,
	})
	return true
}

// UpdateStream replaces the placeholder's content with the cumulative
// text. Returns false when the channel has no placeholder.
func (s *Store) UpdateStream(key domain.ConversationKey, channelID, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[key]
	if !ok {
		return false
	}
	idx := streamIndex(conv.messages, channelID)
	if idx < 0 {
		return false
	}
	conv.messages[idx].Content = text
	return true
}

// EndStream closes the channel: the placeholder is replaced in position
// by the final message. Without a placeholder the final message is
// appended unconditionally; the promoted return reports which happened.
func (s *Store) EndStream(key domain.ConversationKey, channelID string, final domain.Message) (ok, replaced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.convs[key]
	if !exists {
		return false, false
	}
	final.Origin = domain.OriginConfirmed
	final.StreamChannel = ""

	idx := streamIndex(conv.messages, channelID)
	if idx < 0 {
		conv.messages = append(conv.messages, final)
		return true, false
	}
	conv.messages[idx] = final
	return true, true
}

// AbortStream removes the placeholder, leaving no partial content behind.
func (s *Store) AbortStream(key domain.ConversationKey, channelID string) (ok, removed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.convs[key]
	if !exists {
		return false, false
	}
	idx := streamIndex(conv.messages, channelID)
	if idx < 0 {
		return true, false
	}
	conv.messages = append(conv.messages[:idx], conv.messages[idx+1:]...)
	return true, true
}

func streamIndex(msgs []domain.Message, channelID string) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Origin == domain.OriginStreaming && msgs[i].StreamChannel == channelID {
			return i
		}
	}
	return -1
}
