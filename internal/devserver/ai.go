package devserver

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nelsonmandeladev/retrochat-client/internal/domain"
	"github.com/nelsonmandeladev/retrochat-client/internal/protocol"
)

// streamAI plays a scripted AI response: a start event, cumulative text
// chunks, and an end event carrying the final message. With FailStreams
// set it aborts after the first chunk instead.
func (s *Server) streamAI(c *conn, binding protocol.StreamBinding, senderID, prompt string) {
	channelID := "chan_" + uuid.New().String()[:8]

	s.sendJSON(c, protocol.StreamStartEvent{
		BaseEvent:     protocol.NewBase(protocol.TypeStreamStart),
		StreamBinding: binding,
		ChannelID:     channelID,
	})

	reply := respond(prompt)
	chunks := cumulativeChunks(reply, 3)

	if s.failingStreams() {
		s.pause()
		s.sendJSON(c, protocol.StreamChunkEvent{
			BaseEvent:     protocol.NewBase(protocol.TypeStreamChunk),
			StreamBinding: binding,
			ChannelID:     channelID,
			Text:          chunks[0],
		})
		s.pause()
		s.sendJSON(c, protocol.StreamErrorEvent{
			BaseEvent:     protocol.NewBase(protocol.TypeStreamError),
			StreamBinding: binding,
			ChannelID:     channelID,
			Code:          protocol.ErrorCodeStreamFailed,
			Message:       "model unavailable",
		})
		return
	}

	for _, text := range chunks {
		s.pause()
		s.sendJSON(c, protocol.StreamChunkEvent{
			BaseEvent:     protocol.NewBase(protocol.TypeStreamChunk),
			StreamBinding: binding,
			ChannelID:     channelID,
			Text:          text,
		})
	}

	s.pause()
	final := s.world.recordAI(bindingKey(binding), senderID, s.world.participantName(senderID), reply)
	s.sendJSON(c, protocol.StreamEndEvent{
		BaseEvent:     protocol.NewBase(protocol.TypeStreamEnd),
		StreamBinding: binding,
		ChannelID:     channelID,
		Message:       final,
	})
}

func (s *Server) pause() {
	time.Sleep(s.streamDelay)
}

func bindingKey(b protocol.StreamBinding) domain.ConversationKey {
	if b.CompanionID != "" {
		return domain.CompanionKey(b.CompanionID)
	}
	return domain.GroupKey(b.GroupID)
}

// respond picks a canned reply for a prompt. Deterministic so tests can
// assert on the final text.
func respond(prompt string) string {
	p := strings.ToLower(prompt)
	switch {
	case strings.Contains(p, "hello") || strings.Contains(p, "hi"):
		return "Hello! What can I help you with today?"
	case strings.Contains(p, "?"):
		return "Good question. Short answer: yes, with caveats."
	default:
		return "Noted. Tell me more when you are ready."
	}
}

// cumulativeChunks splits text into n growing prefixes, the last being
// the whole text. Consecutive duplicates from short texts are collapsed.
func cumulativeChunks(text string, n int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return []string{""}
	}
	if n < 1 {
		n = 1
	}
	out := make([]string, 0, n)
	prev := ""
	for i := 1; i <= n; i++ {
		end := len(runes) * i / n
		if end == 0 {
			continue
		}
		chunk := string(runes[:end])
		if chunk == prev {
			continue
		}
		out = append(out, chunk)
		prev = chunk
	}
	return out
}
