package store

import (
	"time"

	"github.com/nelsonmandeladev/retrochat-client/internal/domain"
)

// typingEntry tracks one participant's typing indicator and the timer
// that expires it. gen guards against a timer that fired concurrently
// with a renewal: only the generation that armed the timer may clear.
type typingEntry struct {
	name  string
	timer *time.Timer
	gen   uint64
}

// SetTyping marks a participant as typing and arms the expiry timer.
// A renewed signal resets the countdown.
func (s *Store) SetTyping(key domain.ConversationKey, participantID, name string) bool {
	if participantID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[key]
	if !ok {
		return false
	}

	entry, exists := conv.typing[participantID]
	if exists {
		entry.timer.Stop()
		entry.gen++
		if name != "" {
			entry.name = name
		}
	} else {
		entry = &typingEntry{name: name}
		conv.typing[participantID] = entry
	}

	gen := entry.gen
	entry.timer = time.AfterFunc(s.typingTTL, func() {
		s.expireTyping(key, participantID, gen)
	})
	return true
}

// ClearTyping drops a participant's indicator and cancels its timer.
// Called when the participant's real message arrives, or on teardown.
func (s *Store) ClearTyping(key domain.ConversationKey, participantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[key]
	if !ok {
		return false
	}
	entry, exists := conv.typing[participantID]
	if !exists {
		return false
	}
	entry.timer.Stop()
	delete(conv.typing, participantID)
	return true
}

// ClearAllTyping drops every indicator and cancels every timer. Called
// on disconnect so nothing fires against a dead session.
func (s *Store) ClearAllTyping() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conv := range s.convs {
		stopTyping(conv)
	}
}

// expireTyping runs on the timer goroutine. A stale generation means
// the indicator was renewed or cleared after this timer was armed.
func (s *Store) expireTyping(key domain.ConversationKey, participantID string, gen uint64) {
	s.mu.Lock()
	conv, ok := s.convs[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	entry, exists := conv.typing[participantID]
	if !exists || entry.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(conv.typing, participantID)
	cb := s.onTypingExpired
	s.mu.Unlock()

	if cb != nil {
		cb(key, participantID)
	}
}

// typingTimers reports how many expiry timers are armed across all
// conversations.
func (s *Store) typingTimers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, conv := range s.convs {
		n += len(conv.typing)
	}
	return n
}

func stopTyping(conv *conversation) {
	for id, entry := range conv.typing {
		entry.timer.Stop()
		delete(conv.typing, id)
	}
}
