// Package store holds the in-memory conversation state for the client.
//
// The store is the source of truth for everything the UI renders:
// conversations, message sequences, unread counters, mute flags and
// typing indicators. All mutations are total. Operating on an unknown
// conversation is a no-op reported through the boolean return, never an
// error. Message sequences are written by one logical owner (the session
// loop); snapshot accessors are safe from any goroutine and never alias
// internal slices.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/nelsonmandeladev/retrochat-client/internal/domain"
)

type conversation struct {
	key      domain.ConversationKey
	name     string
	avatar   string
	messages []domain.Message
	unread   int
	muted    bool
	typing   map[string]*typingEntry
}

// Store is the keyed conversation container.
type Store struct {
	mu        sync.RWMutex
	convs     map[domain.ConversationKey]*conversation
	active    domain.ConversationKey
	hasActive bool

	typingTTL time.Duration
	// onTypingExpired is invoked from the expiry timer goroutine after an
	// indicator aged out. Notify-only: the store has already cleared it.
	onTypingExpired func(key domain.ConversationKey, participantID string)
}

// New creates a store. ttl bounds how long a typing indicator survives
// without renewal; onTypingExpired may be nil.
func New(ttl time.Duration, onTypingExpired func(domain.ConversationKey, string)) *Store {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &Store{
		convs:           make(map[domain.ConversationKey]*conversation),
		typingTTL:       ttl,
		onTypingExpired: onTypingExpired,
	}
}

// Ensure creates the conversation if it does not exist yet. An existing
// conversation only picks up a name or avatar it was missing.
func (s *Store) Ensure(key domain.ConversationKey, name, avatar string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[key]
	if !ok {
		s.convs[key] = &conversation{
			key:    key,
			name:   name,
			avatar: avatar,
			typing: make(map[string]*typingEntry),
		}
		return
	}
	if conv.name == "" && name != "" {
		conv.name = name
	}
	if conv.avatar == "" && avatar != "" {
		conv.avatar = avatar
	}
}

// Put seeds a conversation from a snapshot, replacing any previous state.
// Incoming messages default to confirmed origin.
func (s *Store) Put(c domain.Conversation) {
	msgs := make([]domain.Message, len(c.Messages))
	copy(msgs, c.Messages)
	for i := range msgs {
		if msgs[i].Origin == "" {
			msgs[i].Origin = domain.OriginConfirmed
		}
		msgs[i].Mentions = cloneStrings(msgs[i].Mentions)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.convs[c.Key]; ok {
		stopTyping(old)
	}
	s.convs[c.Key] = &conversation{
		key:      c.Key,
		name:     c.Name,
		avatar:   c.Avatar,
		messages: msgs,
		unread:   c.Unread,
		muted:    c.Muted,
		typing:   make(map[string]*typingEntry),
	}
}

// Remove deletes a conversation and stops its typing timers.
func (s *Store) Remove(key domain.ConversationKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[key]
	if !ok {
		return false
	}
	stopTyping(conv)
	delete(s.convs, key)
	if s.hasActive && s.active == key {
		s.hasActive = false
	}
	return true
}

// SetActive switches the active conversation and resets its unread
// counter.
func (s *Store) SetActive(key domain.ConversationKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[key]
	if !ok {
		return false
	}
	s.active = key
	s.hasActive = true
	conv.unread = 0
	return true
}

// Active returns the currently active conversation key.
func (s *Store) Active() (domain.ConversationKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.hasActive
}

// Append adds a message to the end of the sequence.
func (s *Store) Append(key domain.ConversationKey, msg domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[key]
	if !ok {
		return false
	}
	conv.messages = append(conv.messages, msg)
	return true
}

// ReplaceOrAppend reconciles a confirmed message against the sequence.
// It scans from the end for an optimistic entry matching the ack's client
// tag, falling back to an exact content match, and replaces that entry in
// place so ordering is preserved. At most one entry is promoted; with no
// match the message is appended. The second return reports whether a
// promotion happened.
func (s *Store) ReplaceOrAppend(key domain.ConversationKey, msg domain.Message) (ok, promoted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.convs[key]
	if !exists {
		return false, false
	}

	idx := -1
	if msg.ClientTag != "" {
		idx = findOptimistic(conv.messages, func(m domain.Message) bool {
			return m.ClientTag == msg.ClientTag
		})
	}
	if idx < 0 {
		idx = findOptimistic(conv.messages, func(m domain.Message) bool {
			return m.Content == msg.Content
		})
	}
	if idx < 0 {
		conv.messages = append(conv.messages, msg)
		return true, false
	}
	conv.messages[idx] = msg
	return true, true
}

// findOptimistic returns the index of the newest optimistic entry
// matching the predicate, or -1.
func findOptimistic(msgs []domain.Message, match func(domain.Message) bool) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Origin != domain.OriginOptimistic {
			continue
		}
		if match(msgs[i]) {
			return i
		}
	}
	return -1
}

// PrependHistory inserts an older page before the current sequence.
// History pages carry confirmed messages only; no reconciliation runs.
func (s *Store) PrependHistory(key domain.ConversationKey, page []domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[key]
	if !ok {
		return false
	}
	if len(page) == 0 {
		return true
	}
	merged := make([]domain.Message, 0, len(page)+len(conv.messages))
	for _, m := range page {
		if m.Origin == "" {
			m.Origin = domain.OriginConfirmed
		}
		m.Mentions = cloneStrings(m.Mentions)
		merged = append(merged, m)
	}
	merged = append(merged, conv.messages...)
	conv.messages = merged
	return true
}

// IncrementUnread bumps the unread counter.
func (s *Store) IncrementUnread(key domain.ConversationKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[key]
	if !ok {
		return false
	}
	conv.unread++
	return true
}

// ResetUnread clears the unread counter.
func (s *Store) ResetUnread(key domain.ConversationKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[key]
	if !ok {
		return false
	}
	conv.unread = 0
	return true
}

// SetMuted flips the mute flag. Only group conversations can be muted.
func (s *Store) SetMuted(key domain.ConversationKey, muted bool) bool {
	if key.Kind != domain.KindGroup {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[key]
	if !ok {
		return false
	}
	conv.muted = muted
	return true
}

// Muted reports the mute flag.
func (s *Store) Muted(key domain.ConversationKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[key]
	return ok && conv.muted
}

// Conversation returns a deep snapshot of one conversation.
func (s *Store) Conversation(key domain.ConversationKey) (domain.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[key]
	if !ok {
		return domain.Conversation{}, false
	}
	return snapshot(conv), true
}

// List returns snapshots of every conversation, newest activity first.
func (s *Store) List() []domain.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, snapshot(conv))
	}
	sort.Slice(out, func(i, j int) bool {
		li, okI := out[i].LastMessage()
		lj, okJ := out[j].LastMessage()
		if okI != okJ {
			return okI
		}
		if okI && !li.SentAt.Equal(lj.SentAt) {
			return li.SentAt.After(lj.SentAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

func snapshot(conv *conversation) domain.Conversation {
	msgs := make([]domain.Message, len(conv.messages))
	copy(msgs, conv.messages)
	for i := range msgs {
		msgs[i].Mentions = cloneStrings(msgs[i].Mentions)
	}

	var typing []domain.TypingState
	if len(conv.typing) > 0 {
		typing = make([]domain.TypingState, 0, len(conv.typing))
		for id, entry := range conv.typing {
			typing = append(typing, domain.TypingState{ParticipantID: id, Name: entry.name})
		}
		sort.Slice(typing, func(i, j int) bool {
			return typing[i].ParticipantID < typing[j].ParticipantID
		})
	}

	return domain.Conversation{
		Key:      conv.key,
		Name:     conv.name,
		Avatar:   conv.avatar,
		Messages: msgs,
		Unread:   conv.unread,
		Muted:    conv.muted,
		Typing:   typing,
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
