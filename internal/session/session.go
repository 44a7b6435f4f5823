// Package session runs the reconciliation engine: one event loop that
// merges optimistic local sends, server acknowledgements, and pushed
// events into the conversation store, and fans the results out on a
// typed event bus.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nelsonmandeladev/retrochat-client/internal/backend"
	"github.com/nelsonmandeladev/retrochat-client/internal/config"
	"github.com/nelsonmandeladev/retrochat-client/internal/domain"
	"github.com/nelsonmandeladev/retrochat-client/internal/protocol"
	"github.com/nelsonmandeladev/retrochat-client/internal/roster"
	"github.com/nelsonmandeladev/retrochat-client/internal/store"
	"github.com/nelsonmandeladev/retrochat-client/internal/transport"
)

// link is the transport surface the session drives. *transport.Manager
// satisfies it.
type link interface {
	Connect(ctx context.Context, token string) error
	Disconnect()
	Send(v any) error
	State() transport.State
}

// Session owns the client-side synchronization state for one
// authenticated user. All store mutations happen on its event loop, in
// arrival order; snapshots may be read from any goroutine.
type Session struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	roster *roster.Roster
	bus    *bus
	link   link
	loader backend.Loader

	ops  chan func()
	done chan struct{}
	once sync.Once

	// self identity, written on the loop during Bootstrap. mu guards
	// reads from other goroutines.
	mu       sync.Mutex
	selfID   string
	selfName string
}

// New builds a session and starts its event loop. The transport is not
// connected until Connect is called. logger may be nil.
func New(cfg *config.Config, loader backend.Loader, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg:    cfg,
		logger: logger,
		roster: roster.New(),
		bus:    newBus(),
		loader: loader,
		ops:    make(chan func(), 256),
		done:   make(chan struct{}),
	}
	s.store = store.New(cfg.TypingTTL, s.onTypingExpired)
	s.link = transport.NewManager(cfg, s, logger)
	go s.run()
	return s
}

// run is the event loop. Every mutation, whether an inbound frame or a
// user operation, arrives here as a queued op and executes in order.
func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case op := <-s.ops:
			op()
		}
	}
}

// post queues f onto the event loop without waiting for it.
func (s *Session) post(f func()) {
	select {
	case s.ops <- f:
	case <-s.done:
	}
}

// do runs f on the event loop and waits for it to finish. Never call it
// from the loop itself.
func (s *Session) do(f func()) {
	ran := make(chan struct{})
	s.post(func() {
		f()
		close(ran)
	})
	select {
	case <-ran:
	case <-s.done:
	}
}

// Connect dials the server with the configured credential. Failures of
// this initial dial are returned; once connected, losses are retried
// internally with backoff.
func (s *Session) Connect(ctx context.Context) error {
	return s.link.Connect(ctx, s.cfg.Token)
}

// Disconnect tears the transport down and clears transient state.
func (s *Session) Disconnect() {
	s.link.Disconnect()
	s.do(func() {
		s.store.ClearAllTyping()
	})
}

// Close shuts the session down: transport, typing timers, event loop,
// and bus. The session cannot be reused afterwards.
func (s *Session) Close() {
	s.once.Do(func() {
		s.link.Disconnect()
		s.store.ClearAllTyping()
		close(s.done)
		s.bus.Close()
	})
}

// Subscribe returns a channel of session events. The cancel func must be
// called when the subscriber is done.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.bus.Subscribe()
}

// State reports the transport connection state.
func (s *Session) State() transport.State {
	return s.link.State()
}

// SelfID returns the authenticated participant's id, known after
// Bootstrap.
func (s *Session) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

// SelfName returns the authenticated participant's display name.
func (s *Session) SelfName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfName
}

// Bootstrap loads the initial snapshot from the REST collaborator and
// seeds the store and roster, then asks the server for a presence batch
// covering every known contact. Live events merge on top of this state.
func (s *Session) Bootstrap(ctx context.Context) error {
	snap, err := s.loader.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	s.do(func() {
		s.mu.Lock()
		s.selfID = snap.SelfID
		s.selfName = snap.SelfName
		s.mu.Unlock()

		s.roster.Seed(snap.Contacts)
		for _, c := range snap.Conversations {
			s.store.Put(c)
		}
		s.requestPresence()
		s.bus.Publish(RosterUpdated{})
	})
	return nil
}

// requestPresence asks for a status batch for all known contacts. Runs
// on the loop.
func (s *Session) requestPresence() {
	ids := s.roster.IDs()
	if len(ids) == 0 {
		return
	}
	ev := protocol.PresenceCheckEvent{
		BaseEvent:      protocol.NewBase(protocol.TypePresenceCheck),
		ParticipantIDs: ids,
	}
	if err := s.link.Send(ev); err != nil {
		s.logger.Warn("presence check not sent", "error", err)
	}
}

// SendDirect inserts an optimistic entry for a direct message and emits
// the outbound event in the same step. It never waits on the network.
func (s *Session) SendDirect(participantID, content string) {
	s.do(func() {
		key := domain.DirectKey(participantID)
		s.store.Ensure(key, s.roster.Name(participantID), "")
		tag := s.appendOptimistic(key, content, nil)

		ev := protocol.SendDirectEvent{
			BaseEvent:       protocol.NewBase(protocol.TypeSendDirect),
			ToParticipantID: participantID,
			Content:         content,
			ClientTag:       tag,
		}
		if err := s.link.Send(ev); err != nil {
			s.logger.Warn("direct send not queued", "to", participantID, "error", err)
		}
		s.bus.Publish(ConversationUpdated{Key: key})
	})
}

// SendGroup inserts an optimistic entry for a group message and emits
// the outbound event.
func (s *Session) SendGroup(groupID, content string) {
	s.do(func() {
		s.sendGroup(groupID, content)
	})
}

// MentionGroupAI sends a group message that also asks the group's AI
// participant to respond. The message itself follows the normal group
// send path; the mention trigger produces no local entry of its own.
func (s *Session) MentionGroupAI(groupID, content string) {
	s.do(func() {
		s.sendGroup(groupID, content)

		ev := protocol.GroupAIMentionEvent{
			BaseEvent: protocol.NewBase(protocol.TypeGroupAIMention),
			GroupID:   groupID,
			Content:   content,
		}
		if err := s.link.Send(ev); err != nil {
			s.logger.Warn("ai mention not queued", "group", groupID, "error", err)
		}
	})
}

func (s *Session) sendGroup(groupID, content string) {
	key := domain.GroupKey(groupID)
	s.store.Ensure(key, "", "")
	tag := s.appendOptimistic(key, content, parseMentions(content))

	ev := protocol.SendGroupEvent{
		BaseEvent: protocol.NewBase(protocol.TypeSendGroup),
		GroupID:   groupID,
		Content:   content,
		ClientTag: tag,
	}
	if err := s.link.Send(ev); err != nil {
		s.logger.Warn("group send not queued", "group", groupID, "error", err)
	}
	s.bus.Publish(ConversationUpdated{Key: key})
}

// SendCompanion sends a message to an AI companion. Companion sends have
// no acknowledgement event, so the local echo is confirmed immediately;
// the reply arrives as a stream.
func (s *Session) SendCompanion(companionID, content string) {
	s.do(func() {
		key := domain.CompanionKey(companionID)
		s.store.Ensure(key, s.roster.Name(companionID), "")
		s.store.Append(key, domain.Message{
			ID:         "local_" + uuid.New().String()[:8],
			SenderID:   s.selfID,
			SenderName: s.selfName,
			Content:    content,
			SentAt:     time.Now(),
			Origin:     domain.OriginConfirmed,
		})

		ev := protocol.SendCompanionEvent{
			BaseEvent:   protocol.NewBase(protocol.TypeSendCompanion),
			CompanionID: companionID,
			Content:     content,
		}
		if err := s.link.Send(ev); err != nil {
			s.logger.Warn("companion send not queued", "companion", companionID, "error", err)
		}
		s.bus.Publish(ConversationUpdated{Key: key})
	})
}

// appendOptimistic inserts the local echo for a send and returns its
// correlation tag. Runs on the loop.
func (s *Session) appendOptimistic(key domain.ConversationKey, content string, mentions []string) string {
	tag := "tag_" + uuid.New().String()[:8]
	s.store.Append(key, domain.Message{
		ID:         "local_" + uuid.New().String()[:8],
		SenderID:   s.selfID,
		SenderName: s.selfName,
		Content:    content,
		SentAt:     time.Now(),
		Origin:     domain.OriginOptimistic,
		Mentions:   mentions,
		ClientTag:  tag,
	})
	return tag
}

// Typing signals that the user is typing in the given conversation.
// Companion conversations take no typing signal.
func (s *Session) Typing(key domain.ConversationKey) {
	s.do(func() {
		var ev any
		switch key.Kind {
		case domain.KindDirect:
			ev = protocol.TypingDirectEvent{
				BaseEvent:       protocol.NewBase(protocol.TypeTypingDirect),
				ToParticipantID: key.TargetID,
			}
		case domain.KindGroup:
			ev = protocol.TypingGroupEvent{
				BaseEvent: protocol.NewBase(protocol.TypeTypingGroup),
				GroupID:   key.TargetID,
			}
		default:
			return
		}
		if err := s.link.Send(ev); err != nil {
			s.logger.Debug("typing signal not queued", "conversation", key.String(), "error", err)
		}
	})
}

// Open makes the conversation active and resets its unread counter.
func (s *Session) Open(key domain.ConversationKey) {
	s.do(func() {
		if s.store.SetActive(key) {
			s.bus.Publish(ConversationUpdated{Key: key})
		}
	})
}

// Mute sets the mute flag. Only group conversations can be muted.
func (s *Session) Mute(key domain.ConversationKey, muted bool) {
	s.do(func() {
		if s.store.SetMuted(key, muted) {
			s.bus.Publish(ConversationUpdated{Key: key})
		}
	})
}

// History fetches the page of messages older than the conversation's
// current head and prepends it. The fetch is asynchronous; if the user
// has switched the active conversation by the time it completes, the
// page is discarded.
func (s *Session) History(ctx context.Context, key domain.ConversationKey) {
	var beforeID string
	if conv, ok := s.store.Conversation(key); ok && len(conv.Messages) > 0 {
		beforeID = conv.Messages[0].ID
	}
	go func() {
		page, err := s.loader.HistoryPage(ctx, key, beforeID, s.cfg.HistoryPage)
		if err != nil {
			s.logger.Warn("history fetch failed", "conversation", key.String(), "error", err)
			return
		}
		s.post(func() {
			if active, ok := s.store.Active(); !ok || active != key {
				s.logger.Debug("history page discarded", "conversation", key.String())
				return
			}
			if s.store.PrependHistory(key, page) {
				s.bus.Publish(ConversationUpdated{Key: key})
			}
		})
	}()
}

// Conversation returns a deep snapshot of one conversation.
func (s *Session) Conversation(key domain.ConversationKey) (domain.Conversation, bool) {
	return s.store.Conversation(key)
}

// Conversations returns all conversations, most recently active first.
func (s *Session) Conversations() []domain.Conversation {
	return s.store.List()
}

// Active returns the active conversation key, if any.
func (s *Session) Active() (domain.ConversationKey, bool) {
	return s.store.Active()
}

// Contacts returns the roster.
func (s *Session) Contacts() []domain.Contact {
	return s.roster.All()
}

// onTypingExpired runs on a store timer goroutine after an indicator
// lapsed. Only the bus publish goes through the loop; the store already
// removed the entry.
func (s *Session) onTypingExpired(key domain.ConversationKey, participantID string) {
	s.post(func() {
		s.bus.Publish(ConversationUpdated{Key: key})
	})
}

// HandleFrame implements transport.Sink. Called from the read pump;
// frames queue onto the loop and are processed in arrival order. A full
// queue backpressures the pump rather than dropping frames.
func (s *Session) HandleFrame(data []byte) {
	s.post(func() {
		s.handleFrame(data)
	})
}

// ConnectionUp implements transport.Sink. After a resumed connection the
// session refreshes presence, since status events may have been missed.
func (s *Session) ConnectionUp(resumed bool) {
	s.post(func() {
		if resumed {
			s.requestPresence()
		}
		s.bus.Publish(ConnectionUp{Resumed: resumed})
	})
}

// ConnectionDown implements transport.Sink. Typing indicators are
// cleared: their senders can no longer renew them.
func (s *Session) ConnectionDown(reason error, serverClose bool) {
	s.post(func() {
		s.store.ClearAllTyping()
		s.bus.Publish(ConnectionDown{Reason: reason, ServerClose: serverClose})
	})
}

// ReconnectsExhausted implements transport.Sink.
func (s *Session) ReconnectsExhausted(attempts int) {
	s.post(func() {
		s.bus.Publish(ReconnectsExhausted{Attempts: attempts})
	})
}
