package session

import (
	"sync"

	"github.com/nelsonmandeladev/retrochat-client/internal/domain"
	"github.com/nelsonmandeladev/retrochat-client/internal/telemetry"
)

// Event is the union of notifications published by the session. Consumers
// switch on the concrete type.
type Event interface {
	isEvent()
}

// ConnectionUp reports an established connection.
type ConnectionUp struct {
	Resumed bool
}

// ConnectionDown reports a lost connection. ServerClose distinguishes an
// explicit server-side termination from a transport error.
type ConnectionDown struct {
	Reason      error
	ServerClose bool
}

// ReconnectsExhausted reports that the retry cap was reached and no
// further attempts will be made.
type ReconnectsExhausted struct {
	Attempts int
}

// ConversationUpdated reports any change to a conversation's state.
type ConversationUpdated struct {
	Key domain.ConversationKey
}

// MessageArrived reports a new confirmed message from another party.
type MessageArrived struct {
	Key     domain.ConversationKey
	Message domain.Message
}

// MembershipChanged reports a participant joining or leaving a group.
type MembershipChanged struct {
	Key             domain.ConversationKey
	Joined          bool
	GroupName       string
	ParticipantID   string
	ParticipantName string
}

// ConversationRemoved reports a conversation leaving the list, e.g. a
// deleted group.
type ConversationRemoved struct {
	Key  domain.ConversationKey
	Name string
}

// StreamFailed reports an aborted AI response stream.
type StreamFailed struct {
	Key       domain.ConversationKey
	ChannelID string
	Reason    string
}

// RosterUpdated reports a presence or contact change.
type RosterUpdated struct{}

func (ConnectionUp) isEvent()        {}
func (ConnectionDown) isEvent()      {}
func (ReconnectsExhausted) isEvent() {}
func (ConversationUpdated) isEvent() {}
func (MessageArrived) isEvent()      {}
func (MembershipChanged) isEvent()   {}
func (ConversationRemoved) isEvent() {}
func (StreamFailed) isEvent()        {}
func (RosterUpdated) isEvent()       {}

const busBuffer = 64

// bus fans session events out to subscribers. Publish never blocks; a
// subscriber that falls behind loses events rather than stalling the
// event loop.
type bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called when done; it closes the channel.
func (b *bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, busBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber that has room.
func (b *bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			telemetry.BusDropped.Inc()
		}
	}
}

// Close closes every subscriber channel. Publish and Subscribe become
// no-ops afterwards.
func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
