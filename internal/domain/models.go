// Package domain defines the core models for the conversation sync client.
package domain

import "time"

// Kind discriminates the three conversation families.
type Kind string

const (
	KindDirect    Kind = "direct"
	KindGroup     Kind = "group"
	KindCompanion Kind = "companion"
)

// ConversationKey uniquely identifies a conversation by target and kind.
type ConversationKey struct {
	Kind     Kind   `json:"kind"`
	TargetID string `json:"target_id"`
}

// DirectKey returns the key of the direct conversation with a participant.
func DirectKey(participantID string) ConversationKey {
	return ConversationKey{Kind: KindDirect, TargetID: participantID}
}

// GroupKey returns the key of a group conversation.
func GroupKey(groupID string) ConversationKey {
	return ConversationKey{Kind: KindGroup, TargetID: groupID}
}

// CompanionKey returns the key of an AI companion conversation.
func CompanionKey(companionID string) ConversationKey {
	return ConversationKey{Kind: KindCompanion, TargetID: companionID}
}

func (k ConversationKey) String() string {
	return string(k.Kind) + ":" + k.TargetID
}

// Origin tracks how a message entered the local sequence.
type Origin string

const (
	// OriginConfirmed marks a server-acknowledged message. Terminal state.
	OriginConfirmed Origin = "confirmed"
	// OriginOptimistic marks a locally sent message awaiting its ack.
	OriginOptimistic Origin = "optimistic"
	// OriginStreaming marks an in-flight AI response placeholder.
	OriginStreaming Origin = "streaming"
)

// Status represents a contact's presence.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// ParseStatus validates a wire status string.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusOnline, StatusAway, StatusOffline:
		return Status(s), true
	}
	return StatusOffline, false
}

// Message is a single entry in a conversation sequence.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name,omitempty"`
	Content     string    `json:"content"`
	SentAt      time.Time `json:"sent_at"`
	Origin      Origin    `json:"origin,omitempty"`
	AIGenerated bool      `json:"ai_generated,omitempty"`
	// Mentions carries the mentioned participant IDs. Group messages only.
	Mentions []string `json:"mentions,omitempty"`
	// ClientTag correlates an optimistic entry with its server ack.
	ClientTag string `json:"client_tag,omitempty"`
	// StreamChannel is set while Origin is OriginStreaming.
	StreamChannel string `json:"stream_channel,omitempty"`
}

// TypingState is one participant currently typing in a conversation.
type TypingState struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name,omitempty"`
}

// Conversation is a snapshot of one conversation's local state.
type Conversation struct {
	Key      ConversationKey `json:"key"`
	Name     string          `json:"name,omitempty"`
	Avatar   string          `json:"avatar,omitempty"`
	Messages []Message       `json:"messages"`
	Unread   int             `json:"unread,omitempty"`
	Muted    bool            `json:"muted,omitempty"`
	Typing   []TypingState   `json:"typing,omitempty"`
}

// LastMessage returns the newest entry of the conversation.
func (c Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// Contact is a roster entry.
type Contact struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Status Status `json:"status,omitempty"`
}
