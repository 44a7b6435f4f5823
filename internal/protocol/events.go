// Package protocol defines the WebSocket event protocol between the chat
// client and the server.
package protocol

import "time"

// Event types from client to server
const (
	TypeHello          = "hello"
	TypeAnnounceOnline = "announce_online"
	TypePresenceCheck  = "presence_check"
	TypeSendDirect     = "send_direct"
	TypeSendGroup      = "send_group"
	TypeSendCompanion  = "send_companion"
	TypeGroupAIMention = "group_ai_mention"
)

// Event types from server to client
const (
	TypeHelloAck      = "hello_ack"
	TypePresence      = "presence"
	TypePresenceBatch = "presence_batch"
	TypeDirectMessage = "direct_message"
	TypeDirectAck     = "direct_ack"
	TypeGroupMessage  = "group_message"
	TypeGroupAck      = "group_ack"
	TypeMemberAdded   = "member_added"
	TypeMemberRemoved = "member_removed"
	TypeGroupDeleted  = "group_deleted"
	TypeStreamStart   = "ai_stream_start"
	TypeStreamChunk   = "ai_stream_chunk"
	TypeStreamEnd     = "ai_stream_end"
	TypeStreamError   = "ai_stream_error"
	TypeError         = "error"
)

// Typing events travel both ways: clients send the target, the server
// relays the origin.
const (
	TypeTypingDirect = "typing_direct"
	TypeTypingGroup  = "typing_group"
)

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"` // Unix milliseconds
}

// NewBase returns a BaseEvent stamped with the current time.
func NewBase(eventType string) BaseEvent {
	return BaseEvent{Type: eventType, Ts: time.Now().UnixMilli()}
}

// WireMessage is the message shape shared by delivery and ack events.
type WireMessage struct {
	ID          string `json:"id"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name,omitempty"`
	Content     string `json:"content"`
	SentAt      int64  `json:"sent_at"` // Unix milliseconds
	AIGenerated bool   `json:"ai_generated,omitempty"`
	ClientTag   string `json:"client_tag,omitempty"`
}

// HelloEvent is sent by the client to authenticate the connection.
type HelloEvent struct {
	BaseEvent
	Token      string            `json:"token,omitempty"`
	SessionID  string            `json:"session_id,omitempty"` // resume a previous session
	ClientMeta map[string]string `json:"client_meta,omitempty"`
}

// HelloAckEvent is sent by the server after a successful hello.
type HelloAckEvent struct {
	BaseEvent
	SessionID string `json:"session_id"`
}

// AnnounceOnlineEvent tells the server the client is online and reachable.
type AnnounceOnlineEvent struct {
	BaseEvent
}

// PresenceCheckEvent requests a status batch for the named participants.
type PresenceCheckEvent struct {
	BaseEvent
	ParticipantIDs []string `json:"participant_ids"`
}

// PresenceEvent carries a single participant status change.
type PresenceEvent struct {
	BaseEvent
	ParticipantID string `json:"participant_id"`
	Status        string `json:"status"`
}

// PresenceEntry is one row of a presence batch.
type PresenceEntry struct {
	ParticipantID string `json:"participant_id"`
	Status        string `json:"status"`
}

// PresenceBatchEvent carries statuses for multiple participants. Entries
// name the participants they update; everyone else is untouched.
type PresenceBatchEvent struct {
	BaseEvent
	Statuses []PresenceEntry `json:"statuses"`
}

// SendDirectEvent is sent by the client to deliver a direct message.
type SendDirectEvent struct {
	BaseEvent
	ToParticipantID string `json:"to_participant_id"`
	Content         string `json:"content"`
	ClientTag       string `json:"client_tag,omitempty"`
}

// SendGroupEvent is sent by the client to deliver a group message.
type SendGroupEvent struct {
	BaseEvent
	GroupID   string `json:"group_id"`
	Content   string `json:"content"`
	ClientTag string `json:"client_tag,omitempty"`
}

// SendCompanionEvent is sent by the client to message an AI companion.
type SendCompanionEvent struct {
	BaseEvent
	CompanionID string `json:"companion_id"`
	Content     string `json:"content"`
}

// GroupAIMentionEvent asks the group's AI participant to respond.
type GroupAIMentionEvent struct {
	BaseEvent
	GroupID string `json:"group_id"`
	Content string `json:"content"`
}

// TypingDirectEvent signals typing in a direct conversation.
type TypingDirectEvent struct {
	BaseEvent
	ToParticipantID   string `json:"to_participant_id,omitempty"`
	FromParticipantID string `json:"from_participant_id,omitempty"`
	Name              string `json:"name,omitempty"`
}

// TypingGroupEvent signals typing in a group conversation.
type TypingGroupEvent struct {
	BaseEvent
	GroupID       string `json:"group_id"`
	ParticipantID string `json:"participant_id,omitempty"`
	Name          string `json:"name,omitempty"`
}

// DirectMessageEvent delivers a direct message (direct_message) or
// confirms a sent one (direct_ack). Acks carry to_participant_id so the
// client can locate the conversation the send belongs to.
type DirectMessageEvent struct {
	BaseEvent
	Message         WireMessage `json:"message"`
	ToParticipantID string      `json:"to_participant_id,omitempty"`
}

// GroupMessageEvent delivers a group message or confirms a sent one.
type GroupMessageEvent struct {
	BaseEvent
	GroupID  string      `json:"group_id"`
	Message  WireMessage `json:"message"`
	Mentions []string    `json:"mentions,omitempty"`
}

// MembershipEvent reports a participant joining or leaving a group.
type MembershipEvent struct {
	BaseEvent
	GroupID         string `json:"group_id"`
	GroupName       string `json:"group_name,omitempty"`
	ParticipantID   string `json:"participant_id"`
	ParticipantName string `json:"participant_name,omitempty"`
}

// GroupDeletedEvent reports a group being deleted.
type GroupDeletedEvent struct {
	BaseEvent
	GroupID   string `json:"group_id"`
	GroupName string `json:"group_name,omitempty"`
}

// StreamBinding locates the conversation an AI stream belongs to.
// Exactly one of CompanionID or GroupID is set. Every stream event
// carries the binding so chunk/end/error stay routable when the start
// event was lost across a reconnect.
type StreamBinding struct {
	CompanionID string `json:"companion_id,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
}

// StreamStartEvent opens an AI response stream.
type StreamStartEvent struct {
	BaseEvent
	StreamBinding
	ChannelID string `json:"channel_id"`
}

// StreamChunkEvent carries the cumulative text of an in-flight AI
// response. Each chunk supersedes the previous one.
type StreamChunkEvent struct {
	BaseEvent
	StreamBinding
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

// StreamEndEvent closes an AI response stream with the final message.
type StreamEndEvent struct {
	BaseEvent
	StreamBinding
	ChannelID string      `json:"channel_id"`
	Message   WireMessage `json:"message"`
}

// StreamErrorEvent aborts an AI response stream.
type StreamErrorEvent struct {
	BaseEvent
	StreamBinding
	ChannelID string `json:"channel_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ErrorEvent is sent by the server when a request fails.
type ErrorEvent struct {
	BaseEvent
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidEvent  = "invalid_event"
	ErrorCodeUnauthorized  = "unauthorized"
	ErrorCodeUnknownTarget = "unknown_target"
	ErrorCodeStreamFailed  = "stream_failed"
	ErrorCodeInternalError = "internal_error"
)
