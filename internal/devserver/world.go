package devserver

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nelsonmandeladev/retrochat-client/internal/backend"
	"github.com/nelsonmandeladev/retrochat-client/internal/domain"
	"github.com/nelsonmandeladev/retrochat-client/internal/protocol"
)

// aiParticipantID is the sender the stub uses for group AI replies.
const aiParticipantID = "ai"

// recentTail is how many trailing messages each conversation carries in
// the bootstrap snapshot. Older ones are reachable through history paging.
const recentTail = 10

// world is the stub's in-memory state: one account, a fixed roster, and
// per-conversation message history.
type world struct {
	mu       sync.Mutex
	selfID   string
	selfName string
	contacts []domain.Contact
	groups   map[string]string // group id -> name
	handles  map[string]string // mention handle -> participant id
	convs    []convSeed
	history  map[string][]domain.Message
}

// convSeed fixes the identity and snapshot order of a conversation.
type convSeed struct {
	key    domain.ConversationKey
	name   string
	avatar string
}

func newWorld() *world {
	w := &world{
		selfID:   "u_self",
		selfName: "Sam",
		contacts: []domain.Contact{
			{ID: "u_alice", Name: "Alice", Avatar: "/avatars/alice.png", Status: domain.StatusOnline},
			{ID: "u_bob", Name: "Bob", Avatar: "/avatars/bob.png", Status: domain.StatusAway},
			{ID: "c_ava", Name: "Ava", Avatar: "/avatars/ava.png", Status: domain.StatusOnline},
		},
		groups: map[string]string{
			"g_retro": "Retro Lounge",
		},
		handles: map[string]string{
			"alice": "u_alice",
			"bob":   "u_bob",
			"ai":    aiParticipantID,
		},
		convs: []convSeed{
			{key: domain.DirectKey("u_alice"), name: "Alice", avatar: "/avatars/alice.png"},
			{key: domain.DirectKey("u_bob"), name: "Bob", avatar: "/avatars/bob.png"},
			{key: domain.GroupKey("g_retro"), name: "Retro Lounge", avatar: "/avatars/retro.png"},
			{key: domain.CompanionKey("c_ava"), name: "Ava", avatar: "/avatars/ava.png"},
		},
		history: make(map[string][]domain.Message),
	}
	w.seed()
	return w
}

func (w *world) seed() {
	now := time.Now()

	w.append(domain.DirectKey("u_alice"),
		seedMsg("msg_a001", "u_alice", "Alice", "Did you see the new build?", now.Add(-42*time.Minute)),
		seedMsg("msg_a002", w.selfID, w.selfName, "Not yet, deploying it now.", now.Add(-40*time.Minute)),
		seedMsg("msg_a003", "u_alice", "Alice", "Ping me when it lands.", now.Add(-39*time.Minute)),
	)

	w.append(domain.DirectKey("u_bob"),
		seedMsg("msg_b001", "u_bob", "Bob", "Lunch at noon?", now.Add(-3*time.Hour)),
		seedMsg("msg_b002", w.selfID, w.selfName, "Sure, usual place.", now.Add(-3*time.Hour+2*time.Minute)),
	)

	ava := seedMsg("msg_c001", "c_ava", "Ava", "Hi Sam, ask me anything.", now.Add(-24*time.Hour))
	ava.AIGenerated = true
	w.append(domain.CompanionKey("c_ava"), ava)

	// A long group backlog so history paging has something to page.
	groupKey := domain.GroupKey("g_retro")
	senders := []struct{ id, name string }{
		{w.selfID, w.selfName},
		{"u_alice", "Alice"},
		{"u_bob", "Bob"},
	}
	lines := []string{
		"Anyone up for a retro game night?",
		"I vote for the pixel platformer.",
		"Bring snacks this time.",
		"High score board resets on Friday.",
		"Who broke the CRT filter?",
	}
	base := now.Add(-90 * time.Minute)
	for i := 0; i < 45; i++ {
		s := senders[i%len(senders)]
		line := fmt.Sprintf("%s (%d)", lines[i%len(lines)], i+1)
		w.append(groupKey, seedMsg(fmt.Sprintf("msg_g%03d", i+1), s.id, s.name, line, base.Add(time.Duration(i)*time.Minute)))
	}
}

func seedMsg(id, senderID, senderName, content string, at time.Time) domain.Message {
	return domain.Message{
		ID:         id,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
		SentAt:     at,
		Origin:     domain.OriginConfirmed,
	}
}

func (w *world) append(key domain.ConversationKey, msgs ...domain.Message) {
	k := key.String()
	w.history[k] = append(w.history[k], msgs...)
}

func (w *world) participantName(id string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch id {
	case aiParticipantID:
		return "AI"
	case w.selfID:
		return w.selfName
	}
	for _, c := range w.contacts {
		if c.ID == id {
			return c.Name
		}
	}
	return ""
}

func (w *world) knownParticipant(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id == w.selfID {
		return true
	}
	for _, c := range w.contacts {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (w *world) knownGroup(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.groups[id]
	return ok
}

// statuses answers a presence check. Unknown participants are omitted.
func (w *world) statuses(ids []string) []protocol.PresenceEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	entries := make([]protocol.PresenceEntry, 0, len(ids))
	for _, id := range ids {
		for _, c := range w.contacts {
			if c.ID == id {
				entries = append(entries, protocol.PresenceEntry{
					ParticipantID: c.ID,
					Status:        string(c.Status),
				})
				break
			}
		}
	}
	return entries
}

// snapshot builds the bootstrap payload: roster plus each conversation
// with its recent message tail.
func (w *world) snapshot() backend.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := backend.Snapshot{
		SelfID:   w.selfID,
		SelfName: w.selfName,
		Contacts: append([]domain.Contact(nil), w.contacts...),
	}
	for _, seed := range w.convs {
		msgs := w.history[seed.key.String()]
		start := 0
		if len(msgs) > recentTail {
			start = len(msgs) - recentTail
		}
		snap.Conversations = append(snap.Conversations, domain.Conversation{
			Key:      seed.key,
			Name:     seed.name,
			Avatar:   seed.avatar,
			Messages: append([]domain.Message(nil), msgs[start:]...),
		})
	}
	return snap
}

// historyBefore returns up to limit messages strictly older than beforeID,
// oldest first. An empty beforeID means the newest page.
func (w *world) historyBefore(key domain.ConversationKey, beforeID string, limit int) []domain.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	msgs := w.history[key.String()]
	end := len(msgs)
	if beforeID != "" {
		end = 0
		for i, m := range msgs {
			if m.ID == beforeID {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return append([]domain.Message(nil), msgs[start:end]...)
}

func (w *world) recordDirect(to, content, tag string) protocol.WireMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := w.record(domain.DirectKey(to), w.selfID, w.selfName, content, false)
	return wireFromDomain(msg, tag)
}

func (w *world) recordGroup(groupID, content, tag string) (protocol.WireMessage, []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := w.record(domain.GroupKey(groupID), w.selfID, w.selfName, content, false)
	mentions := w.mentionIDs(content)
	return wireFromDomain(msg, tag), mentions
}

func (w *world) recordCompanionPrompt(companionID, content string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record(domain.CompanionKey(companionID), w.selfID, w.selfName, content, false)
}

func (w *world) recordAI(key domain.ConversationKey, senderID, senderName, content string) protocol.WireMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := w.record(key, senderID, senderName, content, true)
	return wireFromDomain(msg, "")
}

// record appends a new confirmed message. Callers hold w.mu.
func (w *world) record(key domain.ConversationKey, senderID, senderName, content string, ai bool) domain.Message {
	msg := domain.Message{
		ID:          "msg_" + uuid.New().String()[:8],
		SenderID:    senderID,
		SenderName:  senderName,
		Content:     content,
		SentAt:      time.Now(),
		Origin:      domain.OriginConfirmed,
		AIGenerated: ai,
	}
	w.append(key, msg)
	return msg
}

// mentionIDs resolves @handle tokens to participant IDs. Unknown handles
// pass through as written so clients can still show them.
func (w *world) mentionIDs(content string) []string {
	var out []string
	for _, field := range strings.Fields(content) {
		if len(field) < 2 || field[0] != '@' {
			continue
		}
		handle := strings.ToLower(strings.TrimRight(field[1:], ".,!?:;"))
		if handle == "" {
			continue
		}
		if id, ok := w.handles[handle]; ok {
			out = append(out, id)
		} else {
			out = append(out, handle)
		}
	}
	return out
}

func wireFromDomain(m domain.Message, tag string) protocol.WireMessage {
	return protocol.WireMessage{
		ID:          m.ID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Content:     m.Content,
		SentAt:      m.SentAt.UnixMilli(),
		AIGenerated: m.AIGenerated,
		ClientTag:   tag,
	}
}
