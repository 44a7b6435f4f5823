// Package notify decides which reconciled events deserve user-facing
// feedback and hands them to a delivery collaborator. It owns no
// synchronization state; it reads session snapshots and is never waited
// on by the event loop.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nelsonmandeladev/retrochat-client/internal/domain"
	"github.com/nelsonmandeladev/retrochat-client/internal/session"
	"github.com/nelsonmandeladev/retrochat-client/internal/telemetry"
)

// Category classifies a notification for the delivery layer.
type Category string

const (
	CategoryDirect      Category = "direct"
	CategoryGroup       Category = "group"
	CategoryMention     Category = "mention"
	CategoryAI          Category = "ai"
	CategoryConnection  Category = "connection"
	CategoryStreamError Category = "stream_error"
)

// Notification is the plain payload handed to the delivery collaborator.
// Sticky notifications stay up until dismissed.
type Notification struct {
	Title    string
	Body     string
	Category Category
	Sticky   bool
}

// Sink delivers notifications. Implementations (sound, toast, browser)
// must not block.
type Sink interface {
	Deliver(n Notification)
}

// State is the conversation context the dispatcher gates on.
// *session.Session satisfies it.
type State interface {
	SelfID() string
	Active() (domain.ConversationKey, bool)
	Conversation(key domain.ConversationKey) (domain.Conversation, bool)
}

const bodyLimit = 140

// connection events share one limiter key so flapping cannot spam.
const connectionKey = "connection"

// Dispatcher applies the notification policy: self-sent, muted, and
// active conversations are suppressed; everything else passes a
// per-conversation rate limiter on its way to the sink.
type Dispatcher struct {
	state  State
	sink   Sink
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewDispatcher creates a dispatcher delivering to sink. ratePerSec and
// burst bound deliveries per conversation; non-positive values fall back
// to one delivery per two seconds with a burst of three.
func NewDispatcher(state State, sink Sink, ratePerSec float64, burst int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if ratePerSec <= 0 {
		ratePerSec = 0.5
	}
	if burst <= 0 {
		burst = 3
	}
	return &Dispatcher{
		state:    state,
		sink:     sink,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(ratePerSec),
		burst:    burst,
	}
}

// Run consumes session events until ctx is done or the channel closes.
func (d *Dispatcher) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.handleEvent(ev)
		}
	}
}

func (d *Dispatcher) handleEvent(ev session.Event) {
	switch e := ev.(type) {
	case session.MessageArrived:
		d.message(e)
	case session.ConnectionUp:
		if e.Resumed {
			d.deliver(Notification{
				Title:    "Reconnected",
				Body:     "You are back online.",
				Category: CategoryConnection,
			}, connectionKey)
		}
	case session.ConnectionDown:
		d.deliver(Notification{
			Title:    "Connection lost",
			Body:     "Reconnecting...",
			Category: CategoryConnection,
		}, connectionKey)
	case session.ReconnectsExhausted:
		// Terminal state; never rate limited, stays until dismissed.
		telemetry.Notifications.WithLabelValues(telemetry.OutcomeDelivered).Inc()
		d.sink.Deliver(Notification{
			Title:    "Disconnected",
			Body:     "Could not reach the server. Reconnect manually to continue.",
			Category: CategoryConnection,
			Sticky:   true,
		})
	case session.StreamFailed:
		d.deliver(Notification{
			Title:    d.conversationTitle(e.Key),
			Body:     "The AI response failed. Send your message again to retry.",
			Category: CategoryStreamError,
		}, e.Key.String())
	case session.MembershipChanged:
		d.membership(e)
	case session.ConversationRemoved:
		name := e.Name
		if name == "" {
			name = e.Key.TargetID
		}
		d.deliver(Notification{
			Title:    name,
			Body:     "This group was deleted.",
			Category: CategoryGroup,
		}, e.Key.String())
	}
}

func (d *Dispatcher) message(e session.MessageArrived) {
	if e.Message.SenderID == d.state.SelfID() {
		d.suppress("self")
		return
	}
	conv, ok := d.state.Conversation(e.Key)
	if ok && conv.Muted {
		d.suppress("muted")
		return
	}
	if active, hasActive := d.state.Active(); hasActive && active == e.Key {
		d.suppress("active")
		return
	}

	title := d.conversationTitle(e.Key)
	if e.Key.Kind == domain.KindGroup && e.Message.SenderName != "" {
		title = e.Message.SenderName + " in " + title
	}
	d.deliver(Notification{
		Title:    title,
		Body:     clip(e.Message.Content, bodyLimit),
		Category: d.messageCategory(e),
	}, e.Key.String())
}

func (d *Dispatcher) messageCategory(e session.MessageArrived) Category {
	if e.Key.Kind == domain.KindGroup && mentionsSelf(e.Message.Mentions, d.state.SelfID()) {
		return CategoryMention
	}
	if e.Message.AIGenerated || e.Key.Kind == domain.KindCompanion {
		return CategoryAI
	}
	if e.Key.Kind == domain.KindGroup {
		return CategoryGroup
	}
	return CategoryDirect
}

func (d *Dispatcher) membership(e session.MembershipChanged) {
	self := e.ParticipantID == d.state.SelfID()
	if self && !e.Joined {
		// Our own removal is reported through ConversationRemoved.
		return
	}
	if conv, ok := d.state.Conversation(e.Key); ok && conv.Muted {
		d.suppress("muted")
		return
	}
	if active, hasActive := d.state.Active(); hasActive && active == e.Key {
		d.suppress("active")
		return
	}

	name := e.ParticipantName
	if name == "" {
		name = e.ParticipantID
	}
	var body string
	switch {
	case self:
		body = "You were added to this group."
	case e.Joined:
		body = name + " joined the group."
	default:
		body = name + " left the group."
	}
	d.deliver(Notification{
		Title:    d.conversationTitle(e.Key),
		Body:     body,
		Category: CategoryGroup,
	}, e.Key.String())
}

// deliver passes n to the sink unless the limiter for key says no.
func (d *Dispatcher) deliver(n Notification, key string) {
	if !d.allow(key) {
		telemetry.Notifications.WithLabelValues(telemetry.OutcomeLimited).Inc()
		d.logger.Debug("notification rate limited", "key", key, "category", string(n.Category))
		return
	}
	telemetry.Notifications.WithLabelValues(telemetry.OutcomeDelivered).Inc()
	d.sink.Deliver(n)
}

func (d *Dispatcher) suppress(reason string) {
	telemetry.Notifications.WithLabelValues(telemetry.OutcomeSuppressed).Inc()
	d.logger.Debug("notification suppressed", "reason", reason)
}

func (d *Dispatcher) allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[key]
	if !ok {
		l = rate.NewLimiter(d.rps, d.burst)
		d.limiters[key] = l
	}
	return l.Allow()
}

func (d *Dispatcher) conversationTitle(key domain.ConversationKey) string {
	if conv, ok := d.state.Conversation(key); ok && conv.Name != "" {
		return conv.Name
	}
	return key.TargetID
}

func mentionsSelf(mentions []string, selfID string) bool {
	for _, m := range mentions {
		if m == selfID {
			return true
		}
	}
	return false
}

func clip(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
