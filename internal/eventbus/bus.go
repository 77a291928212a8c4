package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"

	"github.com/canopyide/termflow/schema"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventOutput carries a presented output batch for a session.
	EventOutput EventType = "output"
	// EventUnseen carries an unseen-output edge notification.
	EventUnseen EventType = "unseen"
	// EventTier carries an applied tier change.
	EventTier EventType = "tier"
	// EventResize carries an applied geometry change.
	EventResize EventType = "resize"
	// EventSession carries session lifecycle updates.
	EventSession EventType = "session"
	// EventContext carries accelerated-context pool activity.
	EventContext EventType = "context"
)

// Event represents a subscriber-facing event emitted by the pipeline.
type Event struct {
	Type    EventType
	Output  schema.OutputEvent
	Unseen  schema.UnseenEvent
	Tier    schema.TierEvent
	Resize  schema.ResizeEvent
	Session schema.SessionEvent
	Context schema.ContextEvent
}

// SessionID returns the session the event concerns, if any.
func (e Event) SessionID() schema.SessionID {
	switch e.Type {
	case EventOutput:
		return e.Output.SessionID
	case EventUnseen:
		return e.Unseen.SessionID
	case EventTier:
		return e.Tier.SessionID
	case EventResize:
		return e.Resize.SessionID
	case EventSession:
		return e.Session.Session.ID
	case EventContext:
		return e.Context.SessionID
	}
	return ""
}

// Bus fanouts pipeline events to per-session and firehose subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[schema.SessionID]map[chan Event]struct{}
	global map[chan Event]struct{}
	log    pslog.Logger
	depth  int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:   make(map[schema.SessionID]map[chan Event]struct{}),
		global: make(map[chan Event]struct{}),
		log:    logger,
		depth:  256,
	}
}

// Subscribe registers a subscriber for one session and returns a channel
// plus cancel.
func (b *Bus) Subscribe(sessionID schema.SessionID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	sessionSubs := b.subs[sessionID]
	if sessionSubs == nil {
		sessionSubs = make(map[chan Event]struct{})
		b.subs[sessionID] = sessionSubs
	}
	sessionSubs[ch] = struct{}{}
	count := len(sessionSubs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.With("session", sessionID).Debug("eventbus subscribe", "subs", count)
	}
	return ch, func() {
		b.mu.Lock()
		if subs := b.subs[sessionID]; subs != nil {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(b.subs, sessionID)
			}
		}
		b.mu.Unlock()
		close(ch)
		if b.log != nil {
			b.log.With("session", sessionID).Debug("eventbus unsubscribe")
		}
	}
}

// SubscribeAll registers a firehose subscriber that receives every event.
func (b *Bus) SubscribeAll() (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	b.global[ch] = struct{}{}
	count := len(b.global)
	b.mu.Unlock()
	if b.log != nil {
		b.log.Debug("eventbus subscribe all", "subs", count)
	}
	return ch, func() {
		b.mu.Lock()
		delete(b.global, ch)
		b.mu.Unlock()
		close(ch)
		if b.log != nil {
			b.log.Debug("eventbus unsubscribe all")
		}
	}
}

// OnOutput publishes a presented output batch.
func (b *Bus) OnOutput(event schema.OutputEvent) {
	b.publish(event.SessionID, Event{Type: EventOutput, Output: event})
}

// OnUnseen publishes an unseen-output notification.
func (b *Bus) OnUnseen(event schema.UnseenEvent) {
	b.publish(event.SessionID, Event{Type: EventUnseen, Unseen: event})
}

// OnTier publishes an applied tier change.
func (b *Bus) OnTier(event schema.TierEvent) {
	b.publish(event.SessionID, Event{Type: EventTier, Tier: event})
}

// OnResize publishes an applied geometry change.
func (b *Bus) OnResize(event schema.ResizeEvent) {
	b.publish(event.SessionID, Event{Type: EventResize, Resize: event})
}

// OnSessionEvent publishes a session lifecycle update.
func (b *Bus) OnSessionEvent(event schema.SessionEvent) {
	b.publish(event.Session.ID, Event{Type: EventSession, Session: event})
}

// OnContextEvent publishes accelerated-context pool activity.
func (b *Bus) OnContextEvent(event schema.ContextEvent) {
	b.publish(event.SessionID, Event{Type: EventContext, Context: event})
}

func (b *Bus) publish(sessionID schema.SessionID, event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	sessionSubs := b.subs[sessionID]
	subs := make([]chan Event, 0, len(sessionSubs)+len(b.global))
	for sub := range sessionSubs {
		subs = append(subs, sub)
	}
	for sub := range b.global {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 && b.log != nil {
		b.log.With("session", sessionID).Trace("eventbus dropped", "count", dropped)
	}
}
