package inboxsync

import (
	"context"
	"time"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Message struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversationKey"`
	Direction       Direction `json:"direction"`
	Body            string    `json:"body"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Before reports whether m sorts ahead of other in the (createdAt, id) order.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

type ConversationSummary struct {
	ConversationKey string    `json:"conversationKey"`
	LastMessageID   string    `json:"lastMessageId"`
	LastMessageBody string    `json:"lastMessageBody"`
	LastMessageAt   time.Time `json:"lastMessageAt"`
	UnreadCount     int       `json:"unreadCount"`
}

func (s ConversationSummary) newerThan(other ConversationSummary) bool {
	if !s.LastMessageAt.Equal(other.LastMessageAt) {
		return s.LastMessageAt.After(other.LastMessageAt)
	}
	return s.LastMessageID > other.LastMessageID
}

type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventHeartbeat      EventType = "heartbeat"
)

// Event is one push notification. Direction and Body are only set when the
// transport carries the full row; otherwise the event names the row by key.
type Event struct {
	Type            EventType `json:"type"`
	ConversationKey string    `json:"conversationKey,omitempty"`
	MessageID       string    `json:"messageId,omitempty"`
	CreatedAt       time.Time `json:"createdAt,omitzero"`
	Direction       Direction `json:"direction,omitempty"`
	Body            string    `json:"body,omitempty"`
}

// Message returns the full row carried by the event, if any.
func (e Event) Message() (Message, bool) {
	if e.Type != EventMessageCreated || e.MessageID == "" || e.ConversationKey == "" || e.Direction == "" {
		return Message{}, false
	}
	return Message{
		ID:              e.MessageID,
		ConversationKey: e.ConversationKey,
		Direction:       e.Direction,
		Body:            e.Body,
		CreatedAt:       e.CreatedAt,
	}, true
}

type ScopeKind string

const (
	ScopeIndex  ScopeKind = "index"
	ScopeThread ScopeKind = "thread"
)

type Scope struct {
	Kind            ScopeKind
	ConversationKey string
}

func (s Scope) String() string {
	if s.Kind == ScopeThread {
		return "thread:" + s.ConversationKey
	}
	return string(s.Kind)
}

// Fetcher reads the message log.
type Fetcher interface {
	ListConversations(ctx context.Context, operatorID string) ([]ConversationSummary, error)
	ListMessages(ctx context.Context, operatorID, conversationKey string) ([]Message, error)
}

// Subscriber opens push subscriptions scoped to one operator's conversations.
// onEvent may be called from any goroutine until the subscription is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, operatorID string, onEvent func(Event)) (Subscription, error)
}

type Subscription interface {
	// Done is closed when the subscription stops delivering events.
	Done() <-chan struct{}
	Err() error
	Close() error
}

type Logger interface {
	Printf(format string, args ...any)
}
