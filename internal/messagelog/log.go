package messagelog

import (
	"context"
	"crypto/rand"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("message log closed")
)

// MaxBodyLength bounds the body of a single message in characters.
const MaxBodyLength = 4096

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

type Message struct {
	ID              string    `json:"id"`
	OperatorID      string    `json:"operatorId"`
	ConversationKey string    `json:"conversationKey"`
	Direction       Direction `json:"direction"`
	Body            string    `json:"body"`
	CreatedAt       time.Time `json:"createdAt"`
}

type ConversationSummary struct {
	ConversationKey string    `json:"conversationKey"`
	LastMessageID   string    `json:"lastMessageId"`
	LastMessageBody string    `json:"lastMessageBody"`
	LastMessageAt   time.Time `json:"lastMessageAt"`
	UnreadCount     int       `json:"unreadCount"`
}

type AppendRequest struct {
	OperatorID      string
	ConversationKey string
	Direction       Direction
	Body            string
}

// ChangeEvent is published for every appended row. Direction and Body are
// empty when the backend only carries key fields.
type ChangeEvent struct {
	OperatorID      string    `json:"operatorId"`
	ConversationKey string    `json:"conversationKey"`
	MessageID       string    `json:"messageId"`
	CreatedAt       time.Time `json:"createdAt"`
	Direction       Direction `json:"direction,omitempty"`
	Body            string    `json:"body,omitempty"`
}

// Log is an append-only message store. Rows are never mutated or deleted.
type Log interface {
	Append(ctx context.Context, req AppendRequest) (Message, error)
	ListConversations(ctx context.Context, operatorID string) ([]ConversationSummary, error)
	// ListMessages returns one conversation ascending by (createdAt, id).
	ListMessages(ctx context.Context, operatorID, conversationKey string) ([]Message, error)
	Subscribe(operatorID string, fn func(ChangeEvent)) (*Subscription, error)
	Close() error
}

func (r AppendRequest) normalize() (AppendRequest, error) {
	r.OperatorID = strings.TrimSpace(r.OperatorID)
	r.ConversationKey = strings.TrimSpace(r.ConversationKey)
	r.Direction = Direction(strings.ToLower(strings.TrimSpace(string(r.Direction))))
	if r.OperatorID == "" || r.ConversationKey == "" || !r.Direction.Valid() {
		return AppendRequest{}, ErrInvalidInput
	}
	if r.Body == "" || utf8.RuneCountInString(r.Body) > MaxBodyLength {
		return AppendRequest{}, ErrInvalidInput
	}
	return r, nil
}

func (r AppendRequest) message(id string, createdAt time.Time) Message {
	return Message{
		ID:              id,
		OperatorID:      r.OperatorID,
		ConversationKey: r.ConversationKey,
		Direction:       r.Direction,
		Body:            r.Body,
		CreatedAt:       createdAt,
	}
}

func eventFor(msg Message) ChangeEvent {
	return ChangeEvent{
		OperatorID:      msg.OperatorID,
		ConversationKey: msg.ConversationKey,
		MessageID:       msg.ID,
		CreatedAt:       msg.CreatedAt,
		Direction:       msg.Direction,
		Body:            msg.Body,
	}
}

func newMessageID(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func messageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func SortMessages(messages []Message) {
	sort.Slice(messages, func(i, j int) bool {
		return messageLess(messages[i], messages[j])
	})
}

// Summarize groups messages by conversation key and keeps the most recent
// row of each group. The result is ordered by last message descending.
func Summarize(messages []Message) []ConversationSummary {
	latest := map[string]Message{}
	for _, msg := range messages {
		current, ok := latest[msg.ConversationKey]
		if !ok || messageLess(current, msg) {
			latest[msg.ConversationKey] = msg
		}
	}
	out := make([]ConversationSummary, 0, len(latest))
	for key, msg := range latest {
		out = append(out, ConversationSummary{
			ConversationKey: key,
			LastMessageID:   msg.ID,
			LastMessageBody: msg.Body,
			LastMessageAt:   msg.CreatedAt,
		})
	}
	SortSummaries(out)
	return out
}

func SortSummaries(summaries []ConversationSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		if a.LastMessageID != b.LastMessageID {
			return a.LastMessageID > b.LastMessageID
		}
		return a.ConversationKey < b.ConversationKey
	})
}

func filterConversation(messages []Message, operatorID, conversationKey string) []Message {
	out := make([]Message, 0)
	for _, msg := range messages {
		if msg.OperatorID == operatorID && msg.ConversationKey == conversationKey {
			out = append(out, msg)
		}
	}
	SortMessages(out)
	return out
}

func filterOperator(messages []Message, operatorID string) []Message {
	out := make([]Message, 0)
	for _, msg := range messages {
		if msg.OperatorID == operatorID {
			out = append(out, msg)
		}
	}
	return out
}

func normalizeScope(operatorID, conversationKey string) (string, string, error) {
	operatorID = strings.TrimSpace(operatorID)
	conversationKey = strings.TrimSpace(conversationKey)
	if operatorID == "" || conversationKey == "" {
		return "", "", ErrInvalidInput
	}
	return operatorID, conversationKey, nil
}
