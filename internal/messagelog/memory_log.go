package messagelog

import (
	"context"
	"strings"
	"sync"
	"time"
)

type MemoryLog struct {
	mu       sync.RWMutex
	messages []Message
	now      func() time.Time
	broker   *Broker
	closed   bool
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		now:    func() time.Time { return time.Now().UTC() },
		broker: NewBroker(),
	}
}

func (l *MemoryLog) Append(ctx context.Context, req AppendRequest) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	req, err := req.normalize()
	if err != nil {
		return Message{}, err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Message{}, ErrClosed
	}
	now := l.now()
	if n := len(l.messages); n > 0 && !now.After(l.messages[n-1].CreatedAt) {
		// keep createdAt strictly increasing within this process
		now = l.messages[n-1].CreatedAt.Add(time.Microsecond)
	}
	id, err := newMessageID(now)
	if err != nil {
		l.mu.Unlock()
		return Message{}, err
	}
	msg := req.message(id, now)
	l.messages = append(l.messages, msg)
	l.mu.Unlock()

	l.broker.Publish(eventFor(msg))
	return msg, nil
}

func (l *MemoryLog) ListConversations(ctx context.Context, operatorID string) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return nil, ErrInvalidInput
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	return Summarize(filterOperator(l.messages, operatorID)), nil
}

func (l *MemoryLog) ListMessages(ctx context.Context, operatorID, conversationKey string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	operatorID, conversationKey, err := normalizeScope(operatorID, conversationKey)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	return filterConversation(l.messages, operatorID, conversationKey), nil
}

func (l *MemoryLog) Subscribe(operatorID string, fn func(ChangeEvent)) (*Subscription, error) {
	return l.broker.Subscribe(operatorID, fn)
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.broker.Close()
	return nil
}
