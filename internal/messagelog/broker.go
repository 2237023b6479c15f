package messagelog

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Broker fans change events out to per-operator subscribers. Callbacks run
// on the publishing goroutine and must not block.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription
	closed bool
}

type Subscription struct {
	ID         string
	OperatorID string

	fn     func(ChangeEvent)
	broker *Broker
	once   sync.Once
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[string]*Subscription{}}
}

func (b *Broker) Subscribe(operatorID string, fn func(ChangeEvent)) (*Subscription, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" || fn == nil {
		return nil, ErrInvalidInput
	}
	sub := &Subscription{
		ID:         uuid.NewString(),
		OperatorID: operatorID,
		fn:         fn,
		broker:     b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.subs[operatorID] == nil {
		b.subs[operatorID] = map[string]*Subscription{}
	}
	b.subs[operatorID][sub.ID] = sub
	return sub, nil
}

func (b *Broker) Publish(ev ChangeEvent) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[ev.OperatorID]))
	for _, sub := range b.subs[ev.OperatorID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()
	for _, sub := range targets {
		sub.fn(ev)
	}
}

// Len reports the number of live subscriptions across all operators.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = map[string]map[string]*Subscription{}
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.OperatorID]
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(b.subs, sub.OperatorID)
	}
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		s.broker.remove(s)
	})
	return nil
}
