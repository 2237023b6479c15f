package inboxsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeLog serves ListConversations and ListMessages from memory. A gated
// key blocks ListMessages, ignoring ctx, until the gate is closed.
type fakeLog struct {
	mu       sync.Mutex
	messages map[string][]Message
	err      error
	calls    map[string]int
	gates    map[string]chan struct{}
	entered  chan string
}

func newFakeLog(msgs ...Message) *fakeLog {
	f := &fakeLog{
		messages: make(map[string][]Message),
		calls:    make(map[string]int),
		gates:    make(map[string]chan struct{}),
		entered:  make(chan string, 8),
	}
	f.add(msgs...)
	return f
}

func (f *fakeLog) add(msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msg := range msgs {
		f.messages[msg.ConversationKey] = append(f.messages[msg.ConversationKey], msg)
	}
}

func (f *fakeLog) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeLog) gate(key string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates[key] = gate
	return gate
}

func (f *fakeLog) threadCalls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeLog) ListConversations(ctx context.Context, operatorID string) ([]ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]ConversationSummary, 0, len(f.messages))
	for key, msgs := range f.messages {
		latest, ok := latestMessage(msgs, key)
		if !ok {
			continue
		}
		out = append(out, ConversationSummary{
			ConversationKey: key,
			LastMessageID:   latest.ID,
			LastMessageBody: latest.Body,
			LastMessageAt:   latest.CreatedAt,
		})
	}
	return out, nil
}

func (f *fakeLog) ListMessages(ctx context.Context, operatorID, conversationKey string) ([]Message, error) {
	f.mu.Lock()
	f.calls[conversationKey]++
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return nil, err
	}
	out := append([]Message(nil), f.messages[conversationKey]...)
	gate := f.gates[conversationKey]
	f.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	if gate != nil {
		select {
		case f.entered <- conversationKey:
		default:
		}
		<-gate
	}
	return out, nil
}

type fakeSubscriber struct {
	mu   sync.Mutex
	subs []*fakeSubscription
	fail int
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, operatorID string, onEvent func(Event)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return nil, errors.New("dial refused")
	}
	sub := &fakeSubscription{onEvent: onEvent, done: make(chan struct{})}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSubscriber) get(i int) *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

func (f *fakeSubscriber) all() []*fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSubscription(nil), f.subs...)
}

func (f *fakeSubscriber) live() []*fakeSubscription {
	var out []*fakeSubscription
	for _, sub := range f.all() {
		if !sub.isDone() {
			out = append(out, sub)
		}
	}
	return out
}

// broadcast delivers ev to every open subscription, the way the server fans
// one operator's events out to all of its sockets.
func (f *fakeSubscriber) broadcast(ev Event) {
	for _, sub := range f.live() {
		sub.onEvent(ev)
	}
}

// pump broadcasts heartbeats until the returned stop func is called.
func (f *fakeSubscriber) pump(every time.Duration) (stop func()) {
	quit := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			f.broadcast(Event{Type: EventHeartbeat})
			select {
			case <-quit:
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		close(quit)
		<-finished
	}
}

type fakeSubscription struct {
	onEvent func(Event)
	done    chan struct{}
	stop    sync.Once

	mu     sync.Mutex
	err    error
	closes int
}

func (s *fakeSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *fakeSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.stop.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSubscription) drop(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.stop.Do(func() { close(s.done) })
}

func (s *fakeSubscription) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSubscription) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// quietOptions disables timer-driven polling so tests control every fetch.
func quietOptions(sub Subscriber) Options {
	return Options{
		OperatorID:         "op_1",
		Subscriber:         sub,
		IndexPollInterval:  time.Hour,
		ThreadPollInterval: time.Hour,
		HeartbeatTimeout:   time.Hour,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
	}
}

func newTestInbox(t *testing.T, fetcher Fetcher, opts Options) *Inbox {
	t.Helper()
	in, err := NewInbox(fetcher, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = in.Close() })
	return in
}

func currentThreadSession(in *Inbox) *Session {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.threadSession
}

func currentIndexSession(in *Inbox) *Session {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.indexSession
}

func drainUpdates(in *Inbox) {
	for {
		select {
		case <-in.Updates():
		default:
			return
		}
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}
