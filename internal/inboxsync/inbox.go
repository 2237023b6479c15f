package inboxsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	DefaultIndexPollInterval  = 5 * time.Second
	DefaultThreadPollInterval = 3 * time.Second
	DefaultPollTimeout        = 10 * time.Second
	DefaultHeartbeatTimeout   = 30 * time.Second
	DefaultReconnectBaseDelay = 500 * time.Millisecond
	DefaultReconnectMaxDelay  = 30 * time.Second
)

type Options struct {
	OperatorID string
	// Subscriber is optional. Without it every session runs poll-only in
	// the Degraded state.
	Subscriber         Subscriber
	IndexPollInterval  time.Duration
	ThreadPollInterval time.Duration
	PollJitter         float64
	PollTimeout        time.Duration
	HeartbeatTimeout   time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	Logger             Logger
	Metrics            *Metrics
}

type SessionStatus struct {
	Scope      Scope
	State      State
	LastPollAt time.Time
	PollError  error
	PushError  error
	Subscribed bool
}

type Status struct {
	Index    SessionStatus
	Thread   SessionStatus
	Selected string
	// Degraded is set while either session runs without live push.
	Degraded bool
}

// Inbox is one operator's view: the conversation index, the thread of the
// selected conversation, and the sessions keeping both current. All cache
// access goes through mu and runs to completion.
type Inbox struct {
	fetcher Fetcher
	opts    Options
	updates chan struct{}

	mu            sync.Mutex
	index         *ConversationIndex
	thread        *ThreadCache
	indexSession  *Session
	threadSession *Session
	retired       []*Session
	closed        bool
}

func NewInbox(fetcher Fetcher, opts Options) (*Inbox, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	opts.OperatorID = strings.TrimSpace(opts.OperatorID)
	if opts.OperatorID == "" {
		return nil, fmt.Errorf("operator id is required")
	}
	if opts.IndexPollInterval <= 0 {
		opts.IndexPollInterval = DefaultIndexPollInterval
	}
	if opts.ThreadPollInterval <= 0 {
		opts.ThreadPollInterval = DefaultThreadPollInterval
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if opts.ReconnectMaxDelay < opts.ReconnectBaseDelay {
		opts.ReconnectMaxDelay = DefaultReconnectMaxDelay
		if opts.ReconnectMaxDelay < opts.ReconnectBaseDelay {
			opts.ReconnectMaxDelay = opts.ReconnectBaseDelay
		}
	}
	opts.PollJitter = clampJitterRatio(opts.PollJitter)
	return &Inbox{
		fetcher: fetcher,
		opts:    opts,
		updates: make(chan struct{}, 1),
		index:   NewConversationIndex(),
		thread:  NewThreadCache(),
	}, nil
}

// Open starts the index session and fetches the conversation list once. A
// failed first fetch is returned as a *FetchError; the session keeps
// polling regardless.
func (in *Inbox) Open(ctx context.Context) error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return ErrClosed
	}
	if in.indexSession != nil {
		in.mu.Unlock()
		return nil
	}
	s := in.newSession(Scope{Kind: ScopeIndex})
	in.indexSession = s
	in.mu.Unlock()

	s.Start()
	return ignoreStale(s.Refresh(ctx))
}

// Select makes key the tracked conversation: the previous thread session is
// closed, the cache is cleared, a new session is opened and its first fetch
// runs before Select returns. Selecting the current key is a no-op.
func (in *Inbox) Select(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidInput
	}
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return ErrClosed
	}
	if in.threadSession != nil && in.thread.Key() == key {
		in.mu.Unlock()
		return nil
	}
	in.retireThreadLocked()
	in.thread.Reset(key)
	s := in.newSession(Scope{Kind: ScopeThread, ConversationKey: key})
	in.threadSession = s
	in.mu.Unlock()
	in.notify()

	s.Start()
	return ignoreStale(s.Refresh(ctx))
}

// Deselect closes the thread session and clears the cache.
func (in *Inbox) Deselect() {
	in.mu.Lock()
	if in.threadSession == nil {
		in.mu.Unlock()
		return
	}
	in.retireThreadLocked()
	in.thread.Reset("")
	in.mu.Unlock()
	in.notify()
}

func (in *Inbox) Selected() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.threadSession == nil {
		return ""
	}
	return in.thread.Key()
}

func (in *Inbox) Conversations() []ConversationSummary {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.index.List()
}

func (in *Inbox) Thread(key string) []Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.thread.Get(strings.TrimSpace(key))
}

// Updates signals, coalesced, that the index, the thread, or a session
// state changed.
func (in *Inbox) Updates() <-chan struct{} {
	return in.updates
}

func (in *Inbox) Status() Status {
	in.mu.Lock()
	indexSession, threadSession := in.indexSession, in.threadSession
	selected := ""
	if threadSession != nil {
		selected = in.thread.Key()
	}
	in.mu.Unlock()

	var status Status
	status.Selected = selected
	if indexSession != nil {
		status.Index = indexSession.status()
	}
	if threadSession != nil {
		status.Thread = threadSession.status()
	}
	status.Degraded = status.Index.State == StateDegraded || status.Thread.State == StateDegraded
	return status
}

// Close tears down every session and waits for their goroutines.
func (in *Inbox) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	sessions := append([]*Session(nil), in.retired...)
	for _, s := range []*Session{in.indexSession, in.threadSession} {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	in.indexSession = nil
	in.threadSession = nil
	in.retired = nil
	for _, s := range sessions {
		s.Close()
	}
	in.mu.Unlock()

	for _, s := range sessions {
		s.Wait()
	}
	return nil
}

func (in *Inbox) retireThreadLocked() {
	old := in.threadSession
	if old == nil {
		return
	}
	old.Close()
	in.threadSession = nil
	kept := in.retired[:0]
	for _, s := range in.retired {
		select {
		case <-s.Done():
		default:
			kept = append(kept, s)
		}
	}
	in.retired = append(kept, old)
}

func (in *Inbox) newSession(scope Scope) *Session {
	interval := in.opts.IndexPollInterval
	poll := in.pollIndex
	if scope.Kind == ScopeThread {
		interval = in.opts.ThreadPollInterval
		poll = in.pollThread
	}
	return newSession(sessionConfig{
		scope:            scope,
		operatorID:       in.opts.OperatorID,
		pollInterval:     interval,
		pollJitter:       in.opts.PollJitter,
		pollTimeout:      in.opts.PollTimeout,
		heartbeatTimeout: in.opts.HeartbeatTimeout,
		reconnectBase:    in.opts.ReconnectBaseDelay,
		reconnectMax:     in.opts.ReconnectMaxDelay,
		subscriber:       in.opts.Subscriber,
		poll:             poll,
		onEvent:          in.handleEvent,
		onState:          in.sessionStateChanged,
		logger:           in.opts.Logger,
		metrics:          in.opts.Metrics,
	})
}

func (in *Inbox) pollIndex(ctx context.Context, s *Session) error {
	list, err := in.fetcher.ListConversations(ctx, in.opts.OperatorID)
	if err != nil {
		if s.isClosed() {
			return ErrStaleSelection
		}
		return &FetchError{Scope: s.Scope(), Err: err}
	}
	in.mu.Lock()
	if s.isClosed() {
		in.mu.Unlock()
		return ErrStaleSelection
	}
	changed := in.index.Reconcile(list)
	in.mu.Unlock()
	if changed > 0 {
		in.notify()
	}
	return nil
}

func (in *Inbox) pollThread(ctx context.Context, s *Session) error {
	key := s.Scope().ConversationKey
	messages, err := in.fetcher.ListMessages(ctx, in.opts.OperatorID, key)
	if err != nil {
		if s.isClosed() {
			return ErrStaleSelection
		}
		return &FetchError{Scope: s.Scope(), Err: err}
	}
	in.mu.Lock()
	if s.isClosed() || in.threadSession != s {
		in.mu.Unlock()
		return ErrStaleSelection
	}
	added := in.thread.Merge(messages)
	indexChanged := false
	if latest, ok := latestMessage(messages, key); ok {
		indexChanged = in.index.ApplyMessage(latest)
	}
	in.mu.Unlock()
	if added > 0 || indexChanged {
		in.notify()
	}
	return nil
}

func (in *Inbox) handleEvent(s *Session, ev Event) {
	if ev.Type != EventMessageCreated {
		return
	}
	scope := s.Scope()
	outcome := "duplicate"
	changed, refresh := false, false

	in.mu.Lock()
	if s.isClosed() {
		in.mu.Unlock()
		in.opts.Metrics.observePush(scope.Kind, "discarded")
		return
	}
	switch scope.Kind {
	case ScopeIndex:
		if in.index.NeedsRefresh(ev) {
			if msg, ok := ev.Message(); ok {
				changed = in.index.ApplyMessage(msg)
				outcome = "applied"
			} else {
				refresh = true
				outcome = "refresh"
			}
		}
	case ScopeThread:
		switch {
		case ev.ConversationKey != scope.ConversationKey:
			outcome = "ignored"
		case in.thread.Contains(ev.MessageID):
		default:
			if msg, ok := ev.Message(); ok {
				changed = in.thread.AppendIfNew(msg)
				outcome = "applied"
			} else {
				refresh = true
				outcome = "refresh"
			}
		}
	}
	in.mu.Unlock()

	in.opts.Metrics.observePush(scope.Kind, outcome)
	if changed {
		in.notify()
	}
	if refresh {
		s.RequestRefresh()
	}
}

// sessionStateChanged must not take mu: sessions are closed while it is held.
func (in *Inbox) sessionStateChanged(s *Session, state State, cause error) {
	if cause != nil {
		in.logf("inbox %s session %s: %v", s.Scope(), state, cause)
	} else {
		in.logf("inbox %s session %s", s.Scope(), state)
	}
	in.notify()
}

func (in *Inbox) notify() {
	select {
	case in.updates <- struct{}{}:
	default:
	}
}

func (in *Inbox) logf(format string, args ...any) {
	if in.opts.Logger == nil {
		return
	}
	in.opts.Logger.Printf(format, args...)
}

func latestMessage(messages []Message, key string) (Message, bool) {
	var latest Message
	found := false
	for _, msg := range messages {
		if msg.ConversationKey != key {
			continue
		}
		if !found || latest.Before(msg) {
			latest = msg
			found = true
		}
	}
	return latest, found
}

func ignoreStale(err error) error {
	if errors.Is(err, ErrStaleSelection) || errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}
