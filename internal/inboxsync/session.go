package inboxsync

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateDegraded   State = "degraded"
	StateClosed     State = "closed"
)

type sessionConfig struct {
	scope            Scope
	operatorID       string
	pollInterval     time.Duration
	pollJitter       float64
	pollTimeout      time.Duration
	heartbeatTimeout time.Duration
	reconnectBase    time.Duration
	reconnectMax     time.Duration
	subscriber       Subscriber
	poll             func(ctx context.Context, s *Session) error
	onEvent          func(s *Session, ev Event)
	onState          func(s *Session, state State, cause error)
	logger           Logger
	metrics          *Metrics
}

// Session owns the poll timer and push subscription of one scope. Both
// sources feed the reconcile callbacks supplied by the Inbox. A closed
// session never invokes them again.
type Session struct {
	cfg    sessionConfig
	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	started     bool
	lastPollAt  time.Time
	lastPollErr error
	lastPushErr error
	handle      *subscriptionHandle
	closeOnce   sync.Once
}

// subscriptionHandle releases the underlying subscription exactly once.
type subscriptionHandle struct {
	sub  Subscription
	once sync.Once
	err  error
}

func (h *subscriptionHandle) release() error {
	h.once.Do(func() {
		h.err = h.sub.Close()
	})
	return h.err
}

func newSession(cfg sessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
	cfg.metrics.observeState(cfg.scope.Kind, StateIdle)
	return s
}

func (s *Session) Scope() Scope {
	return s.cfg.scope
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastPollAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPollAt
}

// Subscribed reports whether the session currently holds a push subscription.
func (s *Session) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

func (s *Session) isClosed() bool {
	return s.closed.Load()
}

// Start launches the poll and push loops. The first poll tick fires after
// one interval; callers wanting data sooner call Refresh.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.pollLoop()
	go s.pushLoop()
	go func() {
		s.wg.Wait()
		close(s.done)
	}()
}

// Close moves the session to Closed and cancels its loops and in-flight
// fetch. It does not block; Wait observes the loops exiting.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.mu.Lock()
		s.state = StateClosed
		started := s.started
		s.started = true
		s.mu.Unlock()
		if !started {
			close(s.done)
		}
		s.cfg.metrics.observeState(s.cfg.scope.Kind, StateClosed)
		if s.cfg.onState != nil {
			s.cfg.onState(s, StateClosed, nil)
		}
	})
}

// Wait blocks until both loops have exited and the subscription is released.
func (s *Session) Wait() {
	<-s.done
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// RequestRefresh asks the poll loop to fetch now instead of at the next tick.
func (s *Session) RequestRefresh() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Refresh runs one fetch and reconcile bounded by the poll timeout. Closing
// the session cancels it.
func (s *Session) Refresh(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.pollTimeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	started := time.Now()
	err := s.cfg.poll(ctx, s)
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleSelection):
		result = "stale"
	default:
		result = "error"
	}
	s.cfg.metrics.observePoll(s.cfg.scope.Kind, result, time.Since(started))

	s.mu.Lock()
	s.lastPollAt = time.Now()
	if result != "stale" {
		s.lastPollErr = err
	}
	s.mu.Unlock()
	if result == "error" {
		s.logf("inbox %s poll failed: %v", s.cfg.scope, err)
	}
	return err
}

func (s *Session) pollLoop() {
	defer s.wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(s.cfg.pollInterval, s.cfg.pollJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		case <-s.kick:
			timer.Stop()
		}
		_ = s.Refresh(s.ctx)
		timer.Reset(jitteredIntervalWithSample(s.cfg.pollInterval, s.cfg.pollJitter, rng.Float64()))
	}
}

func (s *Session) pushLoop() {
	defer s.wg.Done()
	if s.cfg.subscriber == nil {
		s.setState(StateDegraded, nil)
		s.logf("inbox %s push disabled; polling only", s.cfg.scope)
		return
	}
	s.setState(StateConnecting, nil)
	attempt := 0
	for {
		activated, err := s.runSubscription()
		if s.ctx.Err() != nil {
			return
		}
		if activated {
			attempt = 0
		}
		attempt++
		s.setState(StateDegraded, err)
		delay := backoffDelay(s.cfg.reconnectBase, s.cfg.reconnectMax, attempt)
		s.logf("inbox %s push degraded: %v; resubscribing in %s", s.cfg.scope, err, delay)
		if waitWithContext(s.ctx, delay) != nil {
			return
		}
		s.cfg.metrics.observeResubscribe(s.cfg.scope.Kind)
	}
}

// runSubscription holds one subscription until it drops, misses its
// heartbeat window, or the session closes. activated reports whether any
// heartbeat or event arrived.
func (s *Session) runSubscription() (activated bool, err error) {
	alive := make(chan struct{}, 1)
	sub, err := s.cfg.subscriber.Subscribe(s.ctx, s.cfg.operatorID, func(ev Event) {
		if s.isClosed() {
			s.cfg.metrics.observePush(s.cfg.scope.Kind, "discarded")
			return
		}
		select {
		case alive <- struct{}{}:
		default:
		}
		if ev.Type == EventHeartbeat {
			return
		}
		s.cfg.onEvent(s, ev)
	})
	if err != nil {
		return false, &SubscriptionError{Scope: s.cfg.scope, Err: err}
	}
	handle := &subscriptionHandle{sub: sub}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.handle == handle {
			s.handle = nil
		}
		s.mu.Unlock()
		if releaseErr := handle.release(); releaseErr != nil {
			s.logf("inbox %s release subscription: %v", s.cfg.scope, releaseErr)
		}
	}()

	timer := time.NewTimer(s.cfg.heartbeatTimeout)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return activated, nil
		case <-sub.Done():
			return activated, &SubscriptionError{Scope: s.cfg.scope, Err: sub.Err()}
		case <-alive:
			if !activated {
				activated = true
				s.setState(StateActive, nil)
			}
			timer.Reset(s.cfg.heartbeatTimeout)
		case <-timer.C:
			return activated, &SubscriptionError{Scope: s.cfg.scope, Err: ErrHeartbeatTimeout}
		}
	}
}

func (s *Session) setState(next State, cause error) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	if cause != nil {
		s.lastPushErr = cause
	}
	s.mu.Unlock()
	s.cfg.metrics.observeState(s.cfg.scope.Kind, next)
	if s.cfg.onState != nil {
		s.cfg.onState(s, next, cause)
	}
}

func (s *Session) status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{
		Scope:      s.cfg.scope,
		State:      s.state,
		LastPollAt: s.lastPollAt,
		PollError:  s.lastPollErr,
		PushError:  s.lastPushErr,
		Subscribed: s.handle != nil,
	}
}

func (s *Session) logf(format string, args ...any) {
	if s.cfg.logger == nil {
		return
	}
	s.cfg.logger.Printf(format, args...)
}
