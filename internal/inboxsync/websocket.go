package inboxsync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const websocketReadLimit = 64 << 10

// WebsocketSubscriber follows the server's /events feed.
type WebsocketSubscriber struct {
	baseURL     string
	dialTimeout time.Duration
}

func NewWebsocketSubscriber(baseURL string) *WebsocketSubscriber {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	return &WebsocketSubscriber{
		baseURL:     baseURL,
		dialTimeout: 10 * time.Second,
	}
}

func (s *WebsocketSubscriber) Subscribe(ctx context.Context, operatorID string, onEvent func(Event)) (Subscription, error) {
	if strings.TrimSpace(operatorID) == "" || onEvent == nil {
		return nil, ErrInvalidInput
	}
	target, err := websocketURL(s.baseURL, fmt.Sprintf("/v1/operators/%s/events", url.PathEscape(operatorID)))
	if err != nil {
		return nil, err
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, s.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-Correlation-Id": []string{correlationID()}},
	})
	cancelDial()
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(websocketReadLimit)

	readCtx, cancel := context.WithCancel(ctx)
	sub := &websocketSubscription{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.readLoop(readCtx, onEvent)
	return sub, nil
}

type websocketSubscription struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	err     error
	closing bool
	once    sync.Once
}

func (s *websocketSubscription) readLoop(ctx context.Context, onEvent func(Event)) {
	defer close(s.done)
	for {
		var ev Event
		if err := wsjson.Read(ctx, s.conn, &ev); err != nil {
			s.mu.Lock()
			if !s.closing {
				s.err = err
			}
			s.mu.Unlock()
			return
		}
		onEvent(ev)
	}
}

func (s *websocketSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *websocketSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the read loop and waits for it, so onEvent is never called
// after Close returns.
func (s *websocketSubscription) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		_ = s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
		s.cancel()
		<-s.done
	})
	return nil
}

func websocketURL(baseURL, path string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", parsed.Scheme)
	}
	return parsed.String() + path, nil
}
