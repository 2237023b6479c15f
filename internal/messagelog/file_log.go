package messagelog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileLog stores messages as JSON lines. Several processes may share one
// file: appends hold an exclusive flock, and rows written by other processes
// are picked up through fsnotify and published to local subscribers.
type FileLog struct {
	path string
	now  func() time.Time

	mu       sync.Mutex
	offset   int64
	messages []Message
	seen     map[string]struct{}
	closed   bool

	broker    *Broker
	watcher   *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewFileLog(path string) (*FileLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	l := &FileLog{
		path:   abs,
		now:    func() time.Time { return time.Now().UTC() },
		seen:   map[string]struct{}{},
		broker: NewBroker(),
		done:   make(chan struct{}),
	}
	if _, err := l.refresh(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	l.watcher = watcher
	l.wg.Add(1)
	go l.watch()
	return l, nil
}

func (l *FileLog) Path() string {
	return l.path
}

func (l *FileLog) Append(ctx context.Context, req AppendRequest) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	req, err := req.normalize()
	if err != nil {
		return Message{}, err
	}
	msg, external, err := l.appendLocked(req)
	if err != nil {
		return Message{}, err
	}
	l.publish(external)
	l.broker.Publish(eventFor(msg))
	return msg, nil
}

func (l *FileLog) appendLocked(req AppendRequest) (Message, []Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Message{}, nil, ErrClosed
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return Message{}, nil, err
	}
	defer f.Close()
	if err := lockFile(f, true); err != nil {
		return Message{}, nil, err
	}
	defer unlockFile(f)

	external, err := l.readNewLocked(f)
	if err != nil {
		return Message{}, nil, err
	}
	now := l.now()
	if n := len(l.messages); n > 0 && !now.After(l.messages[n-1].CreatedAt) {
		now = l.messages[n-1].CreatedAt.Add(time.Microsecond)
	}
	id, err := newMessageID(now)
	if err != nil {
		return Message{}, nil, err
	}
	msg := req.message(id, now)
	line, err := json.Marshal(msg)
	if err != nil {
		return Message{}, nil, err
	}
	line = append(line, '\n')
	info, err := f.Stat()
	if err != nil {
		return Message{}, nil, err
	}
	if info.Size() > l.offset {
		// terminate a torn line left behind by a crashed writer
		line = append([]byte{'\n'}, line...)
	}
	if _, err := f.Write(line); err != nil {
		return Message{}, nil, err
	}
	l.offset = info.Size() + int64(len(line))
	l.messages = append(l.messages, msg)
	l.seen[msg.ID] = struct{}{}
	return msg, external, nil
}

func (l *FileLog) ListConversations(ctx context.Context, operatorID string) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return nil, ErrInvalidInput
	}
	if err := l.sync(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return Summarize(filterOperator(l.messages, operatorID)), nil
}

func (l *FileLog) ListMessages(ctx context.Context, operatorID, conversationKey string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	operatorID, conversationKey, err := normalizeScope(operatorID, conversationKey)
	if err != nil {
		return nil, err
	}
	if err := l.sync(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return filterConversation(l.messages, operatorID, conversationKey), nil
}

func (l *FileLog) Subscribe(operatorID string, fn func(ChangeEvent)) (*Subscription, error) {
	return l.broker.Subscribe(operatorID, fn)
}

func (l *FileLog) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
		l.wg.Wait()
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		l.broker.Close()
	})
	return err
}

func (l *FileLog) watch() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != l.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			_ = l.sync()
		case _, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// sync reads rows appended by other writers and publishes them.
func (l *FileLog) sync() error {
	fresh, err := l.refresh()
	if err != nil {
		return err
	}
	l.publish(fresh)
	return nil
}

func (l *FileLog) refresh() ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := lockFile(f, false); err != nil {
		return nil, err
	}
	defer unlockFile(f)
	return l.readNewLocked(f)
}

func (l *FileLog) readNewLocked(f *os.File) ([]Message, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() <= l.offset {
		return nil, nil
	}
	buf := make([]byte, info.Size()-l.offset)
	n, err := f.ReadAt(buf, l.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	buf = buf[:n]
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		return nil, nil
	}
	var fresh []Message
	for _, line := range bytes.Split(buf[:end], []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil || msg.ID == "" {
			continue
		}
		if _, ok := l.seen[msg.ID]; ok {
			continue
		}
		l.seen[msg.ID] = struct{}{}
		l.messages = append(l.messages, msg)
		fresh = append(fresh, msg)
	}
	l.offset += int64(end + 1)
	return fresh, nil
}

func (l *FileLog) publish(messages []Message) {
	for _, msg := range messages {
		l.broker.Publish(eventFor(msg))
	}
}
