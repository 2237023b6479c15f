package messagelog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteMessagesTableName = "messages"

// SQLiteLog is an embedded single-process log. Push only reaches
// subscribers of the process that appended the row.
type SQLiteLog struct {
	path      string
	tableName string
	now       func() time.Time

	// mu is held for writing by Append and Close, and for reading by
	// queries, so nothing touches db once Close has started.
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
	broker *Broker
}

func NewSQLiteLog(path string) (*SQLiteLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	l := &SQLiteLog{
		path:      path,
		tableName: sqliteMessagesTableName,
		now:       func() time.Time { return time.Now().UTC() },
		db:        db,
		broker:    NewBroker(),
	}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	statements := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				operator_id TEXT NOT NULL,
				conversation_key TEXT NOT NULL,
				direction TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound')),
				body TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`, l.tableName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_conversation_idx ON %s (operator_id, conversation_key, created_at, id)`,
			l.tableName, l.tableName),
	}
	for _, stmt := range statements {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (l *SQLiteLog) Append(ctx context.Context, req AppendRequest) (Message, error) {
	req, err := req.normalize()
	if err != nil {
		return Message{}, err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Message{}, ErrClosed
	}
	msg, err := l.insertLocked(ctx, req)
	l.mu.Unlock()
	if err != nil {
		return Message{}, err
	}
	l.broker.Publish(eventFor(msg))
	return msg, nil
}

func (l *SQLiteLog) insertLocked(ctx context.Context, req AppendRequest) (Message, error) {
	now := l.now()
	var last sql.NullInt64
	query := fmt.Sprintf(`SELECT MAX(created_at) FROM %s`, l.tableName)
	if err := l.db.QueryRowContext(ctx, query).Scan(&last); err != nil {
		return Message{}, err
	}
	if last.Valid && now.UnixNano() <= last.Int64 {
		now = time.Unix(0, last.Int64+int64(time.Microsecond)).UTC()
	}
	id, err := newMessageID(now)
	if err != nil {
		return Message{}, err
	}
	msg := req.message(id, now)
	insert := fmt.Sprintf(`INSERT INTO %s (id, operator_id, conversation_key, direction, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`, l.tableName)
	if _, err := l.db.ExecContext(ctx, insert, msg.ID, msg.OperatorID, msg.ConversationKey, string(msg.Direction), msg.Body, msg.CreatedAt.UnixNano()); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (l *SQLiteLog) ListConversations(ctx context.Context, operatorID string) ([]ConversationSummary, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return nil, ErrInvalidInput
	}
	query := fmt.Sprintf(`
		SELECT conversation_key, id, body, created_at FROM (
			SELECT conversation_key, id, body, created_at,
				ROW_NUMBER() OVER (PARTITION BY conversation_key ORDER BY created_at DESC, id DESC) AS rn
			FROM %s
			WHERE operator_id = ?
		) WHERE rn = 1`, l.tableName)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	rows, err := l.db.QueryContext(ctx, query, operatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ConversationSummary, 0)
	for rows.Next() {
		var summary ConversationSummary
		var createdAt int64
		if err := rows.Scan(&summary.ConversationKey, &summary.LastMessageID, &summary.LastMessageBody, &createdAt); err != nil {
			return nil, err
		}
		summary.LastMessageAt = time.Unix(0, createdAt).UTC()
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortSummaries(out)
	return out, nil
}

func (l *SQLiteLog) ListMessages(ctx context.Context, operatorID, conversationKey string) ([]Message, error) {
	operatorID, conversationKey, err := normalizeScope(operatorID, conversationKey)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, direction, body, created_at FROM %s
		WHERE operator_id = ? AND conversation_key = ?
		ORDER BY created_at ASC, id ASC`, l.tableName)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	rows, err := l.db.QueryContext(ctx, query, operatorID, conversationKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Message, 0)
	for rows.Next() {
		msg := Message{OperatorID: operatorID, ConversationKey: conversationKey}
		var direction string
		var createdAt int64
		if err := rows.Scan(&msg.ID, &direction, &msg.Body, &createdAt); err != nil {
			return nil, err
		}
		msg.Direction = Direction(direction)
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (l *SQLiteLog) Subscribe(operatorID string, fn func(ChangeEvent)) (*Subscription, error) {
	return l.broker.Subscribe(operatorID, fn)
}

func (l *SQLiteLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.broker.Close()
	return l.db.Close()
}
