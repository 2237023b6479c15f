package messagelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresMessagesTableName   = "relayinbox_messages"
	postgresNotifyChannel       = "relayinbox_messages"
	postgresOperationTimeout    = 5 * time.Second
	postgresListenerMinBackoff  = 500 * time.Millisecond
	postgresListenerMaxBackoff  = 30 * time.Second
	postgresListenerPingTimeout = 90 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type listenerFunc func(dsn string, onEvent pq.EventCallbackType) postgresListener

type postgresListener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// PostgresLog keeps messages in one table. Appends issue pg_notify in the
// same transaction and a pq.Listener turns notifications into change events
// for every process that serves the table.
type PostgresLog struct {
	dsn         string
	tableName   string
	channel     string
	openDB      sqlOpenFunc
	newListener listenerFunc

	// initMu guards db and closed. A failed open or schema bootstrap leaves
	// db nil so the next call tries again.
	initMu sync.Mutex
	db     *sql.DB
	closed bool

	// listenMu is taken before initMu when both are held.
	listenMu  sync.Mutex
	listener  postgresListener
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	broker *Broker
}

type postgresNotification struct {
	OperatorID      string    `json:"operatorId"`
	ConversationKey string    `json:"conversationKey"`
	MessageID       string    `json:"messageId"`
	CreatedAt       time.Time `json:"createdAt"`
}

func NewPostgresLog(dsn string) (*PostgresLog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresLog{
		dsn:         dsn,
		tableName:   postgresMessagesTableName,
		channel:     postgresNotifyChannel,
		openDB:      sql.Open,
		newListener: newPQListener,
		done:        make(chan struct{}),
		broker:      NewBroker(),
	}, nil
}

func (l *PostgresLog) Append(ctx context.Context, req AppendRequest) (Message, error) {
	req, err := req.normalize()
	if err != nil {
		return Message{}, err
	}
	db, err := l.ensureReady()
	if err != nil {
		return Message{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	id, err := newMessageID(time.Now())
	if err != nil {
		return Message{}, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, operator_id, conversation_key, direction, body)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`, postgresQuoteIdentifier(l.tableName))
	var createdAt time.Time
	if err := tx.QueryRowContext(ctx, query, id, req.OperatorID, req.ConversationKey, string(req.Direction), req.Body).Scan(&createdAt); err != nil {
		return Message{}, err
	}
	msg := req.message(id, createdAt.UTC())
	payload, err := json.Marshal(postgresNotification{
		OperatorID:      msg.OperatorID,
		ConversationKey: msg.ConversationKey,
		MessageID:       msg.ID,
		CreatedAt:       msg.CreatedAt,
	})
	if err != nil {
		return Message{}, err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, l.channel, string(payload)); err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (l *PostgresLog) ListConversations(ctx context.Context, operatorID string) ([]ConversationSummary, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return nil, ErrInvalidInput
	}
	db, err := l.ensureReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT DISTINCT ON (conversation_key) conversation_key, id, body, created_at
		FROM %s
		WHERE operator_id = $1
		ORDER BY conversation_key, created_at DESC, id DESC`, postgresQuoteIdentifier(l.tableName))
	rows, err := db.QueryContext(ctx, query, operatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ConversationSummary, 0)
	for rows.Next() {
		var summary ConversationSummary
		if err := rows.Scan(&summary.ConversationKey, &summary.LastMessageID, &summary.LastMessageBody, &summary.LastMessageAt); err != nil {
			return nil, err
		}
		summary.LastMessageAt = summary.LastMessageAt.UTC()
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortSummaries(out)
	return out, nil
}

func (l *PostgresLog) ListMessages(ctx context.Context, operatorID, conversationKey string) ([]Message, error) {
	operatorID, conversationKey, err := normalizeScope(operatorID, conversationKey)
	if err != nil {
		return nil, err
	}
	db, err := l.ensureReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, direction, body, created_at
		FROM %s
		WHERE operator_id = $1 AND conversation_key = $2
		ORDER BY created_at ASC, id ASC`, postgresQuoteIdentifier(l.tableName))
	rows, err := db.QueryContext(ctx, query, operatorID, conversationKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Message, 0)
	for rows.Next() {
		msg := Message{OperatorID: operatorID, ConversationKey: conversationKey}
		var direction string
		if err := rows.Scan(&msg.ID, &direction, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Direction = Direction(direction)
		msg.CreatedAt = msg.CreatedAt.UTC()
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Subscribe starts the shared LISTEN connection on first use.
func (l *PostgresLog) Subscribe(operatorID string, fn func(ChangeEvent)) (*Subscription, error) {
	if err := l.ensureListening(); err != nil {
		return nil, err
	}
	return l.broker.Subscribe(operatorID, fn)
}

func (l *PostgresLog) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.listenMu.Lock()
		l.initMu.Lock()
		l.closed = true
		db := l.db
		l.db = nil
		l.initMu.Unlock()
		listener := l.listener
		l.listener = nil
		l.listenMu.Unlock()

		close(l.done)
		l.wg.Wait()
		if listener != nil {
			err = listener.Close()
		}
		l.broker.Close()
		if db != nil {
			if closeErr := db.Close(); err == nil {
				err = closeErr
			}
		}
	})
	return err
}

// ensureReady opens the pool and bootstraps the schema on first success.
// Failures are not cached: a database that comes up later is picked up by
// the next call.
func (l *PostgresLog) ensureReady() (*sql.DB, error) {
	if l == nil {
		return nil, ErrInvalidInput
	}
	l.initMu.Lock()
	defer l.initMu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.db != nil {
		return l.db, nil
	}

	db, err := l.openDB("postgres", l.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(l.tableName)
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				operator_id TEXT NOT NULL,
				conversation_key TEXT NOT NULL,
				direction TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound')),
				body TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
			)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (operator_id, conversation_key, created_at, id)`,
			postgresQuoteIdentifier(l.tableName+"_conversation_idx"), table),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	l.db = db
	return db, nil
}

func (l *PostgresLog) ensureListening() error {
	if _, err := l.ensureReady(); err != nil {
		return err
	}
	l.listenMu.Lock()
	defer l.listenMu.Unlock()
	if l.listener != nil {
		return nil
	}
	l.initMu.Lock()
	closed := l.closed
	l.initMu.Unlock()
	if closed {
		return ErrClosed
	}

	listener := l.newListener(l.dsn, nil)
	if err := listener.Listen(l.channel); err != nil {
		_ = listener.Close()
		return err
	}
	l.listener = listener
	l.wg.Add(1)
	go l.forward(listener)
	return nil
}

func (l *PostgresLog) forward(listener postgresListener) {
	defer l.wg.Done()
	notifications := listener.NotificationChannel()
	for {
		select {
		case <-l.done:
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			// nil marks a reconnect; rows committed meanwhile reach
			// clients through their next poll.
			if n == nil {
				continue
			}
			var payload postgresNotification
			if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
				continue
			}
			l.broker.Publish(ChangeEvent{
				OperatorID:      payload.OperatorID,
				ConversationKey: payload.ConversationKey,
				MessageID:       payload.MessageID,
				CreatedAt:       payload.CreatedAt,
			})
		case <-time.After(postgresListenerPingTimeout):
			go func() { _ = listener.Ping() }()
		}
	}
}

func newPQListener(dsn string, onEvent pq.EventCallbackType) postgresListener {
	return pq.NewListener(dsn, postgresListenerMinBackoff, postgresListenerMaxBackoff, onEvent)
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
