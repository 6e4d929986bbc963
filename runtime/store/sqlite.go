package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BDNK1/chatflow/runtime"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	_ "modernc.org/sqlite"
)

// ErrConversationNotFound is returned when updating an unknown conversation.
var ErrConversationNotFound = errors.New("conversation not found")

func errConversationNotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
}

var (
	_ runtime.Store        = &SQLiteStore{}
	_ runtime.ClientLocker = &SQLiteStore{}
)

// SQLiteStore implements runtime.Store using modernc.org/sqlite (pure Go).
type SQLiteStore struct {
	clientLocks

	db      *sql.DB
	l       *slog.Logger
	skipped metric.Int64Counter
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(path string, l *slog.Logger) (*SQLiteStore, error) {
	if l == nil {
		l = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}

	skipped, _ := otel.Meter("github.com/BDNK1/chatflow/runtime/store").Int64Counter(
		"chatflow.history.skipped_records",
		metric.WithDescription("History records skipped because they could not be decoded"))

	return &SQLiteStore{db: db, l: l, skipped: skipped}, nil
}

// OpenSQLiteStore opens the database at path and creates its schema.
func OpenSQLiteStore(path string, l *slog.Logger) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(path, l)
	if err != nil {
		return nil, err
	}
	if err := s.Init(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the schema tables.
func (s *SQLiteStore) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id          TEXT PRIMARY KEY,
		client_key  TEXT NOT NULL,
		bot_id      TEXT NOT NULL,
		channel_id  TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		flow_id     TEXT NOT NULL,
		step_id     TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'OPEN',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		client_key      TEXT NOT NULL,
		bot_id          TEXT NOT NULL,
		channel_id      TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		flow_id         TEXT NOT NULL DEFAULT '',
		step_id         TEXT NOT NULL DEFAULT '',
		direction       TEXT NOT NULL,
		content_type    TEXT NOT NULL,
		content         TEXT NOT NULL,
		created_at      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memories (
		client_key  TEXT NOT NULL,
		key         TEXT NOT NULL,
		value       TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		PRIMARY KEY (client_key, key)
	);

	CREATE TABLE IF NOT EXISTS holds (
		client_key  TEXT PRIMARY KEY,
		state       TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_client ON conversations(client_key, status);
	CREATE INDEX IF NOT EXISTS idx_messages_client ON messages(client_key, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle, for inspection in tests and tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (s *SQLiteStore) ReadHold(ctx context.Context, client runtime.Client) (*runtime.HoldState, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM holds WHERE client_key = ?`, client.Key()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var hold runtime.HoldState
	if err := json.Unmarshal([]byte(state), &hold); err != nil {
		return nil, runtime.NewError(runtime.ErrorKindStorage, runtime.CodeHoldCorrupt,
			fmt.Sprintf("hold of %s cannot be decoded: %v", client.Key(), err))
	}
	return &hold, nil
}

func (s *SQLiteStore) WriteHold(ctx context.Context, client runtime.Client, hold runtime.HoldState) error {
	data, err := json.Marshal(hold)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO holds (client_key, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(client_key) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		client.Key(), string(data), now())
	return err
}

func (s *SQLiteStore) DeleteHold(ctx context.Context, client runtime.Client) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM holds WHERE client_key = ?`, client.Key())
	return err
}

func (s *SQLiteStore) LoadMemories(ctx context.Context, client runtime.Client) (map[string]runtime.Literal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM memories WHERE client_key = ?`, client.Key())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	memories := make(map[string]runtime.Literal)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		var lit runtime.Literal
		if err := json.Unmarshal([]byte(value), &lit); err != nil {
			return nil, fmt.Errorf("memory %s of %s: %w", key, client.Key(), err)
		}
		memories[key] = lit
	}
	return memories, rows.Err()
}

func (s *SQLiteStore) PersistMemory(ctx context.Context, client runtime.Client, key string, value runtime.Literal) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (client_key, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(client_key, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		client.Key(), key, string(data), now())
	return err
}

// AppendMessages inserts messages in one transaction.
func (s *SQLiteStore) AppendMessages(ctx context.Context, messages []runtime.StoredMessage) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range messages {
		content, err := json.Marshal(m.Message.Content)
		if err != nil {
			return err
		}
		id := m.ID
		if id == "" {
			id = uuid.New().String()
		}
		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages
			 (id, conversation_id, client_key, bot_id, channel_id, user_id, flow_id, step_id, direction, content_type, content, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, m.ConversationID, m.Client.Key(), m.Client.BotID, m.Client.ChannelID, m.Client.UserID,
			m.FlowID, m.StepID, m.Direction, m.Message.ContentType, string(content),
			created.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListMessages returns the last limit messages of client, oldest first.
// Rows whose content cannot be decoded are skipped, logged and counted.
func (s *SQLiteStore) ListMessages(ctx context.Context, client runtime.Client, limit int) (runtime.HistoryPage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, flow_id, step_id, direction, content_type, content, created_at
		 FROM (SELECT * FROM messages WHERE client_key = ? ORDER BY seq DESC LIMIT ?)
		 ORDER BY seq ASC`,
		client.Key(), limit)
	if err != nil {
		return runtime.HistoryPage{}, err
	}
	defer rows.Close()

	page := runtime.HistoryPage{Messages: []runtime.StoredMessage{}}
	for rows.Next() {
		var (
			m       runtime.StoredMessage
			content string
			created string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.FlowID, &m.StepID, &m.Direction,
			&m.Message.ContentType, &content, &created); err != nil {
			return runtime.HistoryPage{}, err
		}
		if err := json.Unmarshal([]byte(content), &m.Message.Content); err != nil {
			page.Skipped++
			s.l.WarnContext(ctx, "Skipping corrupt history record",
				"client", client.Key(),
				"message_id", m.ID,
				"error", err)
			continue
		}
		m.Client = client
		m.CreatedAt = parseTime(created)
		page.Messages = append(page.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return runtime.HistoryPage{}, err
	}

	if page.Skipped > 0 {
		s.skipped.Add(ctx, int64(page.Skipped), metric.WithAttributes(attribute.String("chatflow.bot", client.BotID)))
	}
	return page, nil
}

func (s *SQLiteStore) GetOpenConversation(ctx context.Context, client runtime.Client) (*runtime.Conversation, error) {
	var (
		conv             runtime.Conversation
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_id, step_id, status, created_at, updated_at FROM conversations
		 WHERE client_key = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
		client.Key(), runtime.ConversationOpen,
	).Scan(&conv.ID, &conv.FlowID, &conv.StepID, &conv.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conv.Client = client
	conv.CreatedAt = parseTime(created)
	conv.UpdatedAt = parseTime(updated)
	return &conv, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, client runtime.Client, flowID, stepID string) (*runtime.Conversation, error) {
	ts := time.Now().UTC()
	conv := &runtime.Conversation{
		ID:        uuid.New().String(),
		Client:    client,
		FlowID:    flowID,
		StepID:    stepID,
		Status:    runtime.ConversationOpen,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, client_key, bot_id, channel_id, user_id, flow_id, step_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, client.Key(), client.BotID, client.ChannelID, client.UserID,
		flowID, stepID, conv.Status, ts.Format(time.RFC3339Nano), ts.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, id, flowID, stepID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET flow_id = ?, step_id = ?, updated_at = ? WHERE id = ?`,
		flowID, stepID, now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) CloseConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		runtime.ConversationClosed, now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) CloseAllConversations(ctx context.Context, client runtime.Client) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE client_key = ? AND status = ?`,
		runtime.ConversationClosed, now(), client.Key(), runtime.ConversationOpen)
	return err
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errConversationNotFound(id)
	}
	return nil
}
