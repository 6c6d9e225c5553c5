// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Pragmas in the DSN run on every pooled connection; verify one took
	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if fk != 1 {
		db.Close()
		return nil, errors.New("enabling foreign keys: pragma not applied")
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// busyTimeout is how long a writer waits for another connection's lock
// before SQLITE_BUSY.
const busyTimeout = 5 * time.Second

// dsn adds the per-connection pragmas. foreign_keys and busy_timeout are
// connection state, so they cannot be set once with Exec on a pool.
func dsn(path string) string {
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)",
		path, busyTimeout.Milliseconds())
}

// createSchema creates the database tables if they don't exist.
// Timestamps are stored as unix nanoseconds so ORDER BY is exact.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'open',
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_status
			ON conversations(status, created_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_type TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "closed_at",
			apply:  `ALTER TABLE conversations ADD COLUMN closed_at INTEGER`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateConversation inserts a new open conversation with a random UUID.
func (s *SQLiteStore) CreateConversation(ctx context.Context) (*Conversation, error) {
	conv := &Conversation{
		ID:        uuid.New().String(),
		Status:    StatusOpen,
		CreatedAt: s.now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, status, created_at) VALUES (?, ?, ?)`,
		conv.ID, string(conv.Status), conv.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID)
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, created_at, closed_at FROM conversations WHERE id = ?`, id)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListOpenConversations returns open conversations, oldest first.
// If limit is 0 or negative, all open conversations are returned.
func (s *SQLiteStore) ListOpenConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	query := `
		SELECT id, status, created_at, closed_at
		FROM conversations
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
	`
	args := []any{string(StatusOpen)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// CloseConversation moves an open conversation to closed. The UPDATE is
// guarded on status so concurrent closers agree on exactly one transition.
func (s *SQLiteStore) CloseConversation(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, closed_at = ? WHERE id = ? AND status = ?`,
		string(StatusClosed), s.now().UTC().UnixNano(), id, string(StatusOpen),
	)
	if err != nil {
		return false, fmt.Errorf("closing conversation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 1 {
		s.logger.Debug("closed conversation", "id", id)
		return true, nil
	}

	// Nothing changed: either already closed or never existed
	if _, err := s.GetConversation(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// SaveMessage persists a message into an open conversation. The insert
// selects from conversations so the open check and write are one statement.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *NewMessage) (*Message, error) {
	saved := &Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: msg.ConversationID,
		SenderType:     msg.SenderType,
		Body:           msg.Body,
		CreatedAt:      s.now().UTC(),
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_type, body, created_at)
		SELECT ?, id, ?, ?, ? FROM conversations WHERE id = ? AND status = ?
	`,
		saved.ID,
		string(saved.SenderType),
		saved.Body,
		saved.CreatedAt.UnixNano(),
		saved.ConversationID,
		string(StatusOpen),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		conv, err := s.GetConversation(ctx, msg.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv.IsClosed() {
			return nil, ErrConversationClosed
		}
		return nil, fmt.Errorf("inserting message: no row written")
	}

	s.logger.Debug("saved message", "id", saved.ID, "conversation_id", saved.ConversationID, "sender", saved.SenderType)
	return saved, nil
}

// ListMessages retrieves all messages for a conversation in chronological
// order, ties broken by ID.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_type, body, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		var msg Message
		var sender string
		var createdAt int64

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &sender, &msg.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.SenderType = SenderType(sender)
		msg.CreatedAt = time.Unix(0, createdAt).UTC()

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var status string
	var createdAt int64
	var closedAt sql.NullInt64

	if err := row.Scan(&conv.ID, &status, &createdAt, &closedAt); err != nil {
		return nil, err
	}

	conv.Status = ConversationStatus(status)
	conv.CreatedAt = time.Unix(0, createdAt).UTC()
	if closedAt.Valid {
		t := time.Unix(0, closedAt.Int64).UTC()
		conv.ClosedAt = &t
	}
	return &conv, nil
}
