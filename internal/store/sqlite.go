package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/capitalize-ai/bookchat/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS books (
	book_id    INTEGER PRIMARY KEY,
	book_title TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	chat_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	member_num INTEGER NOT NULL,
	book_id    INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (member_num, book_id)
);

CREATE TABLE IF NOT EXISTS messages (
	message_id INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id    INTEGER NOT NULL REFERENCES conversations(chat_id),
	sender     TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, message_id);
`

// SQLite is the durable store backed by a sqlite database file.
// Messages are ordered by their autoincrement id, which is the sequence marker.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes writers so concurrent inserts surface as
	// constraint violations instead of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// FindConversation looks up the conversation for (member, book).
func (s *SQLite) FindConversation(ctx context.Context, member model.MemberID, book model.BookID) (model.ConversationID, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id FROM conversations WHERE member_num = ? AND book_id = ?`,
		int64(member), int64(book),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classify("find conversation", err)
	}
	return model.ConversationID(id), true, nil
}

// CreateConversation inserts a conversation row. A second insert for the same
// pair fails with ErrUniqueViolation.
func (s *SQLite) CreateConversation(ctx context.Context, member model.MemberID, book model.BookID) (model.ConversationID, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (member_num, book_id, created_at) VALUES (?, ?, ?)`,
		int64(member), int64(book), time.Now().UTC(),
	)
	if err != nil {
		return 0, classify("create conversation", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("create conversation", err)
	}
	return model.ConversationID(id), nil
}

// AppendTurn stores the messages of one turn atomically, in order.
func (s *SQLite) AppendTurn(ctx context.Context, msgs ...model.Message) ([]model.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("append turn", err)
	}
	defer tx.Rollback()

	stored := make([]model.Message, 0, len(msgs))
	for _, msg := range msgs {
		seq, err := insertMessage(ctx, tx, msg)
		if err != nil {
			return nil, classify("append turn", err)
		}
		msg.Sequence = seq
		stored = append(stored, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("append turn", err)
	}
	return stored, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, db execer, msg model.Message) (int64, error) {
	sender, err := msg.Sender.MarshalText()
	if err != nil {
		return 0, err
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, sender, content, created_at) VALUES (?, ?, ?, ?)`,
		int64(msg.ConversationID), string(sender), msg.Text, createdAt.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListMessages returns the conversation's messages in creation order.
func (s *SQLite) ListMessages(ctx context.Context, id model.ConversationID) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, chat_id, sender, content, created_at
		 FROM messages WHERE chat_id = ? ORDER BY message_id ASC`,
		int64(id),
	)
	if err != nil {
		return nil, classify("list messages", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// MessagesFor returns the ordered messages of the (book, member) conversation.
// A pair without a conversation yields an empty list.
func (s *SQLite) MessagesFor(ctx context.Context, book model.BookID, member model.MemberID) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.message_id, m.chat_id, m.sender, m.content, m.created_at
		 FROM messages m
		 JOIN conversations c ON c.chat_id = m.chat_id
		 WHERE c.book_id = ? AND c.member_num = ?
		 ORDER BY m.message_id ASC`,
		int64(book), int64(member),
	)
	if err != nil {
		return nil, classify("messages for book", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	messages := make([]model.Message, 0)
	for rows.Next() {
		var (
			msg    model.Message
			convID int64
			sender string
		)
		if err := rows.Scan(&msg.Sequence, &convID, &sender, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, classify("scan message", err)
		}

		parsed, err := model.ParseSender(sender)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w: %w", msg.Sequence, ErrCorrupt, err)
		}
		msg.Sender = parsed
		msg.ConversationID = model.ConversationID(convID)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("scan message", err)
	}
	return messages, nil
}

// ListConversations returns the member's conversations with book titles.
func (s *SQLite) ListConversations(ctx context.Context, member model.MemberID) ([]model.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.chat_id, c.book_id, COALESCE(b.book_title, '')
		 FROM conversations c
		 LEFT JOIN books b ON b.book_id = c.book_id
		 WHERE c.member_num = ?
		 ORDER BY c.chat_id ASC`,
		int64(member),
	)
	if err != nil {
		return nil, classify("list conversations", err)
	}
	defer rows.Close()

	summaries := make([]model.ConversationSummary, 0)
	for rows.Next() {
		var (
			convID, bookID int64
			summary        model.ConversationSummary
		)
		if err := rows.Scan(&convID, &bookID, &summary.BookTitle); err != nil {
			return nil, classify("scan conversation", err)
		}
		summary.ConversationID = model.ConversationID(convID)
		summary.BookID = model.BookID(bookID)
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("scan conversation", err)
	}
	return summaries, nil
}

// BookTitle returns the catalog title of a book.
func (s *SQLite) BookTitle(ctx context.Context, book model.BookID) (string, bool, error) {
	var title string
	err := s.db.QueryRowContext(ctx,
		`SELECT book_title FROM books WHERE book_id = ?`, int64(book),
	).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("book title", err)
	}
	return title, true, nil
}

// PutBook creates or renames a catalog entry.
func (s *SQLite) PutBook(ctx context.Context, book model.BookID, title string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO books (book_id, book_title) VALUES (?, ?)
		 ON CONFLICT(book_id) DO UPDATE SET book_title = excluded.book_title`,
		int64(book), title,
	)
	if err != nil {
		return classify("put book", err)
	}
	return nil
}
