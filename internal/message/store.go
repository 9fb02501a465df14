package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/doebem/chat-service/internal/apperr"
)

const (
	// DefaultPageSize is used when the caller does not specify a page size.
	DefaultPageSize = 50

	// MaxPageSize is the hard cap on a single history page.
	MaxPageSize = 100
)

// Page is one slice of thread history, ordered oldest to newest, plus a flag
// indicating whether older messages remain beyond it.
type Page struct {
	Messages []Message
	HasMore  bool
}

// Store manages the message log in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store on the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Send validates and persists one message. Concurrent sends into the same
// thread are serialized by locking the thread row, so the (created_at, id)
// order position assigned here is total and never changes. The thread's
// updated_at is bumped in the same transaction.
func (s *Store) Send(ctx context.Context, threadID, senderID uuid.UUID, text string) (*Message, error) {
	if err := ValidateText(text); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("message: begin send tx: %w", err)
	}
	defer tx.Rollback()

	var donorID, centerID uuid.UUID
	err = tx.QueryRowContext(ctx,
		`SELECT donor_user_id, center_user_id FROM threads WHERE id = $1 FOR UPDATE`,
		threadID,
	).Scan(&donorID, &centerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("thread not found")
	}
	if err != nil {
		return nil, fmt.Errorf("message: lock thread: %w", err)
	}

	if senderID != donorID && senderID != centerID {
		return nil, apperr.Forbidden("sender is not a thread participant")
	}

	msg := Message{
		ThreadID:     threadID,
		SenderUserID: senderID,
		Text:         text,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (thread_id, sender_user_id, body)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		threadID, senderID, text,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("message: insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET updated_at = $2 WHERE id = $1`,
		threadID, msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("message: bump thread activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("message: commit send: %w", err)
	}
	return &msg, nil
}

// ListPage returns up to pageSize messages from the thread, oldest to newest
// within the page. A zero beforeID means "the most recent page"; a positive
// beforeID pages strictly older than that message. HasMore reports whether
// older messages remain beyond the returned page.
func (s *Store) ListPage(ctx context.Context, threadID uuid.UUID, beforeID int64, pageSize int) (*Page, error) {
	if beforeID < 0 {
		return nil, apperr.Validation("invalid pagination cursor")
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM threads WHERE id = $1)`, threadID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("message: check thread: %w", err)
	}
	if !exists {
		return nil, apperr.NotFound("thread not found")
	}

	// Fetch one extra row to learn whether older history remains.
	var (
		rows *sql.Rows
		err  error
	)
	if beforeID > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, thread_id, sender_user_id, body, created_at, read_at
			 FROM messages
			 WHERE thread_id = $1 AND id < $2
			 ORDER BY id DESC
			 LIMIT $3`,
			threadID, beforeID, pageSize+1)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, thread_id, sender_user_id, body, created_at, read_at
			 FROM messages
			 WHERE thread_id = $1
			 ORDER BY id DESC
			 LIMIT $2`,
			threadID, pageSize+1)
	}
	if err != nil {
		return nil, fmt.Errorf("message: list page: %w", err)
	}
	defer rows.Close()

	newestFirst := make([]Message, 0, pageSize)
	for rows.Next() {
		var m Message
		var readAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.SenderUserID, &m.Text, &m.CreatedAt, &readAt); err != nil {
			return nil, fmt.Errorf("message: scan row: %w", err)
		}
		if readAt.Valid {
			t := readAt.Time
			m.ReadAt = &t
		}
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: iterate rows: %w", err)
	}

	hasMore := len(newestFirst) > pageSize
	if hasMore {
		newestFirst = newestFirst[:pageSize]
	}

	// Reverse into oldest -> newest order for the page.
	out := make([]Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(out)-1-i] = m
	}
	return &Page{Messages: out, HasMore: hasMore}, nil
}

// MarkRead sets read_at on every message in the thread that the reader did
// not send and that is still unread. It is idempotent: with no new messages a
// second call updates zero rows. The timestamp applied is returned so the
// caller can fan it out.
func (s *Store) MarkRead(ctx context.Context, threadID, readerID uuid.UUID) (int64, time.Time, error) {
	var donorID, centerID uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`SELECT donor_user_id, center_user_id FROM threads WHERE id = $1`,
		threadID,
	).Scan(&donorID, &centerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, apperr.NotFound("thread not found")
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("message: load thread: %w", err)
	}
	if readerID != donorID && readerID != centerID {
		return 0, time.Time{}, apperr.Forbidden("reader is not a thread participant")
	}

	readAt := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages
		 SET read_at = $3
		 WHERE thread_id = $1 AND sender_user_id <> $2 AND read_at IS NULL`,
		threadID, readerID, readAt)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("message: mark read: %w", err)
	}

	updated, err := res.RowsAffected()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("message: rows affected: %w", err)
	}
	return updated, readAt, nil
}
