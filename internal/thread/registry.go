// Package thread owns thread identity: the one-thread-per-pair invariant,
// idempotent creation, participant lookups, and per-viewer summaries with
// last-message and unread-count derivation.
package thread

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/doebem/chat-service/internal/apperr"
	"github.com/doebem/chat-service/internal/directory"
	"github.com/doebem/chat-service/internal/message"
)

// Filter narrows a summary listing. Search matches the other participant's
// display name or center name case-insensitively; UnreadOnly keeps only
// threads with unread messages. Both compose with AND semantics.
type Filter struct {
	Search     string
	UnreadOnly bool
}

// Summary is the per-viewer view of one thread, ordered most-recently-active
// first. LastMessage and UnreadCount are derived from message rows at read
// time, never stored.
type Summary struct {
	ThreadID    uuid.UUID           `json:"thread_id"`
	Other       directory.Identity  `json:"other"`
	LastMessage *message.Message    `json:"last_message,omitempty"`
	UnreadCount int                 `json:"unread_count"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Registry manages thread identity in PostgreSQL.
type Registry struct {
	db  *sql.DB
	dir directory.Directory
}

// NewRegistry creates a registry on the given database handle and directory.
func NewRegistry(db *sql.DB, dir directory.Directory) *Registry {
	return &Registry{db: db, dir: dir}
}

// GetOrCreate returns the thread between the two users, creating it if this
// is their first contact. Creation is idempotent: concurrent calls for the
// same pair converge on one row via the unique (donor, center) constraint.
// Exactly one of the two users must be a center.
func (r *Registry) GetOrCreate(ctx context.Context, userA, userB uuid.UUID) (uuid.UUID, error) {
	if userA == userB {
		return uuid.Nil, apperr.Validation("a thread requires two distinct participants")
	}

	identA, err := r.dir.PublicIdentity(ctx, userA)
	if err != nil {
		return uuid.Nil, err
	}
	identB, err := r.dir.PublicIdentity(ctx, userB)
	if err != nil {
		return uuid.Nil, err
	}

	var donorID, centerID uuid.UUID
	switch {
	case identA.IsCenter() && !identB.IsCenter():
		donorID, centerID = userB, userA
	case identB.IsCenter() && !identA.IsCenter():
		donorID, centerID = userA, userB
	default:
		return uuid.Nil, apperr.Validation("a thread pairs one donor with one center")
	}

	var threadID uuid.UUID
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO threads (id, donor_user_id, center_user_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (donor_user_id, center_user_id)
		 DO UPDATE SET donor_user_id = EXCLUDED.donor_user_id
		 RETURNING id`,
		uuid.New(), donorID, centerID,
	).Scan(&threadID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("thread: get or create: %w", err)
	}
	return threadID, nil
}

// Participants returns the two participant ids of a thread.
func (r *Registry) Participants(ctx context.Context, threadID uuid.UUID) (donorID, centerID uuid.UUID, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT donor_user_id, center_user_id FROM threads WHERE id = $1`,
		threadID,
	).Scan(&donorID, &centerID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, uuid.Nil, apperr.NotFound("thread not found")
	}
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("thread: participants: %w", err)
	}
	return donorID, centerID, nil
}

// OtherParticipant returns the participant that is not the given user, or a
// forbidden error if the user is not part of the thread.
func (r *Registry) OtherParticipant(ctx context.Context, threadID, userID uuid.UUID) (uuid.UUID, error) {
	donorID, centerID, err := r.Participants(ctx, threadID)
	if err != nil {
		return uuid.Nil, err
	}
	switch userID {
	case donorID:
		return centerID, nil
	case centerID:
		return donorID, nil
	}
	return uuid.Nil, apperr.Forbidden("user is not a thread participant")
}

// ContactsOf returns every user that shares a thread with the given user.
// Presence broadcasts fan out to exactly this set.
func (r *Registry) ContactsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT CASE WHEN donor_user_id = $1 THEN center_user_id ELSE donor_user_id END
		 FROM threads
		 WHERE donor_user_id = $1 OR center_user_id = $1`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("thread: contacts: %w", err)
	}
	defer rows.Close()

	var contacts []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("thread: scan contact: %w", err)
		}
		contacts = append(contacts, id)
	}
	return contacts, rows.Err()
}

// SummariesFor lists the viewer's threads most-recently-active first, with
// the other participant's identity, a last-message snapshot, and the unread
// count, then applies the filter.
func (r *Registry) SummariesFor(ctx context.Context, viewerID uuid.UUID, filter Filter) ([]Summary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT t.id,
		        CASE WHEN t.donor_user_id = $1 THEN t.center_user_id ELSE t.donor_user_id END,
		        t.updated_at,
		        m.id, m.sender_user_id, m.body, m.created_at, m.read_at,
		        (SELECT count(*) FROM messages u
		          WHERE u.thread_id = t.id AND u.sender_user_id <> $1 AND u.read_at IS NULL)
		 FROM threads t
		 LEFT JOIN LATERAL (
		     SELECT id, sender_user_id, body, created_at, read_at
		     FROM messages
		     WHERE thread_id = t.id
		     ORDER BY id DESC
		     LIMIT 1
		 ) m ON true
		 WHERE t.donor_user_id = $1 OR t.center_user_id = $1
		 ORDER BY t.updated_at DESC`,
		viewerID)
	if err != nil {
		return nil, fmt.Errorf("thread: summaries: %w", err)
	}
	defer rows.Close()

	summaries := make([]Summary, 0)
	for rows.Next() {
		var (
			s       Summary
			otherID uuid.UUID
			lastID  sql.NullInt64
			sender  sql.Null[uuid.UUID]
			body    sql.NullString
			created sql.NullTime
			readAt  sql.NullTime
		)
		if err := rows.Scan(&s.ThreadID, &otherID, &s.UpdatedAt,
			&lastID, &sender, &body, &created, &readAt, &s.UnreadCount); err != nil {
			return nil, fmt.Errorf("thread: scan summary: %w", err)
		}

		if lastID.Valid {
			last := message.Message{
				ID:           lastID.Int64,
				ThreadID:     s.ThreadID,
				SenderUserID: sender.V,
				Text:         body.String,
				CreatedAt:    created.Time,
			}
			if readAt.Valid {
				t := readAt.Time
				last.ReadAt = &t
			}
			s.LastMessage = &last
		}

		ident, err := r.dir.PublicIdentity(ctx, otherID)
		if err != nil {
			return nil, err
		}
		s.Other = *ident
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("thread: iterate summaries: %w", err)
	}

	return applyFilter(summaries, filter), nil
}

// applyFilter keeps summaries matching both filter clauses.
func applyFilter(in []Summary, filter Filter) []Summary {
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	if search == "" && !filter.UnreadOnly {
		return in
	}

	out := make([]Summary, 0, len(in))
	for _, s := range in {
		if filter.UnreadOnly && s.UnreadCount == 0 {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(s.Other.Name), search) &&
			!strings.Contains(strings.ToLower(s.Other.CenterName), search) {
			continue
		}
		out = append(out, s)
	}
	return out
}
