package chat

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Service is the narrow facade over the chat/message store.
//
// The realtime core is NOT the owner of chats or messages. It only needs:
// - membership checks to authorize call participants and topic joins,
// - system-message inserts for call transcripts,
// - the soft-delete/restore flips whose notifications it must relay.
// Message content is never read here.

var (
	ErrNotFound             = errors.New("chat: not found")
	ErrNotMember            = errors.New("chat: not a member")
	ErrInvalidArgument      = errors.New("chat: invalid argument")
	ErrRestoreWindowExpired = errors.New("chat: restore window expired")
)

// RestoreWindow is how long a soft-deleted message can be undone.
const RestoreWindow = 24 * time.Hour

// CanRestore reports whether a message deleted at deletedAt may still be
// restored at now.
func CanRestore(deletedAt, now time.Time) bool {
	if deletedAt.IsZero() {
		return false
	}
	return now.Sub(deletedAt) <= RestoreWindow
}

type Service struct {
	db    *sql.DB
	clock func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, clock: time.Now}
}

// IsMember reports whether userID participates in chatID.
func (s *Service) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	if chatID == "" || userID == "" {
		return false, ErrInvalidArgument
	}
	const q = `
SELECT EXISTS (
	SELECT 1 FROM chat_participants
	WHERE chat_id = $1 AND user_id = $2 AND left_at IS NULL
)
`
	var ok bool
	if err := s.db.QueryRowContext(ctx, q, chatID, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Participants lists the active members of a chat.
func (s *Service) Participants(ctx context.Context, chatID string) ([]string, error) {
	if chatID == "" {
		return nil, ErrInvalidArgument
	}
	const q = `
SELECT user_id FROM chat_participants
WHERE chat_id = $1 AND left_at IS NULL
ORDER BY user_id
`
	rows, err := s.db.QueryContext(ctx, q, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// AppendSystemMessage inserts a system-kind message into the chat transcript
// (e.g. "voice call, 2m13s"). Returns the new message id.
func (s *Service) AppendSystemMessage(ctx context.Context, chatID, authorID, body string) (string, error) {
	if chatID == "" || authorID == "" || body == "" {
		return "", ErrInvalidArgument
	}
	id := uuid.NewString()
	now := s.clock().UTC()
	const q = `
INSERT INTO messages (id, chat_id, sender_id, body, kind, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'system', 'active', $5, $5)
`
	if _, err := s.db.ExecContext(ctx, q, id, chatID, authorID, body, now); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			// FK violation: unknown chat or user.
			return "", ErrNotFound
		}
		return "", err
	}
	return id, nil
}

// MarkMessageDeleted soft-deletes a message the actor authored.
func (s *Service) MarkMessageDeleted(ctx context.Context, chatID, actorID, messageID string) (time.Time, error) {
	if chatID == "" || actorID == "" || messageID == "" {
		return time.Time{}, ErrInvalidArgument
	}
	now := s.clock().UTC()
	const q = `
UPDATE messages
SET status = 'deleted', deleted_at = $4, updated_at = $4
WHERE id = $1 AND chat_id = $2 AND sender_id = $3 AND status = 'active'
`
	res, err := s.db.ExecContext(ctx, q, messageID, chatID, actorID, now)
	if err != nil {
		return time.Time{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, ErrNotFound
	}
	return now, nil
}

// RestoreMessage undoes a soft delete while the restore window is open.
func (s *Service) RestoreMessage(ctx context.Context, chatID, actorID, messageID string) error {
	if chatID == "" || actorID == "" || messageID == "" {
		return ErrInvalidArgument
	}
	now := s.clock().UTC()

	const q = `
UPDATE messages
SET status = 'active', deleted_at = NULL, updated_at = $4
WHERE id = $1 AND chat_id = $2 AND sender_id = $3
  AND status = 'deleted' AND deleted_at >= $5
`
	res, err := s.db.ExecContext(ctx, q, messageID, chatID, actorID, now, now.Add(-RestoreWindow))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Distinguish "window expired" from "no such deleted message".
	const check = `
SELECT deleted_at FROM messages
WHERE id = $1 AND chat_id = $2 AND sender_id = $3 AND status = 'deleted'
`
	var deletedAt sql.NullTime
	err = s.db.QueryRowContext(ctx, check, messageID, chatID, actorID).Scan(&deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if deletedAt.Valid && !CanRestore(deletedAt.Time, now) {
		return ErrRestoreWindowExpired
	}
	return ErrNotFound
}
