package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"findernate-realtime/pkg/utils"
)

// PostgresRepo persists calls in the `calls` and `call_tokens` tables.
//
// participants and metadata are stored as jsonb: membership checks use the
// jsonb `?` / `?|` operators, which index well with GIN and keep scanning
// portable through database/sql.
type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const callColumns = `
id, chat_id, initiator, participants, call_type, status, end_reason,
initiated_at, started_at, ended_at,
external_room_id, external_room_code, external_room_enabled, external_room_created_at, external_room_ended_at,
metadata, created_at, updated_at
`

func statusCSV(ss []Status) string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

// CreateExclusive serializes per-user with transaction-scoped advisory
// locks (sorted to avoid lock-order deadlocks), re-checks the busy
// invariant under those locks, and inserts — all in one transaction.
func (r *PostgresRepo) CreateExclusive(ctx context.Context, c Call) (Call, error) {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return Call{}, err
	}
	metadata, err := marshalMetadata(c.Metadata)
	if err != nil {
		return Call{}, err
	}

	locked := append([]string(nil), c.Participants...)
	sort.Strings(locked)

	var out Call
	err = utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		for _, userID := range locked {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "call:"+userID); err != nil {
				return err
			}
		}

		const busyQ = `
SELECT id FROM calls
WHERE status = ANY(string_to_array($1, ','))
  AND participants ?| string_to_array($2, ',')
LIMIT 1
`
		var existingID string
		err := tx.QueryRowContext(ctx, busyQ, statusCSV(NonTerminalStatuses), strings.Join(c.Participants, ",")).Scan(&existingID)
		if err == nil {
			return busyConflict(existingID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		const insertQ = `
INSERT INTO calls (id, chat_id, initiator, participants, call_type, status, initiated_at, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8::jsonb, $9, $9)
RETURNING ` + callColumns
		now := r.clock().UTC()
		row := tx.QueryRowContext(ctx, insertQ,
			c.ID, c.ChatID, c.Initiator, participants, c.Type, c.Status, c.InitiatedAt, metadata, now,
		)
		out, err = scanCall(row)
		return err
	})
	if err != nil {
		return Call{}, err
	}
	return out, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	c, err := scanCall(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepo) GetByRoomID(ctx context.Context, roomID string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE external_room_id = $1`
	c, err := scanCall(r.db.QueryRowContext(ctx, q, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

// Transition applies a guarded status change in one conditional UPDATE.
// applied == false with a nil error means the guard did not match; callers
// decide whether that is a conflict or an idempotent no-op.
func (r *PostgresRepo) Transition(ctx context.Context, id string, upd TransitionUpdate) (Call, bool, error) {
	const q = `
UPDATE calls
SET status = $2,
    end_reason = CASE WHEN $3 = '' THEN end_reason ELSE $3 END,
    started_at = COALESCE(started_at, $4),
    ended_at = COALESCE(ended_at, $5),
    external_room_ended_at = COALESCE(external_room_ended_at, $6),
    updated_at = $7
WHERE id = $1 AND status = ANY(string_to_array($8, ','))
RETURNING ` + callColumns

	row := r.db.QueryRowContext(ctx, q,
		id, upd.To, string(upd.EndReason),
		nullTime(upd.StartedAt), nullTime(upd.EndedAt), nullTime(upd.RoomEndedAt),
		r.clock().UTC(), statusCSV(upd.From),
	)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Guard miss or missing row; disambiguate for the caller.
		current, getErr := r.Get(ctx, id)
		if getErr != nil {
			return Call{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return Call{}, false, err
	}
	return c, true, nil
}

// AttachRoom records the provider room on a call, guarded on the call
// still being non-terminal: the provider round trip races with decline,
// end, and the reaper. attached == false means the call moved to a
// terminal status in the meantime and the room must be torn down.
func (r *PostgresRepo) AttachRoom(ctx context.Context, id string, room ExternalRoom) (Call, bool, error) {
	const q = `
UPDATE calls
SET external_room_id = $2,
    external_room_code = NULLIF($3, ''),
    external_room_enabled = $4,
    external_room_created_at = $5,
    updated_at = $6
WHERE id = $1 AND status = ANY(string_to_array($7, ','))
RETURNING ` + callColumns

	c, err := scanCall(r.db.QueryRowContext(ctx, q,
		id, room.ID, room.Code, room.Enabled, room.CreatedAt, r.clock().UTC(), statusCSV(NonTerminalStatuses),
	))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := r.Get(ctx, id)
		if getErr != nil {
			return Call{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return Call{}, false, err
	}
	return c, true, nil
}

func (r *PostgresRepo) MergeMetadata(ctx context.Context, id string, md map[string]any) (Call, error) {
	data, err := marshalMetadata(md)
	if err != nil {
		return Call{}, err
	}
	const q = `
UPDATE calls
SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb,
    updated_at = $3
WHERE id = $1
RETURNING ` + callColumns

	c, err := scanCall(r.db.QueryRowContext(ctx, q, id, data, r.clock().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepo) ListStale(ctx context.Context, olderThan time.Time) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE status = ANY(string_to_array($1, ',')) AND initiated_at < $2
ORDER BY initiated_at
`
	return r.queryCalls(ctx, q, statusCSV([]Status{StatusInitiated, StatusRinging}), olderThan)
}

func (r *PostgresRepo) ActiveForUser(ctx context.Context, userID string) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE participants ? $1 AND status = ANY(string_to_array($2, ','))
ORDER BY initiated_at DESC
`
	return r.queryCalls(ctx, q, userID, statusCSV(NonTerminalStatuses))
}

func (r *PostgresRepo) History(ctx context.Context, userID string, limit, offset int) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE participants ? $1
ORDER BY initiated_at DESC
LIMIT $2 OFFSET $3
`
	return r.queryCalls(ctx, q, userID, limit, offset)
}

func (r *PostgresRepo) Stats(ctx context.Context, userID string, since time.Time) (Stats, error) {
	const q = `
SELECT call_type, status, COUNT(*),
       COALESCE(SUM(
           CASE WHEN started_at IS NOT NULL AND ended_at IS NOT NULL
                THEN GREATEST(EXTRACT(EPOCH FROM ended_at - started_at)::bigint, 0)
                ELSE 0 END
       ), 0)
FROM calls
WHERE participants ? $1 AND initiated_at >= $2
GROUP BY call_type, status
`
	rows, err := r.db.QueryContext(ctx, q, userID, since)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	out := Stats{Since: since, ByType: map[CallType]int{}, ByStatus: map[Status]int{}}
	for rows.Next() {
		var (
			callType CallType
			status   Status
			count    int
			duration int64
		)
		if err := rows.Scan(&callType, &status, &count, &duration); err != nil {
			return Stats{}, err
		}
		out.TotalCalls += count
		out.ByType[callType] += count
		out.ByStatus[status] += count
		out.TotalDurationSeconds += duration
	}
	return out, rows.Err()
}

func (r *PostgresRepo) SaveToken(ctx context.Context, t CallToken) error {
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const revokeQ = `
UPDATE call_tokens SET revoked_at = $3
WHERE call_id = $1 AND user_id = $2 AND revoked_at IS NULL
`
		if _, err := tx.ExecContext(ctx, revokeQ, t.CallID, t.UserID, r.clock().UTC()); err != nil {
			return err
		}

		const insertQ = `
INSERT INTO call_tokens (id, call_id, user_id, token, role, issued_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
		_, err := tx.ExecContext(ctx, insertQ, t.ID, t.CallID, t.UserID, t.Value, t.Role, t.IssuedAt, t.ExpiresAt)
		return err
	})
}

/* ===================== SCANNING ===================== */

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c             Call
		participants  []byte
		endReason     sql.NullString
		startedAt     sql.NullTime
		endedAt       sql.NullTime
		roomID        sql.NullString
		roomCode      sql.NullString
		roomEnabled   sql.NullBool
		roomCreatedAt sql.NullTime
		roomEndedAt   sql.NullTime
		metadata      []byte
	)
	err := row.Scan(
		&c.ID, &c.ChatID, &c.Initiator, &participants, &c.Type, &c.Status, &endReason,
		&c.InitiatedAt, &startedAt, &endedAt,
		&roomID, &roomCode, &roomEnabled, &roomCreatedAt, &roomEndedAt,
		&metadata, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Call{}, err
	}

	if err := json.Unmarshal(participants, &c.Participants); err != nil {
		return Call{}, err
	}
	if endReason.Valid {
		c.EndReason = EndReason(endReason.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		c.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	if roomID.Valid {
		c.Room = &ExternalRoom{
			ID:        roomID.String,
			Code:      roomCode.String,
			Enabled:   roomEnabled.Bool,
			CreatedAt: roomCreatedAt.Time,
		}
		if roomEndedAt.Valid {
			t := roomEndedAt.Time
			c.Room.EndedAt = &t
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return Call{}, err
		}
	}
	return c, nil
}

func (r *PostgresRepo) queryCalls(ctx context.Context, q string, args ...any) ([]Call, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func marshalMetadata(md map[string]any) ([]byte, error) {
	if md == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(md)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
