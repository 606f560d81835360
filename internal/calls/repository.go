package calls

import (
	"context"
	"time"
)

// TransitionUpdate is a guarded status change. Implementations apply it as
// one conditional write: the update lands only while the call's current
// status is in From. The applied flag distinguishes "already moved on"
// (no-op, not an error) from a real change — that is what makes reaper
// sweeps and webhook reconciliation idempotent.
type TransitionUpdate struct {
	From []Status
	To   Status

	// StartedAt/EndedAt are set only if currently unset.
	StartedAt *time.Time
	EndedAt   *time.Time

	// EndReason is recorded only when non-empty.
	EndReason EndReason

	// RoomEndedAt stamps external_room_ended_at when the provider room
	// was (or will be) torn down with this transition.
	RoomEndedAt *time.Time
}

// Repository is the persistence port for calls.
//
// CreateExclusive must check the one-non-terminal-call-per-user invariant
// and insert atomically — a single transaction or equivalent conditional
// write, never a separate read followed by a separate write.
type Repository interface {
	CreateExclusive(ctx context.Context, c Call) (Call, error)

	Get(ctx context.Context, id string) (Call, error)
	GetByRoomID(ctx context.Context, roomID string) (Call, error)

	Transition(ctx context.Context, id string, upd TransitionUpdate) (Call, bool, error)

	// AttachRoom records the provider room only while the call is still
	// non-terminal. attached == false means the call reached a terminal
	// status during provisioning and the room should be ended.
	AttachRoom(ctx context.Context, id string, room ExternalRoom) (Call, bool, error)
	MergeMetadata(ctx context.Context, id string, md map[string]any) (Call, error)

	ListStale(ctx context.Context, olderThan time.Time) ([]Call, error)
	ActiveForUser(ctx context.Context, userID string) ([]Call, error)
	History(ctx context.Context, userID string, limit, offset int) ([]Call, error)
	Stats(ctx context.Context, userID string, since time.Time) (Stats, error)

	// SaveToken revokes any live token for the same call+user and inserts
	// the new one in a single transaction.
	SaveToken(ctx context.Context, t CallToken) error
}
