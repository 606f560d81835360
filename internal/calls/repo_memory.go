package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is the in-memory Repository for tests and early development.
// All invariant checks happen under one mutex, mirroring the atomicity the
// postgres implementation gets from transactions and advisory locks.
type MemoryRepo struct {
	mu     sync.Mutex
	calls  map[string]Call
	tokens map[string][]CallToken // call_id -> tokens, newest last

	clock func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		calls:  make(map[string]Call),
		tokens: make(map[string][]CallToken),
		clock:  time.Now,
	}
}

// SetClock overrides the repo clock for deterministic tests.
func (r *MemoryRepo) SetClock(clock func() time.Time) { r.clock = clock }

func (r *MemoryRepo) CreateExclusive(ctx context.Context, c Call) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.calls {
		if existing.Status.Terminal() {
			continue
		}
		for _, p := range c.Participants {
			if existing.HasParticipant(p) {
				return Call{}, busyConflict(existing.ID)
			}
		}
	}

	now := r.clock().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	r.calls[c.ID] = c
	return c, nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) GetByRoomID(ctx context.Context, roomID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.Room != nil && c.Room.ID == roomID {
			return c, nil
		}
	}
	return Call{}, ErrNotFound
}

func (r *MemoryRepo) Transition(ctx context.Context, id string, upd TransitionUpdate) (Call, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[id]
	if !ok {
		return Call{}, false, ErrNotFound
	}

	guardOK := false
	for _, s := range upd.From {
		if c.Status == s {
			guardOK = true
			break
		}
	}
	if !guardOK {
		return c, false, nil
	}

	c.Status = upd.To
	if upd.EndReason != "" {
		c.EndReason = upd.EndReason
	}
	if upd.StartedAt != nil && c.StartedAt == nil {
		t := upd.StartedAt.UTC()
		c.StartedAt = &t
	}
	if upd.EndedAt != nil && c.EndedAt == nil {
		t := upd.EndedAt.UTC()
		c.EndedAt = &t
	}
	if upd.RoomEndedAt != nil && c.Room != nil && c.Room.EndedAt == nil {
		// Copy before mutating: previously returned Call values alias the
		// same ExternalRoom and must stay immutable snapshots.
		room := *c.Room
		t := upd.RoomEndedAt.UTC()
		room.EndedAt = &t
		c.Room = &room
	}
	c.UpdatedAt = r.clock().UTC()
	r.calls[id] = c
	return c, true, nil
}

func (r *MemoryRepo) AttachRoom(ctx context.Context, id string, room ExternalRoom) (Call, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[id]
	if !ok {
		return Call{}, false, ErrNotFound
	}
	// The call may have been declined, ended, or reaped while the provider
	// round trip was in flight.
	if c.Status.Terminal() {
		return c, false, nil
	}
	c.Room = &room
	c.UpdatedAt = r.clock().UTC()
	r.calls[id] = c
	return c, true, nil
}

func (r *MemoryRepo) MergeMetadata(ctx context.Context, id string, md map[string]any) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	for k, v := range md {
		c.Metadata[k] = v
	}
	c.UpdatedAt = r.clock().UTC()
	r.calls[id] = c
	return c, nil
}

func (r *MemoryRepo) ListStale(ctx context.Context, olderThan time.Time) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Call
	for _, c := range r.calls {
		if (c.Status == StatusInitiated || c.Status == StatusRinging) && c.InitiatedAt.Before(olderThan) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.Before(out[j].InitiatedAt) })
	return out, nil
}

func (r *MemoryRepo) ActiveForUser(ctx context.Context, userID string) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Call
	for _, c := range r.calls {
		if !c.Status.Terminal() && c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.After(out[j].InitiatedAt) })
	return out, nil
}

func (r *MemoryRepo) History(ctx context.Context, userID string, limit, offset int) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []Call
	for _, c := range r.calls {
		if c.HasParticipant(userID) {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].InitiatedAt.After(all[j].InitiatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryRepo) Stats(ctx context.Context, userID string, since time.Time) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Stats{Since: since, ByType: map[CallType]int{}, ByStatus: map[Status]int{}}
	for _, c := range r.calls {
		if !c.HasParticipant(userID) || c.InitiatedAt.Before(since) {
			continue
		}
		out.TotalCalls++
		out.ByType[c.Type]++
		out.ByStatus[c.Status]++
		out.TotalDurationSeconds += c.DurationSeconds()
	}
	return out, nil
}

func (r *MemoryRepo) SaveToken(ctx context.Context, t CallToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UTC()
	toks := r.tokens[t.CallID]
	for i := range toks {
		if toks[i].UserID == t.UserID && toks[i].RevokedAt == nil {
			rt := now
			toks[i].RevokedAt = &rt
		}
	}
	r.tokens[t.CallID] = append(toks, t)
	return nil
}

// LiveTokens returns the non-revoked tokens for a call; test helper.
func (r *MemoryRepo) LiveTokens(callID string) []CallToken {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []CallToken
	for _, t := range r.tokens[callID] {
		if t.RevokedAt == nil {
			out = append(out, t)
		}
	}
	return out
}
