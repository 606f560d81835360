package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Entry is the shared presence record for one connected user.
// Owned exclusively by this package; no other component writes it.
type Entry struct {
	ConnectionID string    `json:"connection_id"`
	ProcessID    string    `json:"process_id"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// Store is the shared, TTL-backed presence store. The production
// implementation is redis; tests use the in-memory one.
type Store interface {
	Put(ctx context.Context, userID string, e Entry, ttl time.Duration) error
	Delete(ctx context.Context, userID string) error
	Exists(ctx context.Context, userID string) (bool, error)
	Online(ctx context.Context, now time.Time) ([]string, error)
}

var ErrInvalidArgument = errors.New("presence: invalid argument")

// Registry tracks which users hold open transport connections.
//
// Each process keeps a local userID→connectionID map for zero-latency
// same-process checks; the shared store is the cross-process truth. Entries
// carry a bounded TTL so a crashed process's rows self-expire instead of
// leaking "online forever" state.
type Registry struct {
	store     Store
	processID string
	ttl       time.Duration
	clock     func() time.Time
	log       *slog.Logger

	mu    sync.RWMutex
	local map[string]string // userID -> connectionID
}

func NewRegistry(store Store, processID string, ttl time.Duration, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Registry{
		store:     store,
		processID: processID,
		ttl:       ttl,
		clock:     time.Now,
		log:       log,
		local:     make(map[string]string),
	}
}

func (r *Registry) ProcessID() string { return r.processID }

// Record registers a connection for userID, replacing any previous one.
func (r *Registry) Record(ctx context.Context, userID, connectionID string) error {
	if userID == "" || connectionID == "" {
		return ErrInvalidArgument
	}

	r.mu.Lock()
	r.local[userID] = connectionID
	r.mu.Unlock()

	e := Entry{
		ConnectionID: connectionID,
		ProcessID:    r.processID,
		ConnectedAt:  r.clock().UTC(),
	}
	if err := r.store.Put(ctx, userID, e, r.ttl); err != nil {
		// Local state is already correct; the shared entry will be
		// written on the next heartbeat or stay absent until then.
		r.log.Warn("presence shared write failed", "user_id", userID, "err", err)
		return err
	}
	return nil
}

// Remove clears the connection for userID. The local map is always cleared;
// a failed shared delete is left to expire via TTL (eventual consistency).
func (r *Registry) Remove(ctx context.Context, userID string) {
	if userID == "" {
		return
	}

	r.mu.Lock()
	delete(r.local, userID)
	r.mu.Unlock()

	if err := r.store.Delete(ctx, userID); err != nil {
		r.log.Warn("presence shared delete failed, entry left to ttl", "user_id", userID, "err", err)
	}
}

// LocalConnection returns the same-process connection id for userID, if any.
func (r *Registry) LocalConnection(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.local[userID]
	return id, ok
}

// IsOnline checks the local map first and falls back to the shared store
// for users connected to other processes.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, ErrInvalidArgument
	}
	if _, ok := r.LocalConnection(userID); ok {
		return true, nil
	}
	return r.store.Exists(ctx, userID)
}

// ListOnline returns every user with a live shared entry, cluster-wide.
func (r *Registry) ListOnline(ctx context.Context) ([]string, error) {
	return r.store.Online(ctx, r.clock().UTC())
}
