package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/campus-ride-matching/internal/models"
	"github.com/example/campus-ride-matching/internal/observability"
	"github.com/example/campus-ride-matching/internal/storage"
)

// Store is the slice of the user store the registry writes to.
type Store interface {
	SetPresence(ctx context.Context, id string, online bool, at time.Time) error
	FindUsers(ctx context.Context, f storage.UserFilter) ([]*models.User, error)
}

// Binding ties a durable identity to one live connection.
type Binding struct {
	UserID string
	Name   string
	Role   models.Role
	ConnID string
}

// Registry maps users to their current connection and back. At most one
// connection is bound to a user; a newer registration replaces the older one.
type Registry struct {
	store Store
	log   *slog.Logger
	now   func() time.Time

	mu     sync.RWMutex
	byUser map[string]Binding
	byConn map[string]string
}

func NewRegistry(store Store, log *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		log:    log,
		now:    time.Now,
		byUser: make(map[string]Binding),
		byConn: make(map[string]string),
	}
}

// Registration reports what a Register call displaced.
type Registration struct {
	// Superseded is the user's previous connection, now unbound.
	Superseded string
	// Evicted is the identity connID held before switching to a new one.
	// That user is already marked offline; the caller owns any further
	// cleanup, exactly as for a disconnect.
	Evicted *Binding
}

// Register binds b.UserID to b.ConnID and marks the user online.
func (r *Registry) Register(ctx context.Context, b Binding) (Registration, error) {
	var reg Registration
	r.mu.Lock()
	if old, ok := r.byUser[b.UserID]; ok {
		if old.ConnID != b.ConnID {
			reg.Superseded = old.ConnID
			delete(r.byConn, old.ConnID)
		}
	} else {
		observability.UsersOnline.WithLabelValues(string(b.Role)).Inc()
	}
	if prev, ok := r.byConn[b.ConnID]; ok && prev != b.UserID {
		if pb, ok := r.byUser[prev]; ok {
			delete(r.byUser, prev)
			observability.UsersOnline.WithLabelValues(string(pb.Role)).Dec()
			reg.Evicted = &pb
		}
	}
	r.byUser[b.UserID] = b
	r.byConn[b.ConnID] = b.UserID
	r.mu.Unlock()

	now := r.now()
	if reg.Evicted != nil {
		if err := r.store.SetPresence(ctx, reg.Evicted.UserID, false, now); err != nil {
			return reg, fmt.Errorf("mark %s offline: %w", reg.Evicted.UserID, err)
		}
		r.log.Info("connection switched identity", "conn", b.ConnID, "from", reg.Evicted.UserID, "to", b.UserID)
	}
	if err := r.store.SetPresence(ctx, b.UserID, true, now); err != nil {
		return reg, fmt.Errorf("mark %s online: %w", b.UserID, err)
	}
	if reg.Superseded != "" {
		r.log.Info("connection superseded", "user_id", b.UserID, "old_conn", reg.Superseded, "conn", b.ConnID)
	}
	return reg, nil
}

// OnDisconnect unbinds connID. ok is false when the connection was never
// bound or had already been superseded; in that case nothing is written.
func (r *Registry) OnDisconnect(ctx context.Context, connID string) (b Binding, ok bool, err error) {
	r.mu.Lock()
	userID, bound := r.byConn[connID]
	if bound {
		b = r.byUser[userID]
		delete(r.byConn, connID)
		delete(r.byUser, userID)
		observability.UsersOnline.WithLabelValues(string(b.Role)).Dec()
	}
	r.mu.Unlock()
	if !bound {
		return Binding{}, false, nil
	}
	if err := r.store.SetPresence(ctx, userID, false, r.now()); err != nil {
		return b, true, fmt.Errorf("mark %s offline: %w", userID, err)
	}
	return b, true, nil
}

// Lookup returns the connection currently bound to userID.
func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byUser[userID]
	return b.ConnID, ok
}

// Binding returns who is bound to connID.
func (r *Registry) Binding(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	if !ok {
		return Binding{}, false
	}
	return r.byUser[userID], true
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Resync drops every binding and marks users the store still believes are
// online as offline. No connection survives a restart.
func (r *Registry) Resync(ctx context.Context) error {
	r.mu.Lock()
	r.byUser = make(map[string]Binding)
	r.byConn = make(map[string]string)
	r.mu.Unlock()
	observability.UsersOnline.Reset()

	stale, err := r.store.FindUsers(ctx, storage.UserFilter{OnlineOnly: true})
	if err != nil {
		return fmt.Errorf("find online users: %w", err)
	}
	now := r.now()
	for _, u := range stale {
		if err := r.store.SetPresence(ctx, u.ID, false, now); err != nil {
			return fmt.Errorf("mark %s offline: %w", u.ID, err)
		}
	}
	if len(stale) > 0 {
		r.log.Info("presence resynced", "marked_offline", len(stale))
	}
	return nil
}
