package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/campus-ride-matching/internal/models"
)

// MemoryStore keeps every record in process. It is used when no PG_DSN is
// configured and as the store behind the package tests; records are copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*models.User
	rides map[string]*models.RideRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*models.User),
		rides: make(map[string]*models.RideRequest),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func (m *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	return copyUser(u), nil
}

func (m *MemoryStore) FindUsers(_ context.Context, f UserFilter) ([]*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.User, 0)
	for _, u := range m.users {
		if f.matches(u) {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.users[u.ID]; ok {
		cur.Name = u.Name
		cur.Role = u.Role
		if u.Email != "" {
			cur.Email = u.Email
		}
		return nil
	}
	c := copyUser(u)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.users[u.ID] = c
	return nil
}

func (m *MemoryStore) SetPresence(_ context.Context, id string, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	u.IsOnline = online
	u.LastSeen = at
	return nil
}

func (m *MemoryStore) SetLocation(_ context.Context, id string, loc models.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	u.LastLocation = &loc
	return nil
}

func (m *MemoryStore) AdjustSeats(_ context.Context, driverID string, delta int) (models.DriverCapacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[driverID]
	if !ok || u.Role != models.RoleDriver {
		return models.DriverCapacity{}, fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	next := u.AvailableSeats + delta
	if next < 0 {
		return models.DriverCapacity{}, fmt.Errorf("driver %s has %d seats, needs %d: %w", driverID, u.AvailableSeats, -delta, models.ErrInsufficientCapacity)
	}
	if next > u.Capacity {
		next = u.Capacity
	}
	u.AvailableSeats = next
	return models.DriverCapacity{DriverID: driverID, Capacity: u.Capacity, AvailableSeats: next}, nil
}

func (m *MemoryStore) SetAvailableSeats(_ context.Context, driverID string, seats int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[driverID]
	if !ok || u.Role != models.RoleDriver {
		return fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	if seats < 0 || seats > u.Capacity {
		return fmt.Errorf("driver %s: seats %d outside [0,%d]", driverID, seats, u.Capacity)
	}
	u.AvailableSeats = seats
	return nil
}

func (m *MemoryStore) InsertRideRequest(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("ride request %s already exists", r.ID)
	}
	if !r.Status.Terminal() {
		for _, cur := range m.rides {
			if cur.StudentID == r.StudentID && !cur.Status.Terminal() {
				return &models.ActiveRequestError{Point: cur.Point, Status: cur.Status}
			}
		}
	}
	m.rides[r.ID] = copyRide(r)
	return nil
}

func (m *MemoryStore) GetRideRequest(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("ride request %s: %w", id, models.ErrNotFound)
	}
	return copyRide(r), nil
}

func (m *MemoryStore) FindRideRequests(_ context.Context, f RideFilter) ([]*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.RideRequest, 0)
	for _, r := range m.rides {
		if f.matches(r) {
			out = append(out, copyRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestOrder != out[j].RequestOrder {
			return out[i].RequestOrder < out[j].RequestOrder
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CountRideRequests(_ context.Context, f RideFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.rides {
		if f.matches(r) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpdateRideRequests(_ context.Context, ids []string, from models.RideStatus, u RideUpdate) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		r, ok := m.rides[id]
		if !ok || r.Status != from {
			continue
		}
		applyUpdate(r, u)
		n++
	}
	return n, nil
}

func (m *MemoryStore) DeleteRideRequest(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[id]; !ok {
		return fmt.Errorf("ride request %s: %w", id, models.ErrNotFound)
	}
	delete(m.rides, id)
	return nil
}

func (m *MemoryStore) MaxRequestOrder(_ context.Context, point string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var top int64
	for _, r := range m.rides {
		if r.Point == point && r.RequestOrder > top {
			top = r.RequestOrder
		}
	}
	return top, nil
}

func applyUpdate(r *models.RideRequest, u RideUpdate) {
	r.Status = u.Status
	if u.DriverID != nil {
		r.DriverID = *u.DriverID
	}
	if u.AcceptedAt != nil {
		r.AcceptedAt = timePtr(*u.AcceptedAt)
	}
	if u.CompletedAt != nil {
		r.CompletedAt = timePtr(*u.CompletedAt)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func copyUser(u *models.User) *models.User {
	c := *u
	if u.LastLocation != nil {
		loc := *u.LastLocation
		c.LastLocation = &loc
	}
	return &c
}

func copyRide(r *models.RideRequest) *models.RideRequest {
	c := *r
	if r.AcceptedAt != nil {
		t := *r.AcceptedAt
		c.AcceptedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
