package storage

import (
	"context"
	"time"

	"github.com/example/campus-ride-matching/internal/models"
)

// Store is the system of record for users and ride requests. Every in-memory
// structure in the service is a projection that can be rebuilt from it.
type Store interface {
	UserStore
	RideStore
	Ping(ctx context.Context) error
	Close() error
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	FindUsers(ctx context.Context, f UserFilter) ([]*models.User, error)
	// UpsertUser inserts u or refreshes name and role of an existing record.
	// Seat counters of an existing driver are left untouched.
	UpsertUser(ctx context.Context, u *models.User) error
	SetPresence(ctx context.Context, id string, online bool, at time.Time) error
	SetLocation(ctx context.Context, id string, loc models.Location) error
	// AdjustSeats atomically adds delta to a driver's available seats, capping
	// the result at capacity. A decrement below zero fails with
	// models.ErrInsufficientCapacity and leaves the record unchanged.
	AdjustSeats(ctx context.Context, driverID string, delta int) (models.DriverCapacity, error)
	SetAvailableSeats(ctx context.Context, driverID string, seats int) error
}

type RideStore interface {
	// InsertRideRequest fails with models.ErrDuplicateActiveRequest when the
	// student already holds a pending or accepted request.
	InsertRideRequest(ctx context.Context, r *models.RideRequest) error
	GetRideRequest(ctx context.Context, id string) (*models.RideRequest, error)
	FindRideRequests(ctx context.Context, f RideFilter) ([]*models.RideRequest, error)
	CountRideRequests(ctx context.Context, f RideFilter) (int, error)
	// UpdateRideRequests applies u to every listed request currently in status
	// from and returns how many records changed.
	UpdateRideRequests(ctx context.Context, ids []string, from models.RideStatus, u RideUpdate) (int, error)
	DeleteRideRequest(ctx context.Context, id string) error
	MaxRequestOrder(ctx context.Context, point string) (int64, error)
}

type UserFilter struct {
	Role         models.Role
	OnlineOnly   bool
	LocatedSince time.Time
}

// RideFilter selects ride requests. Zero fields match everything; results are
// ordered by request order ascending.
type RideFilter struct {
	StudentID string
	DriverID  string
	Point     string
	Statuses  []models.RideStatus
	Limit     int
}

// RideUpdate describes a status transition. Nil pointers leave the column
// unchanged; a pointer to "" or to the zero time clears it.
type RideUpdate struct {
	Status      models.RideStatus
	DriverID    *string
	AcceptedAt  *time.Time
	CompletedAt *time.Time
}

func (f RideFilter) matches(r *models.RideRequest) bool {
	if f.StudentID != "" && r.StudentID != f.StudentID {
		return false
	}
	if f.DriverID != "" && r.DriverID != f.DriverID {
		return false
	}
	if f.Point != "" && r.Point != f.Point {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (f UserFilter) matches(u *models.User) bool {
	if f.Role != "" && u.Role != f.Role {
		return false
	}
	if f.OnlineOnly && !u.IsOnline {
		return false
	}
	if !f.LocatedSince.IsZero() && (u.LastLocation == nil || u.LastLocation.UpdatedAt.Before(f.LocatedSince)) {
		return false
	}
	return true
}

// Retire moves a request into a terminal state according to the retention
// policy. It returns how many records were affected.
func Retire(ctx context.Context, s RideStore, r *models.RideRequest, from models.RideStatus, u RideUpdate, policy models.Retention) (int, error) {
	n, err := s.UpdateRideRequests(ctx, []string{r.ID}, from, u)
	if err != nil || n == 0 || policy != models.RetainDelete {
		return n, err
	}
	if err := s.DeleteRideRequest(ctx, r.ID); err != nil {
		return n, err
	}
	return n, nil
}
