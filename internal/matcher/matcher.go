package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/campus-ride-matching/internal/models"
	"github.com/example/campus-ride-matching/internal/observability"
	"github.com/example/campus-ride-matching/internal/queue"
	"github.com/example/campus-ride-matching/internal/storage"
)

// Store is the part of persistence the matcher touches directly.
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetRideRequest(ctx context.Context, id string) (*models.RideRequest, error)
	UpdateRideRequests(ctx context.Context, ids []string, from models.RideStatus, u storage.RideUpdate) (int, error)
	DeleteRideRequest(ctx context.Context, id string) error
}

type Queue interface {
	Batch(ctx context.Context, point string, fn func(tx *queue.Tx) error) error
}

type Seats interface {
	CurrentSeats(ctx context.Context, driverID string) (models.DriverCapacity, error)
	Reserve(ctx context.Context, driverID string, n int) (models.DriverCapacity, error)
	Release(ctx context.Context, driverID string, k int) (models.DriverCapacity, error)
}

// Notifier delivers outbound events. Delivery is best effort.
type Notifier interface {
	ToUser(ctx context.Context, userID, event string, payload any)
	Broadcast(ctx context.Context, event string, payload any)
}

type Journal interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
}

// MatchResult describes one successful accept.
type MatchResult struct {
	DriverID    string
	Point       string
	Accepted    []*models.RideRequest
	SeatNumbers []int
	Seats       models.DriverCapacity
	Remaining   int
}

type Service struct {
	Store     Store
	Queue     Queue
	Seats     Seats
	Notify    Notifier
	Journal   Journal // optional
	Retention models.Retention
	Log       *slog.Logger
	Now       func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// AcceptBatch seats as many of the oldest pending requests at point as the
// driver has free seats. Reserving seats and marking requests accepted either
// both happen or neither does.
func (s *Service) AcceptBatch(ctx context.Context, driverID, point string) (*MatchResult, error) {
	start := time.Now()
	driver, err := s.Store.GetUser(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("load driver: %w", err)
	}
	if driver.Role != models.RoleDriver {
		return nil, fmt.Errorf("user %s is a %s: %w", driverID, driver.Role, models.ErrRoleMismatch)
	}

	var res *MatchResult
	err = s.Queue.Batch(ctx, point, func(tx *queue.Tx) error {
		cur, err := s.Seats.CurrentSeats(ctx, driverID)
		if err != nil {
			return err
		}
		if cur.AvailableSeats == 0 {
			return fmt.Errorf("driver %s: %w", driverID, models.ErrNoCapacity)
		}
		taken := tx.DequeueUpTo(cur.AvailableSeats)
		if len(taken) == 0 {
			return fmt.Errorf("%q: %w", point, models.ErrNoPendingRequests)
		}

		after, err := s.Seats.Reserve(ctx, driverID, len(taken))
		if err != nil {
			tx.Restore(taken)
			return fmt.Errorf("reserve %d seats: %w", len(taken), err)
		}

		ids := make([]string, len(taken))
		for i, e := range taken {
			ids[i] = e.RequestID
		}
		at := s.now()
		n, err := s.Store.UpdateRideRequests(ctx, ids, models.StatusPending, storage.RideUpdate{
			Status:     models.StatusAccepted,
			DriverID:   &driverID,
			AcceptedAt: &at,
		})
		if err == nil && n != len(ids) {
			err = fmt.Errorf("%d of %d requests were no longer pending", len(ids)-n, len(ids))
		}
		if err != nil {
			s.compensate(ctx, tx, driverID, ids, taken)
			return fmt.Errorf("%w: %w", models.ErrMatchAborted, err)
		}

		occupiedBefore := after.Occupied() - len(taken)
		res = &MatchResult{
			DriverID:    driverID,
			Point:       point,
			Accepted:    make([]*models.RideRequest, len(taken)),
			SeatNumbers: make([]int, len(taken)),
			Seats:       after,
			Remaining:   tx.Len(),
		}
		for i, e := range taken {
			res.Accepted[i] = &models.RideRequest{
				ID:           e.RequestID,
				StudentID:    e.StudentID,
				Point:        point,
				Status:       models.StatusAccepted,
				DriverID:     driverID,
				RequestOrder: e.Order,
				CreatedAt:    e.CreatedAt,
				AcceptedAt:   &at,
			}
			res.SeatNumbers[i] = occupiedBefore + i + 1
		}
		return nil
	})
	if err != nil {
		observability.MatchFailures.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	observability.MatchesTotal.Add(float64(len(res.Accepted)))
	observability.MatchBatchSize.Observe(float64(len(res.Accepted)))
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	s.Log.Info("ride requests accepted", "driver_id", driverID, "point", point, "accepted", len(res.Accepted), "seats_left", res.Seats.AvailableSeats, "pending", res.Remaining)

	for i, r := range res.Accepted {
		s.Notify.ToUser(ctx, r.StudentID, models.EventRideAccepted, models.RideAcceptedMsg{
			DriverName: driver.Name,
			Point:      point,
			RequestID:  r.ID,
			SeatNumber: res.SeatNumbers[i],
		})
		s.journal(ctx, models.RideEventAccepted, r)
	}
	s.Notify.Broadcast(ctx, models.EventRideRequestsUpdated, models.RideRequestsUpdatedMsg{
		Point:         point,
		RequestsCount: res.Remaining,
		AcceptedCount: len(res.Accepted),
		DriverID:      driverID,
		DriverSeats:   res.Seats.AvailableSeats,
	})
	driver.Capacity, driver.AvailableSeats = res.Seats.Capacity, res.Seats.AvailableSeats
	if msg, ok := models.DriverLocationFor(driver); ok {
		s.Notify.Broadcast(ctx, models.EventDriverLocation, msg)
	}
	return res, nil
}

// compensate undoes a partially applied accept: records go back to pending,
// seats are returned and the queue entries regain their places.
func (s *Service) compensate(ctx context.Context, tx *queue.Tx, driverID string, ids []string, taken []queue.Entry) {
	observability.Compensations.Inc()
	none := ""
	var zero time.Time
	if _, err := s.Store.UpdateRideRequests(ctx, ids, models.StatusAccepted, storage.RideUpdate{
		Status:     models.StatusPending,
		DriverID:   &none,
		AcceptedAt: &zero,
	}); err != nil {
		s.Log.Error("revert accepted requests failed", "driver_id", driverID, "requests", ids, "err", err)
	}
	if _, err := s.Seats.Release(ctx, driverID, len(taken)); err != nil {
		s.Log.Error("release reserved seats failed", "driver_id", driverID, "seats", len(taken), "err", err)
	}
	tx.Restore(taken)
	s.Log.Warn("accept rolled back", "driver_id", driverID, "point", tx.Point(), "requests", len(ids))
}

// Complete finishes an accepted ride and gives its seat back to the driver.
func (s *Service) Complete(ctx context.Context, studentID, requestID string) (*models.RideRequest, models.DriverCapacity, error) {
	r, err := s.Store.GetRideRequest(ctx, requestID)
	if err != nil {
		return nil, models.DriverCapacity{}, err
	}
	if r.StudentID != studentID || r.Status != models.StatusAccepted {
		return nil, models.DriverCapacity{}, fmt.Errorf("no accepted ride %s for %s: %w", requestID, studentID, models.ErrNotFound)
	}

	at := s.now()
	n, err := s.Store.UpdateRideRequests(ctx, []string{r.ID}, models.StatusAccepted, storage.RideUpdate{
		Status:      models.StatusCompleted,
		CompletedAt: &at,
	})
	if err != nil {
		return nil, models.DriverCapacity{}, fmt.Errorf("complete request %s: %w", r.ID, err)
	}
	if n == 0 {
		return nil, models.DriverCapacity{}, fmt.Errorf("request %s no longer accepted: %w", r.ID, models.ErrNotFound)
	}

	seats, err := s.Seats.Release(ctx, r.DriverID, 1)
	if err != nil {
		var zero time.Time
		if _, rerr := s.Store.UpdateRideRequests(ctx, []string{r.ID}, models.StatusCompleted, storage.RideUpdate{
			Status:      models.StatusAccepted,
			CompletedAt: &zero,
		}); rerr != nil {
			s.Log.Error("revert completed request failed", "request_id", r.ID, "err", rerr)
		}
		return nil, models.DriverCapacity{}, fmt.Errorf("release seat of %s: %w", r.DriverID, err)
	}
	r.Status = models.StatusCompleted
	r.CompletedAt = &at

	if s.Retention == models.RetainDelete {
		if err := s.Store.DeleteRideRequest(ctx, r.ID); err != nil {
			s.Log.Warn("delete completed request failed", "request_id", r.ID, "err", err)
		}
	}
	observability.RidesCompleted.Inc()
	s.Log.Info("ride completed", "request_id", r.ID, "student_id", studentID, "driver_id", r.DriverID, "seats_left", seats.AvailableSeats)

	s.journal(ctx, models.RideEventCompleted, r)
	s.Notify.ToUser(ctx, studentID, models.EventRideCompleted, models.RideCompletedMsg{
		Message:      "Ride completed. You can book a new ride.",
		RequestID:    r.ID,
		CanBookAgain: true,
	})
	s.Notify.ToUser(ctx, r.DriverID, models.EventSeatFreed, models.SeatFreedMsg{AvailableSeats: seats.AvailableSeats})
	if driver, err := s.Store.GetUser(ctx, r.DriverID); err == nil {
		driver.Capacity, driver.AvailableSeats = seats.Capacity, seats.AvailableSeats
		if msg, ok := models.DriverLocationFor(driver); ok {
			s.Notify.Broadcast(ctx, models.EventDriverLocation, msg)
		}
	}
	return r, seats, nil
}

func (s *Service) journal(ctx context.Context, kind string, r *models.RideRequest) {
	if s.Journal == nil {
		return
	}
	ev := models.RideEvent{
		Type:      kind,
		RequestID: r.ID,
		StudentID: r.StudentID,
		DriverID:  r.DriverID,
		Point:     r.Point,
		Status:    r.Status,
		At:        s.now(),
	}
	if err := s.Journal.PublishRideEvent(ctx, ev); err != nil {
		s.Log.Warn("publish ride event failed", "type", kind, "request_id", r.ID, "err", err)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrNoCapacity), errors.Is(err, models.ErrInsufficientCapacity):
		return "no_capacity"
	case errors.Is(err, models.ErrNoPendingRequests):
		return "no_pending"
	case errors.Is(err, models.ErrUnknownPoint):
		return "unknown_point"
	case errors.Is(err, models.ErrMatchAborted):
		return "aborted"
	default:
		return "error"
	}
}
