package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/campus-ride-matching/internal/keylock"
	"github.com/example/campus-ride-matching/internal/models"
	"github.com/example/campus-ride-matching/internal/observability"
	"github.com/example/campus-ride-matching/internal/storage"
)

// Store is what the ledger needs from persistence. AdjustSeats must be atomic.
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	FindUsers(ctx context.Context, f storage.UserFilter) ([]*models.User, error)
	AdjustSeats(ctx context.Context, driverID string, delta int) (models.DriverCapacity, error)
	SetAvailableSeats(ctx context.Context, driverID string, seats int) error
	CountRideRequests(ctx context.Context, f storage.RideFilter) (int, error)
}

// Ledger tracks seats per driver. Reserve and Release for the same driver
// are serialized; different drivers proceed in parallel.
type Ledger struct {
	store Store
	locks *keylock.Map
	log   *slog.Logger

	mu    sync.RWMutex
	seats map[string]models.DriverCapacity
	total int
}

func New(store Store, log *slog.Logger) *Ledger {
	return &Ledger{
		store: store,
		locks: keylock.New(),
		log:   log,
		seats: make(map[string]models.DriverCapacity),
	}
}

// CurrentSeats returns a snapshot for driverID, loading it on first use.
func (l *Ledger) CurrentSeats(ctx context.Context, driverID string) (models.DriverCapacity, error) {
	l.mu.RLock()
	c, ok := l.seats[driverID]
	l.mu.RUnlock()
	if ok {
		return c, nil
	}
	return l.load(ctx, driverID)
}

func (l *Ledger) load(ctx context.Context, driverID string) (models.DriverCapacity, error) {
	u, err := l.store.GetUser(ctx, driverID)
	if err != nil {
		return models.DriverCapacity{}, err
	}
	if u.Role != models.RoleDriver {
		return models.DriverCapacity{}, fmt.Errorf("user %s is a %s: %w", driverID, u.Role, models.ErrRoleMismatch)
	}
	c := models.DriverCapacity{DriverID: u.ID, Capacity: u.Capacity, AvailableSeats: u.AvailableSeats}
	l.put(c)
	return c, nil
}

func (l *Ledger) put(c models.DriverCapacity) {
	l.mu.Lock()
	l.total += c.AvailableSeats - l.seats[c.DriverID].AvailableSeats
	l.seats[c.DriverID] = c
	total := l.total
	l.mu.Unlock()
	observability.AvailableSeats.Set(float64(total))
}

// AvailableTotal is the number of free seats across every cached driver.
func (l *Ledger) AvailableTotal() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Reserve takes n seats from driverID. When fewer than n are available it
// fails with models.ErrInsufficientCapacity and changes nothing.
func (l *Ledger) Reserve(ctx context.Context, driverID string, n int) (models.DriverCapacity, error) {
	if n <= 0 {
		return models.DriverCapacity{}, fmt.Errorf("reserve %d seats: count must be positive", n)
	}
	unlock, err := l.locks.Lock(ctx, driverID)
	if err != nil {
		return models.DriverCapacity{}, err
	}
	defer unlock()

	cur, err := l.CurrentSeats(ctx, driverID)
	if err != nil {
		return models.DriverCapacity{}, err
	}
	if cur.AvailableSeats < n {
		return cur, fmt.Errorf("driver %s has %d seats, needs %d: %w", driverID, cur.AvailableSeats, n, models.ErrInsufficientCapacity)
	}
	c, err := l.store.AdjustSeats(ctx, driverID, -n)
	if err != nil {
		// the cache may be stale; next read reloads from the store
		l.forget(driverID)
		return cur, err
	}
	l.put(c)
	return c, nil
}

// Release returns k seats to driverID, capped at capacity.
func (l *Ledger) Release(ctx context.Context, driverID string, k int) (models.DriverCapacity, error) {
	if k <= 0 {
		return models.DriverCapacity{}, fmt.Errorf("release %d seats: count must be positive", k)
	}
	unlock, err := l.locks.Lock(ctx, driverID)
	if err != nil {
		return models.DriverCapacity{}, err
	}
	defer unlock()

	c, err := l.store.AdjustSeats(ctx, driverID, k)
	if err != nil {
		l.forget(driverID)
		return models.DriverCapacity{}, err
	}
	l.put(c)
	return c, nil
}

func (l *Ledger) forget(driverID string) {
	l.mu.Lock()
	l.total -= l.seats[driverID].AvailableSeats
	delete(l.seats, driverID)
	total := l.total
	l.mu.Unlock()
	observability.AvailableSeats.Set(float64(total))
}

// Resync reloads every driver and repairs seat counts that disagree with the
// number of accepted rides the driver is carrying.
func (l *Ledger) Resync(ctx context.Context) error {
	drivers, err := l.store.FindUsers(ctx, storage.UserFilter{Role: models.RoleDriver})
	if err != nil {
		return fmt.Errorf("find drivers: %w", err)
	}
	fresh := make(map[string]models.DriverCapacity, len(drivers))
	for _, d := range drivers {
		carrying, err := l.store.CountRideRequests(ctx, storage.RideFilter{DriverID: d.ID, Statuses: []models.RideStatus{models.StatusAccepted}})
		if err != nil {
			return fmt.Errorf("count rides of %s: %w", d.ID, err)
		}
		want := d.Capacity - carrying
		if want < 0 {
			want = 0
		}
		if want != d.AvailableSeats {
			l.log.Warn("driver seats drifted, repairing", "driver_id", d.ID, "stored", d.AvailableSeats, "expected", want, "carrying", carrying)
			if err := l.store.SetAvailableSeats(ctx, d.ID, want); err != nil {
				return fmt.Errorf("repair seats of %s: %w", d.ID, err)
			}
		}
		fresh[d.ID] = models.DriverCapacity{DriverID: d.ID, Capacity: d.Capacity, AvailableSeats: want}
	}
	total := 0
	for _, c := range fresh {
		total += c.AvailableSeats
	}
	l.mu.Lock()
	l.seats = fresh
	l.total = total
	l.mu.Unlock()
	observability.AvailableSeats.Set(float64(total))
	return nil
}
