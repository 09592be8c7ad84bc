package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/campus-ride-matching/internal/keylock"
	"github.com/example/campus-ride-matching/internal/models"
	"github.com/example/campus-ride-matching/internal/observability"
	"github.com/example/campus-ride-matching/internal/storage"
)

// Entry is one pending request in a point queue.
type Entry struct {
	RequestID string
	StudentID string
	Order     int64
	CreatedAt time.Time
}

type pointQueue struct {
	mu        sync.RWMutex
	entries   []Entry
	nextOrder int64
}

func (q *pointQueue) len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Manager owns the per-point FIFO of pending requests. Mutations for a point
// run under that point's lock, which stays held across store calls.
type Manager struct {
	store     storage.RideStore
	locks     *keylock.Map
	log       *slog.Logger
	retention models.Retention
	now       func() time.Time
	newID     func() string

	points []models.PickupPoint
	byName map[string]models.PickupPoint
	queues map[string]*pointQueue
}

func NewManager(store storage.RideStore, points []models.PickupPoint, retention models.Retention, log *slog.Logger) *Manager {
	m := &Manager{
		store:     store,
		locks:     keylock.New(),
		log:       log,
		retention: retention,
		now:       time.Now,
		newID:     uuid.NewString,
		points:    points,
		byName:    make(map[string]models.PickupPoint, len(points)),
		queues:    make(map[string]*pointQueue, len(points)),
	}
	for _, p := range points {
		m.byName[p.Name] = p
		m.queues[p.Name] = &pointQueue{}
	}
	return m
}

func (m *Manager) Points() []models.PickupPoint {
	out := make([]models.PickupPoint, len(m.points))
	copy(out, m.points)
	return out
}

func (m *Manager) Point(name string) (models.PickupPoint, bool) {
	p, ok := m.byName[name]
	return p, ok
}

func (m *Manager) Len(point string) int {
	q, ok := m.queues[point]
	if !ok {
		return 0
	}
	return q.len()
}

// Counts returns the pending count of every point.
func (m *Manager) Counts() map[string]int {
	out := make(map[string]int, len(m.queues))
	for name, q := range m.queues {
		out[name] = q.len()
	}
	return out
}

// Snapshot returns a copy of the point's queue in FIFO order.
func (m *Manager) Snapshot(point string) []Entry {
	q, ok := m.queues[point]
	if !ok {
		return nil
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

func (m *Manager) lock(ctx context.Context, point string) (*pointQueue, func(), error) {
	q, ok := m.queues[point]
	if !ok {
		return nil, nil, fmt.Errorf("%q: %w", point, models.ErrUnknownPoint)
	}
	unlock, err := m.locks.Lock(ctx, point)
	if err != nil {
		return nil, nil, err
	}
	return q, unlock, nil
}

// Enqueue records a pending request for studentID at point and returns it
// together with the new queue length.
func (m *Manager) Enqueue(ctx context.Context, point, studentID string) (*models.RideRequest, int, error) {
	q, unlock, err := m.lock(ctx, point)
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	// the cache may have been rebuilt empty; only the store knows for sure
	active, err := m.store.FindRideRequests(ctx, storage.RideFilter{StudentID: studentID, Statuses: models.ActiveStatuses, Limit: 1})
	if err != nil {
		return nil, 0, fmt.Errorf("check active request: %w", err)
	}
	if len(active) > 0 {
		return nil, 0, &models.ActiveRequestError{Point: active[0].Point, Status: active[0].Status}
	}
	if q.len() >= m.byName[point].Capacity {
		return nil, 0, fmt.Errorf("%q holds %d requests: %w", point, q.len(), models.ErrPointFull)
	}

	q.mu.Lock()
	q.nextOrder++
	order := q.nextOrder
	q.mu.Unlock()

	r := &models.RideRequest{
		ID:           m.newID(),
		StudentID:    studentID,
		Point:        point,
		Status:       models.StatusPending,
		RequestOrder: order,
		CreatedAt:    m.now(),
	}
	if err := m.store.InsertRideRequest(ctx, r); err != nil {
		return nil, 0, err
	}

	q.mu.Lock()
	q.entries = append(q.entries, Entry{RequestID: r.ID, StudentID: studentID, Order: order, CreatedAt: r.CreatedAt})
	n := len(q.entries)
	q.mu.Unlock()
	observability.QueueLength.WithLabelValues(point).Set(float64(n))
	return r, n, nil
}

// Cancel withdraws the student's pending request at point. It fails with
// models.ErrNotFound when there is nothing to cancel and with
// models.ErrCancelNotPermitted when the request has already been accepted.
func (m *Manager) Cancel(ctx context.Context, studentID, point string) (*models.RideRequest, int, error) {
	q, unlock, err := m.lock(ctx, point)
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	found, err := m.store.FindRideRequests(ctx, storage.RideFilter{StudentID: studentID, Point: point, Statuses: models.ActiveStatuses, Limit: 1})
	if err != nil {
		return nil, 0, fmt.Errorf("find request: %w", err)
	}
	if len(found) == 0 {
		return nil, q.len(), fmt.Errorf("no active request for %s at %q: %w", studentID, point, models.ErrNotFound)
	}
	r := found[0]
	if r.Status == models.StatusAccepted {
		return r, q.len(), fmt.Errorf("request %s: %w", r.ID, models.ErrCancelNotPermitted)
	}

	n, err := storage.Retire(ctx, m.store, r, models.StatusPending, storage.RideUpdate{Status: models.StatusCancelled}, m.retention)
	if err != nil {
		return nil, q.len(), fmt.Errorf("cancel request %s: %w", r.ID, err)
	}
	if n == 0 {
		return nil, q.len(), fmt.Errorf("request %s no longer pending: %w", r.ID, models.ErrNotFound)
	}
	r.Status = models.StatusCancelled

	q.mu.Lock()
	for i, e := range q.entries {
		if e.RequestID == r.ID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	left := len(q.entries)
	q.mu.Unlock()
	observability.QueueLength.WithLabelValues(point).Set(float64(left))
	return r, left, nil
}

// Remove cancels whatever pending request the student holds, at any point.
// It is the disconnect path; an accepted request is left to run its course.
func (m *Manager) Remove(ctx context.Context, studentID string) (*models.RideRequest, int, error) {
	found, err := m.store.FindRideRequests(ctx, storage.RideFilter{StudentID: studentID, Statuses: models.ActiveStatuses, Limit: 1})
	if err != nil {
		return nil, 0, fmt.Errorf("find request: %w", err)
	}
	if len(found) == 0 {
		return nil, 0, fmt.Errorf("no active request for %s: %w", studentID, models.ErrNotFound)
	}
	if found[0].Status == models.StatusAccepted {
		return found[0], m.Len(found[0].Point), fmt.Errorf("request %s: %w", found[0].ID, models.ErrCancelNotPermitted)
	}
	return m.Cancel(ctx, studentID, found[0].Point)
}

// Tx is a point queue held under its lock for the duration of Batch.
type Tx struct {
	point string
	q     *pointQueue
}

func (tx *Tx) Point() string { return tx.point }

func (tx *Tx) Len() int { return tx.q.len() }

// DequeueUpTo pops at most n entries with the lowest request order.
func (tx *Tx) DequeueUpTo(n int) []Entry {
	tx.q.mu.Lock()
	defer tx.q.mu.Unlock()
	if n > len(tx.q.entries) {
		n = len(tx.q.entries)
	}
	if n <= 0 {
		return nil
	}
	out := make([]Entry, n)
	copy(out, tx.q.entries[:n])
	tx.q.entries = append(tx.q.entries[:0:0], tx.q.entries[n:]...)
	observability.QueueLength.WithLabelValues(tx.point).Set(float64(len(tx.q.entries)))
	return out
}

// Restore puts entries back keeping request order, so a rolled back match
// leaves the queue exactly as it was.
func (tx *Tx) Restore(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	tx.q.mu.Lock()
	defer tx.q.mu.Unlock()
	tx.q.entries = append(tx.q.entries, entries...)
	sort.SliceStable(tx.q.entries, func(i, j int) bool { return tx.q.entries[i].Order < tx.q.entries[j].Order })
	observability.QueueLength.WithLabelValues(tx.point).Set(float64(len(tx.q.entries)))
}

// Batch runs fn while holding the point lock.
func (m *Manager) Batch(ctx context.Context, point string, fn func(tx *Tx) error) error {
	q, unlock, err := m.lock(ctx, point)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(&Tx{point: point, q: q})
}

// Resync rebuilds every point queue and order counter from the store.
func (m *Manager) Resync(ctx context.Context) error {
	var errs []error
	for _, p := range m.points {
		if err := m.resyncPoint(ctx, p.Name); err != nil {
			errs = append(errs, fmt.Errorf("resync %q: %w", p.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) resyncPoint(ctx context.Context, point string) error {
	q, unlock, err := m.lock(ctx, point)
	if err != nil {
		return err
	}
	defer unlock()

	pending, err := m.store.FindRideRequests(ctx, storage.RideFilter{Point: point, Statuses: []models.RideStatus{models.StatusPending}})
	if err != nil {
		return err
	}
	top, err := m.store.MaxRequestOrder(ctx, point)
	if err != nil {
		return err
	}
	entries := make([]Entry, 0, len(pending))
	for _, r := range pending {
		entries = append(entries, Entry{RequestID: r.ID, StudentID: r.StudentID, Order: r.RequestOrder, CreatedAt: r.CreatedAt})
	}
	q.mu.Lock()
	q.entries = entries
	q.nextOrder = top
	q.mu.Unlock()
	observability.QueueLength.WithLabelValues(point).Set(float64(len(entries)))
	if len(entries) > 0 {
		m.log.Info("point queue restored", "point", point, "pending", len(entries), "next_order", top+1)
	}
	return nil
}
