package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/example/campus-ride-matching/internal/logging"
	"github.com/example/campus-ride-matching/internal/models"
	"github.com/example/campus-ride-matching/internal/storage"
)

var testPoints = []models.PickupPoint{
	{Name: "Gate A", Coord: models.Coord{Lat: 23.7772, Lon: 90.4054}, Capacity: 50},
	{Name: "Library", Coord: models.Coord{Lat: 23.7780, Lon: 90.4060}, Capacity: 2},
}

func newManager(t *testing.T) (*Manager, *storage.MemoryStore) {
	t.Helper()
	s := storage.NewMemoryStore()
	m := NewManager(s, testPoints, models.RetainArchive, logging.Discard())
	n := 0
	m.newID = func() string {
		n++
		return fmt.Sprintf("req-%d", n)
	}
	return m, s
}

func pendingCount(t *testing.T, s *storage.MemoryStore, point string) int {
	t.Helper()
	n, err := s.CountRideRequests(context.Background(), storage.RideFilter{Point: point, Statuses: []models.RideStatus{models.StatusPending}})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestEnqueueAssignsIncreasingOrder(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	for i, student := range []string{"s1", "s2", "s3"} {
		r, n, err := m.Enqueue(ctx, "Gate A", student)
		if err != nil {
			t.Fatalf("enqueue %s: %v", student, err)
		}
		if r.RequestOrder != int64(i+1) || n != i+1 {
			t.Fatalf("%s: order=%d len=%d", student, r.RequestOrder, n)
		}
	}
	var got []string
	for _, e := range m.Snapshot("Gate A") {
		got = append(got, e.StudentID)
	}
	if diff := cmp.Diff([]string{"s1", "s2", "s3"}, got); diff != "" {
		t.Fatalf("queue order mismatch (-want +got):\n%s", diff)
	}
}

func TestEnqueueRejectsSecondActiveRequest(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	if _, _, err := m.Enqueue(ctx, "Gate A", "s1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, _, err := m.Enqueue(ctx, "Library", "s1")
	if !errors.Is(err, models.ErrDuplicateActiveRequest) {
		t.Fatalf("expected duplicate active request, got %v", err)
	}
	var active *models.ActiveRequestError
	if !errors.As(err, &active) || active.Point != "Gate A" {
		t.Fatalf("error should name Gate A, got %v", err)
	}
	if m.Len("Library") != 0 {
		t.Fatalf("Library queue should be empty, has %d", m.Len("Library"))
	}
}

func TestEnqueueUnknownPoint(t *testing.T) {
	m, _ := newManager(t)
	if _, _, err := m.Enqueue(context.Background(), "Moon", "s1"); !errors.Is(err, models.ErrUnknownPoint) {
		t.Fatalf("expected unknown point, got %v", err)
	}
}

func TestEnqueuePointFull(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	for _, s := range []string{"s1", "s2"} {
		if _, _, err := m.Enqueue(ctx, "Library", s); err != nil {
			t.Fatalf("enqueue %s: %v", s, err)
		}
	}
	if _, _, err := m.Enqueue(ctx, "Library", "s3"); !errors.Is(err, models.ErrPointFull) {
		t.Fatalf("expected point full, got %v", err)
	}
}

func TestCancelAccepted(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t)
	r, _, _ := m.Enqueue(ctx, "Gate A", "s1")
	driver := "d1"
	if _, err := s.UpdateRideRequests(ctx, []string{r.ID}, models.StatusPending, storage.RideUpdate{Status: models.StatusAccepted, DriverID: &driver}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, _, err := m.Cancel(ctx, "s1", "Gate A"); !errors.Is(err, models.ErrCancelNotPermitted) {
		t.Fatalf("expected cancel not permitted, got %v", err)
	}
	if _, _, err := m.Cancel(ctx, "s2", "Gate A"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestQueueTracksStorePendingCount(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		student := fmt.Sprintf("s%d", rng.Intn(12))
		if rng.Intn(3) == 0 {
			_, _, _ = m.Cancel(ctx, student, "Gate A")
		} else {
			_, _, _ = m.Enqueue(ctx, "Gate A", student)
		}
		if got, want := m.Len("Gate A"), pendingCount(t, s, "Gate A"); got != want {
			t.Fatalf("step %d: queue=%d store=%d", i, got, want)
		}
	}
}

func TestRestoreKeepsRequestOrder(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	for _, s := range []string{"s1", "s2", "s3"} {
		_, _, _ = m.Enqueue(ctx, "Gate A", s)
	}
	before := m.Snapshot("Gate A")
	err := m.Batch(ctx, "Gate A", func(tx *Tx) error {
		taken := tx.DequeueUpTo(2)
		if len(taken) != 2 || taken[0].StudentID != "s1" {
			t.Fatalf("dequeued %+v", taken)
		}
		tx.Restore(taken)
		return nil
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if diff := cmp.Diff(before, m.Snapshot("Gate A")); diff != "" {
		t.Fatalf("queue changed after restore (-want +got):\n%s", diff)
	}
}

func TestResyncRebuildsFromStore(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t)
	for _, st := range []string{"s1", "s2", "s3"} {
		_, _, _ = m.Enqueue(ctx, "Gate A", st)
	}
	_, _, _ = m.Cancel(ctx, "s2", "Gate A")

	fresh := NewManager(s, testPoints, models.RetainArchive, logging.Discard())
	if err := fresh.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if diff := cmp.Diff(m.Snapshot("Gate A"), fresh.Snapshot("Gate A")); diff != "" {
		t.Fatalf("rebuilt queue differs (-want +got):\n%s", diff)
	}
	r, _, err := fresh.Enqueue(ctx, "Gate A", "s4")
	if err != nil {
		t.Fatalf("enqueue after resync: %v", err)
	}
	if r.RequestOrder != 4 {
		t.Fatalf("order should continue past cancelled requests, got %d", r.RequestOrder)
	}
}

func TestRemoveCancelsPending(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t)
	_, _, _ = m.Enqueue(ctx, "Library", "s1")
	r, n, err := m.Remove(ctx, "s1")
	if err != nil || r.Point != "Library" || n != 0 {
		t.Fatalf("remove: %+v %d %v", r, n, err)
	}
	got, _ := s.GetRideRequest(ctx, r.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}
