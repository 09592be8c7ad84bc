package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/campus-ride-matching/internal/geo"
	"github.com/example/campus-ride-matching/internal/ledger"
	"github.com/example/campus-ride-matching/internal/logging"
	"github.com/example/campus-ride-matching/internal/matcher"
	"github.com/example/campus-ride-matching/internal/models"
	"github.com/example/campus-ride-matching/internal/presence"
	"github.com/example/campus-ride-matching/internal/queue"
	"github.com/example/campus-ride-matching/internal/storage"
)

type note struct {
	to    string
	event string
	data  any
}

type notes struct {
	mu  sync.Mutex
	all []note
}

func (n *notes) add(to, event string, data any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.all = append(n.all, note{to, event, data})
}

func (n *notes) Broadcast(_ context.Context, event string, payload any) { n.add("*", event, payload) }
func (n *notes) ToUser(_ context.Context, userID, event string, payload any) {
	n.add("user:"+userID, event, payload)
}
func (n *notes) ToConn(_ context.Context, connID, event string, payload any) {
	n.add("conn:"+connID, event, payload)
}

func (n *notes) find(to, event string) []note {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []note
	for _, m := range n.all {
		if m.to == to && m.event == event {
			out = append(out, m)
		}
	}
	return out
}

func (n *notes) reset() {
	n.mu.Lock()
	n.all = nil
	n.mu.Unlock()
}

type closer struct{ closed []string }

func (c *closer) CloseConn(connID string) { c.closed = append(c.closed, connID) }

type fixture struct {
	gw    *Gateway
	store *storage.MemoryStore
	notes *notes
	conns *closer
	geo   *geo.Index
}

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storage.NewMemoryStore()
	log := logging.Discard()
	points := []models.PickupPoint{
		{Name: "Gate A", Coord: models.Coord{Lat: 23.7772, Lon: 90.4054}, Capacity: 50},
		{Name: "Library", Coord: models.Coord{Lat: 23.7780, Lon: 90.4060}, Capacity: 50},
	}
	n := &notes{}
	q := queue.NewManager(s, points, models.RetainArchive, log)
	l := ledger.New(s, log)
	g := geo.NewIndex()
	c := &closer{}
	gw := &Gateway{
		Store:    s,
		Presence: presence.NewRegistry(s, log),
		Queue:    q,
		Ledger:   l,
		Matcher:  &matcher.Service{Store: s, Queue: q, Seats: l, Notify: n, Retention: models.RetainArchive, Log: log},
		Notify:   n,
		Geo:      g,
		Conns:    c,

		DriverCapacity: 2,
		LocationMaxAge: 5 * time.Minute,
		Log:            log,
		Now:            func() time.Time { return now },
	}
	return &fixture{gw: gw, store: s, notes: n, conns: c, geo: g}
}

func (f *fixture) send(t *testing.T, connID, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.gw.HandleMessage(context.Background(), connID, event, data)
}

func (f *fixture) register(t *testing.T, connID, id string, role models.Role) {
	t.Helper()
	f.send(t, connID, models.EventRegisterUser, models.RegisterUser{ID: id, Name: id, Role: role})
	if errs := f.notes.find("conn:"+connID, models.EventRequestError); len(errs) > 0 {
		t.Fatalf("register %s failed: %+v", id, errs[0].data)
	}
}

func TestRegisterCreatesDriverWithDefaultCapacity(t *testing.T) {
	f := newFixture(t)
	f.register(t, "c1", "d1", models.RoleDriver)

	u, err := f.store.GetUser(context.Background(), "d1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Capacity != 2 || u.AvailableSeats != 2 || !u.IsOnline {
		t.Fatalf("unexpected driver %+v", u)
	}
	if counts := f.notes.find("conn:c1", models.EventUpdatePointRequests); len(counts) != 2 {
		t.Fatalf("expected counts for both points, got %d", len(counts))
	}
}

func TestRegisterRejectsRoleChange(t *testing.T) {
	f := newFixture(t)
	f.register(t, "c1", "u1", models.RoleStudent)
	f.send(t, "c2", models.EventRegisterUser, models.RegisterUser{ID: "u1", Role: models.RoleDriver})
	if errs := f.notes.find("conn:c2", models.EventRequestError); len(errs) != 1 {
		t.Fatalf("expected request-error on c2, got %+v", f.notes.all)
	}
}

func TestRequestRideNotifiesEveryone(t *testing.T) {
	f := newFixture(t)
	f.register(t, "c1", "s1", models.RoleStudent)
	f.notes.reset()

	f.send(t, "c1", models.EventRequestRide, models.RequestRide{StudentID: "s1", Point: "Gate A"})
	ok := f.notes.find("conn:c1", models.EventRequestSuccess)
	if len(ok) != 1 || ok[0].data.(models.RequestSuccessMsg).RequestOrder != 1 {
		t.Fatalf("request-success: %+v", ok)
	}
	nr := f.notes.find("*", models.EventNewRideRequest)
	if len(nr) != 1 || nr[0].data.(models.NewRideRequestMsg).RequestsCount != 1 {
		t.Fatalf("new-ride-request: %+v", nr)
	}
	if up := f.notes.find("*", models.EventUpdatePointRequests); len(up) != 1 {
		t.Fatalf("update-point-requests: %+v", up)
	}
}

func TestSecondRequestElsewhereIsRejectedPrivately(t *testing.T) {
	f := newFixture(t)
	f.register(t, "c1", "s1", models.RoleStudent)
	f.send(t, "c1", models.EventRequestRide, models.RequestRide{StudentID: "s1", Point: "Gate A"})
	f.notes.reset()

	f.send(t, "c1", models.EventRequestRide, models.RequestRide{StudentID: "s1", Point: "Library"})
	errs := f.notes.find("conn:c1", models.EventRequestError)
	if len(errs) != 1 {
		t.Fatalf("expected one request-error, got %+v", f.notes.all)
	}
	if msg := errs[0].data.(models.MessageMsg).Message; msg != "you already have an active ride request at Gate A" {
		t.Fatalf("unexpected message %q", msg)
	}
	if b := f.notes.find("*", models.EventNewRideRequest); len(b) != 0 {
		t.Fatal("rejected request was broadcast")
	}
	if f.gw.Queue.Len("Library") != 0 {
		t.Fatal("Library queue changed")
	}
}

func TestActingForSomeoneElseIsRejected(t *testing.T) {
	f := newFixture(t)
	f.register(t, "c1", "s1", models.RoleStudent)
	f.send(t, "c1", models.EventRequestRide, models.RequestRide{StudentID: "s2", Point: "Gate A"})
	if errs := f.notes.find("conn:c1", models.EventRequestError); len(errs) != 1 {
		t.Fatalf("expected request-error, got %+v", f.notes.all)
	}
	f.send(t, "c9", models.EventAcceptRide, models.AcceptRide{DriverID: "d1", Point: "Gate A"})
	if errs := f.notes.find("conn:c9", models.EventAcceptRideError); len(errs) != 1 {
		t.Fatalf("expected accept-ride-error for unregistered conn, got %+v", f.notes.all)
	}
}

func TestInvalidPayloads(t *testing.T) {
	f := newFixture(t)
	f.gw.HandleMessage(context.Background(), "c1", models.EventRequestRide, json.RawMessage(`{"studentId":`))
	f.gw.HandleMessage(context.Background(), "c1", "teleport", json.RawMessage(`{}`))
	f.send(t, "c1", models.EventRegisterUser, models.RegisterUser{ID: "x", Role: "admin"})
	if errs := f.notes.find("conn:c1", models.EventRequestError); len(errs) != 3 {
		t.Fatalf("expected three request-errors, got %+v", f.notes.all)
	}
}

func TestDisconnectWhilePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "c1", "s1", models.RoleStudent)
	f.send(t, "c1", models.EventRequestRide, models.RequestRide{StudentID: "s1", Point: "Gate A"})
	f.notes.reset()

	f.gw.HandleDisconnect(ctx, "c1")
	if f.gw.Queue.Len("Gate A") != 0 {
		t.Fatalf("queue still holds %d", f.gw.Queue.Len("Gate A"))
	}
	pending, _ := f.store.CountRideRequests(ctx, storage.RideFilter{StudentID: "s1", Statuses: models.ActiveStatuses})
	if pending != 0 {
		t.Fatalf("student still has %d active requests", pending)
	}
	if c := f.notes.find("*", models.EventRideRequestCancelled); len(c) != 1 {
		t.Fatalf("ride-request-cancelled: %+v", c)
	}
	if d := f.notes.find("*", models.EventUserDisconnected); len(d) != 1 || d[0].data != (models.UserDisconnectedMsg{UserID: "s1"}) {
		t.Fatalf("user-disconnected: %+v", d)
	}
	u, _ := f.store.GetUser(ctx, "s1")
	if u.IsOnline {
		t.Fatal("student still online")
	}
}

func TestReconnectKeepsPendingRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "c1", "s1", models.RoleStudent)
	f.send(t, "c1", models.EventRequestRide, models.RequestRide{StudentID: "s1", Point: "Gate A"})
	f.register(t, "c2", "s1", models.RoleStudent)

	if len(f.conns.closed) != 1 || f.conns.closed[0] != "c1" {
		t.Fatalf("expected c1 closed, got %v", f.conns.closed)
	}
	f.notes.reset()
	f.gw.HandleDisconnect(ctx, "c1")
	if f.gw.Queue.Len("Gate A") != 1 {
		t.Fatal("stale disconnect withdrew the request")
	}
	if len(f.notes.all) != 0 {
		t.Fatalf("stale disconnect produced events: %+v", f.notes.all)
	}
}

func TestIdentitySwitchWithdrawsPreviousUsersRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "c1", "s1", models.RoleStudent)
	f.send(t, "c1", models.EventRequestRide, models.RequestRide{StudentID: "s1", Point: "Gate A"})
	f.notes.reset()

	f.register(t, "c1", "s2", models.RoleStudent)
	if f.gw.Queue.Len("Gate A") != 0 {
		t.Fatalf("s1's request left in queue: %d", f.gw.Queue.Len("Gate A"))
	}
	active, _ := f.store.CountRideRequests(ctx, storage.RideFilter{StudentID: "s1", Statuses: models.ActiveStatuses})
	if active != 0 {
		t.Fatalf("s1 still has %d active requests", active)
	}
	if u, _ := f.store.GetUser(ctx, "s1"); u.IsOnline {
		t.Fatal("s1 still online")
	}
	if d := f.notes.find("*", models.EventUserDisconnected); len(d) != 1 || d[0].data != (models.UserDisconnectedMsg{UserID: "s1"}) {
		t.Fatalf("user-disconnected: %+v", d)
	}

	f.gw.HandleDisconnect(ctx, "c1")
	if u, _ := f.store.GetUser(ctx, "s2"); u.IsOnline {
		t.Fatal("s2 still online after its connection closed")
	}
}

func TestAcceptOutcomes(t *testing.T) {
	f := newFixture(t)
	f.register(t, "cd", "d1", models.RoleDriver)

	f.send(t, "cd", models.EventAcceptRide, models.AcceptRide{DriverID: "d1", Point: "Gate A"})
	if n := f.notes.find("conn:cd", models.EventNoRequestsAvailable); len(n) != 1 {
		t.Fatalf("expected no-requests-available, got %+v", f.notes.all)
	}

	for _, s := range []string{"s1", "s2", "s3"} {
		f.register(t, "c-"+s, s, models.RoleStudent)
		f.send(t, "c-"+s, models.EventRequestRide, models.RequestRide{StudentID: s, Point: "Gate A"})
	}
	f.notes.reset()
	f.send(t, "cd", models.EventAcceptRide, models.AcceptRide{DriverID: "d1", Point: "Gate A"})
	if a := f.notes.find("user:s1", models.EventRideAccepted); len(a) != 1 {
		t.Fatalf("s1 not told: %+v", f.notes.all)
	}
	if a := f.notes.find("user:s3", models.EventRideAccepted); len(a) != 0 {
		t.Fatal("s3 should still be waiting")
	}
	up := f.notes.find("*", models.EventUpdatePointRequests)
	if len(up) != 1 || up[0].data != (models.PointRequestsMsg{Point: "Gate A", RequestsCount: 1}) {
		t.Fatalf("update-point-requests: %+v", up)
	}

	f.notes.reset()
	f.send(t, "cd", models.EventAcceptRide, models.AcceptRide{DriverID: "d1", Point: "Gate A"})
	if n := f.notes.find("conn:cd", models.EventNoSeatsAvailable); len(n) != 1 {
		t.Fatalf("expected no-seats-available, got %+v", f.notes.all)
	}
}

func TestCancelWithNothingPendingIsANoOp(t *testing.T) {
	f := newFixture(t)
	f.register(t, "c1", "s1", models.RoleStudent)
	f.notes.reset()

	f.send(t, "c1", models.EventCancelRideRequest, models.CancelRideRequest{StudentID: "s1", Point: "Gate A"})
	got := f.notes.find("conn:c1", models.EventRequestCancelled)
	want := models.RequestCancelledMsg{Message: "No active ride request found", CanBookAgain: true}
	if len(got) != 1 || got[0].data != want {
		t.Fatalf("request-cancelled: %+v", f.notes.all)
	}
	if errs := f.notes.find("conn:c1", models.EventRequestError); len(errs) != 0 {
		t.Fatalf("unexpected request-error: %+v", errs)
	}
	if c := f.notes.find("*", models.EventRideRequestCancelled); len(c) != 0 {
		t.Fatalf("nothing was cancelled, yet observers were told: %+v", c)
	}
}

func TestCancelAcceptedRideIsRefused(t *testing.T) {
	f := newFixture(t)
	f.register(t, "cd", "d1", models.RoleDriver)
	f.register(t, "cs", "s1", models.RoleStudent)
	f.send(t, "cs", models.EventRequestRide, models.RequestRide{StudentID: "s1", Point: "Library"})
	f.send(t, "cd", models.EventAcceptRide, models.AcceptRide{DriverID: "d1", Point: "Library"})
	f.notes.reset()

	f.send(t, "cs", models.EventCancelRideRequest, models.CancelRideRequest{StudentID: "s1", Point: "Library"})
	errs := f.notes.find("conn:cs", models.EventRequestError)
	if len(errs) != 1 {
		t.Fatalf("expected request-error, got %+v", f.notes.all)
	}
	if len(f.notes.find("conn:cs", models.EventRequestCancelled)) != 0 {
		t.Fatal("accepted ride reported as cancelled")
	}
}

func TestCompleteRideFreesSeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "cd", "d1", models.RoleDriver)
	f.register(t, "cs", "s1", models.RoleStudent)
	f.send(t, "cs", models.EventRequestRide, models.RequestRide{StudentID: "s1", Point: "Gate A"})
	f.send(t, "cd", models.EventAcceptRide, models.AcceptRide{DriverID: "d1", Point: "Gate A"})

	accepted := f.notes.find("user:s1", models.EventRideAccepted)
	if len(accepted) != 1 {
		t.Fatalf("ride-accepted: %+v", accepted)
	}
	reqID := accepted[0].data.(models.RideAcceptedMsg).RequestID

	f.send(t, "cs", models.EventCompleteRide, models.CompleteRide{StudentID: "s1", RequestID: reqID})
	if done := f.notes.find("user:s1", models.EventRideCompleted); len(done) != 1 {
		t.Fatalf("ride-completed: %+v", f.notes.all)
	}
	u, _ := f.store.GetUser(ctx, "d1")
	if u.AvailableSeats != 2 {
		t.Fatalf("expected seats restored, got %d", u.AvailableSeats)
	}

	f.send(t, "cs", models.EventCompleteRide, models.CompleteRide{StudentID: "s1", RequestID: reqID})
	if errs := f.notes.find("conn:cs", models.EventRideCompletionError); len(errs) != 1 {
		t.Fatalf("second completion should fail, got %+v", errs)
	}
}

func TestDriverLocations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "cd", "d1", models.RoleDriver)
	f.register(t, "cx", "d2", models.RoleDriver)
	f.send(t, "cd", models.EventSendLocation, models.SendLocation{DriverID: "d1", Lat: 23.7772, Lon: 90.4054})

	b := f.notes.find("*", models.EventDriverLocation)
	if len(b) != 1 || b[0].data.(models.DriverLocationMsg).AvailableSeats != 2 {
		t.Fatalf("driver-location broadcast: %+v", b)
	}
	if near, _ := f.geo.Nearby(ctx, 23.7772, 90.4054, 100, 5); len(near) != 1 {
		t.Fatalf("geo index not updated: %+v", near)
	}

	f.send(t, "viewer", models.EventGetDriverLocations, struct{}{})
	got := f.notes.find("conn:viewer", models.EventDriverLocation)
	if len(got) != 1 || got[0].data.(models.DriverLocationMsg).DriverID != "d1" {
		t.Fatalf("expected only the located driver, got %+v", got)
	}

	f.gw.HandleDisconnect(ctx, "cd")
	if near, _ := f.geo.Nearby(ctx, 23.7772, 90.4054, 100, 5); len(near) != 0 {
		t.Fatal("driver left in geo index after disconnect")
	}

	f.send(t, "cx", models.EventSendLocation, models.SendLocation{DriverID: "d2", Lat: 123, Lon: 0})
	if errs := f.notes.find("conn:cx", models.EventRequestError); len(errs) != 1 {
		t.Fatalf("expected out of range rejection, got %+v", errs)
	}
}

func TestResyncRebuildsProjections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "cs", "s1", models.RoleStudent)
	f.send(t, "cs", models.EventRequestRide, models.RequestRide{StudentID: "s1", Point: "Gate A"})

	log := logging.Discard()
	q := queue.NewManager(f.store, f.gw.Queue.Points(), models.RetainArchive, log)
	fresh := &Gateway{Store: f.store, Presence: presence.NewRegistry(f.store, log), Queue: q, Ledger: ledger.New(f.store, log), Log: log}
	if err := fresh.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if q.Len("Gate A") != 1 {
		t.Fatalf("expected pending request restored, got %d", q.Len("Gate A"))
	}
	u, _ := f.store.GetUser(ctx, "s1")
	if u.IsOnline {
		t.Fatal("student should be offline after resync")
	}
	if _, _, err := q.Enqueue(ctx, "Library", "s1"); !errors.Is(err, models.ErrDuplicateActiveRequest) {
		t.Fatalf("expected duplicate after resync, got %v", err)
	}
}

type journal struct {
	locations []models.DriverLocation
	rides     []string
}

func (j *journal) PublishLocation(_ context.Context, d models.DriverLocation) error {
	j.locations = append(j.locations, d)
	return nil
}

func (j *journal) PublishRideEvent(_ context.Context, ev models.RideEvent) error {
	j.rides = append(j.rides, ev.Type+":"+ev.StudentID)
	return nil
}

func TestLifecycleIsJournaled(t *testing.T) {
	f := newFixture(t)
	j := &journal{}
	f.gw.Journal = j
	f.gw.Matcher.Journal = j

	f.register(t, "cd", "d1", models.RoleDriver)
	f.register(t, "c1", "s1", models.RoleStudent)
	f.register(t, "c2", "s2", models.RoleStudent)
	f.send(t, "cd", models.EventSendLocation, models.SendLocation{DriverID: "d1", Lat: 23.7772, Lon: 90.4054})
	f.send(t, "c1", models.EventRequestRide, models.RequestRide{StudentID: "s1", Point: "Gate A"})
	f.send(t, "c2", models.EventRequestRide, models.RequestRide{StudentID: "s2", Point: "Library"})
	f.send(t, "c2", models.EventCancelRideRequest, models.CancelRideRequest{StudentID: "s2", Point: "Library"})
	f.send(t, "cd", models.EventAcceptRide, models.AcceptRide{DriverID: "d1", Point: "Gate A"})
	reqID := f.notes.find("user:s1", models.EventRideAccepted)[0].data.(models.RideAcceptedMsg).RequestID
	f.send(t, "c1", models.EventCompleteRide, models.CompleteRide{StudentID: "s1", RequestID: reqID})

	if len(j.locations) != 1 || j.locations[0].DriverID != "d1" || !j.locations[0].UpdatedAt.Equal(now) {
		t.Fatalf("unexpected locations %+v", j.locations)
	}
	want := []string{
		models.RideEventRequested + ":s1",
		models.RideEventRequested + ":s2",
		models.RideEventCancelled + ":s2",
		models.RideEventAccepted + ":s1",
		models.RideEventCompleted + ":s1",
	}
	if len(j.rides) != len(want) {
		t.Fatalf("expected %v, got %v", want, j.rides)
	}
	for i := range want {
		if j.rides[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], j.rides[i])
		}
	}
}
