// Package gateway turns inbound channel events into calls on the matching
// components and reports business failures back to the originating
// connection only.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/campus-ride-matching/internal/geo"
	"github.com/example/campus-ride-matching/internal/ledger"
	"github.com/example/campus-ride-matching/internal/matcher"
	"github.com/example/campus-ride-matching/internal/models"
	"github.com/example/campus-ride-matching/internal/observability"
	"github.com/example/campus-ride-matching/internal/presence"
	"github.com/example/campus-ride-matching/internal/queue"
	"github.com/example/campus-ride-matching/internal/storage"
)

type Notifier interface {
	Broadcast(ctx context.Context, event string, payload any)
	ToUser(ctx context.Context, userID, event string, payload any)
	ToConn(ctx context.Context, connID, event string, payload any)
}

// ConnCloser drops a connection that lost its identity to a newer one.
type ConnCloser interface {
	CloseConn(connID string)
}

type Journal interface {
	PublishLocation(ctx context.Context, d models.DriverLocation) error
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
}

type Gateway struct {
	Store    storage.UserStore
	Presence *presence.Registry
	Queue    *queue.Manager
	Ledger   *ledger.Ledger
	Matcher  *matcher.Service
	Notify   Notifier

	Geo     geo.Geo    // optional
	Journal Journal    // optional
	Conns   ConnCloser // optional

	DriverCapacity int
	LocationMaxAge time.Duration
	Log            *slog.Logger
	Now            func() time.Time
}

func (g *Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// HandleMessage dispatches one inbound event from connID.
func (g *Gateway) HandleMessage(ctx context.Context, connID, event string, data json.RawMessage) {
	var err error
	switch event {
	case models.EventRegisterUser:
		err = g.registerUser(ctx, connID, data)
	case models.EventSendLocation:
		err = g.sendLocation(ctx, connID, data)
	case models.EventRequestRide:
		err = g.requestRide(ctx, connID, data)
	case models.EventCancelRideRequest:
		err = g.cancelRideRequest(ctx, connID, data)
	case models.EventAcceptRide:
		err = g.acceptRide(ctx, connID, data)
	case models.EventCompleteRide:
		err = g.completeRide(ctx, connID, data)
	case models.EventGetDriverLocations:
		err = g.getDriverLocations(ctx, connID)
	default:
		err = fmt.Errorf("unknown event %q: %w", event, models.ErrInvalidMessage)
		event = "unknown"
	}
	outcome := "ok"
	if err != nil {
		outcome = g.reply(ctx, connID, event, err)
	}
	observability.InboundMessages.WithLabelValues(event, outcome).Inc()
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing payload: %w", models.ErrInvalidMessage)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%v: %w", err, models.ErrInvalidMessage)
	}
	return nil
}

func required(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if strings.TrimSpace(fields[i+1]) == "" {
			return fmt.Errorf("%s is required: %w", fields[i], models.ErrInvalidMessage)
		}
	}
	return nil
}

// caller checks that connID is registered as userID with role.
func (g *Gateway) caller(connID, userID string, role models.Role) (presence.Binding, error) {
	b, ok := g.Presence.Binding(connID)
	if !ok {
		return b, fmt.Errorf("connection not registered: %w", models.ErrRoleMismatch)
	}
	if b.UserID != userID || b.Role != role {
		return b, fmt.Errorf("connection is %s %s, not %s %s: %w", b.Role, b.UserID, role, userID, models.ErrRoleMismatch)
	}
	return b, nil
}

func (g *Gateway) registerUser(ctx context.Context, connID string, data json.RawMessage) error {
	var m models.RegisterUser
	if err := decode(data, &m); err != nil {
		return err
	}
	if err := required("id", m.ID); err != nil {
		return err
	}
	if !m.Role.Valid() {
		return fmt.Errorf("role %q: %w", m.Role, models.ErrInvalidMessage)
	}
	if m.Name == "" {
		m.Name = m.ID
	}

	existing, err := g.Store.GetUser(ctx, m.ID)
	switch {
	case err == nil:
		if existing.Role != m.Role {
			return fmt.Errorf("%s is registered as %s: %w", m.ID, existing.Role, models.ErrRoleMismatch)
		}
		existing.Name = m.Name
		if err := g.Store.UpsertUser(ctx, existing); err != nil {
			return fmt.Errorf("update user: %w", err)
		}
	case errors.Is(err, models.ErrNotFound):
		u := &models.User{ID: m.ID, Name: m.Name, Role: m.Role, CreatedAt: g.now()}
		if m.Role == models.RoleDriver {
			u.Capacity, u.AvailableSeats = g.DriverCapacity, g.DriverCapacity
		}
		if err := g.Store.UpsertUser(ctx, u); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		g.Log.Info("user created", "user_id", m.ID, "role", m.Role)
	default:
		return fmt.Errorf("load user: %w", err)
	}

	reg, err := g.Presence.Register(ctx, presence.Binding{UserID: m.ID, Name: m.Name, Role: m.Role, ConnID: connID})
	if reg.Evicted != nil {
		// the connection dropped its old identity, which is a disconnect for that user
		g.leave(ctx, *reg.Evicted)
	}
	if err != nil {
		return err
	}
	if reg.Superseded != "" && g.Conns != nil {
		g.Conns.CloseConn(reg.Superseded)
	}

	// bring the new client up to date with every point
	for _, p := range g.Queue.Points() {
		g.Notify.ToConn(ctx, connID, models.EventUpdatePointRequests, models.PointRequestsMsg{Point: p.Name, RequestsCount: g.Queue.Len(p.Name)})
	}
	return nil
}

func (g *Gateway) sendLocation(ctx context.Context, connID string, data json.RawMessage) error {
	var m models.SendLocation
	if err := decode(data, &m); err != nil {
		return err
	}
	if err := required("driverId", m.DriverID); err != nil {
		return err
	}
	c := models.Coord{Lat: m.Lat, Lon: m.Lon}
	if !c.Valid() {
		return fmt.Errorf("coordinate %v,%v out of range: %w", m.Lat, m.Lon, models.ErrInvalidMessage)
	}
	b, err := g.caller(connID, m.DriverID, models.RoleDriver)
	if err != nil {
		return err
	}

	at := g.now()
	if err := g.Store.SetLocation(ctx, m.DriverID, models.Location{Coord: c, UpdatedAt: at}); err != nil {
		return fmt.Errorf("store location: %w", err)
	}
	loc := models.DriverLocation{DriverID: m.DriverID, Name: b.Name, Loc: c, UpdatedAt: at}
	if g.Geo != nil {
		if err := g.Geo.Upsert(ctx, loc); err != nil {
			g.Log.Warn("geo index update failed", "driver_id", m.DriverID, "err", err)
		}
	}
	if g.Journal != nil {
		if err := g.Journal.PublishLocation(ctx, loc); err != nil {
			g.Log.Warn("publish location failed", "driver_id", m.DriverID, "err", err)
		}
	}

	seats, err := g.Ledger.CurrentSeats(ctx, m.DriverID)
	if err != nil {
		return err
	}
	g.Notify.Broadcast(ctx, models.EventDriverLocation, models.DriverLocationMsg{
		DriverID:       m.DriverID,
		Name:           b.Name,
		Lat:            c.Lat,
		Lon:            c.Lon,
		AvailableSeats: seats.AvailableSeats,
		Capacity:       seats.Capacity,
	})
	return nil
}

func (g *Gateway) requestRide(ctx context.Context, connID string, data json.RawMessage) error {
	var m models.RequestRide
	if err := decode(data, &m); err != nil {
		return err
	}
	if err := required("studentId", m.StudentID, "point", m.Point); err != nil {
		return err
	}
	if _, err := g.caller(connID, m.StudentID, models.RoleStudent); err != nil {
		return err
	}

	r, n, err := g.Queue.Enqueue(ctx, m.Point, m.StudentID)
	if err != nil {
		return err
	}
	g.Log.Info("ride requested", "request_id", r.ID, "student_id", r.StudentID, "point", r.Point, "order", r.RequestOrder, "pending", n)
	g.journal(ctx, models.RideEventRequested, r)

	g.Notify.ToConn(ctx, connID, models.EventRequestSuccess, models.RequestSuccessMsg{Point: r.Point, RequestID: r.ID, RequestOrder: r.RequestOrder})
	g.Notify.Broadcast(ctx, models.EventNewRideRequest, models.NewRideRequestMsg{
		StudentID:     r.StudentID,
		Point:         r.Point,
		RequestsCount: n,
		RequestID:     r.ID,
		RequestOrder:  r.RequestOrder,
	})
	g.Notify.Broadcast(ctx, models.EventUpdatePointRequests, models.PointRequestsMsg{Point: r.Point, RequestsCount: n})
	return nil
}

func (g *Gateway) cancelRideRequest(ctx context.Context, connID string, data json.RawMessage) error {
	var m models.CancelRideRequest
	if err := decode(data, &m); err != nil {
		return err
	}
	if err := required("studentId", m.StudentID, "point", m.Point); err != nil {
		return err
	}
	if _, err := g.caller(connID, m.StudentID, models.RoleStudent); err != nil {
		return err
	}

	r, n, err := g.Queue.Cancel(ctx, m.StudentID, m.Point)
	if errors.Is(err, models.ErrNotFound) {
		// nothing to withdraw; the student is free to book either way
		g.Notify.ToConn(ctx, connID, models.EventRequestCancelled, models.RequestCancelledMsg{Message: "No active ride request found", CanBookAgain: true})
		return nil
	}
	if err != nil {
		return err
	}
	g.Log.Info("ride request cancelled", "request_id", r.ID, "student_id", r.StudentID, "point", r.Point, "pending", n)
	g.journal(ctx, models.RideEventCancelled, r)

	g.Notify.ToConn(ctx, connID, models.EventRequestCancelled, models.RequestCancelledMsg{Message: "Ride request cancelled.", CanBookAgain: true})
	g.announceCancel(ctx, r, n)
	return nil
}

func (g *Gateway) announceCancel(ctx context.Context, r *models.RideRequest, pending int) {
	g.Notify.Broadcast(ctx, models.EventRideRequestCancelled, models.RideRequestCancelledMsg{StudentID: r.StudentID, Point: r.Point, RequestsCount: pending})
	g.Notify.Broadcast(ctx, models.EventUpdatePointRequests, models.PointRequestsMsg{Point: r.Point, RequestsCount: pending})
}

func (g *Gateway) acceptRide(ctx context.Context, connID string, data json.RawMessage) error {
	var m models.AcceptRide
	if err := decode(data, &m); err != nil {
		return err
	}
	if err := required("driverId", m.DriverID, "point", m.Point); err != nil {
		return err
	}
	if _, err := g.caller(connID, m.DriverID, models.RoleDriver); err != nil {
		return err
	}

	res, err := g.Matcher.AcceptBatch(ctx, m.DriverID, m.Point)
	if err != nil {
		return err
	}
	g.Notify.Broadcast(ctx, models.EventUpdatePointRequests, models.PointRequestsMsg{Point: res.Point, RequestsCount: res.Remaining})
	return nil
}

func (g *Gateway) completeRide(ctx context.Context, connID string, data json.RawMessage) error {
	var m models.CompleteRide
	if err := decode(data, &m); err != nil {
		return err
	}
	if err := required("studentId", m.StudentID, "requestId", m.RequestID); err != nil {
		return err
	}
	if _, err := g.caller(connID, m.StudentID, models.RoleStudent); err != nil {
		return err
	}
	_, _, err := g.Matcher.Complete(ctx, m.StudentID, m.RequestID)
	return err
}

// getDriverLocations answers with every online driver whose position is
// recent enough to be useful.
func (g *Gateway) getDriverLocations(ctx context.Context, connID string) error {
	f := storage.UserFilter{Role: models.RoleDriver, OnlineOnly: true}
	if g.LocationMaxAge > 0 {
		f.LocatedSince = g.now().Add(-g.LocationMaxAge)
	}
	drivers, err := g.Store.FindUsers(ctx, f)
	if err != nil {
		return fmt.Errorf("find drivers: %w", err)
	}
	for _, d := range drivers {
		if seats, err := g.Ledger.CurrentSeats(ctx, d.ID); err == nil {
			d.Capacity, d.AvailableSeats = seats.Capacity, seats.AvailableSeats
		}
		if msg, ok := models.DriverLocationFor(d); ok {
			g.Notify.ToConn(ctx, connID, models.EventDriverLocation, msg)
		}
	}
	return nil
}

// HandleDisconnect unbinds connID and withdraws whatever the user left
// pending. A superseded connection closing changes nothing.
func (g *Gateway) HandleDisconnect(ctx context.Context, connID string) {
	b, ok, err := g.Presence.OnDisconnect(ctx, connID)
	if err != nil {
		g.Log.Warn("presence update on disconnect failed", "conn_id", connID, "err", err)
	}
	if !ok {
		return
	}
	g.leave(ctx, b)
}

// leave withdraws what an unbound user left behind and tells observers.
func (g *Gateway) leave(ctx context.Context, b presence.Binding) {
	switch b.Role {
	case models.RoleStudent:
		r, n, err := g.Queue.Remove(ctx, b.UserID)
		switch {
		case err == nil:
			g.Log.Info("pending request withdrawn on disconnect", "request_id", r.ID, "student_id", b.UserID, "point", r.Point)
			g.journal(ctx, models.RideEventCancelled, r)
			g.announceCancel(ctx, r, n)
		case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrCancelNotPermitted):
		default:
			g.Log.Error("withdraw request on disconnect failed", "student_id", b.UserID, "err", err)
		}
	case models.RoleDriver:
		if g.Geo != nil {
			if err := g.Geo.Remove(ctx, b.UserID); err != nil {
				g.Log.Warn("geo index removal failed", "driver_id", b.UserID, "err", err)
			}
		}
	}
	g.Notify.Broadcast(ctx, models.EventUserDisconnected, models.UserDisconnectedMsg{UserID: b.UserID})
}

// Resync rebuilds every in-memory projection from the store.
func (g *Gateway) Resync(ctx context.Context) error {
	return errors.Join(
		g.Presence.Resync(ctx),
		g.Queue.Resync(ctx),
		g.Ledger.Resync(ctx),
	)
}

func (g *Gateway) journal(ctx context.Context, kind string, r *models.RideRequest) {
	if g.Journal == nil {
		return
	}
	ev := models.RideEvent{Type: kind, RequestID: r.ID, StudentID: r.StudentID, DriverID: r.DriverID, Point: r.Point, Status: r.Status, At: g.now()}
	if err := g.Journal.PublishRideEvent(ctx, ev); err != nil {
		g.Log.Warn("publish ride event failed", "type", kind, "request_id", r.ID, "err", err)
	}
}
