package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/example/campus-ride-matching/internal/models"
	"github.com/example/campus-ride-matching/internal/observability"
)

// Sender is the transport the coordinator writes frames to.
type Sender interface {
	Send(connID string, msg []byte) error
	Broadcast(msg []byte) int
}

// Pusher delivers to users without a live connection.
type Pusher interface {
	Push(ctx context.Context, userID, event string, frame []byte) error
}

// Locator resolves a user to their current connection.
type Locator interface {
	Lookup(userID string) (string, bool)
}

// Coordinator fans outbound events out to connections. Delivery is best
// effort: absent or slow recipients are skipped and counted.
type Coordinator struct {
	sender  Sender
	locator Locator
	pusher  Pusher
	log     *slog.Logger
}

func NewCoordinator(sender Sender, locator Locator, log *slog.Logger) *Coordinator {
	return &Coordinator{sender: sender, locator: locator, log: log}
}

// SetPusher enables offline fallback for user-directed events.
func (c *Coordinator) SetPusher(p Pusher) { c.pusher = p }

// Encode frames payload in the event envelope.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(models.Envelope{Event: event, Data: data})
}

func (c *Coordinator) Broadcast(_ context.Context, event string, payload any) {
	msg, err := Encode(event, payload)
	if err != nil {
		c.log.Error("broadcast encode failed", "event", event, "err", err)
		observability.Deliveries.WithLabelValues(event, "broadcast", "error").Inc()
		return
	}
	n := c.sender.Broadcast(msg)
	observability.Deliveries.WithLabelValues(event, "broadcast", "sent").Add(float64(n))
}

func (c *Coordinator) ToUser(ctx context.Context, userID, event string, payload any) {
	connID, ok := c.locator.Lookup(userID)
	if !ok {
		if c.pusher != nil {
			c.push(ctx, userID, event, payload)
			return
		}
		c.log.Debug("recipient offline, event dropped", "event", event, "user_id", userID)
		observability.Deliveries.WithLabelValues(event, "user", "absent").Inc()
		return
	}
	c.deliver(ctx, "user", connID, event, payload)
}

func (c *Coordinator) ToConn(ctx context.Context, connID, event string, payload any) {
	c.deliver(ctx, "conn", connID, event, payload)
}

func (c *Coordinator) deliver(_ context.Context, scope, connID, event string, payload any) {
	msg, err := Encode(event, payload)
	if err != nil {
		c.log.Error("encode failed", "event", event, "err", err)
		observability.Deliveries.WithLabelValues(event, scope, "error").Inc()
		return
	}
	if err := c.sender.Send(connID, msg); err != nil {
		c.log.Debug("delivery skipped", "event", event, "conn_id", connID, "err", err)
		observability.Deliveries.WithLabelValues(event, scope, "absent").Inc()
		return
	}
	observability.Deliveries.WithLabelValues(event, scope, "sent").Inc()
}

// push runs off the caller's goroutine so seat and queue locks are not held
// across the provider round trip.
func (c *Coordinator) push(ctx context.Context, userID, event string, payload any) {
	msg, err := Encode(event, payload)
	if err != nil {
		c.log.Error("encode failed", "event", event, "err", err)
		observability.Deliveries.WithLabelValues(event, "push", "error").Inc()
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := c.pusher.Push(ctx, userID, event, msg); err != nil {
			c.log.Warn("push delivery failed", "event", event, "user_id", userID, "err", err)
			observability.Deliveries.WithLabelValues(event, "push", "error").Inc()
			return
		}
		observability.Deliveries.WithLabelValues(event, "push", "sent").Inc()
	}()
}
