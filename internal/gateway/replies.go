package gateway

import (
	"context"
	"errors"

	"github.com/example/campus-ride-matching/internal/models"
)

// reply reports err to the originating connection and returns the outcome
// label for metrics.
func (g *Gateway) reply(ctx context.Context, connID, event string, err error) string {
	out := models.EventRequestError
	switch event {
	case models.EventAcceptRide:
		out = models.EventAcceptRideError
	case models.EventCompleteRide:
		out = models.EventRideCompletionError
	}
	switch {
	case errors.Is(err, models.ErrNoCapacity), errors.Is(err, models.ErrInsufficientCapacity):
		out = models.EventNoSeatsAvailable
	case errors.Is(err, models.ErrNoPendingRequests):
		out = models.EventNoRequestsAvailable
	}

	msg, business := userMessage(event, err)
	if business {
		g.Log.Debug("request rejected", "event", event, "conn_id", connID, "err", err)
	} else {
		g.Log.Error("request failed", "event", event, "conn_id", connID, "err", err)
	}
	g.Notify.ToConn(ctx, connID, out, models.MessageMsg{Message: msg})
	if business {
		return "rejected"
	}
	return "error"
}

// userMessage maps err to text safe to show a client. business is false for
// infrastructure failures, whose details stay in the log.
func userMessage(event string, err error) (msg string, business bool) {
	var active *models.ActiveRequestError
	switch {
	case errors.As(err, &active):
		return active.Error(), true
	case errors.Is(err, models.ErrInvalidMessage):
		return "Invalid message.", true
	case errors.Is(err, models.ErrRoleMismatch):
		return "You are not registered for this action.", true
	case errors.Is(err, models.ErrUnknownPoint):
		return "Unknown pickup point.", true
	case errors.Is(err, models.ErrPointFull):
		return "This pickup point is full, please try again later.", true
	case errors.Is(err, models.ErrNoCapacity), errors.Is(err, models.ErrInsufficientCapacity):
		return "No available seats.", true
	case errors.Is(err, models.ErrNoPendingRequests):
		return "No pending ride requests at this point.", true
	case errors.Is(err, models.ErrCancelNotPermitted):
		return "Your ride has already been accepted and cannot be cancelled.", true
	case errors.Is(err, models.ErrNotFound):
		if event == models.EventCompleteRide {
			return "No accepted ride found for this request.", true
		}
		return "Not found.", true
	}
	return "Something went wrong, please try again.", false
}
