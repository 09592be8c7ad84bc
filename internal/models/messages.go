package models

import "encoding/json"

// Envelope is the frame exchanged over the pub/sub channel in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound events.
const (
	EventRegisterUser       = "register-user"
	EventSendLocation       = "send-location"
	EventRequestRide        = "request-ride"
	EventCancelRideRequest  = "cancel-ride-request"
	EventAcceptRide         = "accept-ride"
	EventCompleteRide       = "complete-ride"
	EventGetDriverLocations = "get-driver-locations"
)

// Outbound events.
const (
	EventDriverLocation       = "driver-location"
	EventNewRideRequest       = "new-ride-request"
	EventUpdatePointRequests  = "update-point-requests"
	EventRideAccepted         = "ride-accepted"
	EventRideRequestsUpdated  = "ride-requests-updated"
	EventSeatFreed            = "seat-freed"
	EventRequestError         = "request-error"
	EventNoSeatsAvailable     = "no-seats-available"
	EventUserDisconnected     = "user-disconnected"
	EventRequestSuccess       = "request-success"
	EventRequestCancelled     = "request-cancelled"
	EventRideRequestCancelled = "ride-request-cancelled"
	EventNoRequestsAvailable  = "no-requests-available"
	EventAcceptRideError      = "accept-ride-error"
	EventRideCompleted        = "ride-completed"
	EventRideCompletionError  = "ride-completion-error"
)

type RegisterUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

type SendLocation struct {
	DriverID string  `json:"driverId"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

type RequestRide struct {
	StudentID string `json:"studentId"`
	Point     string `json:"point"`
}

type CancelRideRequest struct {
	StudentID string `json:"studentId"`
	Point     string `json:"point"`
}

type AcceptRide struct {
	DriverID string `json:"driverId"`
	Point    string `json:"point"`
}

type CompleteRide struct {
	StudentID string `json:"studentId"`
	RequestID string `json:"requestId"`
}

type DriverLocationMsg struct {
	DriverID       string  `json:"driverId"`
	Name           string  `json:"name"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	AvailableSeats int     `json:"availableSeats"`
	Capacity       int     `json:"capacity"`
}

type NewRideRequestMsg struct {
	StudentID     string `json:"studentId"`
	Point         string `json:"point"`
	RequestsCount int    `json:"requestsCount"`
	RequestID     string `json:"requestId"`
	RequestOrder  int64  `json:"requestOrder"`
}

type PointRequestsMsg struct {
	Point         string `json:"point"`
	RequestsCount int    `json:"requestsCount"`
}

type RideAcceptedMsg struct {
	DriverName string `json:"driverName"`
	Point      string `json:"point"`
	RequestID  string `json:"requestId"`
	SeatNumber int    `json:"seatNumber"`
}

type RideRequestsUpdatedMsg struct {
	Point         string `json:"point"`
	RequestsCount int    `json:"requestsCount"`
	AcceptedCount int    `json:"acceptedCount"`
	DriverID      string `json:"driverId"`
	DriverSeats   int    `json:"driverSeats"`
}

type SeatFreedMsg struct {
	AvailableSeats int `json:"availableSeats"`
}

// MessageMsg carries a human readable status for request-error,
// no-seats-available and the other single-message notifications.
type MessageMsg struct {
	Message string `json:"message"`
}

type UserDisconnectedMsg struct {
	UserID string `json:"userId"`
}

type RequestSuccessMsg struct {
	Point        string `json:"point"`
	RequestID    string `json:"requestId"`
	RequestOrder int64  `json:"requestOrder"`
}

type RequestCancelledMsg struct {
	Message      string `json:"message"`
	CanBookAgain bool   `json:"canBookAgain"`
}

type RideRequestCancelledMsg struct {
	StudentID     string `json:"studentId"`
	Point         string `json:"point"`
	RequestsCount int    `json:"requestsCount"`
}

type RideCompletedMsg struct {
	Message      string `json:"message"`
	RequestID    string `json:"requestId"`
	CanBookAgain bool   `json:"canBookAgain"`
}

// DriverLocationFor builds the driver-location payload for u. ok is false
// while the driver has not reported a position yet.
func DriverLocationFor(u *User) (msg DriverLocationMsg, ok bool) {
	if u == nil || u.LastLocation == nil {
		return DriverLocationMsg{}, false
	}
	return DriverLocationMsg{
		DriverID:       u.ID,
		Name:           u.Name,
		Lat:            u.LastLocation.Lat,
		Lon:            u.LastLocation.Lon,
		AvailableSeats: u.AvailableSeats,
		Capacity:       u.Capacity,
	}, true
}
