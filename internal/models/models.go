package models

import "time"

type Role string

const (
	RoleStudent Role = "student"
	RoleDriver  Role = "driver"
)

func (r Role) Valid() bool { return r == RoleStudent || r == RoleDriver }

type Coord struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Valid reports whether the coordinate lies inside WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Location struct {
	Coord
	UpdatedAt time.Time `json:"updatedAt"`
}

// User is the durable identity of a student or driver. Capacity and
// AvailableSeats are only meaningful for drivers.
type User struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email,omitempty"`
	PasswordHash   string    `json:"-"`
	Role           Role      `json:"role"`
	Capacity       int       `json:"capacity"`
	AvailableSeats int       `json:"availableSeats"`
	LastLocation   *Location `json:"lastLocation,omitempty"`
	IsOnline       bool      `json:"isOnline"`
	LastSeen       time.Time `json:"lastSeen"`
	CreatedAt      time.Time `json:"createdAt"`
}

type PickupPoint struct {
	Name     string `json:"name" yaml:"name"`
	Coord    `yaml:",inline"`
	Capacity int `json:"capacity" yaml:"capacity"`
}

type RideStatus string

const (
	StatusPending   RideStatus = "pending"
	StatusAccepted  RideStatus = "accepted"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
)

// ActiveStatuses are the non-terminal states; a student holds at most one
// request in any of them.
var ActiveStatuses = []RideStatus{StatusPending, StatusAccepted}

func (s RideStatus) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

type RideRequest struct {
	ID           string     `json:"id"`
	StudentID    string     `json:"studentId"`
	Point        string     `json:"point"`
	Status       RideStatus `json:"status"`
	DriverID     string     `json:"driverId,omitempty"`
	RequestOrder int64      `json:"requestOrder"`
	CreatedAt    time.Time  `json:"createdAt"`
	AcceptedAt   *time.Time `json:"acceptedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

type DriverCapacity struct {
	DriverID       string `json:"driverId"`
	Capacity       int    `json:"capacity"`
	AvailableSeats int    `json:"availableSeats"`
}

func (c DriverCapacity) Occupied() int { return c.Capacity - c.AvailableSeats }

type DriverLocation struct {
	DriverID  string    `json:"driverId"`
	Name      string    `json:"name"`
	Loc       Coord     `json:"loc"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Retention decides what happens to a request once it reaches a terminal state.
type Retention string

const (
	RetainArchive Retention = "archive"
	RetainDelete  Retention = "delete"
)

// RideEvent is the journal record of a ride lifecycle transition.
type RideEvent struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId"`
	StudentID string     `json:"studentId"`
	DriverID  string     `json:"driverId,omitempty"`
	Point     string     `json:"point"`
	Status    RideStatus `json:"status"`
	At        time.Time  `json:"at"`
}

const (
	RideEventRequested = "ride.requested"
	RideEventCancelled = "ride.cancelled"
	RideEventAccepted  = "ride.accepted"
	RideEventCompleted = "ride.completed"
)
