package models

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPoint           = errors.New("unknown pickup point")
	ErrDuplicateActiveRequest = errors.New("student already has an active ride request")
	ErrPointFull              = errors.New("pickup point queue is full")
	ErrInsufficientCapacity   = errors.New("insufficient seats")
	ErrNoCapacity             = errors.New("no available seats")
	ErrNoPendingRequests      = errors.New("no pending ride requests")
	ErrNotFound               = errors.New("not found")
	ErrCancelNotPermitted     = errors.New("accepted rides cannot be cancelled")
	ErrRoleMismatch           = errors.New("role mismatch")
	ErrInvalidMessage         = errors.New("invalid message")
	ErrMatchAborted           = errors.New("match aborted")
)

// ActiveRequestError reports the request that blocks a new one.
type ActiveRequestError struct {
	Point  string
	Status RideStatus
}

func (e *ActiveRequestError) Error() string {
	return fmt.Sprintf("you already have an active ride request at %s", e.Point)
}

func (e *ActiveRequestError) Is(target error) bool { return target == ErrDuplicateActiveRequest }
