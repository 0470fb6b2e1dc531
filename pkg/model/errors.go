package model

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a document is not found
	ErrNotFound = errors.New("document not found")
	// ErrExists is returned when trying to create a document or database that already exists
	ErrExists = errors.New("document already exists")
	// ErrConflict is returned when a write carries a revision the store does not consider current
	ErrConflict = errors.New("document update conflict")
	// ErrTypeMismatch is returned when a Value is read as a kind it does not hold
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrReservedField is returned when a bare "id"/"rev" field would shadow "_id"/"_rev"
	ErrReservedField = errors.New("reserved field collision")
	// ErrInvalidArgument is returned when a precondition fails before any request is made
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInconsistent is returned when the store contradicts what a conflict reported
	ErrInconsistent = errors.New("store state inconsistent with conflict report")
	// ErrNotConverged is returned when conflict resolution runs out of rounds
	ErrNotConverged = errors.New("conflict resolution did not converge")
	// ErrTransport is returned when the wire-level exchange fails
	ErrTransport = errors.New("transport failure")
)

// RemoteError is an error marker reported by the store in a response body.
type RemoteError struct {
	Op     string
	Code   string
	Reason string
	Status int
}

// NewRemoteError builds a RemoteError from an error marker value.
func NewRemoteError(op string, v Value) *RemoteError {
	e := &RemoteError{Op: op}
	o, err := unwrapMarker(v)
	if err != nil {
		e.Code = "unknown_error"
		return e
	}
	e.Code, _ = o.GetString("error")
	e.Reason, _ = o.GetString("reason")
	return e
}

func (e *RemoteError) Error() string {
	msg := e.Code
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// Is maps store error codes onto the package sentinels.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == "not_found"
	case ErrConflict:
		return e.Code == "conflict"
	case ErrExists:
		return e.Code == "file_exists"
	}
	return false
}
