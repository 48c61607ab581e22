package model

import "github.com/pkg/errors"

var (
	// ErrStoreUnavailable is returned when the coordination or record store cannot be reached
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrDuplicateRecord is returned when a record for the event id already exists
	ErrDuplicateRecord = errors.New("duplicate record")
	// ErrWorkFailure is returned when the processing step fails
	ErrWorkFailure = errors.New("work failure")
)
