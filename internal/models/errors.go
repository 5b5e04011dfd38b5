package models

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrExhausted means no eligible pending item exists; an expected outcome.
	ErrExhausted       = errors.New("data exhausted")
	ErrNotOwner        = errors.New("data not owned by user")
	ErrForbidden       = errors.New("permission denied")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInconsistent    = errors.New("inconsistent read")
)
