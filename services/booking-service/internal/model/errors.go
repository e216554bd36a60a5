package model

import (
	"errors"
	"fmt"
)

var (
	ErrSlotNotFound        = errors.New("timeslot not found")
	ErrSlotFull            = errors.New("timeslot is full")
	ErrServiceNotFound     = errors.New("service not found")
	ErrDepartmentNotFound  = errors.New("department not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrAlreadyCancelled    = errors.New("appointment already cancelled")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrDuplicateReference  = errors.New("duplicate appointment reference")
	ErrContactNotFound     = errors.New("contact not found")
)

// SlotFullError carries the slot so callers can offer alternatives.
type SlotFullError struct {
	TimeslotID string
}

func (e *SlotFullError) Error() string {
	return fmt.Sprintf("timeslot %s is full", e.TimeslotID)
}

func (e *SlotFullError) Unwrap() error { return ErrSlotFull }

// ValidationError is returned for malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsNotFound reports whether err belongs to the not-found family.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSlotNotFound) ||
		errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrDepartmentNotFound) ||
		errors.Is(err, ErrAppointmentNotFound)
}

// IsConflict reports whether err belongs to the conflict family.
func IsConflict(err error) bool {
	return errors.Is(err, ErrSlotFull) || errors.Is(err, ErrAlreadyCancelled)
}
