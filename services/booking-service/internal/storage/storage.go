package storage

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/outbox"
)

// UnitOfWork runs fn in a single transaction. The transaction commits only when
// fn returns nil; any error (or a cancelled ctx) rolls every write back.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes the stores bound to one transaction.
type Tx interface {
	Slots() SlotStore
	Appointments() AppointmentStore
	Notifications() NotificationStore
	Events() EventStore
}

// SlotStore holds the capacity counters. Only the ledger calls the
// Increment/Decrement primitives.
type SlotStore interface {
	// Get returns model.ErrSlotNotFound for unknown ids.
	Get(ctx context.Context, id string) (model.TimeSlot, error)
	// IncrementReserved adds one unit if reserved_count < capacity. ok is false
	// when the slot exists but is full; a missing slot returns model.ErrSlotNotFound.
	IncrementReserved(ctx context.Context, id string) (slot model.TimeSlot, ok bool, err error)
	// DecrementReserved removes one unit if reserved_count > 0. ok is false
	// when the slot exists but holds no reservations.
	DecrementReserved(ctx context.Context, id string) (slot model.TimeSlot, ok bool, err error)
}

type AppointmentStore interface {
	// Insert returns model.ErrDuplicateReference when the ref is taken.
	Insert(ctx context.Context, appt model.Appointment) error
	// GetForUpdate locks the row until the transaction ends.
	GetForUpdate(ctx context.Context, ref string) (model.Appointment, error)
	Update(ctx context.Context, appt model.Appointment) error
}

type NotificationStore interface {
	Insert(ctx context.Context, n model.Notification) error
	// DeleteUnsent removes every unsent item correlated with ref.
	DeleteUnsent(ctx context.Context, ref string) (int, error)
	// ClaimDue leases up to limit due items by pushing next_attempt_at to
	// leaseUntil, skipping rows other workers hold. Until the lease ends or an
	// outcome is recorded, no other claim returns those items.
	ClaimDue(ctx context.Context, now time.Time, limit int, leaseUntil time.Time) ([]model.Notification, error)
	// MarkSent flips sent=false to true. marked counts rows it changed and
	// alreadySent counts ids that were sent before the call; ids retracted
	// since the claim count in neither.
	MarkSent(ctx context.Context, ids []string, at time.Time) (marked, alreadySent int, err error)
	RecordFailure(ctx context.Context, f model.DeliveryFailure, at time.Time) error
}

type EventStore interface {
	Append(ctx context.Context, evt outbox.Event) error
}

// Store is the full persistence surface: transactional writes plus plain reads.
type Store interface {
	UnitOfWork
	GetAppointment(ctx context.Context, ref string) (model.Appointment, error)
	ListAppointments(ctx context.Context, filter model.ListFilter) ([]model.Appointment, int, error)
	GetTimeSlots(ctx context.Context, ids []string) (map[string]model.TimeSlot, error)
	// ListTimeSlots returns a service's slots starting in [from, to), earliest first.
	ListTimeSlots(ctx context.Context, serviceID string, from, to time.Time) ([]model.TimeSlot, error)
	ListNotifications(ctx context.Context, ref string) ([]model.Notification, error)
}
