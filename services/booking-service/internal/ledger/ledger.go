// Package ledger owns the reserved_count of every time slot. Nothing else
// increments or decrements the counter.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/storage"
)

// Reservation is one unit of capacity held on a slot.
type Reservation struct {
	Slot model.TimeSlot
}

// Ledger reserves and releases slot capacity inside a caller's transaction.
type Ledger struct {
	logger *slog.Logger
}

// New returns a Ledger that logs capacity anomalies to logger.
func New(logger *slog.Logger) *Ledger {
	return &Ledger{logger: logger}
}

// Reserve takes one unit of slotID. It returns model.ErrSlotNotFound or a
// *model.SlotFullError. The caller's transaction must commit for the unit to stick.
func (l *Ledger) Reserve(ctx context.Context, slots storage.SlotStore, slotID string) (Reservation, error) {
	slot, ok, err := slots.IncrementReserved(ctx, slotID)
	if err != nil {
		return Reservation{}, err
	}
	if !ok {
		return Reservation{}, &model.SlotFullError{TimeslotID: slotID}
	}
	return Reservation{Slot: slot}, nil
}

// Release returns one unit to slotID. Releasing a slot with no reservations
// means the counter and the appointments disagree; that is reported as
// model.ErrInvariantViolation so the enclosing transaction aborts.
func (l *Ledger) Release(ctx context.Context, slots storage.SlotStore, slotID string) (model.TimeSlot, error) {
	slot, ok, err := slots.DecrementReserved(ctx, slotID)
	if err != nil {
		return model.TimeSlot{}, err
	}
	if !ok {
		l.logger.Error("capacity invariant violated: release on empty slot",
			"timeslot_id", slotID,
			"capacity", slot.Capacity,
			"reserved_count", slot.ReservedCount,
		)
		return model.TimeSlot{}, fmt.Errorf("release timeslot %s: %w", slotID, model.ErrInvariantViolation)
	}
	return slot, nil
}

// Move reserves toID before releasing fromID. If the reservation fails the
// old unit is untouched; the caller's transaction keeps both steps atomic.
func (l *Ledger) Move(ctx context.Context, slots storage.SlotStore, fromID, toID string) (Reservation, error) {
	if fromID == toID {
		slot, err := slots.Get(ctx, toID)
		if err != nil {
			return Reservation{}, err
		}
		return Reservation{Slot: slot}, nil
	}
	res, err := l.Reserve(ctx, slots, toID)
	if err != nil {
		return Reservation{}, err
	}
	if _, err := l.Release(ctx, slots, fromID); err != nil {
		return Reservation{}, err
	}
	return res, nil
}
