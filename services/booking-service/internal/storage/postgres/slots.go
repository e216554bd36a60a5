package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/citizenbook/libs/db"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
)

const slotColumns = `id, service_id, start_at, end_at, capacity, reserved_count`

type slotRepo struct {
	q db.Querier
}

func (r slotRepo) Get(ctx context.Context, id string) (model.TimeSlot, error) {
	slot, err := scanSlot(r.q.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM timeslots
		WHERE id = $1
	`, id))
	return slot, notFound(err, model.ErrSlotNotFound)
}

// IncrementReserved is a single conditional UPDATE: the row lock it takes is held
// until commit, so concurrent reservations on one slot serialize here.
func (r slotRepo) IncrementReserved(ctx context.Context, id string) (model.TimeSlot, bool, error) {
	slot, err := scanSlot(r.q.QueryRow(ctx, `
		UPDATE timeslots
		SET reserved_count = reserved_count + 1, updated_at = now()
		WHERE id = $1 AND reserved_count < capacity
		RETURNING `+slotColumns, id))
	return r.afterConditionalUpdate(ctx, id, slot, err)
}

func (r slotRepo) DecrementReserved(ctx context.Context, id string) (model.TimeSlot, bool, error) {
	slot, err := scanSlot(r.q.QueryRow(ctx, `
		UPDATE timeslots
		SET reserved_count = reserved_count - 1, updated_at = now()
		WHERE id = $1 AND reserved_count > 0
		RETURNING `+slotColumns, id))
	return r.afterConditionalUpdate(ctx, id, slot, err)
}

func (r slotRepo) afterConditionalUpdate(ctx context.Context, id string, slot model.TimeSlot, err error) (model.TimeSlot, bool, error) {
	if err == nil {
		return slot, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.TimeSlot{}, false, err
	}
	current, err := r.Get(ctx, id)
	if err != nil {
		return model.TimeSlot{}, false, err
	}
	return current, false, nil
}

func scanSlot(row pgx.Row) (model.TimeSlot, error) {
	var s model.TimeSlot
	err := row.Scan(&s.ID, &s.ServiceID, &s.StartAt, &s.EndAt, &s.Capacity, &s.ReservedCount)
	return s, err
}
