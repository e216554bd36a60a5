package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/citizenbook/libs/db"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
)

const appointmentColumns = `ref, user_id, service_id, department_id, timeslot_id, status,
			verification_token, created_at, updated_at, cancelled_at`

type appointmentRepo struct {
	q db.Querier
}

func (r appointmentRepo) Insert(ctx context.Context, a model.Appointment) error {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO appointments
			(ref, user_id, service_id, department_id, timeslot_id, status, verification_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (ref) DO NOTHING
	`, a.Ref, a.UserID, a.ServiceID, a.DepartmentID, a.TimeslotID, string(a.Status), a.VerificationToken, a.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrDuplicateReference
	}
	return nil
}

func (r appointmentRepo) GetForUpdate(ctx context.Context, ref string) (model.Appointment, error) {
	appt, err := scanAppointment(r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE ref = $1
		FOR UPDATE
	`, ref))
	return appt, notFound(err, model.ErrAppointmentNotFound)
}

func (r appointmentRepo) Update(ctx context.Context, a model.Appointment) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE appointments
		SET department_id = $2,
			timeslot_id = $3,
			status = $4,
			updated_at = $5,
			cancelled_at = $6,
			verification_token = $7
		WHERE ref = $1
	`, a.Ref, a.DepartmentID, a.TimeslotID, string(a.Status), a.UpdatedAt, a.CancelledAt, a.VerificationToken)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrAppointmentNotFound
	}
	return nil
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var (
		a           model.Appointment
		status      string
		cancelledAt *time.Time
	)
	err := row.Scan(&a.Ref, &a.UserID, &a.ServiceID, &a.DepartmentID, &a.TimeslotID, &status,
		&a.VerificationToken, &a.CreatedAt, &a.UpdatedAt, &cancelledAt)
	if err != nil {
		return model.Appointment{}, notFound(err, model.ErrAppointmentNotFound)
	}
	a.Status = model.Status(status)
	a.CancelledAt = cancelledAt
	return a, nil
}
