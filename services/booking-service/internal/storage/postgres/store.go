package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/citizenbook/libs/db"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/storage"
)

// Store implements storage.Store on PostgreSQL.
type Store struct {
	conn   db.Conn
	outbox *outbox.Repository
}

var _ storage.Store = (*Store)(nil)

func New(conn db.Conn) *Store {
	return &Store{conn: conn, outbox: outbox.NewRepository()}
}

func (s *Store) WithinTx(ctx context.Context, fn func(context.Context, storage.Tx) error) error {
	return db.InTx(ctx, s.conn, func(tx pgx.Tx) error {
		return fn(ctx, &txStores{tx: tx, outbox: s.outbox})
	})
}

type txStores struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *txStores) Slots() storage.SlotStore { return slotRepo{q: t.tx} }
func (t *txStores) Appointments() storage.AppointmentStore { return appointmentRepo{q: t.tx} }
func (t *txStores) Notifications() storage.NotificationStore { return notificationRepo{q: t.tx} }
func (t *txStores) Events() storage.EventStore { return eventRepo{tx: t.tx, repo: t.outbox} }

type eventRepo struct {
	tx   pgx.Tx
	repo *outbox.Repository
}

func (r eventRepo) Append(ctx context.Context, evt outbox.Event) error {
	if err := r.repo.Insert(ctx, r.tx, evt); err != nil {
		return fmt.Errorf("append outbox event: %w", err)
	}
	return nil
}

func (s *Store) GetAppointment(ctx context.Context, ref string) (model.Appointment, error) {
	return scanAppointment(s.conn.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE ref = $1
	`, ref))
}

func (s *Store) ListAppointments(ctx context.Context, f model.ListFilter) ([]model.Appointment, int, error) {
	f = f.Normalize()
	var status *string
	if f.Status != "" {
		v := string(f.Status)
		status = &v
	}

	var total int
	if err := s.conn.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE ($1::text = '' OR user_id = $1) AND ($2::text IS NULL OR status = $2)
	`, f.UserID, status).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.conn.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE ($1::text = '' OR user_id = $1) AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, ref DESC
		LIMIT $3 OFFSET $4
	`, f.UserID, status, f.PageSize, f.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, appt)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}
	return out, total, nil
}

func (s *Store) GetTimeSlots(ctx context.Context, ids []string) (map[string]model.TimeSlot, error) {
	out := make(map[string]model.TimeSlot, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.conn.Query(ctx, `
		SELECT `+slotColumns+`
		FROM timeslots
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out[slot.ID] = slot
	}
	return out, rows.Err()
}

func (s *Store) ListTimeSlots(ctx context.Context, serviceID string, from, to time.Time) ([]model.TimeSlot, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+slotColumns+`
		FROM timeslots
		WHERE service_id = $1 AND start_at >= $2 AND start_at < $3
		ORDER BY start_at, id
	`, serviceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TimeSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

func (s *Store) ListNotifications(ctx context.Context, ref string) ([]model.Notification, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE appointment_ref = $1
		ORDER BY created_at, id
	`, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNotifications(rows)
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}
