package postgres

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/citizenbook/libs/db"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
)

const notificationColumns = `id::text, user_id, kind, title, body, COALESCE(appointment_ref, ''), scheduled_at,
			sent, sent_at, attempts, COALESCE(last_error, ''), next_attempt_at, abandoned_at, created_at`

type notificationRepo struct {
	q db.Querier
}

func (r notificationRepo) Insert(ctx context.Context, n model.Notification) error {
	var ref *string
	if n.AppointmentRef != "" {
		ref = &n.AppointmentRef
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, body, appointment_ref, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.ID, n.UserID, string(n.Kind), n.Title, n.Body, ref, n.ScheduledAt, n.CreatedAt)
	return err
}

func (r notificationRepo) DeleteUnsent(ctx context.Context, ref string) (int, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM notifications
		WHERE appointment_ref = $1 AND sent = false
	`, ref)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ClaimDue picks due rows with SKIP LOCKED and leases them in the same
// statement, so the row locks last only as long as the claiming transaction.
func (r notificationRepo) ClaimDue(ctx context.Context, now time.Time, limit int, leaseUntil time.Time) ([]model.Notification, error) {
	rows, err := r.q.Query(ctx, `
		UPDATE notifications
		SET next_attempt_at = $3
		WHERE id IN (
			SELECT id
			FROM notifications
			WHERE sent = false
				AND abandoned_at IS NULL
				AND (scheduled_at IS NULL OR scheduled_at <= $1)
				AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			ORDER BY COALESCE(scheduled_at, created_at), created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+notificationColumns, now, limit, leaseUntil)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items, err := collectNotifications(rows)
	if err != nil {
		return nil, err
	}
	sortNotifications(items)
	return items, nil
}

func (r notificationRepo) MarkSent(ctx context.Context, ids []string, at time.Time) (int, int, error) {
	if len(ids) == 0 {
		return 0, 0, nil
	}
	var marked, alreadySent int
	err := r.q.QueryRow(ctx, `
		WITH target AS (
			SELECT id, sent
			FROM notifications
			WHERE id = ANY($1::uuid[])
			FOR UPDATE
		), marked AS (
			UPDATE notifications n
			SET sent = true, sent_at = $2, last_error = NULL, next_attempt_at = NULL
			FROM target t
			WHERE n.id = t.id AND NOT t.sent
			RETURNING n.id
		)
		SELECT (SELECT count(*) FROM marked), (SELECT count(*) FROM target WHERE sent)
	`, ids, at).Scan(&marked, &alreadySent)
	if err != nil {
		return 0, 0, err
	}
	return marked, alreadySent, nil
}

func (r notificationRepo) RecordFailure(ctx context.Context, f model.DeliveryFailure, at time.Time) error {
	var abandonedAt *time.Time
	if f.Abandon {
		abandonedAt = &at
	}
	_, err := r.q.Exec(ctx, `
		UPDATE notifications
		SET attempts = $2,
			last_error = $3,
			next_attempt_at = $4,
			abandoned_at = $5
		WHERE id = $1 AND sent = false
	`, f.ID, f.Attempts, f.LastError, f.NextAttemptAt, abandonedAt)
	return err
}

// sortNotifications restores claim order; RETURNING does not guarantee it.
func sortNotifications(items []model.Notification) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].DueAt(), items[j].DueAt()
		if a.IsZero() {
			a = items[i].CreatedAt
		}
		if b.IsZero() {
			b = items[j].CreatedAt
		}
		if !a.Equal(b) {
			return a.Before(b)
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

func collectNotifications(rows pgx.Rows) ([]model.Notification, error) {
	var out []model.Notification
	for rows.Next() {
		var (
			n    model.Notification
			kind string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &kind, &n.Title, &n.Body, &n.AppointmentRef, &n.ScheduledAt,
			&n.Sent, &n.SentAt, &n.Attempts, &n.LastError, &n.NextAttemptAt, &n.AbandonedAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Kind = model.NotificationKind(kind)
		out = append(out, n)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
