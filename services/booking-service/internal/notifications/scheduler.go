// Package notifications persists delivery work items for appointment changes
// and dispatches them once they fall due.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/policy"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/storage"
)

// Request describes one work item. A nil or past ScheduledAt means the item is
// eligible on the next dispatcher tick.
type Request struct {
	UserID         string
	Kind           model.NotificationKind
	Title          string
	Body           string
	ScheduledAt    *time.Time
	AppointmentRef string
}

type SchedulerConfig struct {
	// Location is used to render times inside titles and bodies.
	Location *time.Location
}

type Scheduler struct {
	policy   policy.Provider
	logger   *slog.Logger
	metrics  *metrics.BookingMetrics
	location *time.Location
	now      func() time.Time
}

func NewScheduler(p policy.Provider, logger *slog.Logger, m *metrics.BookingMetrics, cfg SchedulerConfig) *Scheduler {
	if p == nil {
		p = policy.NewStaticProvider(nil)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		policy:   p,
		logger:   logger,
		metrics:  m,
		location: cfg.Location,
		now:      time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// EnqueueTx persists req inside an existing transaction and returns its id.
func (s *Scheduler) EnqueueTx(ctx context.Context, ns storage.NotificationStore, req Request) (string, error) {
	if req.UserID == "" {
		return "", model.Invalid("user_id", "is required")
	}
	if req.Title == "" {
		return "", model.Invalid("title", "is required")
	}
	if req.Kind == "" {
		req.Kind = model.KindGeneral
	}
	now := s.now().UTC()
	var scheduledAt *time.Time
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		at := req.ScheduledAt.UTC()
		scheduledAt = &at
	}
	n := model.Notification{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Kind:           req.Kind,
		Title:          req.Title,
		Body:           req.Body,
		AppointmentRef: req.AppointmentRef,
		ScheduledAt:    scheduledAt,
		CreatedAt:      now,
	}
	if err := ns.Insert(ctx, n); err != nil {
		return "", fmt.Errorf("insert notification: %w", err)
	}
	return n.ID, nil
}

// Enqueue persists req in its own transaction.
func (s *Scheduler) Enqueue(ctx context.Context, uow storage.UnitOfWork, req Request) (string, error) {
	var id string
	err := uow.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		id, err = s.EnqueueTx(ctx, tx.Notifications(), req)
		return err
	})
	return id, err
}

// Retract deletes every unsent item correlated with ref. Items already sent
// stay as history.
func (s *Scheduler) Retract(ctx context.Context, ns storage.NotificationStore, ref string) (int, error) {
	n, err := ns.DeleteUnsent(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("retract notifications for %s: %w", ref, err)
	}
	if n > 0 {
		s.logger.Debug("retracted pending notifications", "ref", ref, "count", n)
	}
	return n, nil
}

// BookingNotices builds the immediate notice for view plus one reminder per
// configured offset. Reminders whose instant has already passed are skipped.
func (s *Scheduler) BookingNotices(ctx context.Context, view model.AppointmentView, kind model.NotificationKind) ([]Request, error) {
	when := s.formatTime(view.StartAt)
	var title, body string
	switch kind {
	case model.KindRescheduled:
		title = "Appointment rescheduled"
		body = fmt.Sprintf("Your appointment %s for %s at %s has moved to %s.",
			view.Ref, view.ServiceName, view.DepartmentName, when)
	default:
		kind = model.KindConfirmation
		title = "Appointment confirmed"
		body = fmt.Sprintf("Your appointment %s for %s at %s is confirmed for %s.",
			view.Ref, view.ServiceName, view.DepartmentName, when)
	}
	reqs := []Request{{
		UserID:         view.UserID,
		Kind:           kind,
		Title:          title,
		Body:           body,
		AppointmentRef: view.Ref,
	}}

	offsets, err := s.policy.ReminderOffsets(ctx, view.ServiceID)
	if err != nil {
		s.logger.Warn("reminder policy lookup failed; using default", "service_id", view.ServiceID, "err", err)
		offsets = []time.Duration{policy.DefaultReminderOffset}
	}
	now := s.now()
	for _, off := range offsets {
		at := view.StartAt.Add(-off)
		if !at.After(now) {
			continue
		}
		reqs = append(reqs, Request{
			UserID:         view.UserID,
			Kind:           model.KindReminder,
			Title:          "Appointment reminder",
			Body:           fmt.Sprintf("Reminder: %s at %s on %s. Reference %s.", view.ServiceName, view.DepartmentName, when, view.Ref),
			ScheduledAt:    &at,
			AppointmentRef: view.Ref,
		})
	}
	return reqs, nil
}

// CancellationNotice tells the citizen their appointment no longer stands.
func (s *Scheduler) CancellationNotice(view model.AppointmentView) Request {
	return Request{
		UserID: view.UserID,
		Kind:   model.KindCancellation,
		Title:  "Appointment cancelled",
		Body: fmt.Sprintf("Your appointment %s for %s on %s has been cancelled.",
			view.Ref, view.ServiceName, s.formatTime(view.StartAt)),
		AppointmentRef: view.Ref,
	}
}

// Schedule persists reqs in one transaction after the owning lifecycle change
// has committed. Failures are logged and counted, never returned: the
// appointment is already final.
func (s *Scheduler) Schedule(ctx context.Context, uow storage.UnitOfWork, reqs []Request) {
	if len(reqs) == 0 {
		return
	}
	err := uow.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		for _, req := range reqs {
			if _, err := s.EnqueueTx(ctx, tx.Notifications(), req); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.metrics.IncEnqueueFailure()
		s.logger.Error("notification enqueue failed",
			"ref", reqs[0].AppointmentRef,
			"count", len(reqs),
			"err", err,
		)
	}
}

func (s *Scheduler) formatTime(t time.Time) string {
	return t.In(s.location).Format("Mon 02 Jan 2006 15:04 MST")
}
