// Package appointments is the appointment lifecycle: book, reschedule, cancel
// and the read paths over them. Every write runs in one storage transaction
// that covers the capacity change, the appointment row, notification
// retraction and the outbox event.
package appointments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	otelx "github.com/md-rashed-zaman/citizenbook/libs/otel"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/notifications"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/reference"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxReferenceAttempts = 5

// BookRequest asks for one appointment on a slot of a service.
type BookRequest struct {
	UserID       string
	ServiceID    string
	DepartmentID string
	TimeslotID   string
}

// RescheduleRequest moves an appointment. Empty fields keep their current value.
type RescheduleRequest struct {
	TimeslotID   string
	DepartmentID string
}

// Deps are the collaborators of a Manager. Nil Ledger, References and Tokens get defaults.
type Deps struct {
	Store      storage.Store
	Ledger     *ledger.Ledger
	Catalog    catalog.Catalog
	References *reference.Generator
	Tokens     *reference.Tokens
	Scheduler  *notifications.Scheduler
	Logger     *slog.Logger
	Metrics    *metrics.BookingMetrics
}

// Manager runs the appointment lifecycle: book, reschedule, cancel and verify.
type Manager struct {
	store     storage.Store
	ledger    *ledger.Ledger
	catalog   catalog.Catalog
	refs      *reference.Generator
	tokens    *reference.Tokens
	scheduler *notifications.Scheduler
	logger    *slog.Logger
	metrics   *metrics.BookingMetrics
	tracer    trace.Tracer
	now       func() time.Time
}

// NewManager wires a Manager from d.
func NewManager(d Deps) *Manager {
	if d.Ledger == nil {
		d.Ledger = ledger.New(d.Logger)
	}
	if d.References == nil {
		d.References = reference.NewGenerator()
	}
	if d.Tokens == nil {
		d.Tokens = reference.NewTokens("")
	}
	return &Manager{
		store:     d.Store,
		ledger:    d.Ledger,
		catalog:   d.Catalog,
		refs:      d.References,
		tokens:    d.Tokens,
		scheduler: d.Scheduler,
		logger:    d.Logger,
		metrics:   d.Metrics,
		tracer:    otelx.Tracer("booking-service/appointments"),
		now:       time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Book reserves one unit of the slot and creates a CONFIRMED appointment.
// Notifications are scheduled after commit and never fail the booking.
func (m *Manager) Book(ctx context.Context, req BookRequest) (view model.AppointmentView, err error) {
	ctx, done := m.observe(ctx, "book", attribute.String("timeslot.id", req.TimeslotID))
	defer func() { done(err) }()

	if err := validateBook(req); err != nil {
		return model.AppointmentView{}, err
	}

	err = m.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		res, err := m.ledger.Reserve(ctx, tx.Slots(), req.TimeslotID)
		if err != nil {
			return err
		}
		if res.Slot.ServiceID != req.ServiceID {
			return m.compensate(ctx, tx, req.TimeslotID, model.Invalid("timeslot_id", "does not belong to service"))
		}
		svc, err := m.catalog.Service(ctx, req.ServiceID)
		if err != nil {
			return m.compensate(ctx, tx, req.TimeslotID, err)
		}
		dept, err := m.catalog.Department(ctx, req.DepartmentID)
		if err != nil {
			return m.compensate(ctx, tx, req.TimeslotID, err)
		}

		now := m.now().UTC()
		appt, err := m.insert(ctx, tx, model.Appointment{
			UserID:       req.UserID,
			ServiceID:    req.ServiceID,
			DepartmentID: req.DepartmentID,
			TimeslotID:   req.TimeslotID,
			Status:       model.StatusConfirmed,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if err != nil {
			return err
		}
		view = compose(appt, res.Slot, svc.Name, dept.Name)
		return m.appendEvent(ctx, tx, outbox.EventAppointmentBooked, view, "", now)
	})
	if err != nil {
		return model.AppointmentView{}, err
	}

	m.logger.Info("appointment booked",
		"ref", view.Ref,
		"user_id", view.UserID,
		"timeslot_id", view.TimeslotID,
	)
	m.scheduleBookingNotices(ctx, view, model.KindConfirmation)
	return view, nil
}

// Reschedule moves an appointment to another slot and/or department. The new
// slot is reserved before the old one is released; if that fails nothing
// changes.
func (m *Manager) Reschedule(ctx context.Context, ref string, req RescheduleRequest) (view model.AppointmentView, err error) {
	ctx, done := m.observe(ctx, "reschedule", attribute.String("appointment.ref", ref))
	defer func() { done(err) }()

	req.TimeslotID = strings.TrimSpace(req.TimeslotID)
	req.DepartmentID = strings.TrimSpace(req.DepartmentID)
	if req.TimeslotID == "" && req.DepartmentID == "" {
		return model.AppointmentView{}, model.Invalid("timeslot_id", "timeslot_id or department_id is required")
	}

	var changed bool
	err = m.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		appt, err := tx.Appointments().GetForUpdate(ctx, ref)
		if err != nil {
			return err
		}
		if appt.Status == model.StatusCancelled {
			return model.ErrAlreadyCancelled
		}

		prevSlot := appt.TimeslotID
		nextSlot := prevSlot
		if req.TimeslotID != "" {
			nextSlot = req.TimeslotID
		}
		nextDept := appt.DepartmentID
		if req.DepartmentID != "" {
			nextDept = req.DepartmentID
		}

		res, err := m.ledger.Move(ctx, tx.Slots(), prevSlot, nextSlot)
		if err != nil {
			return err
		}
		if res.Slot.ServiceID != appt.ServiceID {
			return model.Invalid("timeslot_id", "does not belong to service")
		}
		dept, err := m.catalog.Department(ctx, nextDept)
		if err != nil {
			return err
		}
		svcName, err := m.serviceName(ctx, appt.ServiceID)
		if err != nil {
			return err
		}

		if nextSlot == prevSlot && nextDept == appt.DepartmentID {
			view = compose(appt, res.Slot, svcName, dept.Name)
			return nil
		}
		changed = true

		now := m.now().UTC()
		if nextSlot != prevSlot {
			token, err := m.tokens.NewVerificationToken(appt.Ref, appt.ServiceID, nextSlot, appt.UserID)
			if err != nil {
				return fmt.Errorf("verification token: %w", err)
			}
			appt.VerificationToken = token
		}
		appt.TimeslotID = nextSlot
		appt.DepartmentID = nextDept
		appt.UpdatedAt = now
		if err := tx.Appointments().Update(ctx, appt); err != nil {
			return err
		}
		if _, err := m.scheduler.Retract(ctx, tx.Notifications(), appt.Ref); err != nil {
			return err
		}
		view = compose(appt, res.Slot, svcName, dept.Name)
		prev := ""
		if prevSlot != nextSlot {
			prev = prevSlot
		}
		return m.appendEvent(ctx, tx, outbox.EventAppointmentRescheduled, view, prev, now)
	})
	if err != nil {
		return model.AppointmentView{}, err
	}
	if !changed {
		return view, nil
	}

	m.logger.Info("appointment rescheduled",
		"ref", view.Ref,
		"timeslot_id", view.TimeslotID,
		"department_id", view.DepartmentID,
	)
	m.scheduleBookingNotices(ctx, view, model.KindRescheduled)
	return view, nil
}

// Cancel releases the appointment's unit and retracts pending notifications.
// Cancelling an already cancelled appointment succeeds without side effects.
func (m *Manager) Cancel(ctx context.Context, ref string) (view model.AppointmentView, err error) {
	ctx, done := m.observe(ctx, "cancel", attribute.String("appointment.ref", ref))
	defer func() { done(err) }()

	var already bool
	err = m.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		appt, err := tx.Appointments().GetForUpdate(ctx, ref)
		if err != nil {
			return err
		}
		svcName, deptName, err := m.names(ctx, appt.ServiceID, appt.DepartmentID)
		if err != nil {
			return err
		}
		if appt.Status == model.StatusCancelled {
			already = true
			slot, err := tx.Slots().Get(ctx, appt.TimeslotID)
			if err != nil {
				return err
			}
			view = compose(appt, slot, svcName, deptName)
			return nil
		}

		slot, err := m.ledger.Release(ctx, tx.Slots(), appt.TimeslotID)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		appt.Status = model.StatusCancelled
		appt.CancelledAt = &now
		appt.UpdatedAt = now
		if err := tx.Appointments().Update(ctx, appt); err != nil {
			return err
		}
		if _, err := m.scheduler.Retract(ctx, tx.Notifications(), appt.Ref); err != nil {
			return err
		}
		view = compose(appt, slot, svcName, deptName)
		return m.appendEvent(ctx, tx, outbox.EventAppointmentCancelled, view, "", now)
	})
	if err != nil {
		return model.AppointmentView{}, err
	}
	if already {
		return view, nil
	}

	m.logger.Info("appointment cancelled", "ref", view.Ref, "timeslot_id", view.TimeslotID)
	m.scheduler.Schedule(ctx, m.store, []notifications.Request{m.scheduler.CancellationNotice(view)})
	return view, nil
}

// compensate gives back a unit reserved earlier in the same transaction and
// returns cause. The rollback would undo the reservation anyway; releasing
// keeps the counter right for the rest of the transaction.
func (m *Manager) compensate(ctx context.Context, tx storage.Tx, slotID string, cause error) error {
	if _, err := m.ledger.Release(ctx, tx.Slots(), slotID); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// insert mints a reference and token and stores appt, retrying on a
// reference collision.
func (m *Manager) insert(ctx context.Context, tx storage.Tx, appt model.Appointment) (model.Appointment, error) {
	for attempt := 1; ; attempt++ {
		ref, err := m.refs.NewReference(appt.ServiceID)
		if err != nil {
			return model.Appointment{}, err
		}
		token, err := m.tokens.NewVerificationToken(ref, appt.ServiceID, appt.TimeslotID, appt.UserID)
		if err != nil {
			return model.Appointment{}, fmt.Errorf("verification token: %w", err)
		}
		appt.Ref = ref
		appt.VerificationToken = token

		err = tx.Appointments().Insert(ctx, appt)
		if errors.Is(err, model.ErrDuplicateReference) && attempt < maxReferenceAttempts {
			m.logger.Warn("appointment reference collision; retrying", "ref", ref, "attempt", attempt)
			continue
		}
		if err != nil {
			return model.Appointment{}, err
		}
		return appt, nil
	}
}

func (m *Manager) appendEvent(ctx context.Context, tx storage.Tx, eventType string, v model.AppointmentView, prevSlot string, at time.Time) error {
	evt, err := outbox.NewAppointmentEvent(eventType, outbox.AppointmentPayload{
		Ref:            v.Ref,
		UserID:         v.UserID,
		ServiceID:      v.ServiceID,
		DepartmentID:   v.DepartmentID,
		TimeslotID:     v.TimeslotID,
		PreviousSlotID: prevSlot,
		Status:         string(v.Status),
		StartAt:        v.StartAt,
		EndAt:          v.EndAt,
		OccurredAt:     at,
		CancelledAt:    v.CancelledAt,
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	return tx.Events().Append(ctx, evt)
}

func (m *Manager) scheduleBookingNotices(ctx context.Context, view model.AppointmentView, kind model.NotificationKind) {
	reqs, err := m.scheduler.BookingNotices(ctx, view, kind)
	if err != nil {
		m.metrics.IncEnqueueFailure()
		m.logger.Error("build booking notices failed", "ref", view.Ref, "err", err)
		return
	}
	m.scheduler.Schedule(ctx, m.store, reqs)
}

func (m *Manager) observe(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "appointments."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		m.metrics.ObserveOperation(op, outcome(err), time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func outcome(err error) string {
	var verr *model.ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &verr):
		return "invalid"
	case model.IsNotFound(err):
		return "not_found"
	case model.IsConflict(err):
		return "conflict"
	default:
		return "error"
	}
}

func validateBook(req BookRequest) error {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return model.Invalid("user_id", "is required")
	case strings.TrimSpace(req.ServiceID) == "":
		return model.Invalid("service_id", "is required")
	case strings.TrimSpace(req.DepartmentID) == "":
		return model.Invalid("department_id", "is required")
	case strings.TrimSpace(req.TimeslotID) == "":
		return model.Invalid("timeslot_id", "is required")
	}
	return nil
}
