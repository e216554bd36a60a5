// Package memory is an in-process storage.Store for local runs and tests.
// Transactions are serialized behind one mutex and work on a copy of the
// state that replaces the original only on commit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	otelx "github.com/md-rashed-zaman/citizenbook/libs/otel"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/storage"
)

type state struct {
	slots         map[string]model.TimeSlot
	appointments  map[string]model.Appointment
	notifications map[string]model.Notification
	events        []outbox.Record
	nextEventID   int64
}

func (s *state) clone() *state {
	c := &state{
		slots:         make(map[string]model.TimeSlot, len(s.slots)),
		appointments:  make(map[string]model.Appointment, len(s.appointments)),
		notifications: make(map[string]model.Notification, len(s.notifications)),
		events:        append([]outbox.Record(nil), s.events...),
		nextEventID:   s.nextEventID,
	}
	for k, v := range s.slots {
		c.slots[k] = v
	}
	for k, v := range s.appointments {
		c.appointments[k] = v
	}
	for k, v := range s.notifications {
		c.notifications[k] = v
	}
	return c
}

type Store struct {
	mu  sync.Mutex
	cur *state
	now func() time.Time
}

var (
	_ storage.Store = (*Store)(nil)
	_ outbox.Store  = (*Store)(nil)
)

func New() *Store {
	return &Store{
		cur: &state{
			slots:         map[string]model.TimeSlot{},
			appointments:  map[string]model.Appointment{},
			notifications: map[string]model.Notification{},
		},
		now: time.Now,
	}
}

// PutTimeSlot creates or replaces a slot; catalog management owns slot creation.
func (s *Store) PutTimeSlot(slot model.TimeSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.slots[slot.ID] = slot
}

func (s *Store) WithinTx(ctx context.Context, fn func(context.Context, storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.cur.clone()
	if err := fn(ctx, &tx{st: work, now: s.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.cur = work
	return nil
}

func (s *Store) GetAppointment(_ context.Context, ref string) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.cur.appointments[ref]
	if !ok {
		return model.Appointment{}, model.ErrAppointmentNotFound
	}
	return a, nil
}

func (s *Store) ListAppointments(_ context.Context, f model.ListFilter) ([]model.Appointment, int, error) {
	f = f.Normalize()
	s.mu.Lock()
	var all []model.Appointment
	for _, a := range s.cur.appointments {
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		all = append(all, a)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].Ref > all[j].Ref
	})
	total := len(all)
	from := f.Offset()
	if from >= total {
		return nil, total, nil
	}
	to := from + f.PageSize
	if to > total {
		to = total
	}
	return all[from:to], total, nil
}

func (s *Store) GetTimeSlots(_ context.Context, ids []string) (map[string]model.TimeSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.TimeSlot, len(ids))
	for _, id := range ids {
		if slot, ok := s.cur.slots[id]; ok {
			out[id] = slot
		}
	}
	return out, nil
}

func (s *Store) ListTimeSlots(_ context.Context, serviceID string, from, to time.Time) ([]model.TimeSlot, error) {
	s.mu.Lock()
	var out []model.TimeSlot
	for _, slot := range s.cur.slots {
		if slot.ServiceID != serviceID || slot.StartAt.Before(from) || !slot.StartAt.Before(to) {
			continue
		}
		out = append(out, slot)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartAt.Equal(out[j].StartAt) {
			return out[i].StartAt.Before(out[j].StartAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListNotifications(_ context.Context, ref string) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Notification
	for _, n := range s.cur.notifications {
		if n.AppointmentRef == ref {
			out = append(out, n)
		}
	}
	sortNotifications(out)
	return out, nil
}

// ProcessPending implements outbox.Store.
func (s *Store) ProcessPending(ctx context.Context, limit int, fn func(context.Context, []outbox.Record) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.cur.events)
	if limit > 0 && n > limit {
		n = limit
	}
	if n == 0 {
		return 0, nil
	}
	batch := append([]outbox.Record(nil), s.cur.events[:n]...)
	if err := fn(ctx, batch); err != nil {
		return 0, err
	}
	s.cur.events = s.cur.events[n:]
	return n, nil
}

// PendingEvents returns unpublished outbox records.
func (s *Store) PendingEvents() []outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Record(nil), s.cur.events...)
}

type tx struct {
	st  *state
	now func() time.Time
}

func (t *tx) Slots() storage.SlotStore { return slotStore{t.st} }
func (t *tx) Appointments() storage.AppointmentStore { return appointmentStore{t.st} }
func (t *tx) Notifications() storage.NotificationStore { return notificationStore{t.st} }
func (t *tx) Events() storage.EventStore { return eventStore{st: t.st, now: t.now} }

type slotStore struct{ st *state }

func (s slotStore) Get(_ context.Context, id string) (model.TimeSlot, error) {
	slot, ok := s.st.slots[id]
	if !ok {
		return model.TimeSlot{}, model.ErrSlotNotFound
	}
	return slot, nil
}

func (s slotStore) IncrementReserved(ctx context.Context, id string) (model.TimeSlot, bool, error) {
	slot, err := s.Get(ctx, id)
	if err != nil {
		return model.TimeSlot{}, false, err
	}
	if slot.ReservedCount >= slot.Capacity {
		return slot, false, nil
	}
	slot.ReservedCount++
	s.st.slots[id] = slot
	return slot, true, nil
}

func (s slotStore) DecrementReserved(ctx context.Context, id string) (model.TimeSlot, bool, error) {
	slot, err := s.Get(ctx, id)
	if err != nil {
		return model.TimeSlot{}, false, err
	}
	if slot.ReservedCount <= 0 {
		return slot, false, nil
	}
	slot.ReservedCount--
	s.st.slots[id] = slot
	return slot, true, nil
}

type appointmentStore struct{ st *state }

func (s appointmentStore) Insert(_ context.Context, a model.Appointment) error {
	if _, exists := s.st.appointments[a.Ref]; exists {
		return model.ErrDuplicateReference
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	s.st.appointments[a.Ref] = a
	return nil
}

func (s appointmentStore) GetForUpdate(_ context.Context, ref string) (model.Appointment, error) {
	a, ok := s.st.appointments[ref]
	if !ok {
		return model.Appointment{}, model.ErrAppointmentNotFound
	}
	return a, nil
}

func (s appointmentStore) Update(_ context.Context, a model.Appointment) error {
	cur, ok := s.st.appointments[a.Ref]
	if !ok {
		return model.ErrAppointmentNotFound
	}
	cur.DepartmentID = a.DepartmentID
	cur.TimeslotID = a.TimeslotID
	cur.Status = a.Status
	cur.UpdatedAt = a.UpdatedAt
	cur.CancelledAt = a.CancelledAt
	cur.VerificationToken = a.VerificationToken
	s.st.appointments[a.Ref] = cur
	return nil
}

type notificationStore struct{ st *state }

func (s notificationStore) Insert(_ context.Context, n model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	s.st.notifications[n.ID] = n
	return nil
}

func (s notificationStore) DeleteUnsent(_ context.Context, ref string) (int, error) {
	var n int
	for id, item := range s.st.notifications {
		if item.AppointmentRef == ref && !item.Sent {
			delete(s.st.notifications, id)
			n++
		}
	}
	return n, nil
}

func (s notificationStore) ClaimDue(_ context.Context, now time.Time, limit int, leaseUntil time.Time) ([]model.Notification, error) {
	var due []model.Notification
	for _, n := range s.st.notifications {
		if n.Due(now) {
			due = append(due, n)
		}
	}
	sortNotifications(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		lease := leaseUntil
		due[i].NextAttemptAt = &lease
		s.st.notifications[due[i].ID] = due[i]
	}
	return due, nil
}

func (s notificationStore) MarkSent(_ context.Context, ids []string, at time.Time) (int, int, error) {
	var changed, alreadySent int
	for _, id := range ids {
		n, ok := s.st.notifications[id]
		if !ok {
			continue
		}
		if n.Sent {
			alreadySent++
			continue
		}
		n.Sent = true
		sentAt := at
		n.SentAt = &sentAt
		n.LastError = ""
		n.NextAttemptAt = nil
		s.st.notifications[id] = n
		changed++
	}
	return changed, alreadySent, nil
}

func (s notificationStore) RecordFailure(_ context.Context, f model.DeliveryFailure, at time.Time) error {
	n, ok := s.st.notifications[f.ID]
	if !ok || n.Sent {
		return nil
	}
	n.Attempts = f.Attempts
	n.LastError = f.LastError
	next := f.NextAttemptAt
	n.NextAttemptAt = &next
	if f.Abandon {
		abandoned := at
		n.AbandonedAt = &abandoned
	}
	s.st.notifications[f.ID] = n
	return nil
}

type eventStore struct {
	st  *state
	now func() time.Time
}

func (s eventStore) Append(ctx context.Context, evt outbox.Event) error {
	tc := otelx.CaptureTraceContext(ctx)
	s.st.nextEventID++
	s.st.events = append(s.st.events, outbox.Record{
		ID:            s.st.nextEventID,
		EventID:       uuid.NewString(),
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		Payload:       evt.Payload,
		Traceparent:   tc.Parent,
		Tracestate:    tc.State,
		CreatedAt:     s.now().UTC(),
	})
	return nil
}

func sortNotifications(items []model.Notification) {
	sort.Slice(items, func(i, j int) bool {
		di, dj := items[i].DueAt(), items[j].DueAt()
		if di.IsZero() {
			di = items[i].CreatedAt
		}
		if dj.IsZero() {
			dj = items[j].CreatedAt
		}
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
