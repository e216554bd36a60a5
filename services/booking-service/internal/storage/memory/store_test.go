package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(capacity int) *Store {
	s := New()
	start := time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC)
	s.PutTimeSlot(model.TimeSlot{ID: "slot-1", ServiceID: "passport", StartAt: start, EndAt: start.Add(30 * time.Minute), Capacity: capacity})
	return s
}

func TestRollbackDiscardsWrites(t *testing.T) {
	s := seeded(2)
	boom := errors.New("boom")

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		if _, _, err := tx.Slots().IncrementReserved(ctx, "slot-1"); err != nil {
			return err
		}
		if err := tx.Events().Append(ctx, outbox.Event{EventType: outbox.EventAppointmentBooked}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	slots, _ := s.GetTimeSlots(context.Background(), []string{"slot-1"})
	assert.Equal(t, 0, slots["slot-1"].ReservedCount)
	assert.Empty(t, s.PendingEvents())
}

func TestCancelledContextRollsBack(t *testing.T) {
	s := seeded(1)
	ctx, cancel := context.WithCancel(context.Background())

	err := s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, _, err := tx.Slots().IncrementReserved(ctx, "slot-1")
		cancel()
		return err
	})
	require.ErrorIs(t, err, context.Canceled)

	slots, _ := s.GetTimeSlots(context.Background(), []string{"slot-1"})
	assert.Equal(t, 0, slots["slot-1"].ReservedCount)
}

func TestCounterBounds(t *testing.T) {
	s := seeded(1)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, ok, err := tx.Slots().IncrementReserved(ctx, "slot-1")
		require.NoError(t, err)
		assert.True(t, ok)

		slot, ok, err := tx.Slots().IncrementReserved(ctx, "slot-1")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, slot.ReservedCount)

		_, ok, _ = tx.Slots().DecrementReserved(ctx, "slot-1")
		assert.True(t, ok)
		_, ok, _ = tx.Slots().DecrementReserved(ctx, "slot-1")
		assert.False(t, ok)

		_, _, err = tx.Slots().IncrementReserved(ctx, "missing")
		assert.ErrorIs(t, err, model.ErrSlotNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestNotificationsClaimMarkAndRetract(t *testing.T) {
	s := seeded(1)
	ctx := context.Background()
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	future := now.Add(48 * time.Hour)

	err := s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ns := tx.Notifications()
		require.NoError(t, ns.Insert(ctx, model.Notification{ID: "n1", UserID: "u1", AppointmentRef: "PASS-1", CreatedAt: now}))
		require.NoError(t, ns.Insert(ctx, model.Notification{ID: "n2", UserID: "u1", AppointmentRef: "PASS-1", ScheduledAt: &future, CreatedAt: now}))
		require.NoError(t, ns.Insert(ctx, model.Notification{ID: "n3", UserID: "u2", CreatedAt: now}))
		return nil
	})
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		due, err := tx.Notifications().ClaimDue(ctx, now, 10, now.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, due, 2)

		again, err := tx.Notifications().ClaimDue(ctx, now, 10, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, again, "leased items are not claimed twice")

		marked, already, err := tx.Notifications().MarkSent(ctx, []string{"n1", "gone"}, now)
		require.NoError(t, err)
		assert.Equal(t, 1, marked)
		assert.Equal(t, 0, already)

		marked, already, err = tx.Notifications().MarkSent(ctx, []string{"n1"}, now)
		require.NoError(t, err)
		assert.Equal(t, 0, marked)
		assert.Equal(t, 1, already)

		deleted, err := tx.Notifications().DeleteUnsent(ctx, "PASS-1")
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)
		return nil
	})
	require.NoError(t, err)

	items, _ := s.ListNotifications(ctx, "PASS-1")
	require.Len(t, items, 1)
	assert.Equal(t, "n1", items[0].ID)
	assert.True(t, items[0].Sent)
}

func TestProcessPendingKeepsBatchOnFailure(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		for i := 0; i < 3; i++ {
			if err := tx.Events().Append(ctx, outbox.Event{AggregateID: "PASS-1", EventType: outbox.EventAppointmentBooked}); err != nil {
				return err
			}
		}
		return nil
	}))

	_, err := s.ProcessPending(ctx, 2, func(context.Context, []outbox.Record) error { return errors.New("down") })
	require.Error(t, err)
	assert.Len(t, s.PendingEvents(), 3)

	n, err := s.ProcessPending(ctx, 2, func(context.Context, []outbox.Record) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, s.PendingEvents(), 1)
}

func TestListTimeSlotsFiltersServiceAndWindow(t *testing.T) {
	s := seeded(1)
	start := time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC)
	s.PutTimeSlot(model.TimeSlot{ID: "slot-0", ServiceID: "passport", StartAt: start, EndAt: start.Add(30 * time.Minute), Capacity: 1})
	s.PutTimeSlot(model.TimeSlot{ID: "slot-x", ServiceID: "licence", StartAt: start, EndAt: start.Add(30 * time.Minute), Capacity: 1})
	s.PutTimeSlot(model.TimeSlot{ID: "slot-late", ServiceID: "passport", StartAt: start.Add(48 * time.Hour), EndAt: start.Add(49 * time.Hour), Capacity: 1})

	slots, err := s.ListTimeSlots(context.Background(), "passport", start, start.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, "slot-0", slots[0].ID)
	assert.Equal(t, "slot-1", slots[1].ID)
}
