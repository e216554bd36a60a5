package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/citizenbook/libs/runtime"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/contacts"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/policy"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/storage"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingChannel struct {
	name string
	fail bool

	mu        sync.Mutex
	delivered []string
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Applicable(model.Contact) bool { return true }

func (c *recordingChannel) Deliver(_ context.Context, _ model.Contact, n model.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, n.ID)
	if c.fail {
		return errors.New("provider rejected token")
	}
	return nil
}

func (c *recordingChannel) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, d := range c.delivered {
		if d == id {
			n++
		}
	}
	return n
}

type fixture struct {
	store     *memory.Store
	clock     *clock
	scheduler *Scheduler
	directory *contacts.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)}
	dir := contacts.NewMemory()
	dir.Put(model.Contact{UserID: "u1", Name: "Ana", Email: "ana@example.org", DeviceTokens: []string{"tok-1"}})
	dir.Put(model.Contact{UserID: "u2", Name: "Ben", Email: "ben@example.org"})
	s := NewScheduler(policy.NewStaticProvider([]time.Duration{24 * time.Hour}), runtime.DiscardLogger(), nil, SchedulerConfig{}).
		WithClock(c.Now)
	return &fixture{store: memory.New(), clock: c, scheduler: s, directory: dir}
}

func (f *fixture) dispatcher(cfg DispatcherConfig, channels ...Channel) *Dispatcher {
	return NewDispatcher(f.store, f.directory, channels, runtime.DiscardLogger(), nil, cfg).WithClock(f.clock.Now)
}

func (f *fixture) enqueue(t *testing.T, req Request) string {
	t.Helper()
	id, err := f.scheduler.Enqueue(context.Background(), f.store, req)
	require.NoError(t, err)
	return id
}

func view(ref string, start time.Time) model.AppointmentView {
	return model.AppointmentView{
		Appointment: model.Appointment{
			Ref:       ref,
			UserID:    "u1",
			ServiceID: "passport",
		},
		ServiceName:    "Passport renewal",
		DepartmentName: "Central office",
		StartAt:        start,
		EndAt:          start.Add(30 * time.Minute),
	}
}

func TestBookingNoticesSchedulesReminderBeforeStart(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2024, 1, 22, 10, 0, 0, 0, time.UTC)

	reqs, err := f.scheduler.BookingNotices(context.Background(), view("PASS-1", start), model.KindConfirmation)
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	assert.Equal(t, model.KindConfirmation, reqs[0].Kind)
	assert.Nil(t, reqs[0].ScheduledAt)
	assert.Contains(t, reqs[0].Body, "PASS-1")

	assert.Equal(t, model.KindReminder, reqs[1].Kind)
	require.NotNil(t, reqs[1].ScheduledAt)
	assert.Equal(t, time.Date(2024, 1, 21, 10, 0, 0, 0, time.UTC), *reqs[1].ScheduledAt)
}

func TestBookingNoticesSkipsPastReminder(t *testing.T) {
	f := newFixture(t)
	start := f.clock.Now().Add(3 * time.Hour)

	reqs, err := f.scheduler.BookingNotices(context.Background(), view("PASS-1", start), model.KindRescheduled)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, model.KindRescheduled, reqs[0].Kind)
}

func TestEnqueuePastScheduleBecomesImmediate(t *testing.T) {
	f := newFixture(t)
	past := f.clock.Now().Add(-time.Hour)
	future := f.clock.Now().Add(time.Hour)

	f.enqueue(t, Request{UserID: "u1", Title: "late", ScheduledAt: &past, AppointmentRef: "PASS-1"})
	f.enqueue(t, Request{UserID: "u1", Title: "later", ScheduledAt: &future, AppointmentRef: "PASS-1"})

	items, err := f.store.ListNotifications(context.Background(), "PASS-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Nil(t, items[0].ScheduledAt)
	assert.Equal(t, model.KindGeneral, items[0].Kind)
	require.NotNil(t, items[1].ScheduledAt)
}

func TestEnqueueValidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.scheduler.Enqueue(context.Background(), f.store, Request{Title: "x"})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "user_id", verr.Field)
}

func TestRetractLeavesSentItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	later := f.clock.Now().Add(48 * time.Hour)
	f.enqueue(t, Request{UserID: "u1", Title: "now", AppointmentRef: "PASS-1"})
	f.enqueue(t, Request{UserID: "u1", Title: "reminder", ScheduledAt: &later, AppointmentRef: "PASS-1"})

	_, err := f.dispatcher(DispatcherConfig{}, &recordingChannel{name: "email"}).Tick(ctx)
	require.NoError(t, err)

	var retracted int
	require.NoError(t, f.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		retracted, err = f.scheduler.Retract(ctx, tx.Notifications(), "PASS-1")
		return err
	}))
	assert.Equal(t, 1, retracted)

	items, err := f.store.ListNotifications(ctx, "PASS-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Sent)
	assert.Equal(t, "now", items[0].Title)
}

func TestDispatcherSendsOnlyDueItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	later := f.clock.Now().Add(2 * time.Hour)
	nowID := f.enqueue(t, Request{UserID: "u1", Title: "now", AppointmentRef: "PASS-1"})
	laterID := f.enqueue(t, Request{UserID: "u1", Title: "later", ScheduledAt: &later, AppointmentRef: "PASS-1"})

	email := &recordingChannel{name: "email"}
	d := f.dispatcher(DispatcherConfig{}, email)

	res, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 1, Sent: 1}, res)
	assert.Equal(t, 1, email.count(nowID))
	assert.Equal(t, 0, email.count(laterID))

	res, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	f.clock.Advance(2 * time.Hour)
	res, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, email.count(laterID))
	assert.Equal(t, 1, email.count(nowID))
}

func TestDispatcherIsolatesChannelFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enqueue(t, Request{UserID: "u1", Title: "a", AppointmentRef: "PASS-1"})
	b := f.enqueue(t, Request{UserID: "u2", Title: "b", AppointmentRef: "PASS-2"})

	email := &recordingChannel{name: "email"}
	push := &recordingChannel{name: "push", fail: true}
	res, err := f.dispatcher(DispatcherConfig{}, push, email).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 0, res.Failed)

	assert.Equal(t, 1, email.count(a))
	assert.Equal(t, 1, email.count(b))
	assert.Equal(t, 1, push.count(a))

	for _, ref := range []string{"PASS-1", "PASS-2"} {
		items, err := f.store.ListNotifications(ctx, ref)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.True(t, items[0].Sent, ref)
	}
}

func TestDispatcherRetriesWithBackoffThenAbandons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.enqueue(t, Request{UserID: "u1", Title: "a", AppointmentRef: "PASS-1"})

	email := &recordingChannel{name: "email", fail: true}
	d := f.dispatcher(DispatcherConfig{MaxAttempts: 2, Backoff: time.Minute}, email)

	res, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 1, Failed: 1}, res)

	res, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed, "backoff must hold the item back")

	f.clock.Advance(2 * time.Minute)
	res, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 1, Abandoned: 1}, res)

	f.clock.Advance(time.Hour)
	res, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)
	assert.Equal(t, 2, email.count(id))

	items, err := f.store.ListNotifications(ctx, "PASS-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.False(t, items[0].Sent)
	assert.Equal(t, 2, items[0].Attempts)
	assert.NotNil(t, items[0].AbandonedAt)
	assert.Contains(t, items[0].LastError, "provider rejected token")
}

func TestDispatcherAbandonsUnknownContact(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, Request{UserID: "ghost", Title: "a", AppointmentRef: "PASS-9"})

	res, err := f.dispatcher(DispatcherConfig{}, &recordingChannel{name: "email"}).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 1, Abandoned: 1}, res)
}

func TestBackoffIsCapped(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, runtime.DiscardLogger(), nil, DispatcherConfig{Backoff: time.Minute, MaxBackoff: 5 * time.Minute})
	assert.Equal(t, time.Minute, d.backoff(1))
	assert.Equal(t, 2*time.Minute, d.backoff(2))
	assert.Equal(t, 4*time.Minute, d.backoff(3))
	assert.Equal(t, 5*time.Minute, d.backoff(4))
	assert.Equal(t, 5*time.Minute, d.backoff(40))
}

// crashingUoW fails MarkSent a set number of times, as if the process died
// after the channel accepted the message.
type crashingUoW struct {
	inner    storage.UnitOfWork
	failures   int
	doubleSent bool
}

func (c *crashingUoW) WithinTx(ctx context.Context, fn func(context.Context, storage.Tx) error) error {
	return c.inner.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return fn(ctx, crashingTx{Tx: tx, owner: c})
	})
}

type crashingTx struct {
	storage.Tx
	owner *crashingUoW
}

func (t crashingTx) Notifications() storage.NotificationStore {
	return crashingNotifications{NotificationStore: t.Tx.Notifications(), owner: t.owner}
}

type crashingNotifications struct {
	storage.NotificationStore
	owner *crashingUoW
}

func (n crashingNotifications) MarkSent(ctx context.Context, ids []string, at time.Time) (int, int, error) {
	if n.owner.failures > 0 {
		n.owner.failures--
		return 0, 0, errors.New("connection reset by peer")
	}
	marked, alreadySent, err := n.NotificationStore.MarkSent(ctx, ids, at)
	if n.owner.doubleSent && marked > 0 {
		marked--
		alreadySent++
	}
	return marked, alreadySent, err
}

func TestDispatcherCrashReplayIsAtLeastOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.enqueue(t, Request{UserID: "u1", Title: "a", AppointmentRef: "PASS-1"})

	email := &recordingChannel{name: "email"}
	uow := &crashingUoW{inner: f.store, failures: 1}
	d := NewDispatcher(uow, f.directory, []Channel{email}, runtime.DiscardLogger(), nil, DispatcherConfig{}).WithClock(f.clock.Now)

	_, err := d.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, email.count(id))

	items, err := f.store.ListNotifications(ctx, "PASS-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.False(t, items[0].Sent, "rolled back mark must leave the item pending")

	res, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed, "the item stays leased to the failed tick")
	assert.Equal(t, 1, email.count(id))

	f.clock.Advance(d.cfg.ClaimLease)
	res, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, email.count(id))

	res, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)
	assert.Equal(t, 2, email.count(id), "a sent item is never dispatched again")
}

func TestDispatcherAbortsWhenMarkSentDisagrees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, Request{UserID: "u1", Title: "a", AppointmentRef: "PASS-1"})

	uow := &crashingUoW{inner: f.store, doubleSent: true}
	d := NewDispatcher(uow, f.directory, []Channel{&recordingChannel{name: "email"}}, runtime.DiscardLogger(), nil, DispatcherConfig{}).WithClock(f.clock.Now)

	_, err := d.Tick(ctx)
	require.ErrorIs(t, err, model.ErrInvariantViolation)

	items, err := f.store.ListNotifications(ctx, "PASS-1")
	require.NoError(t, err)
	assert.False(t, items[0].Sent)
}

// gatedChannel blocks delivery until release is closed.
type gatedChannel struct {
	started chan string
	release chan struct{}
}

func (c *gatedChannel) Name() string { return "email" }

func (c *gatedChannel) Applicable(model.Contact) bool { return true }

func (c *gatedChannel) Deliver(ctx context.Context, _ model.Contact, n model.Notification) error {
	c.started <- n.ID
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDispatcherDeliversOutsideTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.enqueue(t, Request{UserID: "u1", Title: "a", AppointmentRef: "PASS-1"})

	ch := &gatedChannel{started: make(chan string, 1), release: make(chan struct{})}
	d := f.dispatcher(DispatcherConfig{SendTimeout: 5 * time.Second}, ch)

	type outcome struct {
		res Result
		err error
	}
	ticked := make(chan outcome, 1)
	go func() {
		res, err := d.Tick(ctx)
		ticked <- outcome{res, err}
	}()
	require.Equal(t, id, <-ch.started)

	retracted := make(chan int, 1)
	go func() {
		var n int
		err := f.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			var err error
			n, err = f.scheduler.Retract(ctx, tx.Notifications(), "PASS-1")
			return err
		})
		if err != nil {
			n = -1
		}
		retracted <- n
	}()

	select {
	case n := <-retracted:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		close(ch.release)
		t.Fatal("retract waited on an in-flight delivery")
	}

	close(ch.release)
	out := <-ticked
	require.NoError(t, out.err)
	assert.Equal(t, Result{Claimed: 1, Retracted: 1}, out.res)

	items, err := f.store.ListNotifications(ctx, "PASS-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDispatcherClaimLeaseDefaultsToBatchBudget(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(DispatcherConfig{BatchSize: 10, SendTimeout: time.Second}, &recordingChannel{name: "email"}, &recordingChannel{name: "push"})
	assert.Equal(t, 20*time.Second+time.Minute, d.cfg.ClaimLease)
}
