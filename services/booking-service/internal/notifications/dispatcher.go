package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	otelx "github.com/md-rashed-zaman/citizenbook/libs/otel"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/contacts"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Channel delivers a notification to one kind of endpoint (email, push).
type Channel interface {
	Name() string
	Applicable(contact model.Contact) bool
	Deliver(ctx context.Context, contact model.Contact, n model.Notification) error
}

var errNoChannel = errors.New("no applicable delivery channel")

type DispatcherConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	SendTimeout time.Duration
	// ClaimLease is how long a claimed item stays hidden from other ticks
	// while it is being delivered.
	ClaimLease time.Duration
}

// Result summarises one tick.
type Result struct {
	Claimed   int
	Sent      int
	Failed    int
	Abandoned int
	// Retracted counts delivered items whose row was removed before the
	// outcome was recorded.
	Retracted int
}

type Dispatcher struct {
	uow      storage.UnitOfWork
	contacts contacts.Directory
	channels []Channel
	logger   *slog.Logger
	metrics  *metrics.BookingMetrics
	tracer   trace.Tracer
	cfg      DispatcherConfig
	now      func() time.Time
}

func NewDispatcher(uow storage.UnitOfWork, dir contacts.Directory, channels []Channel, logger *slog.Logger, m *metrics.BookingMetrics, cfg DispatcherConfig) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Minute
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = time.Hour
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.ClaimLease <= 0 {
		perItem := time.Duration(max(len(channels), 1)) * cfg.SendTimeout
		cfg.ClaimLease = time.Duration(cfg.BatchSize)*perItem + time.Minute
	}
	return &Dispatcher{
		uow:      uow,
		contacts: dir,
		channels: channels,
		logger:   logger,
		metrics:  m,
		tracer:   otelx.Tracer("booking-service/notifications"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Run ticks every cfg.Interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := d.Tick(ctx)
			if err != nil {
				d.logger.Error("notification dispatch failed", "err", err)
				continue
			}
			if res.Claimed > 0 {
				d.logger.Info("notification dispatch",
					"claimed", res.Claimed,
					"sent", res.Sent,
					"failed", res.Failed,
					"abandoned", res.Abandoned,
					"retracted", res.Retracted,
				)
			}
		}
	}
}

// Tick leases due items in a short transaction, delivers them with no
// transaction open and records the outcomes in a second one. Delivery happens
// before the sent flag is persisted, so a crash or abort in between means the
// item is sent again once its lease expires.
func (d *Dispatcher) Tick(ctx context.Context) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "notifications.dispatch")
	defer span.End()

	res, err := d.tick(ctx)

	d.metrics.ObserveDispatchBatch(res.Claimed)
	span.SetAttributes(
		attribute.Int("notifications.claimed", res.Claimed),
		attribute.Int("notifications.sent", res.Sent),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	return res, nil
}

func (d *Dispatcher) tick(ctx context.Context) (Result, error) {
	var res Result
	now := d.now().UTC()

	var items []model.Notification
	err := d.uow.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		items, err = tx.Notifications().ClaimDue(ctx, now, d.cfg.BatchSize, now.Add(d.cfg.ClaimLease))
		if err != nil {
			return fmt.Errorf("claim due notifications: %w", err)
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Claimed = len(items)
	if len(items) == 0 {
		return res, nil
	}

	var (
		sent     []string
		failures []model.DeliveryFailure
		causes   = map[string]error{}
	)
	for _, n := range items {
		permanent, err := d.deliver(ctx, n)
		if err == nil {
			sent = append(sent, n.ID)
			continue
		}
		f := d.failure(n, err, permanent, now)
		failures = append(failures, f)
		causes[f.ID] = err
	}

	// Outcomes are written even when ctx was cancelled mid-batch; losing them
	// would resend items that were delivered.
	outCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	defer cancel()
	err = d.uow.WithinTx(outCtx, func(ctx context.Context, tx storage.Tx) error {
		for _, f := range failures {
			if err := tx.Notifications().RecordFailure(ctx, f, now); err != nil {
				return fmt.Errorf("record failure for %s: %w", f.ID, err)
			}
		}
		if len(sent) == 0 {
			return nil
		}
		marked, alreadySent, err := tx.Notifications().MarkSent(ctx, sent, now)
		if err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
		if alreadySent > 0 {
			d.logger.Error("notification invariant violated: item already marked sent",
				"expected", len(sent),
				"already_sent", alreadySent,
			)
			return fmt.Errorf("mark sent found %d of %d rows already sent: %w", alreadySent, len(sent), model.ErrInvariantViolation)
		}
		res.Sent = marked
		res.Retracted = len(sent) - marked
		return nil
	})
	if err != nil {
		return Result{Claimed: res.Claimed}, err
	}

	for _, f := range failures {
		if !f.Abandon {
			res.Failed++
			continue
		}
		res.Abandoned++
		d.metrics.IncAbandoned()
		d.logger.Warn("notification abandoned",
			"notification_id", f.ID,
			"attempts", f.Attempts,
			"err", causes[f.ID],
		)
	}
	if res.Retracted > 0 {
		d.logger.Info("delivered notifications were retracted before being marked sent",
			"count", res.Retracted,
		)
	}
	return res, nil
}

// deliver sends n through every applicable channel. One channel failing does
// not stop the others; the item counts as delivered when any channel accepts it.
// permanent is true when retrying cannot help.
func (d *Dispatcher) deliver(ctx context.Context, n model.Notification) (permanent bool, err error) {
	contact, err := d.contacts.Contact(ctx, n.UserID)
	if errors.Is(err, model.ErrContactNotFound) {
		return true, err
	}
	if err != nil {
		return false, fmt.Errorf("lookup contact: %w", err)
	}

	var (
		applicable int
		delivered  int
		errs       []error
	)
	for _, ch := range d.channels {
		if !ch.Applicable(contact) {
			continue
		}
		applicable++
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := ch.Deliver(sendCtx, contact, n)
		cancel()
		d.metrics.ObserveDelivery(ch.Name(), err == nil)
		if err != nil {
			d.logger.Warn("channel delivery failed",
				"channel", ch.Name(),
				"notification_id", n.ID,
				"user_id", n.UserID,
				"err", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		delivered++
	}
	if applicable == 0 {
		return true, errNoChannel
	}
	if delivered > 0 {
		return false, nil
	}
	return false, errors.Join(errs...)
}

func (d *Dispatcher) failure(n model.Notification, err error, permanent bool, now time.Time) model.DeliveryFailure {
	attempts := n.Attempts + 1
	return model.DeliveryFailure{
		ID:            n.ID,
		Attempts:      attempts,
		LastError:     truncate(err.Error(), 500),
		NextAttemptAt: now.Add(d.backoff(attempts)),
		Abandon:       permanent || attempts >= d.cfg.MaxAttempts,
	}
}

// backoff doubles per attempt, capped at MaxBackoff.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.Backoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return delay
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
