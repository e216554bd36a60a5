package outbox

import (
	"context"
	"log/slog"
	"time"
)

type Publisher struct {
	store     Store
	sink      Sink
	logger    *slog.Logger
	pollEvery time.Duration
	batchSize int
}

type PublisherConfig struct {
	PollEvery time.Duration
	BatchSize int
}

func NewPublisher(store Store, sink Sink, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		store:     store,
		sink:      sink,
		logger:    logger,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	if p.sink == nil {
		p.logger.Warn("outbox publisher disabled (no event sink configured)")
		return
	}
	defer func() {
		if err := p.sink.Close(); err != nil {
			p.logger.Warn("outbox sink close failed", "sink", p.sink.Name(), "err", err)
		}
	}()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PublishBatch(ctx); err != nil {
				p.logger.Error("outbox publish failed", "sink", p.sink.Name(), "err", err)
			}
		}
	}
}

// PublishBatch publishes at most one batch and returns how many records were marked.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	n, err := p.store.ProcessPending(ctx, p.batchSize, p.sink.Publish)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Debug("outbox batch published", "sink", p.sink.Name(), "count", n)
	}
	return n, nil
}
