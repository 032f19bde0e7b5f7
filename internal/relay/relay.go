package relay

import (
	"context"
	"time"

	"github.com/richardliu001/incident-command-service/internal/model"
	"go.uber.org/zap"
)

// Source is the outbox side of the relay.
type Source interface {
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id string) error
}

// Publisher delivers one outbox event downstream.
type Publisher interface {
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
}

// Relay moves PENDING outbox events to the broker. Delivery is at-least-once:
// an event is marked SENT only after a successful publish, so a crash in
// between republishes it on the next pass.
type Relay struct {
	src      Source
	pub      Publisher
	log      *zap.SugaredLogger
	batch    int
	interval time.Duration
}

func New(src Source, pub Publisher, log *zap.SugaredLogger, batch int, interval time.Duration) *Relay {
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{src: src, pub: pub, log: log, batch: batch, interval: interval}
}

// RunOnce relays one batch and returns how many events were marked SENT.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.src.PollOutbox(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		if err := r.pub.PublishEvent(ctx, evt); err != nil {
			r.log.Errorw("publish outbox event failed",
				"id", evt.ID, "aggregate_id", evt.AggregateID, "event_type", evt.EventType, "error", err)
			continue
		}
		if err := r.src.MarkOutboxSent(ctx, evt.ID); err != nil {
			r.log.Errorw("outbox event published but not marked sent",
				"id", evt.ID, "aggregate_id", evt.AggregateID, "error", err)
			continue
		}
		sent++
		r.log.Infow("outbox event sent", "id", evt.ID, "aggregate_id", evt.AggregateID, "event_type", evt.EventType)
	}
	return sent, nil
}

// Run relays on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Infow("outbox relay started", "interval", r.interval, "batch", r.batch)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Errorw("poll outbox failed", "error", err)
			}
		}
	}
}
