package repo

import (
	"context"

	"github.com/richardliu001/incident-command-service/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AddPendingEvent records a PENDING event for the aggregate. When the aggregate
// already has an event the insert is dropped and the first event stays.
func (r *Repository) AddPendingEvent(ctx context.Context, tx *gorm.DB, aggregateType, aggregateID, eventType string) error {
	evt := &model.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Status:        model.OutboxPending,
		CreatedAt:     r.now(),
	}
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "aggregate_id"}},
			DoNothing: true,
		}).
		Create(evt)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		r.log.Debugw("outbox event already recorded", "aggregate_id", aggregateID, "event_type", eventType)
	}
	return nil
}

// PollOutbox pulls pending events, oldest first.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", string(model.OutboxPending)).
		Order("created_at").
		Limit(limit).
		Find(&evts).Error
	return evts, err
}

// MarkOutboxSent flips a published event to SENT.
func (r *Repository) MarkOutboxSent(ctx context.Context, id string) error {
	now := r.now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, string(model.OutboxPending)).
		Updates(map[string]interface{}{"status": string(model.OutboxSent), "sent_at": &now}).Error
}
