package repo

import (
	"context"
	"errors"

	"github.com/richardliu001/incident-command-service/internal/model"
	"gorm.io/gorm"
)

// ErrOccurrenceNotFound is returned by FindOccurrence.
var ErrOccurrenceNotFound = errors.New("occurrence not found")

func (r *Repository) FindOccurrence(ctx context.Context, id string) (*model.Occurrence, error) {
	var o model.Occurrence
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOccurrenceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repository) OccurrenceExistsByExternalID(ctx context.Context, externalID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Occurrence{}).
		Where("external_id = ?", externalID).
		Count(&count).Error
	return count > 0, err
}

// ListOccurrences returns one page, newest reported first.
func (r *Repository) ListOccurrences(ctx context.Context, f model.OccurrenceFilter) (*model.OccurrenceList, error) {
	f = f.Normalize()
	filtered := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&model.Occurrence{})
		if f.Status != "" {
			q = q.Where("status = ?", f.Status)
		}
		if f.Type != "" {
			q = q.Where("type = ?", f.Type)
		}
		return q
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, err
	}
	list := &model.OccurrenceList{Data: []model.Occurrence{}, Total: total, Page: f.Page, Limit: f.Limit}
	if total == 0 {
		return list, nil
	}
	err := filtered().Order("reported_at desc").Order("id").
		Offset((f.Page - 1) * f.Limit).
		Limit(f.Limit).
		Find(&list.Data).Error
	if err != nil {
		return nil, err
	}
	return list, nil
}
