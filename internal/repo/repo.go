package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/richardliu001/incident-command-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RepositoryInterface restricts Repo methods so the service can be tested with fakes.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	RegisterOrGet(ctx context.Context, in RegisterInput) (*Registration, error)
	MarkAsEnqueued(ctx context.Context, tx *gorm.DB, commandID string, seenVersion uint64) (model.CommandStatus, error)
	MarkSucceeded(ctx context.Context, commandID string, result any) (*model.Command, error)
	MarkFailed(ctx context.Context, commandID, message string) (*model.Command, error)
	FindByCommandID(ctx context.Context, commandID string) (*model.CommandStatusView, error)
	AddPendingEvent(ctx context.Context, tx *gorm.DB, aggregateType, aggregateID, eventType string) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id string) error
	FindOccurrence(ctx context.Context, id string) (*model.Occurrence, error)
	OccurrenceExistsByExternalID(ctx context.Context, externalID string) (bool, error)
	ListOccurrences(ctx context.Context, f model.OccurrenceFilter) (*model.OccurrenceList, error)
}

var _ RepositoryInterface = (*Repository)(nil)

// Repository implements RepositoryInterface on top of gorm.
type Repository struct {
	db            *gorm.DB
	log           *zap.SugaredLogger
	ttl           time.Duration
	hashCanonical bool
	now           func() time.Time
}

// Option customizes a Repository.
type Option func(*Repository)

// WithTTL sets how long inbox rows are considered live (expires_at = now + ttl).
func WithTTL(ttl time.Duration) Option {
	return func(r *Repository) { r.ttl = ttl }
}

// WithCanonicalHash hashes the canonical payload instead of the payload as received.
func WithCanonicalHash(enabled bool) Option {
	return func(r *Repository) { r.hashCanonical = enabled }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, logger *zap.SugaredLogger, opts ...Option) *Repository {
	r := &Repository{
		db:  db,
		log: logger,
		ttl: 24 * time.Hour,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// AutoMigrate creates or updates the tables owned by this repository.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Command{}, &model.CommandScopeClaim{}, &model.OutboxEvent{}, &model.Occurrence{})
}

// isUniqueViolation recognizes a rejected insert across the drivers we run on.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
