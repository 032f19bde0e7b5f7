package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/richardliu001/incident-command-service/internal/model"
	"github.com/richardliu001/incident-command-service/internal/payload"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrIdempotencyConflict means a key was reused for the same type and scope
	// with a different payload. Retrying cannot fix it.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different payload")
	ErrCommandNotFound     = errors.New("command not found")
	ErrInvalidTransition   = errors.New("invalid command status transition")
	// ErrScopeClaimed means another key already registered the one command its
	// type allows for the scope.
	ErrScopeClaimed = errors.New("scope already claimed by another command")
)

// IdempotencyConflictError carries the key and scope of a conflicting registration.
type IdempotencyConflictError struct {
	IdempotencyKey string
	Type           model.CommandType
	ScopeKey       string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q already used with a different payload (type=%s scope=%s)",
		e.IdempotencyKey, e.Type, e.ScopeKey)
}

func (e *IdempotencyConflictError) Unwrap() error { return ErrIdempotencyConflict }

// RegisterInput is one inbound command.
type RegisterInput struct {
	IdempotencyKey string
	Source         model.CommandSource
	Type           model.CommandType
	ScopeKey       string
	Payload        any
	// ExclusiveScope rejects the command when another key holds the scope.
	ExclusiveScope bool
}

// Registration tells the caller what to do with the command it submitted.
type Registration struct {
	CommandID      string
	Status         model.CommandStatus
	ShouldDispatch bool
	IsNew          bool
	// Version is the row version the decision was based on.
	Version uint64
	// HasKey is false when the caller sent no idempotency key and one was generated.
	HasKey  bool
	Payload json.RawMessage
}

// RegisterOrGet records the command or resolves it to the row already stored for
// the same key, type and scope. It runs in one transaction; when a concurrent
// caller wins the insert, the unique index rejects ours and the winner's row is
// read back instead.
func (r *Repository) RegisterOrGet(ctx context.Context, in RegisterInput) (*Registration, error) {
	key, hasKey := payload.NormalizeKey(in.IdempotencyKey)
	canonical, err := payload.Canonicalize(in.Payload)
	if err != nil {
		return nil, err
	}
	hashed := []byte(canonical)
	if !r.hashCanonical {
		if hashed, err = payload.Encode(in.Payload); err != nil {
			return nil, err
		}
	}
	hash := payload.Hash(hashed)
	now := r.now()

	var reg *Registration
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findCommand(tx, key, in.Type, in.ScopeKey)
		if err != nil {
			return err
		}
		if existing != nil {
			reg, err = fromExisting(existing, hash)
			return err
		}

		cmd := &model.Command{
			IdempotencyKey: key,
			Source:         in.Source,
			Type:           in.Type,
			ScopeKey:       in.ScopeKey,
			PayloadHash:    hash,
			Payload:        datatypes.JSON(canonical),
			Status:         model.CommandReceived,
			ExpiresAt:      now.Add(r.ttl),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		// savepoint: postgres aborts the whole transaction on a failed statement
		insertErr := tx.Transaction(func(sp *gorm.DB) error {
			if err := sp.Create(cmd).Error; err != nil {
				return err
			}
			if !in.ExclusiveScope {
				return nil
			}
			return claimScope(sp, cmd)
		})
		if errors.Is(insertErr, ErrScopeClaimed) {
			return insertErr
		}
		if insertErr == nil {
			reg = &Registration{
				CommandID:      cmd.ID,
				Status:         model.CommandReceived,
				ShouldDispatch: true,
				IsNew:          true,
			}
			return nil
		}
		if !isUniqueViolation(insertErr) {
			return insertErr
		}

		r.log.Infow("command registration lost insert race, re-reading",
			"idempotency_key", key, "type", in.Type, "scope_key", in.ScopeKey)
		existing, err = findCommand(tx, key, in.Type, in.ScopeKey)
		if err != nil {
			return err
		}
		if existing == nil {
			return insertErr
		}
		reg, err = fromExisting(existing, hash)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("register command: %w", err)
	}
	reg.HasKey = hasKey
	reg.Payload = canonical
	return reg, nil
}

func claimScope(tx *gorm.DB, cmd *model.Command) error {
	err := tx.Create(&model.CommandScopeClaim{
		Type:      cmd.Type,
		ScopeKey:  cmd.ScopeKey,
		CommandID: cmd.ID,
	}).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: type=%s scope=%s", ErrScopeClaimed, cmd.Type, cmd.ScopeKey)
	}
	return err
}

func findCommand(tx *gorm.DB, key string, typ model.CommandType, scopeKey string) (*model.Command, error) {
	var cmd model.Command
	err := tx.Select("id", "idempotency_key", "type", "scope_key", "status", "payload_hash", "version").
		Where("idempotency_key = ? AND type = ? AND scope_key = ?", key, string(typ), scopeKey).
		Take(&cmd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

func fromExisting(cmd *model.Command, hash string) (*Registration, error) {
	if cmd.PayloadHash != hash {
		return nil, &IdempotencyConflictError{
			IdempotencyKey: cmd.IdempotencyKey,
			Type:           cmd.Type,
			ScopeKey:       cmd.ScopeKey,
		}
	}
	return &Registration{
		CommandID:      cmd.ID,
		Status:         cmd.Status,
		ShouldDispatch: cmd.Status.Dispatchable(),
		IsNew:          false,
		Version:        cmd.Version,
	}, nil
}

// MarkAsEnqueued moves a RECEIVED or FAILED command to ENQUEUED, provided the row
// is still at seenVersion. A worker that already wrote back in the meantime wins:
// the row is left alone and its current status is returned.
func (r *Repository) MarkAsEnqueued(ctx context.Context, tx *gorm.DB, commandID string, seenVersion uint64) (model.CommandStatus, error) {
	res := tx.WithContext(ctx).
		Model(&model.Command{}).
		Where("id = ? AND version = ? AND status IN ?", commandID, seenVersion,
			[]string{string(model.CommandReceived), string(model.CommandFailed)}).
		Updates(map[string]interface{}{
			"status":     string(model.CommandEnqueued),
			"version":    seenVersion + 1,
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected > 0 {
		return model.CommandEnqueued, nil
	}
	var cmd model.Command
	err := tx.WithContext(ctx).Select("id", "status", "version").Where("id = ?", commandID).Take(&cmd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrCommandNotFound
	}
	if err != nil {
		return "", err
	}
	r.log.Debugw("command moved before enqueue bookkeeping",
		"command_id", commandID, "status", cmd.Status, "seen_version", seenVersion, "version", cmd.Version)
	return cmd.Status, nil
}

// MarkSucceeded stores the worker result.
func (r *Repository) MarkSucceeded(ctx context.Context, commandID string, result any) (*model.Command, error) {
	var encoded datatypes.JSON
	if result != nil {
		b, err := payload.Encode(result)
		if err != nil {
			return nil, err
		}
		encoded = datatypes.JSON(b)
	}
	return r.finish(ctx, commandID, map[string]interface{}{
		"status":        string(model.CommandSucceeded),
		"result":        encoded,
		"error_message": nil,
	})
}

// MarkFailed stores the worker error. The command becomes dispatchable again.
// A FAILED command may fail again: a retried job can finish before the retry's
// enqueue bookkeeping.
func (r *Repository) MarkFailed(ctx context.Context, commandID, message string) (*model.Command, error) {
	return r.finish(ctx, commandID, map[string]interface{}{
		"status":        string(model.CommandFailed),
		"error_message": message,
	})
}

func (r *Repository) finish(ctx context.Context, commandID string, fields map[string]interface{}) (*model.Command, error) {
	now := r.now()
	fields["processed_at"] = now
	fields["updated_at"] = now
	fields["version"] = gorm.Expr("version + 1")

	var cmd model.Command
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", commandID).Take(&cmd).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCommandNotFound
			}
			return err
		}
		res := tx.Model(&model.Command{}).
			Where("id = ? AND status IN ?", commandID, []string{
				string(model.CommandReceived),
				string(model.CommandEnqueued),
				string(model.CommandFailed),
			}).
			Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s -> %v", ErrInvalidTransition, cmd.Status, fields["status"])
		}
		return tx.Where("id = ?", commandID).Take(&cmd).Error
	})
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// FindByCommandID returns the status projection of one command.
func (r *Repository) FindByCommandID(ctx context.Context, commandID string) (*model.CommandStatusView, error) {
	var cmd model.Command
	err := r.db.WithContext(ctx).
		Select("id", "status", "result", "error_message", "processed_at").
		Where("id = ?", commandID).
		Take(&cmd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model.CommandStatusView{
		CommandID:    cmd.ID,
		Status:       cmd.Status,
		Result:       cmd.Result,
		ErrorMessage: cmd.ErrorMessage,
		ProcessedAt:  cmd.ProcessedAt,
	}, nil
}
