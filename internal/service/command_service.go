package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/richardliu001/incident-command-service/internal/model"
	"github.com/richardliu001/incident-command-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrDuplicateCommand is returned when a command type that only runs once is
	// submitted again with the key it was registered under.
	ErrDuplicateCommand        = errors.New("duplicate command")
	ErrOccurrenceAlreadyExists = errors.New("occurrence already exists")
	ErrOccurrenceNotFound      = repo.ErrOccurrenceNotFound
	ErrCommandNotFound         = repo.ErrCommandNotFound
)

// DuplicateCommandError points the caller at the command already registered.
type DuplicateCommandError struct {
	CommandID string
	Status    model.CommandStatus
}

func (e *DuplicateCommandError) Error() string {
	return fmt.Sprintf("duplicate command: request already processed (command_id: %s)", e.CommandID)
}

func (e *DuplicateCommandError) Unwrap() error { return ErrDuplicateCommand }

// Enqueuer hands a command to the asynchronous worker. Implementations must use
// the command id as message identity so a repeated enqueue is recognizable.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.Job) error
}

// ListCache is the read-through cache in front of the occurrence listing.
type ListCache interface {
	Get(ctx context.Context, f model.OccurrenceFilter) (*model.OccurrenceList, bool)
	Put(ctx context.Context, f model.OccurrenceFilter, list *model.OccurrenceList)
	Bump(ctx context.Context)
}

// Submission is one command as received from a caller.
type Submission struct {
	IdempotencyKey string
	Source         model.CommandSource
	Type           model.CommandType
	ScopeKey       string
	Payload        any
}

// AcceptedCommand is returned to the caller once a command is registered.
type AcceptedCommand struct {
	CommandID string              `json:"command_id"`
	Status    model.CommandStatus `json:"status"`
}

// CommandService glues the command inbox, the worker queue and the outbox.
type CommandService struct {
	repo  repo.RepositoryInterface
	queue Enqueuer
	cache ListCache
	log   *zap.SugaredLogger
}

// NewCommandService returns CommandService. It fails when a command type has no
// catalogue entry, so a missing mapping stops the process at startup.
func NewCommandService(r repo.RepositoryInterface, q Enqueuer, cache ListCache, logger *zap.SugaredLogger) (*CommandService, error) {
	if err := model.ValidateCatalogue(model.CommandTypes...); err != nil {
		return nil, fmt.Errorf("command catalogue: %w", err)
	}
	return &CommandService{repo: r, queue: q, cache: cache, log: logger}, nil
}

// Submit registers the command and, when it is dispatchable, runs the hand-off:
// enqueue for the worker, then mark it ENQUEUED and record its outbox event in
// one transaction. Every step tolerates being repeated, so a request that fails
// half-way can simply be retried.
func (s *CommandService) Submit(ctx context.Context, sub Submission) (*AcceptedCommand, error) {
	spec, err := sub.Type.Spec()
	if err != nil {
		return nil, err
	}

	reg, err := s.repo.RegisterOrGet(ctx, repo.RegisterInput{
		IdempotencyKey: sub.IdempotencyKey,
		Source:         sub.Source,
		Type:           sub.Type,
		ScopeKey:       sub.ScopeKey,
		Payload:        sub.Payload,
		ExclusiveScope: spec.ExclusiveScope,
	})
	if err != nil {
		return nil, err
	}
	if !reg.HasKey {
		s.log.Debugw("command submitted without idempotency key", "command_id", reg.CommandID, "type", sub.Type)
	}

	// creation commands replay as a conflict, except a failed one which is retried
	if !reg.IsNew && spec.RejectDuplicates && reg.Status != model.CommandFailed {
		return nil, &DuplicateCommandError{CommandID: reg.CommandID, Status: reg.Status}
	}
	if !reg.ShouldDispatch {
		return &AcceptedCommand{CommandID: reg.CommandID, Status: reg.Status}, nil
	}

	job := model.Job{
		CommandID: reg.CommandID,
		Type:      sub.Type,
		Source:    sub.Source,
		ScopeKey:  sub.ScopeKey,
		Payload:   datatypes.JSON(reg.Payload),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue command %s: %w", reg.CommandID, err)
	}

	// a fast worker may already have written back; status then reports its outcome
	var status model.CommandStatus
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if status, err = s.repo.MarkAsEnqueued(ctx, tx, reg.CommandID, reg.Version); err != nil {
			return err
		}
		return s.repo.AddPendingEvent(ctx, tx, spec.AggregateType, reg.CommandID, spec.EventType)
	})
	if err != nil {
		// the job is already queued; a retry re-enqueues under the same message id
		s.log.Errorw("command enqueued but bookkeeping failed",
			"command_id", reg.CommandID, "type", sub.Type, "error", err)
		return nil, fmt.Errorf("mark command %s enqueued: %w", reg.CommandID, err)
	}

	s.log.Infow("command accepted",
		"command_id", reg.CommandID, "type", sub.Type, "scope_key", sub.ScopeKey, "new", reg.IsNew, "status", status)
	return &AcceptedCommand{CommandID: reg.CommandID, Status: status}, nil
}

// CreateOccurrenceInput is the payload of a create_occurrence command.
type CreateOccurrenceInput struct {
	ExternalID  string
	Type        string
	Description string
	ReportedAt  string
}

// CreateOccurrence asks the worker to create an occurrence for an external id.
func (s *CommandService) CreateOccurrence(ctx context.Context, in CreateOccurrenceInput, key string, source model.CommandSource) (*AcceptedCommand, error) {
	exists, err := s.repo.OccurrenceExistsByExternalID(ctx, in.ExternalID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: external_id %s", ErrOccurrenceAlreadyExists, in.ExternalID)
	}

	// the scope claim taken at registration rejects a creation already requested
	// under another key, including a concurrent one
	accepted, err := s.Submit(ctx, Submission{
		IdempotencyKey: key,
		Source:         source,
		Type:           model.CreateOccurrence,
		ScopeKey:       in.ExternalID,
		Payload: map[string]any{
			"externalId":  in.ExternalID,
			"type":        in.Type,
			"description": in.Description,
			"reportedAt":  in.ReportedAt,
		},
	})
	if errors.Is(err, repo.ErrScopeClaimed) {
		return nil, fmt.Errorf("%w: external_id %s", ErrOccurrenceAlreadyExists, in.ExternalID)
	}
	return accepted, err
}

func (s *CommandService) StartOccurrence(ctx context.Context, occurrenceID, key string, source model.CommandSource) (*AcceptedCommand, error) {
	return s.occurrenceCommand(ctx, model.StartOccurrence, occurrenceID, key, source)
}

func (s *CommandService) ResolveOccurrence(ctx context.Context, occurrenceID, key string, source model.CommandSource) (*AcceptedCommand, error) {
	return s.occurrenceCommand(ctx, model.ResolveOccurrence, occurrenceID, key, source)
}

func (s *CommandService) occurrenceCommand(ctx context.Context, typ model.CommandType, occurrenceID, key string, source model.CommandSource) (*AcceptedCommand, error) {
	if _, err := s.repo.FindOccurrence(ctx, occurrenceID); err != nil {
		return nil, err
	}
	return s.Submit(ctx, Submission{
		IdempotencyKey: key,
		Source:         source,
		Type:           typ,
		ScopeKey:       occurrenceID,
		Payload:        map[string]any{"occurrenceId": occurrenceID},
	})
}

// CreateDispatch asks the worker to open a dispatch of resourceCode for an occurrence.
func (s *CommandService) CreateDispatch(ctx context.Context, occurrenceID, resourceCode, key string, source model.CommandSource) (*AcceptedCommand, error) {
	if _, err := s.repo.FindOccurrence(ctx, occurrenceID); err != nil {
		return nil, err
	}
	return s.Submit(ctx, Submission{
		IdempotencyKey: key,
		Source:         source,
		Type:           model.CreateDispatch,
		ScopeKey:       occurrenceID,
		Payload: map[string]any{
			"occurrenceId": occurrenceID,
			"resourceCode": resourceCode,
		},
	})
}

func (s *CommandService) CloseDispatch(ctx context.Context, dispatchID, key string, source model.CommandSource) (*AcceptedCommand, error) {
	return s.Submit(ctx, Submission{
		IdempotencyKey: key,
		Source:         source,
		Type:           model.CloseDispatch,
		ScopeKey:       dispatchID,
		Payload:        map[string]any{"dispatchId": dispatchID},
	})
}

func (s *CommandService) UpdateDispatchStatus(ctx context.Context, dispatchID, statusCode, key string, source model.CommandSource) (*AcceptedCommand, error) {
	return s.Submit(ctx, Submission{
		IdempotencyKey: key,
		Source:         source,
		Type:           model.UpdateDispatchStatus,
		ScopeKey:       dispatchID,
		Payload: map[string]any{
			"dispatchId": dispatchID,
			"statusCode": statusCode,
		},
	})
}

// GetCommandStatus returns the current state of a command.
func (s *CommandService) GetCommandStatus(ctx context.Context, commandID string) (*model.CommandStatusView, error) {
	return s.repo.FindByCommandID(ctx, commandID)
}

// CompleteCommand records the worker result. Occurrence commands change the
// listing, so the list cache is invalidated.
func (s *CommandService) CompleteCommand(ctx context.Context, commandID string, result any) error {
	cmd, err := s.repo.MarkSucceeded(ctx, commandID, result)
	if err != nil {
		return err
	}
	spec, err := cmd.Type.Spec()
	if err != nil {
		return err
	}
	if spec.AggregateType == model.AggregateOccurrenceCommand && s.cache != nil {
		s.cache.Bump(ctx)
	}
	return nil
}

// FailCommand records a worker failure; the command can be retried with its key.
func (s *CommandService) FailCommand(ctx context.Context, commandID, message string) error {
	_, err := s.repo.MarkFailed(ctx, commandID, message)
	return err
}

// ListOccurrences reads one page through the cache.
func (s *CommandService) ListOccurrences(ctx context.Context, f model.OccurrenceFilter) (*model.OccurrenceList, error) {
	f = f.Normalize()
	if s.cache != nil {
		if list, ok := s.cache.Get(ctx, f); ok {
			return list, nil
		}
	}
	list, err := s.repo.ListOccurrences(ctx, f)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Put(ctx, f, list)
	}
	return list, nil
}
