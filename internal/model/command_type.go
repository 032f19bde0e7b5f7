package model

import (
	"errors"
	"fmt"
)

// ErrUnsupportedCommandType is returned for a type missing from the catalogue.
var ErrUnsupportedCommandType = errors.New("unsupported command type")

type CommandType string

const (
	CreateOccurrence     CommandType = "create_occurrence"
	StartOccurrence      CommandType = "start_occurrence"
	ResolveOccurrence    CommandType = "resolve_occurrence"
	CreateDispatch       CommandType = "create_dispatch"
	CloseDispatch        CommandType = "close_dispatch"
	UpdateDispatchStatus CommandType = "update_dispatch_status"
)

const (
	AggregateOccurrenceCommand = "OccurrenceCommand"
	AggregateDispatchCommand   = "DispatchCommand"
)

// CommandTypes lists every command the service accepts.
var CommandTypes = []CommandType{
	CreateOccurrence,
	StartOccurrence,
	ResolveOccurrence,
	CreateDispatch,
	CloseDispatch,
	UpdateDispatchStatus,
}

// CommandSpec is the per-type metadata used when a command is accepted.
type CommandSpec struct {
	AggregateType string
	EventType     string
	// RejectDuplicates makes a re-submission of an already registered command
	// a DuplicateCommand error instead of a replay of the stored status.
	RejectDuplicates bool
	// ExclusiveScope allows a single command of this type per scope key.
	ExclusiveScope bool
}

var catalogue = map[CommandType]CommandSpec{
	CreateOccurrence: {
		AggregateType:    AggregateOccurrenceCommand,
		EventType:        "OccurrenceCreateRequested",
		RejectDuplicates: true,
		ExclusiveScope:   true,
	},
	StartOccurrence:   {AggregateType: AggregateOccurrenceCommand, EventType: "OccurrenceStartRequested"},
	ResolveOccurrence: {AggregateType: AggregateOccurrenceCommand, EventType: "OccurrenceResolvedRequested"},
	CreateDispatch: {
		AggregateType:    AggregateDispatchCommand,
		EventType:        "DispatchCreateRequested",
		RejectDuplicates: true,
	},
	CloseDispatch:        {AggregateType: AggregateDispatchCommand, EventType: "DispatchCloseRequested"},
	UpdateDispatchStatus: {AggregateType: AggregateDispatchCommand, EventType: "DispatchStatusUpdateRequested"},
}

// Spec resolves the catalogue entry for t.
func (t CommandType) Spec() (CommandSpec, error) {
	spec, ok := catalogue[t]
	if !ok {
		return CommandSpec{}, fmt.Errorf("%w: %q", ErrUnsupportedCommandType, string(t))
	}
	return spec, nil
}

// ValidateCatalogue checks that every type in types has an entry.
func ValidateCatalogue(types ...CommandType) error {
	for _, t := range types {
		if _, err := t.Spec(); err != nil {
			return err
		}
	}
	return nil
}
