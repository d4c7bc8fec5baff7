package jobtype

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rezkam/jobchain/internal/domain"
)

// Task is implemented by a job type's definition struct. No interface
// marker beyond this is required: a task is any type whose Handle method
// matches this shape, registered against a concrete Input/Output pair via
// Register. This mirrors the structurally-typed task-registration style
// used by Postgres-native Go job-queue packages in the wild — a task is a
// plain struct, not a registry-owned interface value. The optional
// *Continue return is the task's "continue with" decision: non-nil enqueues
// the next job in the chain inside the same completion transaction.
type Task[Input, Output any] interface {
	Handle(ctx context.Context, input Input) (Output, *Continue, error)
}

// Continue is what a Task.Handle returns to continue its chain with
// another job. Input is marshaled with encoding/json the same way
// CreateJob's own input is.
type Continue struct {
	TypeName     string
	Input        any
	Schedule     domain.Schedule
	TraceContext json.RawMessage
}

// Validator is optionally implemented by an Input or Output type to add
// schema checks beyond "does it unmarshal".
type Validator interface {
	Validate() error
}

// TypedRegistry is a Registry whose entries are added via the generic
// Register function, giving each job type compile-time-checked Input/Output
// types instead of registry-wide `any` handling.
type TypedRegistry struct {
	entries map[string]typedEntry
}

type typedEntry struct {
	validateInput  func(json.RawMessage) error
	validateOutput func(json.RawMessage) error
	handle         func(context.Context, json.RawMessage) (json.RawMessage, *ContinuationSpec, error)
}

// NewTypedRegistry returns an empty TypedRegistry.
func NewTypedRegistry() *TypedRegistry {
	return &TypedRegistry{entries: make(map[string]typedEntry)}
}

// Register adds typeName to r, backed by task for execution. Input and
// Output are (de)serialized via encoding/json; if either implements
// Validator, Validate is called after unmarshal.
func Register[Input, Output any](r *TypedRegistry, typeName string, task Task[Input, Output]) {
	r.entries[typeName] = typedEntry{
		validateInput: func(raw json.RawMessage) error {
			var in Input
			if err := json.Unmarshal(raw, &in); err != nil {
				return fmt.Errorf("unmarshal input: %w", err)
			}
			if v, ok := any(in).(Validator); ok {
				return v.Validate()
			}
			return nil
		},
		validateOutput: func(raw json.RawMessage) error {
			var out Output
			if err := json.Unmarshal(raw, &out); err != nil {
				return fmt.Errorf("unmarshal output: %w", err)
			}
			if v, ok := any(out).(Validator); ok {
				return v.Validate()
			}
			return nil
		},
		handle: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, *ContinuationSpec, error) {
			var in Input
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, nil, fmt.Errorf("unmarshal input: %w", err)
			}
			out, cont, err := task.Handle(ctx, in)
			if err != nil {
				return nil, nil, err
			}
			outRaw, err := json.Marshal(out)
			if err != nil {
				return nil, nil, fmt.Errorf("marshal output: %w", err)
			}
			if cont == nil {
				return outRaw, nil, nil
			}
			contInput, err := json.Marshal(cont.Input)
			if err != nil {
				return nil, nil, fmt.Errorf("marshal continuation input: %w", err)
			}
			return outRaw, &ContinuationSpec{
				TypeName:     cont.TypeName,
				Input:        contInput,
				Schedule:     cont.Schedule,
				TraceContext: cont.TraceContext,
			}, nil
		},
	}
}

func (r *TypedRegistry) Has(typeName string) bool {
	_, ok := r.entries[typeName]
	return ok
}

func (r *TypedRegistry) ValidateInput(typeName string, raw json.RawMessage) error {
	entry, ok := r.entries[typeName]
	if !ok {
		return &domain.JobTypeValidationError{TypeName: typeName, Reason: "input", Err: ErrUnknownType}
	}
	if err := entry.validateInput(raw); err != nil {
		return &domain.JobTypeValidationError{TypeName: typeName, Reason: "input", Err: err}
	}
	return nil
}

func (r *TypedRegistry) ValidateOutput(typeName string, raw json.RawMessage) error {
	entry, ok := r.entries[typeName]
	if !ok {
		return &domain.JobTypeValidationError{TypeName: typeName, Reason: "output", Err: ErrUnknownType}
	}
	if err := entry.validateOutput(raw); err != nil {
		return &domain.JobTypeValidationError{TypeName: typeName, Reason: "output", Err: err}
	}
	return nil
}

func (r *TypedRegistry) Handle(ctx context.Context, typeName string, raw json.RawMessage) (json.RawMessage, *ContinuationSpec, error) {
	entry, ok := r.entries[typeName]
	if !ok {
		return nil, nil, &domain.JobTypeValidationError{TypeName: typeName, Reason: "handle", Err: ErrUnknownType}
	}
	return entry.handle(ctx, raw)
}

func (r *TypedRegistry) TypeNames() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

var _ Registry = (*TypedRegistry)(nil)
