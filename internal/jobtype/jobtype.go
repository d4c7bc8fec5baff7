// Package jobtype defines the JobTypeRegistry port: the boundary where the
// opaque JSON payloads the engine stores get parsed into (and serialized
// from) concrete per-job-type Go values, and where a job type can validate
// its own input, output, and continuation contract.
package jobtype

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rezkam/jobchain/internal/domain"
)

// ContinuationSpec is what a handler returns from Handle when it wants the
// chain to continue with another job, created atomically with its own
// completion. Nil means the chain ends with this job.
type ContinuationSpec struct {
	TypeName     string
	Input        json.RawMessage
	Schedule     domain.Schedule
	TraceContext json.RawMessage
}

// Registry resolves a job type name to the behavior needed to run and
// validate jobs of that type.
type Registry interface {
	// ValidateInput parses and validates raw as the input of typeName.
	// Returns a domain.JobTypeValidationError on failure.
	ValidateInput(typeName string, raw json.RawMessage) error

	// ValidateOutput parses and validates raw as the output of typeName.
	ValidateOutput(typeName string, raw json.RawMessage) error

	// Handle invokes the registered handler for typeName with the given raw
	// input and returns its raw output plus an optional continuation to
	// enqueue in the same completion transaction.
	Handle(ctx context.Context, typeName string, raw json.RawMessage) (json.RawMessage, *ContinuationSpec, error)

	// Has reports whether typeName is registered.
	Has(typeName string) bool

	// TypeNames lists every registered type name. Worker uses this to
	// default its acquireJob type filter to "everything this process knows
	// how to handle" when Config.TypeNames is left unset.
	TypeNames() []string
}

// ErrUnknownType is wrapped into a JobTypeValidationError when a job names
// a type the registry has no entry for.
var ErrUnknownType = fmt.Errorf("unknown job type")

// IdentityRegistry is the simplest Registry: it accepts any JSON for any
// type name it has a handler for, performing no schema validation. Useful
// for tests and ad hoc wiring.
type IdentityRegistry struct {
	handlers map[string]func(context.Context, json.RawMessage) (json.RawMessage, *ContinuationSpec, error)
}

// NewIdentityRegistry returns an empty IdentityRegistry.
func NewIdentityRegistry() *IdentityRegistry {
	return &IdentityRegistry{handlers: make(map[string]func(context.Context, json.RawMessage) (json.RawMessage, *ContinuationSpec, error))}
}

// RegisterFunc registers a raw-JSON handler under typeName.
func (r *IdentityRegistry) RegisterFunc(typeName string, fn func(context.Context, json.RawMessage) (json.RawMessage, *ContinuationSpec, error)) {
	r.handlers[typeName] = fn
}

func (r *IdentityRegistry) Has(typeName string) bool {
	_, ok := r.handlers[typeName]
	return ok
}

func (r *IdentityRegistry) ValidateInput(typeName string, raw json.RawMessage) error {
	if !r.Has(typeName) {
		return &domain.JobTypeValidationError{TypeName: typeName, Reason: "input", Err: ErrUnknownType}
	}
	return nil
}

func (r *IdentityRegistry) ValidateOutput(typeName string, raw json.RawMessage) error {
	if !r.Has(typeName) {
		return &domain.JobTypeValidationError{TypeName: typeName, Reason: "output", Err: ErrUnknownType}
	}
	return nil
}

func (r *IdentityRegistry) Handle(ctx context.Context, typeName string, raw json.RawMessage) (json.RawMessage, *ContinuationSpec, error) {
	fn, ok := r.handlers[typeName]
	if !ok {
		return nil, nil, &domain.JobTypeValidationError{TypeName: typeName, Reason: "handle", Err: ErrUnknownType}
	}
	return fn(ctx, raw)
}

func (r *IdentityRegistry) TypeNames() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

var _ Registry = (*IdentityRegistry)(nil)
