package jobtype

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/jobchain/internal/domain"
)

type greetInput struct {
	Name string `json:"name"`
}

func (in greetInput) Validate() error {
	if in.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

type greetOutput struct {
	Greeting string `json:"greeting"`
}

type greetTask struct {
	continueWith *Continue
	err          error
}

func (t greetTask) Handle(ctx context.Context, in greetInput) (greetOutput, *Continue, error) {
	if t.err != nil {
		return greetOutput{}, nil, t.err
	}
	return greetOutput{Greeting: "hello " + in.Name}, t.continueWith, nil
}

func TestTypedRegistry_HandleTerminal(t *testing.T) {
	r := NewTypedRegistry()
	Register[greetInput, greetOutput](r, "greet", greetTask{})

	out, cont, err := r.Handle(context.Background(), "greet", json.RawMessage(`{"name":"ada"}`))
	require.NoError(t, err)
	assert.Nil(t, cont)

	var decoded greetOutput
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "hello ada", decoded.Greeting)
}

func TestTypedRegistry_HandleWithContinuation(t *testing.T) {
	r := NewTypedRegistry()
	Register[greetInput, greetOutput](r, "greet", greetTask{
		continueWith: &Continue{TypeName: "farewell", Input: greetInput{Name: "ada"}},
	})

	_, cont, err := r.Handle(context.Background(), "greet", json.RawMessage(`{"name":"ada"}`))
	require.NoError(t, err)
	require.NotNil(t, cont)
	assert.Equal(t, "farewell", cont.TypeName)

	var decoded greetInput
	require.NoError(t, json.Unmarshal(cont.Input, &decoded))
	assert.Equal(t, "ada", decoded.Name)
}

func TestTypedRegistry_HandlePropagatesHandlerError(t *testing.T) {
	r := NewTypedRegistry()
	sentinel := fmt.Errorf("boom")
	Register[greetInput, greetOutput](r, "greet", greetTask{err: sentinel})

	_, cont, err := r.Handle(context.Background(), "greet", json.RawMessage(`{"name":"ada"}`))
	assert.ErrorIs(t, err, sentinel)
	assert.Nil(t, cont)
}

func TestTypedRegistry_HandleUnknownType(t *testing.T) {
	r := NewTypedRegistry()
	_, cont, err := r.Handle(context.Background(), "missing", json.RawMessage(`{}`))
	var validationErr *domain.JobTypeValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "missing", validationErr.TypeName)
	assert.Nil(t, cont)
}

func TestTypedRegistry_ValidateInputRunsValidator(t *testing.T) {
	r := NewTypedRegistry()
	Register[greetInput, greetOutput](r, "greet", greetTask{})

	err := r.ValidateInput("greet", json.RawMessage(`{"name":""}`))
	var validationErr *domain.JobTypeValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "input", validationErr.Reason)

	assert.NoError(t, r.ValidateInput("greet", json.RawMessage(`{"name":"ada"}`)))
}

func TestTypedRegistry_Has(t *testing.T) {
	r := NewTypedRegistry()
	assert.False(t, r.Has("greet"))
	Register[greetInput, greetOutput](r, "greet", greetTask{})
	assert.True(t, r.Has("greet"))
}
