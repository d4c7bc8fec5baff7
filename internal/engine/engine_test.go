package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/jobchain/internal/domain"
	"github.com/rezkam/jobchain/internal/jobtype"
	"github.com/rezkam/jobchain/internal/notify/inprocess"
	"github.com/rezkam/jobchain/internal/observability"
	"github.com/rezkam/jobchain/internal/stateadapter"
	"github.com/rezkam/jobchain/internal/stateadapter/memstate"
)

func newTestEngine() *Engine {
	return New(memstate.New(), inprocess.New(), observability.NoOp(), jobtype.NewIdentityRegistry())
}

func TestCreateJob_NewChainBuffersScheduled(t *testing.T) {
	e := newTestEngine()
	ctx := WithNotify(context.Background())

	job, err := e.CreateJob(ctx, nil, CreateJobInput{TypeName: "t", Input: map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, job.ID, job.RootChainID)

	buf := bufferFromContext(ctx)
	require.NotNil(t, buf)
	assert.Equal(t, 1, buf.scheduled["t"])
}

func TestCreateJob_RejectsInvalidInputForKnownType(t *testing.T) {
	e := New(memstate.New(), inprocess.New(), observability.NoOp(), rejectingRegistry{typeName: "t"})

	_, err := e.CreateJob(context.Background(), nil, CreateJobInput{TypeName: "t", Input: map[string]any{}})
	var validationErr *domain.JobTypeValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "input", validationErr.Reason)
}

// rejectingRegistry is a minimal jobtype.Registry that always rejects input
// validation for its one known type, used to exercise CreateJob's
// validate-before-persist path without a real job-type handler.
type rejectingRegistry struct {
	typeName string
}

func (r rejectingRegistry) Has(typeName string) bool { return typeName == r.typeName }
func (r rejectingRegistry) ValidateInput(typeName string, raw json.RawMessage) error {
	return &domain.JobTypeValidationError{TypeName: typeName, Reason: "input", Err: jobtype.ErrUnknownType}
}
func (r rejectingRegistry) ValidateOutput(typeName string, raw json.RawMessage) error { return nil }
func (r rejectingRegistry) Handle(ctx context.Context, typeName string, raw json.RawMessage) (json.RawMessage, *jobtype.ContinuationSpec, error) {
	return raw, nil, nil
}
func (r rejectingRegistry) TypeNames() []string { return []string{r.typeName} }

func TestFinishJob_TerminalBuffersChainCompleted(t *testing.T) {
	e := newTestEngine()

	ctx := WithNotify(context.Background())
	job, err := e.CreateJob(ctx, nil, CreateJobInput{TypeName: "t", Input: map[string]any{}})
	require.NoError(t, err)

	completed, continued, err := e.FinishJob(ctx, nil, job.ID, map[string]any{"ok": true}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, continued)
	assert.Equal(t, domain.JobStatusCompleted, completed.Status)

	buf := bufferFromContext(ctx)
	require.NotNil(t, buf)
	require.Len(t, buf.completed, 1)
	assert.Equal(t, job.RootChainID, buf.completed[0].RootChainID)
}

func TestFinishJob_WithContinuationDoesNotBufferChainCompleted(t *testing.T) {
	e := newTestEngine()
	ctx := WithNotify(context.Background())

	job, err := e.CreateJob(ctx, nil, CreateJobInput{TypeName: "t", Input: map[string]any{}})
	require.NoError(t, err)

	completed, continued, err := e.FinishJob(ctx, nil, job.ID, map[string]any{"ok": true}, &ContinuationInput{
		TypeName: "next", Input: map[string]any{"x": 1},
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, continued)
	assert.Equal(t, completed.RootChainID, continued.RootChainID)

	buf := bufferFromContext(ctx)
	require.NotNil(t, buf)
	assert.Empty(t, buf.completed)
	assert.Equal(t, 1, buf.scheduled["next"])
}

func TestAddJobBlockers_ThenScheduleBlockedJobs(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	blocker, err := e.CreateJob(ctx, nil, CreateJobInput{TypeName: "upstream", Input: map[string]any{}})
	require.NoError(t, err)
	waiter, err := e.CreateJob(ctx, nil, CreateJobInput{TypeName: "report", Input: map[string]any{}})
	require.NoError(t, err)

	require.NoError(t, e.AddJobBlockers(ctx, nil, waiter.ID, []string{blocker.RootChainID}, nil))

	// Complete the blocker directly on the state adapter: FinishJob would run
	// ScheduleBlockedJobs itself and leave nothing for the call under test.
	_, _, err = e.State.CompleteJob(ctx, nil, stateadapter.CompleteJobParams{JobID: blocker.ID, Output: []byte(`{}`)}, nil)
	require.NoError(t, err)

	ids, err := e.ScheduleBlockedJobs(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{waiter.ID}, ids)
}

func TestHandleJobHandlerError_RetryableReschedules(t *testing.T) {
	e := newTestEngine()
	job := &domain.Job{ID: "j1", AttemptCount: 1}
	policy := fixedPolicy{delay: 500, retry: true}

	decision, delay := e.HandleJobHandlerError(context.Background(), job, Transient(assertErr{}), policy)
	assert.Equal(t, DecisionReschedule, decision)
	assert.Equal(t, int64(500), delay)
}

func TestHandleJobHandlerError_NonRetryableFails(t *testing.T) {
	e := newTestEngine()
	job := &domain.Job{ID: "j1", AttemptCount: 1}

	decision, _ := e.HandleJobHandlerError(context.Background(), job, assertErr{}, fixedPolicy{retry: true})
	assert.Equal(t, DecisionFail, decision)
}

func TestHandleJobHandlerError_RetryableButPolicyExhausted(t *testing.T) {
	e := newTestEngine()
	job := &domain.Job{ID: "j1", AttemptCount: 5}

	decision, _ := e.HandleJobHandlerError(context.Background(), job, Transient(assertErr{}), fixedPolicy{retry: false})
	assert.Equal(t, DecisionFail, decision)
}

type fixedPolicy struct {
	delay int64
	retry bool
}

func (p fixedPolicy) NextDelay(attempt int) (int64, bool) { return p.delay, p.retry }

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
