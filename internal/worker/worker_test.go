package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/jobchain/internal/domain"
	"github.com/rezkam/jobchain/internal/engine"
	"github.com/rezkam/jobchain/internal/jobtype"
	"github.com/rezkam/jobchain/internal/notify/inprocess"
	"github.com/rezkam/jobchain/internal/observability"
	"github.com/rezkam/jobchain/internal/stateadapter"
	"github.com/rezkam/jobchain/internal/stateadapter/memstate"
)

func newTestWorkerEngine(types *jobtype.IdentityRegistry) *engine.Engine {
	return engine.New(memstate.New(), inprocess.New(), observability.NoOp(), types)
}

func TestWorker_FillSlots_RunsEligibleJob(t *testing.T) {
	types := jobtype.NewIdentityRegistry()
	types.RegisterFunc("greet", func(ctx context.Context, raw json.RawMessage) (json.RawMessage, *jobtype.ContinuationSpec, error) {
		return json.RawMessage(`{"ok":true}`), nil, nil
	})
	eng := newTestWorkerEngine(types)
	ctx := context.Background()

	job, err := eng.CreateJob(ctx, nil, engine.CreateJobInput{TypeName: "greet", Input: map[string]any{}})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Concurrency = 2
	cfg.RenewEvery = time.Hour
	w := New(eng, cfg)

	w.fillSlots(ctx)
	w.executor.Wait()

	updated, err := eng.State.GetJobForUpdate(ctx, nil, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, updated.Status)
}

func TestWorker_FillSlots_SkipsJobsOutsideTypeNames(t *testing.T) {
	types := jobtype.NewIdentityRegistry()
	types.RegisterFunc("greet", func(ctx context.Context, raw json.RawMessage) (json.RawMessage, *jobtype.ContinuationSpec, error) {
		return json.RawMessage(`{}`), nil, nil
	})
	eng := newTestWorkerEngine(types)
	ctx := context.Background()

	job, err := eng.CreateJob(ctx, nil, engine.CreateJobInput{TypeName: "greet", Input: map[string]any{}})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.TypeNames = []string{"other"}
	w := New(eng, cfg)

	w.fillSlots(ctx)
	w.executor.Wait()

	updated, err := eng.State.GetJobForUpdate(ctx, nil, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, updated.Status)
}

func TestWorker_New_DefaultsTypeNamesFromRegistry(t *testing.T) {
	types := jobtype.NewIdentityRegistry()
	types.RegisterFunc("greet", func(ctx context.Context, raw json.RawMessage) (json.RawMessage, *jobtype.ContinuationSpec, error) {
		return json.RawMessage(`{}`), nil, nil
	})
	eng := newTestWorkerEngine(types)

	w := New(eng, DefaultConfig())
	assert.Equal(t, []string{"greet"}, w.Config.TypeNames)
}

func TestWorker_FillSlots_NoEligibleJobIsNoop(t *testing.T) {
	types := jobtype.NewIdentityRegistry()
	eng := newTestWorkerEngine(types)
	cfg := DefaultConfig()
	w := New(eng, cfg)

	w.fillSlots(context.Background())
	w.executor.Wait()
}

func TestWorker_StartStop_DrainsAndReturns(t *testing.T) {
	types := jobtype.NewIdentityRegistry()
	eng := newTestWorkerEngine(types)
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ReapInterval = time.Hour
	w := New(eng, cfg)

	startedCh := make(chan struct{})
	go func() {
		close(startedCh)
		w.Start(context.Background())
	}()
	<-startedCh
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}

func TestWorker_Reap_ReturnsExpiredLeaseToPending(t *testing.T) {
	types := jobtype.NewIdentityRegistry()
	eng := newTestWorkerEngine(types)
	ctx := context.Background()

	job, err := eng.CreateJob(ctx, nil, engine.CreateJobInput{TypeName: "t", Input: map[string]any{}})
	require.NoError(t, err)
	acquired, err := eng.State.AcquireJob(ctx, nil, stateadapter.AcquireJobParams{WorkerID: "w1", LeaseMs: 1})
	require.NoError(t, err)
	require.Equal(t, job.ID, acquired.ID)

	time.Sleep(5 * time.Millisecond)

	cfg := DefaultConfig()
	w := New(eng, cfg)
	w.Reap(ctx)

	updated, err := eng.State.GetJobForUpdate(ctx, nil, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, updated.Status)
}
