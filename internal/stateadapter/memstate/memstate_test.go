package memstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/jobchain/internal/domain"
	"github.com/rezkam/jobchain/internal/stateadapter"
)

func TestCreateJob_NewChainIsHead(t *testing.T) {
	s := New()
	ctx := context.Background()

	job, deduped, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{
		TypeName: "send_email",
		Input:    []byte(`{"to":"a@b.com"}`),
	})
	require.NoError(t, err)
	assert.False(t, deduped)
	assert.Equal(t, job.ID, job.RootChainID)
	assert.True(t, job.IsChainHead())
	assert.Equal(t, domain.JobStatusPending, job.Status)
}

func TestCreateJob_Deduplicates(t *testing.T) {
	s := New()
	ctx := context.Background()
	dedup := &domain.Deduplication{Key: "order-1", Scope: domain.DeduplicationScopeIncomplete}

	first, deduped, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{
		TypeName: "charge", Input: []byte(`{}`), Deduplication: dedup,
	})
	require.NoError(t, err)
	require.False(t, deduped)

	second, deduped, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{
		TypeName: "charge", Input: []byte(`{}`), Deduplication: dedup,
	})
	require.NoError(t, err)
	assert.True(t, deduped)
	assert.Equal(t, first.ID, second.ID)
}

func TestCreateJob_DeduplicationWindowExpires(t *testing.T) {
	s := New()
	ctx := context.Background()
	windowMs := int64(-1) // already expired the instant it is created

	first, _, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{
		TypeName:      "charge",
		Input:         []byte(`{}`),
		Deduplication: &domain.Deduplication{Key: "order-1", Scope: domain.DeduplicationScopeIncomplete, WindowMs: &windowMs},
	})
	require.NoError(t, err)

	second, deduped, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{
		TypeName:      "charge",
		Input:         []byte(`{}`),
		Deduplication: &domain.Deduplication{Key: "order-1", Scope: domain.DeduplicationScopeIncomplete},
	})
	require.NoError(t, err)
	assert.False(t, deduped)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreateJob_IncompleteScopeIgnoresCompletedChain(t *testing.T) {
	s := New()
	ctx := context.Background()
	dedup := &domain.Deduplication{Key: "order-1", Scope: domain.DeduplicationScopeIncomplete}

	first, _, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{
		TypeName: "charge", Input: []byte(`{}`), Deduplication: dedup,
	})
	require.NoError(t, err)

	_, _, err = s.CompleteJob(ctx, nil, stateadapter.CompleteJobParams{JobID: first.ID, Output: []byte(`{}`)}, nil)
	require.NoError(t, err)

	second, deduped, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{
		TypeName: "charge", Input: []byte(`{}`), Deduplication: dedup,
	})
	require.NoError(t, err)
	assert.False(t, deduped, "a completed chain must not block a later incomplete-scope dedup")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreateJob_AllScopeStillMatchesCompletedChain(t *testing.T) {
	s := New()
	ctx := context.Background()
	dedup := &domain.Deduplication{Key: "order-1", Scope: domain.DeduplicationScopeAll}

	first, _, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{
		TypeName: "charge", Input: []byte(`{}`), Deduplication: dedup,
	})
	require.NoError(t, err)

	_, _, err = s.CompleteJob(ctx, nil, stateadapter.CompleteJobParams{JobID: first.ID, Output: []byte(`{}`)}, nil)
	require.NoError(t, err)

	second, deduped, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{
		TypeName: "charge", Input: []byte(`{}`), Deduplication: dedup,
	})
	require.NoError(t, err)
	assert.True(t, deduped)
	assert.Equal(t, first.ID, second.ID)
}

func TestAcquireJob_SkipsBlockedAndScheduled(t *testing.T) {
	s := New()
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	_, _, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{
		TypeName: "later", Input: []byte(`{}`), Schedule: domain.Schedule{At: &future},
	})
	require.NoError(t, err)

	eligible, _, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{TypeName: "now", Input: []byte(`{}`)})
	require.NoError(t, err)

	acquired, err := s.AcquireJob(ctx, nil, stateadapter.AcquireJobParams{WorkerID: "w1", LeaseMs: 30_000})
	require.NoError(t, err)
	require.NotNil(t, acquired)
	assert.Equal(t, eligible.ID, acquired.ID)
	assert.Equal(t, domain.JobStatusRunning, acquired.Status)
	assert.NotNil(t, acquired.LeasedUntil)

	again, err := s.AcquireJob(ctx, nil, stateadapter.AcquireJobParams{WorkerID: "w1", LeaseMs: 30_000})
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestRenewJobLease_RejectsOtherWorker(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, _, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{TypeName: "t", Input: []byte(`{}`)})
	require.NoError(t, err)
	acquired, err := s.AcquireJob(ctx, nil, stateadapter.AcquireJobParams{WorkerID: "w1", LeaseMs: 1000})
	require.NoError(t, err)

	err = s.RenewJobLease(ctx, nil, acquired.ID, "w2", time.Now().Add(time.Minute))
	var taken *domain.JobTakenByAnotherWorkerError
	require.ErrorAs(t, err, &taken)

	err = s.RenewJobLease(ctx, nil, acquired.ID, "w1", time.Now().Add(time.Minute))
	require.NoError(t, err)
}

func TestCompleteJob_WithContinuationInSameTransaction(t *testing.T) {
	s := New()
	ctx := context.Background()

	head, _, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{TypeName: "fetch", Input: []byte(`{}`)})
	require.NoError(t, err)
	acquired, err := s.AcquireJob(ctx, nil, stateadapter.AcquireJobParams{WorkerID: "w1", LeaseMs: 1000})
	require.NoError(t, err)
	require.Equal(t, head.ID, acquired.ID)

	completed, continued, err := s.CompleteJob(ctx, nil,
		stateadapter.CompleteJobParams{JobID: acquired.ID, Output: []byte(`{"ok":true}`)},
		&stateadapter.CreateJobParams{TypeName: "charge", Input: []byte(`{}`)},
	)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, completed.Status)
	require.NotNil(t, continued)
	assert.Equal(t, head.RootChainID, continued.RootChainID)
	require.NotNil(t, continued.ContinuesFromJobID)
	assert.Equal(t, completed.ID, *continued.ContinuesFromJobID)

	current, err := s.GetCurrentJobForUpdate(ctx, nil, head.RootChainID)
	require.NoError(t, err)
	assert.Equal(t, continued.ID, current.ID)
}

func TestCompleteJob_AlreadyCompletedErrors(t *testing.T) {
	s := New()
	ctx := context.Background()

	job, _, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{TypeName: "t", Input: []byte(`{}`)})
	require.NoError(t, err)
	_, _, err = s.CompleteJob(ctx, nil, stateadapter.CompleteJobParams{JobID: job.ID, Output: []byte(`{}`)}, nil)
	require.NoError(t, err)

	_, _, err = s.CompleteJob(ctx, nil, stateadapter.CompleteJobParams{JobID: job.ID, Output: []byte(`{}`)}, nil)
	var already *domain.JobAlreadyCompletedError
	require.ErrorAs(t, err, &already)
}

func TestAddJobBlockers_BlocksUntilChainCompletes(t *testing.T) {
	s := New()
	ctx := context.Background()

	blockerChain, _, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{TypeName: "upstream", Input: []byte(`{}`)})
	require.NoError(t, err)
	waiter, _, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{TypeName: "report", Input: []byte(`{}`)})
	require.NoError(t, err)

	require.NoError(t, s.AddJobBlockers(ctx, nil, waiter.ID, []string{blockerChain.RootChainID}, nil))

	blocked, err := s.GetJobForUpdate(ctx, nil, waiter.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusBlocked, blocked.Status)

	acquired, err := s.AcquireJob(ctx, nil, stateadapter.AcquireJobParams{WorkerID: "w1", LeaseMs: 1000})
	require.NoError(t, err)
	require.Equal(t, blockerChain.ID, acquired.ID, "the blocked waiter must not be acquirable yet")

	_, _, err = s.CompleteJob(ctx, nil, stateadapter.CompleteJobParams{JobID: acquired.ID, Output: []byte(`{}`)}, nil)
	require.NoError(t, err)

	unblocked, err := s.ScheduleBlockedJobs(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{waiter.ID}, unblocked)

	now, err := s.GetJobForUpdate(ctx, nil, waiter.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, now.Status)
}

func TestRemoveExpiredJobLease_ReapsAndReturnsToPending(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, _, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{TypeName: "t", Input: []byte(`{}`)})
	require.NoError(t, err)
	acquired, err := s.AcquireJob(ctx, nil, stateadapter.AcquireJobParams{WorkerID: "w1", LeaseMs: 1})
	require.NoError(t, err)

	reaped, err := s.RemoveExpiredJobLease(ctx, nil, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{acquired.ID}, reaped)

	job, err := s.GetJobForUpdate(ctx, nil, acquired.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Nil(t, job.LeasedBy)
}

func TestRunInTransaction_RollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	sentinel := assert.AnError

	err := s.RunInTransaction(ctx, func(ctx context.Context, tx stateadapter.Tx) error {
		if _, _, err := s.CreateJob(ctx, tx, stateadapter.CreateJobParams{TypeName: "t", Input: []byte(`{}`)}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	ids, err := s.GetNextJobAvailableInMs(ctx, nil, time.Now())
	require.NoError(t, err)
	assert.Nil(t, ids, "the job created inside the rolled-back transaction must not be visible")
}

func TestDeleteJobsByRootChainIDs_RemovesJobsAndBlockers(t *testing.T) {
	s := New()
	ctx := context.Background()

	job, _, err := s.CreateJob(ctx, nil, stateadapter.CreateJobParams{TypeName: "t", Input: []byte(`{}`)})
	require.NoError(t, err)

	require.NoError(t, s.DeleteJobsByRootChainIDs(ctx, nil, []string{job.RootChainID}))

	_, err = s.GetJobForUpdate(ctx, nil, job.ID)
	var notFound *domain.JobNotFoundError
	require.ErrorAs(t, err, &notFound)
}
