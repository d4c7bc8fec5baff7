// Package stateadapter defines the persistence port the engine uses to read
// and mutate jobs, blockers, and leases. A StateAdapter is the only component
// allowed to touch durable storage; every other package goes through it.
package stateadapter

import (
	"context"
	"time"

	"github.com/rezkam/jobchain/internal/domain"
)

// Tx is an opaque transaction handle returned by RunInTransaction and
// accepted by every mutating method. Passing a nil Tx tells the adapter to
// open and commit its own single-call transaction.
type Tx any

// CreateJobParams carries everything needed to insert one job.
type CreateJobParams struct {
	TypeName           string
	RootChainID        string
	ContinuesFromJobID *string
	Input              []byte
	Schedule           domain.Schedule
	Deduplication      *domain.Deduplication
	TraceContext       []byte
}

// AcquireJobParams carries the lease a worker is asking to take out on a job.
type AcquireJobParams struct {
	WorkerID string
	LeaseMs  int64
	// TypeNames restricts the candidate pool to jobs whose TypeName is in
	// this list. Empty means unrestricted: any type is eligible.
	TypeNames []string
}

// CompleteJobParams describes a terminal write for one job attempt: a
// completion, with an optional continuation job (passed to CompleteJob
// separately) inserted in the same transaction. A reschedule back to pending
// uses RescheduleJobParams instead.
type CompleteJobParams struct {
	JobID  string
	Output []byte
	// WorkerID, when non-nil, asserts the job is currently leased to this
	// worker before completing it; a mismatch returns
	// domain.JobTakenByAnotherWorkerError. Nil permits a workerless
	// (administrative) completion of any non-completed job regardless of
	// who, if anyone, currently holds its lease.
	WorkerID *string
}

// RescheduleJobParams carries the new eligibility time for a job being
// returned to the pending pool after a retryable failure.
type RescheduleJobParams struct {
	JobID       string
	ScheduledAt time.Time
}

// StateAdapter is the persistence port. All methods are safe for concurrent
// use. Methods that accept a Tx participate in the caller's transaction;
// passing nil makes the method transactional on its own.
type StateAdapter interface {
	// RunInTransaction opens a transaction, invokes fn with a Tx scoped to
	// it, and commits on nil error or rolls back otherwise.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// CreateJob inserts a new job. If params.Deduplication is set and a live
	// duplicate exists (same key, not expired, and not completed under the
	// incomplete scope), CreateJob does not insert a new row and instead
	// returns the existing job with deduped=true.
	CreateJob(ctx context.Context, tx Tx, params CreateJobParams) (job *domain.Job, deduped bool, err error)

	// AddJobBlockers inserts blocker rows gating jobID on each of
	// blockedByChainIDs, and transitions jobID to JobStatusBlocked if it was
	// pending. It is a no-op for already-completed chains among
	// blockedByChainIDs (the job is left runnable).
	AddJobBlockers(ctx context.Context, tx Tx, jobID string, blockedByChainIDs []string, traceContext []byte) error

	// ScheduleBlockedJobs unblocks every job whose blockers are all against
	// completed chains, transitioning them to JobStatusPending. Returns the
	// ids unblocked.
	ScheduleBlockedJobs(ctx context.Context, tx Tx) ([]string, error)

	// AcquireJob finds the next eligible job (pending, scheduled_at <= now,
	// no unresolved blockers, type_name in params.TypeNames when non-empty),
	// locks it, and transitions it to running under the given lease. Ties
	// break on earliest scheduled_at then smallest id. Returns nil, nil if
	// no job is eligible.
	AcquireJob(ctx context.Context, tx Tx, params AcquireJobParams) (*domain.Job, error)

	// RenewJobLease extends an existing lease. Returns
	// JobTakenByAnotherWorkerError if workerID no longer holds the lease.
	RenewJobLease(ctx context.Context, tx Tx, jobID, workerID string, newLeaseUntil time.Time) error

	// RescheduleJob returns a running job to pending at a future
	// scheduled_at, clearing its lease. Used for retryable failures.
	RescheduleJob(ctx context.Context, tx Tx, params RescheduleJobParams) error

	// CompleteJob marks a job completed and records its output. If
	// continuation is non-nil, the continuation job is inserted in the same
	// transaction with ContinuesFromJobID set to jobID. Returns
	// domain.JobTakenByAnotherWorkerError if params.WorkerID is set and does
	// not match the job's current lease holder, and
	// domain.JobAlreadyCompletedError if the job is already completed.
	CompleteJob(ctx context.Context, tx Tx, params CompleteJobParams, continuation *CreateJobParams) (completedJob *domain.Job, continuationJob *domain.Job, err error)

	// RemoveExpiredJobLease finds running jobs whose lease has expired,
	// clears their lease, and returns them to pending. Returns the ids
	// reaped.
	RemoveExpiredJobLease(ctx context.Context, tx Tx, now time.Time) ([]string, error)

	// GetJobForUpdate reads and row-locks a single job by id.
	GetJobForUpdate(ctx context.Context, tx Tx, jobID string) (*domain.Job, error)

	// GetCurrentJobForUpdate reads and row-locks the most recently produced
	// job in the chain rooted at rootChainID (the job with no continuation
	// yet, or the last one created).
	GetCurrentJobForUpdate(ctx context.Context, tx Tx, rootChainID string) (*domain.Job, error)

	// GetExternalBlockers returns the root chain ids, outside rootChainIDs,
	// of jobs that are blocked on a chain inside rootChainIDs. It is the
	// safety probe DeleteJobChains runs before deleting: a non-empty result
	// means some job outside the set being deleted still depends on one of
	// these chains and would be orphaned by the delete.
	GetExternalBlockers(ctx context.Context, tx Tx, rootChainIDs []string) ([]string, error)

	// DeleteJobsByRootChainIDs deletes every job belonging to any of the
	// given chains, along with their blockers.
	DeleteJobsByRootChainIDs(ctx context.Context, tx Tx, rootChainIDs []string) error

	// GetNextJobAvailableInMs returns the number of milliseconds until the
	// next pending (unblocked) job becomes eligible, or nil if there is none
	// scheduled in the future and none immediately eligible.
	GetNextJobAvailableInMs(ctx context.Context, tx Tx, now time.Time) (*int64, error)
}
