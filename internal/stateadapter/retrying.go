package stateadapter

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rezkam/jobchain/internal/domain"
)

// RetryConfig controls the exponential-backoff retry wrapper applied around
// transient StateAdapter failures (connection resets, deadlocks). It never
// retries the domain contract errors (JobNotFoundError and friends) since
// those are not transient.
type RetryConfig struct {
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig mirrors the retry defaults described for the state
// adapter's decorator layer: three attempts, starting at one second and
// growing fivefold per retry up to ten seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
	}
}

// Retrying wraps a StateAdapter with exponential-backoff retries for calls
// made outside of a caller-supplied transaction (tx == nil). Calls that
// participate in a caller's transaction are passed straight through: a retry
// of a sub-operation could not be made atomic with the surrounding
// transaction anyway.
func Retrying(adapter StateAdapter, cfg RetryConfig) StateAdapter {
	return &retrying{adapter: adapter, cfg: cfg}
}

type retrying struct {
	adapter StateAdapter
	cfg     RetryConfig
}

func isPermanent(err error) bool {
	if err == nil {
		return false
	}
	var notFound *domain.JobNotFoundError
	var alreadyDone *domain.JobAlreadyCompletedError
	var taken *domain.JobTakenByAnotherWorkerError
	var validation *domain.JobTypeValidationError
	return errors.As(err, &notFound) || errors.As(err, &alreadyDone) ||
		errors.As(err, &taken) || errors.As(err, &validation)
}

func runRetrying[T any](ctx context.Context, cfg RetryConfig, tx Tx, fn func() (T, error)) (T, error) {
	var zero T
	if tx != nil {
		return fn()
	}

	op := func() (T, error) {
		v, err := fn()
		if err != nil && isPermanent(err) {
			return zero, backoff.Permanent(err)
		}
		return v, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.Multiplier = 5
	b.MaxInterval = cfg.MaxDelay

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.MaxAttempts),
	)
}

func (r *retrying) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	_, err := runRetrying(ctx, r.cfg, nil, func() (struct{}, error) {
		return struct{}{}, r.adapter.RunInTransaction(ctx, fn)
	})
	return err
}

func (r *retrying) CreateJob(ctx context.Context, tx Tx, params CreateJobParams) (*domain.Job, bool, error) {
	type result struct {
		job     *domain.Job
		deduped bool
	}
	res, err := runRetrying(ctx, r.cfg, tx, func() (result, error) {
		job, deduped, err := r.adapter.CreateJob(ctx, tx, params)
		return result{job, deduped}, err
	})
	return res.job, res.deduped, err
}

func (r *retrying) AddJobBlockers(ctx context.Context, tx Tx, jobID string, blockedByChainIDs []string, traceContext []byte) error {
	_, err := runRetrying(ctx, r.cfg, tx, func() (struct{}, error) {
		return struct{}{}, r.adapter.AddJobBlockers(ctx, tx, jobID, blockedByChainIDs, traceContext)
	})
	return err
}

func (r *retrying) ScheduleBlockedJobs(ctx context.Context, tx Tx) ([]string, error) {
	return runRetrying(ctx, r.cfg, tx, func() ([]string, error) {
		return r.adapter.ScheduleBlockedJobs(ctx, tx)
	})
}

func (r *retrying) AcquireJob(ctx context.Context, tx Tx, params AcquireJobParams) (*domain.Job, error) {
	return runRetrying(ctx, r.cfg, tx, func() (*domain.Job, error) {
		return r.adapter.AcquireJob(ctx, tx, params)
	})
}

func (r *retrying) RenewJobLease(ctx context.Context, tx Tx, jobID, workerID string, newLeaseUntil time.Time) error {
	_, err := runRetrying(ctx, r.cfg, tx, func() (struct{}, error) {
		return struct{}{}, r.adapter.RenewJobLease(ctx, tx, jobID, workerID, newLeaseUntil)
	})
	return err
}

func (r *retrying) RescheduleJob(ctx context.Context, tx Tx, params RescheduleJobParams) error {
	_, err := runRetrying(ctx, r.cfg, tx, func() (struct{}, error) {
		return struct{}{}, r.adapter.RescheduleJob(ctx, tx, params)
	})
	return err
}

func (r *retrying) CompleteJob(ctx context.Context, tx Tx, params CompleteJobParams, continuation *CreateJobParams) (*domain.Job, *domain.Job, error) {
	type result struct {
		completed   *domain.Job
		continued   *domain.Job
	}
	res, err := runRetrying(ctx, r.cfg, tx, func() (result, error) {
		completed, continued, err := r.adapter.CompleteJob(ctx, tx, params, continuation)
		return result{completed, continued}, err
	})
	return res.completed, res.continued, err
}

func (r *retrying) RemoveExpiredJobLease(ctx context.Context, tx Tx, now time.Time) ([]string, error) {
	return runRetrying(ctx, r.cfg, tx, func() ([]string, error) {
		return r.adapter.RemoveExpiredJobLease(ctx, tx, now)
	})
}

func (r *retrying) GetJobForUpdate(ctx context.Context, tx Tx, jobID string) (*domain.Job, error) {
	return runRetrying(ctx, r.cfg, tx, func() (*domain.Job, error) {
		return r.adapter.GetJobForUpdate(ctx, tx, jobID)
	})
}

func (r *retrying) GetCurrentJobForUpdate(ctx context.Context, tx Tx, rootChainID string) (*domain.Job, error) {
	return runRetrying(ctx, r.cfg, tx, func() (*domain.Job, error) {
		return r.adapter.GetCurrentJobForUpdate(ctx, tx, rootChainID)
	})
}

func (r *retrying) GetExternalBlockers(ctx context.Context, tx Tx, rootChainIDs []string) ([]string, error) {
	return runRetrying(ctx, r.cfg, tx, func() ([]string, error) {
		return r.adapter.GetExternalBlockers(ctx, tx, rootChainIDs)
	})
}

func (r *retrying) DeleteJobsByRootChainIDs(ctx context.Context, tx Tx, rootChainIDs []string) error {
	_, err := runRetrying(ctx, r.cfg, tx, func() (struct{}, error) {
		return struct{}{}, r.adapter.DeleteJobsByRootChainIDs(ctx, tx, rootChainIDs)
	})
	return err
}

func (r *retrying) GetNextJobAvailableInMs(ctx context.Context, tx Tx, now time.Time) (*int64, error) {
	return runRetrying(ctx, r.cfg, tx, func() (*int64, error) {
		return r.adapter.GetNextJobAvailableInMs(ctx, tx, now)
	})
}

var _ StateAdapter = (*retrying)(nil)
