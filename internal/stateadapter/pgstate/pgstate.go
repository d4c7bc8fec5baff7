package pgstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rezkam/jobchain/internal/domain"
	"github.com/rezkam/jobchain/internal/stateadapter"
)

// Store is a stateadapter.StateAdapter backed by Postgres via pgx, with
// real row locking (SELECT ... FOR UPDATE, rows always locked in ascending
// id order to avoid deadlocking against concurrent attempts) in place of
// memstate's single-mutex staging.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-open pool. Use Open to build one with migrations
// applied.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ stateadapter.StateAdapter = (*Store)(nil)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// method run either inside a caller's transaction or open its own.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx stateadapter.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// q resolves the querier for a call: the caller's tx if non-nil, or the
// pool (each pool call is implicitly its own transaction at the Postgres
// level for a single statement, which is sufficient for this adapter's
// single-statement methods).
func (s *Store) q(tx stateadapter.Tx) querier {
	if tx == nil {
		return s.pool
	}
	t, ok := tx.(pgx.Tx)
	if !ok {
		panic("pgstate: foreign Tx handle")
	}
	return t
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var continuesFrom *string
	var output []byte
	var scheduledAt *time.Time
	var dedupKey *string
	var dedupScope *string
	var dedupExpiresAt *time.Time
	var leasedBy *string
	var leasedUntil *time.Time
	var traceContext []byte
	var inputRaw []byte

	err := row.Scan(
		&j.ID, &j.TypeName, &j.RootChainID, &continuesFrom, &j.Status,
		&inputRaw, &output, &scheduledAt,
		&dedupKey, &dedupScope, &dedupExpiresAt,
		&leasedBy, &leasedUntil, &j.AttemptCount, &traceContext,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.ContinuesFromJobID = continuesFrom
	j.Input = inputRaw
	j.Output = output
	j.ScheduledAt = scheduledAt
	j.DeduplicationKey = dedupKey
	if dedupScope != nil {
		j.DeduplicationScope = domain.DeduplicationScope(*dedupScope)
	}
	j.DeduplicationExpiresAt = dedupExpiresAt
	j.LeasedBy = leasedBy
	j.LeasedUntil = leasedUntil
	j.TraceContext = traceContext
	return &j, nil
}

const jobColumns = `id, type_name, root_chain_id, continues_from_job_id, status,
	input, output, scheduled_at, dedup_key, dedup_scope, dedup_expires_at,
	leased_by, leased_until, attempt_count, trace_context, created_at, updated_at`

func (s *Store) CreateJob(ctx context.Context, tx stateadapter.Tx, params stateadapter.CreateJobParams) (*domain.Job, bool, error) {
	q := s.q(tx)
	now := time.Now().UTC()

	dedup := params.Deduplication
	if dedup != nil && dedup.Scope == "" {
		normalized := *dedup
		normalized.Scope = domain.DeduplicationScopeIncomplete
		dedup = &normalized
	}

	if dedup != nil && dedup.Key != "" {
		// DeduplicationScopeIncomplete only matches jobs that haven't
		// completed yet; DeduplicationScopeAll matches any status.
		row := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs
			WHERE dedup_key = $1
			  AND (dedup_expires_at IS NULL OR dedup_expires_at > $2)
			  AND ($3 = 'all' OR status != 'completed')
			ORDER BY created_at DESC LIMIT 1`,
			dedup.Key, now, string(dedup.Scope))
		job, err := scanJob(row)
		if err == nil {
			return job, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("check deduplication: %w", err)
		}
	}

	id := uuid.New()
	rootChainID := id
	if params.RootChainID != "" {
		parsed, err := uuid.Parse(params.RootChainID)
		if err != nil {
			return nil, false, fmt.Errorf("parse root_chain_id: %w", err)
		}
		rootChainID = parsed
	}

	var continuesFrom *uuid.UUID
	if params.ContinuesFromJobID != nil {
		parsed, err := uuid.Parse(*params.ContinuesFromJobID)
		if err != nil {
			return nil, false, fmt.Errorf("parse continues_from_job_id: %w", err)
		}
		continuesFrom = &parsed
	}

	scheduledAt := params.Schedule.At
	if params.Schedule.AfterMs != nil {
		t := now.Add(time.Duration(*params.Schedule.AfterMs) * time.Millisecond)
		scheduledAt = &t
	}

	var dedupKey *string
	var dedupScope string
	var dedupExpiresAt *time.Time
	if dedup != nil && dedup.Key != "" {
		dedupKey = &dedup.Key
		dedupScope = string(dedup.Scope)
		if dedup.WindowMs != nil {
			t := now.Add(time.Duration(*dedup.WindowMs) * time.Millisecond)
			dedupExpiresAt = &t
		}
	}

	row := q.QueryRow(ctx, `INSERT INTO jobs
		(id, type_name, root_chain_id, continues_from_job_id, status, input, scheduled_at,
		 dedup_key, dedup_scope, dedup_expires_at, trace_context, created_at, updated_at)
		VALUES ($1,$2,$3,$4,'pending',$5,$6,$7,NULLIF($8,''),$9,$10,$11,$11)
		RETURNING `+jobColumns,
		id, params.TypeName, rootChainID, continuesFrom, json.RawMessage(params.Input), scheduledAt,
		dedupKey, dedupScope, dedupExpiresAt, json.RawMessage(params.TraceContext), now)

	job, err := scanJob(row)
	if err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	return job, false, nil
}

func (s *Store) AddJobBlockers(ctx context.Context, tx stateadapter.Tx, jobID string, blockedByChainIDs []string, traceContext []byte) error {
	q := s.q(tx)
	for _, chainID := range blockedByChainIDs {
		completed, err := s.chainCompleted(ctx, q, chainID)
		if err != nil {
			return err
		}
		if completed {
			continue
		}
		if _, err := q.Exec(ctx, `INSERT INTO job_blockers (job_id, blocked_by_chain_id, blocker_trace_context)
			VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`, jobID, chainID, json.RawMessage(traceContext)); err != nil {
			return fmt.Errorf("insert blocker: %w", err)
		}
		if _, err := q.Exec(ctx, `UPDATE jobs SET status = 'blocked', updated_at = now()
			WHERE id = $1 AND status = 'pending'`, jobID); err != nil {
			return fmt.Errorf("mark job blocked: %w", err)
		}
	}
	return nil
}

func (s *Store) chainCompleted(ctx context.Context, q querier, rootChainID string) (bool, error) {
	row := q.QueryRow(ctx, `SELECT status FROM jobs
		WHERE root_chain_id = $1
		  AND id NOT IN (SELECT continues_from_job_id FROM jobs WHERE root_chain_id = $1 AND continues_from_job_id IS NOT NULL)
		ORDER BY created_at DESC LIMIT 1`, rootChainID)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check chain completion: %w", err)
	}
	return status == string(domain.JobStatusCompleted), nil
}

// ScheduleBlockedJobs resolves candidates with SQL, then filters them
// through chainCompleted in Go: chain completion depends on walking the
// continuation chain, which a single static query can't express without a
// recursive CTE per blocker, so this keeps that predicate in one place
// shared with GetExternalBlockers.
func (s *Store) ScheduleBlockedJobs(ctx context.Context, tx stateadapter.Tx) ([]string, error) {
	q := s.q(tx)
	rows, err := q.Query(ctx, `SELECT DISTINCT job_id FROM job_blockers`)
	if err != nil {
		return nil, fmt.Errorf("list blocked job ids: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()

	var unblocked []string
	for _, jobID := range candidates {
		resolved, err := s.allBlockersResolved(ctx, q, jobID)
		if err != nil {
			return nil, err
		}
		if !resolved {
			continue
		}
		tag, err := q.Exec(ctx, `UPDATE jobs SET status = 'pending', updated_at = now()
			WHERE id = $1 AND status = 'blocked'`, jobID)
		if err != nil {
			return nil, fmt.Errorf("unblock job: %w", err)
		}
		if tag.RowsAffected() > 0 {
			// Resolved blockers must be removed, not just the status flipped:
			// AcquireJob and GetNextJobAvailableInMs both gate eligibility on
			// job_blockers row existence, so a stale row would permanently
			// exclude this job even after it's back to pending.
			if _, err := q.Exec(ctx, `DELETE FROM job_blockers WHERE job_id = $1`, jobID); err != nil {
				return nil, fmt.Errorf("clear resolved blockers: %w", err)
			}
			unblocked = append(unblocked, jobID)
		}
	}
	return unblocked, nil
}

func (s *Store) allBlockersResolved(ctx context.Context, q querier, jobID string) (bool, error) {
	rows, err := q.Query(ctx, `SELECT blocked_by_chain_id FROM job_blockers WHERE job_id = $1`, jobID)
	if err != nil {
		return false, fmt.Errorf("list blockers: %w", err)
	}
	defer rows.Close()
	var chains []string
	for rows.Next() {
		var chainID string
		if err := rows.Scan(&chainID); err != nil {
			return false, err
		}
		chains = append(chains, chainID)
	}
	for _, chainID := range chains {
		completed, err := s.chainCompleted(ctx, q, chainID)
		if err != nil {
			return false, err
		}
		if !completed {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) AcquireJob(ctx context.Context, tx stateadapter.Tx, params stateadapter.AcquireJobParams) (*domain.Job, error) {
	q := s.q(tx)
	now := time.Now().UTC()
	leaseUntil := now.Add(time.Duration(params.LeaseMs) * time.Millisecond)

	// Lock candidates in ascending scheduled_at, id order to avoid
	// deadlocking against other concurrent AcquireJob calls; SKIP LOCKED
	// lets a contended row fall through to the next candidate instead of
	// blocking. An empty TypeNames means every type is eligible.
	row := q.QueryRow(ctx, `UPDATE jobs SET status = 'running', leased_by = $1, leased_until = $2,
			attempt_count = attempt_count + 1, updated_at = $3
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND (scheduled_at IS NULL OR scheduled_at <= $3)
			  AND NOT EXISTS (SELECT 1 FROM job_blockers b WHERE b.job_id = jobs.id)
			  AND (cardinality($4::text[]) = 0 OR type_name = ANY($4))
			ORDER BY scheduled_at ASC NULLS FIRST, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns, params.WorkerID, leaseUntil, now, params.TypeNames)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("acquire job: %w", err)
	}
	return job, nil
}

func (s *Store) RenewJobLease(ctx context.Context, tx stateadapter.Tx, jobID, workerID string, newLeaseUntil time.Time) error {
	q := s.q(tx)
	tag, err := q.Exec(ctx, `UPDATE jobs SET leased_until = $1, updated_at = now()
		WHERE id = $2 AND status = 'running' AND leased_by = $3`, newLeaseUntil, jobID, workerID)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.JobTakenByAnotherWorkerError{JobID: jobID}
	}
	return nil
}

func (s *Store) RescheduleJob(ctx context.Context, tx stateadapter.Tx, params stateadapter.RescheduleJobParams) error {
	q := s.q(tx)
	tag, err := q.Exec(ctx, `UPDATE jobs SET status = 'pending', leased_by = NULL, leased_until = NULL,
			scheduled_at = $1, updated_at = now()
		WHERE id = $2 AND status != 'completed'`, params.ScheduledAt, params.JobID)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.JobAlreadyCompletedError{JobID: params.JobID}
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, tx stateadapter.Tx, params stateadapter.CompleteJobParams, continuation *stateadapter.CreateJobParams) (*domain.Job, *domain.Job, error) {
	q := s.q(tx)
	// params.WorkerID nil permits a workerless (administrative) completion
	// regardless of the current lease holder; non-nil asserts the caller
	// still owns the lease.
	row := q.QueryRow(ctx, `UPDATE jobs SET status = 'completed', output = $1, leased_by = NULL,
			leased_until = NULL, updated_at = now()
		WHERE id = $2 AND status != 'completed'
		  AND ($3::text IS NULL OR leased_by = $3)
		RETURNING `+jobColumns, json.RawMessage(params.Output), params.JobID, params.WorkerID)

	completed, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, getErr := s.GetJobForUpdate(ctx, tx, params.JobID)
			if getErr != nil {
				return nil, nil, getErr
			}
			if existing.Status == domain.JobStatusCompleted {
				return nil, nil, &domain.JobAlreadyCompletedError{JobID: params.JobID}
			}
			return nil, nil, &domain.JobTakenByAnotherWorkerError{JobID: params.JobID}
		}
		return nil, nil, fmt.Errorf("complete job: %w", err)
	}

	if continuation == nil {
		return completed, nil, nil
	}

	next := *continuation
	next.RootChainID = completed.RootChainID
	next.ContinuesFromJobID = &completed.ID
	continued, _, err := s.CreateJob(ctx, tx, next)
	if err != nil {
		return nil, nil, fmt.Errorf("create continuation: %w", err)
	}
	return completed, continued, nil
}

func (s *Store) RemoveExpiredJobLease(ctx context.Context, tx stateadapter.Tx, now time.Time) ([]string, error) {
	q := s.q(tx)
	rows, err := q.Query(ctx, `UPDATE jobs SET status = 'pending', leased_by = NULL, leased_until = NULL, updated_at = $1
		WHERE status = 'running' AND leased_until IS NOT NULL AND leased_until <= $1
		RETURNING id`, now)
	if err != nil {
		return nil, fmt.Errorf("reap expired leases: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetJobForUpdate(ctx context.Context, tx stateadapter.Tx, jobID string) (*domain.Job, error) {
	q := s.q(tx)
	row := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.JobNotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Store) GetCurrentJobForUpdate(ctx context.Context, tx stateadapter.Tx, rootChainID string) (*domain.Job, error) {
	q := s.q(tx)
	row := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE root_chain_id = $1
		  AND id NOT IN (SELECT continues_from_job_id FROM jobs WHERE root_chain_id = $1 AND continues_from_job_id IS NOT NULL)
		ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, rootChainID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.JobNotFoundError{JobID: rootChainID}
		}
		return nil, fmt.Errorf("get current job: %w", err)
	}
	return job, nil
}

// GetExternalBlockers finds jobs outside rootChainIDs that are still blocked
// on a chain inside rootChainIDs, and returns their (external) root chain
// ids. DeleteJobChains calls this before deleting: a non-empty result means
// some job outside the set would be orphaned, its blocker never resolvable
// once the chain it's waiting on is gone.
func (s *Store) GetExternalBlockers(ctx context.Context, tx stateadapter.Tx, rootChainIDs []string) ([]string, error) {
	q := s.q(tx)
	rows, err := q.Query(ctx, `SELECT DISTINCT j.root_chain_id, b.blocked_by_chain_id
		FROM job_blockers b
		JOIN jobs j ON j.id = b.job_id
		WHERE b.blocked_by_chain_id = ANY($1) AND j.root_chain_id != ALL($1)`, rootChainIDs)
	if err != nil {
		return nil, fmt.Errorf("list external blockers: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var external []string
	for rows.Next() {
		var externalRootChainID, blockedByChainID string
		if err := rows.Scan(&externalRootChainID, &blockedByChainID); err != nil {
			return nil, err
		}
		completed, err := s.chainCompleted(ctx, q, blockedByChainID)
		if err != nil {
			return nil, err
		}
		if completed {
			continue
		}
		if _, ok := seen[externalRootChainID]; ok {
			continue
		}
		seen[externalRootChainID] = struct{}{}
		external = append(external, externalRootChainID)
	}
	return external, rows.Err()
}

func (s *Store) DeleteJobsByRootChainIDs(ctx context.Context, tx stateadapter.Tx, rootChainIDs []string) error {
	q := s.q(tx)
	_, err := q.Exec(ctx, `DELETE FROM jobs WHERE root_chain_id = ANY($1)`, rootChainIDs)
	if err != nil {
		return fmt.Errorf("delete chains: %w", err)
	}
	return nil
}

func (s *Store) GetNextJobAvailableInMs(ctx context.Context, tx stateadapter.Tx, now time.Time) (*int64, error) {
	q := s.q(tx)
	// A NULL scheduled_at means immediately eligible; count it as the epoch
	// so MIN does not skip it.
	row := q.QueryRow(ctx, `SELECT MIN(COALESCE(scheduled_at, to_timestamp(0))) FROM jobs
		WHERE status = 'pending'
		  AND NOT EXISTS (SELECT 1 FROM job_blockers b WHERE b.job_id = jobs.id)`)
	var soonest *time.Time
	if err := row.Scan(&soonest); err != nil {
		return nil, fmt.Errorf("get next available: %w", err)
	}
	if soonest == nil {
		return nil, nil
	}
	if !soonest.After(now) {
		zero := int64(0)
		return &zero, nil
	}
	ms := soonest.Sub(now).Milliseconds()
	return &ms, nil
}
