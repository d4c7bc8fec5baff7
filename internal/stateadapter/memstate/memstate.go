// Package memstate is the required reference StateAdapter backend: a
// single-process, fully in-memory implementation that favors correctness
// and readability over throughput. It gives every invariant in the domain
// package a straightforward, auditable implementation to test the engine
// against.
package memstate

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rezkam/jobchain/internal/domain"
	"github.com/rezkam/jobchain/internal/stateadapter"
)

// Store is a StateAdapter backed by in-memory maps guarded by a single
// mutex. RunInTransaction stages every mutation in a cloned copy of the
// maps and only swaps it into the live store on success, giving true
// rollback-on-error semantics without a real database.
type Store struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	blockers []domain.JobBlocker
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs: make(map[string]*domain.Job),
	}
}

var _ stateadapter.StateAdapter = (*Store)(nil)

// txn is the staged, mutable working copy a callback operates on inside
// RunInTransaction. Its contents replace the Store's live maps on commit.
type txn struct {
	jobs     map[string]*domain.Job
	blockers []domain.JobBlocker
}

func cloneJobs(src map[string]*domain.Job) map[string]*domain.Job {
	dst := make(map[string]*domain.Job, len(src))
	for id, j := range src {
		cp := *j
		dst[id] = &cp
	}
	return dst
}

func cloneBlockers(src []domain.JobBlocker) []domain.JobBlocker {
	dst := make([]domain.JobBlocker, len(src))
	copy(dst, src)
	return dst
}

type txKey struct{}

// RunInTransaction holds the store's mutex for the whole callback,
// operating on a staged clone of the maps that is only committed back to
// the live store if fn returns nil.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx stateadapter.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := &txn{
		jobs:     cloneJobs(s.jobs),
		blockers: cloneBlockers(s.blockers),
	}

	err := fn(ctx, work)
	if err != nil {
		return err
	}

	s.jobs = work.jobs
	s.blockers = work.blockers
	return nil
}

// txnFor resolves the working txn for a call, opening and immediately
// running a one-shot transaction when tx is nil.
func (s *Store) txnFor(ctx context.Context, tx stateadapter.Tx, fn func(ctx context.Context, w *txn) error) error {
	if tx != nil {
		w, ok := tx.(*txn)
		if !ok {
			panic("memstate: foreign Tx handle")
		}
		return fn(ctx, w)
	}
	return s.RunInTransaction(ctx, func(ctx context.Context, tx stateadapter.Tx) error {
		return fn(ctx, tx.(*txn))
	})
}

func newJobID() string { return uuid.NewString() }

func (s *Store) CreateJob(ctx context.Context, tx stateadapter.Tx, params stateadapter.CreateJobParams) (*domain.Job, bool, error) {
	var job *domain.Job
	var deduped bool
	err := s.txnFor(ctx, tx, func(ctx context.Context, w *txn) error {
		now := time.Now().UTC()

		dedup := params.Deduplication
		if dedup != nil && dedup.Scope == "" {
			normalized := *dedup
			normalized.Scope = domain.DeduplicationScopeIncomplete
			dedup = &normalized
		}

		if dedup != nil && dedup.Key != "" {
			if existing := findLiveDuplicate(w.jobs, dedup, now); existing != nil {
				job = existing
				deduped = true
				return nil
			}
		}

		id := newJobID()
		rootChainID := params.RootChainID
		if rootChainID == "" {
			rootChainID = id
		}

		// A future Schedule.At doesn't get its own status: the job is pending
		// throughout, just not yet eligible for AcquireJob until that time.
		status := domain.JobStatusPending

		var dedupExpiresAt *time.Time
		var dedupKey *string
		var dedupScope domain.DeduplicationScope
		if dedup != nil && dedup.Key != "" {
			k := dedup.Key
			dedupKey = &k
			dedupScope = dedup.Scope
			if dedup.WindowMs != nil {
				t := now.Add(time.Duration(*dedup.WindowMs) * time.Millisecond)
				dedupExpiresAt = &t
			}
		}

		j := &domain.Job{
			ID:                     id,
			TypeName:               params.TypeName,
			RootChainID:            rootChainID,
			ContinuesFromJobID:     params.ContinuesFromJobID,
			Status:                 status,
			Input:                  append([]byte(nil), params.Input...),
			ScheduledAt:            params.Schedule.At,
			DeduplicationKey:       dedupKey,
			DeduplicationScope:     dedupScope,
			DeduplicationExpiresAt: dedupExpiresAt,
			TraceContext:           append([]byte(nil), params.TraceContext...),
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if params.Schedule.AfterMs != nil {
			t := now.Add(time.Duration(*params.Schedule.AfterMs) * time.Millisecond)
			j.ScheduledAt = &t
		}

		w.jobs[id] = j
		job = cloneJob(j)
		return nil
	})
	return job, deduped, err
}

// findLiveDuplicate looks for an existing job that should suppress creation
// of a new one sharing dedup's key. DeduplicationScopeIncomplete only
// matches jobs that have not yet completed, so the key is free as soon as
// the job carrying it completes; DeduplicationScopeAll matches regardless of status, so
// the key stays blocked until WindowMs elapses even past completion.
func findLiveDuplicate(jobs map[string]*domain.Job, dedup *domain.Deduplication, now time.Time) *domain.Job {
	for _, j := range jobs {
		if j.DeduplicationKey == nil || *j.DeduplicationKey != dedup.Key {
			continue
		}
		if j.DeduplicationExpiresAt != nil && now.After(*j.DeduplicationExpiresAt) {
			continue
		}
		if dedup.Scope == domain.DeduplicationScopeIncomplete && j.Status == domain.JobStatusCompleted {
			continue
		}
		return cloneJob(j)
	}
	return nil
}

func cloneJob(j *domain.Job) *domain.Job {
	cp := *j
	return &cp
}

func (s *Store) AddJobBlockers(ctx context.Context, tx stateadapter.Tx, jobID string, blockedByChainIDs []string, traceContext []byte) error {
	return s.txnFor(ctx, tx, func(ctx context.Context, w *txn) error {
		j, ok := w.jobs[jobID]
		if !ok {
			return &domain.JobNotFoundError{JobID: jobID}
		}
		for _, chainID := range blockedByChainIDs {
			if chainCompleted(w.jobs, chainID) {
				continue
			}
			w.blockers = append(w.blockers, domain.JobBlocker{
				JobID:               jobID,
				BlockedByChainID:    chainID,
				BlockerTraceContext: append([]byte(nil), traceContext...),
			})
			if j.Status == domain.JobStatusPending {
				j.Status = domain.JobStatusBlocked
				j.UpdatedAt = time.Now().UTC()
			}
		}
		return nil
	})
}

// chainCompleted reports whether the current job of the chain rooted at
// rootChainID has Status == JobStatusCompleted with no further
// continuation pending.
func chainCompleted(jobs map[string]*domain.Job, rootChainID string) bool {
	cur := currentJobOf(jobs, rootChainID)
	return cur != nil && cur.Status == domain.JobStatusCompleted
}

// currentJobOf returns the job in the chain with no job continuing from it,
// i.e. the most recently produced job.
func currentJobOf(jobs map[string]*domain.Job, rootChainID string) *domain.Job {
	continuedFrom := make(map[string]bool)
	var inChain []*domain.Job
	for _, j := range jobs {
		if j.RootChainID != rootChainID {
			continue
		}
		inChain = append(inChain, j)
		if j.ContinuesFromJobID != nil {
			continuedFrom[*j.ContinuesFromJobID] = true
		}
	}
	for _, j := range inChain {
		if !continuedFrom[j.ID] {
			return j
		}
	}
	return nil
}

func (s *Store) ScheduleBlockedJobs(ctx context.Context, tx stateadapter.Tx) ([]string, error) {
	var unblocked []string
	err := s.txnFor(ctx, tx, func(ctx context.Context, w *txn) error {
		now := time.Now().UTC()
		for _, j := range w.jobs {
			if j.Status != domain.JobStatusBlocked {
				continue
			}
			if hasUnresolvedBlockers(w.jobs, w.blockers, j.ID) {
				continue
			}
			j.Status = domain.JobStatusPending
			j.UpdatedAt = now
			unblocked = append(unblocked, j.ID)
		}
		return nil
	})
	sort.Strings(unblocked)
	return unblocked, err
}

// scheduledAtOrZero treats an unset ScheduledAt as immediately eligible, so
// it sorts before any job with a future scheduled_at.
func scheduledAtOrZero(j *domain.Job) time.Time {
	if j.ScheduledAt == nil {
		return time.Time{}
	}
	return *j.ScheduledAt
}

func hasUnresolvedBlockers(jobs map[string]*domain.Job, blockers []domain.JobBlocker, jobID string) bool {
	for _, b := range blockers {
		if b.JobID != jobID {
			continue
		}
		if !chainCompleted(jobs, b.BlockedByChainID) {
			return true
		}
	}
	return false
}

func (s *Store) AcquireJob(ctx context.Context, tx stateadapter.Tx, params stateadapter.AcquireJobParams) (*domain.Job, error) {
	var acquired *domain.Job
	err := s.txnFor(ctx, tx, func(ctx context.Context, w *txn) error {
		now := time.Now().UTC()

		var candidates []*domain.Job
		for _, j := range w.jobs {
			if j.Status != domain.JobStatusPending {
				continue
			}
			if j.ScheduledAt != nil && j.ScheduledAt.After(now) {
				continue
			}
			if len(params.TypeNames) > 0 && !slices.Contains(params.TypeNames, j.TypeName) {
				continue
			}
			if hasUnresolvedBlockers(w.jobs, w.blockers, j.ID) {
				continue
			}
			candidates = append(candidates, j)
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.Slice(candidates, func(i, k int) bool {
			a, b := candidates[i], candidates[k]
			aAt, bAt := scheduledAtOrZero(a), scheduledAtOrZero(b)
			if !aAt.Equal(bAt) {
				return aAt.Before(bAt)
			}
			return a.ID < b.ID
		})
		picked := candidates[0]
		leaseUntil := now.Add(time.Duration(params.LeaseMs) * time.Millisecond)
		picked.Status = domain.JobStatusRunning
		picked.LeasedBy = &params.WorkerID
		picked.LeasedUntil = &leaseUntil
		picked.AttemptCount++
		picked.UpdatedAt = now
		acquired = cloneJob(picked)
		return nil
	})
	return acquired, err
}

func (s *Store) RenewJobLease(ctx context.Context, tx stateadapter.Tx, jobID, workerID string, newLeaseUntil time.Time) error {
	return s.txnFor(ctx, tx, func(ctx context.Context, w *txn) error {
		j, ok := w.jobs[jobID]
		if !ok {
			return &domain.JobNotFoundError{JobID: jobID}
		}
		if j.Status != domain.JobStatusRunning || j.LeasedBy == nil || *j.LeasedBy != workerID {
			return &domain.JobTakenByAnotherWorkerError{JobID: jobID}
		}
		j.LeasedUntil = &newLeaseUntil
		j.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *Store) RescheduleJob(ctx context.Context, tx stateadapter.Tx, params stateadapter.RescheduleJobParams) error {
	return s.txnFor(ctx, tx, func(ctx context.Context, w *txn) error {
		j, ok := w.jobs[params.JobID]
		if !ok {
			return &domain.JobNotFoundError{JobID: params.JobID}
		}
		if j.Status == domain.JobStatusCompleted {
			return &domain.JobAlreadyCompletedError{JobID: params.JobID}
		}
		j.Status = domain.JobStatusPending
		j.LeasedBy = nil
		j.LeasedUntil = nil
		at := params.ScheduledAt
		j.ScheduledAt = &at
		j.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *Store) CompleteJob(ctx context.Context, tx stateadapter.Tx, params stateadapter.CompleteJobParams, continuation *stateadapter.CreateJobParams) (*domain.Job, *domain.Job, error) {
	var completed, continued *domain.Job
	err := s.txnFor(ctx, tx, func(ctx context.Context, w *txn) error {
		j, ok := w.jobs[params.JobID]
		if !ok {
			return &domain.JobNotFoundError{JobID: params.JobID}
		}
		if j.Status == domain.JobStatusCompleted {
			return &domain.JobAlreadyCompletedError{JobID: params.JobID}
		}
		if params.WorkerID != nil && (j.LeasedBy == nil || *j.LeasedBy != *params.WorkerID) {
			return &domain.JobTakenByAnotherWorkerError{JobID: params.JobID}
		}
		now := time.Now().UTC()
		j.Status = domain.JobStatusCompleted
		j.Output = append([]byte(nil), params.Output...)
		j.LeasedBy = nil
		j.LeasedUntil = nil
		j.UpdatedAt = now
		completed = cloneJob(j)

		if continuation != nil {
			id := newJobID()
			parentID := j.ID
			next := &domain.Job{
				ID:                 id,
				TypeName:           continuation.TypeName,
				RootChainID:        j.RootChainID,
				ContinuesFromJobID: &parentID,
				Status:             domain.JobStatusPending,
				Input:              append([]byte(nil), continuation.Input...),
				TraceContext:       append([]byte(nil), continuation.TraceContext...),
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			if continuation.Schedule.AfterMs != nil {
				t := now.Add(time.Duration(*continuation.Schedule.AfterMs) * time.Millisecond)
				next.ScheduledAt = &t
			} else {
				next.ScheduledAt = continuation.Schedule.At
			}
			w.jobs[id] = next
			continued = cloneJob(next)
		}
		return nil
	})
	return completed, continued, err
}

func (s *Store) RemoveExpiredJobLease(ctx context.Context, tx stateadapter.Tx, now time.Time) ([]string, error) {
	var reaped []string
	err := s.txnFor(ctx, tx, func(ctx context.Context, w *txn) error {
		for _, j := range w.jobs {
			if j.Status != domain.JobStatusRunning {
				continue
			}
			if j.LeasedUntil == nil || j.LeasedUntil.After(now) {
				continue
			}
			j.Status = domain.JobStatusPending
			j.LeasedBy = nil
			j.LeasedUntil = nil
			j.UpdatedAt = now
			reaped = append(reaped, j.ID)
		}
		return nil
	})
	sort.Strings(reaped)
	return reaped, err
}

func (s *Store) GetJobForUpdate(ctx context.Context, tx stateadapter.Tx, jobID string) (*domain.Job, error) {
	var job *domain.Job
	err := s.txnFor(ctx, tx, func(ctx context.Context, w *txn) error {
		j, ok := w.jobs[jobID]
		if !ok {
			return &domain.JobNotFoundError{JobID: jobID}
		}
		job = cloneJob(j)
		return nil
	})
	return job, err
}

func (s *Store) GetCurrentJobForUpdate(ctx context.Context, tx stateadapter.Tx, rootChainID string) (*domain.Job, error) {
	var job *domain.Job
	err := s.txnFor(ctx, tx, func(ctx context.Context, w *txn) error {
		j := currentJobOf(w.jobs, rootChainID)
		if j == nil {
			return &domain.JobNotFoundError{JobID: rootChainID}
		}
		job = cloneJob(j)
		return nil
	})
	return job, err
}

// GetExternalBlockers finds jobs outside rootChainIDs that are still blocked
// on a chain inside rootChainIDs, and returns their (external) root chain
// ids. DeleteJobChains calls this before deleting: a non-empty result means
// some job outside the set would be orphaned, its blocker never resolvable
// once the chain it's waiting on is gone.
func (s *Store) GetExternalBlockers(ctx context.Context, tx stateadapter.Tx, rootChainIDs []string) ([]string, error) {
	var external []string
	err := s.txnFor(ctx, tx, func(ctx context.Context, w *txn) error {
		set := make(map[string]struct{}, len(rootChainIDs))
		for _, id := range rootChainIDs {
			set[id] = struct{}{}
		}
		seen := make(map[string]struct{})
		for _, b := range w.blockers {
			if _, ok := set[b.BlockedByChainID]; !ok {
				continue
			}
			j, ok := w.jobs[b.JobID]
			if !ok {
				continue
			}
			if _, ok := set[j.RootChainID]; ok {
				continue // blocked job is itself inside the set being deleted
			}
			if chainCompleted(w.jobs, b.BlockedByChainID) {
				continue
			}
			if _, ok := seen[j.RootChainID]; ok {
				continue
			}
			seen[j.RootChainID] = struct{}{}
			external = append(external, j.RootChainID)
		}
		return nil
	})
	sort.Strings(external)
	return external, err
}

func (s *Store) DeleteJobsByRootChainIDs(ctx context.Context, tx stateadapter.Tx, rootChainIDs []string) error {
	return s.txnFor(ctx, tx, func(ctx context.Context, w *txn) error {
		set := make(map[string]bool, len(rootChainIDs))
		for _, id := range rootChainIDs {
			set[id] = true
		}
		for id, j := range w.jobs {
			if set[j.RootChainID] {
				delete(w.jobs, id)
			}
		}
		kept := w.blockers[:0:0]
		for _, b := range w.blockers {
			if _, ok := w.jobs[b.JobID]; ok {
				kept = append(kept, b)
			}
		}
		w.blockers = kept
		return nil
	})
}

func (s *Store) GetNextJobAvailableInMs(ctx context.Context, tx stateadapter.Tx, now time.Time) (*int64, error) {
	var result *int64
	err := s.txnFor(ctx, tx, func(ctx context.Context, w *txn) error {
		var soonest *time.Time
		for _, j := range w.jobs {
			if j.Status != domain.JobStatusPending {
				continue
			}
			if hasUnresolvedBlockers(w.jobs, w.blockers, j.ID) {
				continue
			}
			if j.ScheduledAt == nil || !j.ScheduledAt.After(now) {
				zero := int64(0)
				result = &zero
				return nil
			}
			if soonest == nil || j.ScheduledAt.Before(*soonest) {
				soonest = j.ScheduledAt
			}
		}
		if soonest != nil {
			ms := soonest.Sub(now).Milliseconds()
			result = &ms
		}
		return nil
	})
	return result, err
}
