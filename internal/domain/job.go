// Package domain holds the core job-chain data model: jobs, the derived
// chain view over them, blockers, and the error taxonomy used across the
// engine, worker and client packages.
package domain

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusBlocked   JobStatus = "blocked"
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
)

// DeduplicationScope controls how a job's deduplication key is compared
// against other jobs when deciding whether to skip creation.
type DeduplicationScope string

const (
	// DeduplicationScopeIncomplete matches only jobs that have not yet
	// completed: once the existing job finishes, the key is free again. This
	// is the default scope.
	DeduplicationScopeIncomplete DeduplicationScope = "incomplete"
	// DeduplicationScopeAll matches any job sharing the key regardless of its
	// status, so the key stays blocked until WindowMs elapses even after the
	// existing job completes.
	DeduplicationScopeAll DeduplicationScope = "all"
)

// Deduplication configures duplicate-suppression for a job about to be
// created. A job sharing Key with an existing job whose WindowMs is still
// live (and, under DeduplicationScopeIncomplete, that has not completed) is
// not created; the existing job's chain is returned instead.
type Deduplication struct {
	Key      string
	Scope    DeduplicationScope
	WindowMs *int64
}

// Schedule configures when a job becomes eligible to run. At most one of At
// or AfterMs should be set; if both are zero-valued the job is eligible
// immediately.
type Schedule struct {
	At      *time.Time
	AfterMs *int64
}

// Job is a single unit of work belonging to a chain. Chains are not stored
// directly: a chain is the sequence of jobs reachable by following
// ContinuesFromJobID back to a job whose ContinuesFromJobID is nil (the
// chain's head), identified by RootChainID.
type Job struct {
	ID     string
	TypeName string

	// RootChainID identifies the chain this job belongs to. It equals the
	// ID of the chain's head job.
	RootChainID string

	// ContinuesFromJobID is non-nil when this job is a continuation produced
	// by a previous job in the same chain on completion.
	ContinuesFromJobID *string

	Status JobStatus

	Input  json.RawMessage
	Output json.RawMessage

	// ScheduledAt is the earliest time this job may be acquired. Nil means
	// immediately eligible (subject to blockers).
	ScheduledAt *time.Time

	// DeduplicationKey/Scope/ExpiresAt record the dedup identity used at
	// creation time, so a later createJob call can detect a live duplicate.
	DeduplicationKey    *string
	DeduplicationScope  DeduplicationScope
	DeduplicationExpiresAt *time.Time

	// Lease fields, set only while Status == JobStatusRunning.
	LeasedBy    *string
	LeasedUntil *time.Time

	AttemptCount int

	TraceContext json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsChainHead reports whether this job is the first job of its chain.
func (j *Job) IsChainHead() bool {
	return j.ContinuesFromJobID == nil
}

// JobBlocker records that Job JobID may not be acquired until the chain
// rooted at BlockedByChainID has completed.
type JobBlocker struct {
	JobID               string
	BlockedByChainID     string
	BlockerTraceContext json.RawMessage
}

// Chain is a derived, read-only view over the jobs that make up one chain.
// It is never persisted as its own record; GetJobChain assembles it from the
// head job and the current (most recently produced) job.
type Chain struct {
	RootChainID string
	HeadJob     *Job
	CurrentJob  *Job
}

// Completed reports whether the chain's current job has finished and
// produced no further continuation.
func (c *Chain) Completed() bool {
	return c.CurrentJob != nil && c.CurrentJob.Status == JobStatusCompleted
}
