// Package attempt implements AttemptRuntime: the per-job-execution state
// machine that runs one handler invocation under a renewed lease, and
// LeaseManager, the ticker-driven renewal loop behind it. Grounded on the
// heartbeat goroutine in the corpus's generation-worker runtime
// (context.WithCancel plus a ticker calling ExtendAvailability).
package attempt

import (
	"context"
	"errors"
	"time"

	"github.com/rezkam/jobchain/internal/domain"
	"github.com/rezkam/jobchain/internal/engine"
	"github.com/rezkam/jobchain/internal/notify"
	"github.com/rezkam/jobchain/internal/observability"
)

// CancelReason identifies why an attempt's context was cancelled.
type CancelReason string

const (
	CancelReasonLeaseExpired CancelReason = "lease_expired"
	CancelReasonDeleted      CancelReason = "deleted"
)

// LeaseManager periodically renews the lease on one running job and
// cancels the attempt's context if renewal ever discovers the lease was
// stolen by another worker.
type LeaseManager struct {
	eng       *engine.Engine
	jobID     string
	workerID  string
	leaseMs   int64
	interval  time.Duration
}

// NewLeaseManager builds a LeaseManager that renews every interval,
// extending the lease to now+leaseMs each time. interval should be well
// under leaseMs (the corpus's heartbeat workers use roughly a third) so a
// single missed renewal does not let the lease lapse.
func NewLeaseManager(eng *engine.Engine, jobID, workerID string, leaseMs int64, interval time.Duration) *LeaseManager {
	return &LeaseManager{eng: eng, jobID: jobID, workerID: workerID, leaseMs: leaseMs, interval: interval}
}

// Run renews the lease every interval until ctx is cancelled or a renewal
// discovers the lease was stolen by another worker, in which case it calls
// cancel and returns. A renewal failure for any other reason (a transient
// database error, a cancelled query) is logged and retried on the next tick
// rather than cancelling the attempt: the handler may still be making
// progress, and if the lease genuinely lapses Reap eventually reclaims the
// job anyway.
func (m *LeaseManager) Run(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newUntil := time.Now().UTC().Add(time.Duration(m.leaseMs) * time.Millisecond)
			err := m.eng.State.RenewJobLease(ctx, nil, m.jobID, m.workerID, newUntil)
			if err == nil {
				m.eng.Observability.Event(ctx, observability.EventJobAttemptLeaseRenewed, observability.Fields{"job_id": m.jobID})
				continue
			}

			var taken *domain.JobTakenByAnotherWorkerError
			if errors.As(err, &taken) {
				m.eng.Observability.Event(ctx, observability.EventJobAttemptTaken, observability.Fields{"job_id": m.jobID})
				_ = m.eng.Notify.PublishJobOwnershipLost(ctx, notify.OwnershipLostPayload{JobID: m.jobID})
				cancel(&engine.JobCancelled{Reason: string(CancelReasonLeaseExpired)})
				return
			}

			m.eng.Observability.Event(ctx, observability.EventJobAttemptLeaseRenewErr, observability.Fields{"job_id": m.jobID, "error": err.Error()})
		}
	}
}
