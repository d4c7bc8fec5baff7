// Package client is the public entry point callers outside the worker
// process use to start job chains, inspect them, and wait for completion.
// It is a thin facade over engine.Engine.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rezkam/jobchain/internal/domain"
	"github.com/rezkam/jobchain/internal/engine"
	"github.com/rezkam/jobchain/internal/notify"
	"github.com/rezkam/jobchain/internal/stateadapter"
)

// Client is the caller-facing API for starting and observing job chains.
type Client struct {
	Engine *engine.Engine
}

// New wraps eng in a Client.
func New(eng *engine.Engine) *Client {
	return &Client{Engine: eng}
}

// StartJobChain creates a new chain whose head job is typeName(input),
// optionally blocked on other chains completing first.
func (c *Client) StartJobChain(ctx context.Context, typeName string, input any, opts ...StartOption) (*domain.Chain, error) {
	cfg := startConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	var head *domain.Job
	ctx = engine.WithNotify(ctx)
	err := c.Engine.State.RunInTransaction(ctx, func(ctx context.Context, tx stateadapter.Tx) error {
		job, err := c.Engine.CreateJob(ctx, tx, engine.CreateJobInput{
			TypeName:      typeName,
			Input:         input,
			Schedule:      cfg.schedule,
			Deduplication: cfg.deduplication,
		})
		if err != nil {
			return err
		}
		head = job
		if len(cfg.blockedByChainIDs) > 0 {
			if err := c.Engine.AddJobBlockers(ctx, tx, job.ID, cfg.blockedByChainIDs, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := engine.FlushNotify(ctx, c.Engine.Notify); err != nil {
		return nil, err
	}

	return c.GetJobChain(ctx, head.RootChainID)
}

// GetJobChain reads the head and current job of rootChainID and assembles
// the derived Chain view.
func (c *Client) GetJobChain(ctx context.Context, rootChainID string) (*domain.Chain, error) {
	var chain *domain.Chain
	err := c.Engine.State.RunInTransaction(ctx, func(ctx context.Context, tx stateadapter.Tx) error {
		head, err := c.Engine.State.GetJobForUpdate(ctx, tx, rootChainID)
		if err != nil {
			return err
		}
		current, err := c.Engine.State.GetCurrentJobForUpdate(ctx, tx, rootChainID)
		if err != nil {
			return err
		}
		chain = &domain.Chain{RootChainID: rootChainID, HeadJob: head, CurrentJob: current}
		return nil
	})
	return chain, err
}

// CompleteJobChain forcibly completes the chain's current job without
// running its handler, useful for administrative intervention or tests.
// fn receives the current job and a complete callback; calling complete
// finishes the job with the given output and, unlike a normal attempt
// completion, enqueues no continuation. fn may return without calling
// complete to abort (GetJobChain then reflects the chain unchanged).
//
// If the current job was still running (a worker had it leased), forcing
// its completion here pulls it out from under that worker: the worker's
// own eventual Runtime.Complete will fail with
// domain.JobTakenByAnotherWorkerError once it notices. CompleteJobChain
// publishes job-ownership-lost for that job id so the owning worker (or an
// operator) can react without waiting on that failure.
func (c *Client) CompleteJobChain(ctx context.Context, rootChainID string, fn func(job *domain.Job, complete func(output any) error) error) (*domain.Chain, error) {
	ctx = engine.WithNotify(ctx)
	err := c.Engine.State.RunInTransaction(ctx, func(ctx context.Context, tx stateadapter.Tx) error {
		current, err := c.Engine.State.GetCurrentJobForUpdate(ctx, tx, rootChainID)
		if err != nil {
			return err
		}
		wasRunning := current.Status == domain.JobStatusRunning

		var completedID string
		complete := func(output any) error {
			_, _, err := c.Engine.FinishJob(ctx, tx, current.ID, output, nil, nil)
			if err != nil {
				return err
			}
			completedID = current.ID
			return nil
		}

		if err := fn(current, complete); err != nil {
			return err
		}
		if completedID != "" && wasRunning {
			engine.BufferJobOwnershipLost(ctx, notify.OwnershipLostPayload{JobID: completedID})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := engine.FlushNotify(ctx, c.Engine.Notify); err != nil {
		return nil, err
	}
	return c.GetJobChain(ctx, rootChainID)
}

// DeleteJobChains deletes every job belonging to any of rootChainIDs. Every
// id must itself be a chain head job (IsChainHead); deleting from the
// middle of a chain is not supported. Before deleting, it verifies no job
// outside rootChainIDs is blocked on one of them, returning
// ExternalBlockersError and deleting nothing if so.
func (c *Client) DeleteJobChains(ctx context.Context, rootChainIDs []string) error {
	return c.Engine.State.RunInTransaction(ctx, func(ctx context.Context, tx stateadapter.Tx) error {
		for _, id := range rootChainIDs {
			head, err := c.Engine.State.GetJobForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			if !head.IsChainHead() {
				return &domain.NotChainHeadError{JobID: id}
			}
		}

		external, err := c.Engine.State.GetExternalBlockers(ctx, tx, rootChainIDs)
		if err != nil {
			return err
		}
		if len(external) > 0 {
			return &domain.ExternalBlockersError{ExternalRootChainIDs: external}
		}

		return c.Engine.State.DeleteJobsByRootChainIDs(ctx, tx, rootChainIDs)
	})
}

// WaitForJobChainCompletionTimeoutError is returned by
// WaitForJobChainCompletion when timeout elapses before the chain
// completes.
type WaitForJobChainCompletionTimeoutError struct {
	RootChainID string
	Timeout     time.Duration
}

func (e *WaitForJobChainCompletionTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for chain %s to complete", e.Timeout, e.RootChainID)
}

// WaitForJobChainCompletion blocks until the chain rooted at rootChainID
// completes, timeout elapses, or ctx is done. It subscribes to
// job-chain-completed notifications but also polls on a fixed interval so
// it is correct with notify.NoOp().
func (c *Client) WaitForJobChainCompletion(ctx context.Context, rootChainID string, timeout time.Duration) (*domain.Chain, error) {
	chain, err := c.GetJobChain(ctx, rootChainID)
	if err != nil {
		return nil, err
	}
	if chain.Completed() {
		return chain, nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	completed, dispose, err := c.Engine.Notify.ListenChainCompleted(ctx)
	if err != nil {
		return nil, err
	}
	defer dispose()

	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &WaitForJobChainCompletionTimeoutError{RootChainID: rootChainID, Timeout: timeout}
			}
			return nil, ctx.Err()
		case payload := <-completed:
			if payload.RootChainID != rootChainID {
				continue
			}
			return c.GetJobChain(ctx, rootChainID)
		case <-poll.C:
			chain, err := c.GetJobChain(ctx, rootChainID)
			if err != nil {
				return nil, err
			}
			if chain.Completed() {
				return chain, nil
			}
		}
	}
}

// WithNotify installs a notification buffer on the ctx passed to fn and
// publishes what it holds once fn returns nil; on an error nothing is
// published. It collects notifications from engine-level calls made with
// that ctx (e.g. Engine.CreateJob inside a caller's own transaction). Client
// methods called inside fn do not join it: each installs its own buffer and
// publishes right after its own transaction commits.
func (c *Client) WithNotify(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx = engine.WithNotify(ctx)
	if err := fn(ctx); err != nil {
		return err
	}
	return engine.FlushNotify(ctx, c.Engine.Notify)
}

// startConfig accumulates StartOption values.
type startConfig struct {
	schedule          domain.Schedule
	deduplication     *domain.Deduplication
	blockedByChainIDs []string
}

// StartOption configures a StartJobChain call.
type StartOption func(*startConfig)

// WithSchedule delays the chain's head job's eligibility.
func WithSchedule(s domain.Schedule) StartOption {
	return func(c *startConfig) { c.schedule = s }
}

// WithDeduplication suppresses creating a duplicate chain within a window.
func WithDeduplication(d domain.Deduplication) StartOption {
	return func(c *startConfig) { c.deduplication = &d }
}

// WithBlockedBy makes the new chain's head job wait for the given chains to
// complete before it becomes eligible.
func WithBlockedBy(rootChainIDs ...string) StartOption {
	return func(c *startConfig) { c.blockedByChainIDs = rootChainIDs }
}
