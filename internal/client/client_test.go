package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/jobchain/internal/domain"
	"github.com/rezkam/jobchain/internal/engine"
	"github.com/rezkam/jobchain/internal/jobtype"
	"github.com/rezkam/jobchain/internal/notify/inprocess"
	"github.com/rezkam/jobchain/internal/observability"
	"github.com/rezkam/jobchain/internal/stateadapter/memstate"
)

type orderInput struct {
	OrderID string `json:"orderId"`
}

func newTestClient() *Client {
	eng := engine.New(memstate.New(), inprocess.New(), observability.NoOp(), jobtype.NewIdentityRegistry())
	return New(eng)
}

func TestStartJobChain_CreatesChainHead(t *testing.T) {
	c := newTestClient()
	chain, err := c.StartJobChain(context.Background(), "fetch_order", orderInput{OrderID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, chain.RootChainID, chain.HeadJob.ID)
	assert.Equal(t, chain.HeadJob.ID, chain.CurrentJob.ID)
	assert.False(t, chain.Completed())
}

func TestStartJobChain_WithBlockedByStartsBlocked(t *testing.T) {
	c := newTestClient()
	upstream, err := c.StartJobChain(context.Background(), "upstream", orderInput{})
	require.NoError(t, err)

	waiter, err := c.StartJobChain(context.Background(), "report", orderInput{}, WithBlockedBy(upstream.RootChainID))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusBlocked, waiter.CurrentJob.Status)
}

func TestStartJobChain_WithDeduplicationReturnsSameChain(t *testing.T) {
	c := newTestClient()
	dedup := domain.Deduplication{Key: "order-1", Scope: domain.DeduplicationScopeIncomplete}

	first, err := c.StartJobChain(context.Background(), "charge", orderInput{OrderID: "o1"}, WithDeduplication(dedup))
	require.NoError(t, err)
	second, err := c.StartJobChain(context.Background(), "charge", orderInput{OrderID: "o1"}, WithDeduplication(dedup))
	require.NoError(t, err)
	assert.Equal(t, first.RootChainID, second.RootChainID)
}

func TestCompleteJobChain_MarksCurrentJobCompleted(t *testing.T) {
	c := newTestClient()
	chain, err := c.StartJobChain(context.Background(), "t", orderInput{})
	require.NoError(t, err)

	completed, err := c.CompleteJobChain(context.Background(), chain.RootChainID, func(job *domain.Job, complete func(output any) error) error {
		return complete(map[string]any{"done": true})
	})
	require.NoError(t, err)
	assert.True(t, completed.Completed())
}

func TestDeleteJobChains_RemovesChain(t *testing.T) {
	c := newTestClient()
	chain, err := c.StartJobChain(context.Background(), "t", orderInput{})
	require.NoError(t, err)

	require.NoError(t, c.DeleteJobChains(context.Background(), []string{chain.RootChainID}))

	_, err = c.GetJobChain(context.Background(), chain.RootChainID)
	var notFound *domain.JobNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDeleteJobChains_NotChainHeadErrors(t *testing.T) {
	c := newTestClient()
	chain, err := c.StartJobChain(context.Background(), "t", orderInput{})
	require.NoError(t, err)
	headID := chain.HeadJob.ID
	cont, err := c.Engine.CreateJob(context.Background(), nil, engine.CreateJobInput{
		TypeName: "t2", RootChainID: chain.RootChainID, ContinuesFromJobID: &headID, Input: map[string]any{},
	})
	require.NoError(t, err)

	err = c.DeleteJobChains(context.Background(), []string{cont.ID})
	var notHead *domain.NotChainHeadError
	require.ErrorAs(t, err, &notHead)
}

func TestDeleteJobChains_ExternalBlockerPreventsDelete(t *testing.T) {
	c := newTestClient()
	upstream, err := c.StartJobChain(context.Background(), "upstream", orderInput{})
	require.NoError(t, err)
	waiter, err := c.StartJobChain(context.Background(), "report", orderInput{}, WithBlockedBy(upstream.RootChainID))
	require.NoError(t, err)

	err = c.DeleteJobChains(context.Background(), []string{upstream.RootChainID})
	var extErr *domain.ExternalBlockersError
	require.ErrorAs(t, err, &extErr)
	assert.Contains(t, extErr.ExternalRootChainIDs, waiter.RootChainID)

	// Nothing was deleted.
	_, err = c.GetJobChain(context.Background(), upstream.RootChainID)
	require.NoError(t, err)
}

func TestWaitForJobChainCompletion_ReturnsImmediatelyIfAlreadyDone(t *testing.T) {
	c := newTestClient()
	chain, err := c.StartJobChain(context.Background(), "t", orderInput{})
	require.NoError(t, err)
	_, err = c.CompleteJobChain(context.Background(), chain.RootChainID, func(job *domain.Job, complete func(output any) error) error {
		return complete(map[string]any{})
	})
	require.NoError(t, err)

	done, err := c.WaitForJobChainCompletion(context.Background(), chain.RootChainID, time.Second)
	require.NoError(t, err)
	assert.True(t, done.Completed())
}

func TestWaitForJobChainCompletion_WakesOnNotification(t *testing.T) {
	c := newTestClient()
	chain, err := c.StartJobChain(context.Background(), "t", orderInput{})
	require.NoError(t, err)

	resultCh := make(chan *domain.Chain, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := c.WaitForJobChainCompletion(context.Background(), chain.RootChainID, 2*time.Second)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = c.CompleteJobChain(context.Background(), chain.RootChainID, func(job *domain.Job, complete func(output any) error) error {
		return complete(map[string]any{})
	})
	require.NoError(t, err)

	select {
	case result := <-resultCh:
		assert.True(t, result.Completed())
	case err := <-errCh:
		t.Fatalf("wait returned error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not observe completion in time")
	}
}

func TestWaitForJobChainCompletion_TimesOut(t *testing.T) {
	c := newTestClient()
	chain, err := c.StartJobChain(context.Background(), "t", orderInput{})
	require.NoError(t, err)

	_, err = c.WaitForJobChainCompletion(context.Background(), chain.RootChainID, 50*time.Millisecond)
	var timeoutErr *WaitForJobChainCompletionTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestClient_WithNotify_FlushesOnSuccess(t *testing.T) {
	c := newTestClient()
	scheduledCh, dispose, err := c.Engine.Notify.ListenJobScheduled(context.Background())
	require.NoError(t, err)
	defer dispose()

	err = c.WithNotify(context.Background(), func(ctx context.Context) error {
		_, err := c.Engine.CreateJob(ctx, nil, engine.CreateJobInput{TypeName: "t", Input: map[string]any{}})
		return err
	})
	require.NoError(t, err)

	select {
	case <-scheduledCh:
	case <-time.After(time.Second):
		t.Fatal("expected a buffered job-scheduled notification to flush")
	}
}
