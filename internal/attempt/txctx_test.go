package attempt

import (
	"context"
	"testing"

	"github.com/rezkam/jobchain/internal/domain"
	"github.com/rezkam/jobchain/internal/stateadapter"
	"github.com/rezkam/jobchain/internal/stateadapter/memstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionContext_RunsCallsInOrderAndCommitsOnResolve(t *testing.T) {
	state := memstate.New()
	tc := NewTransactionContext(state)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		err := tc.Run(context.Background(), func(ctx context.Context, tx stateadapter.Tx) error {
			order = append(order, i)
			return nil
		})
		require.NoError(t, err)
	}

	assert.NoError(t, tc.Resolve())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestTransactionContext_RejectRollsBackAndReturnsErr(t *testing.T) {
	state := memstate.New()
	tc := NewTransactionContext(state)

	created := false
	var createdID string
	err := tc.Run(context.Background(), func(ctx context.Context, tx stateadapter.Tx) error {
		job, _, err := state.CreateJob(ctx, tx, stateadapter.CreateJobParams{TypeName: "t"})
		created = err == nil
		if created {
			createdID = job.ID
		}
		return nil
	})
	require.NoError(t, err)
	require.True(t, created)

	sentinel := assert.AnError
	gotErr := tc.Reject(sentinel)
	assert.ErrorIs(t, gotErr, sentinel)

	_, err = state.GetJobForUpdate(context.Background(), nil, createdID)
	var notFound *domain.JobNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestTransactionContext_RunAfterTerminalReturnsClosed(t *testing.T) {
	state := memstate.New()
	tc := NewTransactionContext(state)
	require.NoError(t, tc.Resolve())

	err := tc.Run(context.Background(), func(ctx context.Context, tx stateadapter.Tx) error { return nil })
	assert.ErrorIs(t, err, ErrTransactionContextClosed)
}

func TestTransactionContext_ResolveIsIdempotent(t *testing.T) {
	state := memstate.New()
	tc := NewTransactionContext(state)
	assert.NoError(t, tc.Resolve())
	assert.NoError(t, tc.Resolve())
}
