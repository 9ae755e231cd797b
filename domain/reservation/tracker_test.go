package reservation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preidman/dex/domain/order"
)

type fakeBalances map[string]int64

func (f fakeBalances) SpendableBalance(_ context.Context, account string, asset order.Asset) (int64, error) {
	return f[account+"/"+string(asset)], nil
}

func TestReserveAndQuery(t *testing.T) {
	tr := NewTracker(fakeBalances{"alice/WAVES": 1000}, nil)

	err := tr.Reserve(context.Background(), "o1", "alice", Locks{order.Waves: 600})
	require.NoError(t, err)
	assert.EqualValues(t, 600, tr.Reserved("alice")[order.Waves])
}

func TestReserveRejectsOverdraft(t *testing.T) {
	tr := NewTracker(fakeBalances{"alice/WAVES": 1000}, nil)
	require.NoError(t, tr.Reserve(context.Background(), "o1", "alice", Locks{order.Waves: 600}))

	err := tr.Reserve(context.Background(), "o2", "alice", Locks{order.Waves: 600})
	var btl *order.BalanceTooLowError
	require.ErrorAs(t, err, &btl)
	assert.EqualValues(t, 400, btl.Available)
	assert.EqualValues(t, 600, tr.Reserved("alice")[order.Waves], "failed reserve must not change locks")
}

func TestReserveIdempotentPerOrder(t *testing.T) {
	tr := NewTracker(fakeBalances{"alice/WAVES": 1000}, nil)
	require.NoError(t, tr.Reserve(context.Background(), "o1", "alice", Locks{order.Waves: 600}))
	require.NoError(t, tr.Reserve(context.Background(), "o1", "alice", Locks{order.Waves: 600}))

	assert.EqualValues(t, 600, tr.Reserved("alice")[order.Waves])
}

func TestReleaseFillPartial(t *testing.T) {
	tr := NewTracker(fakeBalances{"alice/WAVES": 1000}, nil)
	require.NoError(t, tr.Reserve(context.Background(), "o1", "alice", Locks{order.Waves: 600}))

	require.NoError(t, tr.ReleaseFill("o1", "alice", order.Waves, 250))
	assert.EqualValues(t, 350, tr.Reserved("alice")[order.Waves])
	assert.EqualValues(t, 350, tr.HeldFor("o1", "alice")[order.Waves])
}

func TestReleaseOrderDropsRemainder(t *testing.T) {
	tr := NewTracker(fakeBalances{"alice/WAVES": 1000, "alice/BTC": 50}, nil)
	require.NoError(t, tr.Reserve(context.Background(), "o1", "alice", Locks{order.Waves: 600, "BTC": 20}))

	tr.ReleaseOrder("o1", "alice")
	assert.Empty(t, tr.Reserved("alice"))
	assert.Nil(t, tr.HeldFor("o1", "alice"))

	// releasing again is a no-op
	tr.ReleaseOrder("o1", "alice")
	assert.Empty(t, tr.Reserved("alice"))
}

func TestUnderflowPoisonsOnlyThatAccount(t *testing.T) {
	tr := NewTracker(fakeBalances{"alice/WAVES": 1000, "bob/WAVES": 1000}, nil)
	require.NoError(t, tr.Reserve(context.Background(), "o1", "alice", Locks{order.Waves: 100}))
	require.NoError(t, tr.Reserve(context.Background(), "o2", "bob", Locks{order.Waves: 100}))

	err := tr.ReleaseFill("o1", "alice", order.Waves, 500)
	require.ErrorIs(t, err, order.ErrInternalInconsistency)

	err = tr.Reserve(context.Background(), "o3", "alice", Locks{order.Waves: 1})
	assert.ErrorIs(t, err, order.ErrInternalInconsistency, "poisoned account rejects mutations")

	err = tr.Reserve(context.Background(), "o4", "bob", Locks{order.Waves: 100})
	assert.NoError(t, err, "other accounts keep working")
}

func TestRestoreSkipsBalanceCheck(t *testing.T) {
	tr := NewTracker(fakeBalances{}, nil)
	tr.Restore("o1", "alice", Locks{order.Waves: 600})
	assert.EqualValues(t, 600, tr.Reserved("alice")[order.Waves])

	// second restore for the same order is a no-op
	tr.Restore("o1", "alice", Locks{order.Waves: 600})
	assert.EqualValues(t, 600, tr.Reserved("alice")[order.Waves])
}

func TestReserveTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := NewTracker(failingBalances{}, nil)

	err := tr.Reserve(ctx, "o1", "alice", Locks{order.Waves: 1})
	assert.ErrorIs(t, err, order.ErrTimeout)
}

type failingBalances struct{}

func (failingBalances) SpendableBalance(ctx context.Context, _ string, _ order.Asset) (int64, error) {
	return 0, ctx.Err()
}
