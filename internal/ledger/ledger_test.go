package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/stakevault/internal/token"
)

const (
	alice    = "alice"
	lp       = "lp"
	operator = "op"
	custody  = "custody"
)

type recordedEvent struct {
	subject string
	data    interface{}
}

type eventRecorder struct {
	events []recordedEvent
}

func (r *eventRecorder) Publish(ctx context.Context, subject string, data interface{}) error {
	r.events = append(r.events, recordedEvent{subject: subject, data: data})
	return nil
}

// flakyAsset fails the next transfer, then behaves normally.
type flakyAsset struct {
	*token.Ledger
	failNext bool
}

func (f *flakyAsset) Transfer(from, to string, amount *uint256.Int) error {
	if f.failNext {
		f.failNext = false
		return errors.New("asset ledger unavailable")
	}
	return f.Ledger.Transfer(from, to, amount)
}

type fixture struct {
	ledger  *StakeLedger
	staking *flakyAsset
	reward  *flakyAsset
	events  *eventRecorder
	clock   *time.Time
}

// newFixture builds a ledger at a frozen clock with alice holding staking
// funds and the reserve funded by lp.
func newFixture(t *testing.T, rate *uint256.Int, reserveFunding uint64) *fixture {
	t.Helper()

	staking := &flakyAsset{Ledger: token.NewLedger("STK")}
	reward := &flakyAsset{Ledger: token.NewLedger("RWD")}
	events := &eventRecorder{}

	staking.Mint(alice, uint256.NewInt(1_000_000))
	reward.Mint(lp, uint256.NewInt(1_000_000))

	l := New(Config{
		RewardRatePerSecond: rate,
		Operator:            operator,
		Custody:             custody,
	}, staking, reward, events)

	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	if reserveFunding > 0 {
		require.NoError(t, l.AddReserve(context.Background(), lp, uint256.NewInt(reserveFunding)))
	}

	return &fixture{ledger: l, staking: staking, reward: reward, events: events, clock: &now}
}

func (f *fixture) advance(seconds int64) {
	*f.clock = f.clock.Add(time.Duration(seconds) * time.Second)
}

func TestOpenStake(t *testing.T) {
	t.Run("pays upfront reward from the reserve", func(t *testing.T) {
		// rate 1e18, principal 100, duration 10 -> reward 1000
		f := newFixture(t, uint256.NewInt(1e18), 1000)

		index, err := f.ledger.OpenStake(context.Background(), alice, uint256.NewInt(100), 10)
		require.NoError(t, err)
		assert.Equal(t, 0, index)

		assert.Equal(t, uint256.NewInt(1000), f.reward.BalanceOf(alice))
		assert.Equal(t, uint256.NewInt(100), f.staking.BalanceOf(custody))
		assert.True(t, f.ledger.ReserveBalance().IsZero())

		positions := f.ledger.Positions(alice)
		require.Len(t, positions, 1)
		assert.Equal(t, uint256.NewInt(100), positions[0].Principal)
		assert.Equal(t, uint256.NewInt(1000), positions[0].UpfrontReward)
		assert.Equal(t, uint64(10), positions[0].LockDuration)
		assert.False(t, positions[0].Settled)
	})

	t.Run("rejects zero principal", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(1e18), 1000)

		_, err := f.ledger.OpenStake(context.Background(), alice, uint256.NewInt(0), 10)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("rejects zero duration", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(1e18), 1000)

		_, err := f.ledger.OpenStake(context.Background(), alice, uint256.NewInt(100), 0)
		assert.ErrorIs(t, err, ErrInvalidDuration)
	})

	t.Run("fails with InsufficientReserve and leaves state unchanged", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(1e18), 999)

		_, err := f.ledger.OpenStake(context.Background(), alice, uint256.NewInt(100), 10)
		assert.ErrorIs(t, err, ErrInsufficientReserve)

		assert.Equal(t, uint256.NewInt(1_000_000), f.staking.BalanceOf(alice))
		assert.True(t, f.staking.BalanceOf(custody).IsZero())
		assert.True(t, f.reward.BalanceOf(alice).IsZero())
		assert.Equal(t, uint256.NewInt(999), f.ledger.ReserveBalance())
		assert.Empty(t, f.ledger.Positions(alice))
	})

	t.Run("fails on reward overflow", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(2), 1000)

		huge := new(uint256.Int).SetAllOne()
		_, err := f.ledger.OpenStake(context.Background(), alice, huge, 10)
		assert.ErrorIs(t, err, ErrArithmeticOverflow)
		assert.Empty(t, f.ledger.Positions(alice))
	})

	t.Run("fails when the principal pull fails", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(1e18), 1000)
		f.staking.failNext = true

		_, err := f.ledger.OpenStake(context.Background(), alice, uint256.NewInt(100), 10)
		assert.ErrorIs(t, err, ErrTransferFailed)
		assert.Equal(t, uint256.NewInt(1000), f.ledger.ReserveBalance())
		assert.Empty(t, f.ledger.Positions(alice))
	})

	t.Run("rolls back the principal pull when the reward payout fails", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(1e18), 1000)
		f.reward.failNext = true

		_, err := f.ledger.OpenStake(context.Background(), alice, uint256.NewInt(100), 10)
		assert.ErrorIs(t, err, ErrTransferFailed)

		assert.Equal(t, uint256.NewInt(1_000_000), f.staking.BalanceOf(alice))
		assert.True(t, f.staking.BalanceOf(custody).IsZero())
		assert.Equal(t, uint256.NewInt(1000), f.ledger.ReserveBalance())
		assert.Empty(t, f.ledger.Positions(alice))
	})

	t.Run("assigns stable consecutive indices", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(1e15), 1000)

		for want := 0; want < 3; want++ {
			index, err := f.ledger.OpenStake(context.Background(), alice, uint256.NewInt(100), 10)
			require.NoError(t, err)
			assert.Equal(t, want, index)
		}
	})
}

func TestRewardDeterminism(t *testing.T) {
	cases := []struct {
		name      string
		rate      uint64
		principal uint64
		duration  uint64
		want      uint64
	}{
		{"whole-token rate", 1e18, 100, 10, 1000},
		{"floors fractional rewards", 1, 1, 1, 0},
		{"floors just below one unit", 1e17, 100, 9, 90},
		{"exact division", 1e18, 7, 3, 21},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, uint256.NewInt(tc.rate), 0)

			reward, err := f.ledger.computeReward(uint256.NewInt(tc.principal), tc.duration)
			require.NoError(t, err)
			assert.Equal(t, uint256.NewInt(tc.want), reward)

			again, err := f.ledger.computeReward(uint256.NewInt(tc.principal), tc.duration)
			require.NoError(t, err)
			assert.Equal(t, reward, again)
		})
	}
}

func TestCloseStake(t *testing.T) {
	open := func(t *testing.T, f *fixture) int {
		t.Helper()
		index, err := f.ledger.OpenStake(context.Background(), alice, uint256.NewInt(100), 100)
		require.NoError(t, err)
		return index
	}

	t.Run("early close forfeits a 30% penalty to the reserve", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(1e16), 1000)
		index := open(t, f)
		reserveBefore := f.ledger.ReserveBalance()

		f.advance(50)
		payout, penalty, err := f.ledger.CloseStake(context.Background(), alice, index)
		require.NoError(t, err)

		assert.Equal(t, uint256.NewInt(70), payout)
		assert.Equal(t, uint256.NewInt(30), penalty)
		assert.Equal(t, new(uint256.Int).AddUint64(reserveBefore, 30), f.ledger.ReserveBalance())
		assert.True(t, f.ledger.Positions(alice)[index].Settled)
	})

	t.Run("close exactly at maturity pays full principal", func(t *testing.T) {
		// The boundary is inclusive on the matured side.
		f := newFixture(t, uint256.NewInt(1e16), 1000)
		index := open(t, f)
		reserveBefore := f.ledger.ReserveBalance()

		f.advance(100)
		payout, penalty, err := f.ledger.CloseStake(context.Background(), alice, index)
		require.NoError(t, err)

		assert.Equal(t, uint256.NewInt(100), payout)
		assert.True(t, penalty.IsZero())
		assert.Equal(t, reserveBefore, f.ledger.ReserveBalance())
	})

	t.Run("close after maturity pays full principal", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(1e16), 1000)
		index := open(t, f)

		f.advance(500)
		payout, penalty, err := f.ledger.CloseStake(context.Background(), alice, index)
		require.NoError(t, err)
		assert.Equal(t, uint256.NewInt(100), payout)
		assert.True(t, penalty.IsZero())
	})

	t.Run("double close fails with AlreadySettled", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(1e16), 1000)
		index := open(t, f)

		f.advance(100)
		_, _, err := f.ledger.CloseStake(context.Background(), alice, index)
		require.NoError(t, err)

		balanceBefore := f.staking.BalanceOf(alice)
		_, _, err = f.ledger.CloseStake(context.Background(), alice, index)
		assert.ErrorIs(t, err, ErrAlreadySettled)
		assert.Equal(t, balanceBefore, f.staking.BalanceOf(alice))
		assert.True(t, f.ledger.Positions(alice)[index].Settled)
	})

	t.Run("unknown index fails with IndexOutOfRange", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(1e16), 1000)
		open(t, f)

		_, _, err := f.ledger.CloseStake(context.Background(), alice, 5)
		assert.ErrorIs(t, err, ErrIndexOutOfRange)

		_, _, err = f.ledger.CloseStake(context.Background(), "stranger", 0)
		assert.ErrorIs(t, err, ErrIndexOutOfRange)
	})

	t.Run("failed payout transfer leaves the position open", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(1e16), 1000)
		index := open(t, f)
		reserveBefore := f.ledger.ReserveBalance()

		f.advance(50)
		f.staking.failNext = true
		_, _, err := f.ledger.CloseStake(context.Background(), alice, index)
		assert.ErrorIs(t, err, ErrTransferFailed)

		assert.False(t, f.ledger.Positions(alice)[index].Settled)
		assert.Equal(t, reserveBefore, f.ledger.ReserveBalance())

		// The position is still closable once the asset ledger recovers.
		payout, penalty, err := f.ledger.CloseStake(context.Background(), alice, index)
		require.NoError(t, err)
		assert.Equal(t, uint256.NewInt(70), payout)
		assert.Equal(t, uint256.NewInt(30), penalty)
	})
}

func TestReserve(t *testing.T) {
	t.Run("anyone may fund the reserve", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(1e18), 0)

		require.NoError(t, f.ledger.AddReserve(context.Background(), lp, uint256.NewInt(500)))
		assert.Equal(t, uint256.NewInt(500), f.ledger.ReserveBalance())
		assert.Equal(t, uint256.NewInt(500), f.reward.BalanceOf(custody))
	})

	t.Run("zero deposit is a no-op", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(1e18), 0)

		require.NoError(t, f.ledger.AddReserve(context.Background(), lp, uint256.NewInt(0)))
		assert.True(t, f.ledger.ReserveBalance().IsZero())
	})

	t.Run("failed deposit transfer changes nothing", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(1e18), 0)
		f.reward.failNext = true

		err := f.ledger.AddReserve(context.Background(), lp, uint256.NewInt(500))
		assert.ErrorIs(t, err, ErrTransferFailed)
		assert.True(t, f.ledger.ReserveBalance().IsZero())
		assert.Equal(t, uint256.NewInt(1_000_000), f.reward.BalanceOf(lp))
	})

	t.Run("operator may withdraw up to the balance", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(1e18), 800)

		require.NoError(t, f.ledger.RemoveReserve(context.Background(), operator, uint256.NewInt(300)))
		assert.Equal(t, uint256.NewInt(500), f.ledger.ReserveBalance())
		assert.Equal(t, uint256.NewInt(300), f.reward.BalanceOf(operator))

		err := f.ledger.RemoveReserve(context.Background(), operator, uint256.NewInt(501))
		assert.ErrorIs(t, err, ErrInsufficientReserve)
		assert.Equal(t, uint256.NewInt(500), f.ledger.ReserveBalance())
	})

	t.Run("non-operator withdrawal fails with PermissionDenied", func(t *testing.T) {
		f := newFixture(t, uint256.NewInt(1e18), 800)

		err := f.ledger.RemoveReserve(context.Background(), alice, uint256.NewInt(100))
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.Equal(t, uint256.NewInt(800), f.ledger.ReserveBalance())
	})
}

func TestConservation(t *testing.T) {
	// Net reserve change must equal inflows (deposits + penalties) minus
	// outflows (rewards + withdrawals) over an arbitrary history.
	f := newFixture(t, uint256.NewInt(1e16), 0)
	ctx := context.Background()

	inflows := uint256.NewInt(0)
	outflows := uint256.NewInt(0)

	require.NoError(t, f.ledger.AddReserve(ctx, lp, uint256.NewInt(10_000)))
	inflows.AddUint64(inflows, 10_000)

	// reward = 1000 * 1e16 * 50 / 1e18 = 500
	_, err := f.ledger.OpenStake(ctx, alice, uint256.NewInt(1000), 50)
	require.NoError(t, err)
	outflows.AddUint64(outflows, 500)

	// Early close: penalty 300 back into the reserve.
	_, penalty, err := f.ledger.CloseStake(ctx, alice, 0)
	require.NoError(t, err)
	inflows.Add(inflows, penalty)

	// A second stake held to maturity.
	// reward = 200 * 1e16 * 100 / 1e18 = 200
	_, err = f.ledger.OpenStake(ctx, alice, uint256.NewInt(200), 100)
	require.NoError(t, err)
	outflows.AddUint64(outflows, 200)
	f.advance(100)
	_, penalty, err = f.ledger.CloseStake(ctx, alice, 1)
	require.NoError(t, err)
	require.True(t, penalty.IsZero())

	require.NoError(t, f.ledger.RemoveReserve(ctx, operator, uint256.NewInt(1_000)))
	outflows.AddUint64(outflows, 1_000)

	net := new(uint256.Int).Sub(inflows, outflows)
	assert.Equal(t, net, f.ledger.ReserveBalance())
	// Penalties are withheld in the staking asset at custody rather than
	// converted, so the reserve counter equals custody's reward balance plus
	// the retained staking units. Both positions are settled, so custody's
	// staking balance is exactly the penalty total.
	assert.Equal(t, uint256.NewInt(300), f.staking.BalanceOf(custody))
	physical := new(uint256.Int).Add(f.reward.BalanceOf(custody), f.staking.BalanceOf(custody))
	assert.Equal(t, f.ledger.ReserveBalance(), physical)
}

func TestPositionsSnapshot(t *testing.T) {
	f := newFixture(t, uint256.NewInt(1e16), 1000)
	ctx := context.Background()

	_, err := f.ledger.OpenStake(ctx, alice, uint256.NewInt(100), 100)
	require.NoError(t, err)

	snapshot := f.ledger.Positions(alice)
	snapshot[0].Settled = true
	snapshot[0].Principal.SetUint64(1)

	fresh := f.ledger.Positions(alice)
	assert.False(t, fresh[0].Settled)
	assert.Equal(t, uint256.NewInt(100), fresh[0].Principal)

	assert.Empty(t, f.ledger.Positions("stranger"))
}

func TestEventEmission(t *testing.T) {
	f := newFixture(t, uint256.NewInt(1e16), 1000)
	ctx := context.Background()

	_, err := f.ledger.OpenStake(ctx, alice, uint256.NewInt(100), 100)
	require.NoError(t, err)
	_, _, err = f.ledger.CloseStake(ctx, alice, 0)
	require.NoError(t, err)
	require.NoError(t, f.ledger.RemoveReserve(ctx, operator, uint256.NewInt(10)))

	subjects := make([]string, len(f.events.events))
	for i, e := range f.events.events {
		subjects[i] = e.subject
	}
	assert.Equal(t, []string{
		"reserve.added", // fixture funding
		"stake.opened",
		"stake.closed",
		"reserve.removed",
	}, subjects)
}
