package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/stakevault/pkg/messaging"
	"github.com/terminal-bench/stakevault/pkg/metrics"
)

// Scale is the fixed-point divisor applied to reward computation.
// Rates are expressed in reward base units per second per 1e18 staked units.
var Scale = uint256.NewInt(1e18)

// Early-exit penalty: 30% of principal, forfeited back into the reserve.
var (
	penaltyNum = uint256.NewInt(30)
	penaltyDen = uint256.NewInt(100)
)

// Transferer moves fungible asset units between accounts. The staking-asset
// and reward-asset ledgers are supplied as two instances of this capability;
// any non-nil error is treated as a hard failure of the enclosing operation.
type Transferer interface {
	Transfer(from, to string, amount *uint256.Int) error
}

// EventPublisher publishes committed-operation events. Satisfied by
// *messaging.Client.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Position is one stake record. All fields except Settled are fixed at
// creation; Settled flips to true exactly once when the position is closed.
type Position struct {
	Principal     *uint256.Int `json:"principal"`
	OpenedAt      int64        `json:"opened_at"`
	LockDuration  uint64       `json:"lock_duration"`
	UpfrontReward *uint256.Int `json:"upfront_reward"`
	Settled       bool         `json:"settled"`
}

// UnlockTime returns the unix second at or after which the position is
// matured.
func (p *Position) UnlockTime() int64 {
	return p.OpenedAt + int64(p.LockDuration)
}

// Config holds the parameters fixed for the ledger's lifetime.
type Config struct {
	// RewardRatePerSecond scales the upfront reward; immutable once set.
	RewardRatePerSecond *uint256.Int
	// Operator is the only identity allowed to withdraw from the reserve.
	Operator string
	// Custody is the ledger's own account in both asset ledgers.
	Custody string
}

// StakeLedger owns all staking state: per-user position lists, the reward
// reserve and the reward rate. Every mutating operation runs start-to-finish
// under one mutex and either commits all of its state changes and asset
// transfers or none of them.
type StakeLedger struct {
	mu        sync.Mutex
	positions map[string][]*Position
	reserve   *uint256.Int

	rate     *uint256.Int
	operator string
	custody  string

	stakingAsset Transferer
	rewardAsset  Transferer
	events       EventPublisher

	now func() time.Time
	log *logrus.Entry
}

// New creates a stake ledger. The reserve starts empty and is funded through
// AddReserve.
func New(cfg Config, stakingAsset, rewardAsset Transferer, events EventPublisher) *StakeLedger {
	return &StakeLedger{
		positions:    make(map[string][]*Position),
		reserve:      uint256.NewInt(0),
		rate:         new(uint256.Int).Set(cfg.RewardRatePerSecond),
		operator:     cfg.Operator,
		custody:      cfg.Custody,
		stakingAsset: stakingAsset,
		rewardAsset:  rewardAsset,
		events:       events,
		now:          time.Now,
		log:          logrus.WithField("component", "ledger"),
	}
}

// OpenStake locks principal for lockDuration seconds and immediately pays the
// caller the upfront reward floor(principal * rate * duration / 1e18) out of
// the reserve. Returns the index of the new position, stable for the life of
// the ledger.
func (l *StakeLedger) OpenStake(ctx context.Context, caller string, principal *uint256.Int, lockDuration uint64) (int, error) {
	if principal == nil || principal.IsZero() {
		return 0, ErrInvalidAmount
	}
	if lockDuration == 0 {
		return 0, ErrInvalidDuration
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	reward, err := l.computeReward(principal, lockDuration)
	if err != nil {
		return 0, err
	}

	// Pull the principal into custody first; everything after this point
	// must refund it on failure.
	if err := l.stakingAsset.Transfer(caller, l.custody, principal); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	if l.reserve.Lt(reward) {
		l.refundPrincipal(caller, principal)
		return 0, ErrInsufficientReserve
	}

	if err := l.rewardAsset.Transfer(l.custody, caller, reward); err != nil {
		l.refundPrincipal(caller, principal)
		return 0, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	l.reserve.Sub(l.reserve, reward)

	pos := &Position{
		Principal:     new(uint256.Int).Set(principal),
		OpenedAt:      l.now().Unix(),
		LockDuration:  lockDuration,
		UpfrontReward: reward,
	}
	l.positions[caller] = append(l.positions[caller], pos)
	index := len(l.positions[caller]) - 1

	metrics.OperationsTotal.WithLabelValues("open_stake").Inc()
	metrics.SetReserveBalance(l.reserve)
	l.publish(ctx, messaging.EventTypeStakeOpened, messaging.StakeOpenedEvent{
		User:     caller,
		Index:    index,
		Amount:   principal.String(),
		Reward:   reward.String(),
		Duration: lockDuration,
	})

	return index, nil
}

// CloseStake settles the caller's position at index. At or after maturity the
// full principal is returned; before maturity 30% of it is forfeited into the
// reserve and the remainder paid out. A position settles at most once.
func (l *StakeLedger) CloseStake(ctx context.Context, caller string, index int) (payout, penalty *uint256.Int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := l.positions[caller]
	if index < 0 || index >= len(list) {
		return nil, nil, ErrIndexOutOfRange
	}
	pos := list[index]
	if pos.Settled {
		return nil, nil, ErrAlreadySettled
	}

	penalty = uint256.NewInt(0)
	if l.now().Unix() < pos.UnlockTime() {
		p, overflow := new(uint256.Int).MulOverflow(pos.Principal, penaltyNum)
		if overflow {
			return nil, nil, ErrArithmeticOverflow
		}
		penalty = p.Div(p, penaltyDen)
	}
	payout = new(uint256.Int).Sub(pos.Principal, penalty)

	// The settled flag and the reserve credit commit only together with a
	// successful payout transfer.
	if err := l.stakingAsset.Transfer(l.custody, caller, payout); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	pos.Settled = true
	if !penalty.IsZero() {
		l.reserve.Add(l.reserve, penalty)
	}

	metrics.OperationsTotal.WithLabelValues("close_stake").Inc()
	metrics.SetReserveBalance(l.reserve)
	l.publish(ctx, messaging.EventTypeStakeClosed, messaging.StakeClosedEvent{
		User:          caller,
		PositionIndex: index,
		Payout:        payout.String(),
		Penalty:       penalty.String(),
	})

	return payout, penalty, nil
}

// AddReserve moves amount of the reward asset from the caller into the
// reserve. Any identity may fund the reserve; a zero amount is a no-op.
func (l *StakeLedger) AddReserve(ctx context.Context, caller string, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rewardAsset.Transfer(caller, l.custody, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	l.reserve.Add(l.reserve, amount)

	metrics.OperationsTotal.WithLabelValues("add_reserve").Inc()
	metrics.SetReserveBalance(l.reserve)
	l.publish(ctx, messaging.EventTypeReserveAdded, messaging.ReserveEvent{
		Provider: caller,
		Amount:   amount.String(),
	})

	return nil
}

// RemoveReserve pays amount of the reward asset from the reserve to the
// caller. Restricted to the operator identity fixed at construction.
func (l *StakeLedger) RemoveReserve(ctx context.Context, caller string, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	if caller != l.operator {
		return ErrPermissionDenied
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.reserve.Lt(amount) {
		return ErrInsufficientReserve
	}
	if err := l.rewardAsset.Transfer(l.custody, caller, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	l.reserve.Sub(l.reserve, amount)

	metrics.OperationsTotal.WithLabelValues("remove_reserve").Inc()
	metrics.SetReserveBalance(l.reserve)
	l.publish(ctx, messaging.EventTypeReserveRemoved, messaging.ReserveEvent{
		Provider: caller,
		Amount:   amount.String(),
	})

	return nil
}

// Positions returns a snapshot copy of the user's full position list,
// including settled entries, in insertion order.
func (l *StakeLedger) Positions(user string) []Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := l.positions[user]
	out := make([]Position, len(list))
	for i, pos := range list {
		out[i] = Position{
			Principal:     new(uint256.Int).Set(pos.Principal),
			OpenedAt:      pos.OpenedAt,
			LockDuration:  pos.LockDuration,
			UpfrontReward: new(uint256.Int).Set(pos.UpfrontReward),
			Settled:       pos.Settled,
		}
	}
	return out
}

// ReserveBalance returns a snapshot of the reward reserve.
func (l *StakeLedger) ReserveBalance() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.reserve)
}

// Operator returns the privileged reserve-withdrawal identity.
func (l *StakeLedger) Operator() string {
	return l.operator
}

func (l *StakeLedger) computeReward(principal *uint256.Int, lockDuration uint64) (*uint256.Int, error) {
	r, overflow := new(uint256.Int).MulOverflow(principal, l.rate)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	r, overflow = r.MulOverflow(r, uint256.NewInt(lockDuration))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return r.Div(r, Scale), nil
}

// refundPrincipal undoes the custody pull of OpenStake. Custody is known to
// hold the funds, so a failure here indicates a broken asset ledger and is
// only logged.
func (l *StakeLedger) refundPrincipal(caller string, principal *uint256.Int) {
	if err := l.stakingAsset.Transfer(l.custody, caller, principal); err != nil {
		l.log.WithError(err).WithField("user", caller).Error("principal refund failed")
	}
}

func (l *StakeLedger) publish(ctx context.Context, subject string, data interface{}) {
	if l.events == nil {
		return
	}
	if err := l.events.Publish(ctx, subject, data); err != nil {
		l.log.WithError(err).WithField("subject", subject).Warn("event publish failed")
	}
}
