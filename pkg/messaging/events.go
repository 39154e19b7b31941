package messaging

// Event subjects
const (
	EventTypeStakeOpened = "stake.opened"
	EventTypeStakeClosed = "stake.closed"

	EventTypeReserveAdded   = "reserve.added"
	EventTypeReserveRemoved = "reserve.removed"
)

// StakeOpenedEvent is emitted when a stake is opened and its upfront reward
// paid. Amounts are decimal strings in base units.
type StakeOpenedEvent struct {
	User     string `json:"user"`
	Index    int    `json:"index"`
	Amount   string `json:"amount"`
	Reward   string `json:"reward"`
	Duration uint64 `json:"duration"`
}

// StakeClosedEvent is emitted when a position settles.
type StakeClosedEvent struct {
	User          string `json:"user"`
	PositionIndex int    `json:"position_index"`
	Payout        string `json:"payout"`
	Penalty       string `json:"penalty"`
}

// ReserveEvent is emitted on reserve deposits and withdrawals.
type ReserveEvent struct {
	Provider string `json:"provider"`
	Amount   string `json:"amount"`
}
