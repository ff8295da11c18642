package pool

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Tranche selects the senior (SOT) or junior (JOT) side of the waterfall.
type Tranche uint8

const (
	Senior Tranche = iota
	Junior
)

func (t Tranche) String() string {
	switch t {
	case Senior:
		return "senior"
	case Junior:
		return "junior"
	default:
		return "unknown"
	}
}

// TokenLedger is the external note-token collaborator. The pool never owns
// token supplies; it reads them once per operation and instructs the ledger to
// mint or burn at the price it computed.
type TokenLedger interface {
	Supply(t Tranche) *big.Int
	Mint(t Tranche, tokens *big.Int) error
	Burn(t Tranche, tokens *big.Int) error
}

// Clock supplies the single timestamp sample taken at the start of every
// operation.
type Clock func() time.Time

// DrawdownOrder is the validated tuple delivered by the loan-origination
// collaborator. A zero LoanID creates a new facility; a known LoanID tops up
// an existing one.
type DrawdownOrder struct {
	LoanID      uuid.UUID
	Principal   *big.Int
	MaturesAt   time.Time
	ScoreIndex  int
	Attestation []byte
}

// RepaymentItem is one entry of a batch delivered by the repayment router.
type RepaymentItem struct {
	LoanID uuid.UUID
	Amount *big.Int
}

// Snapshot is a read-only view of the ledger after an operation or query.
type Snapshot struct {
	State         CycleState `json:"state"`
	Reserve       *big.Int   `json:"reserve"`
	NAV           *big.Int   `json:"nav"`
	SeniorDebt    *big.Int   `json:"seniorDebt"`
	SeniorBalance *big.Int   `json:"seniorBalance"`
	SeniorSupply  *big.Int   `json:"seniorSupply"`
	JuniorSupply  *big.Int   `json:"juniorSupply"`
	SeniorPrice   *big.Int   `json:"seniorPrice"`
	JuniorPrice   *big.Int   `json:"juniorPrice"`
	JuniorRatio   *big.Int   `json:"juniorRatio"`
	// JuniorShortfall is non-zero when realized losses exceed the junior
	// buffer and the senior claim can no longer be met in full.
	JuniorShortfall *big.Int  `json:"juniorShortfall"`
	TotalDrawn      *big.Int  `json:"totalDrawn"`
	ActiveLoans     int       `json:"activeLoans"`
	Timestamp       time.Time `json:"timestamp"`
}

// EventKind labels entries on the pool's audit stream.
type EventKind string

const (
	EventInvest          EventKind = "invest"
	EventRedeem          EventKind = "redeem"
	EventDrawdown        EventKind = "drawdown"
	EventRepayment       EventKind = "repayment"
	EventRiskScoreChange EventKind = "risk_score_change"
	EventWriteOff        EventKind = "write_off"
	EventRebase          EventKind = "rebase"
	EventJuniorShortfall EventKind = "junior_shortfall"
	EventCycle           EventKind = "cycle"
)

// Event records a ledger mutation for downstream reconciliation. Write-off
// events are the one unilateral, time-triggered change the engine makes and
// must always reach the sink.
type Event struct {
	PoolID    string
	Kind      EventKind
	LoanID    uuid.UUID
	Tranche   Tranche
	Amount    *big.Int
	Detail    string
	Timestamp time.Time
}

// EventSink receives pool events. Implementations must not block the engine;
// recording failures are the sink's concern.
type EventSink interface {
	Record(Event)
}
