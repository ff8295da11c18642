package pool

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pool is the owned aggregate for one securitized debt pool: the loan set,
// the cash reserve, and the senior/junior waterfall figures. Every exported
// operation holds the pool mutex for its whole duration, samples the clock
// and token supplies exactly once, and either commits fully or leaves the
// ledger untouched. Time-triggered write-offs are the one unilateral change;
// they are emitted to the event sink so holders can reconcile.
type Pool struct {
	mu sync.Mutex

	id     string
	cfg    Config
	table  *RiskScoreTable
	nav    navEngine
	cycle  cycleController
	tokens TokenLedger
	clock  Clock
	logger *slog.Logger
	sink   EventSink

	led        ledger
	seniorRate *big.Int
}

// New constructs a pool in the Issuing stage. The configuration is validated
// outright; nothing is clamped.
func New(id string, cfg Config, tokens TokenLedger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, ErrNilTokenLedger
	}
	table := NewRiskScoreTable()
	return &Pool{
		id:         id,
		cfg:        cfg.clone(),
		table:      table,
		nav:        newNAVEngine(table, cfg.SalvageRate),
		cycle:      cycleController{state: Issuing},
		tokens:     tokens,
		clock:      time.Now,
		logger:     slog.Default(),
		led:        newLedger(),
		seniorRate: big.NewInt(0),
	}, nil
}

// ID returns the pool identifier.
func (p *Pool) ID() string { return p.id }

// SetClock overrides the timestamp source. Intended for tests and replay.
func (p *Pool) SetClock(clock Clock) {
	if p == nil || clock == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
}

// SetLogger wires the structured logger used for unilateral state changes.
func (p *Pool) SetLogger(logger *slog.Logger) {
	if p == nil || logger == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger = logger
}

// SetEventSink wires the audit stream.
func (p *Pool) SetEventSink(sink EventSink) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// RegisterRiskScores replaces the risk-score table wholesale. Administrative;
// permission gating is the caller's concern.
func (p *Pool) RegisterRiskScores(scores []RiskScore) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.cycle.ensure(Issuing, Active); err != nil {
		return err
	}
	return p.table.Register(scores)
}

// StartCycle closes the issuing stage, fixes the senior interest rate from
// the sale outcome, and opens the pool for drawdown and redemption.
func (p *Pool) StartCycle(seniorRate *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seniorRate == nil || seniorRate.Sign() < 0 {
		return fmt.Errorf("%w: negative senior rate", ErrInvalidConfiguration)
	}
	if err := p.cycle.startCycle(); err != nil {
		return err
	}
	now := p.clock()
	p.seniorRate = new(big.Int).Set(seniorRate)
	nav := p.accrueLocked(now)
	p.rebaseLocked(p.led.expectedSeniorAsset(), nav, now)
	p.emit(Event{Kind: EventCycle, Detail: "active", Timestamp: now})
	return nil
}

// Close ends the pool. Terminal: only read queries remain valid afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.cycle.ensure(Active); err != nil {
		return err
	}
	now := p.clock()
	nav := p.accrueLocked(now)
	if err := p.cycle.close(); err != nil {
		return err
	}
	p.rebaseLocked(p.led.expectedSeniorAsset(), nav, now)
	p.emit(Event{Kind: EventCycle, Detail: "closed", Timestamp: now})
	return nil
}

// Invest adds cash to the reserve and mints tranche tokens at the price
// computed before the reserve mutation, so newcomers buy in at fair value.
// Permitted during the issuing sale and while active.
func (p *Pool) Invest(t Tranche, amount *big.Int) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.cycle.ensure(Issuing, Active); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	now := p.clock()
	nav := p.accrueLocked(now)
	expectedSenior := p.led.expectedSeniorAsset()
	juniorPrice, seniorPrice := tranchePrices(expectedSenior, nav, p.led.reserve,
		p.tokens.Supply(Senior), p.tokens.Supply(Junior))
	price := juniorPrice
	if t == Senior {
		price = seniorPrice
	}
	// A wiped tranche has no price to buy in at; minting against it would
	// hand the newcomer an unbounded share of nothing.
	if price.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTrancheWipedOut, t)
	}
	minted := new(big.Int).Mul(amount, wad)
	minted.Quo(minted, price)
	if err := p.tokens.Mint(t, minted); err != nil {
		return nil, err
	}
	p.led.reserve = new(big.Int).Add(p.led.reserve, amount)
	if t == Senior {
		expectedSenior.Add(expectedSenior, amount)
	}
	p.rebaseLocked(expectedSenior, nav, now)
	p.emit(Event{Kind: EventInvest, Tranche: t, Amount: amount, Timestamp: now})
	return minted, nil
}

// Redeem burns tranche tokens at the pre-mutation price and pays out of the
// reserve. Redemption never creates a claim against future NAV realization:
// when cash is short the operation fails and the ledger is untouched.
func (p *Pool) Redeem(t Tranche, tokenAmount *big.Int) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.cycle.ensure(Active); err != nil {
		return nil, err
	}
	if tokenAmount == nil || tokenAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	now := p.clock()
	nav := p.accrueLocked(now)
	expectedSenior := p.led.expectedSeniorAsset()
	juniorPrice, seniorPrice := tranchePrices(expectedSenior, nav, p.led.reserve,
		p.tokens.Supply(Senior), p.tokens.Supply(Junior))
	price := juniorPrice
	if t == Senior {
		price = seniorPrice
	}
	payout := new(big.Int).Mul(tokenAmount, price)
	payout.Quo(payout, wad)
	if payout.Cmp(p.led.reserve) > 0 {
		return nil, ErrInsufficientReserve
	}
	if err := p.tokens.Burn(t, tokenAmount); err != nil {
		return nil, err
	}
	p.led.reserve = new(big.Int).Sub(p.led.reserve, payout)
	if t == Senior {
		expectedSenior.Sub(expectedSenior, payout)
		if expectedSenior.Sign() < 0 {
			expectedSenior = big.NewInt(0)
		}
	}
	p.rebaseLocked(expectedSenior, nav, now)
	p.emit(Event{Kind: EventRedeem, Tranche: t, Amount: payout, Timestamp: now})
	return payout, nil
}

// Drawdown funds a loan out of the reserve: a fresh facility when the order
// carries no loan id, a principal top-up otherwise. All guards run before any
// mutation.
func (p *Pool) Drawdown(order DrawdownOrder) (uuid.UUID, *big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.cycle.ensure(Active); err != nil {
		return uuid.Nil, nil, err
	}
	if p.cfg.ValidatorRequired && len(order.Attestation) == 0 {
		return uuid.Nil, nil, ErrAttestationMissing
	}
	if order.Principal == nil || order.Principal.Sign() <= 0 {
		return uuid.Nil, nil, fmt.Errorf("%w: principal must be positive", ErrInvalidLoanTerms)
	}
	score, err := p.table.At(order.ScoreIndex)
	if err != nil {
		return uuid.Nil, nil, err
	}
	now := p.clock()
	nav := p.accrueLocked(now)

	funded := fractionOf(order.Principal, score.AdvanceRate)
	if funded.Cmp(p.led.reserve) > 0 {
		return uuid.Nil, nil, ErrInsufficientReserve
	}
	if p.cfg.DebtCeiling != nil && p.cfg.DebtCeiling.Sign() > 0 {
		drawn := new(big.Int).Add(p.led.totalDrawn, funded)
		if drawn.Cmp(p.cfg.DebtCeiling) > 0 {
			return uuid.Nil, nil, ErrDebtCeilingExceeded
		}
	}

	// Stage the loan mutation on a copy so guard failures leave the ledger
	// untouched.
	var staged *LoanAccount
	var previous *big.Int
	if existing, ok := p.led.loans[order.LoanID.String()]; ok {
		previous = p.nav.presentValue(existing, now)
		staged = existing.clone()
		if err := staged.topUp(order.Principal, funded, score, now); err != nil {
			return uuid.Nil, nil, err
		}
	} else if order.LoanID != uuid.Nil {
		// A named facility that is not on the book is a mistyped top-up,
		// not a request to open a fresh one.
		return uuid.Nil, nil, fmt.Errorf("%w: %s", ErrLoanNotFound, order.LoanID)
	} else {
		previous = big.NewInt(0)
		staged, err = newLoanAccount(uuid.New(), order.Principal, funded, order.ScoreIndex, score, now, order.MaturesAt)
		if err != nil {
			return uuid.Nil, nil, err
		}
	}
	newNAV := new(big.Int).Sub(nav, previous)
	newNAV.Add(newNAV, p.nav.presentValue(staged, now))
	newReserve := new(big.Int).Sub(p.led.reserve, funded)
	expectedSenior := p.led.expectedSeniorAsset()
	if p.cfg.MinFirstLossCushion != nil && p.cfg.MinFirstLossCushion.Sign() > 0 {
		if juniorRatio(expectedSenior, newNAV, newReserve).Cmp(p.cfg.MinFirstLossCushion) < 0 {
			return uuid.Nil, nil, ErrFirstLossBreached
		}
	}

	key := staged.ID.String()
	if _, ok := p.led.loans[key]; !ok {
		p.led.order = append(p.led.order, key)
	}
	p.led.loans[key] = staged
	p.led.reserve = newReserve
	p.led.totalDrawn = new(big.Int).Add(p.led.totalDrawn, funded)
	p.rebaseLocked(expectedSenior, newNAV, now)
	p.emit(Event{Kind: EventDrawdown, LoanID: staged.ID, Amount: funded, Timestamp: now})
	return staged.ID, newNAV, nil
}

// Repay settles cash against a single loan, capped at its outstanding value.
// The settled amount is returned.
func (p *Pool) Repay(loanID uuid.UUID, amount *big.Int) (*big.Int, error) {
	settled, err := p.RepayBatch([]RepaymentItem{{LoanID: loanID, Amount: amount}})
	if err != nil {
		return nil, err
	}
	return settled[0], nil
}

// RepayBatch applies a batch of repayments as one all-or-nothing unit: every
// item is validated before any cash moves, and any invalid item aborts the
// whole batch with the ledger untouched.
func (p *Pool) RepayBatch(items []RepaymentItem) ([]*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.cycle.ensure(Active); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrInvalidAmount
	}
	now := p.clock()
	p.accrueLocked(now)
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.Amount == nil || item.Amount.Sign() <= 0 {
			return nil, ErrInvalidAmount
		}
		key := item.LoanID.String()
		// The validation pass checks each loan against the pre-batch
		// ledger, so a second item for the same loan could land after a
		// full settlement removed it.
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRepayment, item.LoanID)
		}
		seen[key] = struct{}{}
		loan, ok := p.led.loans[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrLoanNotFound, item.LoanID)
		}
		if loan.WrittenOff {
			return nil, fmt.Errorf("%w: %s", ErrLoanWrittenOff, item.LoanID)
		}
	}
	settled := make([]*big.Int, len(items))
	for i, item := range items {
		settled[i] = p.repayOneLocked(item, now)
	}
	nav := p.nav.currentNAV(p.led.activeLoans(), now)
	p.rebaseLocked(p.led.expectedSeniorAsset(), nav, now)
	return settled, nil
}

func (p *Pool) repayOneLocked(item RepaymentItem, now time.Time) *big.Int {
	loan := p.led.loans[item.LoanID.String()]
	outstanding := p.nav.presentValue(loan, now)
	settled := new(big.Int).Set(item.Amount)
	if settled.Cmp(outstanding) > 0 {
		settled.Set(outstanding)
	}
	if settled.Cmp(outstanding) == 0 {
		p.led.remove(item.LoanID.String())
	} else if loan.remainingSeconds(now) > 0 {
		score, _ := p.nav.assigned(loan)
		loan.reduce(settled, score, now)
	} else {
		// Matured claim: discount the payment back to maturity at the
		// penalty rate so the contribution drops by exactly the payment.
		overdue := loan.overdueFor(now)
		score := p.nav.applicable(loan, overdue)
		back := discount(settled, score.PenaltyRate, uint64(overdue/time.Second))
		loan.FutureValue = new(big.Int).Sub(loan.FutureValue, back)
		if loan.FutureValue.Sign() < 0 {
			loan.FutureValue = big.NewInt(0)
		}
	}
	p.led.reserve = new(big.Int).Add(p.led.reserve, settled)
	p.emit(Event{Kind: EventRepayment, LoanID: item.LoanID, Amount: settled, Timestamp: now})
	return settled
}

// ChangeRiskScore reassigns a loan to another registered score and re-prices
// its remaining cash flow, preserving the outstanding value at the switch.
// This is the one operation allowed to move tranche prices without cash
// movement.
func (p *Pool) ChangeRiskScore(loanID uuid.UUID, scoreIndex int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.cycle.ensure(Active); err != nil {
		return err
	}
	score, err := p.table.At(scoreIndex)
	if err != nil {
		return err
	}
	now := p.clock()
	p.accrueLocked(now)
	loan, ok := p.led.loans[loanID.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLoanNotFound, loanID)
	}
	if loan.WrittenOff {
		return fmt.Errorf("%w: %s", ErrLoanWrittenOff, loanID)
	}
	outstanding := p.nav.presentValue(loan, now)
	loan.reprice(outstanding, scoreIndex, score, now)
	nav := p.nav.currentNAV(p.led.activeLoans(), now)
	p.rebaseLocked(p.led.expectedSeniorAsset(), nav, now)
	p.emit(Event{Kind: EventRiskScoreChange, LoanID: loanID, Amount: outstanding, Timestamp: now})
	return nil
}

// Rebase recomputes NAV and the senior split for elapsed time with no cash
// movement. Token prices are unchanged by construction.
func (p *Pool) Rebase() (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.cycle.ensure(Active); err != nil {
		return Snapshot{}, err
	}
	now := p.clock()
	nav := p.accrueLocked(now)
	p.rebaseLocked(p.led.expectedSeniorAsset(), nav, now)
	p.emit(Event{Kind: EventRebase, Amount: nav, Timestamp: now})
	return p.snapshotLocked(now), nil
}

// CurrentNAV values the active loan book at the current instant. Read-only;
// valid in every stage including Closed.
func (p *Pool) CurrentNAV() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nav.currentNAV(p.led.activeLoans(), p.clock())
}

// Reserve reports uninvested cash.
func (p *Pool) Reserve() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.led.reserve)
}

// SeniorDebtAndBalance reports the accrued senior obligation and the senior
// share of the reserve at the current instant.
func (p *Pool) SeniorDebtAndBalance() (*big.Int, *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	return p.led.seniorDebtAt(p.seniorRate, now), new(big.Int).Set(p.led.seniorBalance)
}

// JuniorRatio reports the junior share of total asset value, scaled to 1e6.
func (p *Pool) JuniorRatio() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	nav := p.nav.currentNAV(p.led.activeLoans(), now)
	expectedSenior := new(big.Int).Add(p.led.seniorDebtAt(p.seniorRate, now), p.led.seniorBalance)
	return juniorRatio(expectedSenior, nav, p.led.reserve)
}

// TokenPrices reports the (junior, senior) redemption prices in wad units.
func (p *Pool) TokenPrices() (*big.Int, *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	nav := p.nav.currentNAV(p.led.activeLoans(), now)
	expectedSenior := new(big.Int).Add(p.led.seniorDebtAt(p.seniorRate, now), p.led.seniorBalance)
	return tranchePrices(expectedSenior, nav, p.led.reserve,
		p.tokens.Supply(Senior), p.tokens.Supply(Junior))
}

// State reports the current lifecycle stage.
func (p *Pool) State() CycleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycle.state
}

// Loan returns a copy of the identified loan account.
func (p *Pool) Loan(loanID uuid.UUID) (*LoanAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	loan, ok := p.led.loans[loanID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLoanNotFound, loanID)
	}
	return loan.clone(), nil
}

// Snapshot captures the full ledger view at the current instant.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(p.clock())
}

func (p *Pool) snapshotLocked(now time.Time) Snapshot {
	nav := p.nav.currentNAV(p.led.activeLoans(), now)
	debt := p.led.seniorDebtAt(p.seniorRate, now)
	expectedSenior := new(big.Int).Add(debt, p.led.seniorBalance)
	total := new(big.Int).Add(nav, p.led.reserve)
	shortfall := big.NewInt(0)
	if expectedSenior.Cmp(total) > 0 {
		shortfall = new(big.Int).Sub(expectedSenior, total)
	}
	seniorSupply := bigOrZero(p.tokens.Supply(Senior))
	juniorSupply := bigOrZero(p.tokens.Supply(Junior))
	juniorPrice, seniorPrice := tranchePrices(expectedSenior, nav, p.led.reserve, seniorSupply, juniorSupply)
	return Snapshot{
		State:           p.cycle.state,
		Reserve:         new(big.Int).Set(p.led.reserve),
		NAV:             nav,
		SeniorDebt:      debt,
		SeniorBalance:   new(big.Int).Set(p.led.seniorBalance),
		SeniorSupply:    seniorSupply,
		JuniorSupply:    juniorSupply,
		SeniorPrice:     seniorPrice,
		JuniorPrice:     juniorPrice,
		JuniorRatio:     juniorRatio(expectedSenior, nav, p.led.reserve),
		JuniorShortfall: shortfall,
		TotalDrawn:      new(big.Int).Set(p.led.totalDrawn),
		ActiveLoans:     len(p.led.loans),
		Timestamp:       now,
	}
}

// accrueLocked is the single entry point for time effects: every loan is
// advanced (write-off transitions fire here) and the senior debt compounds to
// now. Returns the refreshed NAV.
func (p *Pool) accrueLocked(now time.Time) *big.Int {
	for _, loan := range p.led.activeLoans() {
		wroteOff, terminal := p.nav.accrue(loan, now)
		if wroteOff {
			p.logger.Warn("loan written off",
				"pool", p.id, "loan", loan.ID.String(), "salvage", loan.Salvage.String())
			p.emit(Event{Kind: EventWriteOff, LoanID: loan.ID, Amount: loan.Salvage, Timestamp: now})
		}
		if terminal {
			p.logger.Warn("loan write-off final, salvage exhausted",
				"pool", p.id, "loan", loan.ID.String())
			p.emit(Event{Kind: EventWriteOff, LoanID: loan.ID, Amount: big.NewInt(0), Detail: "terminal", Timestamp: now})
		}
	}
	p.led.accrueSeniorDebt(p.seniorRate, now)
	return p.nav.currentNAV(p.led.activeLoans(), now)
}

func (p *Pool) rebaseLocked(expectedSenior, nav *big.Int, now time.Time) {
	shortfall := p.led.rebase(expectedSenior, nav, now)
	if shortfall.Sign() > 0 {
		p.logger.Warn("junior tranche depleted, senior claim short",
			"pool", p.id, "shortfall", shortfall.String())
		p.emit(Event{Kind: EventJuniorShortfall, Amount: shortfall, Timestamp: now})
	}
}

func (p *Pool) emit(event Event) {
	if p.sink == nil {
		return
	}
	event.PoolID = p.id
	p.sink.Record(event)
}
