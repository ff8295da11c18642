package pool

import (
	"math/big"
	"time"
)

// ledger holds the per-pool waterfall accounting. The senior side is tracked
// as two figures: seniorDebt backs the invested portion of NAV and accrues at
// the senior rate; seniorBalance backs the senior share of the cash reserve
// and does not accrue.
type ledger struct {
	reserve       *big.Int
	seniorDebt    *big.Int
	seniorBalance *big.Int
	lastSenior    time.Time
	cachedNAV     *big.Int
	lastRebaseAt  time.Time
	totalDrawn    *big.Int
	loans         map[string]*LoanAccount
	// order preserves insertion order so NAV sums are deterministic.
	order []string
}

func newLedger() ledger {
	return ledger{
		reserve:       big.NewInt(0),
		seniorDebt:    big.NewInt(0),
		seniorBalance: big.NewInt(0),
		cachedNAV:     big.NewInt(0),
		totalDrawn:    big.NewInt(0),
		loans:         make(map[string]*LoanAccount),
	}
}

func (l *ledger) activeLoans() []*LoanAccount {
	loans := make([]*LoanAccount, 0, len(l.order))
	for _, key := range l.order {
		if loan, ok := l.loans[key]; ok {
			loans = append(loans, loan)
		}
	}
	return loans
}

func (l *ledger) remove(key string) {
	delete(l.loans, key)
	for i, id := range l.order {
		if id == key {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// accrueSeniorDebt compounds the senior obligation at the fixed senior rate
// since the last touch point. The balance portion holds cash and earns
// nothing.
func (l *ledger) accrueSeniorDebt(rate *big.Int, now time.Time) {
	if l.lastSenior.IsZero() {
		l.lastSenior = now
		return
	}
	if !now.After(l.lastSenior) {
		return
	}
	elapsed := uint64(now.Sub(l.lastSenior) / time.Second)
	if elapsed > 0 && l.seniorDebt.Sign() > 0 {
		l.seniorDebt = compound(l.seniorDebt, rate, elapsed)
	}
	l.lastSenior = now
}

// seniorDebtAt reports the accrued senior obligation at the sampled instant
// without touching the ledger; read-only queries rely on it.
func (l *ledger) seniorDebtAt(rate *big.Int, now time.Time) *big.Int {
	if l.lastSenior.IsZero() || !now.After(l.lastSenior) || l.seniorDebt.Sign() == 0 {
		return new(big.Int).Set(l.seniorDebt)
	}
	elapsed := uint64(now.Sub(l.lastSenior) / time.Second)
	return compound(l.seniorDebt, rate, elapsed)
}

// expectedSeniorAsset is the full senior claim at the sampled instant.
func (l *ledger) expectedSeniorAsset() *big.Int {
	return new(big.Int).Add(l.seniorDebt, l.seniorBalance)
}

// rebase re-splits the expected senior asset pro-rata between NAV and reserve.
// When the claim exceeds total pool value the senior side takes everything and
// the junior shortfall is returned for the caller to report; it is never
// hidden by clamping.
func (l *ledger) rebase(expectedSenior, nav *big.Int, now time.Time) (shortfall *big.Int) {
	total := new(big.Int).Add(nav, l.reserve)
	shortfall = big.NewInt(0)
	switch {
	case total.Sign() == 0:
		l.seniorDebt = big.NewInt(0)
		l.seniorBalance = big.NewInt(0)
		shortfall = new(big.Int).Set(expectedSenior)
	case expectedSenior.Cmp(total) >= 0:
		l.seniorDebt = new(big.Int).Set(nav)
		l.seniorBalance = new(big.Int).Set(l.reserve)
		shortfall = new(big.Int).Sub(expectedSenior, total)
	default:
		debt := new(big.Int).Mul(expectedSenior, nav)
		debt.Quo(debt, total)
		l.seniorDebt = debt
		l.seniorBalance = new(big.Int).Sub(expectedSenior, debt)
	}
	l.cachedNAV = new(big.Int).Set(nav)
	l.lastRebaseAt = now
	l.lastSenior = now
	return shortfall
}

// seniorAssetValue caps the senior claim at total pool value; losses beyond
// the junior buffer show up as the rebase shortfall instead.
func seniorAssetValue(expectedSenior, total *big.Int) *big.Int {
	if expectedSenior.Cmp(total) > 0 {
		return new(big.Int).Set(total)
	}
	return new(big.Int).Set(expectedSenior)
}

// juniorRatio reports juniorAssetValue / totalAssetValue scaled to 1e6.
func juniorRatio(expectedSenior, nav, reserve *big.Int) *big.Int {
	total := new(big.Int).Add(nav, reserve)
	if total.Sign() == 0 {
		return big.NewInt(0)
	}
	junior := new(big.Int).Sub(total, seniorAssetValue(expectedSenior, total))
	ratio := new(big.Int).Mul(junior, oneHundredPercent)
	return ratio.Quo(ratio, total)
}

// tokenPrice values one tranche token in wad units. An unseeded tranche
// (zero supply) is priced at par.
func tokenPrice(assetValue, supply *big.Int) *big.Int {
	if supply == nil || supply.Sign() == 0 {
		return new(big.Int).Set(wad)
	}
	price := new(big.Int).Mul(assetValue, wad)
	return price.Quo(price, supply)
}

// tranchePrices derives (junior, senior) token prices from the current claim
// split and sampled supplies.
func tranchePrices(expectedSenior, nav, reserve, seniorSupply, juniorSupply *big.Int) (junior, senior *big.Int) {
	total := new(big.Int).Add(nav, reserve)
	seniorValue := seniorAssetValue(expectedSenior, total)
	juniorValue := new(big.Int).Sub(total, seniorValue)
	return tokenPrice(juniorValue, juniorSupply), tokenPrice(seniorValue, seniorSupply)
}
