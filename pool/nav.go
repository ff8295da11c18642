package pool

import (
	"math/big"
	"time"
)

// navEngine owns the discounted-cash-flow model and the write-off policy.
// Present values are always derived from loan timestamps at the sampled
// instant, so repeated accruals at the same time are idempotent and read-only
// queries see the same value a mutating operation would.
type navEngine struct {
	table *RiskScoreTable
	// salvage is the 1e6 fraction of the overdue claim retained when a loan
	// is first written off. Zero by default.
	salvage *big.Int
}

func newNAVEngine(table *RiskScoreTable, salvage *big.Int) navEngine {
	return navEngine{table: table, salvage: bigOrZero(salvage)}
}

func (n *navEngine) assigned(loan *LoanAccount) (RiskScore, error) {
	return n.table.At(loan.ScoreIndex)
}

// applicable resolves the delinquency parameters for the loan's current
// overdue duration, falling back to its assigned score.
func (n *navEngine) applicable(loan *LoanAccount, overdue time.Duration) RiskScore {
	if score, ok := n.table.Lookup(overdue); ok {
		return score
	}
	score, _ := n.assigned(loan)
	return score
}

func graceCutoff(score RiskScore) time.Duration {
	return score.GracePeriod + score.WriteOffAfterGracePeriod
}

func collectionCutoff(score RiskScore) time.Duration {
	return score.GracePeriod + score.CollectionPeriod + score.WriteOffAfterCollectionPeriod
}

// writeOffValue is the salvage retained when the grace write-off window
// lapses: the configured fraction of the claim as accrued up to the cutoff.
func (n *navEngine) writeOffValue(loan *LoanAccount, score RiskScore) *big.Int {
	claim := compound(loan.FutureValue, score.PenaltyRate, uint64(graceCutoff(score)/time.Second))
	return fractionOf(claim, n.salvage)
}

// accrue advances the loan to now: it stamps the overdue transition and
// applies the write-off schedule. The first write-off freezes the salvage
// contribution; once the collection window also lapses the contribution drops
// to zero and never recovers.
func (n *navEngine) accrue(loan *LoanAccount, now time.Time) (wroteOff, terminal bool) {
	defer func() { loan.LastAccrualAt = now }()
	overdue := loan.overdueFor(now)
	if overdue <= 0 {
		return false, false
	}
	if loan.OverdueSince.IsZero() {
		loan.OverdueSince = loan.MaturesAt
	}
	score := n.applicable(loan, overdue)
	if !loan.WrittenOff && overdue > graceCutoff(score) {
		loan.Salvage = n.writeOffValue(loan, score)
		loan.WrittenOff = true
		wroteOff = true
	}
	if loan.WrittenOff && overdue > collectionCutoff(score) && loan.Salvage.Sign() > 0 {
		loan.Salvage = big.NewInt(0)
		terminal = true
	}
	return wroteOff, terminal
}

// presentValue reports the loan's contribution to NAV at the sampled instant.
// Before maturity the claim owed at maturity is discounted back at the
// score's discount rate and reduced by the expected-loss haircut; after
// maturity the overdue claim compounds at the penalty rate undiscounted;
// past the write-off cutoffs only the salvage remains, whether or not an
// accrual has stamped the flag yet.
func (n *navEngine) presentValue(loan *LoanAccount, now time.Time) *big.Int {
	if remaining := loan.remainingSeconds(now); remaining > 0 && !loan.WrittenOff {
		score, err := n.assigned(loan)
		if err != nil {
			return big.NewInt(0)
		}
		value := discount(loan.FutureValue, score.DiscountRate, remaining)
		haircut := score.expectedLoss()
		if haircut.Sign() > 0 {
			keep := new(big.Int).Sub(oneHundredPercent, haircut)
			value = fractionOf(value, keep)
		}
		return value
	}
	overdue := loan.overdueFor(now)
	score := n.applicable(loan, overdue)
	switch {
	case loan.WrittenOff:
		if overdue > collectionCutoff(score) {
			return big.NewInt(0)
		}
		return bigOrZero(loan.Salvage)
	case overdue > collectionCutoff(score):
		return big.NewInt(0)
	case overdue > graceCutoff(score):
		return n.writeOffValue(loan, score)
	default:
		return compound(loan.FutureValue, score.PenaltyRate, uint64(overdue/time.Second))
	}
}

// currentNAV sums the contributions of every loan still carried by the pool.
// O(n) in loans and recomputed on demand, never on a timer.
func (n *navEngine) currentNAV(loans []*LoanAccount, now time.Time) *big.Int {
	total := big.NewInt(0)
	for _, loan := range loans {
		total.Add(total, n.presentValue(loan, now))
	}
	return total
}
