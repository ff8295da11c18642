package pool

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// LoanAccount models one funded debt instrument owned by a single pool. The
// future value is the amount contractually owed at maturity; the present-value
// contribution is always derived from it on demand so repeated accruals at the
// same instant are idempotent.
type LoanAccount struct {
	ID         uuid.UUID
	Principal  *big.Int
	IssuedAt   time.Time
	MaturesAt  time.Time
	ScoreIndex int
	// FutureValue is principal compounded at the score's interest rate over
	// the loan term, re-derived on top-up, repayment, and risk reassignment.
	FutureValue   *big.Int
	LastAccrualAt time.Time
	WrittenOff    bool
	// OverdueSince is zero until the loan passes maturity unpaid.
	OverdueSince time.Time
	// Salvage is the frozen residual contribution after write-off. It only
	// ever decreases.
	Salvage *big.Int
}

// newLoanAccount opens a facility. Principal is the face amount of the
// underlying collateral; funded is the cash the pool actually disbursed and is
// the basis for the claim owed at maturity, so a drawdown moves value rather
// than creating it.
func newLoanAccount(id uuid.UUID, principal, funded *big.Int, scoreIndex int, score RiskScore, issuedAt, maturesAt time.Time) (*LoanAccount, error) {
	if principal == nil || principal.Sign() <= 0 || funded == nil || funded.Sign() <= 0 {
		return nil, fmt.Errorf("%w: principal must be positive", ErrInvalidLoanTerms)
	}
	if !maturesAt.After(issuedAt) {
		return nil, fmt.Errorf("%w: maturity must follow issuance", ErrInvalidLoanTerms)
	}
	term := uint64(maturesAt.Sub(issuedAt) / time.Second)
	if term == 0 {
		return nil, fmt.Errorf("%w: zero term", ErrInvalidLoanTerms)
	}
	return &LoanAccount{
		ID:            id,
		Principal:     new(big.Int).Set(principal),
		IssuedAt:      issuedAt,
		MaturesAt:     maturesAt,
		ScoreIndex:    scoreIndex,
		FutureValue:   compound(funded, score.InterestRate, term),
		LastAccrualAt: issuedAt,
		Salvage:       big.NewInt(0),
	}, nil
}

// remainingSeconds reports the seconds from now to maturity, zero once
// matured.
func (l *LoanAccount) remainingSeconds(now time.Time) uint64 {
	if !l.MaturesAt.After(now) {
		return 0
	}
	return uint64(l.MaturesAt.Sub(now) / time.Second)
}

// overdueFor reports how long the loan has been past maturity at the given
// instant.
func (l *LoanAccount) overdueFor(now time.Time) time.Duration {
	if !now.After(l.MaturesAt) {
		return 0
	}
	return now.Sub(l.MaturesAt)
}

// topUp adds face principal to the same facility; the newly funded cash
// compounds over the remaining term and joins the amount owed at maturity.
func (l *LoanAccount) topUp(additional, funded *big.Int, score RiskScore, now time.Time) error {
	if additional == nil || additional.Sign() <= 0 || funded == nil || funded.Sign() <= 0 {
		return fmt.Errorf("%w: principal must be positive", ErrInvalidLoanTerms)
	}
	remaining := l.remainingSeconds(now)
	if remaining == 0 {
		return fmt.Errorf("%w: facility already matured", ErrInvalidLoanTerms)
	}
	l.Principal = new(big.Int).Add(l.Principal, additional)
	l.FutureValue = new(big.Int).Add(l.FutureValue, compound(funded, score.InterestRate, remaining))
	return nil
}

// reduce settles part of the claim: the paid amount is compounded forward to
// maturity at the discount rate and removed from the future value, so the
// present-value contribution drops by exactly the payment.
func (l *LoanAccount) reduce(paid *big.Int, score RiskScore, now time.Time) {
	forward := compound(paid, score.DiscountRate, l.remainingSeconds(now))
	l.FutureValue = new(big.Int).Sub(l.FutureValue, forward)
	if l.FutureValue.Sign() < 0 {
		l.FutureValue = big.NewInt(0)
	}
}

// reprice re-derives the future value under a new score while preserving the
// current outstanding value.
func (l *LoanAccount) reprice(outstanding *big.Int, newIndex int, newScore RiskScore, now time.Time) {
	l.ScoreIndex = newIndex
	l.FutureValue = compound(outstanding, newScore.InterestRate, l.remainingSeconds(now))
}

func (l *LoanAccount) clone() *LoanAccount {
	clone := *l
	clone.Principal = bigOrZero(l.Principal)
	clone.FutureValue = bigOrZero(l.FutureValue)
	clone.Salvage = bigOrZero(l.Salvage)
	return &clone
}
