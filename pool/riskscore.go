package pool

import (
	"fmt"
	"math/big"
	"time"
)

// RiskScore bundles the pricing and delinquency parameters applied to a loan.
// Fractions are scaled by 1e6 (1_000_000 = 100%). A table of scores is keyed
// by ascending days-past-due threshold; the base entry carries the zero
// threshold semantics even when its threshold is above zero.
type RiskScore struct {
	DaysPastDueThreshold time.Duration
	// AdvanceRate is the fraction of a loan's principal the pool funds on
	// drawdown.
	AdvanceRate *big.Int
	// PenaltyRate accrues on the matured claim once a loan is overdue.
	PenaltyRate *big.Int
	// InterestRate is the nominal annual rate used to derive the amount owed
	// at maturity.
	InterestRate *big.Int
	// ProbabilityOfDefault and LossGivenDefault combine into the expected
	// loss haircut applied to discounted values.
	ProbabilityOfDefault *big.Int
	LossGivenDefault     *big.Int
	GracePeriod          time.Duration
	CollectionPeriod     time.Duration
	// WriteOffAfterGracePeriod and WriteOffAfterCollectionPeriod measure from
	// the end of the preceding window to the write-off transition.
	WriteOffAfterGracePeriod      time.Duration
	WriteOffAfterCollectionPeriod time.Duration
	// DiscountRate present-values the claim owed at maturity.
	DiscountRate *big.Int
}

func (s RiskScore) validate() error {
	if !validFraction(s.AdvanceRate) {
		return fmt.Errorf("%w: advance rate out of range", ErrInvalidConfiguration)
	}
	if !validFraction(s.ProbabilityOfDefault) || !validFraction(s.LossGivenDefault) {
		return fmt.Errorf("%w: expected loss inputs out of range", ErrInvalidConfiguration)
	}
	for _, rate := range []*big.Int{s.PenaltyRate, s.InterestRate, s.DiscountRate} {
		if rate == nil || rate.Sign() < 0 {
			return fmt.Errorf("%w: negative or missing rate", ErrInvalidConfiguration)
		}
	}
	for _, period := range []time.Duration{s.DaysPastDueThreshold, s.GracePeriod, s.CollectionPeriod, s.WriteOffAfterGracePeriod, s.WriteOffAfterCollectionPeriod} {
		if period < 0 {
			return fmt.Errorf("%w: negative period", ErrInvalidConfiguration)
		}
	}
	return nil
}

// expectedLoss returns the PD x LGD haircut as a 1e6 fraction.
func (s RiskScore) expectedLoss() *big.Int {
	if s.ProbabilityOfDefault == nil || s.LossGivenDefault == nil {
		return big.NewInt(0)
	}
	loss := new(big.Int).Mul(s.ProbabilityOfDefault, s.LossGivenDefault)
	return loss.Quo(loss, oneHundredPercent)
}

func (s RiskScore) clone() RiskScore {
	clone := s
	clone.AdvanceRate = bigOrZero(s.AdvanceRate)
	clone.PenaltyRate = bigOrZero(s.PenaltyRate)
	clone.InterestRate = bigOrZero(s.InterestRate)
	clone.ProbabilityOfDefault = bigOrZero(s.ProbabilityOfDefault)
	clone.LossGivenDefault = bigOrZero(s.LossGivenDefault)
	clone.DiscountRate = bigOrZero(s.DiscountRate)
	return clone
}

// RiskScoreTable is an ordered lookup of risk parameters by days-past-due
// threshold. Registration replaces the table wholesale; there are no partial
// edits.
type RiskScoreTable struct {
	scores []RiskScore
}

// NewRiskScoreTable returns an empty table.
func NewRiskScoreTable() *RiskScoreTable {
	return &RiskScoreTable{}
}

// Register validates and installs a replacement score list. Thresholds must be
// strictly increasing.
func (t *RiskScoreTable) Register(scores []RiskScore) error {
	if len(scores) == 0 {
		return fmt.Errorf("%w: empty risk score table", ErrInvalidConfiguration)
	}
	for i, score := range scores {
		if err := score.validate(); err != nil {
			return fmt.Errorf("score %d: %w", i, err)
		}
		if i > 0 && scores[i].DaysPastDueThreshold <= scores[i-1].DaysPastDueThreshold {
			return fmt.Errorf("%w: days-past-due thresholds must be strictly increasing", ErrInvalidConfiguration)
		}
	}
	replacement := make([]RiskScore, len(scores))
	for i, score := range scores {
		replacement[i] = score.clone()
	}
	t.scores = replacement
	return nil
}

// Lookup returns the score with the highest threshold not exceeding the
// overdue duration, falling back to the base entry.
func (t *RiskScoreTable) Lookup(overdue time.Duration) (RiskScore, bool) {
	if len(t.scores) == 0 {
		return RiskScore{}, false
	}
	selected := t.scores[0]
	for _, score := range t.scores[1:] {
		if score.DaysPastDueThreshold > overdue {
			break
		}
		selected = score
	}
	return selected.clone(), true
}

// At returns the score at the given index. Loans reference their assigned
// score by table position.
func (t *RiskScoreTable) At(index int) (RiskScore, error) {
	if index < 0 || index >= len(t.scores) {
		return RiskScore{}, fmt.Errorf("%w: risk score index %d out of range", ErrInvalidConfiguration, index)
	}
	return t.scores[index].clone(), nil
}

// Len reports the number of registered scores.
func (t *RiskScoreTable) Len() int {
	return len(t.scores)
}
