package pool

import (
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
)

const day = 24 * time.Hour

func navFixture(t *testing.T, salvage int64) (navEngine, *RiskScoreTable) {
	t.Helper()
	table := NewRiskScoreTable()
	if err := table.Register([]RiskScore{baseScore()}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return newNAVEngine(table, big.NewInt(salvage)), table
}

func issueLoan(t *testing.T, principal *big.Int, issuedAt time.Time, term time.Duration, score RiskScore) *LoanAccount {
	t.Helper()
	loan, err := newLoanAccount(uuid.New(), principal, principal, 0, score, issuedAt, issuedAt.Add(term))
	if err != nil {
		t.Fatalf("new loan: %v", err)
	}
	return loan
}

func TestPresentValueAtIssuance(t *testing.T) {
	engine, _ := navFixture(t, 0)
	issued := time.Unix(1_700_000_000, 0)
	loan := issueLoan(t, wadAmount(80), issued, 365*day, baseScore())

	// Discount rate equals interest rate, so discounting the maturity claim
	// recovers the funded principal up to rounding.
	within(t, engine.presentValue(loan, issued), wadAmount(80), big.NewInt(4))
}

func TestPresentValueAtMaturity(t *testing.T) {
	engine, _ := navFixture(t, 0)
	issued := time.Unix(1_700_000_000, 0)
	loan := issueLoan(t, wadAmount(80), issued, 365*day, baseScore())

	within(t, engine.presentValue(loan, issued.Add(365*day)),
		mustBigInt("92946739000000000000"), big.NewInt(1_000_000_000_000))
}

func TestPresentValueExpectedLossHaircut(t *testing.T) {
	table := NewRiskScoreTable()
	score := baseScore()
	score.ProbabilityOfDefault = big.NewInt(100_000)
	score.LossGivenDefault = big.NewInt(500_000)
	if err := table.Register([]RiskScore{score}); err != nil {
		t.Fatalf("register: %v", err)
	}
	engine := newNAVEngine(table, big.NewInt(0))

	issued := time.Unix(1_700_000_000, 0)
	loan := issueLoan(t, wadAmount(100), issued, 365*day, score)

	// 5% expected loss haircut on the discounted value.
	within(t, engine.presentValue(loan, issued), wadAmount(95), big.NewInt(10))
}

func TestOverduePenaltyAccrual(t *testing.T) {
	engine, _ := navFixture(t, 500_000)
	issued := time.Unix(1_700_000_000, 0)
	loan := issueLoan(t, wadAmount(80), issued, 365*day, baseScore())

	overdue := 10 * day
	want := compound(loan.FutureValue, big.NewInt(200_000), uint64(overdue/time.Second))
	got := engine.presentValue(loan, loan.MaturesAt.Add(overdue))
	if got.Cmp(want) != 0 {
		t.Fatalf("overdue claim should compound at the penalty rate: got %s want %s", got, want)
	}
	if got.Cmp(loan.FutureValue) <= 0 {
		t.Fatal("overdue claim should exceed the maturity claim")
	}
}

func TestWriteOffSchedule(t *testing.T) {
	engine, _ := navFixture(t, 500_000)
	issued := time.Unix(1_700_000_000, 0)
	score := baseScore()
	loan := issueLoan(t, wadAmount(80), issued, 365*day, score)

	// Grace cutoff is grace + write-off-after-grace = 60 days past maturity.
	beforeCutoff := engine.presentValue(loan, loan.MaturesAt.Add(60*day))
	afterCutoff := engine.presentValue(loan, loan.MaturesAt.Add(60*day+time.Hour))
	if afterCutoff.Cmp(beforeCutoff) >= 0 {
		t.Fatalf("write-off should cut the contribution: %s -> %s", beforeCutoff, afterCutoff)
	}
	wantSalvage := fractionOf(compound(loan.FutureValue, score.PenaltyRate, uint64(60*day/time.Second)), big.NewInt(500_000))
	if afterCutoff.Cmp(wantSalvage) != 0 {
		t.Fatalf("salvage should be half the claim at cutoff: got %s want %s", afterCutoff, wantSalvage)
	}

	// Salvage is frozen: a later query before the collection cutoff returns
	// the same figure.
	if later := engine.presentValue(loan, loan.MaturesAt.Add(100*day)); later.Cmp(wantSalvage) != 0 {
		t.Fatalf("salvage should stay frozen, got %s", later)
	}

	// Collection cutoff is grace + collection + write-off-after-collection =
	// 180 days past maturity. Beyond it the contribution is zero.
	if final := engine.presentValue(loan, loan.MaturesAt.Add(181*day)); final.Sign() != 0 {
		t.Fatalf("contribution should be zero past the collection cutoff, got %s", final)
	}
}

func TestWriteOffQueryMatchesAccrual(t *testing.T) {
	engine, _ := navFixture(t, 500_000)
	issued := time.Unix(1_700_000_000, 0)
	loan := issueLoan(t, wadAmount(80), issued, 365*day, baseScore())

	at := loan.MaturesAt.Add(61 * day)
	queried := engine.presentValue(loan, at)

	wroteOff, terminal := engine.accrue(loan, at)
	if !wroteOff || terminal {
		t.Fatalf("expected first write-off only, got wroteOff=%v terminal=%v", wroteOff, terminal)
	}
	if !loan.WrittenOff {
		t.Fatal("accrue should stamp the write-off flag")
	}
	if loan.Salvage.Cmp(queried) != 0 {
		t.Fatalf("accrued salvage should match the earlier pure query: %s vs %s", loan.Salvage, queried)
	}
	if loan.OverdueSince.IsZero() {
		t.Fatal("accrue should stamp the overdue transition")
	}

	// Terminal transition past the collection cutoff.
	_, terminal = engine.accrue(loan, loan.MaturesAt.Add(181*day))
	if !terminal {
		t.Fatal("expected terminal write-off past the collection cutoff")
	}
	if loan.Salvage.Sign() != 0 {
		t.Fatalf("terminal write-off should zero the salvage, got %s", loan.Salvage)
	}
}

func TestAccrueIdempotent(t *testing.T) {
	engine, _ := navFixture(t, 500_000)
	issued := time.Unix(1_700_000_000, 0)
	loan := issueLoan(t, wadAmount(80), issued, 365*day, baseScore())

	at := issued.Add(100 * day)
	engine.accrue(loan, at)
	first := engine.presentValue(loan, at)
	engine.accrue(loan, at)
	second := engine.presentValue(loan, at)
	if first.Cmp(second) != 0 {
		t.Fatalf("repeated accrual at one instant changed the value: %s -> %s", first, second)
	}
}

func TestCurrentNAVSums(t *testing.T) {
	engine, _ := navFixture(t, 0)
	issued := time.Unix(1_700_000_000, 0)
	a := issueLoan(t, wadAmount(80), issued, 365*day, baseScore())
	b := issueLoan(t, wadAmount(40), issued, 180*day, baseScore())

	sum := new(big.Int).Add(engine.presentValue(a, issued), engine.presentValue(b, issued))
	if got := engine.currentNAV([]*LoanAccount{a, b}, issued); got.Cmp(sum) != 0 {
		t.Fatalf("nav should sum loan contributions: got %s want %s", got, sum)
	}
	if got := engine.currentNAV(nil, issued); got.Sign() != 0 {
		t.Fatalf("empty book should value at zero, got %s", got)
	}
}
