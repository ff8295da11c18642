package pool

import (
	"math/big"
	"testing"
)

func wadAmount(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), wad)
}

func within(t *testing.T, got, want, tolerance *big.Int) {
	t.Helper()
	diff := new(big.Int).Sub(got, want)
	diff.Abs(diff)
	if diff.Cmp(tolerance) > 0 {
		t.Fatalf("value %s outside tolerance of %s (diff %s)", got, want, diff)
	}
}

func TestCompoundIdentity(t *testing.T) {
	amount := wadAmount(1_000)
	if got := compound(amount, big.NewInt(0), secondsPerYear); got.Cmp(amount) != 0 {
		t.Fatalf("zero rate should be identity, got %s", got)
	}
	if got := compound(amount, big.NewInt(150_000), 0); got.Cmp(amount) != 0 {
		t.Fatalf("zero elapsed should be identity, got %s", got)
	}
	if got := compound(big.NewInt(0), big.NewInt(150_000), secondsPerYear); got.Sign() != 0 {
		t.Fatalf("zero amount should stay zero, got %s", got)
	}
}

func TestCompoundAnnual(t *testing.T) {
	// Per-second compounding converges on continuous growth over a year:
	// 80 at 15% -> 92.946739, 72 at 10% -> 79.572306.
	tolerance := big.NewInt(1_000_000_000_000)
	within(t, compound(wadAmount(80), big.NewInt(150_000), secondsPerYear),
		mustBigInt("92946739000000000000"), tolerance)
	within(t, compound(wadAmount(72), big.NewInt(100_000), secondsPerYear),
		mustBigInt("79572306000000000000"), tolerance)
}

func TestDiscountInvertsCompound(t *testing.T) {
	amount := wadAmount(80)
	rate := big.NewInt(150_000)
	grown := compound(amount, rate, secondsPerYear)
	// Round-down at both steps loses at most a few wei.
	within(t, discount(grown, rate, secondsPerYear), amount, big.NewInt(4))
}

func TestCompoundMonotonic(t *testing.T) {
	amount := wadAmount(100)
	rate := big.NewInt(200_000)
	previous := new(big.Int).Set(amount)
	for _, seconds := range []uint64{1, 60, 3_600, 86_400, secondsPerYear} {
		grown := compound(amount, rate, seconds)
		if grown.Cmp(previous) < 0 {
			t.Fatalf("compounding went backwards at %d seconds: %s < %s", seconds, grown, previous)
		}
		previous = grown
	}
}

func TestRPowIdentity(t *testing.T) {
	if got := rpow(ray, 10_000); got.Cmp(ray) != 0 {
		t.Fatalf("one to any power should stay one, got %s", got)
	}
	if got := rpow(growthFactor(big.NewInt(100_000)), 0); got.Cmp(ray) != 0 {
		t.Fatalf("zeroth power should be one, got %s", got)
	}
}

func TestFractionOf(t *testing.T) {
	amount := wadAmount(100)
	if got := fractionOf(amount, big.NewInt(800_000)); got.Cmp(wadAmount(80)) != 0 {
		t.Fatalf("80%% of 100 should be 80, got %s", got)
	}
	if got := fractionOf(amount, oneHundredPercent); got.Cmp(amount) != 0 {
		t.Fatalf("100%% should be identity, got %s", got)
	}
	if got := fractionOf(amount, nil); got.Sign() != 0 {
		t.Fatalf("nil fraction should be zero, got %s", got)
	}
}

func TestValidFraction(t *testing.T) {
	if validFraction(nil) {
		t.Fatal("nil fraction should be invalid")
	}
	if validFraction(big.NewInt(-1)) {
		t.Fatal("negative fraction should be invalid")
	}
	if !validFraction(big.NewInt(0)) || !validFraction(oneHundredPercent) {
		t.Fatal("bounds should be valid")
	}
	if validFraction(big.NewInt(1_000_001)) {
		t.Fatal("fraction above 100% should be invalid")
	}
}
