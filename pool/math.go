package pool

import "math/big"

// Fixed-point conventions: monetary amounts are scaled by 1e18 (wad), rates
// and other fractions by 1e6 (oneHundredPercent), and intermediate compounding
// factors by 1e27 (ray). Compounding is discrete per second.
var (
	oneHundredPercent = big.NewInt(1_000_000)
	wad               = mustBigInt("1000000000000000000")
	ray               = mustBigInt("1000000000000000000000000000")
	halfRay           = new(big.Int).Rsh(ray, 1)
	rateToRay         = mustBigInt("1000000000000000000000") // 1e6 fraction -> ray
)

const secondsPerYear = 31_536_000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// rpow raises a ray-scaled factor to an integer power using exponentiation by
// squaring, rounding half-up at every multiplication step. The half-up
// rounding keeps long per-second exponentiations from drifting low.
func rpow(x *big.Int, n uint64) *big.Int {
	if x == nil {
		return new(big.Int).Set(ray)
	}
	base := new(big.Int).Set(x)
	var z *big.Int
	if n%2 != 0 {
		z = new(big.Int).Set(base)
	} else {
		z = new(big.Int).Set(ray)
	}
	for n /= 2; n != 0; n /= 2 {
		base = rayMul(base, base)
		if n%2 != 0 {
			z = rayMul(z, base)
		}
	}
	return z
}

func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	product.Quo(product, ray)
	return product
}

// growthFactor converts an annual rate (1e6 = 100%) into the per-second
// ray-scaled growth base 1 + rate/secondsPerYear.
func growthFactor(annualRate *big.Int) *big.Int {
	factor := new(big.Int).Set(ray)
	if annualRate == nil || annualRate.Sign() <= 0 {
		return factor
	}
	perSecond := new(big.Int).Mul(annualRate, rateToRay)
	perSecond.Quo(perSecond, big.NewInt(secondsPerYear))
	return factor.Add(factor, perSecond)
}

// compound grows an amount at the annual rate over the elapsed seconds.
// Amounts owed to the pool round down so accrual never manufactures value.
func compound(amount, annualRate *big.Int, seconds uint64) *big.Int {
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0)
	}
	if annualRate == nil || annualRate.Sign() == 0 || seconds == 0 {
		return new(big.Int).Set(amount)
	}
	factor := rpow(growthFactor(annualRate), seconds)
	result := new(big.Int).Mul(amount, factor)
	return result.Quo(result, ray)
}

// discount present-values an amount due after the elapsed seconds at the
// annual discount rate, rounding down.
func discount(amount, annualRate *big.Int, seconds uint64) *big.Int {
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0)
	}
	if annualRate == nil || annualRate.Sign() == 0 || seconds == 0 {
		return new(big.Int).Set(amount)
	}
	factor := rpow(growthFactor(annualRate), seconds)
	result := new(big.Int).Mul(amount, ray)
	return result.Quo(result, factor)
}

// fractionOf applies a 1e6-scaled fraction to an amount, rounding down.
func fractionOf(amount, fraction *big.Int) *big.Int {
	if amount == nil || amount.Sign() == 0 || fraction == nil || fraction.Sign() == 0 {
		return big.NewInt(0)
	}
	result := new(big.Int).Mul(amount, fraction)
	return result.Quo(result, oneHundredPercent)
}

func validFraction(fraction *big.Int) bool {
	return fraction != nil && fraction.Sign() >= 0 && fraction.Cmp(oneHundredPercent) <= 0
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
