package pool

import (
	"fmt"
	"math/big"
	"strings"
)

// Config captures the pool parameters fixed at creation. Fractions use the
// 1e6 scale, amounts the 1e18 scale.
type Config struct {
	Currency string `toml:"Currency"`
	// MinFirstLossCushion is the junior-ratio floor below which further
	// drawdown is refused.
	MinFirstLossCushion *big.Int `toml:"MinFirstLossCushion"`
	// DebtCeiling limits cumulative funded drawdown. Zero means unlimited.
	DebtCeiling *big.Int `toml:"DebtCeiling"`
	// ValidatorRequired demands an external attestation on every drawdown.
	ValidatorRequired bool `toml:"ValidatorRequired"`
	// SalvageRate is the fraction of the overdue claim retained when a loan
	// is written off.
	SalvageRate *big.Int `toml:"SalvageRate"`
}

// Validate rejects malformed pool parameters outright; nothing is clamped.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Currency) == "" {
		return fmt.Errorf("%w: currency required", ErrInvalidConfiguration)
	}
	if c.MinFirstLossCushion != nil && !validFraction(c.MinFirstLossCushion) {
		return fmt.Errorf("%w: first loss cushion out of range", ErrInvalidConfiguration)
	}
	if c.DebtCeiling != nil && c.DebtCeiling.Sign() < 0 {
		return fmt.Errorf("%w: negative debt ceiling", ErrInvalidConfiguration)
	}
	if c.SalvageRate != nil && !validFraction(c.SalvageRate) {
		return fmt.Errorf("%w: salvage rate out of range", ErrInvalidConfiguration)
	}
	return nil
}

func (c Config) clone() Config {
	clone := c
	if c.MinFirstLossCushion != nil {
		clone.MinFirstLossCushion = new(big.Int).Set(c.MinFirstLossCushion)
	}
	if c.DebtCeiling != nil {
		clone.DebtCeiling = new(big.Int).Set(c.DebtCeiling)
	}
	if c.SalvageRate != nil {
		clone.SalvageRate = new(big.Int).Set(c.SalvageRate)
	}
	return clone
}
