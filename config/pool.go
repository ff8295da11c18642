package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"notepool/pool"
)

// PoolFile is the TOML definition of one pool. Amounts are decimal strings in
// 1e18 units; rates and fractions are integers in 1e6 units (1_000_000 = 100%).
type PoolFile struct {
	ID                  string `toml:"ID"`
	Currency            string `toml:"Currency"`
	MinFirstLossCushion int64  `toml:"MinFirstLossCushion"`
	DebtCeiling         string `toml:"DebtCeiling"`
	SalvageRate         int64  `toml:"SalvageRate"`
	ValidatorRequired   bool   `toml:"ValidatorRequired"`
	SeniorRate          int64  `toml:"SeniorRate"`
}

// RiskScoreFile is the TOML risk score table, ordered by ascending
// days-past-due threshold.
type RiskScoreFile struct {
	Score []ScoreEntry `toml:"Score"`
}

// ScoreEntry is one table row. Periods are whole days.
type ScoreEntry struct {
	DaysPastDue                   int64 `toml:"DaysPastDue"`
	AdvanceRate                   int64 `toml:"AdvanceRate"`
	PenaltyRate                   int64 `toml:"PenaltyRate"`
	InterestRate                  int64 `toml:"InterestRate"`
	ProbabilityOfDefault          int64 `toml:"ProbabilityOfDefault"`
	LossGivenDefault              int64 `toml:"LossGivenDefault"`
	GracePeriodDays               int64 `toml:"GracePeriodDays"`
	CollectionPeriodDays          int64 `toml:"CollectionPeriodDays"`
	WriteOffAfterGracePeriodDays  int64 `toml:"WriteOffAfterGracePeriodDays"`
	WriteOffAfterCollectionDays   int64 `toml:"WriteOffAfterCollectionDays"`
	DiscountRate                  int64 `toml:"DiscountRate"`
}

// LoadPool decodes a pool definition and converts it to engine parameters.
// The returned senior rate is applied at cycle start.
func LoadPool(path string) (string, pool.Config, *big.Int, error) {
	var file PoolFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return "", pool.Config{}, nil, fmt.Errorf("decode pool file: %w", err)
	}
	if strings.TrimSpace(file.ID) == "" {
		return "", pool.Config{}, nil, fmt.Errorf("pool file %s: ID required", path)
	}
	cfg := pool.Config{
		Currency:            file.Currency,
		MinFirstLossCushion: big.NewInt(file.MinFirstLossCushion),
		SalvageRate:         big.NewInt(file.SalvageRate),
		ValidatorRequired:   file.ValidatorRequired,
	}
	if strings.TrimSpace(file.DebtCeiling) != "" {
		ceiling, ok := new(big.Int).SetString(strings.TrimSpace(file.DebtCeiling), 10)
		if !ok {
			return "", pool.Config{}, nil, fmt.Errorf("pool file %s: invalid debt ceiling %q", path, file.DebtCeiling)
		}
		cfg.DebtCeiling = ceiling
	}
	if err := cfg.Validate(); err != nil {
		return "", pool.Config{}, nil, err
	}
	if file.SeniorRate < 0 {
		return "", pool.Config{}, nil, fmt.Errorf("pool file %s: negative senior rate", path)
	}
	return file.ID, cfg, big.NewInt(file.SeniorRate), nil
}

// LoadRiskScores decodes the risk score table.
func LoadRiskScores(path string) ([]pool.RiskScore, error) {
	var file RiskScoreFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("decode risk score file: %w", err)
	}
	if len(file.Score) == 0 {
		return nil, fmt.Errorf("risk score file %s: at least one score required", path)
	}
	scores := make([]pool.RiskScore, len(file.Score))
	for i, entry := range file.Score {
		scores[i] = pool.RiskScore{
			DaysPastDueThreshold:          days(entry.DaysPastDue),
			AdvanceRate:                   big.NewInt(entry.AdvanceRate),
			PenaltyRate:                   big.NewInt(entry.PenaltyRate),
			InterestRate:                  big.NewInt(entry.InterestRate),
			ProbabilityOfDefault:          big.NewInt(entry.ProbabilityOfDefault),
			LossGivenDefault:              big.NewInt(entry.LossGivenDefault),
			GracePeriod:                   days(entry.GracePeriodDays),
			CollectionPeriod:              days(entry.CollectionPeriodDays),
			WriteOffAfterGracePeriod:      days(entry.WriteOffAfterGracePeriodDays),
			WriteOffAfterCollectionPeriod: days(entry.WriteOffAfterCollectionDays),
			DiscountRate:                  big.NewInt(entry.DiscountRate),
		}
	}
	return scores, nil
}

func days(n int64) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
