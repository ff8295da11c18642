package pool

import "errors"

var (
	ErrInvalidConfiguration = errors.New("pool engine: invalid configuration")
	ErrInvalidState         = errors.New("pool engine: operation not permitted in current stage")
	ErrInvalidLoanTerms     = errors.New("pool engine: invalid loan terms")
	ErrInvalidAmount        = errors.New("pool engine: amount must be positive")
	ErrInsufficientReserve  = errors.New("pool engine: insufficient reserve")
	ErrDebtCeilingExceeded  = errors.New("pool engine: debt ceiling exceeded")
	ErrFirstLossBreached    = errors.New("pool engine: first loss cushion breached")
	ErrAttestationMissing   = errors.New("pool engine: validator attestation required")
	ErrLoanNotFound         = errors.New("pool engine: loan not found")
	ErrLoanWrittenOff       = errors.New("pool engine: loan already written off")
	ErrTrancheWipedOut      = errors.New("pool engine: tranche value wiped out")
	ErrDuplicateRepayment   = errors.New("pool engine: duplicate loan in repayment batch")
	ErrNilTokenLedger       = errors.New("pool engine: token ledger not configured")
)
