package pool

import (
	"fmt"
	"math/big"
	"sync"
)

// MemoryTokenLedger is a process-local TokenLedger. It backs single-node
// deployments and tests; an external tokenization service can replace it
// behind the same interface.
type MemoryTokenLedger struct {
	mu     sync.Mutex
	senior *big.Int
	junior *big.Int
}

func NewMemoryTokenLedger() *MemoryTokenLedger {
	return &MemoryTokenLedger{senior: big.NewInt(0), junior: big.NewInt(0)}
}

func (m *MemoryTokenLedger) Supply(t Tranche) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.supply(t))
}

func (m *MemoryTokenLedger) Mint(t Tranche, tokens *big.Int) error {
	if tokens == nil || tokens.Sign() <= 0 {
		return fmt.Errorf("%w: mint amount must be positive", ErrInvalidAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supply(t).Add(m.supply(t), tokens)
	return nil
}

func (m *MemoryTokenLedger) Burn(t Tranche, tokens *big.Int) error {
	if tokens == nil || tokens.Sign() <= 0 {
		return fmt.Errorf("%w: burn amount must be positive", ErrInvalidAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	supply := m.supply(t)
	if tokens.Cmp(supply) > 0 {
		return fmt.Errorf("%w: burn exceeds %s supply", ErrInvalidAmount, t)
	}
	supply.Sub(supply, tokens)
	return nil
}

func (m *MemoryTokenLedger) supply(t Tranche) *big.Int {
	if t == Senior {
		return m.senior
	}
	return m.junior
}
