package pool

import "fmt"

// CycleState is the pool lifecycle stage. The machine is intentionally small:
// Uninitialized -> Issuing -> Active -> Closed, with no other transitions.
type CycleState uint8

const (
	Uninitialized CycleState = iota
	Issuing
	Active
	Closed
)

func (s CycleState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Issuing:
		return "issuing"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name for JSON snapshots.
func (s CycleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name from a persisted snapshot.
func (s *CycleState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "uninitialized":
		*s = Uninitialized
	case "issuing":
		*s = Issuing
	case "active":
		*s = Active
	case "closed":
		*s = Closed
	default:
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidState, text)
	}
	return nil
}

type cycleController struct {
	state CycleState
}

func (c *cycleController) ensure(allowed ...CycleState) error {
	for _, state := range allowed {
		if c.state == state {
			return nil
		}
	}
	return fmt.Errorf("%w: pool is %s", ErrInvalidState, c.state)
}

func (c *cycleController) startCycle() error {
	if c.state != Issuing {
		return fmt.Errorf("%w: not in issuing stage", ErrInvalidState)
	}
	c.state = Active
	return nil
}

func (c *cycleController) close() error {
	if c.state != Active {
		return fmt.Errorf("%w: pool is %s", ErrInvalidState, c.state)
	}
	c.state = Closed
	return nil
}
