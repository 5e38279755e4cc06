package models

import "fmt"

// FunnelState is a user's position in the funnel.
type FunnelState string

const (
	StateNew              FunnelState = "NEW"
	StateWelcomeShown     FunnelState = "WELCOME_SHOWN"
	StateOfferingSelected FunnelState = "OFFERING_SELECTED"
	StateInfoShown        FunnelState = "INFO_SHOWN"
	StateContentShown     FunnelState = "CONTENT_SHOWN"
	StatePricingShown     FunnelState = "PRICING_SHOWN"
	StateConverted        FunnelState = "CONVERTED"
)

// funnelOrder lists states from initial to terminal.
var funnelOrder = []FunnelState{
	StateNew,
	StateWelcomeShown,
	StateOfferingSelected,
	StateInfoShown,
	StateContentShown,
	StatePricingShown,
	StateConverted,
}

// FunnelStates returns every state in funnel order.
func FunnelStates() []FunnelState {
	out := make([]FunnelState, len(funnelOrder))
	copy(out, funnelOrder)
	return out
}

// IsValid reports whether s is one of the defined states.
func (s FunnelState) IsValid() bool {
	return s.index() >= 0
}

func (s FunnelState) index() int {
	for i, st := range funnelOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the state one forward step after s. ok is false for the
// terminal state and for unknown states.
func (s FunnelState) Next() (FunnelState, bool) {
	i := s.index()
	if i < 0 || i == len(funnelOrder)-1 {
		return "", false
	}
	return funnelOrder[i+1], true
}

// ParseFunnelState converts a raw string into a FunnelState.
func ParseFunnelState(raw string) (FunnelState, error) {
	s := FunnelState(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown funnel state %q", raw)
	}
	return s, nil
}

// ValidateAdvance checks that to is exactly one forward step from from.
// OFFERING_SELECTED and CONVERTED carry side effects and are entered only
// through their dedicated operations.
func ValidateAdvance(from, to FunnelState) error {
	if !to.IsValid() {
		return fmt.Errorf("%w: unknown target state %q", ErrInvalidTransition, to)
	}
	next, ok := from.Next()
	if !ok || next != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	switch to {
	case StateOfferingSelected:
		return fmt.Errorf("%w: %s is entered by selecting an offering", ErrInvalidTransition, to)
	case StateConverted:
		return fmt.Errorf("%w: %s is entered by converting", ErrInvalidTransition, to)
	}
	return nil
}
