// Package broker holds the pure parts of partner negotiation: the state
// table, the clarify form, intent construction and match scoring.
package broker

import (
	"fmt"

	domainbroker "github.com/yungbote/huddle-backend/internal/domain/broker"
	pkgerrors "github.com/yungbote/huddle-backend/internal/pkg/errors"
)

type State = domainbroker.State

var transitions = map[State][]State{
	domainbroker.StateIdle:           {domainbroker.StateClarifying, domainbroker.StateCancelled},
	domainbroker.StateClarifying:     {domainbroker.StateIntentRecorded, domainbroker.StateCancelled},
	domainbroker.StateIntentRecorded: {domainbroker.StateMatched, domainbroker.StateExpired, domainbroker.StateCancelled},
	// Matched -> IntentRecorded returns a member to the pool when another
	// member cancels before confirmation.
	domainbroker.StateMatched: {domainbroker.StateConfirmed, domainbroker.StateExpired, domainbroker.StateCancelled, domainbroker.StateIntentRecorded},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition leaves s.
func Terminal(s State) bool {
	return len(transitions[s]) == 0
}

// Transition checks the move and returns an error wrapping
// ErrInvalidTransition when the table does not allow it.
func Transition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("broker %s -> %s: %w", from, to, pkgerrors.ErrInvalidTransition)
	}
	return nil
}
