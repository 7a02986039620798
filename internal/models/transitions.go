package models

import "github.com/benmeehan/location-agent/internal/constants"

// allowedTransitions lists the sync state machine edges.
// Pending and failed samples may be confirmed directly when reconciliation
// finds them already stored remotely.
var allowedTransitions = map[string][]string{
	constants.SyncStatePending:  {constants.SyncStateInFlight, constants.SyncStateConfirmed},
	constants.SyncStateInFlight: {constants.SyncStateConfirmed, constants.SyncStateFailed, constants.SyncStateRejected},
	constants.SyncStateFailed:   {constants.SyncStateInFlight, constants.SyncStateConfirmed, constants.SyncStateRejected},
}

// CanTransition reports whether a sample may move from one sync state to another.
func CanTransition(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition leaves the state.
func IsTerminal(state string) bool {
	return state == constants.SyncStateConfirmed || state == constants.SyncStateRejected
}

// IsValidState reports whether state is one of the known sync states.
func IsValidState(state string) bool {
	switch state {
	case constants.SyncStatePending, constants.SyncStateInFlight, constants.SyncStateConfirmed,
		constants.SyncStateFailed, constants.SyncStateRejected:
		return true
	}
	return false
}
