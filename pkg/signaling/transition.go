// Package signaling holds the pure parts of the call plane: the
// lifecycle state machine and TURN credential derivation. The stateful
// orchestration lives in the call service.
package signaling

import "github.com/mentormesh/core/pkg/models"

// transitions enumerates every legal state change. Terminal states
// have no successors; Failed is additionally reachable from the
// established states so the inactivity sweep can close silent calls.
var transitions = map[models.CallState][]models.CallState{
	models.CallInitiating: {models.CallRinging, models.CallRejected, models.CallCancelled, models.CallFailed},
	models.CallRinging:    {models.CallConnecting, models.CallRejected, models.CallCancelled, models.CallFailed},
	models.CallConnecting: {models.CallConnected, models.CallRejected, models.CallCancelled, models.CallFailed},
	models.CallConnected:  {models.CallOnHold, models.CallEnded, models.CallFailed},
	models.CallOnHold:     {models.CallConnected, models.CallEnded, models.CallFailed},
}

// Transition reports whether from → to is a legal state change.
func Transition(from, to models.CallState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
