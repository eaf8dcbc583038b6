// Package calls drives the call signaling state machine and relays offers,
// answers and ICE candidates between participants.
package calls

import "relay-service/internal/models"

// allowedTransitions lists every legal move. Terminal states have no entry.
var allowedTransitions = map[models.CallState][]models.CallState{
	models.CallRinging:   {models.CallConnected, models.CallMissed, models.CallRejected, models.CallEnded},
	models.CallConnected: {models.CallEnded},
}

// CanTransition reports whether a call in from may move to to.
func CanTransition(from, to models.CallState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesFor returns the states that may move to to. The store applies an
// update only while the row is still in one of them.
func sourcesFor(to models.CallState) []models.CallState {
	var out []models.CallState
	for _, from := range []models.CallState{models.CallRinging, models.CallConnected} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
