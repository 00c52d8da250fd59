package main

import (
	"errors"
)

// Gameplay rejections. Each message is sent verbatim to the offending
// client inside an error envelope, so they are phrased for end users.
var (
	ErrSessionNotFound    = errors.New("Session not found")
	ErrGameAlreadyStarted = errors.New("Game already started")
	ErrTeamFull           = errors.New("Team is full")
	ErrNotEnoughTeams     = errors.New("Not enough teams to start")
	ErrNotCreator         = errors.New("Only the game creator can start the game")
	ErrNotYourTurn        = errors.New("Not your turn")
	ErrSessionNotActive   = errors.New("Session not active")
	ErrHelpExhausted      = errors.New("Help limit reached")
	ErrAlreadyJoined      = errors.New("Already in a game")
)

var clientErrors = []error{
	ErrSessionNotFound,
	ErrGameAlreadyStarted,
	ErrTeamFull,
	ErrNotEnoughTeams,
	ErrNotCreator,
	ErrNotYourTurn,
	ErrSessionNotActive,
	ErrHelpExhausted,
	ErrAlreadyJoined,
}

// isClientError reports whether err is a precondition violation caused by
// client input, as opposed to an internal fault worth logging loudly.
func isClientError(err error) bool {
	for _, candidate := range clientErrors {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}
