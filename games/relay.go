// Package games holds design notes for the games served by quizrelay.
package games

// Relay quiz
//
// Teams of up to five players race through the same question deck; up to
// four teams per session. Within a team, members answer in relay order:
// exactly one seat is active at a time, and the seat rotates after every
// answer or timeout, correct or not.
//
// How to play
// - One player creates a game and shares the six-character code (or the QR)
// - Everyone else joins a team by name; new team names create teams
// - The creator starts the race once at least two teams have players
// - The active player gets the team's current question and one shot at it
// - A correct answer advances the team; either way the next teammate is up
// - Each team has two hints; a hint removes one wrong option
// - First team through the whole deck wins and the session freezes
//
// Implementation details:
// - One goroutine per session; all commands serialized through a channel
// - Turn timers are commands in the same queue, so they cannot race answers
// - Mid-race disconnects keep their seat and are skipped in rotation
