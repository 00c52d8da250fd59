package main

import (
	"encoding/json"
	"time"
)

// The wire protocol is a closed set of JSON envelopes in both directions.
// Inbound envelopes decode into one of the payload structs below before
// they reach a session's command queue, so the state machine itself only
// ever sees typed commands.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Client -> server payloads.
type createGamePayload struct {
	PlayerName string `json:"playerName"`
}

type joinGamePayload struct {
	GameID     string `json:"gameId"`
	PlayerName string `json:"playerName"`
	TeamName   string `json:"teamName"`
}

type startGamePayload struct {
	GameID string `json:"gameId"`
}

type answerQuestionPayload struct {
	GameID      string `json:"gameId"`
	AnswerIndex int    `json:"answerIndex"`
}

type requestHelpPayload struct {
	GameID string `json:"gameId"`
}

// Server -> client payloads.
type errorPayload struct {
	Message string `json:"message"`
}

type gamePayload struct {
	Game GameView `json:"game"`
}

type joinedGamePayload struct {
	Player PlayerView `json:"player"`
	Game   GameView   `json:"game"`
}

type questionPayload struct {
	Question QuestionView `json:"question"`
}

type finalPayload struct {
	FinalState FinalStateView `json:"finalState"`
}

// Views are the snapshot forms of the session data model. They are plain
// values, safe to hand to the write pumps after the mutation that
// produced them has completed.
type PlayerView struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	TeamName          string `json:"teamName,omitempty"`
	QuestionsAnswered int    `json:"questionsAnswered"`
	IsActive          bool   `json:"isActive"`
	Connected         bool   `json:"connected"`
}

type TeamView struct {
	Name               string       `json:"name"`
	Status             TeamStatus   `json:"status"`
	CurrentPlayerIndex int          `json:"currentPlayerIndex"`
	QuestionsCompleted int          `json:"questionsCompleted"`
	HelpUsed           int          `json:"helpUsed"`
	Stalled            bool         `json:"stalled,omitempty"`
	Members            []PlayerView `json:"members"`
}

type GameView struct {
	Code           string        `json:"code"`
	Status         SessionStatus `json:"status"`
	CreatorID      string        `json:"creatorId"`
	TotalQuestions int           `json:"totalQuestions"`
	Teams          []TeamView    `json:"teams"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// QuestionView is the answer-key-free form delivered to a team.
type QuestionView struct {
	Index   int      `json:"index"`
	Text    string   `json:"text"`
	Options []string `json:"options"`
}

type AnswerResultView struct {
	PlayerID           string `json:"playerId"`
	PlayerName         string `json:"playerName"`
	AnswerIndex        int    `json:"answerIndex"`
	Correct            bool   `json:"correct"`
	TimedOut           bool   `json:"timedOut,omitempty"`
	QuestionsCompleted int    `json:"questionsCompleted"`
	NextPlayerID       string `json:"nextPlayerId,omitempty"`
}

type HelpView struct {
	PlayerName       string `json:"playerName"`
	HelpUsed         int    `json:"helpUsed"`
	HelpRemaining    int    `json:"helpRemaining"`
	EliminatedOption int    `json:"eliminatedOption"`
}

type StandingView struct {
	Rank               int          `json:"rank"`
	Team               string       `json:"team"`
	QuestionsCompleted int          `json:"questionsCompleted"`
	FinishedAt         *time.Time   `json:"finishedAt,omitempty"`
	Members            []PlayerView `json:"members"`
}

type FinalStateView struct {
	Code      string         `json:"code"`
	Winner    string         `json:"winner"`
	Standings []StandingView `json:"standings"`
}

func newPlayerView(p *Player, isActive bool) PlayerView {
	return PlayerView{
		ID:                p.ID,
		Name:              p.Name,
		TeamName:          p.TeamName,
		QuestionsAnswered: p.QuestionsAnswered,
		IsActive:          isActive,
		Connected:         p.Connected,
	}
}

func newTeamView(t *Team, racing bool) TeamView {
	members := make([]PlayerView, 0, len(t.Members))
	for i, m := range t.Members {
		active := racing && t.Status == TeamRacing && i == t.CurrentPlayerIndex
		members = append(members, newPlayerView(m, active))
	}
	return TeamView{
		Name:               t.Name,
		Status:             t.Status,
		CurrentPlayerIndex: t.CurrentPlayerIndex,
		QuestionsCompleted: t.QuestionsCompleted,
		HelpUsed:           t.HelpUsed,
		Stalled:            t.Stalled,
		Members:            members,
	}
}

func newGameView(s *GameSession) GameView {
	teams := make([]TeamView, 0, len(s.Teams))
	for _, t := range s.Teams {
		teams = append(teams, newTeamView(t, s.Status == StatusActive))
	}
	return GameView{
		Code:           s.Code,
		Status:         s.Status,
		CreatorID:      s.CreatorID,
		TotalQuestions: s.TotalQuestions,
		Teams:          teams,
		CreatedAt:      s.CreatedAt,
	}
}

func newFinalStateView(s *GameSession) FinalStateView {
	ranked := s.standings()
	standings := make([]StandingView, 0, len(ranked))
	winner := ""
	for i, t := range ranked {
		sv := StandingView{
			Rank:               i + 1,
			Team:               t.Name,
			QuestionsCompleted: t.QuestionsCompleted,
		}
		if t.Status == TeamFinished {
			finished := t.FinishedAt
			sv.FinishedAt = &finished
		}
		for _, m := range t.Members {
			sv.Members = append(sv.Members, newPlayerView(m, false))
		}
		standings = append(standings, sv)
	}
	if len(ranked) > 0 {
		winner = ranked[0].Name
	}
	return FinalStateView{
		Code:      s.Code,
		Winner:    winner,
		Standings: standings,
	}
}
