package main

import (
	"fmt"
	"sort"
	"time"
)

const (
	maxTeams    = 4
	maxTeamSize = 5
	maxHelp     = 2
)

type SessionStatus string

const (
	StatusLobby    SessionStatus = "lobby"
	StatusActive   SessionStatus = "active"
	StatusFinished SessionStatus = "finished"
)

type TeamStatus string

const (
	TeamRacing   TeamStatus = "racing"
	TeamFinished TeamStatus = "finished"
)

// Question is the in-flight form pulled from a QuestionSource. CorrectIndex
// never leaves the server; clients only ever see a QuestionView.
type Question struct {
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
}

type Player struct {
	ID                string
	Name              string
	TeamName          string
	QuestionsAnswered int
	Connected         bool
}

type Team struct {
	Name               string
	Members            []*Player
	CurrentPlayerIndex int
	QuestionsCompleted int
	HelpUsed           int
	Status             TeamStatus
	FinishedAt         time.Time

	// Stalled is set when every member is disconnected; the seat order is
	// retained but no turn timer runs until the race is reaped.
	Stalled bool

	// TurnSeq increments on every activation change, so a turn timer armed
	// for an earlier activation can be recognized as stale.
	TurnSeq int

	// Help bookkeeping for the current question, so a second hint
	// eliminates a different option than the first.
	helpQuestion  int
	helpOnCurrent int
}

func (t *Team) activePlayer() *Player {
	if len(t.Members) == 0 || t.CurrentPlayerIndex >= len(t.Members) {
		return nil
	}
	return t.Members[t.CurrentPlayerIndex]
}

// GameSession is the full state of one relay race. It is never touched by
// more than one goroutine: the owning hub serializes all mutation through
// its command queue, so none of these methods lock.
type GameSession struct {
	Code           string
	Status         SessionStatus
	CreatorID      string
	Teams          []*Team
	TotalQuestions int
	CreatedAt      time.Time

	// pending holds players who have created or connected to the session
	// but not yet picked a team. Only the creator normally lives here.
	pending map[string]*Player

	// questions is the deck snapshot taken at start; each team indexes
	// into it with its own QuestionsCompleted.
	questions []Question
}

func NewGameSession(code, creatorID, creatorName string, totalQuestions int) *GameSession {
	s := &GameSession{
		Code:           code,
		Status:         StatusLobby,
		CreatorID:      creatorID,
		TotalQuestions: totalQuestions,
		CreatedAt:      time.Now(),
		pending:        make(map[string]*Player),
	}
	s.pending[creatorID] = &Player{
		ID:        creatorID,
		Name:      creatorName,
		Connected: true,
	}
	return s
}

// Events describe the notifications a state transition produced. The hub
// fans them out after the mutation completes; a failed delivery never
// affects the transition itself.
type eventScope int

const (
	scopeSession eventScope = iota
	scopeTeam
	scopePlayer
)

type Event struct {
	Scope  eventScope
	Team   string
	Player string
	Name   string
	Data   any
}

func sessionEvent(name string, data any) Event {
	return Event{Scope: scopeSession, Name: name, Data: data}
}

func teamEvent(team, name string, data any) Event {
	return Event{Scope: scopeTeam, Team: team, Name: name, Data: data}
}

func (s *GameSession) teamByName(name string) *Team {
	for _, t := range s.Teams {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// findPlayer returns a player and their team; the team is nil for pending
// players.
func (s *GameSession) findPlayer(id string) (*Player, *Team) {
	for _, t := range s.Teams {
		for _, p := range t.Members {
			if p.ID == id {
				return p, t
			}
		}
	}
	if p, ok := s.pending[id]; ok {
		return p, nil
	}
	return nil, nil
}

// Join places a player on the named team, creating the team when the
// session still has room for one. A pending creator picking a team is
// moved, not duplicated.
func (s *GameSession) Join(playerID, playerName, teamName string) (*Player, *Team, []Event, error) {
	switch s.Status {
	case StatusFinished:
		return nil, nil, nil, ErrSessionNotFound
	case StatusActive:
		return nil, nil, nil, ErrGameAlreadyStarted
	}

	p, currentTeam := s.findPlayer(playerID)
	if p != nil && currentTeam != nil {
		return nil, nil, nil, ErrAlreadyJoined
	}

	team := s.teamByName(teamName)
	if team == nil {
		if len(s.Teams) >= maxTeams {
			return nil, nil, nil, ErrTeamFull
		}
		team = &Team{
			Name:   teamName,
			Status: TeamRacing,
		}
		s.Teams = append(s.Teams, team)
	}
	if len(team.Members) >= maxTeamSize {
		return nil, nil, nil, ErrTeamFull
	}

	if p == nil {
		p = &Player{
			ID:        playerID,
			Name:      playerName,
			Connected: true,
		}
	} else {
		delete(s.pending, playerID)
		if playerName != "" {
			p.Name = playerName
		}
	}
	p.TeamName = team.Name
	team.Members = append(team.Members, p)

	return p, team, []Event{sessionEvent("game-updated", gamePayload{Game: newGameView(s)})}, nil
}

// Start moves the session from lobby to active and hands each team its
// first question. The deck is validated here so a short bank fails the
// start instead of stranding teams mid-race.
func (s *GameSession) Start(requesterID string, questions []Question) ([]Event, error) {
	switch s.Status {
	case StatusFinished:
		return nil, ErrSessionNotFound
	case StatusActive:
		return nil, ErrGameAlreadyStarted
	}
	if requesterID != s.CreatorID {
		return nil, ErrNotCreator
	}

	populated := 0
	for _, t := range s.Teams {
		if len(t.Members) > 0 {
			populated++
		}
	}
	if populated < 2 {
		return nil, ErrNotEnoughTeams
	}

	if len(questions) < s.TotalQuestions {
		return nil, fmt.Errorf("question bank only has %d questions, need %d", len(questions), s.TotalQuestions)
	}

	s.questions = questions
	s.Status = StatusActive

	events := []Event{sessionEvent("game-started", gamePayload{Game: newGameView(s)})}
	for _, t := range s.Teams {
		t.CurrentPlayerIndex = 0
		t.TurnSeq = 1
		if active := t.activePlayer(); active != nil && !active.Connected {
			s.rotate(t)
		}
		if !t.Stalled {
			events = append(events, s.newQuestionEvent(t))
		}
	}
	return events, nil
}

func (s *GameSession) newQuestionEvent(t *Team) Event {
	q := s.questions[t.QuestionsCompleted]
	return teamEvent(t.Name, "new-question", questionPayload{
		Question: QuestionView{
			Index:   t.QuestionsCompleted,
			Text:    q.Text,
			Options: q.Options,
		},
	})
}

// rotate advances the team's active seat to the next connected member,
// bounded by one full lap. It reports whether anyone was activated; when
// nobody is connected the team is marked stalled instead.
func (s *GameSession) rotate(t *Team) bool {
	t.TurnSeq++
	n := len(t.Members)
	if n == 0 {
		t.Stalled = true
		return false
	}
	for i := 1; i <= n; i++ {
		candidate := (t.CurrentPlayerIndex + i) % n
		if t.Members[candidate].Connected {
			t.CurrentPlayerIndex = candidate
			t.Stalled = false
			return true
		}
	}
	t.Stalled = true
	return false
}

func (s *GameSession) guardTurn(playerID string) (*Player, *Team, error) {
	p, team := s.findPlayer(playerID)
	if p == nil {
		return nil, nil, ErrSessionNotFound
	}
	if s.Status != StatusActive {
		return nil, nil, ErrSessionNotActive
	}
	if team == nil || team.Status == TeamFinished {
		return nil, nil, ErrSessionNotActive
	}
	if active := team.activePlayer(); active == nil || active.ID != playerID {
		return nil, nil, ErrNotYourTurn
	}
	return p, team, nil
}

// SubmitAnswer evaluates the active player's single shot at the team's
// current question. Correct or not, the turn rotates; only a correct
// answer advances the team's progress.
func (s *GameSession) SubmitAnswer(playerID string, answerIndex int) ([]Event, error) {
	p, team, err := s.guardTurn(playerID)
	if err != nil {
		return nil, err
	}

	question := s.questions[team.QuestionsCompleted]
	correct := answerIndex == question.CorrectIndex
	if correct {
		team.QuestionsCompleted++
		p.QuestionsAnswered++
	}

	result := AnswerResultView{
		PlayerID:           p.ID,
		PlayerName:         p.Name,
		AnswerIndex:        answerIndex,
		Correct:            correct,
		QuestionsCompleted: team.QuestionsCompleted,
	}

	if team.QuestionsCompleted == s.TotalQuestions {
		team.Status = TeamFinished
		team.FinishedAt = time.Now()
		team.TurnSeq++
		events := []Event{teamEvent(team.Name, "answer-result", result)}
		if s.Status != StatusFinished {
			s.Status = StatusFinished
			events = append(events, sessionEvent("game-finished", finalPayload{FinalState: newFinalStateView(s)}))
		}
		return events, nil
	}

	activated := s.rotate(team)
	if activated {
		result.NextPlayerID = team.activePlayer().ID
	}
	events := []Event{
		teamEvent(team.Name, "answer-result", result),
		sessionEvent("game-updated", gamePayload{Game: newGameView(s)}),
	}
	if activated {
		events = append(events, s.newQuestionEvent(team))
	}
	return events, nil
}

// RequestHelp spends one of the team's limited hints: a single incorrect
// option of the current question is eliminated. Turn and progress are
// untouched.
func (s *GameSession) RequestHelp(playerID string) ([]Event, error) {
	p, team, err := s.guardTurn(playerID)
	if err != nil {
		return nil, err
	}
	if team.HelpUsed >= maxHelp {
		return nil, ErrHelpExhausted
	}
	team.HelpUsed++

	if team.helpQuestion != team.QuestionsCompleted {
		team.helpQuestion = team.QuestionsCompleted
		team.helpOnCurrent = 0
	}
	question := s.questions[team.QuestionsCompleted]
	incorrect := make([]int, 0, len(question.Options))
	for i := range question.Options {
		if i != question.CorrectIndex {
			incorrect = append(incorrect, i)
		}
	}
	pick := team.helpOnCurrent
	if pick >= len(incorrect) {
		pick = len(incorrect) - 1
	}
	eliminated := incorrect[pick]
	team.helpOnCurrent++

	return []Event{teamEvent(team.Name, "help-used", HelpView{
		PlayerName:       p.Name,
		HelpUsed:         team.HelpUsed,
		HelpRemaining:    maxHelp - team.HelpUsed,
		EliminatedOption: eliminated,
	})}, nil
}

// Disconnect records a dropped connection. In the lobby the seat is freed
// and empty teams are dropped; mid-race the seat is kept so the relay
// order survives, and the running turn timer decides continuation.
func (s *GameSession) Disconnect(playerID string) []Event {
	p, team := s.findPlayer(playerID)
	if p == nil {
		return nil
	}

	switch s.Status {
	case StatusLobby:
		if team == nil {
			delete(s.pending, playerID)
		} else {
			members := team.Members[:0]
			for _, m := range team.Members {
				if m.ID != playerID {
					members = append(members, m)
				}
			}
			team.Members = members
			if len(team.Members) == 0 {
				teams := s.Teams[:0]
				for _, t := range s.Teams {
					if t != team {
						teams = append(teams, t)
					}
				}
				s.Teams = teams
			}
		}
		return []Event{sessionEvent("game-updated", gamePayload{Game: newGameView(s)})}
	case StatusActive:
		p.Connected = false
		return []Event{sessionEvent("game-updated", gamePayload{Game: newGameView(s)})}
	default:
		p.Connected = false
		return nil
	}
}

// TurnTimeout is the deferred command armed at each activation. A stale
// sequence number means the player answered first and the timer lost the
// race; nothing happens.
func (s *GameSession) TurnTimeout(teamName string, seq int) []Event {
	if s.Status != StatusActive {
		return nil
	}
	team := s.teamByName(teamName)
	if team == nil || team.Status != TeamRacing || team.TurnSeq != seq {
		return nil
	}
	expired := team.activePlayer()
	if expired == nil {
		return nil
	}

	activated := s.rotate(team)
	result := AnswerResultView{
		PlayerID:           expired.ID,
		PlayerName:         expired.Name,
		AnswerIndex:        -1,
		Correct:            false,
		TimedOut:           true,
		QuestionsCompleted: team.QuestionsCompleted,
	}
	if activated {
		result.NextPlayerID = team.activePlayer().ID
	}
	events := []Event{
		teamEvent(team.Name, "answer-result", result),
		sessionEvent("game-updated", gamePayload{Game: newGameView(s)}),
	}
	if activated {
		events = append(events, s.newQuestionEvent(team))
	}
	return events
}

// standings orders teams by completion rank: finished teams first by
// earliest finish, then racing teams by progress.
func (s *GameSession) standings() []*Team {
	ranked := make([]*Team, len(s.Teams))
	copy(ranked, s.Teams)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if (a.Status == TeamFinished) != (b.Status == TeamFinished) {
			return a.Status == TeamFinished
		}
		if a.Status == TeamFinished {
			return a.FinishedAt.Before(b.FinishedAt)
		}
		return a.QuestionsCompleted > b.QuestionsCompleted
	})
	return ranked
}
