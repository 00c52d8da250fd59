package main

import (
	"errors"
	"fmt"
	"testing"
)

// testQuestions returns a deck where option 1 is always correct.
func testQuestions(n int) []Question {
	questions := make([]Question, n)
	for i := range questions {
		questions[i] = Question{
			Text:         fmt.Sprintf("question %d", i),
			Options:      []string{"a", "b", "c", "d"},
			CorrectIndex: 1,
		}
	}
	return questions
}

// testSession builds a started session: creator pending, Red with two
// players and Blue with two players, five questions per team.
func testSession(t *testing.T) *GameSession {
	t.Helper()

	s := NewGameSession("X7K2QM", "host-1", "Host", 5)
	for _, join := range []struct{ id, name, team string }{
		{"r1", "Alice", "Red"},
		{"r2", "Bob", "Red"},
		{"b1", "Carol", "Blue"},
		{"b2", "Dave", "Blue"},
	} {
		if _, _, _, err := s.Join(join.id, join.name, join.team); err != nil {
			t.Fatalf("join %s: %v", join.id, err)
		}
	}
	if _, err := s.Start("host-1", testQuestions(5)); err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

func findEvents(events []Event, name string) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func assertOneActive(t *testing.T, s *GameSession) {
	t.Helper()
	for _, team := range s.Teams {
		if team.Status != TeamRacing || len(team.Members) == 0 {
			continue
		}
		view := newTeamView(team, s.Status == StatusActive)
		active := 0
		for _, m := range view.Members {
			if m.IsActive {
				active++
			}
		}
		if active != 1 {
			t.Fatalf("team %s has %d active members, want exactly 1", team.Name, active)
		}
	}
}

func TestNewGameSession(t *testing.T) {
	s := NewGameSession("X7K2QM", "host-1", "Host", 5)

	if s.Status != StatusLobby {
		t.Fatalf("expected status %s, got %s", StatusLobby, s.Status)
	}
	if s.Code != "X7K2QM" {
		t.Fatalf("expected code X7K2QM, got %s", s.Code)
	}

	creator, team := s.findPlayer("host-1")
	if creator == nil {
		t.Fatal("creator should be registered as a pending player")
	}
	if team != nil {
		t.Fatal("creator should not be on a team yet")
	}
}

func TestJoinCreatesTeamsAndEnforcesCaps(t *testing.T) {
	s := NewGameSession("X7K2QM", "host-1", "Host", 5)

	_, team, events, err := s.Join("p1", "Alice", "Red")
	if err != nil {
		t.Fatalf("join should create a new team: %v", err)
	}
	if team.Name != "Red" || len(s.Teams) != 1 {
		t.Fatalf("expected one team named Red, got %d teams", len(s.Teams))
	}
	if len(findEvents(events, "game-updated")) != 1 {
		t.Fatal("join should emit game-updated")
	}

	// Fill Red to its cap of five.
	for i := 2; i <= 5; i++ {
		if _, _, _, err := s.Join(fmt.Sprintf("p%d", i), fmt.Sprintf("Player%d", i), "Red"); err != nil {
			t.Fatalf("join %d should succeed: %v", i, err)
		}
	}
	if _, _, _, err := s.Join("p6", "Late", "Red"); !errors.Is(err, ErrTeamFull) {
		t.Fatalf("expected ErrTeamFull for sixth member, got %v", err)
	}

	// Fill the session to its cap of four teams.
	for _, team := range []string{"Blue", "Green", "Yellow"} {
		if _, _, _, err := s.Join("cap-"+team, team+"Player", team); err != nil {
			t.Fatalf("join team %s should succeed: %v", team, err)
		}
	}
	if _, _, _, err := s.Join("p7", "Overflow", "Purple"); !errors.Is(err, ErrTeamFull) {
		t.Fatalf("expected ErrTeamFull for fifth team, got %v", err)
	}
}

func TestJoinRejectedAfterStart(t *testing.T) {
	s := testSession(t)

	if _, _, _, err := s.Join("late", "Late", "Red"); !errors.Is(err, ErrGameAlreadyStarted) {
		t.Fatalf("expected ErrGameAlreadyStarted, got %v", err)
	}

	s.Status = StatusFinished
	if _, _, _, err := s.Join("later", "Later", "Red"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for finished session, got %v", err)
	}
}

func TestCreatorJoinMovesPendingSeat(t *testing.T) {
	s := NewGameSession("X7K2QM", "host-1", "Host", 5)

	player, team, _, err := s.Join("host-1", "Host", "Red")
	if err != nil {
		t.Fatalf("creator should be able to join a team: %v", err)
	}
	if team.Name != "Red" || player.TeamName != "Red" {
		t.Fatal("creator should now be on Red")
	}
	if _, ok := s.pending["host-1"]; ok {
		t.Fatal("creator should no longer be pending")
	}
	if _, _, _, err := s.Join("host-1", "Host", "Blue"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined on second join, got %v", err)
	}
}

func TestStartGuards(t *testing.T) {
	s := NewGameSession("X7K2QM", "host-1", "Host", 5)
	if _, _, _, err := s.Join("r1", "Alice", "Red"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := s.Start("r1", testQuestions(5)); !errors.Is(err, ErrNotCreator) {
		t.Fatalf("expected ErrNotCreator, got %v", err)
	}
	if _, err := s.Start("host-1", testQuestions(5)); !errors.Is(err, ErrNotEnoughTeams) {
		t.Fatalf("expected ErrNotEnoughTeams with one team, got %v", err)
	}

	if _, _, _, err := s.Join("b1", "Carol", "Blue"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// A short deck fails the start instead of stranding teams mid-race.
	if _, err := s.Start("host-1", testQuestions(3)); err == nil {
		t.Fatal("expected error for short question deck")
	}
	if s.Status != StatusLobby {
		t.Fatalf("failed start should leave session in lobby, got %s", s.Status)
	}

	events, err := s.Start("host-1", testQuestions(5))
	if err != nil {
		t.Fatalf("start should succeed: %v", err)
	}
	if s.Status != StatusActive {
		t.Fatalf("expected status %s, got %s", StatusActive, s.Status)
	}
	if len(findEvents(events, "game-started")) != 1 {
		t.Fatal("start should emit game-started")
	}

	// Scenario A: one question event per team, scoped to that team.
	questions := findEvents(events, "new-question")
	if len(questions) != 2 {
		t.Fatalf("expected 2 new-question events, got %d", len(questions))
	}
	teams := map[string]bool{}
	for _, ev := range questions {
		if ev.Scope != scopeTeam {
			t.Fatal("new-question should be team scoped")
		}
		teams[ev.Team] = true
	}
	if !teams["Red"] || !teams["Blue"] {
		t.Fatalf("expected question events for Red and Blue, got %v", teams)
	}

	if _, err := s.Start("host-1", testQuestions(5)); !errors.Is(err, ErrGameAlreadyStarted) {
		t.Fatalf("expected ErrGameAlreadyStarted on restart, got %v", err)
	}
}

func TestCorrectAnswerAdvancesTeam(t *testing.T) {
	s := testSession(t)

	// Scenario B: Red's first member answers correctly.
	events, err := s.SubmitAnswer("r1", 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	red := s.teamByName("Red")
	if red.QuestionsCompleted != 1 {
		t.Fatalf("expected questionsCompleted 1, got %d", red.QuestionsCompleted)
	}
	if red.CurrentPlayerIndex != 1 {
		t.Fatalf("expected turn to advance to index 1, got %d", red.CurrentPlayerIndex)
	}

	alice, _ := s.findPlayer("r1")
	if alice.QuestionsAnswered != 1 {
		t.Fatalf("expected contribution count 1, got %d", alice.QuestionsAnswered)
	}

	results := findEvents(events, "answer-result")
	if len(results) != 1 || results[0].Scope != scopeTeam || results[0].Team != "Red" {
		t.Fatal("answer-result should go to the whole Red team")
	}
	result := results[0].Data.(AnswerResultView)
	if !result.Correct || result.NextPlayerID != "r2" {
		t.Fatalf("unexpected answer result: %+v", result)
	}

	questions := findEvents(events, "new-question")
	if len(questions) != 1 || questions[0].Team != "Red" {
		t.Fatal("next question should be delivered only to Red")
	}
	if questions[0].Data.(questionPayload).Question.Index != 1 {
		t.Fatal("Red should have moved on to question 1")
	}

	assertOneActive(t, s)
}

func TestIncorrectAnswerRotatesWithoutProgress(t *testing.T) {
	s := testSession(t)

	events, err := s.SubmitAnswer("r1", 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	red := s.teamByName("Red")
	if red.QuestionsCompleted != 0 {
		t.Fatalf("incorrect answer should not advance progress, got %d", red.QuestionsCompleted)
	}
	if red.CurrentPlayerIndex != 1 {
		t.Fatal("incorrect answer should still rotate the turn")
	}

	// One shot per player: the next teammate gets the same question.
	questions := findEvents(events, "new-question")
	if len(questions) != 1 || questions[0].Data.(questionPayload).Question.Index != 0 {
		t.Fatal("next teammate should receive the unexhausted question 0")
	}
}

func TestTurnGuards(t *testing.T) {
	s := testSession(t)

	if _, err := s.SubmitAnswer("r2", 1); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn for inactive member, got %v", err)
	}
	if _, err := s.SubmitAnswer("host-1", 1); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive for pending creator, got %v", err)
	}
	if _, err := s.SubmitAnswer("ghost", 1); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for unknown player, got %v", err)
	}
	if _, err := s.RequestHelp("r2"); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn for help from inactive member, got %v", err)
	}
}

func TestHelpLimit(t *testing.T) {
	s := testSession(t)
	red := s.teamByName("Red")

	// Scenario C: two helps succeed, the third is rejected.
	events, err := s.RequestHelp("r1")
	if err != nil {
		t.Fatalf("first help: %v", err)
	}
	first := findEvents(events, "help-used")[0].Data.(HelpView)
	if first.HelpUsed != 1 || first.HelpRemaining != 1 {
		t.Fatalf("unexpected first help view: %+v", first)
	}
	if first.EliminatedOption == 1 {
		t.Fatal("help must never eliminate the correct option")
	}

	events, err = s.RequestHelp("r1")
	if err != nil {
		t.Fatalf("second help: %v", err)
	}
	second := findEvents(events, "help-used")[0].Data.(HelpView)
	if second.EliminatedOption == first.EliminatedOption {
		t.Fatal("second help on the same question should eliminate a different option")
	}
	if second.EliminatedOption == 1 {
		t.Fatal("help must never eliminate the correct option")
	}

	if _, err := s.RequestHelp("r1"); !errors.Is(err, ErrHelpExhausted) {
		t.Fatalf("expected ErrHelpExhausted, got %v", err)
	}
	if red.HelpUsed != maxHelp {
		t.Fatalf("helpUsed should stay at %d, got %d", maxHelp, red.HelpUsed)
	}

	// Help does not consume the turn or progress.
	if red.CurrentPlayerIndex != 0 || red.QuestionsCompleted != 0 {
		t.Fatal("help should not alter turn or progress")
	}
}

func TestFirstFinisherFreezesSession(t *testing.T) {
	s := testSession(t)

	// Scenario D: Red alternates through all five questions correctly.
	actives := []string{"r1", "r2", "r1", "r2", "r1"}
	var lastEvents []Event
	for i, id := range actives {
		events, err := s.SubmitAnswer(id, 1)
		if err != nil {
			t.Fatalf("answer %d: %v", i, err)
		}
		lastEvents = events
	}

	red := s.teamByName("Red")
	if red.Status != TeamFinished {
		t.Fatal("Red should be finished")
	}
	if s.Status != StatusFinished {
		t.Fatal("first finisher should freeze the session")
	}

	finished := findEvents(lastEvents, "game-finished")
	if len(finished) != 1 || finished[0].Scope != scopeSession {
		t.Fatal("game-finished should broadcast session-wide exactly once")
	}
	final := finished[0].Data.(finalPayload).FinalState
	if final.Winner != "Red" {
		t.Fatalf("expected Red to win, got %s", final.Winner)
	}
	if final.Standings[0].Team != "Red" || final.Standings[0].Rank != 1 {
		t.Fatalf("expected Red ranked first, got %+v", final.Standings[0])
	}

	// All further gameplay is rejected.
	if _, err := s.SubmitAnswer("b1", 1); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive for Blue answer, got %v", err)
	}
	if _, err := s.RequestHelp("b1"); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive for Blue help, got %v", err)
	}
}

func TestProgressIsMonotonicAndBounded(t *testing.T) {
	s := testSession(t)
	red := s.teamByName("Red")

	previous := 0
	answers := []int{1, 0, 1, 1, 0, 1, 1}
	for _, answer := range answers {
		if s.Status != StatusActive || red.Status != TeamRacing {
			break
		}
		active := red.activePlayer()
		if _, err := s.SubmitAnswer(active.ID, answer); err != nil {
			t.Fatalf("answer: %v", err)
		}
		if red.QuestionsCompleted < previous {
			t.Fatal("questionsCompleted went backwards")
		}
		if red.QuestionsCompleted > s.TotalQuestions {
			t.Fatal("questionsCompleted exceeded the deck size")
		}
		previous = red.QuestionsCompleted
	}
}

func TestRotationIsFullLapPermutation(t *testing.T) {
	s := NewGameSession("LAPSSS", "host-1", "Host", 5)
	for i, id := range []string{"p1", "p2", "p3"} {
		if _, _, _, err := s.Join(id, fmt.Sprintf("Player%d", i), "Red"); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	if _, _, _, err := s.Join("b1", "Solo", "Blue"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := s.Start("host-1", testQuestions(5)); err != nil {
		t.Fatalf("start: %v", err)
	}

	red := s.teamByName("Red")
	var seen []string
	for i := 0; i < 6; i++ {
		active := red.activePlayer()
		seen = append(seen, active.ID)
		if _, err := s.SubmitAnswer(active.ID, 0); err != nil {
			t.Fatalf("answer: %v", err)
		}
	}

	want := []string{"p1", "p2", "p3", "p1", "p2", "p3"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("rotation order %v, want %v", seen, want)
		}
	}
}

func TestTimeoutSkipsDisconnectedMembers(t *testing.T) {
	s := testSession(t)
	red := s.teamByName("Red")

	// Scenario E: the active player drops mid-turn; their seat is kept.
	s.Disconnect("r1")
	if red.activePlayer().ID != "r1" {
		t.Fatal("disconnect should not rotate the turn by itself")
	}

	events := s.TurnTimeout("Red", red.TurnSeq)
	if red.QuestionsCompleted != 0 {
		t.Fatal("timeout should not award progress")
	}
	if red.activePlayer().ID != "r2" {
		t.Fatalf("expected rotation to the next connected member, got %s", red.activePlayer().ID)
	}

	results := findEvents(events, "answer-result")
	if len(results) != 1 || !results[0].Data.(AnswerResultView).TimedOut {
		t.Fatal("timeout should emit a timed-out answer result to the team")
	}

	// A stale timer is ignored.
	if events := s.TurnTimeout("Red", red.TurnSeq-1); events != nil {
		t.Fatal("stale timeout should be a no-op")
	}

	// Whole team disconnected: stalled, not removed.
	s.Disconnect("r2")
	s.TurnTimeout("Red", red.TurnSeq)
	if !red.Stalled {
		t.Fatal("fully disconnected team should be marked stalled")
	}
	if s.teamByName("Red") == nil {
		t.Fatal("stalled team must not be removed")
	}
}

func TestLobbyDisconnectFreesSeat(t *testing.T) {
	s := NewGameSession("X7K2QM", "host-1", "Host", 5)
	if _, _, _, err := s.Join("r1", "Alice", "Red"); err != nil {
		t.Fatalf("join: %v", err)
	}

	events := s.Disconnect("r1")
	if len(findEvents(events, "game-updated")) != 1 {
		t.Fatal("lobby disconnect should emit game-updated")
	}
	if s.teamByName("Red") != nil {
		t.Fatal("empty lobby team should be dropped")
	}
	if p, _ := s.findPlayer("r1"); p != nil {
		t.Fatal("lobby disconnect should free the seat")
	}
}

func TestStandingsOrder(t *testing.T) {
	s := testSession(t)

	// Blue makes progress, then Red wins.
	if _, err := s.SubmitAnswer("b1", 1); err != nil {
		t.Fatalf("blue answer: %v", err)
	}
	for _, id := range []string{"r1", "r2", "r1", "r2", "r1"} {
		if _, err := s.SubmitAnswer(id, 1); err != nil {
			t.Fatalf("red answer: %v", err)
		}
	}

	final := newFinalStateView(s)
	if final.Standings[0].Team != "Red" || final.Standings[0].FinishedAt == nil {
		t.Fatalf("expected Red first with a finish time, got %+v", final.Standings[0])
	}
	if final.Standings[1].Team != "Blue" || final.Standings[1].QuestionsCompleted != 1 {
		t.Fatalf("expected Blue second with 1 completed, got %+v", final.Standings[1])
	}
}
