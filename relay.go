// Team-relay quiz coordination.
//
// Each game session is identified by a short shareable code. Players join
// one of up to four teams; once the creator starts the race, teammates
// take turns answering questions from a shared deck. One answer per turn:
// correct or not, the seat rotates to the next connected teammate. The
// first team to complete the deck wins and freezes the session.
//
// Every session is owned by a single hub goroutine fed by one command
// channel. Network reads, turn-timer expiries, and disconnects all enter
// that queue as typed commands, so the game state never needs a lock.

package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
)

const (
	codeAlphabet  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength    = 6
	maxMessageLen = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client is one websocket connection. playerID is minted at upgrade time
// and is the player's identity for the life of the connection.
type client struct {
	conn     *websocket.Conn
	send     chan outbound
	playerID string

	// hub is written only by this client's readPump, once, on a
	// successful create or join.
	hub *hub

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn:     conn,
		send:     make(chan outbound, 16),
		playerID: uuid.NewString(),
	}
}

// trySend enqueues without blocking; a full buffer means the consumer is
// too slow and the message is dropped.
func (c *client) trySend(msg outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) sendError(err error) {
	if !isClientError(err) {
		log.Error().Err(err).Str("player", c.playerID).Msg("command failed")
	}
	c.trySend(outbound{Event: "error", Data: errorPayload{Message: err.Error()}})
}

func (c *client) writePump() {
	defer func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (c *client) readPump(gm *gameManager) {
	defer func() {
		if h := c.hub; h != nil {
			h.enqueue(leaveCmd{c: c})
		} else {
			c.closeSend()
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageLen)

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		c.dispatch(gm, env)
	}
}

// dispatch decodes an inbound envelope and routes it. Session creation
// and joining are resolved against the registry here; everything else is
// forwarded into the bound session's queue.
func (c *client) dispatch(gm *gameManager, env Envelope) {
	switch env.Event {
	case "create-game":
		var payload createGamePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.sendError(ErrSessionNotFound)
			return
		}
		if c.hub != nil {
			c.sendError(ErrAlreadyJoined)
			return
		}
		c.hub = gm.createGame(c, payload.PlayerName)

	case "join-game":
		var payload joinGamePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.sendError(ErrSessionNotFound)
			return
		}
		if c.hub != nil {
			c.sendError(ErrAlreadyJoined)
			return
		}
		h := gm.get(payload.GameID)
		if h == nil {
			c.sendError(ErrSessionNotFound)
			return
		}
		reply := make(chan error, 1)
		if !h.enqueue(joinCmd{c: c, playerName: payload.PlayerName, teamName: payload.TeamName, reply: reply}) {
			c.sendError(ErrSessionNotFound)
			return
		}
		if err := <-reply; err != nil {
			c.sendError(err)
			return
		}
		c.hub = h

	case "start-game":
		var payload startGamePayload
		_ = json.Unmarshal(env.Data, &payload)
		c.forward(payload.GameID, startCmd{c: c})

	case "answer-question":
		var payload answerQuestionPayload
		_ = json.Unmarshal(env.Data, &payload)
		c.forward(payload.GameID, answerCmd{c: c, answerIndex: payload.AnswerIndex})

	case "request-help":
		var payload requestHelpPayload
		_ = json.Unmarshal(env.Data, &payload)
		c.forward(payload.GameID, helpCmd{c: c})

	default:
		// ignore unknown events
	}
}

func (c *client) forward(gameID string, cmd hubCommand) {
	h := c.hub
	if h == nil || (gameID != "" && gameID != h.code) {
		c.sendError(ErrSessionNotFound)
		return
	}
	if !h.enqueue(cmd) {
		c.sendError(ErrSessionNotActive)
	}
}

// Commands fed into a hub's queue. The set is closed: nothing else may
// mutate a session.
type hubCommand interface {
	isHubCommand()
}

type joinCmd struct {
	c          *client
	playerName string
	teamName   string
	reply      chan error
}

type startCmd struct {
	c *client
}

type answerCmd struct {
	c           *client
	answerIndex int
}

type helpCmd struct {
	c *client
}

type leaveCmd struct {
	c *client
}

type turnTimeoutCmd struct {
	team string
	seq  int
}

type snapshotCmd struct {
	reply chan GameView
}

func (joinCmd) isHubCommand()        {}
func (startCmd) isHubCommand()       {}
func (answerCmd) isHubCommand()      {}
func (helpCmd) isHubCommand()        {}
func (leaveCmd) isHubCommand()       {}
func (turnTimeoutCmd) isHubCommand() {}
func (snapshotCmd) isHubCommand()    {}

// hub owns one GameSession. All mutation happens on the run goroutine.
type hub struct {
	code    string
	cfg     *Config
	session *GameSession
	source  QuestionSource
	mgr     *gameManager

	clients  map[*client]bool
	byPlayer map[string]*client

	commands chan hubCommand
	stop     chan struct{}
	stopOnce sync.Once

	lastActive atomic.Int64

	// Turn timers, one per racing team, keyed by team name. Only the run
	// goroutine touches these.
	timers    map[string]*time.Timer
	timerSeqs map[string]int
}

func newHub(mgr *gameManager, code string, session *GameSession) *hub {
	h := &hub{
		code:      code,
		cfg:       mgr.cfg,
		session:   session,
		source:    mgr.source,
		mgr:       mgr,
		clients:   make(map[*client]bool),
		byPlayer:  make(map[string]*client),
		commands:  make(chan hubCommand, 32),
		stop:      make(chan struct{}),
		timers:    make(map[string]*time.Timer),
		timerSeqs: make(map[string]int),
	}
	h.touch()
	return h
}

func (h *hub) touch() {
	h.lastActive.Store(time.Now().UnixNano())
}

func (h *hub) idleSince() time.Time {
	return time.Unix(0, h.lastActive.Load())
}

// enqueue delivers a command unless the hub has already shut down.
func (h *hub) enqueue(cmd hubCommand) bool {
	select {
	case <-h.stop:
		return false
	default:
	}
	select {
	case h.commands <- cmd:
		return true
	case <-h.stop:
		return false
	}
}

func (h *hub) shutdown() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
}

func (h *hub) run() {
	for {
		select {
		case cmd := <-h.commands:
			h.handle(cmd)
			h.syncTimers()
		case <-h.stop:
			h.teardown()
			return
		}
	}
}

func (h *hub) handle(cmd hubCommand) {
	h.touch()

	switch cmd := cmd.(type) {
	case joinCmd:
		player, team, events, err := h.session.Join(cmd.c.playerID, cmd.playerName, cmd.teamName)
		if err != nil {
			cmd.reply <- err
			return
		}
		h.clients[cmd.c] = true
		h.byPlayer[cmd.c.playerID] = cmd.c
		h.push(cmd.c, outbound{Event: "joined-game", Data: joinedGamePayload{
			Player: newPlayerView(player, false),
			Game:   newGameView(h.session),
		}})
		h.emit(events)
		cmd.reply <- nil
		log.Info().Str("code", h.code).Str("player", player.Name).Str("team", team.Name).Msg("player joined")

	case startCmd:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		questions, err := h.source.Questions(ctx, h.cfg.deck)
		cancel()
		if err != nil {
			cmd.c.sendError(err)
			return
		}
		events, err := h.session.Start(cmd.c.playerID, questions)
		if err != nil {
			cmd.c.sendError(err)
			return
		}
		h.emit(events)
		log.Info().Str("code", h.code).Int("teams", len(h.session.Teams)).Msg("game started")

	case answerCmd:
		events, err := h.session.SubmitAnswer(cmd.c.playerID, cmd.answerIndex)
		if err != nil {
			cmd.c.sendError(err)
			return
		}
		h.emit(events)
		if h.session.Status == StatusFinished {
			log.Info().Str("code", h.code).Msg("game finished")
		}

	case helpCmd:
		events, err := h.session.RequestHelp(cmd.c.playerID)
		if err != nil {
			cmd.c.sendError(err)
			return
		}
		h.emit(events)

	case leaveCmd:
		delete(h.clients, cmd.c)
		delete(h.byPlayer, cmd.c.playerID)
		events := h.session.Disconnect(cmd.c.playerID)
		cmd.c.closeSend()
		h.emit(events)
		log.Debug().Str("code", h.code).Str("player", cmd.c.playerID).Msg("player disconnected")
		if len(h.clients) == 0 && h.session.Status == StatusFinished {
			h.shutdown()
			h.mgr.remove(h.code)
		}

	case turnTimeoutCmd:
		events := h.session.TurnTimeout(cmd.team, cmd.seq)
		if len(events) > 0 {
			log.Debug().Str("code", h.code).Str("team", cmd.team).Msg("turn timed out")
		}
		h.emit(events)

	case snapshotCmd:
		cmd.reply <- newGameView(h.session)
	}
}

// emit fans events out to their recipients. Delivery is best-effort: a
// slow consumer is dropped rather than blocking the session.
func (h *hub) emit(events []Event) {
	for _, ev := range events {
		msg := outbound{Event: ev.Name, Data: ev.Data}
		switch ev.Scope {
		case scopeSession:
			for c := range h.clients {
				h.push(c, msg)
			}
		case scopeTeam:
			for c := range h.clients {
				if p, _ := h.session.findPlayer(c.playerID); p != nil && p.TeamName == ev.Team {
					h.push(c, msg)
				}
			}
		case scopePlayer:
			if c := h.byPlayer[ev.Player]; c != nil {
				h.push(c, msg)
			}
		}
	}
}

func (h *hub) push(c *client, msg outbound) {
	if !c.trySend(msg) {
		delete(h.clients, c)
		delete(h.byPlayer, c.playerID)
		c.closeSend()
	}
}

// syncTimers reconciles turn timers with the session after every command:
// each racing team gets one timer per activation, stale ones are stopped.
func (h *hub) syncTimers() {
	active := h.session.Status == StatusActive

	for _, team := range h.session.Teams {
		name := team.Name

		if !active || team.Status != TeamRacing || team.Stalled {
			if t, ok := h.timers[name]; ok {
				t.Stop()
				delete(h.timers, name)
				delete(h.timerSeqs, name)
			}
			continue
		}

		if seq, ok := h.timerSeqs[name]; ok && seq == team.TurnSeq {
			continue
		}
		if t, ok := h.timers[name]; ok {
			t.Stop()
		}

		seq := team.TurnSeq
		h.timerSeqs[name] = seq
		h.timers[name] = time.AfterFunc(h.cfg.turnTimeout, func() {
			h.enqueue(turnTimeoutCmd{team: name, seq: seq})
		})
	}
}

func (h *hub) teardown() {
	for _, t := range h.timers {
		t.Stop()
	}
	for c := range h.clients {
		c.closeSend()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
	h.clients = make(map[*client]bool)
	h.byPlayer = make(map[string]*client)
}

// gameManager is the registry of live sessions, keyed by code.
type gameManager struct {
	mu     sync.Mutex
	hubs   map[string]*hub
	cfg    *Config
	source QuestionSource
}

func newGameManager(cfg *Config, source QuestionSource) *gameManager {
	gm := &gameManager{
		hubs:   make(map[string]*hub),
		cfg:    cfg,
		source: source,
	}
	if cfg.sessionTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

// createGame registers a new session with its creator attached as a
// pending player, replies with game-created, and starts the hub.
func (gm *gameManager) createGame(c *client, playerName string) *hub {
	gm.mu.Lock()
	code := gm.newGameCodeLocked()
	session := NewGameSession(code, c.playerID, playerName, gm.cfg.questionsPerTeam)
	h := newHub(gm, code, session)
	h.clients[c] = true
	h.byPlayer[c.playerID] = c
	gm.hubs[code] = h
	gm.mu.Unlock()

	go h.run()

	c.trySend(outbound{Event: "game-created", Data: gamePayload{Game: newGameView(session)}})
	log.Info().Str("code", code).Str("player", playerName).Msg("game created")
	return h
}

func (gm *gameManager) get(code string) *hub {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	return gm.hubs[strings.ToUpper(code)]
}

func (gm *gameManager) remove(code string) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	delete(gm.hubs, code)
}

// newGameCodeLocked generates a crypto-random session code from an
// alphabet without lookalike characters, retrying on collision with any
// live session.
func (gm *gameManager) newGameCodeLocked() string {
	for {
		buf := make([]byte, codeLength)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, codeLength)
		for i := range out {
			out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
		}
		code := string(out)

		if _, exists := gm.hubs[code]; !exists {
			return code
		}
	}
}

// reaperLoop periodically removes sessions that have been idle longer
// than the configured window, regardless of status.
func (gm *gameManager) reaperLoop() {
	ticker := time.NewTicker(gm.cfg.sessionTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-gm.cfg.sessionTimeout)

		var expired []*hub
		gm.mu.Lock()
		for code, h := range gm.hubs {
			if h.idleSince().Before(cutoff) {
				delete(gm.hubs, code)
				expired = append(expired, h)
			}
		}
		gm.mu.Unlock()

		for _, h := range expired {
			log.Info().Str("code", h.code).Msg("reaping idle game")
			h.shutdown()
		}
	}
}

// serveRelayWS upgrades the connection and runs the pumps. One websocket
// is one player; the session is picked by the first create or join
// command sent over it.
func serveRelayWS(cfg *Config, gm *gameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Str("remote", realIP(r)).Msg("upgrade failed")
			return
		}

		c := newClient(conn)
		log.Debug().Str("player", c.playerID).Str("remote", realIP(r)).Msg("socket connected")

		go c.writePump()
		c.readPump(gm)
	}
}

// serveGameStatus returns a read-only snapshot of a session, taken
// through the queue so it is consistent with in-flight commands.
func serveGameStatus(cfg *Config, gm *gameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		h := gm.get(ps.ByName("code"))
		if h == nil {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}

		reply := make(chan GameView, 1)
		if !h.enqueue(snapshotCmd{reply: reply}) {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}

		var view GameView
		select {
		case view = <-reply:
		case <-h.stop:
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)
		_ = json.NewEncoder(w).Encode(view)
	}
}

// qrHandler renders a PNG QR code for a session's share URL.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		// We are at .../game/:code/qr; the share URL is the page above.
		path := strings.TrimSuffix(r.URL.Path, "/qr")
		shareURL := scheme + "://" + r.Host + path

		const qrSize = 320
		png, err := qrcode.Encode(shareURL, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// registerRelayGame sets up routes so that:
//   - $path/ws              → websocket carrying the game protocol
//   - $path/game/:code      → JSON snapshot of a session
//   - $path/game/:code/qr   → PNG QR code for sharing that session
func registerRelayGame(cfg *Config, path string, mux *httprouter.Router) *gameManager {
	source, err := newQuestionSource(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("question source setup failed")
	}

	gm := newGameManager(cfg, source)

	mux.GET(cfg.prefix+path+"/ws", serveRelayWS(cfg, gm))
	mux.GET(cfg.prefix+path+"/game/:code", serveGameStatus(cfg, gm))
	mux.GET(cfg.prefix+path+"/game/:code/qr", qrHandler(cfg))

	return gm
}
