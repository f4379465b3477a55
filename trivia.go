// Triviabox match engine
//
// Groups of connected participants move through timed rounds of trivia
// questions, submit answers, and watch a live scoreboard.
//
// Shape of the thing:
// - One WebSocket per client at /trivia/ws; clients join matches by ID
// - One Hub goroutine per live match; all match state changes happen as
//   discrete events processed by that goroutine, one at a time
// - Matches move forward-only through forming → active → completed
// - A 20-second countdown per question, re-broadcast every second
// - One scored answer per participant per question, speed-weighted
// - Leaderboards are scoped to who is currently in the match's room
// - Durable facts (match rows, question draws, score totals) live in
//   Postgres; the hub's memory is authoritative only while a match is live
// - Completed matches linger for a grace window, then the reaper evicts
//   them; late score reads fall back to the store
// - In-browser QR button to share a match, backed by go-qrcode

package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	totalRoundsPerMatch = 4
	questionsPerRound   = 7
	questionSeconds     = 20
)

const (
	phaseForming   = "forming"
	phaseActive    = "active"
	phaseCompleted = "completed"
)

// Messages coming from clients
type ClientMessage struct {
	Type          string   `json:"type"`                    // "create_match", "join_match", "leave_match", "get_lobby_state", "start_match", "ready", "submit_answer", "get_leaderboard", "whoami"
	MatchID       string   `json:"matchId,omitempty"`       // join_match / leave_match / get_lobby_state / get_leaderboard
	Title         string   `json:"title,omitempty"`         // create_match
	Category      string   `json:"category,omitempty"`      // create_match
	Rounds        []string `json:"rounds,omitempty"`        // create_match: difficulty per round
	Answer        string   `json:"answer,omitempty"`        // submit_answer
	TimeRemaining *int     `json:"timeRemaining,omitempty"` // submit_answer: client hint, fallback only
}

// SessionInfoMessage is sent immediately on connect so the client knows
// who it resolved to and whether its credential was accepted.
type SessionInfoMessage struct {
	Type        string `json:"type"` // "session_info"
	ID          string `json:"id"`
	Username    string `json:"username"`
	Verified    bool   `json:"verified"`
	AuthInvalid bool   `json:"auth_invalid,omitempty"`
}

type MatchCreatedMessage struct {
	Type           string `json:"type"` // "match_created"
	Success        bool   `json:"success"`
	MatchID        string `json:"matchId,omitempty"`
	TotalRounds    int    `json:"totalRounds,omitempty"`
	TotalQuestions int    `json:"totalQuestions,omitempty"`
	Error          string `json:"error,omitempty"`
}

type JoinResultMessage struct {
	Type    string `json:"type"` // "join_result"
	OK      bool   `json:"ok"`
	MatchID string `json:"matchId,omitempty"`
	Message string `json:"message,omitempty"`
}

type LobbyPlayer struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type LobbyStateMessage struct {
	Type    string        `json:"type"` // "lobby_state"
	MatchID string        `json:"matchId"`
	HostID  string        `json:"hostId"`
	Players []LobbyPlayer `json:"players"`
	Count   int           `json:"count"`
}

type QuestionMessage struct {
	Type              string   `json:"type"` // "question_loaded"
	Round             int      `json:"round"`
	QuestionNumber    int      `json:"questionNumber"`
	TotalRounds       int      `json:"totalRounds"`
	QuestionsPerRound int      `json:"questionsPerRound"`
	Question          string   `json:"question"`
	Options           []string `json:"options"`
	Category          string   `json:"category"`
	Difficulty        string   `json:"difficulty"`
}

type TimerMessage struct {
	Type             string `json:"type"` // "timer"
	SecondsRemaining int    `json:"secondsRemaining"`
}

// AnswerResultMessage goes to the submitting client only.
type AnswerResultMessage struct {
	Type          string `json:"type"` // "answer_result"
	IsCorrect     bool   `json:"isCorrect"`
	PointsEarned  int    `json:"pointsEarned"`
	NewTotalScore int    `json:"newTotalScore"`
	CorrectAnswer string `json:"correctAnswer"`
}

type LeaderboardEntry struct {
	Rank           int    `json:"rank"`
	Username       string `json:"username"`
	Score          int    `json:"score"`
	CorrectAnswers int    `json:"correctAnswers"`
	TotalAnswers   int    `json:"totalAnswers"`
}

type LeaderboardMessage struct {
	Type        string             `json:"type"` // "leaderboard_update"
	MatchID     string             `json:"matchId,omitempty"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

// MyScoreMessage is a per-member unicast with that member's own standing.
type MyScoreMessage struct {
	Type           string `json:"type"` // "my_score"
	Username       string `json:"username"`
	Score          int    `json:"score"`
	Rank           int    `json:"rank"`
	CorrectAnswers int    `json:"correctAnswers"`
	TotalAnswers   int    `json:"totalAnswers"`
}

type GameEndedMessage struct {
	Type    string `json:"type"` // "game_ended"
	MatchID string `json:"matchId"`
}

// MatchErrorMessage broadcasts a fatal per-match failure.
type MatchErrorMessage struct {
	Type    string `json:"type"` // "match_error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorMessage is the structured rejection ack for a single request.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type WhoamiMessage struct {
	Type     string `json:"type"` // "whoami_result"
	ID       string `json:"id"`
	Username string `json:"username"`
	Verified bool   `json:"verified"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	done     chan struct{}
	identity Identity

	mu      sync.Mutex
	rooms   map[string]*Hub
	current *Hub // target of implicit events (start_match, ready, submit_answer)
}

func (c *Client) enterRoom(h *Hub) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[h.id] = h
	c.current = h
}

func (c *Client) exitRoom(matchID string) *Hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.rooms[matchID]
	delete(c.rooms, matchID)
	if c.current != nil && c.current.id == matchID {
		c.current = nil
		for _, other := range c.rooms {
			c.current = other
			break
		}
	}
	return h
}

func (c *Client) roomFor(matchID string) *Hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	if matchID != "" {
		return c.rooms[matchID]
	}
	return c.current
}

func (c *Client) allRooms() []*Hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	hubs := make([]*Hub, 0, len(c.rooms))
	for _, h := range c.rooms {
		hubs = append(hubs, h)
	}
	return hubs
}

// reject sends a structured rejection for one request to this client only.
func (c *Client) reject(event string, err error) {
	select {
	case c.send <- ErrorMessage{
		Type:    "error",
		Event:   event,
		Code:    faultKindOf(err).String(),
		Message: userMessage(err),
	}:
	default:
	}
}

type joinRequest struct {
	client *Client
}

type command struct {
	client *Client
	msg    ClientMessage
}

type answerRequest struct {
	client *Client
	msg    ClientMessage
}

type query struct {
	client *Client
	msg    ClientMessage
}

// timerEvent carries the generation it was scheduled under; events from a
// superseded generation are dropped by the hub loop.
type timerEvent struct {
	gen int
}

// participantScore is the in-memory running record for one identity in
// one match. The authoritative copy is the store's match_scores row.
type participantScore struct {
	ID             string
	Username       string
	Score          int
	CorrectAnswers int
	TotalAnswers   int
}

// Hub owns all state for a single match. Every mutation happens inside
// run(), one event at a time, so transitions stay deterministic. h.mu
// only guards the fields the registry's reaper and cross-hub reads touch.
type Hub struct {
	id      string
	cfg     *Config
	store   triviaStore
	clients map[*Client]bool

	register chan joinRequest
	unreg    chan *Client
	leaves   chan *Client
	cmds     chan command
	answers  chan answerRequest
	queries  chan query
	ticks    chan timerEvent
	nexts    chan timerEvent

	done chan struct{}

	mu          sync.RWMutex
	createdAt   time.Time
	lastActive  time.Time
	completedAt time.Time
	hostID      string
	phase       string

	state     schedulerState
	round     RoundState
	set       *questionSet
	current   *QuestionMessage
	correct   string
	ledger    map[string]bool
	players   map[string]*participantScore
	timerGen  int
	timerStop chan struct{}
}

func newHub(cfg *Config, store triviaStore, matchID, hostID string, set *questionSet) *Hub {
	now := time.Now()
	return &Hub{
		id:       matchID,
		cfg:      cfg,
		store:    store,
		clients:  make(map[*Client]bool),
		register: make(chan joinRequest),
		unreg:    make(chan *Client),
		leaves:   make(chan *Client),
		cmds:     make(chan command),
		answers:  make(chan answerRequest),
		queries:  make(chan query),
		ticks:    make(chan timerEvent),
		nexts:    make(chan timerEvent),
		done:     make(chan struct{}),

		createdAt:  now,
		lastActive: now,
		hostID:     hostID,
		phase:      phaseForming,

		state:   awaitingStart,
		set:     set,
		ledger:  make(map[string]bool),
		players: make(map[string]*participantScore),
	}
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			h.stopTimerLocked()
			h.mu.Unlock()
			return

		case jr := <-h.register:
			h.handleJoin(jr)

		case c := <-h.leaves:
			h.handleLeave(c)

		case c := <-h.unreg:
			h.handleLeave(c)

		case cmd := <-h.cmds:
			h.handleCommand(cmd)

		case ar := <-h.answers:
			h.handleAnswer(ar)

		case q := <-h.queries:
			h.handleQuery(q)

		case ev := <-h.ticks:
			h.handleTick(ev)

		case ev := <-h.nexts:
			h.handleDelayedStart(ev)
		}
	}
}

// post delivers an event to a hub channel unless the hub has been torn
// down, so readPump goroutines never block on an evicted match.
func post[T any](h *Hub, ch chan T, v T) {
	select {
	case ch <- v:
	case <-h.done:
	}
}

func (h *Hub) teardown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
		close(h.done)
	}
}

// handleJoin admits a client into the match room. Forming matches take
// anyone; active matches only readmit identities already on the score
// sheet (reconnects); completed matches reject.
func (h *Hub) handleJoin(jr joinRequest) {
	c := jr.client

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	switch h.phase {
	case phaseForming:
	case phaseActive:
		if _, rejoining := h.players[c.identity.ID]; !rejoining {
			c.reject("join_match", faultf(faultStateConflict, "match already in progress"))
			return
		}
	default:
		c.reject("join_match", faultf(faultStateConflict, "match has ended"))
		return
	}

	h.clients[c] = true
	c.enterRoom(h)

	select {
	case c.send <- JoinResultMessage{Type: "join_result", OK: true, MatchID: h.id}:
	default:
	}

	logf(h.cfg, "MATCH: %q joined %s", c.identity.DisplayName, h.id)

	h.broadcastLobbyStateLocked()

	// Catch a reconnecting client up on the live question and countdown.
	if h.phase == phaseActive && h.current != nil {
		select {
		case c.send <- TimerMessage{Type: "timer", SecondsRemaining: h.round.SecondsRemaining}:
		default:
		}
		select {
		case c.send <- *h.current:
		default:
		}
	}

	h.broadcastLeaderboardLocked()
}

// handleLeave drops one connection. The identity's membership survives
// while any of its other connections remain in the room.
func (h *Hub) handleLeave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}

	h.lastActive = time.Now()
	delete(h.clients, c)

	logf(h.cfg, "MATCH: %q left %s", c.identity.DisplayName, h.id)

	h.broadcastLobbyStateLocked()
	h.broadcastLeaderboardLocked()
}

func (h *Hub) handleCommand(cmd command) {
	switch cmd.msg.Type {
	case "start_match":
		h.handleStart(cmd.client)
	case "ready":
		h.handleReady()
	}
}

func (h *Hub) handleQuery(q query) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch q.msg.Type {
	case "get_lobby_state":
		select {
		case q.client.send <- h.lobbySnapshotLocked():
		default:
		}
	case "get_leaderboard":
		select {
		case q.client.send <- LeaderboardMessage{
			Type:        "leaderboard_update",
			MatchID:     h.id,
			Leaderboard: h.computeLeaderboardLocked(),
		}:
		default:
		}
	}
}

// lobbySnapshotLocked recomputes membership from live connections,
// deduplicated by identity, so it always reflects who is reachable.
func (h *Hub) lobbySnapshotLocked() LobbyStateMessage {
	seen := make(map[string]bool, len(h.clients))
	members := make([]LobbyPlayer, 0, len(h.clients))
	for c := range h.clients {
		if seen[c.identity.ID] {
			continue
		}
		seen[c.identity.ID] = true
		members = append(members, LobbyPlayer{
			ID:       c.identity.ID,
			Username: c.identity.DisplayName,
		})
	}

	return LobbyStateMessage{
		Type:    "lobby_state",
		MatchID: h.id,
		HostID:  h.hostID,
		Players: members,
		Count:   len(members),
	}
}

func (h *Hub) broadcastLobbyStateLocked() {
	h.broadcastLocked(h.lobbySnapshotLocked())
}

// broadcastLocked fans a message out to every connected client, dropping
// any client whose send buffer is full. The channel is left open because
// the client may still be registered with other hubs; its writePump ends
// when the connection does.
func (h *Hub) broadcastLocked(msg any) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
		}
	}
}

func (h *Hub) meta() matchMeta {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return matchMeta{HostID: h.hostID, Phase: h.phase}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (c *Client) readPump(reg *MatchRegistry) {
	defer func() {
		for _, h := range c.allRooms() {
			post(h, h.unreg, c)
		}
		close(c.done)
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "create_match":
			reg.createMatch(c, msg)

		case "join_match":
			reg.joinMatch(c, msg)

		case "leave_match":
			if h := c.exitRoom(msg.MatchID); h != nil {
				post(h, h.leaves, c)
			}

		case "get_lobby_state":
			if msg.MatchID == "" {
				c.reject(msg.Type, faultf(faultValidation, "matchId is required"))
				continue
			}
			if h := c.roomFor(msg.MatchID); h != nil {
				post(h, h.queries, query{client: c, msg: msg})
			} else {
				c.reject(msg.Type, faultf(faultNotFound, "not in match %s", msg.MatchID))
			}

		case "start_match", "ready":
			if h := c.roomFor(""); h != nil {
				post(h, h.cmds, command{client: c, msg: msg})
			} else {
				c.reject(msg.Type, faultf(faultNotFound, "no current match"))
			}

		case "submit_answer":
			if h := c.roomFor(""); h != nil {
				post(h, h.answers, answerRequest{client: c, msg: msg})
			}

		case "get_leaderboard":
			reg.leaderboard(c, msg)

		case "whoami":
			select {
			case c.send <- WhoamiMessage{
				Type:     "whoami_result",
				ID:       c.identity.ID,
				Username: c.identity.DisplayName,
				Verified: c.identity.Verified,
			}:
			default:
			}

		default:
			// ignore unknown types
		}
	}
}

// writePump drains the send buffer until the connection's reader is
// gone. The buffer is never closed: multiple hubs may hold the client.
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
