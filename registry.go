package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

// MatchRegistry owns the set of concurrently live matches. Each hub is an
// isolated unit of state; the registry only routes events to hubs, loads
// match metadata on cache misses, and reaps finished or idle matches.
type MatchRegistry struct {
	cfg   *Config
	store triviaStore

	mu   sync.Mutex
	hubs map[string]*Hub
}

func newMatchRegistry(cfg *Config, store triviaStore) *MatchRegistry {
	reg := &MatchRegistry{
		cfg:   cfg,
		store: store,
		hubs:  make(map[string]*Hub),
	}
	if cfg.sessionTimeout > 0 {
		go reg.reaperLoop()
	}
	return reg
}

func (reg *MatchRegistry) hub(matchID string) *Hub {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.hubs[matchID]
}

// createMatch provisions a new match end to end: durable match row,
// question draw, isolated hub. Question provisioning gates the ack, so a
// successful match_created always means a playable 4x7 question set.
func (reg *MatchRegistry) createMatch(c *Client, msg ClientMessage) {
	ack := func(m MatchCreatedMessage) {
		m.Type = "match_created"
		select {
		case c.send <- m:
		default:
		}
	}

	if !c.identity.Verified {
		ack(MatchCreatedMessage{Error: "hosting requires a signed-in account"})
		return
	}
	if len(msg.Rounds) != totalRoundsPerMatch {
		ack(MatchCreatedMessage{Error: "round list must name exactly " + strconv.Itoa(totalRoundsPerMatch) + " difficulties"})
		return
	}
	if msg.Category == "" {
		ack(MatchCreatedMessage{Error: "category is required"})
		return
	}

	title := msg.Title
	if title == "" {
		title = "Match_" + strconv.FormatInt(time.Now().Unix(), 10)
	}

	matchID := uuid.NewString()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := reg.store.CreateMatch(ctx, matchID, title, c.identity.ID); err != nil {
		logf(reg.cfg, "STORE: Match creation failed: %v", err)
		ack(MatchCreatedMessage{Error: "failed to create match"})
		return
	}

	set, err := reg.store.ProvisionQuestions(ctx, matchID, msg.Category, msg.Rounds)
	if err != nil {
		logf(reg.cfg, "STORE: Question provisioning failed for %s: %v", matchID, err)
		ack(MatchCreatedMessage{Error: userMessage(err)})
		return
	}

	h := newHub(reg.cfg, reg.store, matchID, c.identity.ID, set)

	reg.mu.Lock()
	reg.hubs[matchID] = h
	reg.mu.Unlock()

	go h.run()
	post(h, h.register, joinRequest{client: c})

	logf(reg.cfg, "MATCH: %q created %s (%q)", c.identity.DisplayName, matchID, title)

	ack(MatchCreatedMessage{
		Success:        true,
		MatchID:        matchID,
		TotalRounds:    set.TotalRounds,
		TotalQuestions: set.TotalQuestions,
	})
}

// joinMatch routes a client into a live hub, rebuilding the hub from the
// store when a forming match is not in memory (fresh process).
func (reg *MatchRegistry) joinMatch(c *Client, msg ClientMessage) {
	if msg.MatchID == "" {
		c.reject("join_match", faultf(faultValidation, "matchId is required"))
		return
	}

	h, err := reg.getOrLoad(msg.MatchID)
	if err != nil {
		c.reject("join_match", err)
		return
	}

	post(h, h.register, joinRequest{client: c})
}

// getOrLoad consults the live hubs first; on a miss it fetches match
// metadata from the store once. Live hubs are never re-fetched.
func (reg *MatchRegistry) getOrLoad(matchID string) (*Hub, error) {
	reg.mu.Lock()
	if h, ok := reg.hubs[matchID]; ok {
		reg.mu.Unlock()
		return h, nil
	}
	reg.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	meta, err := reg.store.MatchMeta(ctx, matchID)
	if errors.Is(err, errStoreNotFound) {
		return nil, faultf(faultNotFound, "match not found")
	}
	if err != nil {
		return nil, wrapFault(faultUpstream, "match lookup failed", err)
	}

	switch meta.Phase {
	case phaseForming:
		// A forming match can be rebuilt: its question set is reloaded
		// from the store when the host starts it.
	case phaseActive:
		return nil, faultf(faultStateConflict, "match already in progress")
	default:
		return nil, faultf(faultStateConflict, "match has ended")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if h, ok := reg.hubs[matchID]; ok {
		return h, nil
	}

	h := newHub(reg.cfg, reg.store, matchID, meta.HostID, nil)
	reg.hubs[matchID] = h
	go h.run()
	return h, nil
}

// leaderboard answers get_leaderboard. Scoped to a live hub when one is
// named or current; from stored totals after eviction; and, with no
// match context at all, a degraded global ranking of every known record.
func (reg *MatchRegistry) leaderboard(c *Client, msg ClientMessage) {
	if msg.MatchID != "" {
		if h := reg.hub(msg.MatchID); h != nil {
			post(h, h.queries, query{client: c, msg: msg})
			return
		}
		reg.storedLeaderboard(c, msg.MatchID)
		return
	}

	if h := c.roomFor(""); h != nil {
		post(h, h.queries, query{client: c, msg: msg})
		return
	}

	records := make([]*participantScore, 0)
	reg.mu.Lock()
	hubs := make([]*Hub, 0, len(reg.hubs))
	for _, h := range reg.hubs {
		hubs = append(hubs, h)
	}
	reg.mu.Unlock()
	for _, h := range hubs {
		records = append(records, h.scoreSnapshot()...)
	}

	sortRecords(records)
	select {
	case c.send <- LeaderboardMessage{
		Type:        "leaderboard_update",
		Leaderboard: rankRecords(records),
	}:
	default:
	}
}

// storedLeaderboard serves late reads for matches already evicted from
// memory straight from the durable score records.
func (reg *MatchRegistry) storedLeaderboard(c *Client, matchID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	scores, err := reg.store.MatchScores(ctx, matchID)
	if err != nil {
		c.reject("get_leaderboard", wrapFault(faultUpstream, "score lookup failed", err))
		return
	}
	if len(scores) == 0 {
		c.reject("get_leaderboard", faultf(faultNotFound, "match not found"))
		return
	}

	entries := make([]LeaderboardEntry, 0, len(scores))
	for i, s := range scores {
		entries = append(entries, LeaderboardEntry{
			Rank:           i + 1,
			Username:       s.Username,
			Score:          int(s.Points),
			CorrectAnswers: s.CorrectCount,
			TotalAnswers:   s.QuestionsAnswered,
		})
	}

	select {
	case c.send <- LeaderboardMessage{
		Type:        "leaderboard_update",
		MatchID:     matchID,
		Leaderboard: entries,
	}:
	default:
	}
}

// evict removes all in-memory state for a match. Safe with late score
// reads in flight: those fall back to the store.
func (reg *MatchRegistry) evict(matchID string) {
	reg.mu.Lock()
	h, ok := reg.hubs[matchID]
	delete(reg.hubs, matchID)
	reg.mu.Unlock()

	if ok {
		h.teardown()
		logf(reg.cfg, "MATCH: Evicted %s", matchID)
	}
}

// reaperLoop periodically evicts completed matches past their grace
// window and matches idle longer than the session timeout.
func (reg *MatchRegistry) reaperLoop() {
	interval := reg.cfg.sessionTimeout / 2
	if reg.cfg.evictionGrace > 0 && reg.cfg.evictionGrace/2 < interval {
		interval = reg.cfg.evictionGrace / 2
	}

	ticker := time.NewTicker(interval)
	for range ticker.C {
		idleCutoff := time.Now().Add(-reg.cfg.sessionTimeout)
		graceCutoff := time.Now().Add(-reg.cfg.evictionGrace)

		reg.mu.Lock()
		stale := make([]string, 0)
		for id, h := range reg.hubs {
			h.mu.RLock()
			phase := h.phase
			last := h.lastActive
			completed := h.completedAt
			h.mu.RUnlock()

			if phase == phaseCompleted && completed.Before(graceCutoff) {
				stale = append(stale, id)
			} else if phase != phaseCompleted && last.Before(idleCutoff) {
				stale = append(stale, id)
			}
		}
		reg.mu.Unlock()

		for _, id := range stale {
			reg.evict(id)
		}
	}
}

// serveWS upgrades the connection, resolves its identity, and starts the
// read/write pumps. One socket per client; matches are joined over it.
func serveWS(cfg *Config, store triviaStore, reg *MatchRegistry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		identity := resolveIdentity(cfg, store, w, r)
		if identity.ID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 16),
			done:     make(chan struct{}),
			identity: identity,
			rooms:    make(map[string]*Hub),
		}

		logf(cfg, "SERVE: Socket connected for %q (verified=%t) from %s",
			identity.DisplayName, identity.Verified, realIP(r))

		go client.writePump()

		client.send <- SessionInfoMessage{
			Type:        "session_info",
			ID:          identity.ID,
			Username:    identity.DisplayName,
			Verified:    identity.Verified,
			AuthInvalid: identity.AuthInvalid,
		}

		client.readPump(reg)
	}
}

// registerTriviaGame sets up routes so that:
//   - $path/ws           → WebSocket carrying all match events
//   - $path/qr/:matchid  → PNG QR code linking to that match
func registerTriviaGame(cfg *Config, path string, mux *httprouter.Router, store triviaStore) *MatchRegistry {
	reg := newMatchRegistry(cfg, store)

	mux.GET(cfg.prefix+path+"/ws", serveWS(cfg, store, reg))
	mux.GET(cfg.prefix+path+"/qr/:matchid", qrHandler(cfg, path))

	return reg
}
