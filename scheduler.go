package main

import (
	"context"
	"math/rand/v2"
	"time"
)

// schedulerState tracks where an active match sits between discrete
// events. Transitions only happen inside the hub loop.
type schedulerState int

const (
	awaitingStart schedulerState = iota // match active, first question loaded, waiting on a ready signal
	questionActive                      // countdown running
	questionExpired                     // between questions, delayed restart pending
	matchComplete
)

// RoundState is the current position within an active match.
// Invariant: 1 <= CurrentRound <= TotalRounds and
// 1 <= CurrentQuestion <= QuestionsPerRound while the match is active.
type RoundState struct {
	CurrentRound      int
	CurrentQuestion   int
	TotalRounds       int
	QuestionsPerRound int
	SecondsRemaining  int
	QuestionStart     time.Time
}

// transitionPhaseLocked enforces the forward-only match lifecycle.
func (h *Hub) transitionPhaseLocked(next string) error {
	legal := map[string]string{
		phaseForming: phaseActive,
		phaseActive:  phaseCompleted,
	}
	if legal[h.phase] != next {
		return faultf(faultStateConflict, "cannot transition match from %s to %s", h.phase, next)
	}
	h.phase = next
	return nil
}

// handleStart processes the host's start_match command: validates the
// question set, flips the match active, and loads question one. The
// first countdown waits for a ready signal from a client that can render.
func (h *Hub) handleStart(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if c.identity.ID != h.hostID {
		c.reject("start_match", faultf(faultNotAuthorized, "only the host can start the match"))
		return
	}
	if h.phase != phaseForming {
		c.reject("start_match", faultf(faultStateConflict, "match is not in the forming phase"))
		return
	}

	// Reload the question set if this hub was rebuilt from the store.
	if h.set == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		set, err := h.store.MatchQuestions(ctx, h.id)
		cancel()
		if err != nil {
			c.reject("start_match", wrapFault(faultUpstream, "no question set available for this match", err))
			return
		}
		h.set = set
	}

	if err := validateQuestionSet(h.set); err != nil {
		h.abortMatchLocked("match_start_error", userMessage(err))
		return
	}

	if err := h.transitionPhaseLocked(phaseActive); err != nil {
		c.reject("start_match", err)
		return
	}
	h.asyncStore("phase update", func(ctx context.Context) error {
		return h.store.UpdateMatchPhase(ctx, h.id, phaseActive)
	})

	h.round = RoundState{
		CurrentRound:      1,
		CurrentQuestion:   1,
		TotalRounds:       h.set.TotalRounds,
		QuestionsPerRound: h.set.QuestionsPerRound,
		SecondsRemaining:  questionSeconds,
	}
	h.state = awaitingStart

	logf(h.cfg, "MATCH: %s started by %q (%d rounds x %d questions)",
		h.id, c.identity.DisplayName, h.set.TotalRounds, h.set.QuestionsPerRound)

	h.loadQuestionLocked()
}

func validateQuestionSet(set *questionSet) error {
	if set.TotalRounds != totalRoundsPerMatch {
		return faultf(faultFatalMatch, "question set has %d rounds, want %d", set.TotalRounds, totalRoundsPerMatch)
	}
	want := totalRoundsPerMatch * questionsPerRound
	if set.TotalQuestions != want {
		return faultf(faultFatalMatch, "question set has %d questions, want %d", set.TotalQuestions, want)
	}
	for _, r := range set.Rounds {
		if len(r.Questions) != questionsPerRound {
			return faultf(faultFatalMatch, "round %d has %d questions, want %d", r.RoundNumber, len(r.Questions), questionsPerRound)
		}
	}
	return nil
}

// handleReady starts the first countdown once a client reports it can
// render. Duplicate ready signals are no-ops: the timer is already
// running and a second one is never started.
func (h *Hub) handleReady() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if h.phase != phaseActive || h.state != awaitingStart || h.current == nil {
		return
	}

	h.broadcastLocked(*h.current)
	h.startTimerLocked()
}

// loadQuestionLocked selects the question at the current position,
// determines the single correct option, shuffles the on-the-wire option
// order, clears the answer ledger, and broadcasts the question. The
// correct answer text stays server-side until results go out.
func (h *Hub) loadQuestionLocked() {
	r, q := h.round.CurrentRound, h.round.CurrentQuestion
	if r < 1 || r > len(h.set.Rounds) || q < 1 || q > len(h.set.Rounds[r-1].Questions) {
		h.abortMatchLocked("match_start_error", "question set exhausted")
		return
	}
	question := h.set.Rounds[r-1].Questions[q-1]

	correct := ""
	correctCount := 0
	for _, opt := range question.Options {
		if opt.Correct {
			correct = opt.Text
			correctCount++
		}
	}
	if correctCount != 1 {
		h.abortMatchLocked("match_start_error", "question has no single correct option; match cannot be scored")
		return
	}

	options := make([]string, 0, len(question.Options))
	for _, opt := range question.Options {
		options = append(options, opt.Text)
	}
	rand.Shuffle(len(options), func(a, b int) {
		options[a], options[b] = options[b], options[a]
	})

	h.correct = correct
	h.ledger = make(map[string]bool)
	h.round.SecondsRemaining = questionSeconds

	payload := QuestionMessage{
		Type:              "question_loaded",
		Round:             r,
		QuestionNumber:    q,
		TotalRounds:       h.round.TotalRounds,
		QuestionsPerRound: h.round.QuestionsPerRound,
		Question:          question.Prompt,
		Options:           options,
		Category:          question.Category,
		Difficulty:        question.Difficulty,
	}
	h.current = &payload

	logf(h.cfg, "MATCH: %s loaded question %d of round %d", h.id, q, r)

	h.broadcastLocked(payload)
}

// startTimerLocked begins a fresh 20-second countdown. Any previous
// countdown generation is cancelled first, so restarts never leave two
// tickers running for one match.
func (h *Hub) startTimerLocked() {
	h.stopTimerLocked()

	h.state = questionActive
	h.round.SecondsRemaining = questionSeconds
	h.round.QuestionStart = time.Now()

	gen := h.timerGen
	stop := make(chan struct{})
	h.timerStop = stop

	h.broadcastLocked(TimerMessage{Type: "timer", SecondsRemaining: questionSeconds})

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				post(h, h.ticks, timerEvent{gen: gen})
			case <-stop:
				return
			case <-h.done:
				return
			}
		}
	}()
}

// stopTimerLocked cancels the running countdown, if any. Idempotent;
// bumping the generation also invalidates any in-flight tick or delayed
// next-question callback.
func (h *Hub) stopTimerLocked() {
	if h.timerStop != nil {
		close(h.timerStop)
		h.timerStop = nil
	}
	h.timerGen++
}

func (h *Hub) handleTick(ev timerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.gen != h.timerGen || h.state != questionActive {
		return
	}

	h.lastActive = time.Now()
	h.round.SecondsRemaining--
	h.broadcastLocked(TimerMessage{Type: "timer", SecondsRemaining: h.round.SecondsRemaining})

	if h.round.SecondsRemaining <= 0 {
		h.stopTimerLocked()
		h.onQuestionTimeoutLocked()
	}
}

// onQuestionTimeoutLocked advances the match position: next question,
// next round, or match completion. The next question broadcasts
// immediately; its countdown restarts after a short settle delay.
func (h *Hub) onQuestionTimeoutLocked() {
	h.state = questionExpired

	h.round.CurrentQuestion++
	if h.round.CurrentQuestion > h.round.QuestionsPerRound {
		h.round.CurrentQuestion = 1
		h.round.CurrentRound++

		if h.round.CurrentRound > h.round.TotalRounds {
			h.round.CurrentRound = h.round.TotalRounds
			h.round.CurrentQuestion = h.round.QuestionsPerRound
			h.completeMatchLocked()
			return
		}
	}

	h.loadQuestionLocked()
	if h.state != questionExpired {
		return
	}

	gen := h.timerGen
	time.AfterFunc(h.cfg.nextQuestionDelay, func() {
		post(h, h.nexts, timerEvent{gen: gen})
	})
}

// handleDelayedStart fires the countdown scheduled after a question
// advance. Stale generations (match torn down, restarted, or completed
// in the meantime) are dropped.
func (h *Hub) handleDelayedStart(ev timerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.gen != h.timerGen || h.state != questionExpired || h.phase != phaseActive {
		return
	}

	h.startTimerLocked()
}

// completeMatchLocked ends the match exactly once: stops the countdown,
// broadcasts game_ended, and hands the durable facts to the store.
func (h *Hub) completeMatchLocked() {
	if h.phase == phaseCompleted {
		return
	}

	h.stopTimerLocked()
	h.phase = phaseCompleted
	h.completedAt = time.Now()
	h.state = matchComplete

	logf(h.cfg, "MATCH: %s completed", h.id)

	h.broadcastLocked(GameEndedMessage{Type: "game_ended", MatchID: h.id})

	completedAt := h.completedAt
	h.asyncStore("completion", func(ctx context.Context) error {
		return h.store.CompleteMatch(ctx, h.id, completedAt)
	})
	h.asyncStore("question release", func(ctx context.Context) error {
		return h.store.ReleaseQuestions(ctx, h.id)
	})
}

// abortMatchLocked ends a match that cannot continue, with a broadcast
// explaining the failure. Never leaves a match half-started.
func (h *Hub) abortMatchLocked(code, message string) {
	h.stopTimerLocked()
	h.state = matchComplete
	h.current = nil
	h.correct = ""

	logf(h.cfg, "MATCH: %s aborted: %s", h.id, message)

	h.broadcastLocked(MatchErrorMessage{Type: "match_error", Code: code, Message: message})

	if h.phase == phaseCompleted {
		return
	}
	h.phase = phaseCompleted
	h.completedAt = time.Now()

	completedAt := h.completedAt
	h.asyncStore("completion", func(ctx context.Context) error {
		return h.store.CompleteMatch(ctx, h.id, completedAt)
	})
	h.asyncStore("question release", func(ctx context.Context) error {
		return h.store.ReleaseQuestions(ctx, h.id)
	})
}

// asyncStore issues a fire-and-forget durable write. Failures are logged
// and the in-memory state stays authoritative until the match ends.
func (h *Hub) asyncStore(op string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			logf(h.cfg, "STORE: %s failed for match %s: %v", op, h.id, err)
		}
	}()
}
