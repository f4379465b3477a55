package main

import (
	"testing"
	"time"
)

func setupMatch(t *testing.T, set *questionSet) (*Hub, *Client, *Client, *mockStore) {
	t.Helper()

	store := newMockStore()
	h := newHub(testConfig(), store, "m1", "host", set)
	t.Cleanup(h.teardown)

	host := newTestClient("host", "Host", true)
	player := newTestClient("p1", "Ann", false)
	h.handleJoin(joinRequest{client: host})
	h.handleJoin(joinRequest{client: player})
	drain(host)
	drain(player)

	return h, host, player, store
}

func countType[T any](msgs []any) int {
	n := 0
	for _, m := range msgs {
		if _, ok := m.(T); ok {
			n++
		}
	}
	return n
}

func TestValidateQuestionSet(t *testing.T) {
	if err := validateQuestionSet(makeQuestionSet(totalRoundsPerMatch, questionsPerRound)); err != nil {
		t.Fatalf("full set rejected: %v", err)
	}

	short := makeQuestionSet(totalRoundsPerMatch, questionsPerRound)
	last := &short.Rounds[len(short.Rounds)-1]
	last.Questions = last.Questions[:questionsPerRound-1]
	short.TotalQuestions--
	if err := validateQuestionSet(short); err == nil {
		t.Fatal("27-question set accepted")
	}

	if err := validateQuestionSet(makeQuestionSet(3, questionsPerRound)); err == nil {
		t.Fatal("3-round set accepted")
	}
}

func TestTransitionPhaseForwardOnly(t *testing.T) {
	h := newHub(testConfig(), newMockStore(), "m1", "host", nil)
	t.Cleanup(h.teardown)

	if err := h.transitionPhaseLocked(phaseCompleted); err == nil {
		t.Fatal("forming jumped straight to completed")
	}
	if err := h.transitionPhaseLocked(phaseActive); err != nil {
		t.Fatalf("forming to active rejected: %v", err)
	}
	if err := h.transitionPhaseLocked(phaseCompleted); err != nil {
		t.Fatalf("active to completed rejected: %v", err)
	}
	if err := h.transitionPhaseLocked(phaseActive); err == nil {
		t.Fatal("completed moved backward to active")
	}
}

func TestStartRejectsNonHost(t *testing.T) {
	h, _, player, _ := setupMatch(t, makeQuestionSet(totalRoundsPerMatch, questionsPerRound))

	h.handleStart(player)

	if h.phase != phaseForming {
		t.Fatalf("phase = %q, want forming", h.phase)
	}
	got := await(t, player, "rejection", func(m any) bool {
		_, ok := m.(ErrorMessage)
		return ok
	}).(ErrorMessage)
	if got.Code != "not_authorized" {
		t.Fatalf("code = %q, want not_authorized", got.Code)
	}
}

func TestStartWithShortSetAbortsMatch(t *testing.T) {
	short := makeQuestionSet(totalRoundsPerMatch, questionsPerRound)
	short.Rounds[0].Questions = short.Rounds[0].Questions[:questionsPerRound-1]
	short.TotalQuestions--

	h, host, player, _ := setupMatch(t, short)

	h.handleStart(host)

	if h.phase != phaseCompleted {
		t.Fatalf("phase = %q, want completed", h.phase)
	}
	msgs := drain(player)
	if countType[MatchErrorMessage](msgs) != 1 {
		t.Fatalf("match_error broadcasts = %d, want 1", countType[MatchErrorMessage](msgs))
	}
	if countType[QuestionMessage](msgs) != 0 {
		t.Fatal("question broadcast despite failed start")
	}
}

func TestStartLoadsFirstQuestion(t *testing.T) {
	h, host, player, store := setupMatch(t, makeQuestionSet(totalRoundsPerMatch, questionsPerRound))

	h.handleStart(host)

	if h.phase != phaseActive {
		t.Fatalf("phase = %q, want active", h.phase)
	}
	if h.state != awaitingStart {
		t.Fatalf("state = %v, want awaitingStart", h.state)
	}

	q := await(t, player, "question", func(m any) bool {
		_, ok := m.(QuestionMessage)
		return ok
	}).(QuestionMessage)
	if q.Round != 1 || q.QuestionNumber != 1 {
		t.Fatalf("position = %d/%d, want 1/1", q.Round, q.QuestionNumber)
	}
	if len(q.Options) != 4 {
		t.Fatalf("options = %d, want 4", len(q.Options))
	}

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.phaseUpdates) == 1
	}, "durable phase update")
}

func TestSecondReadyIsNoOp(t *testing.T) {
	h, host, player, _ := setupMatch(t, makeQuestionSet(totalRoundsPerMatch, questionsPerRound))

	h.handleStart(host)
	h.handleReady()
	drain(player)

	gen := h.timerGen
	h.handleReady()

	if h.timerGen != gen {
		t.Fatal("second ready restarted the countdown")
	}
	if msgs := drain(player); len(msgs) != 0 {
		t.Fatalf("second ready broadcast %d messages", len(msgs))
	}
}

func TestTimeoutAdvancesAndResetsLedger(t *testing.T) {
	h, host, player, _ := setupMatch(t, makeQuestionSet(totalRoundsPerMatch, questionsPerRound))

	h.handleStart(host)
	h.handleReady()

	h.handleAnswer(answerRequest{client: player, msg: ClientMessage{Type: "submit_answer", Answer: "right"}})
	if !h.ledger[player.identity.ID] {
		t.Fatal("answer not recorded in ledger")
	}
	drain(player)

	gen := h.timerGen
	for i := 0; i < questionSeconds; i++ {
		h.handleTick(timerEvent{gen: gen})
	}

	if h.round.CurrentQuestion != 2 || h.round.CurrentRound != 1 {
		t.Fatalf("position = %d/%d, want round 1 question 2", h.round.CurrentRound, h.round.CurrentQuestion)
	}
	if h.state != questionExpired {
		t.Fatalf("state = %v, want questionExpired", h.state)
	}
	if len(h.ledger) != 0 {
		t.Fatal("ledger not cleared on question advance")
	}

	q := await(t, player, "next question", func(m any) bool {
		qm, ok := m.(QuestionMessage)
		return ok && qm.QuestionNumber == 2
	}).(QuestionMessage)
	if q.Round != 1 {
		t.Fatalf("round = %d, want 1", q.Round)
	}
}

func TestStaleTickIsDropped(t *testing.T) {
	h, host, player, _ := setupMatch(t, makeQuestionSet(totalRoundsPerMatch, questionsPerRound))

	h.handleStart(host)
	h.handleReady()
	drain(player)

	before := h.round.SecondsRemaining
	h.handleTick(timerEvent{gen: h.timerGen - 1})

	if h.round.SecondsRemaining != before {
		t.Fatal("stale tick decremented the countdown")
	}
	if msgs := drain(player); len(msgs) != 0 {
		t.Fatalf("stale tick broadcast %d messages", len(msgs))
	}
}

func TestMatchCompletesExactlyOnce(t *testing.T) {
	h, host, player, store := setupMatch(t, makeQuestionSet(totalRoundsPerMatch, questionsPerRound))

	h.handleStart(host)
	h.handleReady()

	gameEnded := 0
	total := totalRoundsPerMatch * questionsPerRound
	for i := 0; i < total; i++ {
		gen := h.timerGen
		for tick := 0; tick < questionSeconds; tick++ {
			h.handleTick(timerEvent{gen: gen})
		}
		gameEnded += countType[GameEndedMessage](drain(player))
		if i < total-1 {
			h.handleDelayedStart(timerEvent{gen: h.timerGen})
		}
	}

	if h.phase != phaseCompleted {
		t.Fatalf("phase = %q, want completed", h.phase)
	}
	if gameEnded != 1 {
		t.Fatalf("game_ended broadcasts = %d, want 1", gameEnded)
	}
	if h.round.CurrentRound != totalRoundsPerMatch || h.round.CurrentQuestion != questionsPerRound {
		t.Fatalf("final position = %d/%d, want %d/%d",
			h.round.CurrentRound, h.round.CurrentQuestion, totalRoundsPerMatch, questionsPerRound)
	}

	// Late events from any generation must not restart anything.
	for gen := 0; gen <= h.timerGen; gen++ {
		h.handleTick(timerEvent{gen: gen})
		h.handleDelayedStart(timerEvent{gen: gen})
	}
	if msgs := drain(player); len(msgs) != 0 {
		t.Fatalf("completed match broadcast %d further messages", len(msgs))
	}

	waitFor(t, func() bool {
		return store.completionCount("m1") == 1
	}, "durable completion")
}

func TestStartReloadsQuestionSetFromStore(t *testing.T) {
	store := newMockStore()
	store.sets["m1"] = makeQuestionSet(totalRoundsPerMatch, questionsPerRound)

	h := newHub(testConfig(), store, "m1", "host", nil)
	t.Cleanup(h.teardown)

	host := newTestClient("host", "Host", true)
	h.handleJoin(joinRequest{client: host})
	drain(host)

	h.handleStart(host)

	if h.phase != phaseActive {
		t.Fatalf("phase = %q, want active", h.phase)
	}
	if h.set == nil || h.set.TotalQuestions != totalRoundsPerMatch*questionsPerRound {
		t.Fatal("question set not reloaded")
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
