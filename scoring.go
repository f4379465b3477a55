package main

import (
	"context"
	"time"
)

// calculateScore rewards speed: 100 base points for a correct answer
// plus up to 100 more depending on how much of the 20-second budget was
// left. Incorrect answers earn nothing.
func calculateScore(secondsRemaining int, isCorrect bool) int {
	if !isCorrect {
		return 0
	}
	if secondsRemaining < 0 {
		secondsRemaining = 0
	}
	if secondsRemaining > questionSeconds {
		secondsRemaining = questionSeconds
	}
	return 100 + (secondsRemaining*100)/questionSeconds
}

// handleAnswer scores one submission: at most one per identity per
// question, correctness by exact match on the server-held answer, time
// measured against the server's own question clock. Duplicates are
// silent no-ops; the submitter never receives a second answer_result.
func (h *Hub) handleAnswer(ar answerRequest) {
	c := ar.client

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if h.phase != phaseActive || h.current == nil || h.correct == "" {
		return
	}
	if h.state != questionActive && h.state != awaitingStart {
		return
	}

	if h.ledger[c.identity.ID] {
		logf(h.cfg, "MATCH: %q already answered question %d of round %d in %s",
			c.identity.DisplayName, h.round.CurrentQuestion, h.round.CurrentRound, h.id)
		return
	}
	h.ledger[c.identity.ID] = true

	player := h.players[c.identity.ID]
	if player == nil {
		player = &participantScore{
			ID:       c.identity.ID,
			Username: c.identity.DisplayName,
		}
		h.players[c.identity.ID] = player
	}

	isCorrect := ar.msg.Answer == h.correct

	// The server's question clock is authoritative; the client's hint is
	// only a fallback for the rare case where no server reference exists.
	var secondsRemaining int
	var responseTimeMs int64
	if !h.round.QuestionStart.IsZero() {
		elapsed := time.Since(h.round.QuestionStart)
		if elapsed < 0 {
			elapsed = 0
		}
		responseTimeMs = elapsed.Milliseconds()
		secondsRemaining = questionSeconds - int(elapsed.Seconds())
	} else {
		secondsRemaining = h.round.SecondsRemaining
		if ar.msg.TimeRemaining != nil {
			secondsRemaining = *ar.msg.TimeRemaining
		}
		responseTimeMs = int64(questionSeconds-secondsRemaining) * 1000
		if responseTimeMs < 0 {
			responseTimeMs = 0
		}
	}

	points := calculateScore(secondsRemaining, isCorrect)

	player.Score += points
	player.TotalAnswers++
	if isCorrect {
		player.CorrectAnswers++
	}

	logf(h.cfg, "MATCH: %q answered %q in %s (%t, +%d)",
		c.identity.DisplayName, ar.msg.Answer, h.id, isCorrect, points)

	ev := scoreEvent{
		MatchID:        h.id,
		UserID:         c.identity.ID,
		Points:         points,
		Correct:        isCorrect,
		ResponseTimeMs: responseTimeMs,
	}
	h.asyncStore("score upsert", func(ctx context.Context) error {
		return h.store.UpsertScore(ctx, ev)
	})

	select {
	case c.send <- AnswerResultMessage{
		Type:          "answer_result",
		IsCorrect:     isCorrect,
		PointsEarned:  points,
		NewTotalScore: player.Score,
		CorrectAnswer: h.correct,
	}:
	default:
	}

	h.broadcastLeaderboardLocked()
}
