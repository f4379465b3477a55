package main

import (
	"sort"
)

// rankedRecordsLocked returns the score records of identities currently
// in the match's room, sorted for ranking. Records of participants who
// left stay in memory (and in the store) but are excluded from the view.
func (h *Hub) rankedRecordsLocked() []*participantScore {
	present := make(map[string]bool, len(h.clients))
	for c := range h.clients {
		present[c.identity.ID] = true
	}

	records := make([]*participantScore, 0, len(h.players))
	for id, p := range h.players {
		if present[id] {
			records = append(records, p)
		}
	}

	sortRecords(records)
	return records
}

func sortRecords(records []*participantScore) {
	sort.SliceStable(records, func(a, b int) bool {
		return records[a].Score > records[b].Score
	})
}

// rankRecords assigns ranks in sort order starting at 1; ties keep their
// positions rather than sharing a rank.
func rankRecords(records []*participantScore) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(records))
	for i, p := range records {
		entries = append(entries, LeaderboardEntry{
			Rank:           i + 1,
			Username:       p.Username,
			Score:          p.Score,
			CorrectAnswers: p.CorrectAnswers,
			TotalAnswers:   p.TotalAnswers,
		})
	}
	return entries
}

func (h *Hub) computeLeaderboardLocked() []LeaderboardEntry {
	return rankRecords(h.rankedRecordsLocked())
}

// broadcastLeaderboardLocked pushes the shared ranking to the room and
// each member's own standing to that member alone.
func (h *Hub) broadcastLeaderboardLocked() {
	records := h.rankedRecordsLocked()
	entries := rankRecords(records)

	h.broadcastLocked(LeaderboardMessage{
		Type:        "leaderboard_update",
		MatchID:     h.id,
		Leaderboard: entries,
	})

	rankByID := make(map[string]int, len(records))
	for i, p := range records {
		rankByID[p.ID] = i + 1
	}

	for client := range h.clients {
		p := h.players[client.identity.ID]
		if p == nil {
			continue
		}
		select {
		case client.send <- MyScoreMessage{
			Type:           "my_score",
			Username:       p.Username,
			Score:          p.Score,
			Rank:           rankByID[p.ID],
			CorrectAnswers: p.CorrectAnswers,
			TotalAnswers:   p.TotalAnswers,
		}:
		default:
		}
	}
}

// scoreSnapshot copies every known score record in this match, without
// membership scoping. Feeds the registry's degraded global ranking.
func (h *Hub) scoreSnapshot() []*participantScore {
	h.mu.RLock()
	defer h.mu.RUnlock()

	records := make([]*participantScore, 0, len(h.players))
	for _, p := range h.players {
		cp := *p
		records = append(records, &cp)
	}
	return records
}
