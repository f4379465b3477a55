package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockStore is an in-memory triviaStore for tests. Every method records
// its calls so tests can assert on durable side effects.
type mockStore struct {
	mu sync.Mutex

	users  map[string]*User
	metas  map[string]*matchMeta
	sets   map[string]*questionSet
	scores map[string][]storedScore

	createErr    error
	provisionErr error
	provisionSet *questionSet

	createdMatches []string
	phaseUpdates   []string
	completions    []string
	releases       []string
	scoreEvents    []scoreEvent
}

func newMockStore() *mockStore {
	return &mockStore{
		users:  make(map[string]*User),
		metas:  make(map[string]*matchMeta),
		sets:   make(map[string]*questionSet),
		scores: make(map[string][]storedScore),
	}
}

func (m *mockStore) UserByAuthID(_ context.Context, authUserID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[authUserID]; ok {
		return u, nil
	}
	return nil, errStoreNotFound
}

func (m *mockStore) MatchMeta(_ context.Context, matchID string) (*matchMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta, ok := m.metas[matchID]; ok {
		return meta, nil
	}
	return nil, errStoreNotFound
}

func (m *mockStore) CreateMatch(_ context.Context, matchID, title, hostUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.createdMatches = append(m.createdMatches, matchID)
	m.metas[matchID] = &matchMeta{HostID: hostUserID, Phase: phaseForming}
	return nil
}

func (m *mockStore) ProvisionQuestions(_ context.Context, matchID, category string, difficulties []string) (*questionSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.provisionErr != nil {
		return nil, m.provisionErr
	}
	set := m.provisionSet
	if set == nil {
		set = makeQuestionSet(len(difficulties), questionsPerRound)
	}
	m.sets[matchID] = set
	return set, nil
}

func (m *mockStore) MatchQuestions(_ context.Context, matchID string) (*questionSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.sets[matchID]; ok {
		return set, nil
	}
	return nil, errStoreNotFound
}

func (m *mockStore) UpdateMatchPhase(_ context.Context, matchID, phase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phaseUpdates = append(m.phaseUpdates, matchID+":"+phase)
	if meta, ok := m.metas[matchID]; ok {
		meta.Phase = phase
	}
	return nil
}

func (m *mockStore) CompleteMatch(_ context.Context, matchID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions = append(m.completions, matchID)
	if meta, ok := m.metas[matchID]; ok {
		meta.Phase = phaseCompleted
	}
	return nil
}

func (m *mockStore) ReleaseQuestions(_ context.Context, matchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases = append(m.releases, matchID)
	return nil
}

func (m *mockStore) UpsertScore(_ context.Context, ev scoreEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scoreEvents = append(m.scoreEvents, ev)
	return nil
}

func (m *mockStore) MatchScores(_ context.Context, matchID string) ([]storedScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scores[matchID], nil
}

func (m *mockStore) completionCount(matchID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.completions {
		if id == matchID {
			n++
		}
	}
	return n
}

// ---- Test fixtures ----

func testConfig() *Config {
	return &Config{
		nextQuestionDelay: time.Hour,
		sessionTimeout:    time.Hour,
		evictionGrace:     time.Minute,
	}
}

// makeQuestionSet builds a set where every question's correct option is
// the literal string "right".
func makeQuestionSet(rounds, perRound int) *questionSet {
	set := &questionSet{
		TotalRounds:       rounds,
		QuestionsPerRound: perRound,
	}
	for r := 1; r <= rounds; r++ {
		round := triviaRound{RoundNumber: r}
		for q := 1; q <= perRound; q++ {
			round.Questions = append(round.Questions, triviaQuestion{
				Prompt:     fmt.Sprintf("question %d-%d", r, q),
				Category:   "general",
				Difficulty: "easy",
				Options: []questionOption{
					{Text: "right", Correct: true},
					{Text: "wrong-a"},
					{Text: "wrong-b"},
					{Text: "wrong-c"},
				},
			})
		}
		set.Rounds = append(set.Rounds, round)
		set.TotalQuestions += perRound
	}
	return set
}

func newTestClient(id, name string, verified bool) *Client {
	return &Client{
		send: make(chan any, 256),
		done: make(chan struct{}),
		identity: Identity{
			ID:          id,
			DisplayName: name,
			Verified:    verified,
		},
		rooms: make(map[string]*Hub),
	}
}

// drain empties a client's send buffer and returns everything queued.
func drain(c *Client) []any {
	var msgs []any
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

// await reads from a client's send buffer until pick returns true, or
// fails the test after a timeout.
func await(t *testing.T, c *Client, what string, pick func(any) bool) any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.send:
			if pick(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
			return nil
		}
	}
}

var errBoom = errors.New("boom")
