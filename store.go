package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// User mirrors a durable profile row provisioned by the identity service.
// The engine only ever reads this table.
type User struct {
	ID         string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	AuthUserID string    `gorm:"uniqueIndex;not null" json:"auth_user_id"`
	Username   string    `gorm:"not null" json:"username"`
	CreatedAt  time.Time `json:"created_at"`
}

type Category struct {
	CatID string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"cat_id"`
	Name  string `gorm:"uniqueIndex;not null" json:"name"`
}

type Difficulty struct {
	DiffID string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"diff_id"`
	Name   string `gorm:"uniqueIndex;not null" json:"name"`
}

type Question struct {
	QuestionID string           `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"question_id"`
	Prompt     string           `gorm:"not null" json:"prompt"`
	CatID      string           `gorm:"index;not null" json:"cat_id"`
	DiffID     string           `gorm:"index;not null" json:"diff_id"`
	IsActive   bool             `gorm:"default:false" json:"is_active"`
	Options    []QuestionOption `gorm:"foreignKey:QuestionID" json:"options,omitempty"`
}

type QuestionOption struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	QuestionID   string `gorm:"index;not null" json:"question_id"`
	AnswerOption string `gorm:"not null" json:"answer_option"`
	IsCorrect    bool   `gorm:"default:false" json:"is_correct"`
}

type Match struct {
	MatchID     string     `gorm:"primaryKey;type:uuid" json:"match_id"`
	Title       string     `json:"title"`
	HostUserID  string     `gorm:"index;not null" json:"host_user_id"`
	Phase       string     `gorm:"type:varchar(16);not null" json:"phase"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type MatchRound struct {
	RoundID      uint   `gorm:"primaryKey" json:"round_id"`
	MatchID      string `gorm:"index;not null" json:"match_id"`
	RoundNumber  int    `gorm:"not null" json:"round_number"`
	DifficultyID string `gorm:"not null" json:"difficulty_id"`
}

type RoundQuestion struct {
	ID               uint   `gorm:"primaryKey" json:"id"`
	MatchRoundID     uint   `gorm:"index;not null" json:"match_round_id"`
	QuestionID       string `gorm:"not null" json:"question_id"`
	TimeLimitSeconds int    `gorm:"default:20" json:"time_limit_seconds"`
}

// MatchScore is the accumulated durable record, keyed by (match, participant).
type MatchScore struct {
	MatchID             string    `gorm:"primaryKey" json:"match_id"`
	UserID              string    `gorm:"primaryKey" json:"user_id"`
	Points              int64     `json:"points"`
	CorrectCount        int       `json:"correct_count"`
	QuestionsAnswered   int       `json:"questions_answered"`
	TotalResponseTimeMs int64     `json:"total_response_time_ms"`
	AvgResponseMs       int64     `json:"avg_response_ms"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Wire-free domain views of the question bank, consumed by the scheduler.

type questionOption struct {
	Text    string
	Correct bool
}

type triviaQuestion struct {
	Prompt     string
	Category   string
	Difficulty string
	Options    []questionOption
}

type triviaRound struct {
	RoundNumber int
	Questions   []triviaQuestion
}

type questionSet struct {
	TotalRounds       int
	QuestionsPerRound int
	TotalQuestions    int
	Rounds            []triviaRound
}

type matchMeta struct {
	HostID string
	Phase  string
}

type scoreEvent struct {
	MatchID        string
	UserID         string
	Points         int
	Correct        bool
	ResponseTimeMs int64
}

type storedScore struct {
	UserID            string
	Username          string
	Points            int64
	CorrectCount      int
	QuestionsAnswered int
}

// triviaStore is the durable-store surface the engine depends on.
// Hubs and the registry only ever see this interface, so tests swap in
// an in-memory fake.
type triviaStore interface {
	UserByAuthID(ctx context.Context, authUserID string) (*User, error)
	MatchMeta(ctx context.Context, matchID string) (*matchMeta, error)
	CreateMatch(ctx context.Context, matchID, title, hostUserID string) error
	ProvisionQuestions(ctx context.Context, matchID, category string, difficulties []string) (*questionSet, error)
	MatchQuestions(ctx context.Context, matchID string) (*questionSet, error)
	UpdateMatchPhase(ctx context.Context, matchID, phase string) error
	CompleteMatch(ctx context.Context, matchID string, completedAt time.Time) error
	ReleaseQuestions(ctx context.Context, matchID string) error
	UpsertScore(ctx context.Context, ev scoreEvent) error
	MatchScores(ctx context.Context, matchID string) ([]storedScore, error)
}

var errStoreNotFound = errors.New("record not found")

type Store struct {
	db *gorm.DB
}

func newStore(cfg *Config) (*Store, error) {
	gormLog := logger.Default.LogMode(logger.Silent)
	if cfg.verbose {
		gormLog = logger.Default.LogMode(logger.Warn)
	}

	db, err := gorm.Open(postgres.Open(cfg.databaseURL), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.migrate {
		err = db.AutoMigrate(
			&User{},
			&Category{},
			&Difficulty{},
			&Question{},
			&QuestionOption{},
			&Match{},
			&MatchRound{},
			&RoundQuestion{},
			&MatchScore{},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) UserByAuthID(ctx context.Context, authUserID string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("auth_user_id = ?", authUserID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errStoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	return &user, nil
}

func (s *Store) MatchMeta(ctx context.Context, matchID string) (*matchMeta, error) {
	var match Match
	err := s.db.WithContext(ctx).Select("host_user_id", "phase").Where("match_id = ?", matchID).First(&match).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errStoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up match %s: %w", matchID, err)
	}
	return &matchMeta{HostID: match.HostUserID, Phase: match.Phase}, nil
}

func (s *Store) CreateMatch(ctx context.Context, matchID, title, hostUserID string) error {
	match := Match{
		MatchID:    matchID,
		Title:      title,
		HostUserID: hostUserID,
		Phase:      phaseForming,
	}
	if err := s.db.WithContext(ctx).Create(&match).Error; err != nil {
		return fmt.Errorf("failed to create match %s: %w", matchID, err)
	}
	return nil
}

// ProvisionQuestions draws one round of unused questions per requested
// difficulty, records the draw against the match, and marks the drawn
// questions in use so concurrent matches never share a question.
func (s *Store) ProvisionQuestions(ctx context.Context, matchID, category string, difficulties []string) (*questionSet, error) {
	set := &questionSet{
		TotalRounds:       len(difficulties),
		QuestionsPerRound: questionsPerRound,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cat Category
		if err := tx.Where("name = ?", category).First(&cat).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return faultf(faultValidation, "unknown category %q", category)
			}
			return fmt.Errorf("failed to look up category: %w", err)
		}

		for i, diffName := range difficulties {
			var diff Difficulty
			if err := tx.Where("name = ?", diffName).First(&diff).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return faultf(faultValidation, "unknown difficulty %q", diffName)
				}
				return fmt.Errorf("failed to look up difficulty: %w", err)
			}

			var available []Question
			err := tx.Preload("Options").
				Where("cat_id = ? AND diff_id = ? AND is_active = ?", cat.CatID, diff.DiffID, false).
				Find(&available).Error
			if err != nil {
				return fmt.Errorf("failed to fetch questions: %w", err)
			}
			if len(available) < questionsPerRound {
				return faultf(faultValidation,
					"not enough questions for difficulty %q in category %q: need %d, found %d",
					diffName, category, questionsPerRound, len(available))
			}

			rand.Shuffle(len(available), func(a, b int) {
				available[a], available[b] = available[b], available[a]
			})
			selected := available[:questionsPerRound]

			round := MatchRound{
				MatchID:      matchID,
				RoundNumber:  i + 1,
				DifficultyID: diff.DiffID,
			}
			if err := tx.Create(&round).Error; err != nil {
				return fmt.Errorf("failed to record match round: %w", err)
			}

			selectedIDs := make([]string, 0, len(selected))
			questions := make([]triviaQuestion, 0, len(selected))
			rows := make([]RoundQuestion, 0, len(selected))
			for _, q := range selected {
				selectedIDs = append(selectedIDs, q.QuestionID)
				rows = append(rows, RoundQuestion{
					MatchRoundID:     round.RoundID,
					QuestionID:       q.QuestionID,
					TimeLimitSeconds: questionSeconds,
				})
				questions = append(questions, toTriviaQuestion(q, category, diffName))
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("failed to record round questions: %w", err)
			}

			err = tx.Model(&Question{}).Where("question_id IN ?", selectedIDs).
				Update("is_active", true).Error
			if err != nil {
				return fmt.Errorf("failed to mark questions in use: %w", err)
			}

			set.Rounds = append(set.Rounds, triviaRound{
				RoundNumber: i + 1,
				Questions:   questions,
			})
			set.TotalQuestions += len(questions)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return set, nil
}

// MatchQuestions reassembles a previously provisioned question set, used
// when a match hub is reloaded from the store.
func (s *Store) MatchQuestions(ctx context.Context, matchID string) (*questionSet, error) {
	var rounds []MatchRound
	err := s.db.WithContext(ctx).
		Where("match_id = ?", matchID).
		Order("round_number asc").
		Find(&rounds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch match rounds: %w", err)
	}
	if len(rounds) == 0 {
		return nil, errStoreNotFound
	}

	set := &questionSet{TotalRounds: len(rounds)}

	for _, r := range rounds {
		var rows []RoundQuestion
		err := s.db.WithContext(ctx).Where("match_round_id = ?", r.RoundID).Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("failed to fetch round questions: %w", err)
		}

		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.QuestionID)
		}

		var questions []Question
		err = s.db.WithContext(ctx).Preload("Options").Where("question_id IN ?", ids).Find(&questions).Error
		if err != nil {
			return nil, fmt.Errorf("failed to fetch questions: %w", err)
		}

		var diff Difficulty
		_ = s.db.WithContext(ctx).Where("diff_id = ?", r.DifficultyID).First(&diff).Error

		round := triviaRound{RoundNumber: r.RoundNumber}
		for _, q := range questions {
			var cat Category
			_ = s.db.WithContext(ctx).Where("cat_id = ?", q.CatID).First(&cat).Error
			round.Questions = append(round.Questions, toTriviaQuestion(q, cat.Name, diff.Name))
		}

		if set.QuestionsPerRound == 0 {
			set.QuestionsPerRound = len(round.Questions)
		}
		set.TotalQuestions += len(round.Questions)
		set.Rounds = append(set.Rounds, round)
	}

	return set, nil
}

func (s *Store) UpdateMatchPhase(ctx context.Context, matchID, phase string) error {
	err := s.db.WithContext(ctx).Model(&Match{}).
		Where("match_id = ?", matchID).
		Update("phase", phase).Error
	if err != nil {
		return fmt.Errorf("failed to update match %s phase: %w", matchID, err)
	}
	return nil
}

func (s *Store) CompleteMatch(ctx context.Context, matchID string, completedAt time.Time) error {
	err := s.db.WithContext(ctx).Model(&Match{}).
		Where("match_id = ?", matchID).
		Updates(map[string]any{"phase": phaseCompleted, "completed_at": completedAt}).Error
	if err != nil {
		return fmt.Errorf("failed to complete match %s: %w", matchID, err)
	}
	return nil
}

// ReleaseQuestions returns a completed match's questions to the pool.
func (s *Store) ReleaseQuestions(ctx context.Context, matchID string) error {
	var rounds []MatchRound
	err := s.db.WithContext(ctx).Select("round_id").Where("match_id = ?", matchID).Find(&rounds).Error
	if err != nil {
		return fmt.Errorf("failed to fetch rounds for release: %w", err)
	}
	if len(rounds) == 0 {
		return nil
	}

	roundIDs := make([]uint, 0, len(rounds))
	for _, r := range rounds {
		roundIDs = append(roundIDs, r.RoundID)
	}

	var rows []RoundQuestion
	err = s.db.WithContext(ctx).Select("question_id").Where("match_round_id IN ?", roundIDs).Find(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to fetch round questions for release: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.QuestionID)
	}

	err = s.db.WithContext(ctx).Model(&Question{}).Where("question_id IN ?", ids).
		Update("is_active", false).Error
	if err != nil {
		return fmt.Errorf("failed to release questions: %w", err)
	}
	return nil
}

// UpsertScore accumulates a scoring event into the durable record:
// stored totals plus this event's deltas, never an overwrite.
func (s *Store) UpsertScore(ctx context.Context, ev scoreEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing MatchScore
		err := tx.Where("match_id = ? AND user_id = ?", ev.MatchID, ev.UserID).First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to fetch score record: %w", err)
		}

		correctDelta := 0
		if ev.Correct {
			correctDelta = 1
		}

		next := MatchScore{
			MatchID:             ev.MatchID,
			UserID:              ev.UserID,
			Points:              existing.Points + int64(ev.Points),
			CorrectCount:        existing.CorrectCount + correctDelta,
			QuestionsAnswered:   existing.QuestionsAnswered + 1,
			TotalResponseTimeMs: existing.TotalResponseTimeMs + ev.ResponseTimeMs,
		}
		next.AvgResponseMs = next.TotalResponseTimeMs / int64(next.QuestionsAnswered)

		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(&next).Error; err != nil {
				return fmt.Errorf("failed to insert score record: %w", err)
			}
			return nil
		}

		err = tx.Model(&MatchScore{}).
			Where("match_id = ? AND user_id = ?", ev.MatchID, ev.UserID).
			Updates(map[string]any{
				"points":                 next.Points,
				"correct_count":          next.CorrectCount,
				"questions_answered":     next.QuestionsAnswered,
				"total_response_time_ms": next.TotalResponseTimeMs,
				"avg_response_ms":        next.AvgResponseMs,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to update score record: %w", err)
		}
		return nil
	})
}

// MatchScores serves late leaderboard reads after a hub has been evicted.
func (s *Store) MatchScores(ctx context.Context, matchID string) ([]storedScore, error) {
	var records []MatchScore
	err := s.db.WithContext(ctx).
		Where("match_id = ?", matchID).
		Order("points desc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch match scores: %w", err)
	}

	scores := make([]storedScore, 0, len(records))
	for _, rec := range records {
		name := anonymousName(rec.UserID)
		var user User
		if err := s.db.WithContext(ctx).Where("id = ?", rec.UserID).First(&user).Error; err == nil {
			name = user.Username
		}
		scores = append(scores, storedScore{
			UserID:            rec.UserID,
			Username:          name,
			Points:            rec.Points,
			CorrectCount:      rec.CorrectCount,
			QuestionsAnswered: rec.QuestionsAnswered,
		})
	}
	return scores, nil
}

func toTriviaQuestion(q Question, category, difficulty string) triviaQuestion {
	opts := make([]questionOption, 0, len(q.Options))
	for _, o := range q.Options {
		opts = append(opts, questionOption{Text: o.AnswerOption, Correct: o.IsCorrect})
	}
	return triviaQuestion{
		Prompt:     q.Prompt,
		Category:   category,
		Difficulty: difficulty,
		Options:    opts,
	}
}
