// internal/duel/coordinator.go
package duel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/cache"
	"github.com/jason-s-yu/quizduel/internal/catalog"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/jason-s-yu/quizduel/internal/profile"
	"github.com/jason-s-yu/quizduel/internal/store"
	"github.com/sirupsen/logrus"
)

// Coordinator runs the duel state machine on top of the registry.
type Coordinator struct {
	*Registry
	Catalog  catalog.Catalog
	Profiles profile.Store
	// DefaultDuration applies when a quiz declares no duration.
	DefaultDuration time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	blitzMu sync.Mutex
	blitz   map[uuid.UUID]*BlitzSession
}

// AnswerResult describes an accepted answer.
type AnswerResult struct {
	Correct bool         `json:"correct"`
	Points  int          `json:"points"`
	Room    *models.Room `json:"-"`
}

// NewCoordinator wires the coordinator and registers it as the registry's settler.
func NewCoordinator(reg *Registry, quizzes catalog.Catalog, profiles profile.Store, defaultDuration time.Duration) *Coordinator {
	c := &Coordinator{
		Registry:        reg,
		Catalog:         quizzes,
		Profiles:        profiles,
		DefaultDuration: defaultDuration,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		blitz:           make(map[uuid.UUID]*BlitzSession),
	}
	reg.Settler = c
	return c
}

// SetRand replaces the random source used for quiz selection.
func (c *Coordinator) SetRand(rng *rand.Rand) {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	c.rng = rng
}

// pickQuiz selects a quiz in category that none of uids has played yet.
func (c *Coordinator) pickQuiz(ctx context.Context, category string, uids []uuid.UUID) (*models.Quiz, error) {
	quizzes, err := c.Catalog.ListByCategory(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list quizzes: %w", err)
	}
	var played []string
	if c.Profiles != nil {
		played, err = c.Profiles.PlayedQuizzes(ctx, uids, category)
		if err != nil {
			return nil, fmt.Errorf("failed to load played quizzes: %w", err)
		}
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return catalog.Pick(quizzes, played, c.rng)
}

// StartDuel moves an open, all-ready room into a duel. Only the host may call it.
func (c *Coordinator) StartDuel(ctx context.Context, roomID, by uuid.UUID) (*models.Room, error) {
	room, err := c.Rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	switch room.Status {
	case models.StatusFinished:
		return nil, models.ErrDuelFinished
	case models.StatusInDuel:
		return nil, fmt.Errorf("%w: duel already running", models.ErrStaleWrite)
	}
	if by != room.HostUserID {
		return nil, fmt.Errorf("%w: only the host can start the duel", models.ErrForbidden)
	}
	if !AllReady(room) {
		return nil, fmt.Errorf("%w: not every participant is ready", models.ErrForbidden)
	}

	quiz, err := c.pickQuiz(ctx, room.Category, room.ParticipantIDs())
	if err != nil {
		return nil, err
	}
	snap := quiz.Freeze()
	duration := snap.Duration
	if duration <= 0 {
		duration = c.DefaultDuration
	}

	now := c.Now()
	updated, err := c.Rooms.Apply(ctx, roomID,
		store.Condition{Version: store.Ptr(room.Version), Status: []models.RoomStatus{models.StatusOpen}},
		store.Patch{
			Status:             store.Ptr(models.StatusInDuel),
			Quiz:               snap,
			QuestionIndex:      store.Ptr(0),
			TurnUserID:         store.Ptr(room.HostUserID),
			ResetScores:        true,
			RandomSearchActive: store.Ptr(false),
			DuelStartedAt:      store.Ptr(now),
			DuelDeadline:       store.Ptr(now.Add(duration)),
			WinnerID:           store.Ptr(uuid.Nil),
			Settled:            store.Ptr(false),
		})
	if err != nil {
		return nil, err
	}

	c.Log.WithFields(logrus.Fields{"room": roomID, "quiz": snap.QuizID, "questions": len(snap.Questions)}).Info("duel started")
	c.logAction(updated, by, cache.ActionDuelStart, map[string]interface{}{
		"quiz_id":   snap.QuizID,
		"questions": len(snap.Questions),
		"deadline":  updated.DuelDeadline.UnixMilli(),
	})
	return updated, nil
}

// checkAnswer classifies why by cannot answer questionIndex on room right now.
// A passed deadline is completed on the way.
func (c *Coordinator) checkAnswer(ctx context.Context, room *models.Room, by uuid.UUID, questionIndex int, now time.Time) error {
	switch {
	case room.Status == models.StatusFinished:
		return models.ErrDuelFinished
	case room.Status != models.StatusInDuel:
		return fmt.Errorf("%w: duel has not started", models.ErrForbidden)
	case room.DeadlinePassed(now):
		if _, err := c.Expire(ctx, room.ID); err != nil {
			c.Log.WithError(err).Warnf("failed to expire room %s", room.ID)
		}
		return models.ErrDuelFinished
	case !room.IsMember(by):
		return fmt.Errorf("%w: not a participant", models.ErrForbidden)
	case room.TurnUserID != by:
		return models.ErrNotYourTurn
	case room.Exhausted():
		return models.ErrDuelFinished
	case questionIndex != room.QuestionIndex:
		return models.ErrNotYourTurn
	}
	return nil
}

// SubmitAnswer scores by's answer to questionIndex. The score delta, the index advance
// and the turn flip are one conditional write keyed on the expected turn and index.
func (c *Coordinator) SubmitAnswer(ctx context.Context, roomID, by uuid.UUID, questionIndex, answer int) (*AnswerResult, error) {
	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		room, err := c.Rooms.Get(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if err := c.checkAnswer(ctx, room, by, questionIndex, c.Now()); err != nil {
			return nil, err
		}

		question := room.Quiz.Questions[room.QuestionIndex]
		result := &AnswerResult{Correct: question.IsCorrect(answer)}
		if result.Correct {
			result.Points = question.Points
		}
		next, _ := room.Opponent(by)
		nextIndex := room.QuestionIndex + 1

		patch := store.Patch{
			ScoreDelta:    map[uuid.UUID]int{by: result.Points},
			QuestionIndex: store.Ptr(nextIndex),
			TurnUserID:    store.Ptr(next),
		}
		if nextIndex >= room.QuestionCount() {
			final := room.Clone()
			final.Participants[by].Score += result.Points
			patch.Status = store.Ptr(models.StatusFinished)
			patch.WinnerID = store.Ptr(final.Leader())
			patch.FinishReason = store.Ptr(models.FinishExhausted)
		}

		updated, err := c.Rooms.Apply(ctx, roomID, store.Condition{
			Status:        []models.RoomStatus{models.StatusInDuel},
			TurnUserID:    store.Ptr(by),
			QuestionIndex: store.Ptr(room.QuestionIndex),
		}, patch)
		if errors.Is(err, models.ErrStaleWrite) {
			continue
		}
		if err != nil {
			return nil, err
		}

		result.Room = updated
		c.logAction(updated, by, cache.ActionDuelAnswer, map[string]interface{}{
			"question_index": room.QuestionIndex,
			"answer":         answer,
			"correct":        result.Correct,
			"points":         result.Points,
		})
		if updated.Status == models.StatusFinished {
			c.logFinish(updated, by)
		}
		return result, nil
	}
	return nil, fmt.Errorf("%w: room %s kept changing", models.ErrStaleWrite, roomID)
}

// Expire finishes a duel whose stored deadline has passed. Any observer may call it;
// it reports whether this call made the transition.
func (c *Coordinator) Expire(ctx context.Context, roomID uuid.UUID) (bool, error) {
	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		room, err := c.Rooms.Get(ctx, roomID)
		if err != nil {
			return false, err
		}
		if !room.DeadlinePassed(c.Now()) {
			return false, nil
		}
		updated, err := c.Rooms.Apply(ctx, roomID,
			store.Condition{Version: store.Ptr(room.Version), Status: []models.RoomStatus{models.StatusInDuel}},
			store.Patch{
				Status:       store.Ptr(models.StatusFinished),
				WinnerID:     store.Ptr(room.Leader()),
				FinishReason: store.Ptr(models.FinishTimeout),
			})
		if errors.Is(err, models.ErrStaleWrite) {
			continue
		}
		if err != nil {
			return false, err
		}
		c.Log.WithFields(logrus.Fields{"room": roomID, "question_index": updated.QuestionIndex}).Info("duel expired")
		c.logFinish(updated, uuid.Nil)
		return true, nil
	}
	return false, fmt.Errorf("%w: room %s kept changing", models.ErrStaleWrite, roomID)
}

// Forfeit ends a running duel because leaver walked out. The other participant wins.
func (r *Registry) Forfeit(ctx context.Context, roomID, leaver uuid.UUID) error {
	room, err := r.Rooms.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.IsMember(leaver) {
		return fmt.Errorf("%w: not a participant", models.ErrForbidden)
	}
	switch room.Status {
	case models.StatusFinished:
		return nil
	case models.StatusOpen:
		return fmt.Errorf("%w: no duel is running", models.ErrForbidden)
	}

	winner, _ := room.Opponent(leaver)
	updated, err := r.Rooms.Apply(ctx, roomID,
		store.Condition{Status: []models.RoomStatus{models.StatusInDuel}},
		store.Patch{
			Status:       store.Ptr(models.StatusFinished),
			WinnerID:     store.Ptr(winner),
			FinishReason: store.Ptr(models.FinishForfeit),
			MarkLeft:     []uuid.UUID{leaver},
		})
	if errors.Is(err, models.ErrStaleWrite) {
		// finished by someone else in the meantime
		return nil
	}
	if err != nil {
		return err
	}
	r.Log.WithFields(logrus.Fields{"room": roomID, "leaver": leaver, "winner": winner}).Info("duel forfeited")
	r.logFinish(updated, leaver)
	return nil
}

func (r *Registry) logFinish(room *models.Room, actor uuid.UUID) {
	scores := make(map[string]int, len(room.Participants))
	for id, p := range room.Participants {
		scores[id.String()] = p.Score
	}
	r.logAction(room, actor, cache.ActionDuelFinish, map[string]interface{}{
		"winner": room.WinnerID.String(),
		"reason": string(room.FinishReason),
		"scores": scores,
	})
}
