// internal/duel/blitz.go
package duel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/sirupsen/logrus"
)

// BlitzSession is a solo, unranked run through one quiz against the clock.
// Nothing it scores reaches the cumulative totals.
type BlitzSession struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Category string
	Quiz     *models.QuizSnapshot

	StartedAt time.Time
	Deadline  time.Time

	mu            sync.Mutex
	questionIndex int
	score         int
	finished      bool
	reason        models.FinishReason
}

// BlitzView is what the client renders for a blitz session.
type BlitzView struct {
	ID              uuid.UUID           `json:"id"`
	Category        string              `json:"category"`
	Score           int                 `json:"score"`
	QuestionIndex   int                 `json:"question_index"`
	QuestionCount   int                 `json:"question_count"`
	Question        *QuestionView       `json:"question,omitempty"`
	TimeRemainingMs int64               `json:"time_remaining_ms"`
	Finished        bool                `json:"finished"`
	FinishReason    models.FinishReason `json:"finish_reason,omitempty"`
}

// StartBlitz picks a random quiz in category and opens a blitz session for user.
func (c *Coordinator) StartBlitz(ctx context.Context, user *models.Profile, category string) (*BlitzSession, error) {
	if user.IsBlocked {
		return nil, fmt.Errorf("%w: blocked users cannot play", models.ErrForbidden)
	}
	quiz, err := c.pickQuiz(ctx, category, []uuid.UUID{user.UID})
	if err != nil {
		return nil, err
	}
	snap := quiz.Freeze()
	duration := snap.Duration
	if duration <= 0 {
		duration = c.DefaultDuration
	}
	now := c.Now()
	s := &BlitzSession{
		ID:        uuid.New(),
		UserID:    user.UID,
		Category:  category,
		Quiz:      snap,
		StartedAt: now,
		Deadline:  now.Add(duration),
	}

	c.blitzMu.Lock()
	c.blitz[s.ID] = s
	c.blitzMu.Unlock()

	c.Log.WithFields(logrus.Fields{"blitz": s.ID, "user": user.UID, "quiz": snap.QuizID}).Info("blitz started")
	return s, nil
}

// Blitz looks up a running session owned by userID.
func (c *Coordinator) Blitz(id, userID uuid.UUID) (*BlitzSession, error) {
	c.blitzMu.Lock()
	defer c.blitzMu.Unlock()
	s, ok := c.blitz[id]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	if s.UserID != userID {
		return nil, models.ErrForbidden
	}
	return s, nil
}

// EndBlitz forgets a session.
func (c *Coordinator) EndBlitz(id uuid.UUID) {
	c.blitzMu.Lock()
	defer c.blitzMu.Unlock()
	delete(c.blitz, id)
}

// blitzRetention is how long a session stays reachable after its deadline.
const blitzRetention = 10 * time.Minute

// evictBlitz forgets sessions whose deadline passed more than blitzRetention before now.
func (c *Coordinator) evictBlitz(now time.Time) int {
	c.blitzMu.Lock()
	defer c.blitzMu.Unlock()
	evicted := 0
	for id, s := range c.blitz {
		if now.Sub(s.Deadline) > blitzRetention {
			delete(c.blitz, id)
			evicted++
		}
	}
	return evicted
}

// finishIfDue closes the session when the deadline passed. Caller holds s.mu.
func (s *BlitzSession) finishIfDue(now time.Time) {
	if !s.finished && !now.Before(s.Deadline) {
		s.finished = true
		s.reason = models.FinishTimeout
	}
}

// Answer scores answer for questionIndex and moves on. It reports correctness.
func (s *BlitzSession) Answer(questionIndex, answer int, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finishIfDue(now)
	if s.finished {
		return false, models.ErrDuelFinished
	}
	if questionIndex != s.questionIndex {
		return false, models.ErrNotYourTurn
	}

	q := s.Quiz.Questions[s.questionIndex]
	correct := q.IsCorrect(answer)
	if correct {
		s.score += q.Points
	}
	s.questionIndex++
	if s.questionIndex >= len(s.Quiz.Questions) {
		s.finished = true
		s.reason = models.FinishExhausted
	}
	return correct, nil
}

// View projects the session at now.
func (s *BlitzSession) View(now time.Time) BlitzView {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finishIfDue(now)
	v := BlitzView{
		ID:            s.ID,
		Category:      s.Category,
		Score:         s.score,
		QuestionIndex: s.questionIndex,
		QuestionCount: len(s.Quiz.Questions),
		Finished:      s.finished,
		FinishReason:  s.reason,
	}
	if !s.finished {
		v.TimeRemainingMs = s.Deadline.Sub(now).Milliseconds()
		q := s.Quiz.Questions[s.questionIndex]
		v.Question = &QuestionView{ID: q.ID, Prompt: q.Prompt, Answers: append([]string(nil), q.Answers...), Points: q.Points}
	}
	return v
}
