// internal/models/quiz.go
package models

import "time"

// Question is a single multiple choice item. Correct indexes into Answers.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Answers []string `json:"answers"`
	Correct int      `json:"correct"`
	Points  int      `json:"points"`
}

// IsCorrect reports whether answer is the right choice.
func (q Question) IsCorrect(answer int) bool {
	return answer == q.Correct
}

// Quiz is a catalog entry.
type Quiz struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	Category          string        `json:"category"`
	Duration          time.Duration `json:"duration"`
	PointsPerQuestion int           `json:"points_per_question"`
	Questions         []Question    `json:"questions"`
}

// QuizSnapshot is the quiz as it was frozen at duel start. Catalog edits never touch it.
type QuizSnapshot struct {
	QuizID    string        `json:"quiz_id"`
	Title     string        `json:"title"`
	Category  string        `json:"category"`
	Duration  time.Duration `json:"duration"`
	Questions []Question    `json:"questions"`
}

// Freeze copies the quiz into a snapshot, filling per-question points from the quiz default.
func (q *Quiz) Freeze() *QuizSnapshot {
	snap := &QuizSnapshot{
		QuizID:    q.ID,
		Title:     q.Title,
		Category:  q.Category,
		Duration:  q.Duration,
		Questions: make([]Question, len(q.Questions)),
	}
	for i, question := range q.Questions {
		question.Answers = append([]string(nil), question.Answers...)
		if question.Points == 0 {
			question.Points = q.PointsPerQuestion
		}
		snap.Questions[i] = question
	}
	return snap
}

// Clone deep copies the snapshot.
func (s *QuizSnapshot) Clone() *QuizSnapshot {
	cp := *s
	cp.Questions = make([]Question, len(s.Questions))
	for i, q := range s.Questions {
		q.Answers = append([]string(nil), q.Answers...)
		cp.Questions[i] = q
	}
	return &cp
}

// TotalPoints is the best score reachable on the snapshot.
func (s *QuizSnapshot) TotalPoints() int {
	total := 0
	for _, q := range s.Questions {
		total += q.Points
	}
	return total
}
