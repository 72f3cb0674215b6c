// internal/catalog/postgres.go
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/quizduel/internal/database"
	"github.com/jason-s-yu/quizduel/internal/models"
)

const quizColumns = `id, title, category, duration_sec, points_per_question, questions`

// PostgresCatalog reads quizzes from the quizzes table. Questions are stored as JSONB.
type PostgresCatalog struct {
	db database.Querier
}

func NewPostgresCatalog(db database.Querier) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

func scanQuiz(row pgx.Row) (*models.Quiz, error) {
	var (
		q           models.Quiz
		durationSec int
		questions   []byte
	)
	if err := row.Scan(&q.ID, &q.Title, &q.Category, &durationSec, &q.PointsPerQuestion, &questions); err != nil {
		return nil, err
	}
	q.Duration = time.Duration(durationSec) * time.Second
	if err := json.Unmarshal(questions, &q.Questions); err != nil {
		return nil, fmt.Errorf("failed to decode questions of quiz %s: %w", q.ID, err)
	}
	return &q, nil
}

func (c *PostgresCatalog) ListByCategory(ctx context.Context, category string) ([]*models.Quiz, error) {
	q := `SELECT ` + quizColumns + ` FROM quizzes WHERE category = $1 ORDER BY id`
	rows, err := c.db.Query(ctx, q, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list quizzes for %q: %w", category, err)
	}
	defer rows.Close()

	out := make([]*models.Quiz, 0)
	for rows.Next() {
		quiz, err := scanQuiz(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, quiz)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) Get(ctx context.Context, id string) (*models.Quiz, error) {
	q := `SELECT ` + quizColumns + ` FROM quizzes WHERE id = $1`
	quiz, err := scanQuiz(c.db.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNoQuiz
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load quiz %s: %w", id, err)
	}
	return quiz, nil
}

func (c *PostgresCatalog) Categories(ctx context.Context) ([]string, error) {
	rows, err := c.db.Query(ctx, `SELECT DISTINCT category FROM quizzes ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var cat string
		if err := rows.Scan(&cat); err != nil {
			return nil, err
		}
		out = append(out, cat)
	}
	return out, rows.Err()
}

// Upsert writes a quiz. Used by seeding tools; the duel core only reads.
func (c *PostgresCatalog) Upsert(ctx context.Context, quiz *models.Quiz) error {
	questions, err := json.Marshal(quiz.Questions)
	if err != nil {
		return fmt.Errorf("failed to encode questions: %w", err)
	}
	q := `
	INSERT INTO quizzes (` + quizColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE
	SET title = EXCLUDED.title, category = EXCLUDED.category, duration_sec = EXCLUDED.duration_sec,
	    points_per_question = EXCLUDED.points_per_question, questions = EXCLUDED.questions
	`
	_, err = c.db.Exec(ctx, q, quiz.ID, quiz.Title, quiz.Category,
		int(quiz.Duration/time.Second), quiz.PointsPerQuestion, questions)
	if err != nil {
		return fmt.Errorf("failed to upsert quiz %s: %w", quiz.ID, err)
	}
	return nil
}
