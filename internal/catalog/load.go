// internal/catalog/load.go
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jason-s-yu/quizduel/internal/models"
)

// quizDoc is the on-disk form of a quiz; durations are whole seconds.
type quizDoc struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	Category          string            `json:"category"`
	DurationSec       int               `json:"duration_sec"`
	PointsPerQuestion int               `json:"points_per_question"`
	Questions         []models.Question `json:"questions"`
}

// Load decodes a JSON array of quizzes and checks each one is playable.
func Load(r io.Reader) ([]*models.Quiz, error) {
	var docs []quizDoc
	if err := json.NewDecoder(r).Decode(&docs); err != nil {
		return nil, fmt.Errorf("failed to decode quizzes: %w", err)
	}

	out := make([]*models.Quiz, 0, len(docs))
	for i, d := range docs {
		if d.ID == "" || d.Category == "" {
			return nil, fmt.Errorf("quiz %d: id and category are required", i)
		}
		if len(d.Questions) == 0 {
			return nil, fmt.Errorf("quiz %s: no questions", d.ID)
		}
		for j, q := range d.Questions {
			if q.Correct < 0 || q.Correct >= len(q.Answers) {
				return nil, fmt.Errorf("quiz %s question %d: correct answer out of range", d.ID, j)
			}
		}
		out = append(out, &models.Quiz{
			ID:                d.ID,
			Title:             d.Title,
			Category:          d.Category,
			Duration:          time.Duration(d.DurationSec) * time.Second,
			PointsPerQuestion: d.PointsPerQuestion,
			Questions:         d.Questions,
		})
	}
	return out, nil
}

func LoadFile(path string) ([]*models.Quiz, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open quiz file: %w", err)
	}
	defer f.Close()
	return Load(f)
}
