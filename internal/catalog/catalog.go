// internal/catalog/catalog.go
package catalog

import (
	"context"
	"math/rand"
	"slices"

	"github.com/jason-s-yu/quizduel/internal/models"
)

// Catalog is the read-only quiz source.
type Catalog interface {
	ListByCategory(ctx context.Context, category string) ([]*models.Quiz, error)
	Get(ctx context.Context, id string) (*models.Quiz, error)
	Categories(ctx context.Context) ([]string, error)
}

// Pick chooses a quiz uniformly at random, preferring ones whose id is not in exclude.
// When every quiz is excluded the whole list is used again.
func Pick(quizzes []*models.Quiz, exclude []string, rng *rand.Rand) (*models.Quiz, error) {
	if len(quizzes) == 0 {
		return nil, models.ErrNoQuiz
	}
	fresh := make([]*models.Quiz, 0, len(quizzes))
	for _, q := range quizzes {
		if len(q.Questions) > 0 && !slices.Contains(exclude, q.ID) {
			fresh = append(fresh, q)
		}
	}
	if len(fresh) == 0 {
		for _, q := range quizzes {
			if len(q.Questions) > 0 {
				fresh = append(fresh, q)
			}
		}
	}
	if len(fresh) == 0 {
		return nil, models.ErrNoQuiz
	}
	return fresh[rng.Intn(len(fresh))], nil
}
