// internal/catalog/memory.go
package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/jason-s-yu/quizduel/internal/models"
)

type MemoryCatalog struct {
	mu      sync.RWMutex
	quizzes map[string]*models.Quiz
}

func NewMemoryCatalog(quizzes ...*models.Quiz) *MemoryCatalog {
	c := &MemoryCatalog{quizzes: make(map[string]*models.Quiz)}
	for _, q := range quizzes {
		c.Add(q)
	}
	return c
}

func (c *MemoryCatalog) Add(q *models.Quiz) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quizzes[q.ID] = q
}

func (c *MemoryCatalog) ListByCategory(_ context.Context, category string) ([]*models.Quiz, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*models.Quiz, 0)
	for _, q := range c.quizzes {
		if q.Category == category {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *MemoryCatalog) Get(_ context.Context, id string) (*models.Quiz, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quizzes[id]
	if !ok {
		return nil, models.ErrNoQuiz
	}
	return q, nil
}

func (c *MemoryCatalog) Categories(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	for _, q := range c.quizzes {
		seen[q.Category] = true
	}
	out := make([]string, 0, len(seen))
	for cat := range seen {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out, nil
}
