// internal/profile/memory.go
package profile

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
)

type ledgerKey struct {
	room uuid.UUID
	user uuid.UUID
}

type playedQuiz struct {
	category string
	score    int
}

// MemoryStore keeps profiles and the ledger in process.
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]*models.Profile
	ledger   map[ledgerKey]int
	played   map[uuid.UUID]map[string]playedQuiz
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[uuid.UUID]*models.Profile),
		ledger:   make(map[ledgerKey]int),
		played:   make(map[uuid.UUID]map[string]playedQuiz),
	}
}

// Upsert stores a copy of p.
func (s *MemoryStore) Upsert(p *models.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.profiles[p.UID] = &cp
}

// UpsertProfile refreshes the display fields of p, keeping any points already earned.
func (s *MemoryStore) UpsertProfile(_ context.Context, p *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	if prev, ok := s.profiles[p.UID]; ok {
		cp.GlobalPoints = prev.GlobalPoints
	} else {
		cp.GlobalPoints = 0
	}
	s.profiles[p.UID] = &cp
	return nil
}

func (s *MemoryStore) GetProfile(_ context.Context, uid uuid.UUID) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[uid]
	if !ok {
		return nil, models.ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) CreditDuel(_ context.Context, st Settlement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ledgerKey{room: st.RoomID, user: st.UserID}
	if _, done := s.ledger[key]; done {
		return false, nil
	}
	p, ok := s.profiles[st.UserID]
	if !ok {
		return false, models.ErrProfileNotFound
	}
	s.ledger[key] = st.Points
	p.GlobalPoints += int64(st.Points)

	if st.QuizID != "" {
		if s.played[st.UserID] == nil {
			s.played[st.UserID] = make(map[string]playedQuiz)
		}
		if prev, seen := s.played[st.UserID][st.QuizID]; !seen || st.Points > prev.score {
			s.played[st.UserID][st.QuizID] = playedQuiz{category: st.Category, score: st.Points}
		}
	}
	return true, nil
}

func (s *MemoryStore) PlayedQuizzes(_ context.Context, uids []uuid.UUID, category string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, uid := range uids {
		for quizID, pq := range s.played[uid] {
			if pq.category == category {
				seen[quizID] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
