// internal/store/tickets_memory.go
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
)

// MemoryTicketStore is the in-process readiness pool.
type MemoryTicketStore struct {
	mu      sync.Mutex
	tickets map[uuid.UUID]*models.ReadinessTicket
}

func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{tickets: make(map[uuid.UUID]*models.ReadinessTicket)}
}

func (s *MemoryTicketStore) Put(_ context.Context, t *models.ReadinessTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.tickets[t.UserID] = &cp
	return nil
}

func (s *MemoryTicketStore) Get(_ context.Context, userID uuid.UUID) (*models.ReadinessTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[userID]
	if !ok {
		return nil, models.ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryTicketStore) ListReady(_ context.Context, category string) ([]*models.ReadinessTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.ReadinessTicket, 0)
	for _, t := range s.tickets {
		if t.Available(category) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	return out, nil
}

func (s *MemoryTicketStore) Pair(_ context.Context, a, b uuid.UUID, roomID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ta, tb := s.tickets[a], s.tickets[b]
	if ta == nil || tb == nil {
		return fmt.Errorf("%w: ticket missing", models.ErrStaleWrite)
	}
	if !ta.Available(ta.ReadyCategory) || !tb.Available(ta.ReadyCategory) {
		return fmt.Errorf("%w: ticket already claimed", models.ErrStaleWrite)
	}
	now := time.Now()
	for _, t := range []*models.ReadinessTicket{ta, tb} {
		t.IsReadyForBattle = false
		t.MatchedRoomID = roomID
		t.UpdatedAt = now
	}
	return nil
}

func (s *MemoryTicketStore) Unpair(_ context.Context, a, b uuid.UUID, roomID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, id := range []uuid.UUID{a, b} {
		if t := s.tickets[id]; t != nil && t.MatchedRoomID == roomID {
			t.IsReadyForBattle = true
			t.MatchedRoomID = uuid.Nil
			t.UpdatedAt = now
		}
	}
	return nil
}

func (s *MemoryTicketStore) Withdraw(_ context.Context, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[userID]
	if !ok || !t.Available(t.ReadyCategory) {
		return false, nil
	}
	delete(s.tickets, userID)
	return true, nil
}

func (s *MemoryTicketStore) Clear(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tickets, userID)
	return nil
}
