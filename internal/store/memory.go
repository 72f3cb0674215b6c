// internal/store/memory.go
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
)

// MemoryRoomStore keeps rooms in process. It gives the same conditional-write and
// watch guarantees as the Redis store and backs tests and single-node runs.
type MemoryRoomStore struct {
	mu       sync.Mutex
	rooms    map[uuid.UUID]*models.Room
	watchers map[uuid.UUID]map[*memWatcher]struct{}
}

type memWatcher struct {
	ch chan RoomEvent
}

// NewMemoryRoomStore creates an empty store.
func NewMemoryRoomStore() *MemoryRoomStore {
	return &MemoryRoomStore{
		rooms:    make(map[uuid.UUID]*models.Room),
		watchers: make(map[uuid.UUID]map[*memWatcher]struct{}),
	}
}

func (s *MemoryRoomStore) Create(_ context.Context, room *models.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room.ID]; exists {
		return fmt.Errorf("room %s already exists", room.ID)
	}
	cp := room.Clone()
	if cp.Version == 0 {
		cp.Version = 1
	}
	room.Version = cp.Version
	s.rooms[room.ID] = cp
	s.notifyUnsafe(room.ID, RoomEvent{Room: cp.Clone()})
	return nil
}

func (s *MemoryRoomStore) Get(_ context.Context, id uuid.UUID) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryRoomStore) Apply(_ context.Context, id uuid.UUID, cond Condition, patch Patch) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	if err := cond.Check(r); err != nil {
		return nil, err
	}
	next := r.Clone()
	patch.ApplyTo(next)
	next.Version++
	s.rooms[id] = next
	s.notifyUnsafe(id, RoomEvent{Room: next.Clone()})
	return next.Clone(), nil
}

func (s *MemoryRoomStore) Delete(_ context.Context, id uuid.UUID, cond Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return models.ErrRoomNotFound
	}
	if err := cond.Check(r); err != nil {
		return err
	}
	delete(s.rooms, id)
	s.notifyUnsafe(id, RoomEvent{Deleted: true})
	return nil
}

func (s *MemoryRoomStore) List(_ context.Context, filter RoomFilter) ([]*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Room, 0)
	for _, r := range s.rooms {
		if filter.Match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Watch delivers the current document immediately, then every later change.
func (s *MemoryRoomStore) Watch(_ context.Context, id uuid.UUID) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	w := &memWatcher{ch: make(chan RoomEvent, 1)}
	if s.watchers[id] == nil {
		s.watchers[id] = make(map[*memWatcher]struct{})
	}
	s.watchers[id][w] = struct{}{}
	w.ch <- RoomEvent{Room: r.Clone()}

	return newSubscription(w.ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if set, ok := s.watchers[id]; ok {
			if _, ok := set[w]; ok {
				delete(set, w)
				close(w.ch)
			}
			if len(set) == 0 {
				delete(s.watchers, id)
			}
		}
	}), nil
}

// notifyUnsafe assumes s.mu is held.
func (s *MemoryRoomStore) notifyUnsafe(id uuid.UUID, ev RoomEvent) {
	for w := range s.watchers[id] {
		offerLatest(w.ch, ev)
	}
	if ev.Deleted {
		for w := range s.watchers[id] {
			close(w.ch)
		}
		delete(s.watchers, id)
	}
}
