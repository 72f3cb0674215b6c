// internal/store/store.go
package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
)

// RoomStore is the shared document store holding rooms. It offers no multi-document
// transactions; every mutation goes through Apply, which checks a Condition and writes
// only the fields named by a Patch in one atomic step.
type RoomStore interface {
	Create(ctx context.Context, room *models.Room) error
	Get(ctx context.Context, id uuid.UUID) (*models.Room, error)
	Apply(ctx context.Context, id uuid.UUID, cond Condition, patch Patch) (*models.Room, error)
	// Delete removes the room if cond still holds. A failed condition leaves it alone.
	Delete(ctx context.Context, id uuid.UUID, cond Condition) error
	List(ctx context.Context, filter RoomFilter) ([]*models.Room, error)
	Watch(ctx context.Context, id uuid.UUID) (*Subscription, error)
}

// TicketStore holds readiness tickets for the random matchmaking pool.
type TicketStore interface {
	Put(ctx context.Context, t *models.ReadinessTicket) error
	Get(ctx context.Context, userID uuid.UUID) (*models.ReadinessTicket, error)
	ListReady(ctx context.Context, category string) ([]*models.ReadinessTicket, error)
	// Pair claims both tickets for roomID. It fails with ErrStaleWrite unless both are
	// still available in the same category.
	Pair(ctx context.Context, a, b uuid.UUID, roomID uuid.UUID) error
	// Unpair puts back tickets that are still claimed for roomID.
	Unpair(ctx context.Context, a, b uuid.UUID, roomID uuid.UUID) error
	// Withdraw removes the ticket only if nobody has claimed it yet.
	Withdraw(ctx context.Context, userID uuid.UUID) (bool, error)
	Clear(ctx context.Context, userID uuid.UUID) error
}

// RoomFilter narrows List. Zero fields do not filter.
type RoomFilter struct {
	Category      string
	SearchActive  *bool
	Status        []models.RoomStatus
	CreatedBefore time.Time
}

// Match reports whether room passes the filter.
func (f RoomFilter) Match(r *models.Room) bool {
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.SearchActive != nil && r.RandomSearchActive != *f.SearchActive {
		return false
	}
	if len(f.Status) > 0 && !slices.Contains(f.Status, r.Status) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// Condition guards an Apply. Nil and zero fields are not checked.
type Condition struct {
	Version            *int64
	Status             []models.RoomStatus
	RandomSearchActive *bool
	TurnUserID         *uuid.UUID
	QuestionIndex      *int
	Settled            *bool
	// Member must already hold a seat.
	Member uuid.UUID
	// Seat must either hold a seat or find a free one.
	Seat uuid.UUID
}

func stale(field string) error {
	return fmt.Errorf("%w: %s changed", models.ErrStaleWrite, field)
}

// Check evaluates the condition against the current document.
func (c Condition) Check(r *models.Room) error {
	if c.Seat != uuid.Nil && !r.HasSeatFor(c.Seat) {
		return models.ErrRoomFull
	}
	if c.Version != nil && r.Version != *c.Version {
		return stale("version")
	}
	if len(c.Status) > 0 && !slices.Contains(c.Status, r.Status) {
		return stale("status")
	}
	if c.RandomSearchActive != nil && r.RandomSearchActive != *c.RandomSearchActive {
		return stale("random_search_active")
	}
	if c.TurnUserID != nil && r.TurnUserID != *c.TurnUserID {
		return stale("turn_user_id")
	}
	if c.QuestionIndex != nil && r.QuestionIndex != *c.QuestionIndex {
		return stale("current_question_index")
	}
	if c.Settled != nil && r.Settled != *c.Settled {
		return stale("settled")
	}
	if c.Member != uuid.Nil && !r.IsMember(c.Member) {
		return stale("participants")
	}
	return nil
}

// Patch is a field-scoped change. Only non-nil fields and the listed participants are written.
type Patch struct {
	Status             *models.RoomStatus
	RandomSearchActive *bool
	TurnUserID         *uuid.UUID
	QuestionIndex      *int
	Quiz               *models.QuizSnapshot
	DuelStartedAt      *time.Time
	DuelDeadline       *time.Time
	WinnerID           *uuid.UUID
	FinishReason       *models.FinishReason
	Settled            *bool

	// Join seats participants. An existing entry only has its display fields refreshed.
	Join        map[uuid.UUID]*models.Participant
	Ready       map[uuid.UUID]models.ReadyState
	ScoreDelta  map[uuid.UUID]int
	ResetScores bool
	MarkLeft    []uuid.UUID
	Remove      []uuid.UUID
}

// ApplyTo mutates r in place and returns the participants whose entries changed.
// The version is left to the store.
func (p *Patch) ApplyTo(r *models.Room) (touched []uuid.UUID) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.RandomSearchActive != nil {
		r.RandomSearchActive = *p.RandomSearchActive
	}
	if p.TurnUserID != nil {
		r.TurnUserID = *p.TurnUserID
	}
	if p.QuestionIndex != nil {
		r.QuestionIndex = *p.QuestionIndex
	}
	if p.Quiz != nil {
		r.Quiz = p.Quiz.Clone()
	}
	if p.DuelStartedAt != nil {
		r.DuelStartedAt = *p.DuelStartedAt
	}
	if p.DuelDeadline != nil {
		r.DuelDeadline = *p.DuelDeadline
	}
	if p.WinnerID != nil {
		r.WinnerID = *p.WinnerID
	}
	if p.FinishReason != nil {
		r.FinishReason = *p.FinishReason
	}
	if p.Settled != nil {
		r.Settled = *p.Settled
	}

	seen := make(map[uuid.UUID]bool)
	touch := func(id uuid.UUID) {
		if !seen[id] {
			seen[id] = true
			touched = append(touched, id)
		}
	}

	for id, np := range p.Join {
		if cur, ok := r.Participants[id]; ok {
			cur.DisplayName = np.DisplayName
			cur.PhotoRef = np.PhotoRef
		} else {
			cp := *np
			r.Participants[id] = &cp
		}
		touch(id)
	}
	if p.ResetScores {
		for id, cur := range r.Participants {
			cur.Score = 0
			touch(id)
		}
	}
	for id, state := range p.Ready {
		if cur, ok := r.Participants[id]; ok {
			cur.ReadyState = state
			touch(id)
		}
	}
	for id, delta := range p.ScoreDelta {
		if cur, ok := r.Participants[id]; ok {
			cur.Score += delta
			touch(id)
		}
	}
	for _, id := range p.MarkLeft {
		if cur, ok := r.Participants[id]; ok {
			cur.Left = true
			touch(id)
		}
	}
	for _, id := range p.Remove {
		delete(r.Participants, id)
	}
	return touched
}

// Ptr returns a pointer to v, for filling Condition and Patch fields.
func Ptr[T any](v T) *T {
	return &v
}

// RoomEvent is one delivery on a room subscription.
type RoomEvent struct {
	Room    *models.Room
	Deleted bool
}

// Subscription is an open watch on a room. The owner must Close it.
// C carries the latest state; intermediate versions may be skipped.
type Subscription struct {
	C <-chan RoomEvent

	once   sync.Once
	cancel func()
}

func newSubscription(c <-chan RoomEvent, cancel func()) *Subscription {
	return &Subscription{C: c, cancel: cancel}
}

// Close detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// offerLatest delivers ev on a buffered channel of size one, replacing an undelivered
// older event. Only one goroutine may send on ch.
func offerLatest(ch chan RoomEvent, ev RoomEvent) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- ev
}
