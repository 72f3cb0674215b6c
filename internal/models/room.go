// internal/models/room.go
package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the seat count of a ranked duel room.
const DefaultCapacity = 2

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	StatusOpen     RoomStatus = "open"
	StatusInDuel   RoomStatus = "in_duel"
	StatusFinished RoomStatus = "finished"
)

// ReadyState is a participant's lobby readiness flag.
type ReadyState string

const (
	NotReady ReadyState = "not_ready"
	Ready    ReadyState = "ready"
)

// FinishReason records why a duel ended.
type FinishReason string

const (
	FinishExhausted FinishReason = "exhausted"
	FinishTimeout   FinishReason = "timeout"
	FinishForfeit   FinishReason = "forfeit"
)

// Participant is one seat in a room.
type Participant struct {
	DisplayName string     `json:"display_name"`
	PhotoRef    string     `json:"photo_ref,omitempty"`
	ReadyState  ReadyState `json:"ready_state"`
	Score       int        `json:"score"`
	JoinedAt    time.Time  `json:"joined_at"`
	// Left is set when the participant walked out of a running duel. The entry is
	// kept so the scoreboard can still be derived from the document.
	Left bool `json:"left,omitempty"`
}

// Room is the shared document for one duel: lobby, running duel and result.
type Room struct {
	ID                 uuid.UUID                  `json:"id"`
	HostUserID         uuid.UUID                  `json:"host_user_id"`
	Category           string                     `json:"category"`
	Capacity           int                        `json:"capacity"`
	Participants       map[uuid.UUID]*Participant `json:"participants"`
	RandomSearchActive bool                       `json:"random_search_active"`
	Status             RoomStatus                 `json:"status"`

	TurnUserID    uuid.UUID     `json:"turn_user_id"`
	QuestionIndex int           `json:"current_question_index"`
	Quiz          *QuizSnapshot `json:"quiz_snapshot,omitempty"`
	DuelStartedAt time.Time     `json:"duel_started_at"`
	DuelDeadline  time.Time     `json:"duel_deadline"`

	WinnerID     uuid.UUID    `json:"winner_id"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Settled      bool         `json:"settled"`

	CreatedAt time.Time `json:"created_at"`
	// Version increases by one on every committed write.
	Version int64 `json:"version"`
}

// NewRoom builds an open room with the host seated and not ready.
func NewRoom(category string, host *Profile, now time.Time) *Room {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Room{
		ID:         id,
		HostUserID: host.UID,
		Category:   category,
		Capacity:   DefaultCapacity,
		Participants: map[uuid.UUID]*Participant{
			host.UID: host.Seat(now),
		},
		Status:    StatusOpen,
		CreatedAt: now,
	}
}

// IsMember reports whether userID holds a seat.
func (r *Room) IsMember(userID uuid.UUID) bool {
	_, ok := r.Participants[userID]
	return ok
}

// IsFull reports whether every seat is taken.
func (r *Room) IsFull() bool {
	return len(r.Participants) >= r.Capacity
}

// HasSeatFor reports whether userID could sit in the room: already seated, or a free seat remains.
func (r *Room) HasSeatFor(userID uuid.UUID) bool {
	return r.IsMember(userID) || !r.IsFull()
}

// ParticipantIDs returns seat holders ordered by join time, ties broken by id.
func (r *Room) ParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.Participants))
	for id := range r.Participants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := r.Participants[ids[i]], r.Participants[ids[j]]
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return ids[i].String() < ids[j].String()
	})
	return ids
}

// Opponent returns the other seat holder for userID.
func (r *Room) Opponent(userID uuid.UUID) (uuid.UUID, bool) {
	for id := range r.Participants {
		if id != userID {
			return id, true
		}
	}
	return uuid.Nil, false
}

// QuestionCount is the number of questions in the frozen quiz.
func (r *Room) QuestionCount() int {
	if r.Quiz == nil {
		return 0
	}
	return len(r.Quiz.Questions)
}

// Exhausted reports whether every question has been answered.
func (r *Room) Exhausted() bool {
	return r.Quiz != nil && r.QuestionIndex >= len(r.Quiz.Questions)
}

// DeadlinePassed reports whether a running duel has reached its stored deadline.
func (r *Room) DeadlinePassed(now time.Time) bool {
	return r.Status == StatusInDuel && !r.DuelDeadline.IsZero() && !now.Before(r.DuelDeadline)
}

// Leader returns the participant with the strictly highest score, or uuid.Nil on a draw.
func (r *Room) Leader() uuid.UUID {
	best, bestScore, tie := uuid.Nil, 0, false
	for _, id := range r.ParticipantIDs() {
		p := r.Participants[id]
		switch {
		case best == uuid.Nil || p.Score > bestScore:
			best, bestScore, tie = id, p.Score, false
		case p.Score == bestScore:
			tie = true
		}
	}
	if tie {
		return uuid.Nil
	}
	return best
}

// Clone returns a deep copy so callers never share maps with a store.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Participants = make(map[uuid.UUID]*Participant, len(r.Participants))
	for id, p := range r.Participants {
		pc := *p
		cp.Participants[id] = &pc
	}
	if r.Quiz != nil {
		cp.Quiz = r.Quiz.Clone()
	}
	return &cp
}
