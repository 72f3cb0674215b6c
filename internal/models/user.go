// internal/models/user.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Profile is what the identity collaborator knows about a user.
type Profile struct {
	UID          uuid.UUID `json:"uid"`
	DisplayName  string    `json:"display_name"`
	PhotoRef     string    `json:"photo_ref,omitempty"`
	IsBlocked    bool      `json:"is_blocked"`
	GlobalPoints int64     `json:"global_points"`
}

// Seat builds the participant entry for this profile.
func (p *Profile) Seat(now time.Time) *Participant {
	return &Participant{
		DisplayName: p.DisplayName,
		PhotoRef:    p.PhotoRef,
		ReadyState:  NotReady,
		JoinedAt:    now,
	}
}

// ReadinessTicket places a user in the random matchmaking pool.
type ReadinessTicket struct {
	UserID           uuid.UUID `json:"user_id"`
	IsReadyForBattle bool      `json:"is_ready_for_battle"`
	ReadyCategory    string    `json:"ready_category"`
	// HostRoomID is set when the ticket belongs to a host searching from their own room.
	HostRoomID uuid.UUID `json:"host_room_id"`
	// MatchedRoomID is set once a pairing has claimed the ticket.
	MatchedRoomID uuid.UUID `json:"matched_room_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Available reports whether the ticket can still be paired for category.
func (t *ReadinessTicket) Available(category string) bool {
	return t.IsReadyForBattle && t.MatchedRoomID == uuid.Nil && t.ReadyCategory == category
}
