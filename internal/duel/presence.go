// internal/duel/presence.go
package duel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/jason-s-yu/quizduel/internal/store"
	"github.com/sirupsen/logrus"
)

// SetReady flips one participant's readiness. Only that participant's entry is written,
// so a concurrent flip by the other participant is never reverted.
func (r *Registry) SetReady(ctx context.Context, roomID, userID uuid.UUID, ready bool) (*models.Room, error) {
	state := models.NotReady
	if ready {
		state = models.Ready
	}
	updated, err := r.Rooms.Apply(ctx, roomID,
		store.Condition{Status: []models.RoomStatus{models.StatusOpen}, Member: userID},
		store.Patch{Ready: map[uuid.UUID]models.ReadyState{userID: state}})
	if errors.Is(err, models.ErrStaleWrite) {
		room, gerr := r.Rooms.Get(ctx, roomID)
		if gerr != nil {
			return nil, gerr
		}
		if !room.IsMember(userID) {
			return nil, fmt.Errorf("%w: not a participant", models.ErrForbidden)
		}
		return nil, fmt.Errorf("%w: room is %s", models.ErrForbidden, room.Status)
	}
	if err != nil {
		return nil, err
	}
	r.Log.WithFields(logrus.Fields{"room": roomID, "user": userID, "ready": ready}).Debug("ready state changed")
	return updated, nil
}

// AllReady reports whether every seat is taken and every participant is ready.
func AllReady(room *models.Room) bool {
	if len(room.Participants) != room.Capacity {
		return false
	}
	for _, p := range room.Participants {
		if p.ReadyState != models.Ready {
			return false
		}
	}
	return true
}
