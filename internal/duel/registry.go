// internal/duel/registry.go
package duel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/cache"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/jason-s-yu/quizduel/internal/store"
	"github.com/sirupsen/logrus"
)

// maxStaleRetries bounds how often an operation re-reads the room after losing a
// conditional write before giving up with ErrStaleWrite.
const maxStaleRetries = 5

// ActionRecorder receives accepted duel transitions. *cache.ActionLog implements it.
type ActionRecorder interface {
	Publish(ctx context.Context, record cache.DuelActionRecord) error
}

// Settler credits a finished room before it is torn down.
type Settler interface {
	Settle(ctx context.Context, roomID uuid.UUID) (*SettleReport, error)
}

// Registry owns the room lifecycle: create, join, leave, delete and watch.
type Registry struct {
	Rooms store.RoomStore
	Log   logrus.FieldLogger

	// Actions is optional. When set, every accepted transition is pushed to it.
	Actions ActionRecorder
	// Settler is consulted before a finished, unsettled room is removed.
	Settler Settler
	// Tickets is optional. When set, a join that fills a room withdraws the host's
	// room-search ticket so no other search can pull the host away.
	Tickets store.TicketStore
	Now     func() time.Time
}

func NewRegistry(rooms store.RoomStore, logger logrus.FieldLogger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{Rooms: rooms, Log: logger, Now: time.Now}
}

// CreateRoom opens a room in category with host seated and not ready.
func (r *Registry) CreateRoom(ctx context.Context, category string, host *models.Profile) (uuid.UUID, error) {
	if host.IsBlocked {
		return uuid.Nil, fmt.Errorf("%w: blocked users cannot create rooms", models.ErrForbidden)
	}
	if category == "" {
		return uuid.Nil, errors.New("category is required")
	}
	room := models.NewRoom(category, host, r.Now())
	if err := r.Rooms.Create(ctx, room); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create room: %w", err)
	}
	r.Log.WithFields(logrus.Fields{"room": room.ID, "host": host.UID, "category": category}).Info("room created")
	return room.ID, nil
}

type joinOptions struct {
	requireSearch bool
}

// JoinOption adjusts JoinRoom.
type JoinOption func(*joinOptions)

// RequireSearchActive makes the join succeed only while the room is searching for a
// random opponent, and clears the search flag in the same write.
func RequireSearchActive() JoinOption {
	return func(o *joinOptions) { o.requireSearch = true }
}

// JoinRoom seats user in the room. Joining a room one already sits in is a no-op.
func (r *Registry) JoinRoom(ctx context.Context, roomID uuid.UUID, user *models.Profile, opts ...JoinOption) error {
	var o joinOptions
	for _, opt := range opts {
		opt(&o)
	}
	if user.IsBlocked {
		return fmt.Errorf("%w: blocked users cannot join rooms", models.ErrForbidden)
	}

	room, err := r.Rooms.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if room.IsMember(user.UID) && !o.requireSearch {
		return nil
	}
	if room.Status != models.StatusOpen {
		return fmt.Errorf("%w: room is %s", models.ErrRoomFull, room.Status)
	}

	cond := store.Condition{Seat: user.UID, Status: []models.RoomStatus{models.StatusOpen}}
	patch := store.Patch{Join: map[uuid.UUID]*models.Participant{user.UID: user.Seat(r.Now())}}
	if o.requireSearch {
		cond.RandomSearchActive = store.Ptr(true)
	}
	if o.requireSearch || len(room.Participants)+1 >= room.Capacity {
		patch.RandomSearchActive = store.Ptr(false)
	}

	updated, err := r.Rooms.Apply(ctx, roomID, cond, patch)
	if err != nil {
		return err
	}
	r.Log.WithFields(logrus.Fields{"room": roomID, "user": user.UID, "participants": len(updated.Participants)}).Info("user joined room")
	if updated.IsFull() {
		r.withdrawHostTicket(ctx, updated)
	}
	return nil
}

// withdrawHostTicket takes the host of a full room out of the random pool. A ticket
// already claimed by a pairing is left to that pairing.
func (r *Registry) withdrawHostTicket(ctx context.Context, room *models.Room) {
	if r.Tickets == nil {
		return
	}
	t, err := r.Tickets.Get(ctx, room.HostUserID)
	if err != nil || t.HostRoomID != room.ID {
		return
	}
	if _, err := r.Tickets.Withdraw(ctx, room.HostUserID); err != nil {
		r.Log.WithError(err).Warnf("failed to withdraw search ticket of host %s", room.HostUserID)
	}
}

// LeaveRoom removes userID from the room. What that means depends on the room status:
// the host leaving an open room deletes it, leaving a running duel forfeits, and the
// last participant leaving a finished room deletes it.
func (r *Registry) LeaveRoom(ctx context.Context, roomID, userID uuid.UUID) error {
	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		room, err := r.Rooms.Get(ctx, roomID)
		if err != nil {
			return err
		}
		if !room.IsMember(userID) {
			return nil
		}

		switch room.Status {
		case models.StatusOpen:
			if userID == room.HostUserID {
				err = r.remove(ctx, room, store.Condition{Status: []models.RoomStatus{models.StatusOpen}, Member: userID})
				break
			}
			_, err = r.Rooms.Apply(ctx, roomID,
				store.Condition{Status: []models.RoomStatus{models.StatusOpen}, Member: userID},
				store.Patch{Remove: []uuid.UUID{userID}, RandomSearchActive: store.Ptr(false)})
		case models.StatusInDuel:
			return r.Forfeit(ctx, roomID, userID)
		case models.StatusFinished:
			if !room.Settled && r.Settler != nil {
				if _, err := r.Settler.Settle(ctx, roomID); err != nil {
					return err
				}
			}
			var updated *models.Room
			updated, err = r.Rooms.Apply(ctx, roomID,
				store.Condition{Status: []models.RoomStatus{models.StatusFinished}, Member: userID},
				store.Patch{Remove: []uuid.UUID{userID}})
			if err == nil && len(updated.Participants) == 0 {
				return r.remove(ctx, updated, store.Condition{
					Version: store.Ptr(updated.Version),
					Status:  []models.RoomStatus{models.StatusFinished},
				})
			}
		}

		if errors.Is(err, models.ErrStaleWrite) {
			continue
		}
		if err != nil {
			return err
		}
		r.Log.WithFields(logrus.Fields{"room": roomID, "user": userID}).Info("user left room")
		return nil
	}
	return fmt.Errorf("%w: room %s kept changing", models.ErrStaleWrite, roomID)
}

// DeleteRoom removes the room. Only the host may do so, and never while a duel runs.
// A nil by is the garbage collector, which skips the host check.
func (r *Registry) DeleteRoom(ctx context.Context, roomID, by uuid.UUID) error {
	room, err := r.Rooms.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if by != uuid.Nil && by != room.HostUserID {
		return fmt.Errorf("%w: only the host can delete the room", models.ErrForbidden)
	}
	if room.Status == models.StatusInDuel {
		return fmt.Errorf("%w: cannot delete a room during a duel", models.ErrForbidden)
	}
	return r.remove(ctx, room, store.Condition{Status: idleStatuses})
}

// idleStatuses are the statuses a room may be deleted in.
var idleStatuses = []models.RoomStatus{models.StatusOpen, models.StatusFinished}

// remove settles a finished room, then deletes it if cond still holds.
func (r *Registry) remove(ctx context.Context, room *models.Room, cond store.Condition) error {
	if room.Status == models.StatusFinished && !room.Settled && r.Settler != nil {
		if _, err := r.Settler.Settle(ctx, room.ID); err != nil {
			return err
		}
		if cond.Version != nil {
			// settling bumped the version; finished is terminal, so guard the settled copy
			settled, err := r.Rooms.Get(ctx, room.ID)
			if errors.Is(err, models.ErrRoomNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			cond.Version = store.Ptr(settled.Version)
		}
	}
	if err := r.Rooms.Delete(ctx, room.ID, cond); err != nil {
		if errors.Is(err, models.ErrRoomNotFound) {
			return nil
		}
		if errors.Is(err, models.ErrStaleWrite) {
			return err
		}
		return fmt.Errorf("failed to delete room %s: %w", room.ID, err)
	}
	r.Log.WithField("room", room.ID).Info("room deleted")
	return nil
}

// Watch subscribes to changes of one room. The caller owns the subscription.
func (r *Registry) Watch(ctx context.Context, roomID uuid.UUID) (*store.Subscription, error) {
	return r.Rooms.Watch(ctx, roomID)
}

// Get reads the current room document.
func (r *Registry) Get(ctx context.Context, roomID uuid.UUID) (*models.Room, error) {
	return r.Rooms.Get(ctx, roomID)
}

// logAction pushes a transition onto the action log without blocking the caller.
// The committed room version orders the records.
func (r *Registry) logAction(room *models.Room, actor uuid.UUID, actionType string, payload map[string]interface{}) {
	if r.Actions == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]interface{})
	}
	record := cache.DuelActionRecord{
		DuelID:        room.ID,
		ActionIndex:   room.Version,
		ActorUserID:   actor,
		ActionType:    actionType,
		ActionPayload: payload,
		Timestamp:     r.Now().UnixMilli(),
	}
	go func(rec cache.DuelActionRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.Actions.Publish(ctx, rec); err != nil {
			r.Log.WithError(err).Warnf("failed to publish %s action %d for room %s", rec.ActionType, rec.ActionIndex, rec.DuelID)
		}
	}(record)
}
