// internal/matchmaking/search.go
package matchmaking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/duel"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/jason-s-yu/quizduel/internal/store"
	"github.com/sirupsen/logrus"
)

// ErrSearchStopped ends a search whose ticket or room flag was withdrawn elsewhere.
var ErrSearchStopped = errors.New("search stopped")

// StartRoomSearch opens hostID's room to a random opponent and looks for one in the
// background. The returned Search is the only handle on it.
func (e *Engine) StartRoomSearch(ctx context.Context, roomID, hostID uuid.UUID) (*Search, error) {
	room, err := e.reg.Rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.HostUserID != hostID {
		return nil, fmt.Errorf("%w: only the host can search for an opponent", models.ErrForbidden)
	}
	if room.Status != models.StatusOpen {
		return nil, fmt.Errorf("%w: room is %s", models.ErrForbidden, room.Status)
	}
	if room.IsFull() {
		return nil, models.ErrRoomFull
	}
	e.stopActive(hostID)

	if _, err := e.reg.Rooms.Apply(ctx, roomID,
		store.Condition{Status: []models.RoomStatus{models.StatusOpen}, Member: hostID},
		store.Patch{RandomSearchActive: store.Ptr(true)}); err != nil {
		return nil, err
	}
	err = e.tickets.Put(ctx, &models.ReadinessTicket{
		UserID:           hostID,
		IsReadyForBattle: true,
		ReadyCategory:    room.Category,
		HostRoomID:       roomID,
	})
	if err != nil {
		e.stopRoomSearch(ctx, roomID)
		return nil, err
	}

	log := e.log.WithFields(logrus.Fields{"room": roomID, "host": hostID, "category": room.Category})
	log.Info("room search started")
	return e.launch(ctx, hostID, func(sctx context.Context) (MatchResult, error) {
		res, err := e.runRoomSearch(sctx, roomID, hostID, room.Category)
		cctx, cancel := cleanupContext(sctx)
		defer cancel()
		if err != nil {
			// late joiners may still have filled the room before the flag went down
			e.stopRoomSearch(cctx, roomID)
			if full, opp := e.filled(cctx, roomID, hostID); full {
				res, err = MatchResult{RoomID: roomID, Opponent: opp, Hosted: true}, nil
			}
		}
		if cerr := e.tickets.Clear(cctx, hostID); cerr != nil {
			log.WithError(cerr).Warn("failed to clear host ticket")
		}
		if err != nil {
			log.WithError(err).Info("room search ended without opponent")
		} else {
			log.WithField("opponent", res.Opponent).Info("room search matched")
		}
		return res, err
	}), nil
}

// SearchFromRoom runs a room search to completion.
func (e *Engine) SearchFromRoom(ctx context.Context, roomID, hostID uuid.UUID) (MatchResult, error) {
	s, err := e.StartRoomSearch(ctx, roomID, hostID)
	if err != nil {
		return MatchResult{}, err
	}
	return s.Wait(ctx)
}

// stopRoomSearch lowers the search flag if it is still up.
func (e *Engine) stopRoomSearch(ctx context.Context, roomID uuid.UUID) {
	_, err := e.reg.Rooms.Apply(ctx, roomID,
		store.Condition{RandomSearchActive: store.Ptr(true)},
		store.Patch{RandomSearchActive: store.Ptr(false)})
	if err != nil && !errors.Is(err, models.ErrStaleWrite) && !errors.Is(err, models.ErrRoomNotFound) {
		e.log.WithError(err).Warnf("failed to reset search flag of room %s", roomID)
	}
}

// filled reports whether the room has an opponent for hostID.
func (e *Engine) filled(ctx context.Context, roomID, hostID uuid.UUID) (bool, uuid.UUID) {
	room, err := e.reg.Rooms.Get(ctx, roomID)
	if err != nil || !room.IsFull() {
		return false, uuid.Nil
	}
	opp, _ := room.Opponent(hostID)
	return true, opp
}

func (e *Engine) runRoomSearch(ctx context.Context, roomID, hostID uuid.UUID, category string) (MatchResult, error) {
	deadline := e.reg.Now().Add(e.cfg.Timeout)
	if err := sleepCtx(ctx, e.cfg.Grace); err != nil {
		return MatchResult{}, err
	}
	for {
		res, done, err := e.roomSearchStep(ctx, roomID, hostID, category)
		if err != nil || done {
			return res, err
		}
		if !e.reg.Now().Before(deadline) {
			return MatchResult{}, models.ErrOpponentNotFound
		}
		if err := sleepCtx(ctx, e.cfg.ScanInterval); err != nil {
			return MatchResult{}, err
		}
	}
}

func (e *Engine) roomSearchStep(ctx context.Context, roomID, hostID uuid.UUID, category string) (MatchResult, bool, error) {
	room, err := e.reg.Rooms.Get(ctx, roomID)
	if err != nil {
		return MatchResult{}, false, err
	}
	if room.IsFull() {
		opp, _ := room.Opponent(hostID)
		return MatchResult{RoomID: roomID, Opponent: opp, Hosted: true}, true, nil
	}
	if !room.RandomSearchActive || room.Status != models.StatusOpen {
		return MatchResult{}, false, ErrSearchStopped
	}

	own, err := e.tickets.Get(ctx, hostID)
	if errors.Is(err, models.ErrTicketNotFound) {
		return MatchResult{}, false, ErrSearchStopped
	}
	if err != nil {
		return MatchResult{}, false, err
	}
	switch {
	case own.MatchedRoomID == roomID:
		// a pairing claimed us for our own room; its join is in flight
		return MatchResult{}, false, nil
	case own.MatchedRoomID != uuid.Nil:
		other, err := e.reg.Rooms.Get(ctx, own.MatchedRoomID)
		if err != nil || !other.IsMember(hostID) {
			return MatchResult{}, false, nil
		}
		e.stopRoomSearch(ctx, roomID)
		opp, _ := other.Opponent(hostID)
		return MatchResult{RoomID: other.ID, Opponent: opp}, true, nil
	}

	candidates, err := e.tickets.ListReady(ctx, category)
	if err != nil {
		return MatchResult{}, false, err
	}
	e.shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	for _, cand := range candidates {
		if cand.UserID == hostID || !e.hostRoomSearching(ctx, cand) {
			continue
		}
		if err := e.tickets.Pair(ctx, hostID, cand.UserID, roomID); err != nil {
			continue
		}
		if !e.hostRoomSearching(ctx, cand) {
			// the candidate's own room filled while we claimed them
			if uerr := e.tickets.Unpair(ctx, hostID, cand.UserID, roomID); uerr != nil {
				e.log.WithError(uerr).Warn("failed to release paired tickets")
			}
			continue
		}
		opponent, err := e.profiles.GetProfile(ctx, cand.UserID)
		if err == nil {
			err = e.reg.JoinRoom(ctx, roomID, opponent, duel.RequireSearchActive())
		}
		if err != nil {
			e.log.WithError(err).WithField("room", roomID).Debug("pairing join lost")
			if uerr := e.tickets.Unpair(ctx, hostID, cand.UserID, roomID); uerr != nil {
				e.log.WithError(uerr).Warn("failed to release paired tickets")
			}
			if errors.Is(err, models.ErrRoomFull) || errors.Is(err, models.ErrStaleWrite) {
				// our own room changed under us; the next step sorts out how
				return MatchResult{}, false, nil
			}
			continue
		}
		return MatchResult{RoomID: roomID, Opponent: cand.UserID, Hosted: true}, true, nil
	}
	return MatchResult{}, false, nil
}

// hostRoomSearching reports whether the room t was put up for, if any, still wants a
// random opponent. A host whose room is full or no longer searching is not pairable.
func (e *Engine) hostRoomSearching(ctx context.Context, t *models.ReadinessTicket) bool {
	if t.HostRoomID == uuid.Nil {
		return true
	}
	room, err := e.reg.Rooms.Get(ctx, t.HostRoomID)
	if err != nil {
		return false
	}
	return room.Status == models.StatusOpen && room.RandomSearchActive && !room.IsFull()
}

// StartUserSearch puts user in the pool for category and looks for a searching room
// in the background.
func (e *Engine) StartUserSearch(ctx context.Context, user *models.Profile, category string) (*Search, error) {
	if user.IsBlocked {
		return nil, fmt.Errorf("%w: blocked users cannot search", models.ErrForbidden)
	}
	if category == "" {
		return nil, errors.New("category is required")
	}
	e.stopActive(user.UID)

	err := e.tickets.Put(ctx, &models.ReadinessTicket{
		UserID:           user.UID,
		IsReadyForBattle: true,
		ReadyCategory:    category,
	})
	if err != nil {
		return nil, err
	}

	log := e.log.WithFields(logrus.Fields{"user": user.UID, "category": category})
	log.Info("user search started")
	return e.launch(ctx, user.UID, func(sctx context.Context) (MatchResult, error) {
		res, err := e.runUserSearch(sctx, user, category)
		cctx, cancel := cleanupContext(sctx)
		defer cancel()
		if err != nil {
			if r, ok := e.settleUserTicket(cctx, user.UID); ok {
				res, err = r, nil
			}
		} else if cerr := e.tickets.Clear(cctx, user.UID); cerr != nil {
			log.WithError(cerr).Warn("failed to clear user ticket")
		}
		if err != nil {
			log.WithError(err).Info("user search ended without opponent")
		} else {
			log.WithField("room", res.RoomID).Info("user search matched")
		}
		return res, err
	}), nil
}

// SearchAsUser runs a user search to completion.
func (e *Engine) SearchAsUser(ctx context.Context, user *models.Profile, category string) (MatchResult, error) {
	s, err := e.StartUserSearch(ctx, user, category)
	if err != nil {
		return MatchResult{}, err
	}
	return s.Wait(ctx)
}

// matchedRoom reports the room userID's claimed ticket points to, once userID sits in it.
func (e *Engine) matchedRoom(ctx context.Context, t *models.ReadinessTicket) (MatchResult, bool) {
	room, err := e.reg.Rooms.Get(ctx, t.MatchedRoomID)
	if err != nil || !room.IsMember(t.UserID) {
		return MatchResult{}, false
	}
	opp, _ := room.Opponent(t.UserID)
	return MatchResult{RoomID: room.ID, Opponent: opp}, true
}

// settleUserTicket withdraws a failed search's ticket. A ticket already claimed by a
// pairing is given one more scan interval to land its join.
func (e *Engine) settleUserTicket(ctx context.Context, userID uuid.UUID) (MatchResult, bool) {
	for attempt := 0; attempt < 2; attempt++ {
		withdrawn, err := e.tickets.Withdraw(ctx, userID)
		if err != nil || withdrawn {
			break
		}
		t, err := e.tickets.Get(ctx, userID)
		if err != nil {
			break
		}
		if t.MatchedRoomID != uuid.Nil {
			if res, ok := e.matchedRoom(ctx, t); ok {
				e.tickets.Clear(ctx, userID)
				return res, true
			}
		}
		if sleepCtx(ctx, e.cfg.ScanInterval) != nil {
			break
		}
	}
	if err := e.tickets.Clear(ctx, userID); err != nil {
		e.log.WithError(err).Warnf("failed to clear ticket of %s", userID)
	}
	return MatchResult{}, false
}

func (e *Engine) runUserSearch(ctx context.Context, user *models.Profile, category string) (MatchResult, error) {
	deadline := e.reg.Now().Add(e.cfg.Timeout)
	if err := sleepCtx(ctx, e.cfg.Grace); err != nil {
		return MatchResult{}, err
	}
	for {
		res, done, err := e.userSearchStep(ctx, user, category)
		if err != nil || done {
			return res, err
		}
		if !e.reg.Now().Before(deadline) {
			return MatchResult{}, models.ErrOpponentNotFound
		}
		if err := sleepCtx(ctx, e.cfg.ScanInterval); err != nil {
			return MatchResult{}, err
		}
	}
}

func (e *Engine) userSearchStep(ctx context.Context, user *models.Profile, category string) (MatchResult, bool, error) {
	own, err := e.tickets.Get(ctx, user.UID)
	if errors.Is(err, models.ErrTicketNotFound) {
		return MatchResult{}, false, ErrSearchStopped
	}
	if err != nil {
		return MatchResult{}, false, err
	}
	if own.MatchedRoomID != uuid.Nil {
		res, ok := e.matchedRoom(ctx, own)
		return res, ok, nil
	}

	rooms, err := e.reg.Rooms.List(ctx, store.RoomFilter{
		Category:     category,
		SearchActive: store.Ptr(true),
		Status:       []models.RoomStatus{models.StatusOpen},
	})
	if err != nil {
		return MatchResult{}, false, err
	}
	e.shuffle(len(rooms), func(i, j int) { rooms[i], rooms[j] = rooms[j], rooms[i] })
	for _, room := range rooms {
		if room.HostUserID == user.UID || room.IsMember(user.UID) || room.IsFull() {
			continue
		}
		host, err := e.tickets.Get(ctx, room.HostUserID)
		if err != nil || host.HostRoomID != room.ID || !host.Available(category) || !e.hostRoomSearching(ctx, host) {
			continue
		}
		if err := e.tickets.Pair(ctx, room.HostUserID, user.UID, room.ID); err != nil {
			continue
		}
		if err := e.reg.JoinRoom(ctx, room.ID, user, duel.RequireSearchActive()); err != nil {
			e.log.WithError(err).WithField("room", room.ID).Debug("pairing join lost")
			if uerr := e.tickets.Unpair(ctx, room.HostUserID, user.UID, room.ID); uerr != nil {
				e.log.WithError(uerr).Warn("failed to release paired tickets")
			}
			continue
		}
		return MatchResult{RoomID: room.ID, Opponent: room.HostUserID}, true, nil
	}
	return MatchResult{}, false, nil
}

// CancelSearch stops userID's search. It also undoes a search another process left
// behind: the ticket is withdrawn and a room search flag is lowered.
func (e *Engine) CancelSearch(ctx context.Context, userID uuid.UUID) error {
	e.stopActive(userID)
	t, err := e.tickets.Get(ctx, userID)
	if errors.Is(err, models.ErrTicketNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if t.HostRoomID != uuid.Nil {
		e.stopRoomSearch(ctx, t.HostRoomID)
	}
	if _, err := e.tickets.Withdraw(ctx, userID); err != nil {
		return err
	}
	return nil
}
