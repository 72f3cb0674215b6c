// internal/matchmaking/invite.go
package matchmaking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/jason-s-yu/quizduel/internal/notify"
	"github.com/sirupsen/logrus"
)

// Invite asks invitee to join host's open room.
func (e *Engine) Invite(ctx context.Context, roomID uuid.UUID, host, invitee *models.Profile) (*notify.Invitation, error) {
	room, err := e.reg.Rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	switch {
	case room.HostUserID != host.UID:
		return nil, fmt.Errorf("%w: only the host can invite", models.ErrForbidden)
	case invitee.UID == host.UID:
		return nil, fmt.Errorf("%w: cannot invite yourself", models.ErrForbidden)
	case invitee.IsBlocked:
		return nil, fmt.Errorf("%w: invitee is blocked", models.ErrForbidden)
	case room.Status != models.StatusOpen:
		return nil, fmt.Errorf("%w: room is %s", models.ErrForbidden, room.Status)
	case room.IsFull():
		return nil, models.ErrRoomFull
	}

	inv, err := e.notifier.SendInvite(ctx, host, invitee, roomID, notify.InviteMessage(host.DisplayName, roomID))
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"room": roomID, "host": host.UID, "invitee": invitee.UID}).Info("invitation sent")
	return inv, nil
}

// Respond records invitee's answer and acts on it. A failed join on accept is
// returned, and also told to the invitee.
func (e *Engine) Respond(ctx context.Context, invitationID uuid.UUID, invitee *models.Profile, accept bool) (*notify.Invitation, error) {
	inv, err := e.notifier.Respond(ctx, invitationID, invitee.UID, accept)
	if err != nil {
		return nil, err
	}
	return inv, e.HandleInvitation(ctx, inv)
}

// HandleInvitation carries out a terminal invitation status: the receiver joins on
// accept, and the sender is told either way.
func (e *Engine) HandleInvitation(ctx context.Context, inv *notify.Invitation) error {
	log := e.log.WithFields(logrus.Fields{"invitation": inv.ID, "room": inv.RoomID})

	switch inv.Status {
	case notify.StatusAccepted:
		receiver, err := e.profiles.GetProfile(ctx, inv.Receiver)
		if err == nil {
			err = e.hostClaimedElsewhere(ctx, inv)
		}
		if err == nil {
			// a join that fills the room also withdraws the host's search ticket
			err = e.reg.JoinRoom(ctx, inv.RoomID, receiver)
		}
		if err != nil {
			log.WithError(err).Info("invited user could not join")
			msg := fmt.Sprintf("could not join Battle Room %s: %v", inv.RoomID, err)
			if nerr := e.notifier.Notify(ctx, inv.Receiver, msg); nerr != nil {
				log.WithError(nerr).Warn("failed to notify receiver")
			}
			return err
		}
		if err := e.tickets.Clear(ctx, inv.Receiver); err != nil {
			log.WithError(err).Warn("failed to clear receiver ticket")
		}
		return e.notifier.Notify(ctx, inv.Sender, fmt.Sprintf("%s accepted your invitation", inv.ReceiverName))
	case notify.StatusRejected:
		return e.notifier.Notify(ctx, inv.Sender, fmt.Sprintf("%s declined your invitation", inv.ReceiverName))
	}
	return nil
}

// hostClaimedElsewhere fails when a random search already claimed the sender for a
// different room; the invitation's room is about to lose its host.
func (e *Engine) hostClaimedElsewhere(ctx context.Context, inv *notify.Invitation) error {
	t, err := e.tickets.Get(ctx, inv.Sender)
	if errors.Is(err, models.ErrTicketNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if t.MatchedRoomID != uuid.Nil && t.MatchedRoomID != inv.RoomID {
		return fmt.Errorf("%w: host was matched into another room", models.ErrRoomFull)
	}
	return nil
}

// ListenInvitations hands every invitation event on userID's feed to fn until ctx ends.
func (e *Engine) ListenInvitations(ctx context.Context, userID uuid.UUID, fn func(notify.Event)) error {
	sub, err := e.notifier.Watch(ctx, userID)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			fn(ev)
		}
	}
}
