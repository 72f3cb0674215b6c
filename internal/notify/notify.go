// internal/notify/notify.go
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
)

// InvitationStatus tracks a direct invite.
type InvitationStatus string

const (
	StatusPending  InvitationStatus = "pending"
	StatusAccepted InvitationStatus = "accepted"
	StatusRejected InvitationStatus = "rejected"
)

// Invitation asks Receiver to join RoomID.
type Invitation struct {
	ID           uuid.UUID        `json:"id"`
	Sender       uuid.UUID        `json:"sender"`
	SenderName   string           `json:"sender_name"`
	Receiver     uuid.UUID        `json:"receiver"`
	ReceiverName string           `json:"receiver_name"`
	RoomID       uuid.UUID        `json:"room_id"`
	Status       InvitationStatus `json:"invitation_status"`
	Message      string           `json:"message"`
	CreatedAt    time.Time        `json:"created_at"`
	RespondedAt  time.Time        `json:"responded_at"`
}

// Message is a plain human-readable notice for one user.
type Message struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is one delivery on a user's feed. Exactly one field is set.
type Event struct {
	Invitation *Invitation `json:"invitation,omitempty"`
	Message    *Message    `json:"message,omitempty"`
}

// Notifier is the notification collaborator used for direct invites.
type Notifier interface {
	SendInvite(ctx context.Context, sender, receiver *models.Profile, roomID uuid.UUID, message string) (*Invitation, error)
	// Respond moves a pending invitation to accepted or rejected. Only the receiver may respond.
	Respond(ctx context.Context, invitationID, receiver uuid.UUID, accept bool) (*Invitation, error)
	Get(ctx context.Context, invitationID uuid.UUID) (*Invitation, error)
	Notify(ctx context.Context, userID uuid.UUID, text string) error
	// Watch streams invitation changes where userID is sender or receiver, plus their messages.
	Watch(ctx context.Context, userID uuid.UUID) (*Subscription, error)
}

// InviteMessage is the text shown to an invited user.
func InviteMessage(senderName string, roomID uuid.UUID) string {
	return fmt.Sprintf("%s has invited you to join Battle Room %s", senderName, roomID)
}

func newInvitation(sender, receiver *models.Profile, roomID uuid.UUID, message string) *Invitation {
	return &Invitation{
		ID:           uuid.New(),
		Sender:       sender.UID,
		SenderName:   sender.DisplayName,
		Receiver:     receiver.UID,
		ReceiverName: receiver.DisplayName,
		RoomID:       roomID,
		Status:       StatusPending,
		Message:      message,
		CreatedAt:    time.Now(),
	}
}

// respond validates and applies a response in place.
func respond(inv *Invitation, receiver uuid.UUID, accept bool) error {
	if inv.Receiver != receiver {
		return models.ErrForbidden
	}
	if inv.Status != StatusPending {
		return fmt.Errorf("%w: invitation already %s", models.ErrStaleWrite, inv.Status)
	}
	inv.Status = StatusRejected
	if accept {
		inv.Status = StatusAccepted
	}
	inv.RespondedAt = time.Now()
	return nil
}

// Subscription is an open feed. The owner must Close it.
type Subscription struct {
	C <-chan Event

	once   sync.Once
	cancel func()
}

func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}
