// internal/notify/memory.go
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
)

const feedBuffer = 32

// MemoryNotifier is the in-process notifier.
type MemoryNotifier struct {
	mu          sync.Mutex
	invitations map[uuid.UUID]*Invitation
	inbox       map[uuid.UUID][]Message
	feeds       map[uuid.UUID]map[chan Event]struct{}
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{
		invitations: make(map[uuid.UUID]*Invitation),
		inbox:       make(map[uuid.UUID][]Message),
		feeds:       make(map[uuid.UUID]map[chan Event]struct{}),
	}
}

func (n *MemoryNotifier) SendInvite(_ context.Context, sender, receiver *models.Profile, roomID uuid.UUID, message string) (*Invitation, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	inv := newInvitation(sender, receiver, roomID, message)
	n.invitations[inv.ID] = inv
	n.publishInvitationUnsafe(inv)
	cp := *inv
	return &cp, nil
}

func (n *MemoryNotifier) Respond(_ context.Context, invitationID, receiver uuid.UUID, accept bool) (*Invitation, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	inv, ok := n.invitations[invitationID]
	if !ok {
		return nil, models.ErrInvitationNotFound
	}
	if err := respond(inv, receiver, accept); err != nil {
		return nil, err
	}
	n.publishInvitationUnsafe(inv)
	cp := *inv
	return &cp, nil
}

func (n *MemoryNotifier) Get(_ context.Context, invitationID uuid.UUID) (*Invitation, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	inv, ok := n.invitations[invitationID]
	if !ok {
		return nil, models.ErrInvitationNotFound
	}
	cp := *inv
	return &cp, nil
}

func (n *MemoryNotifier) Notify(_ context.Context, userID uuid.UUID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	msg := Message{ID: uuid.New(), UserID: userID, Text: text, CreatedAt: time.Now()}
	n.inbox[userID] = append(n.inbox[userID], msg)
	n.deliverUnsafe(userID, Event{Message: &msg})
	return nil
}

// Inbox returns the messages delivered to userID so far.
func (n *MemoryNotifier) Inbox(userID uuid.UUID) []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.inbox[userID]...)
}

func (n *MemoryNotifier) Watch(_ context.Context, userID uuid.UUID) (*Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Event, feedBuffer)
	if n.feeds[userID] == nil {
		n.feeds[userID] = make(map[chan Event]struct{})
	}
	n.feeds[userID][ch] = struct{}{}

	return &Subscription{C: ch, cancel: func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.feeds[userID][ch]; ok {
			delete(n.feeds[userID], ch)
			close(ch)
		}
	}}, nil
}

func (n *MemoryNotifier) publishInvitationUnsafe(inv *Invitation) {
	for _, uid := range []uuid.UUID{inv.Sender, inv.Receiver} {
		cp := *inv
		n.deliverUnsafe(uid, Event{Invitation: &cp})
	}
}

// deliverUnsafe drops the event for a subscriber whose buffer is full.
func (n *MemoryNotifier) deliverUnsafe(userID uuid.UUID, ev Event) {
	for ch := range n.feeds[userID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
