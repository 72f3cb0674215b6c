// internal/notify/redis.go
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	invitationTTL = 24 * time.Hour
	inboxLimit    = 100
	maxTxRetries  = 16
)

func invitationKey(id uuid.UUID) string { return fmt.Sprintf("invite:%s", id) }
func feedChannel(userID uuid.UUID) string { return fmt.Sprintf("notify:%s", userID) }
func inboxKey(userID uuid.UUID) string { return fmt.Sprintf("inbox:%s", userID) }

// RedisNotifier keeps invitations as JSON strings and fans events out over
// one pub/sub channel per user.
type RedisNotifier struct {
	rdb    *redis.Client
	logger logrus.FieldLogger
}

func NewRedisNotifier(rdb *redis.Client, logger logrus.FieldLogger) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, logger: logger}
}

func loadInvitation(ctx context.Context, c redis.Cmdable, id uuid.UUID) (*Invitation, error) {
	raw, err := c.Get(ctx, invitationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrInvitationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invitation %s: %w", id, err)
	}
	var inv Invitation
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("failed to decode invitation %s: %w", id, err)
	}
	return &inv, nil
}

// queueInvitation writes inv and publishes it to both parties on pipe.
func queueInvitation(ctx context.Context, pipe redis.Pipeliner, inv *Invitation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invitation: %w", err)
	}
	ev, err := json.Marshal(Event{Invitation: inv})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	pipe.Set(ctx, invitationKey(inv.ID), data, invitationTTL)
	pipe.Publish(ctx, feedChannel(inv.Sender), ev)
	pipe.Publish(ctx, feedChannel(inv.Receiver), ev)
	return nil
}

func (n *RedisNotifier) SendInvite(ctx context.Context, sender, receiver *models.Profile, roomID uuid.UUID, message string) (*Invitation, error) {
	inv := newInvitation(sender, receiver, roomID, message)
	_, err := n.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return queueInvitation(ctx, pipe, inv)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send invitation: %w", err)
	}
	n.logger.WithFields(logrus.Fields{"invitation": inv.ID, "room": roomID}).Debug("invitation sent")
	return inv, nil
}

func (n *RedisNotifier) Respond(ctx context.Context, invitationID, receiver uuid.UUID, accept bool) (*Invitation, error) {
	var out *Invitation
	key := invitationKey(invitationID)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := n.rdb.Watch(ctx, func(tx *redis.Tx) error {
			inv, err := loadInvitation(ctx, tx, invitationID)
			if err != nil {
				return err
			}
			if err := respond(inv, receiver, accept); err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return queueInvitation(ctx, pipe, inv)
			})
			if err == nil {
				out = inv
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: invitation %s kept changing", models.ErrStaleWrite, invitationID)
}

func (n *RedisNotifier) Get(ctx context.Context, invitationID uuid.UUID) (*Invitation, error) {
	return loadInvitation(ctx, n.rdb, invitationID)
}

func (n *RedisNotifier) Notify(ctx context.Context, userID uuid.UUID, text string) error {
	msg := Message{ID: uuid.New(), UserID: userID, Text: text, CreatedAt: time.Now()}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	ev, err := json.Marshal(Event{Message: &msg})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = n.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, inboxKey(userID), data)
		pipe.LTrim(ctx, inboxKey(userID), 0, inboxLimit-1)
		pipe.Publish(ctx, feedChannel(userID), ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to notify %s: %w", userID, err)
	}
	return nil
}

// Inbox returns the most recent messages for userID, newest first.
func (n *RedisNotifier) Inbox(ctx context.Context, userID uuid.UUID) ([]Message, error) {
	raws, err := n.rdb.LRange(ctx, inboxKey(userID), 0, inboxLimit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox of %s: %w", userID, err)
	}
	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			n.logger.Warnf("skipping malformed inbox entry for %s: %v", userID, err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (n *RedisNotifier) Watch(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	ps := n.rdb.Subscribe(ctx, feedChannel(userID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to feed of %s: %w", userID, err)
	}

	wctx, cancel := context.WithCancel(ctx)
	out := make(chan Event, feedBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-wctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					n.logger.Warnf("dropping malformed event for %s: %v", userID, err)
					continue
				}
				select {
				case out <- ev:
				case <-wctx.Done():
					return
				}
			}
		}
	}()
	return &Subscription{C: out, cancel: cancel}, nil
}
