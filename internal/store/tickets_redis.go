// internal/store/tickets_redis.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/redis/go-redis/v9"
)

// ticketTTL expires tickets a crashed client left behind.
const ticketTTL = time.Hour

func ticketKey(userID uuid.UUID) string { return fmt.Sprintf("ticket:%s", userID) }
func readyPoolKey(category string) string { return fmt.Sprintf("ready:%s", category) }

// RedisTicketStore stores each ticket as a JSON string plus a per-category set of
// users that are currently pairable.
type RedisTicketStore struct {
	rdb *redis.Client
}

func NewRedisTicketStore(rdb *redis.Client) *RedisTicketStore {
	return &RedisTicketStore{rdb: rdb}
}

func loadTicket(ctx context.Context, c redis.Cmdable, userID uuid.UUID) (*models.ReadinessTicket, error) {
	raw, err := c.Get(ctx, ticketKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket %s: %w", userID, err)
	}
	var t models.ReadinessTicket
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to decode ticket %s: %w", userID, err)
	}
	return &t, nil
}

// writeTicket queues the ticket body and its pool membership on pipe.
func writeTicket(ctx context.Context, pipe redis.Pipeliner, t *models.ReadinessTicket, prevCategory string) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal ticket: %w", err)
	}
	pipe.Set(ctx, ticketKey(t.UserID), data, ticketTTL)
	if prevCategory != "" && prevCategory != t.ReadyCategory {
		pipe.SRem(ctx, readyPoolKey(prevCategory), t.UserID.String())
	}
	if t.Available(t.ReadyCategory) {
		pipe.SAdd(ctx, readyPoolKey(t.ReadyCategory), t.UserID.String())
	} else {
		pipe.SRem(ctx, readyPoolKey(t.ReadyCategory), t.UserID.String())
	}
	return nil
}

// watchRetry runs fn under WATCH on keys, retrying while other writers interfere.
func (s *RedisTicketStore) watchRetry(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: tickets kept changing", models.ErrStaleWrite)
}

func (s *RedisTicketStore) Put(ctx context.Context, t *models.ReadinessTicket) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	return s.watchRetry(ctx, func(tx *redis.Tx) error {
		prev := ""
		if old, err := loadTicket(ctx, tx, t.UserID); err == nil {
			prev = old.ReadyCategory
		} else if !errors.Is(err, models.ErrTicketNotFound) {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return writeTicket(ctx, pipe, t, prev)
		})
		return err
	}, ticketKey(t.UserID))
}

func (s *RedisTicketStore) Get(ctx context.Context, userID uuid.UUID) (*models.ReadinessTicket, error) {
	return loadTicket(ctx, s.rdb, userID)
}

func (s *RedisTicketStore) ListReady(ctx context.Context, category string) ([]*models.ReadinessTicket, error) {
	members, err := s.rdb.SMembers(ctx, readyPoolKey(category)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ready pool %q: %w", category, err)
	}
	out := make([]*models.ReadinessTicket, 0, len(members))
	if len(members) == 0 {
		return out, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = "ticket:" + m
	}
	raws, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load ready tickets: %w", err)
	}
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var t models.ReadinessTicket
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			continue
		}
		if t.Available(category) {
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	return out, nil
}

func (s *RedisTicketStore) Pair(ctx context.Context, a, b uuid.UUID, roomID uuid.UUID) error {
	return s.watchRetry(ctx, func(tx *redis.Tx) error {
		ta, err := loadTicket(ctx, tx, a)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrStaleWrite, err)
		}
		tb, err := loadTicket(ctx, tx, b)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrStaleWrite, err)
		}
		if !ta.Available(ta.ReadyCategory) || !tb.Available(ta.ReadyCategory) {
			return fmt.Errorf("%w: ticket already claimed", models.ErrStaleWrite)
		}
		now := time.Now()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, t := range []*models.ReadinessTicket{ta, tb} {
				t.IsReadyForBattle = false
				t.MatchedRoomID = roomID
				t.UpdatedAt = now
				if err := writeTicket(ctx, pipe, t, t.ReadyCategory); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	}, ticketKey(a), ticketKey(b))
}

func (s *RedisTicketStore) Unpair(ctx context.Context, a, b uuid.UUID, roomID uuid.UUID) error {
	return s.watchRetry(ctx, func(tx *redis.Tx) error {
		var restore []*models.ReadinessTicket
		for _, id := range []uuid.UUID{a, b} {
			t, err := loadTicket(ctx, tx, id)
			if errors.Is(err, models.ErrTicketNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if t.MatchedRoomID == roomID {
				restore = append(restore, t)
			}
		}
		if len(restore) == 0 {
			return nil
		}
		now := time.Now()
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, t := range restore {
				t.IsReadyForBattle = true
				t.MatchedRoomID = uuid.Nil
				t.UpdatedAt = now
				if err := writeTicket(ctx, pipe, t, t.ReadyCategory); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	}, ticketKey(a), ticketKey(b))
}

func (s *RedisTicketStore) Withdraw(ctx context.Context, userID uuid.UUID) (bool, error) {
	withdrawn := false
	err := s.watchRetry(ctx, func(tx *redis.Tx) error {
		withdrawn = false
		t, err := loadTicket(ctx, tx, userID)
		if errors.Is(err, models.ErrTicketNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !t.Available(t.ReadyCategory) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, ticketKey(userID))
			pipe.SRem(ctx, readyPoolKey(t.ReadyCategory), userID.String())
			return nil
		})
		if err == nil {
			withdrawn = true
		}
		return err
	}, ticketKey(userID))
	return withdrawn, err
}

func (s *RedisTicketStore) Clear(ctx context.Context, userID uuid.UUID) error {
	t, err := loadTicket(ctx, s.rdb, userID)
	if errors.Is(err, models.ErrTicketNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, ticketKey(userID))
		pipe.SRem(ctx, readyPoolKey(t.ReadyCategory), userID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear ticket %s: %w", userID, err)
	}
	return nil
}
