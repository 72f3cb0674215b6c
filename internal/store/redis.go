// internal/store/redis.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// maxTxRetries bounds optimistic WATCH retries before a write is reported as stale.
const maxTxRetries = 16

const deletedPayload = "deleted"

// Room hash fields. Each participant lives in its own "p:<uid>" field so that
// patches touching one seat never rewrite the other.
const (
	fieldID          = "id"
	fieldHost        = "host"
	fieldCategory    = "category"
	fieldCapacity    = "capacity"
	fieldStatus      = "status"
	fieldSearch      = "search"
	fieldTurn        = "turn"
	fieldIndex       = "qidx"
	fieldQuiz        = "quiz"
	fieldStarted     = "started"
	fieldDeadline    = "deadline"
	fieldWinner      = "winner"
	fieldReason      = "reason"
	fieldSettled     = "settled"
	fieldCreated     = "created"
	fieldVersion     = "version"
	participantField = "p:"
)

const createdIndexKey = "rooms:created"

func roomKey(id uuid.UUID) string { return fmt.Sprintf("room:%s", id) }
func roomChannel(id uuid.UUID) string { return fmt.Sprintf("room:%s:events", id) }
func searchIndexKey(category string) string { return fmt.Sprintf("rooms:search:%s", category) }
func categoryIndexKey(category string) string { return fmt.Sprintf("rooms:category:%s", category) }

// RedisRoomStore keeps each room as a Redis hash. Conditional writes run inside
// WATCH/MULTI/EXEC and every commit publishes the new version on the room channel.
type RedisRoomStore struct {
	rdb *redis.Client
	log logrus.FieldLogger
}

func NewRedisRoomStore(rdb *redis.Client, logger logrus.FieldLogger) *RedisRoomStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisRoomStore{rdb: rdb, log: logger}
}

func (s *RedisRoomStore) Create(ctx context.Context, room *models.Room) error {
	if room.Version == 0 {
		room.Version = 1
	}
	fields, err := encodeRoom(room)
	if err != nil {
		return err
	}
	id := room.ID.String()
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, roomKey(room.ID), fields)
		pipe.SAdd(ctx, categoryIndexKey(room.Category), id)
		if room.RandomSearchActive {
			pipe.SAdd(ctx, searchIndexKey(room.Category), id)
		}
		pipe.ZAdd(ctx, createdIndexKey, redis.Z{Score: float64(room.CreatedAt.UnixMilli()), Member: id})
		pipe.Publish(ctx, roomChannel(room.ID), strconv.FormatInt(room.Version, 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create room %s: %w", room.ID, err)
	}
	return nil
}

func (s *RedisRoomStore) Get(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	vals, err := s.rdb.HGetAll(ctx, roomKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load room %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, models.ErrRoomNotFound
	}
	return decodeRoom(vals)
}

func (s *RedisRoomStore) Apply(ctx context.Context, id uuid.UUID, cond Condition, patch Patch) (*models.Room, error) {
	key := roomKey(id)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var result *models.Room
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			vals, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(vals) == 0 {
				return models.ErrRoomNotFound
			}
			room, err := decodeRoom(vals)
			if err != nil {
				return err
			}
			if err := cond.Check(room); err != nil {
				return err
			}
			touched := patch.ApplyTo(room)
			room.Version++

			set, err := patchFields(&patch, room, touched)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, set)
				if len(patch.Remove) > 0 {
					del := make([]string, len(patch.Remove))
					for i, uid := range patch.Remove {
						del[i] = participantField + uid.String()
					}
					pipe.HDel(ctx, key, del...)
				}
				if patch.RandomSearchActive != nil {
					if *patch.RandomSearchActive {
						pipe.SAdd(ctx, searchIndexKey(room.Category), id.String())
					} else {
						pipe.SRem(ctx, searchIndexKey(room.Category), id.String())
					}
				}
				pipe.Publish(ctx, roomChannel(id), strconv.FormatInt(room.Version, 10))
				return nil
			})
			if err == nil {
				result = room
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("%w: room %s kept changing", models.ErrStaleWrite, id)
}

func (s *RedisRoomStore) Delete(ctx context.Context, id uuid.UUID, cond Condition) error {
	key := roomKey(id)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			vals, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(vals) == 0 {
				return models.ErrRoomNotFound
			}
			room, err := decodeRoom(vals)
			if err != nil {
				return err
			}
			if err := cond.Check(room); err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, categoryIndexKey(room.Category), id.String())
				pipe.SRem(ctx, searchIndexKey(room.Category), id.String())
				pipe.ZRem(ctx, createdIndexKey, id.String())
				pipe.Publish(ctx, roomChannel(id), deletedPayload)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, models.ErrRoomNotFound) || errors.Is(err, models.ErrStaleWrite) || errors.Is(err, models.ErrRoomFull) {
				return err
			}
			return fmt.Errorf("failed to delete room %s: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("%w: room %s kept changing", models.ErrStaleWrite, id)
}

// List reads candidates from the narrowest index, then filters the loaded documents
// since an index entry may lag the hash it points at.
func (s *RedisRoomStore) List(ctx context.Context, filter RoomFilter) ([]*models.Room, error) {
	var (
		ids []string
		err error
	)
	switch {
	case filter.Category != "" && filter.SearchActive != nil && *filter.SearchActive:
		ids, err = s.rdb.SMembers(ctx, searchIndexKey(filter.Category)).Result()
	case filter.Category != "":
		ids, err = s.rdb.SMembers(ctx, categoryIndexKey(filter.Category)).Result()
	case !filter.CreatedBefore.IsZero():
		ids, err = s.rdb.ZRangeByScore(ctx, createdIndexKey, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(filter.CreatedBefore.UnixMilli(), 10),
		}).Result()
	default:
		ids, err = s.rdb.ZRange(ctx, createdIndexKey, 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read room index: %w", err)
	}

	out := make([]*models.Room, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, raw := range ids {
		cmds[i] = pipe.HGetAll(ctx, "room:"+raw)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load rooms: %w", err)
	}
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		room, err := decodeRoom(vals)
		if err != nil {
			s.log.WithField("room", ids[i]).Warnf("skipping undecodable room: %v", err)
			continue
		}
		if filter.Match(room) {
			out = append(out, room)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Watch subscribes to the room channel before reading the current document, so no
// commit between the two can be missed.
func (s *RedisRoomStore) Watch(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	ps := s.rdb.Subscribe(ctx, roomChannel(id))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to room %s: %w", id, err)
	}
	room, err := s.Get(ctx, id)
	if err != nil {
		ps.Close()
		return nil, err
	}

	out := make(chan RoomEvent, 1)
	out <- RoomEvent{Room: room}

	wctx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-wctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if msg.Payload == deletedPayload {
					offerLatest(out, RoomEvent{Deleted: true})
					return
				}
				r, err := s.Get(wctx, id)
				if errors.Is(err, models.ErrRoomNotFound) {
					offerLatest(out, RoomEvent{Deleted: true})
					return
				}
				if err != nil {
					if wctx.Err() == nil {
						s.log.WithField("room", id).Warnf("watch reload failed: %v", err)
					}
					continue
				}
				offerLatest(out, RoomEvent{Room: r})
			}
		}
	}()

	return newSubscription(out, func() {
		cancel()
		ps.Close()
	}), nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}

func encodeBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func encodeRoom(r *models.Room) (map[string]interface{}, error) {
	fields := map[string]interface{}{
		fieldID:       r.ID.String(),
		fieldHost:     r.HostUserID.String(),
		fieldCategory: r.Category,
		fieldCapacity: strconv.Itoa(r.Capacity),
		fieldStatus:   string(r.Status),
		fieldSearch:   encodeBool(r.RandomSearchActive),
		fieldTurn:     r.TurnUserID.String(),
		fieldIndex:    strconv.Itoa(r.QuestionIndex),
		fieldStarted:  encodeTime(r.DuelStartedAt),
		fieldDeadline: encodeTime(r.DuelDeadline),
		fieldWinner:   r.WinnerID.String(),
		fieldReason:   string(r.FinishReason),
		fieldSettled:  encodeBool(r.Settled),
		fieldCreated:  encodeTime(r.CreatedAt),
		fieldVersion:  strconv.FormatInt(r.Version, 10),
		fieldQuiz:     "",
	}
	if r.Quiz != nil {
		data, err := json.Marshal(r.Quiz)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal quiz snapshot: %w", err)
		}
		fields[fieldQuiz] = string(data)
	}
	for uid, p := range r.Participants {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal participant %s: %w", uid, err)
		}
		fields[participantField+uid.String()] = string(data)
	}
	return fields, nil
}

// patchFields returns only the hash fields a patch touched, taken from the patched room.
func patchFields(p *Patch, r *models.Room, touched []uuid.UUID) (map[string]interface{}, error) {
	set := map[string]interface{}{
		fieldVersion: strconv.FormatInt(r.Version, 10),
	}
	if p.Status != nil {
		set[fieldStatus] = string(r.Status)
	}
	if p.RandomSearchActive != nil {
		set[fieldSearch] = encodeBool(r.RandomSearchActive)
	}
	if p.TurnUserID != nil {
		set[fieldTurn] = r.TurnUserID.String()
	}
	if p.QuestionIndex != nil {
		set[fieldIndex] = strconv.Itoa(r.QuestionIndex)
	}
	if p.Quiz != nil {
		data, err := json.Marshal(r.Quiz)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal quiz snapshot: %w", err)
		}
		set[fieldQuiz] = string(data)
	}
	if p.DuelStartedAt != nil {
		set[fieldStarted] = encodeTime(r.DuelStartedAt)
	}
	if p.DuelDeadline != nil {
		set[fieldDeadline] = encodeTime(r.DuelDeadline)
	}
	if p.WinnerID != nil {
		set[fieldWinner] = r.WinnerID.String()
	}
	if p.FinishReason != nil {
		set[fieldReason] = string(r.FinishReason)
	}
	if p.Settled != nil {
		set[fieldSettled] = encodeBool(r.Settled)
	}
	for _, uid := range touched {
		part, ok := r.Participants[uid]
		if !ok {
			continue
		}
		data, err := json.Marshal(part)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal participant %s: %w", uid, err)
		}
		set[participantField+uid.String()] = string(data)
	}
	return set, nil
}

func decodeRoom(vals map[string]string) (*models.Room, error) {
	r := &models.Room{Participants: make(map[uuid.UUID]*models.Participant)}
	var err error
	parseID := func(field string) uuid.UUID {
		if err != nil || vals[field] == "" {
			return uuid.Nil
		}
		var id uuid.UUID
		id, err = uuid.Parse(vals[field])
		return id
	}
	parseInt := func(field string) int {
		if err != nil || vals[field] == "" {
			return 0
		}
		var n int
		n, err = strconv.Atoi(vals[field])
		return n
	}
	parseTime := func(field string) time.Time {
		if err != nil {
			return time.Time{}
		}
		var t time.Time
		t, err = decodeTime(vals[field])
		return t
	}

	r.ID = parseID(fieldID)
	r.HostUserID = parseID(fieldHost)
	r.TurnUserID = parseID(fieldTurn)
	r.WinnerID = parseID(fieldWinner)
	r.Capacity = parseInt(fieldCapacity)
	r.QuestionIndex = parseInt(fieldIndex)
	r.DuelStartedAt = parseTime(fieldStarted)
	r.DuelDeadline = parseTime(fieldDeadline)
	r.CreatedAt = parseTime(fieldCreated)
	if err != nil {
		return nil, fmt.Errorf("failed to decode room: %w", err)
	}
	r.Category = vals[fieldCategory]
	r.Status = models.RoomStatus(vals[fieldStatus])
	r.FinishReason = models.FinishReason(vals[fieldReason])
	r.RandomSearchActive = vals[fieldSearch] == "1"
	r.Settled = vals[fieldSettled] == "1"
	if r.Version, err = strconv.ParseInt(vals[fieldVersion], 10, 64); err != nil {
		return nil, fmt.Errorf("failed to decode room version: %w", err)
	}

	if raw := vals[fieldQuiz]; raw != "" {
		var snap models.QuizSnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("failed to decode quiz snapshot: %w", err)
		}
		r.Quiz = &snap
	}
	for k, v := range vals {
		if !strings.HasPrefix(k, participantField) {
			continue
		}
		uid, err := uuid.Parse(strings.TrimPrefix(k, participantField))
		if err != nil {
			return nil, fmt.Errorf("bad participant field %q: %w", k, err)
		}
		var p models.Participant
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("failed to decode participant %s: %w", uid, err)
		}
		r.Participants[uid] = &p
	}
	return r, nil
}
