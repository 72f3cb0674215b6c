// internal/cache/redis_test.go
package cache

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestActionLogPublish pushes one record and reads it back off the queue.
func TestActionLogPublish(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	log := NewActionLog(rdb, "")
	assert.Equal(t, DefaultQueueName, log.Queue())

	rec := DuelActionRecord{
		DuelID:        uuid.New(),
		ActionIndex:   3,
		ActorUserID:   uuid.New(),
		ActionType:    ActionDuelAnswer,
		ActionPayload: map[string]interface{}{"correct": true},
	}
	require.NoError(t, log.Publish(context.Background(), rec))

	raw, err := rdb.LPop(context.Background(), DefaultQueueName).Result()
	require.NoError(t, err)

	var got DuelActionRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, rec.DuelID, got.DuelID)
	assert.Equal(t, int64(3), got.ActionIndex)
	assert.Equal(t, ActionDuelAnswer, got.ActionType)
	assert.Equal(t, true, got.ActionPayload["correct"])
	assert.NotZero(t, got.Timestamp)
}

func TestConnectRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := ConnectRedis(context.Background(), mr.Addr(), 0)
	require.NoError(t, err)
	defer client.Close()
	assert.Same(t, client, Rdb)

	addr := mr.Addr()
	mr.Close()
	_, err = ConnectRedis(context.Background(), addr, 0)
	assert.Error(t, err)
}
