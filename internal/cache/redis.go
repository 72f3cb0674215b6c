// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Rdb is the global Redis client. Connect it once at application startup.
var Rdb *redis.Client

// DefaultQueueName is the Redis list (queue) name for duel action logs.
const DefaultQueueName = "quizduel_actions"

// Duel action types written to the queue.
const (
	ActionDuelStart  = "duel_start"
	ActionDuelAnswer = "duel_answer"
	ActionDuelFinish = "duel_finish"
	ActionDuelSettle = "duel_settle"
)

// DuelActionRecord holds the minimal info needed by the historian.
type DuelActionRecord struct {
	DuelID        uuid.UUID              `json:"duel_id"`
	ActionIndex   int64                  `json:"action_index"`
	ActorUserID   uuid.UUID              `json:"actor_user_id"`
	ActionType    string                 `json:"action_type"`
	ActionPayload map[string]interface{} `json:"action_payload"`
	Timestamp     int64                  `json:"timestamp"`
}

// ConnectRedis creates the global client and pings it.
func ConnectRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	Rdb = client
	return client, nil
}

// ActionLog pushes duel actions onto the historian queue.
type ActionLog struct {
	rdb   *redis.Client
	queue string
}

func NewActionLog(rdb *redis.Client, queue string) *ActionLog {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &ActionLog{rdb: rdb, queue: queue}
}

// Publish serializes the record to JSON, then pushes it to the Redis queue.
func (l *ActionLog) Publish(ctx context.Context, record DuelActionRecord) error {
	if record.Timestamp == 0 {
		record.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal DuelActionRecord: %w", err)
	}
	if err := l.rdb.RPush(ctx, l.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", l.queue, err)
	}
	return nil
}

// Queue returns the list name records are pushed to.
func (l *ActionLog) Queue() string {
	return l.queue
}
