// internal/historian/historian.go pops duel action records off the Redis queue and
// persists them to Postgres in batches.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/quizduel/internal/cache"
	"github.com/jason-s-yu/quizduel/internal/database"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Config tunes the consumer.
type Config struct {
	Queue      string
	BatchSize  int
	FlushDelay time.Duration
	// PopTimeout bounds a single BLPOP so shutdown is noticed. Redis rounds it up to 1s.
	PopTimeout time.Duration
	// Inactivity is how long a duel may go without actions before it is marked abandoned.
	Inactivity time.Duration
}

func DefaultConfig() Config {
	return Config{
		Queue:      cache.DefaultQueueName,
		BatchSize:  20,
		FlushDelay: 500 * time.Millisecond,
		PopTimeout: 3 * time.Second,
		Inactivity: 10 * time.Minute,
	}
}

// Service captures duel actions and marks duels abandoned once they go quiet.
type Service struct {
	rdb *redis.Client
	db  database.Querier
	cfg Config
	log logrus.FieldLogger

	// lastActivity is map[uuid.UUID]time.Time, one entry per duel still in progress
	lastActivity sync.Map

	batchMu sync.Mutex
	batch   []cache.DuelActionRecord
}

func NewService(rdb *redis.Client, db database.Querier, cfg Config, logger logrus.FieldLogger) *Service {
	def := DefaultConfig()
	if cfg.Queue == "" {
		cfg.Queue = def.Queue
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = def.FlushDelay
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = def.PopTimeout
	}
	if cfg.Inactivity <= 0 {
		cfg.Inactivity = def.Inactivity
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		rdb:   rdb,
		db:    db,
		cfg:   cfg,
		log:   logger.WithField("component", "historian"),
		batch: make([]cache.DuelActionRecord, 0, cfg.BatchSize),
	}
}

// Run consumes the queue until ctx ends, then flushes what is left.
func (s *Service) Run(ctx context.Context) error {
	s.log.WithField("queue", s.cfg.Queue).Info("historian started")
	go s.inactivityLoop(ctx)

	ticker := time.NewTicker(s.cfg.FlushDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := s.Flush(flushCtx); err != nil {
				s.log.WithError(err).Error("final flush failed")
			}
			s.log.Info("historian shutting down")
			return nil

		case <-ticker.C:
			if _, err := s.Flush(ctx); err != nil {
				s.log.WithError(err).Error("flush failed")
			}

		default:
			if _, err := s.pop(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Error("BLPop failed")
			}
		}
	}
}

// pop waits for one record and adds it to the batch, flushing at the threshold.
// It reports whether a record was taken.
func (s *Service) pop(ctx context.Context) (bool, error) {
	res, err := s.rdb.BLPop(ctx, s.cfg.PopTimeout, s.cfg.Queue).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(res) < 2 {
		return false, nil
	}

	// res[0] is the queue name and res[1] the payload
	var rec cache.DuelActionRecord
	if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
		s.log.WithError(err).Warn("invalid action record")
		return false, nil
	}

	if rec.ActionType == cache.ActionDuelFinish || rec.ActionType == cache.ActionDuelSettle {
		s.lastActivity.Delete(rec.DuelID)
	} else {
		s.lastActivity.Store(rec.DuelID, time.Now())
	}

	if s.append(rec) {
		if _, err := s.Flush(ctx); err != nil {
			s.log.WithError(err).Error("flush failed")
		}
	}
	return true, nil
}

// append adds rec to the batch and reports whether the batch is due.
func (s *Service) append(rec cache.DuelActionRecord) bool {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.batch = append(s.batch, rec)
	return len(s.batch) >= s.cfg.BatchSize
}

// Flush writes the pending batch in one transaction. On failure the records are
// put back at the front of the batch.
func (s *Service) Flush(ctx context.Context) (int, error) {
	s.batchMu.Lock()
	pending := s.batch
	s.batch = make([]cache.DuelActionRecord, 0, s.cfg.BatchSize)
	s.batchMu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	err := database.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, rec := range pending {
			if err := insertActionTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("insertActionTx: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		s.batchMu.Lock()
		s.batch = append(pending, s.batch...)
		s.batchMu.Unlock()
		return 0, fmt.Errorf("failed to flush %d actions: %w", len(pending), err)
	}

	s.log.WithField("count", len(pending)).Debug("flushed actions")
	return len(pending), nil
}

// Pending reports how many records wait for the next flush.
func (s *Service) Pending() int {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return len(s.batch)
}

func (s *Service) inactivityLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.MarkInactive(ctx, now)
		}
	}
}

// MarkInactive abandons every tracked duel idle for longer than the inactivity
// window at now. It returns how many it marked.
func (s *Service) MarkInactive(ctx context.Context, now time.Time) int {
	marked := 0
	s.lastActivity.Range(func(key, val any) bool {
		duelID, ok1 := key.(uuid.UUID)
		last, ok2 := val.(time.Time)
		if !ok1 || !ok2 || now.Sub(last) <= s.cfg.Inactivity {
			return true
		}
		if err := s.markAbandoned(ctx, duelID); err != nil {
			s.log.WithError(err).WithField("duel", duelID).Error("failed to mark duel abandoned")
			return true
		}
		s.lastActivity.Delete(duelID)
		marked++
		return true
	})
	return marked
}

func (s *Service) markAbandoned(ctx context.Context, duelID uuid.UUID) error {
	q := `
		UPDATE duels
		SET status = 'abandoned', end_time = NOW()
		WHERE id = $1 AND status = 'in_progress'
	`
	if _, err := s.db.Exec(ctx, q, duelID); err != nil {
		return err
	}
	s.log.WithField("duel", duelID).Info("marked duel abandoned after inactivity")
	return nil
}

// insertActionTx records one action, creating the duel row on first sight. A finish
// action completes the duel. Replayed records are ignored.
func insertActionTx(ctx context.Context, tx pgx.Tx, rec cache.DuelActionRecord) error {
	upsertDuelQ := `
		INSERT INTO duels (id, status, start_time)
		VALUES ($1, 'in_progress', NOW())
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := tx.Exec(ctx, upsertDuelQ, rec.DuelID); err != nil {
		return err
	}

	payload := rec.ActionPayload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	actionInsertQ := `
		INSERT INTO duel_actions (
			duel_id, action_index, actor_user_id, action_type, action_payload
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (duel_id, action_index, action_type) DO NOTHING
	`
	if _, err := tx.Exec(ctx, actionInsertQ,
		rec.DuelID, rec.ActionIndex, rec.ActorUserID, rec.ActionType, jsonPayload,
	); err != nil {
		return err
	}

	if rec.ActionType == cache.ActionDuelFinish {
		finalizeQ := `
			UPDATE duels
			SET status = 'completed', end_time = NOW()
			WHERE id = $1 AND status = 'in_progress'
		`
		if _, err := tx.Exec(ctx, finalizeQ, rec.DuelID); err != nil {
			return err
		}
	}
	return nil
}
