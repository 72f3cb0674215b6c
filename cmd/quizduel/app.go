// cmd/quizduel/app.go
package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/quizduel/internal/auth"
	"github.com/jason-s-yu/quizduel/internal/cache"
	"github.com/jason-s-yu/quizduel/internal/catalog"
	"github.com/jason-s-yu/quizduel/internal/config"
	"github.com/jason-s-yu/quizduel/internal/database"
	"github.com/jason-s-yu/quizduel/internal/duel"
	"github.com/jason-s-yu/quizduel/internal/matchmaking"
	"github.com/jason-s-yu/quizduel/internal/notify"
	"github.com/jason-s-yu/quizduel/internal/profile"
	"github.com/jason-s-yu/quizduel/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// app is the wired service graph shared by the commands.
type app struct {
	cfg *config.Config
	log *logrus.Logger

	rdb  *redis.Client
	pool *pgxpool.Pool

	coord    *duel.Coordinator
	engine   *matchmaking.Engine
	notifier notify.Notifier
	profiles profile.Store
	catalog  catalog.Catalog
}

// connect opens Redis and Postgres and applies the schema.
func connect(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*redis.Client, *pgxpool.Pool, error) {
	rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	pool, err := database.ConnectDB(ctx, cfg.PostgresURL())
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		rdb.Close()
		return nil, nil, err
	}
	logger.WithFields(logrus.Fields{"redis": cfg.RedisAddr, "postgres": cfg.PGHost}).Info("connected to backing stores")
	return rdb, pool, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	ttl, err := auth.ParseExpireTime(cfg.TokenExpireTime)
	if err != nil {
		return nil, err
	}
	if cfg.JWTPrivateKeyPath != "" {
		err = auth.InitFromPath(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, ttl)
	} else {
		err = auth.Init(ttl)
	}
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: logger}
	var (
		rooms   store.RoomStore
		tickets store.TicketStore
		actions duel.ActionRecorder
	)

	switch cfg.Store {
	case "memory":
		logger.Warn("running with in-memory stores; state is lost on restart")
		rooms = store.NewMemoryRoomStore()
		tickets = store.NewMemoryTicketStore()
		a.notifier = notify.NewMemoryNotifier()
		a.profiles = profile.NewMemoryStore()
		mem := catalog.NewMemoryCatalog()
		if cfg.QuizFile != "" {
			quizzes, err := catalog.LoadFile(cfg.QuizFile)
			if err != nil {
				return nil, err
			}
			for _, q := range quizzes {
				mem.Add(q)
			}
			logger.WithField("count", len(quizzes)).Info("loaded quizzes")
		}
		a.catalog = mem
	default:
		a.rdb, a.pool, err = connect(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		rooms = store.NewRedisRoomStore(a.rdb, logger)
		tickets = store.NewRedisTicketStore(a.rdb)
		a.notifier = notify.NewRedisNotifier(a.rdb, logger)
		a.profiles = profile.NewPostgresStore(a.pool)
		pg := catalog.NewPostgresCatalog(a.pool)
		if cfg.QuizFile != "" {
			if err := seedCatalog(ctx, pg, cfg.QuizFile); err != nil {
				a.Close()
				return nil, err
			}
		}
		a.catalog = pg
		actions = cache.NewActionLog(a.rdb, cfg.HistorianQueueName)
	}

	reg := duel.NewRegistry(rooms, logger)
	reg.Tickets = tickets
	if actions != nil {
		reg.Actions = actions
	}
	a.coord = duel.NewCoordinator(reg, a.catalog, a.profiles, cfg.DuelDefaultDuration)
	a.engine = matchmaking.NewEngine(reg, tickets, a.notifier, a.profiles, matchmaking.Config{
		Grace:        cfg.SearchGrace,
		Timeout:      cfg.SearchTimeout,
		ScanInterval: cfg.SearchScanInterval,
	}, logger)
	return a, nil
}

// seedCatalog upserts every quiz in path.
func seedCatalog(ctx context.Context, pg *catalog.PostgresCatalog, path string) error {
	quizzes, err := catalog.LoadFile(path)
	if err != nil {
		return err
	}
	for _, q := range quizzes {
		if err := pg.Upsert(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.WithError(err).Warn("failed to close redis client")
		}
	}
}

func (a *app) String() string {
	return fmt.Sprintf("store=%s port=%d", a.cfg.Store, a.cfg.Port)
}
