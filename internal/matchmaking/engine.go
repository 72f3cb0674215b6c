// internal/matchmaking/engine.go
package matchmaking

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/duel"
	"github.com/jason-s-yu/quizduel/internal/notify"
	"github.com/jason-s-yu/quizduel/internal/profile"
	"github.com/jason-s-yu/quizduel/internal/store"
	"github.com/sirupsen/logrus"
)

// Config holds the search timings.
type Config struct {
	// Grace is how long a new search waits before it starts looking.
	Grace time.Duration
	// Timeout bounds a whole search, grace included.
	Timeout time.Duration
	// ScanInterval is the pause between two scans of the pool.
	ScanInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Grace:        3500 * time.Millisecond,
		Timeout:      15 * time.Second,
		ScanInterval: time.Second,
	}
}

// MatchResult is where a successful search ended up.
type MatchResult struct {
	RoomID   uuid.UUID `json:"room_id"`
	Opponent uuid.UUID `json:"opponent"`
	// Hosted is true when the opponent joined the searcher's own room.
	Hosted bool `json:"hosted"`
}

// Engine pairs users by random search or direct invite.
type Engine struct {
	reg      *duel.Registry
	tickets  store.TicketStore
	notifier notify.Notifier
	profiles profile.Store
	cfg      Config
	log      logrus.FieldLogger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.Mutex
	searches map[uuid.UUID]*Search
}

func NewEngine(reg *duel.Registry, tickets store.TicketStore, notifier notify.Notifier, profiles profile.Store, cfg Config, logger logrus.FieldLogger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if reg.Tickets == nil {
		reg.Tickets = tickets
	}
	return &Engine{
		reg:      reg,
		tickets:  tickets,
		notifier: notifier,
		profiles: profiles,
		cfg:      cfg,
		log:      logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		searches: make(map[uuid.UUID]*Search),
	}
}

// SetRand replaces the source used to shuffle candidates.
func (e *Engine) SetRand(rng *rand.Rand) {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	e.rng = rng
}

func (e *Engine) shuffle(n int, swap func(i, j int)) {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	e.rng.Shuffle(n, swap)
}

// Search is a running random search. It is owned by whoever started it.
type Search struct {
	UserID uuid.UUID

	cancel context.CancelFunc
	done   chan struct{}
	result MatchResult
	err    error
}

// Cancel stops the search and waits for its cleanup. Safe to call at any time.
func (s *Search) Cancel() {
	s.cancel()
	<-s.done
}

// Done is closed once the search has finished and cleaned up.
func (s *Search) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the search finishes. If ctx ends first the search is cancelled.
func (s *Search) Wait(ctx context.Context) (MatchResult, error) {
	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		s.Cancel()
		return s.result, ctx.Err()
	}
}

// stopActive cancels userID's running search, if any, and waits for its cleanup.
func (e *Engine) stopActive(userID uuid.UUID) {
	if s, ok := e.Active(userID); ok {
		s.Cancel()
	}
}

// launch runs fn in the background as userID's search.
func (e *Engine) launch(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context) (MatchResult, error)) *Search {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Search{UserID: userID, cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.searches[userID] = s
	e.mu.Unlock()

	go func() {
		defer close(s.done)
		defer cancel()
		s.result, s.err = fn(sctx)

		e.mu.Lock()
		if e.searches[userID] == s {
			delete(e.searches, userID)
		}
		e.mu.Unlock()
	}()
	return s
}

// Active returns userID's running search, if any.
func (e *Engine) Active(userID uuid.UUID) (*Search, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.searches[userID]
	return s, ok
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cleanupContext outlives a cancelled search long enough to undo its side effects.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}
