// internal/duel/sweep.go
package duel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/jason-s-yu/quizduel/internal/store"
	"golang.org/x/sync/errgroup"
)

const sweepParallelism = 8

// SweepReport counts what one sweep did.
type SweepReport struct {
	Expired int `json:"expired"`
	Settled int `json:"settled"`
	Deleted int `json:"deleted"`
	// Evicted counts blitz sessions dropped long after their deadline.
	Evicted int `json:"evicted"`
}

// Sweep completes duels past their deadline and removes open or finished rooms
// created more than maxAge ago. Finished rooms are settled before removal. Blitz
// sessions long past their deadline are forgotten.
func (c *Coordinator) Sweep(ctx context.Context, maxAge time.Duration) (*SweepReport, error) {
	var (
		mu     sync.Mutex
		report SweepReport
	)

	running, err := c.Rooms.List(ctx, store.RoomFilter{Status: []models.RoomStatus{models.StatusInDuel}})
	if err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, room := range running {
		if !room.DeadlinePassed(c.Now()) {
			continue
		}
		g.Go(func() error {
			expired, err := c.Expire(gctx, room.ID)
			if err != nil && !errors.Is(err, models.ErrRoomNotFound) {
				return err
			}
			if expired {
				mu.Lock()
				report.Expired++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &report, err
	}

	stale, err := c.Rooms.List(ctx, store.RoomFilter{
		Status:        idleStatuses,
		CreatedBefore: c.Now().Add(-maxAge),
	})
	if err != nil {
		return &report, err
	}
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, room := range stale {
		g.Go(func() error {
			if room.Status == models.StatusFinished && !room.Settled {
				rep, err := c.Settle(gctx, room.ID)
				if err != nil && !errors.Is(err, models.ErrRoomNotFound) {
					return err
				}
				if rep != nil && !rep.AlreadySettled {
					mu.Lock()
					report.Settled++
					mu.Unlock()
				}
			}
			// the listed copy may be stale by now; delete only the room we judged
			err := c.remove(gctx, room, store.Condition{
				Version: store.Ptr(room.Version),
				Status:  idleStatuses,
			})
			if errors.Is(err, models.ErrStaleWrite) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			report.Deleted++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	report.Evicted = c.evictBlitz(c.Now())
	if report.Expired+report.Deleted+report.Evicted > 0 {
		c.Log.WithField("expired", report.Expired).WithField("settled", report.Settled).
			WithField("deleted", report.Deleted).WithField("evicted", report.Evicted).Info("room sweep finished")
	}
	return &report, err
}

// RunSweeper sweeps every interval until ctx ends.
func (c *Coordinator) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx, maxAge); err != nil {
				c.Log.WithError(err).Warn("room sweep failed")
			}
		}
	}
}
