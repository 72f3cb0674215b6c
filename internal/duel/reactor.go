// internal/duel/reactor.go
package duel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/sirupsen/logrus"
)

// Reactor follows one room on behalf of one viewer. It drops events older than the
// last one it applied, completes the stored deadline when it passes, and settles the
// room once finished. Any connected participant may run one.
type Reactor struct {
	coord  *Coordinator
	roomID uuid.UUID
	viewer uuid.UUID
	onView func(View)
	log    logrus.FieldLogger

	mu          sync.Mutex
	lastVersion int64
	timer       *time.Timer
	armedFor    time.Time
}

func NewReactor(c *Coordinator, roomID, viewer uuid.UUID, onView func(View)) *Reactor {
	return &Reactor{
		coord:  c,
		roomID: roomID,
		viewer: viewer,
		onView: onView,
		log:    c.Log.WithFields(logrus.Fields{"room": roomID, "viewer": viewer}),
	}
}

// Run blocks until ctx ends or the room is deleted. A deleted room returns ErrRoomNotFound.
func (r *Reactor) Run(ctx context.Context) error {
	sub, err := r.coord.Watch(ctx, r.roomID)
	if err != nil {
		return err
	}
	defer sub.Close()
	defer r.disarm()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if ev.Deleted {
				return models.ErrRoomNotFound
			}
			r.apply(ctx, ev.Room)
		}
	}
}

// LastVersion is the newest room version handed to onView.
func (r *Reactor) LastVersion() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastVersion
}

func (r *Reactor) apply(ctx context.Context, room *models.Room) {
	if room == nil {
		return
	}
	r.mu.Lock()
	if room.Version <= r.lastVersion {
		r.mu.Unlock()
		return
	}
	r.lastVersion = room.Version
	r.mu.Unlock()

	if r.onView != nil {
		r.onView(Project(room, r.viewer, r.coord.Now()))
	}

	switch room.Status {
	case models.StatusInDuel:
		r.arm(ctx, room.DuelDeadline)
	case models.StatusFinished:
		r.disarm()
		if !room.Settled {
			if _, err := r.coord.Settle(ctx, r.roomID); err != nil {
				r.log.WithError(err).Warn("failed to settle finished duel")
			}
		}
	}
}

// arm schedules Expire for deadline, replacing a timer armed for another deadline.
func (r *Reactor) arm(ctx context.Context, deadline time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil && r.armedFor.Equal(deadline) {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	wait := deadline.Sub(r.coord.Now())
	if wait < 0 {
		wait = 0
	}
	r.armedFor = deadline
	r.timer = time.AfterFunc(wait, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.coord.Expire(ctx, r.roomID); err != nil {
			r.log.WithError(err).Warn("failed to expire duel")
		}
	})
}

func (r *Reactor) disarm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
