// internal/duel/settle.go
package duel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/cache"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/jason-s-yu/quizduel/internal/profile"
	"github.com/jason-s-yu/quizduel/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SettleReport lists the points this call credited. Credited is empty when another
// observer got there first.
type SettleReport struct {
	RoomID         uuid.UUID         `json:"room_id"`
	Credited       map[uuid.UUID]int `json:"credited"`
	AlreadySettled bool              `json:"already_settled"`
}

// Settle adds every participant's session score to their cumulative total. The profile
// ledger credits each (room, user) pair once, and the room's settled flag is flipped
// with a conditional write, so repeated calls change nothing.
func (c *Coordinator) Settle(ctx context.Context, roomID uuid.UUID) (*SettleReport, error) {
	room, err := c.Rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Status != models.StatusFinished {
		return nil, fmt.Errorf("%w: duel has not finished", models.ErrForbidden)
	}
	report := &SettleReport{RoomID: roomID, Credited: make(map[uuid.UUID]int)}
	if room.Settled {
		report.AlreadySettled = true
		return report, nil
	}

	quizID := ""
	if room.Quiz != nil {
		quizID = room.Quiz.QuizID
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, uid := range room.ParticipantIDs() {
		points := room.Participants[uid].Score
		g.Go(func() error {
			applied, err := c.Profiles.CreditDuel(gctx, profile.Settlement{
				RoomID:   roomID,
				UserID:   uid,
				Category: room.Category,
				QuizID:   quizID,
				Points:   points,
			})
			if err != nil {
				return fmt.Errorf("failed to credit %s: %w", uid, err)
			}
			if applied {
				mu.Lock()
				report.Credited[uid] = points
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	updated, err := c.Rooms.Apply(ctx, roomID,
		store.Condition{Status: []models.RoomStatus{models.StatusFinished}, Settled: store.Ptr(false)},
		store.Patch{Settled: store.Ptr(true)})
	if errors.Is(err, models.ErrStaleWrite) {
		report.AlreadySettled = len(report.Credited) == 0
		return report, nil
	}
	if err != nil {
		return nil, err
	}

	c.Log.WithFields(logrus.Fields{"room": roomID, "credited": len(report.Credited)}).Info("duel settled")
	credited := make(map[string]int, len(report.Credited))
	for id, pts := range report.Credited {
		credited[id.String()] = pts
	}
	c.logAction(updated, uuid.Nil, cache.ActionDuelSettle, map[string]interface{}{"credited": credited})
	return report, nil
}
