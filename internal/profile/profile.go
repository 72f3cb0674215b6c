// internal/profile/profile.go
package profile

import (
	"context"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
)

// Settlement is one participant's share of a finished duel.
type Settlement struct {
	RoomID   uuid.UUID
	UserID   uuid.UUID
	Category string
	QuizID   string
	Points   int
}

// Store is the identity/profile collaborator plus the cumulative points ledger.
type Store interface {
	GetProfile(ctx context.Context, uid uuid.UUID) (*models.Profile, error)
	// CreditDuel adds the points to the user's cumulative total once per (room, user).
	// It reports false when the settlement was already applied.
	CreditDuel(ctx context.Context, s Settlement) (bool, error)
	// PlayedQuizzes lists quiz ids in category that any of uids has already played.
	PlayedQuizzes(ctx context.Context, uids []uuid.UUID, category string) ([]string, error)
}

// Writer is implemented by stores that can register or refresh a profile. Points
// are never changed through it.
type Writer interface {
	UpsertProfile(ctx context.Context, p *models.Profile) error
}
